// Command rtrpc issues one XML-RPC call against an rtorrent daemon, or
// against every daemon of a fleet, and prints the result as JSON.
//
//	rtrpc init  -config rtrpc.json
//	rtrpc call  [-config rtrpc.json] [-address scgi://host:5000] method [param...]
//	rtrpc fleet -config rtrpc.json method [param...]
//
// Every subcommand accepts -log-level (default warning).
//
// Parameters are strings unless prefixed: i:42, b:true, f:1.5, s:text,
// x:<base64>.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"

	"rtorrent-rpc/config"
)

var (
	configFile = flag.String("config", "", "Path to config file")
	logLevel   = flag.String("log-level", "warning", "Log level: trace, debug, info, warning, error")
)

func setLogLevel(level string) {
	l, err := log.ParseLevel(level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	log.SetLevel(l)
}

func registerGlobalFlags(fset *flag.FlagSet) {
	flag.VisitAll(func(f *flag.Flag) {
		fset.Var(f.Value, f.Name, f.Usage)
	})
}

// loadConfig reads configFile when given, then applies the environment and
// the command line overrides.
func loadConfig(configFile, address, encoding, strings string) *config.Config {
	cfg := config.NewEmptyConfig(configFile)
	if configFile != "" {
		var err error
		if cfg, err = config.NewConfigFromFile(configFile); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}
	config.ApplyEnv(cfg, nil)
	if address != "" {
		cfg.Address = address
	}
	if encoding != "" {
		cfg.Encoding = encoding
	}
	if strings != "" {
		cfg.Strings = strings
	}
	return cfg
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("Failed to print result: %v", err)
	}
	fmt.Println(string(out))
}

func runCall(ctx context.Context, cfg *config.Config, method string, params []any) {
	c, err := cfg.NewClient(log.StandardLogger())
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	result, err := c.CallContext(ctx, method, params...)
	if err != nil {
		log.Fatalf("%s failed: %v", method, err)
	}
	printJSON(result)
}

func runFleet(ctx context.Context, cfg *config.Config, method string, params []any) {
	f, closeFleet, err := cfg.NewFleet(log.StandardLogger())
	if err != nil {
		log.Fatalf("Failed to create fleet: %v", err)
	}
	defer closeFleet()

	results, err := f.CallAll(ctx, method, params...)
	if err != nil {
		log.Fatalf("%s failed: %v", method, err)
	}
	out := make(map[string]any, len(results))
	for _, r := range results {
		if r.Err != nil {
			log.WithError(r.Err).Warnf("%s failed on %s", method, r.Instance.ID())
			out[r.Instance.ID()] = map[string]string{"error": r.Err.Error()}
			continue
		}
		out[r.Instance.ID()] = r.Value
	}
	printJSON(out)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	initCmd := flag.NewFlagSet("init", flag.ExitOnError)
	registerGlobalFlags(initCmd)

	callCmd := flag.NewFlagSet("call", flag.ExitOnError)
	address := callCmd.String("address", "", "Daemon address, e.g. scgi://127.0.0.1:5000, /run/rtorrent.sock or https://host/RPC2")
	encoding := callCmd.String("encoding", "", "Message encoding: xml or json")
	stringsMode := callCmd.String("strings", "", "Invalid UTF-8 handling: preserve, replace, latin1, windows1252 or strict")
	registerGlobalFlags(callCmd)

	fleetCmd := flag.NewFlagSet("fleet", flag.ExitOnError)
	registerGlobalFlags(fleetCmd)

	if len(os.Args) < 2 {
		log.Fatal("Usage: rtrpc init|call|fleet [flags] [method param...]")
	}
	cmd, args := os.Args[1], os.Args[2:]

	switch cmd {
	case "init":
		initCmd.Parse(args)
		setLogLevel(*logLevel)
		if *configFile == "" {
			log.Fatal("Config file not specified")
		}
		if err := config.NewEmptyConfig(*configFile).Save(); err != nil {
			log.Fatalf("Failed to save config: %v", err)
		}
	case "call":
		callCmd.Parse(args)
		setLogLevel(*logLevel)
		method, params := methodAndParams(callCmd.Args())
		cfg := loadConfig(*configFile, *address, *encoding, *stringsMode)
		runCall(ctx, cfg, method, params)
	case "fleet":
		fleetCmd.Parse(args)
		setLogLevel(*logLevel)
		if *configFile == "" {
			log.Fatal("Config file not specified")
		}
		method, params := methodAndParams(fleetCmd.Args())
		runFleet(ctx, loadConfig(*configFile, "", "", ""), method, params)
	default:
		log.Fatalf("Invalid subcommand '%s'", os.Args[1])
	}
}

func methodAndParams(args []string) (string, []any) {
	if len(args) == 0 {
		log.Fatal("Method not specified")
	}
	params, err := parseParams(args[1:])
	if err != nil {
		log.Fatalf("Invalid parameter: %v", err)
	}
	return args[0], params
}
