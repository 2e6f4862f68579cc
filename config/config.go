package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"rtorrent-rpc/client"
	"rtorrent-rpc/codec"
	"rtorrent-rpc/fleet"
	"rtorrent-rpc/loadbalance"
	"rtorrent-rpc/middleware"
	"rtorrent-rpc/registry"
	"rtorrent-rpc/transport"
)

var log = logrus.New()

// Environment variables read by ApplyEnv.
const (
	EnvDisableTLSCert = "RTORRENT_RPC_DISABLE_TLS_CERT" // "1" turns off certificate validation
	EnvAddress        = "RTORRENT_RPC_ADDRESS"
)

// Duration is a time.Duration written as "5s" in config files. Plain numbers
// are read as seconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var secs float64
	if err := json.Unmarshal(data, &secs); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config describes how to reach one daemon, or a fleet of them.
type Config struct {
	// Default config file location
	configFile string

	Address            string            `json:"address"`
	DialTimeout        Duration          `json:"dial_timeout"`
	ReadTimeout        Duration          `json:"read_timeout"`
	InsecureSkipVerify bool              `json:"insecure_skip_verify"`
	MaxResponseSize    int               `json:"max_response_size"`
	Encoding           string            `json:"encoding"` // xml or json
	Strings            string            `json:"strings"`  // see codec.ParseStringStrategy
	Headers            map[string]string `json:"headers,omitempty"`

	// Client side middlewares; zero values leave them out.
	LogCalls    bool     `json:"log_calls"`
	CallTimeout Duration `json:"call_timeout"`
	RateLimit   float64  `json:"rate_limit"` // calls per second
	RateBurst   int      `json:"rate_burst"`
	Retries     int      `json:"retries"` // retries of calls that could not connect
	RetryDelay  Duration `json:"retry_delay"`

	Fleet struct {
		Group       string              `json:"group"`
		Balancer    string              `json:"balancer"`
		Concurrency int                 `json:"concurrency"`
		Etcd        []string            `json:"etcd,omitempty"`    // registry endpoints
		Daemons     []registry.Instance `json:"daemons,omitempty"` // used when Etcd is empty
	} `json:"fleet"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Address = "scgi://127.0.0.1:5000"
	cfg.DialTimeout = Duration(transport.DefaultTimeout)
	cfg.ReadTimeout = Duration(transport.DefaultTimeout)
	cfg.MaxResponseSize = transport.DefaultMaxResponseSize
	cfg.Encoding = codec.CodecTypeXML.String()
	cfg.Strings = codec.StringsPreserve.String()

	cfg.RateBurst = 1
	cfg.RetryDelay = Duration(100 * time.Millisecond)

	cfg.Fleet.Group = "rtorrent"
	cfg.Fleet.Balancer = "round_robin"
	cfg.Fleet.Concurrency = fleet.DefaultConcurrency

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config %s: %w", c.configFile, err)
	}

	return nil
}

// ApplyEnv overrides cfg from the process environment. It is meant to run once
// at startup; nothing else in the module reads the environment. A nil lookup
// means os.LookupEnv.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvAddress); ok && v != "" {
		cfg.Address = v
	}
	if v, ok := lookup(EnvDisableTLSCert); ok && v == "1" {
		log.Warnf("%s=1: TLS certificate validation is disabled", EnvDisableTLSCert)
		cfg.InsecureSkipVerify = true
	}
}

// Codec returns the message codec selected by Encoding and Strings.
func (c *Config) Codec() (codec.Codec, error) {
	codecType, err := codec.ParseCodecType(c.Encoding)
	if err != nil {
		return nil, err
	}
	strategy, err := codec.ParseStringStrategy(c.Strings)
	if err != nil {
		return nil, err
	}
	return codec.GetCodec(codecType, strategy), nil
}

// ClientOptions translates the configuration into client options. logger
// receives call logs when LogCalls is set; nil means the package logger.
func (c *Config) ClientOptions(logger logrus.FieldLogger) ([]client.Option, error) {
	cd, err := c.Codec()
	if err != nil {
		return nil, err
	}

	opts := []client.Option{
		client.WithCodec(cd),
		client.WithTransport(
			transport.WithDialTimeout(time.Duration(c.DialTimeout)),
			transport.WithReadTimeout(time.Duration(c.ReadTimeout)),
			transport.WithInsecureSkipVerify(c.InsecureSkipVerify),
			transport.WithMaxResponseSize(c.MaxResponseSize),
		),
	}
	for k, v := range c.Headers {
		opts = append(opts, client.WithHeader(k, v))
	}

	// outermost first; the call timeout covers the retries
	var mws []middleware.Middleware
	if c.LogCalls {
		if logger == nil {
			logger = log
		}
		mws = append(mws, middleware.LoggingMiddleware(logger))
	}
	if c.RateLimit > 0 {
		mws = append(mws, middleware.ThrottleMiddleware(c.RateLimit, max(c.RateBurst, 1)))
	}
	if c.CallTimeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(time.Duration(c.CallTimeout)))
	}
	if c.Retries > 0 {
		mws = append(mws, middleware.RetryMiddleware(c.Retries, time.Duration(c.RetryDelay)))
	}
	if len(mws) > 0 {
		opts = append(opts, client.WithMiddleware(mws...))
	}
	return opts, nil
}

// NewClient builds a client for Address.
func (c *Config) NewClient(logger logrus.FieldLogger) (*client.Client, error) {
	opts, err := c.ClientOptions(logger)
	if err != nil {
		return nil, err
	}
	return client.Dial(c.Address, opts...)
}

// NewFleet builds a fleet over Fleet.Group. With Fleet.Etcd set the group is
// discovered through etcd, otherwise Fleet.Daemons are registered in a static
// registry. The returned close function releases the registry.
func (c *Config) NewFleet(logger logrus.FieldLogger) (*fleet.Fleet, func() error, error) {
	opts, err := c.ClientOptions(logger)
	if err != nil {
		return nil, nil, err
	}
	balancer, err := loadbalance.New(c.Fleet.Balancer)
	if err != nil {
		return nil, nil, err
	}

	var reg registry.Registry
	closer := func() error { return nil }
	if len(c.Fleet.Etcd) > 0 {
		etcd, err := registry.NewEtcdRegistry(c.Fleet.Etcd)
		if err != nil {
			return nil, nil, err
		}
		reg, closer = etcd, etcd.Close
	} else {
		static := registry.NewStaticRegistry()
		for _, inst := range c.Fleet.Daemons {
			if err := static.Register(context.Background(), c.Fleet.Group, inst, 0); err != nil {
				return nil, nil, err
			}
		}
		reg = static
	}

	f := fleet.New(reg, balancer, c.Fleet.Group, opts...)
	f.Concurrency = c.Fleet.Concurrency
	return f, closer, nil
}
