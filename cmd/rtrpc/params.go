package main

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// parseParams converts command line arguments to call parameters. A known
// prefix selects the type; anything else is passed as a string.
func parseParams(args []string) ([]any, error) {
	params := make([]any, 0, len(args))
	for _, arg := range args {
		kind, value, found := strings.Cut(arg, ":")
		if !found {
			params = append(params, arg)
			continue
		}

		var p any
		var err error
		switch kind {
		case "i":
			p, err = strconv.ParseInt(value, 10, 64)
		case "b":
			p, err = strconv.ParseBool(value)
		case "f":
			p, err = strconv.ParseFloat(value, 64)
		case "s":
			p = value
		case "x":
			p, err = base64.StdEncoding.DecodeString(value)
		default:
			// e.g. an address or a view name containing ':'
			p = arg
		}
		if err != nil {
			return nil, fmt.Errorf("%q: %w", arg, err)
		}
		params = append(params, p)
	}
	return params, nil
}
