// Package endpoints holds the well-known Open API endpoints. Demo and live
// are configuration values, not protocol differences.
package endpoints

import (
	"fmt"
	"strings"
)

const (
	// AuthURL is the browser-navigated authorization endpoint.
	AuthURL = "https://openapi.ctrader.com/apps/auth"

	// TokenURL is the token exchange endpoint.
	TokenURL = "https://openapi.ctrader.com/apps/token"

	// DemoHost serves demo accounts; LiveHost serves live accounts.
	DemoHost = "demo.ctraderapi.com"
	LiveHost = "live.ctraderapi.com"

	// Port is the protocol TCP port for both environments.
	Port = 5035
)

// Environment selects which protocol endpoint to dial.
type Environment string

const (
	Demo Environment = "demo"
	Live Environment = "live"
)

// ParseEnvironment normalizes an environment name.
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "demo":
		return Demo, nil
	case "live":
		return Live, nil
	default:
		return "", fmt.Errorf("unknown environment %q (want demo or live)", s)
	}
}

// Addr returns the host:port to dial for the environment.
func (e Environment) Addr() string {
	host := DemoHost
	if e == Live {
		host = LiveHost
	}
	return fmt.Sprintf("%s:%d", host, Port)
}
