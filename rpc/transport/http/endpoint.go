package http

import (
	"fmt"
	"net/url"
	"strings"
)

const unixScheme = "unix://"

// parseListenEndpoint returns the network and address a server endpoint listens on.
// "unix:///run/dkb.sock" and plain paths ("/run/dkb.sock", "./dkb.sock") are unix sockets,
// everything else is a tcp address.
func parseListenEndpoint(endpoint string) (network, address string, err error) {
	endpoint = strings.TrimSpace(endpoint)
	switch {
	case endpoint == "":
		return "", "", fmt.Errorf("empty endpoint")
	case strings.HasPrefix(endpoint, unixScheme):
		return "unix", strings.TrimPrefix(endpoint, unixScheme), nil
	case strings.HasPrefix(endpoint, "/"), strings.HasPrefix(endpoint, "./"):
		return "unix", endpoint, nil
	case strings.HasPrefix(endpoint, "http://"):
		return "tcp", strings.TrimPrefix(endpoint, "http://"), nil
	default:
		return "tcp", endpoint, nil
	}
}

// target is a parsed client endpoint
type target struct {
	baseURL    string // scheme and host used for the request url
	socketPath string // set for unix sockets
}

// parseClientEndpoint parses an endpoint given to the client.
// "localhost:3000" and "http://localhost:3000" are tcp endpoints, "unix:///run/dkb.sock" is a unix socket.
func parseClientEndpoint(endpoint string) (target, error) {
	network, address, err := parseListenEndpoint(endpoint)
	if err != nil {
		return target{}, err
	}
	if network == "unix" {
		return target{baseURL: "http://unix", socketPath: address}, nil
	}

	u, err := url.Parse("http://" + address)
	if err != nil {
		return target{}, err
	}
	if u.Host == "" {
		return target{}, fmt.Errorf("invalid endpoint %q", endpoint)
	}
	return target{baseURL: "http://" + u.Host}, nil
}
