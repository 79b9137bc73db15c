// Package session describes engine sessions: the parameters a client needs
// to reach one, how to detect an ambient session from the environment, and
// how to launch a new one locally or on a remote host.
package session

import (
	"errors"
	"fmt"
	"maps"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Environment variables describing an ambient session.
const (
	EnvSessionHost  = "ENGINE_SESSION_HOST"
	EnvSessionPort  = "ENGINE_SESSION_PORT"
	EnvSessionToken = "ENGINE_SESSION_TOKEN"
)

// DefaultHost is used when no host is announced.
const DefaultHost = "127.0.0.1"

// ConnectParams identifies a running engine session. It is immutable once
// constructed; Labels returns a copy.
type ConnectParams struct {
	endpoint string
	token    string
	labels   map[string]string
}

// NewConnectParams builds params for endpoint (host:port) and token.
func NewConnectParams(endpoint, token string, labels map[string]string) ConnectParams {
	return ConnectParams{
		endpoint: endpoint,
		token:    token,
		labels:   maps.Clone(labels),
	}
}

// Endpoint returns host:port.
func (p ConnectParams) Endpoint() string { return p.endpoint }

// Token returns the session token.
func (p ConnectParams) Token() string { return p.token }

// Labels returns a copy of the session labels.
func (p ConnectParams) Labels() map[string]string { return maps.Clone(p.labels) }

// IsZero reports whether p carries no endpoint.
func (p ConnectParams) IsZero() bool { return p.endpoint == "" }

// Equal compares endpoint and token. Labels do not take part.
func (p ConnectParams) Equal(o ConnectParams) bool {
	return p.endpoint == o.endpoint && p.token == o.token
}

// URL returns the websocket URL of the session endpoint.
func (p ConnectParams) URL() string {
	return "ws://" + p.endpoint + "/session"
}

// String renders the params without the token.
func (p ConnectParams) String() string {
	return p.endpoint
}

// Environ renders p as environment assignments, so that a child process
// sees this session as ambient.
func (p ConnectParams) Environ() []string {
	host, port, err := net.SplitHostPort(p.endpoint)
	if err != nil {
		return nil
	}
	return []string{
		EnvSessionHost + "=" + host,
		EnvSessionPort + "=" + port,
		EnvSessionToken + "=" + p.token,
	}
}

// FormatLabels renders labels as sorted key:value pairs.
func FormatLabels(labels map[string]string) []string {
	out := make([]string, 0, len(labels))
	for k, v := range labels {
		out = append(out, k+":"+v)
	}
	sort.Strings(out)
	return out
}

// ParseLabels parses key:value (or key=value) pairs.
func ParseLabels(pairs []string) (map[string]string, error) {
	labels := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, ":")
		if !ok {
			k, v, ok = strings.Cut(pair, "=")
		}
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid label %q: expected key:value", pair)
		}
		labels[k] = v
	}
	return labels, nil
}

// Probe reports whether the process is already inside an engine session.
type Probe interface {
	Probe() (ConnectParams, bool, error)
}

// ErrMalformedEnvironment is returned when the ambient variables are present
// but unusable.
var ErrMalformedEnvironment = errors.New("malformed ambient session environment")

// EnvProbe reads ambient session parameters from the environment. The
// session is ambient when the port variable is set. A set port with a
// missing token or a non-numeric value is an error.
type EnvProbe struct {
	// LookupEnv defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Probe implements Probe.
func (e EnvProbe) Probe() (ConnectParams, bool, error) {
	lookup := e.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	portStr, ok := lookup(EnvSessionPort)
	if !ok || portStr == "" {
		return ConnectParams{}, false, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return ConnectParams{}, false, fmt.Errorf("%w: %s=%q is not a valid port", ErrMalformedEnvironment, EnvSessionPort, portStr)
	}

	token, _ := lookup(EnvSessionToken)
	if token == "" {
		return ConnectParams{}, false, fmt.Errorf("%w: %s is set but %s is empty", ErrMalformedEnvironment, EnvSessionPort, EnvSessionToken)
	}

	host, _ := lookup(EnvSessionHost)
	if host == "" {
		host = DefaultHost
	}

	return NewConnectParams(net.JoinHostPort(host, strconv.Itoa(port)), token, nil), true, nil
}

// StaticProbe always returns the given params. A zero value reports no
// ambient session.
type StaticProbe struct {
	Params ConnectParams
}

// Probe implements Probe.
func (s StaticProbe) Probe() (ConnectParams, bool, error) {
	return s.Params, !s.Params.IsZero(), nil
}
