package relay

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Config holds everything needed to stand up a relay: the SMB/pipe dial
// parameters, transport timing, keep-alive behavior, and the TCP listener
// bind specs.
type Config struct {
	// Remote SMB endpoint
	Host     string `validate:"required,hostname_rfc1123|ip"`
	PipeName string `validate:"required"` // pipe name under \\<Host>\pipe\

	// Authentication
	Username    string
	Password    string
	Domain      string
	UseKerberos bool
	GuestAccess bool

	// Transport timing; zero means "use default".
	HandshakeTimeout  time.Duration
	SteadyReadTimeout time.Duration
	WriteTick         time.Duration
	ReconnectBackoff  time.Duration
	PipeOpenTimeout   time.Duration
	PipeOpenPoll      time.Duration

	// Keep-alive: interval between PINGs when no traffic has been seen.
	// Zero disables keep-alive PINGs (the receive loop still polls its
	// timer to observe termination).
	KeepAliveInterval time.Duration `validate:"omitempty,min=100ms,max=10s"`

	// Local TCP listener bind specs, e.g. "127.0.0.1:1080", ":1080", "1080".
	Listen []string `validate:"required,min=1,dive,required"`

	// RetryPolicy is defaulted by setDefaults but not applied anywhere in
	// the connect path: the SMB dial is attempted once per connect, and the
	// pipe transport's own reconnect loop always backs off ReconnectBackoff.
	RetryPolicy *RetryPolicy
}

// DefaultConfig returns a Config with every timing field at its default,
// a single loopback listener, and no credentials set.
func DefaultConfig() *Config {
	return &Config{
		PipeName:          "rpc2socks",
		HandshakeTimeout:  3 * time.Second,
		SteadyReadTimeout: 1 * time.Second,
		WriteTick:         1 * time.Second,
		ReconnectBackoff:  500 * time.Millisecond,
		PipeOpenTimeout:   5 * time.Second,
		PipeOpenPoll:      100 * time.Millisecond,
		KeepAliveInterval: 0,
		Listen:            []string{"127.0.0.1:1080"},
		RetryPolicy:       defaultRetryPolicy,
	}
}

// setDefaults fills any zero-valued timing field with its default.
// Credentials, Host, PipeName and Listen are never defaulted.
func (c *Config) setDefaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 3 * time.Second
	}
	if c.SteadyReadTimeout == 0 {
		c.SteadyReadTimeout = 1 * time.Second
	}
	if c.WriteTick == 0 {
		c.WriteTick = 1 * time.Second
	}
	if c.ReconnectBackoff == 0 {
		c.ReconnectBackoff = 500 * time.Millisecond
	}
	if c.PipeOpenTimeout == 0 {
		c.PipeOpenTimeout = 5 * time.Second
	}
	if c.PipeOpenPoll == 0 {
		c.PipeOpenPoll = 100 * time.Millisecond
	}
	if c.RetryPolicy == nil {
		c.RetryPolicy = defaultRetryPolicy
	}
}

// Validate checks struct-tag constraints plus cross-field rules validator
// tags can't express: credential completeness for non-guest access, and
// bind-spec syntax.
func (c *Config) Validate() error {
	c.setDefaults()

	if err := validate.Struct(c); err != nil {
		return newConfigError("Config", err.Error())
	}

	if !c.GuestAccess {
		if c.Username == "" {
			return newConfigError("Username", "required for non-guest access")
		}
		if !c.UseKerberos && c.Password == "" {
			return newConfigError("Password", "required when not using Kerberos")
		}
	}

	for _, spec := range c.Listen {
		if _, _, err := normalizeBindSpec(spec); err != nil {
			return newConfigError("Listen", fmt.Sprintf("%q: %v", spec, err))
		}
	}

	return nil
}

// normalizeBindSpec accepts "host:port", ":port", "[v6]:port", and the
// bare-port shorthand "port", returning the normalized host (possibly
// empty for wildcard) and port.
func normalizeBindSpec(spec string) (host string, port int, err error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", 0, fmt.Errorf("empty bind spec")
	}

	if !strings.Contains(spec, ":") {
		p, perr := strconv.Atoi(spec)
		if perr != nil || p < 1 || p > 65535 {
			return "", 0, fmt.Errorf("invalid bare port %q", spec)
		}
		return "", p, nil
	}

	h, portStr, serr := splitHostPort(spec)
	if serr != nil {
		return "", 0, serr
	}
	p, perr := strconv.Atoi(portStr)
	if perr != nil || p < 1 || p > 65535 {
		return "", 0, fmt.Errorf("invalid port in %q", spec)
	}
	if h == "*" {
		h = ""
	}
	return h, p, nil
}

// splitHostPort splits spec at its last colon and strips surrounding
// brackets from the host, so "*:port" and "[v6]:port" both split cleanly.
// It does not call net.SplitHostPort, which keeps normalizeBindSpec's error
// messages domain-specific.
func splitHostPort(spec string) (host, port string, err error) {
	idx := strings.LastIndex(spec, ":")
	if idx < 0 {
		return "", "", fmt.Errorf("missing port in %q", spec)
	}
	host = spec[:idx]
	port = spec[idx+1:]
	host = strings.TrimPrefix(strings.TrimSuffix(host, "]"), "[")
	if port == "" {
		return "", "", fmt.Errorf("missing port in %q", spec)
	}
	return host, port, nil
}
