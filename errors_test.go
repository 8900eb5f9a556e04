package relay

import (
	"errors"
	"testing"

	"github.com/smbsocks/relay/protocol"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"decode error", &protocol.DecodeError{Kind: protocol.BadMagic}, false},
		{"config error", &ConfigError{Field: "Host", Reason: "required"}, false},
		{"transport timeout", ErrTransportTimeout, true},
		{"transport closed", ErrTransportClosed, true},
		{"wrapped io error", &IoError{Op: "dial", Err: errors.New("boom")}, true},
		{"plain error", errors.New("nope"), false},
		{"nil", nil, false},
	}

	for _, tc := range tests {
		if got := isRetryable(tc.err); got != tc.want {
			t.Errorf("%s: isRetryable() = %v, want %v", tc.name, got, tc.want)
		}
	}
}
