package goble

import (
	"context"
	"errors"
	"strings"

	"github.com/eltsu7/ruusti-tag/internal/transport"
)

// normalizeError maps known go-ble error strings onto transport error kinds
// so callers can match with errors.Is even if the upstream library changes
// messages slightly. Unrecognized errors get the fallback kind.
func normalizeError(fallback transport.FailureKind, addr string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return transport.Wrap(transport.Timeout, addr, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "device not connected"),
		strings.Contains(msg, "disconnected"),
		strings.Contains(msg, "connection canceled"):
		return transport.Wrap(transport.Disconnected, addr, err)
	case strings.Contains(msg, "timeout"):
		return transport.Wrap(transport.Timeout, addr, err)
	default:
		return transport.Wrap(fallback, addr, err)
	}
}
