package goble

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/eltsu7/ruusti-tag/internal/transport"
)

func TestNormalizeError(t *testing.T) {
	const addr = "AA:BB:CC:DD:EE:FF"

	tests := []struct {
		name string
		err  error
		want transport.FailureKind
	}{
		{"deadline exceeded", fmt.Errorf("dial: %w", context.DeadlineExceeded), transport.Timeout},
		{"ble disconnect message", errors.New("ATT request failed: connection canceled"), transport.Disconnected},
		{"device not connected", errors.New("Device Not Connected"), transport.Disconnected},
		{"timeout in message", errors.New("connection timeout"), transport.Timeout},
		{"unrecognized falls back", errors.New("hci device busy"), transport.ConnectFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeError(transport.ConnectFailed, addr, tt.err)
			assert.True(t, transport.IsKind(got, tt.want), "got %v", got)
		})
	}
}

func TestNormalizeErrorNil(t *testing.T) {
	assert.NoError(t, normalizeError(transport.ConnectFailed, "addr", nil))
}
