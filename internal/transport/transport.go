// Package transport defines the contract the collector consumes from the
// wireless host stack. Implementations live in subpackages; tests use fakes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// FailureKind classifies a transport-level failure.
type FailureKind string

const (
	NotFound        FailureKind = "not_found"
	ConnectFailed   FailureKind = "connect_failed"
	SubscribeFailed FailureKind = "subscribe_failed"
	Timeout         FailureKind = "timeout"
	Disconnected    FailureKind = "disconnected"
)

// Error represents any transport-level problem, tagged by kind and the
// device address it concerns.
type Error struct {
	Kind FailureKind
	Addr string
	Msg  string
}

// Error implements the error interface
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	s := string(e.Kind)
	if e.Addr != "" {
		s += " " + e.Addr
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	return s
}

// Is allows errors.Is to compare Error values by Kind
func (e *Error) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors for failure kinds
var (
	ErrNotFound        = &Error{Kind: NotFound}
	ErrConnectFailed   = &Error{Kind: ConnectFailed}
	ErrSubscribeFailed = &Error{Kind: SubscribeFailed}
	ErrTimeout         = &Error{Kind: Timeout}
	ErrDisconnected    = &Error{Kind: Disconnected}
)

// ErrNoAdapter indicates no usable wireless adapter exists. It is the only
// transport error treated as fatal at startup.
var ErrNoAdapter = errors.New("no usable bluetooth adapter")

// Wrap builds a kind-tagged error around an underlying cause.
func Wrap(kind FailureKind, addr string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", &Error{Kind: kind, Addr: addr}, err)
}

// IsKind reports whether err carries the given failure kind.
func IsKind(err error, kind FailureKind) bool {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind == kind
	}
	return false
}

// NormalizeAddr renders a hardware address in the canonical uppercase form
// used to key the device table. BLE stacks report addresses lowercase, so
// every address crossing into the collector goes through here.
func NormalizeAddr(addr string) string {
	return strings.ToUpper(addr)
}

// NormalizeUUID lowercases a characteristic UUID and strips dashes so
// representations from different stacks compare equal.
func NormalizeUUID(u string) string {
	out := make([]byte, 0, len(u))
	for i := 0; i < len(u); i++ {
		c := u[i]
		switch {
		case c == '-':
		case c >= 'A' && c <= 'F':
			out = append(out, c+'a'-'A')
		default:
			out = append(out, c)
		}
	}
	return string(out)
}

// EqualUUID compares two UUIDs ignoring case and dashes.
func EqualUUID(a, b string) bool {
	return NormalizeUUID(a) == NormalizeUUID(b)
}

// Visible is one device observed on the air during a scan.
type Visible struct {
	Address string
	Name    string
	RSSI    int
}

// Transport performs discovery and connection establishment.
type Transport interface {
	// Scan listens for advertisements for the given window and returns the
	// devices seen, keyed by hardware address.
	Scan(ctx context.Context, window time.Duration) (map[string]Visible, error)

	// Connect dials the device and returns a live connection.
	Connect(ctx context.Context, addr string, timeout time.Duration) (Conn, error)
}

// Conn is an established connection to a single device.
type Conn interface {
	// DiscoverCharacteristics performs service discovery and returns the
	// characteristic UUIDs the device exposes.
	DiscoverCharacteristics(ctx context.Context) ([]string, error)

	// Subscribe enables notifications on the given characteristic.
	Subscribe(charUUID string) error

	// AwaitNotification blocks until the next notification arrives or the
	// timeout elapses. Timeout is reported as a Timeout-kind Error.
	AwaitNotification(ctx context.Context, timeout time.Duration) ([]byte, error)

	// Done is closed when the connection is lost.
	Done() <-chan struct{}

	Disconnect() error
}
