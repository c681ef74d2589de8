// Package goble implements the transport contract on top of go-ble/ble.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	ble "github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/sirupsen/logrus"

	"github.com/eltsu7/ruusti-tag/internal/events"
	"github.com/eltsu7/ruusti-tag/internal/transport"
)

// notificationBuffer bounds per-connection notification buffering; when the
// reader falls behind, the oldest payload is dropped so the next read sees
// fresh data.
const notificationBuffer = 16

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = func() (ble.Device, error) {
	return linux.NewDevice()
}

// Transport is the production transport over the host's BLE adapter. The
// adapter is opened lazily on first use and reused afterwards.
type Transport struct {
	logger *logrus.Logger

	mu  sync.Mutex
	dev ble.Device
}

// NewTransport creates a Transport. The adapter is not touched until the
// first Scan or Connect.
func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{logger: logger}
}

func (t *Transport) device() (ble.Device, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dev != nil {
		return t.dev, nil
	}
	dev, err := DeviceFactory()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrNoAdapter, err)
	}
	t.dev = dev
	return dev, nil
}

// Scan listens for advertisements for the scan window and returns every
// device seen, keyed by address. Advertisements are aggregated into a
// concurrent map because the BLE stack delivers them from its own
// goroutines.
func (t *Transport) Scan(ctx context.Context, window time.Duration) (map[string]transport.Visible, error) {
	dev, err := t.device()
	if err != nil {
		return nil, err
	}

	seen := hashmap.New[string, transport.Visible]()
	scanCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	err = dev.Scan(scanCtx, false, func(adv ble.Advertisement) {
		// go-ble reports addresses lowercase; the device table keys by
		// the canonical uppercase form.
		addr := transport.NormalizeAddr(adv.Addr().String())
		seen.Set(addr, transport.Visible{
			Address: addr,
			Name:    adv.LocalName(),
			RSSI:    adv.RSSI(),
		})
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	out := make(map[string]transport.Visible, seen.Len())
	seen.Range(func(addr string, v transport.Visible) bool {
		out[addr] = v
		return true
	})

	t.logger.WithField("device_count", len(out)).Debug("BLE scan completed")
	return out, nil
}

// Connect dials the device. The returned connection performs service
// discovery on demand.
func (t *Transport) Connect(ctx context.Context, addr string, timeout time.Duration) (transport.Conn, error) {
	dev, err := t.device()
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := dev.Dial(dialCtx, ble.NewAddr(addr))
	if err != nil {
		return nil, normalizeError(transport.ConnectFailed, addr, err)
	}

	t.logger.WithField("address", addr).Debug("Connected")
	return &conn{
		addr:          addr,
		client:        client,
		notifications: events.NewRing[[]byte](notificationBuffer),
		logger:        t.logger,
	}, nil
}

// conn wraps a ble.Client as a transport.Conn.
type conn struct {
	addr          string
	client        ble.Client
	notifications *events.Ring[[]byte]
	logger        *logrus.Logger

	mu      sync.Mutex
	profile *ble.Profile
}

func (c *conn) DiscoverCharacteristics(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p, err := c.client.DiscoverProfile(true)
	if err != nil {
		return nil, normalizeError(transport.ConnectFailed, c.addr, fmt.Errorf("service discovery: %w", err))
	}
	c.profile = p

	var uuids []string
	for _, svc := range p.Services {
		for _, char := range svc.Characteristics {
			uuids = append(uuids, char.UUID.String())
		}
	}
	return uuids, nil
}

// findCharacteristic locates a characteristic in the discovered profile.
func (c *conn) findCharacteristic(uuid string) (*ble.Characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.profile == nil {
		return nil, transport.Wrap(transport.NotFound, c.addr, errors.New("services not discovered"))
	}
	for _, svc := range c.profile.Services {
		for _, char := range svc.Characteristics {
			if transport.EqualUUID(char.UUID.String(), uuid) {
				return char, nil
			}
		}
	}
	return nil, transport.Wrap(transport.NotFound, c.addr, fmt.Errorf("characteristic %s", uuid))
}

func (c *conn) Subscribe(charUUID string) error {
	char, err := c.findCharacteristic(charUUID)
	if err != nil {
		return err
	}
	if char.Property&ble.CharNotify == 0 {
		return transport.Wrap(transport.SubscribeFailed, c.addr,
			fmt.Errorf("characteristic %s does not support notifications", charUUID))
	}

	if err := c.client.Subscribe(char, false, func(data []byte) {
		// The payload buffer is reused by the stack; copy before queueing.
		buf := make([]byte, len(data))
		copy(buf, data)
		if c.notifications.Publish(buf) {
			c.logger.WithField("address", c.addr).Debug("Notification buffer full, dropped oldest")
		}
	}); err != nil {
		return normalizeError(transport.SubscribeFailed, c.addr, err)
	}
	return nil
}

func (c *conn) AwaitNotification(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case data, ok := <-c.notifications.C():
		if !ok {
			return nil, &transport.Error{Kind: transport.Disconnected, Addr: c.addr}
		}
		return data, nil
	case <-c.client.Disconnected():
		return nil, &transport.Error{Kind: transport.Disconnected, Addr: c.addr}
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, &transport.Error{Kind: transport.Timeout, Addr: c.addr}
	}
}

func (c *conn) Done() <-chan struct{} {
	return c.client.Disconnected()
}

func (c *conn) Disconnect() error {
	_ = c.client.ClearSubscriptions()
	return c.client.CancelConnection()
}
