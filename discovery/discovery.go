// Package discovery reconciles the configured device set against devices
// actually visible on the air: scan, match, connect, discover services,
// subscribe. It is the only place with retry logic.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eltsu7/ruusti-tag/internal/transport"
	"github.com/eltsu7/ruusti-tag/registry"
)

// Options configures the reconciliation loop.
type Options struct {
	// DataCharacteristic is the notification channel to subscribe on.
	DataCharacteristic string

	ScanWindow     time.Duration
	ConnectTimeout time.Duration

	// RetryDelay is the pause between reconciliation rounds while devices
	// are still missing.
	RetryDelay time.Duration
}

// ProgressCallback is called when the startup reconciliation phase changes
type ProgressCallback func(phase string)

// Manager drives device discovery and connection establishment against the
// transport, mutating registry state as devices advance.
type Manager struct {
	transport transport.Transport
	registry  *registry.Registry
	opts      Options
	logger    *logrus.Logger
}

// NewManager creates a discovery manager.
func NewManager(tr transport.Transport, reg *registry.Registry, opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Second
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.ScanWindow == 0 {
		opts.ScanWindow = 5 * time.Second
	}
	return &Manager{transport: tr, registry: reg, opts: opts, logger: logger}
}

// Run blocks until every configured device is Subscribed, retrying at a
// fixed delay. It returns early only on context cancellation or a fatal
// transport error (no usable adapter).
func (m *Manager) Run(ctx context.Context, progressCallback ProgressCallback) error {
	if progressCallback == nil {
		progressCallback = func(string) {} // No-op callback
	}

	for {
		progressCallback("Scanning")
		if err := m.reconcileOnce(ctx); err != nil {
			return err
		}
		if m.registry.AllSubscribed() {
			progressCallback("Subscribed")
			m.logger.WithField("devices", m.registry.Len()).Info("All configured devices subscribed")
			return nil
		}
		progressCallback("Waiting for devices")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.opts.RetryDelay):
		}
	}
}

// Watch re-runs reconciliation on a fixed interval to recover devices that
// dropped off after startup. It returns when the context is done.
func (m *Manager) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.registry.AllSubscribed() {
				continue
			}
			if err := m.reconcileOnce(ctx); err != nil {
				m.logger.WithError(err).Error("Background reconciliation failed")
			}
		}
	}
}

// reconcileOnce performs one scan round and attempts to advance every
// non-subscribed device that is currently visible. Per-device failures are
// contained; only cancellation and a missing adapter propagate.
func (m *Manager) reconcileOnce(ctx context.Context) error {
	scanned, err := m.transport.Scan(ctx, m.opts.ScanWindow)
	if err != nil {
		if errors.Is(err, transport.ErrNoAdapter) || ctx.Err() != nil {
			return err
		}
		m.logger.WithError(err).Warn("Scan failed, will retry")
		return nil
	}

	// Registry addresses are canonical uppercase; scan results may not be.
	visible := make(map[string]transport.Visible, len(scanned))
	for addr, v := range scanned {
		visible[transport.NormalizeAddr(addr)] = v
	}

	for _, d := range m.registry.Snapshot() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch d.State() {
		case registry.StateUnseen, registry.StateFailed:
		default:
			continue
		}

		v, onAir := visible[d.Address()]
		if !onAir {
			m.logger.WithFields(logrus.Fields{
				"device":  d.Name(),
				"address": d.Address(),
			}).Debug("Not visible yet")
			continue
		}

		m.logger.WithFields(logrus.Fields{
			"device":  d.Name(),
			"address": d.Address(),
			"name":    v.Name,
			"rssi":    v.RSSI,
		}).Info("Discovered configured device")

		if err := m.attach(ctx, d); err != nil {
			// attach already moved the descriptor to Failed; other
			// devices proceed regardless.
			m.logger.WithFields(logrus.Fields{
				"device":   d.Name(),
				"failures": d.ConsecutiveFailures(),
			}).WithError(err).Warn("Device attach failed")
		}
	}
	return nil
}

// attach advances one visible device through Discovered → Connecting →
// Connected → Subscribed. Any step error drops it to Failed.
func (m *Manager) attach(ctx context.Context, d *registry.Descriptor) error {
	if err := m.registry.MarkDiscovered(d); err != nil {
		return err
	}
	if err := m.registry.MarkConnecting(d); err != nil {
		return err
	}

	conn, err := m.transport.Connect(ctx, d.Address(), m.opts.ConnectTimeout)
	if err != nil {
		m.registry.MarkFailed(d, err)
		return err
	}

	chars, err := conn.DiscoverCharacteristics(ctx)
	if err != nil {
		_ = conn.Disconnect()
		m.registry.MarkFailed(d, err)
		return err
	}
	if !containsUUID(chars, m.opts.DataCharacteristic) {
		_ = conn.Disconnect()
		err := transport.Wrap(transport.NotFound, d.Address(),
			fmt.Errorf("data characteristic %s not exposed", m.opts.DataCharacteristic))
		m.registry.MarkFailed(d, err)
		return err
	}

	if err := m.registry.MarkConnected(d, conn); err != nil {
		_ = conn.Disconnect()
		return err
	}

	if err := conn.Subscribe(m.opts.DataCharacteristic); err != nil {
		m.registry.MarkFailed(d, err)
		return err
	}
	if err := m.registry.MarkSubscribed(d); err != nil {
		return err
	}

	// A transport-level disconnect drops the descriptor to Failed so the
	// reconciler can pick it back up. The mark is gated on connection
	// identity: a watcher left over from a superseded connection must not
	// fail a descriptor that was re-attached in the meantime.
	go func() {
		select {
		case <-ctx.Done():
		case <-conn.Done():
			m.registry.FailIfCurrent(d, conn, transport.Wrap(transport.Disconnected, d.Address(),
				errors.New("connection lost")))
		}
	}()

	m.logger.WithFields(logrus.Fields{
		"device":  d.Name(),
		"address": d.Address(),
	}).Info("Subscribed to data channel")
	return nil
}

func containsUUID(uuids []string, want string) bool {
	for _, u := range uuids {
		if transport.EqualUUID(u, want) {
			return true
		}
	}
	return false
}
