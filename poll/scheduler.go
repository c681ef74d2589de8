// Package poll runs the steady-state collection loop: at a fixed period it
// reads every subscribed device with bounded fan-out, decodes the payloads
// and hands the batch to the exporter. One slow or failing device never
// blocks the rest.
package poll

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/eltsu7/ruusti-tag/internal/metrics"
	"github.com/eltsu7/ruusti-tag/internal/transport"
	"github.com/eltsu7/ruusti-tag/registry"
	"github.com/eltsu7/ruusti-tag/ruuvi"
)

// Exporter receives one batch per tick. An empty batch is a valid input.
type Exporter interface {
	Export(ctx context.Context, readings []ruuvi.Reading) error
}

// Options configures the scheduler.
type Options struct {
	// Interval is the tick period P.
	Interval time.Duration

	// ReadTimeout bounds each per-device notification wait.
	ReadTimeout time.Duration

	// MaxConcurrent bounds the per-tick read fan-out.
	MaxConcurrent int
}

// Scheduler drives the fixed-rate poll/export cycle.
type Scheduler struct {
	registry *registry.Registry
	exporter Exporter
	opts     Options
	clock    clock.Clock
	metrics  *metrics.Metrics
	logger   *logrus.Logger
}

// NewScheduler creates a scheduler running on the wall clock.
func NewScheduler(reg *registry.Registry, exp Exporter, opts Options, m *metrics.Metrics, logger *logrus.Logger) *Scheduler {
	return newScheduler(reg, exp, opts, clock.New(), m, logger)
}

// NewSchedulerWithClock creates a scheduler on an injected clock; tests use
// a mock so tick timing is deterministic.
func NewSchedulerWithClock(reg *registry.Registry, exp Exporter, opts Options, c clock.Clock, m *metrics.Metrics, logger *logrus.Logger) *Scheduler {
	return newScheduler(reg, exp, opts, c, m, logger)
}

func newScheduler(reg *registry.Registry, exp Exporter, opts Options, c clock.Clock, m *metrics.Metrics, logger *logrus.Logger) *Scheduler {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 15 * time.Second
	}
	return &Scheduler{
		registry: reg,
		exporter: exp,
		opts:     opts,
		clock:    c,
		metrics:  m,
		logger:   logger,
	}
}

// Run executes ticks until the context is cancelled. The sleep between
// ticks is period-relative: a slow tick shortens the next sleep but never
// skips a tick, and drift does not compound. Cancellation aborts in-flight
// reads within their timeout bound; a partially completed tick is
// discarded, not exported.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		start := s.clock.Now()

		batch := s.tick(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := s.exporter.Export(ctx, batch); err != nil {
			// Batch dropped; the next tick starts fresh.
			if s.metrics != nil {
				s.metrics.ExportFailures.Inc()
			}
			s.logger.WithField("readings", len(batch)).WithError(err).Error("Export failed, batch dropped")
		}

		sleep := s.opts.Interval - s.clock.Since(start)
		if sleep < 0 {
			sleep = 0
		}
		timer := s.clock.Timer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tick reads every subscribed device once, with bounded concurrency, and
// returns whatever decoded successfully. Failures are logged and counted;
// they never abort the tick.
func (s *Scheduler) tick(ctx context.Context) []ruuvi.Reading {
	devices := s.registry.Subscribed()
	if len(devices) == 0 {
		return nil
	}

	var (
		mu    sync.Mutex
		batch []ruuvi.Reading
		wg    sync.WaitGroup
	)
	sem := make(chan struct{}, s.opts.MaxConcurrent)

	for _, d := range devices {
		wg.Add(1)
		go func(d *registry.Descriptor) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			reading, ok := s.readOne(ctx, d)
			if !ok {
				return
			}
			mu.Lock()
			batch = append(batch, reading)
			mu.Unlock()
		}(d)
	}
	wg.Wait()

	return batch
}

// readOne waits for one notification from the device and decodes it.
func (s *Scheduler) readOne(ctx context.Context, d *registry.Descriptor) (ruuvi.Reading, bool) {
	conn := d.Conn()
	if conn == nil {
		// Lost the connection between the snapshot and the read.
		return ruuvi.Reading{}, false
	}

	data, err := conn.AwaitNotification(ctx, s.opts.ReadTimeout)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ruuvi.Reading{}, false
		}
		if s.metrics != nil {
			s.metrics.ReadFailures.WithLabelValues(d.Name(), failureKind(err)).Inc()
		}
		// A transport-level failure takes the descriptor out of rotation
		// until the reconciler recovers it. Gated on connection identity
		// in case the reconciler already swapped the connection.
		if transport.IsKind(err, transport.Disconnected) || transport.IsKind(err, transport.Timeout) {
			s.registry.FailIfCurrent(d, conn, err)
		}
		s.logger.WithFields(logrus.Fields{
			"device":  d.Name(),
			"address": d.Address(),
		}).WithError(err).Warn("Read failed")
		return ruuvi.Reading{}, false
	}

	reading, err := ruuvi.Decode(data)
	if err != nil {
		if s.metrics != nil {
			s.metrics.DecodeFailures.WithLabelValues(d.Name()).Inc()
		}
		s.logger.WithFields(logrus.Fields{
			"device": d.Name(),
			"bytes":  len(data),
		}).WithError(err).Warn("Payload decode failed")
		return ruuvi.Reading{}, false
	}

	reading.Name = d.Name()
	reading.Address = d.Address()
	reading.CollectedAt = s.clock.Now()
	s.registry.MarkSeen(d)
	return reading, true
}

func failureKind(err error) string {
	var terr *transport.Error
	if errors.As(err, &terr) {
		return string(terr.Kind)
	}
	return "other"
}
