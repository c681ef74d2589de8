// Package export converts reading batches into InfluxDB points and writes
// them, one batched write per tick. A failed write drops that batch only;
// it never aborts the collector.
package export

import (
	"context"
	"errors"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"github.com/eltsu7/ruusti-tag/config"
	"github.com/eltsu7/ruusti-tag/internal/metrics"
	"github.com/eltsu7/ruusti-tag/ruuvi"
)

// ErrWriteFailed wraps any sink-side write failure.
var ErrWriteFailed = errors.New("sink write failed")

// Pipeline writes reading batches to InfluxDB.
type Pipeline struct {
	client      influxdb2.Client // nil when constructed around a bare writer
	writer      api.WriteAPIBlocking
	measurement string
	metrics     *metrics.Metrics
	logger      *logrus.Logger
}

// NewPipeline builds a pipeline over a real InfluxDB client.
func NewPipeline(cfg config.Influx, m *metrics.Metrics, logger *logrus.Logger) *Pipeline {
	client := influxdb2.NewClient(cfg.Host, cfg.Token)
	p := NewPipelineWithWriter(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg.Measurement, m, logger)
	p.client = client
	return p
}

// NewPipelineWithWriter builds a pipeline over an injected writer; tests
// pass a fake.
func NewPipelineWithWriter(writer api.WriteAPIBlocking, measurement string, m *metrics.Metrics, logger *logrus.Logger) *Pipeline {
	if logger == nil {
		logger = logrus.New()
	}
	return &Pipeline{
		writer:      writer,
		measurement: measurement,
		metrics:     m,
		logger:      logger,
	}
}

// Export writes one tick's batch. An empty batch is a no-op, not an error.
func (p *Pipeline) Export(ctx context.Context, readings []ruuvi.Reading) error {
	if len(readings) == 0 {
		return nil
	}

	points := make([]*write.Point, 0, len(readings))
	for _, r := range readings {
		points = append(points, influxdb2.NewPoint(
			p.measurement,
			map[string]string{
				"name": r.Name,
				"mac":  r.Address,
			},
			map[string]interface{}{
				"temperature":          r.Temperature,
				"humidity":             r.Humidity,
				"pressure":             int64(r.Pressure),
				"acceleration_x":       r.AccelerationX,
				"acceleration_y":       r.AccelerationY,
				"acceleration_z":       r.AccelerationZ,
				"battery_voltage":      r.BatteryVoltage,
				"tx_power":             int64(r.TxPower),
				"movement_counter":     int64(r.MovementCounter),
				"measurement_sequence": int64(r.MeasurementSequence),
			},
			r.CollectedAt,
		))
	}

	if err := p.writer.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	if p.metrics != nil {
		p.metrics.ExportedPoints.Add(float64(len(points)))
	}
	p.logger.WithField("points", len(points)).Debug("Batch written to sink")
	return nil
}

// Close releases the underlying client, if this pipeline owns one.
func (p *Pipeline) Close() {
	if p.client != nil {
		p.client.Close()
	}
}
