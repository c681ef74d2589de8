package export_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eltsu7/ruusti-tag/export"
	"github.com/eltsu7/ruusti-tag/ruuvi"
)

type fakeWriter struct {
	calls   int
	points  []*write.Point
	nextErr error
}

func (w *fakeWriter) WriteRecord(context.Context, ...string) error { return nil }

func (w *fakeWriter) WritePoint(_ context.Context, points ...*write.Point) error {
	w.calls++
	if w.nextErr != nil {
		err := w.nextErr
		w.nextErr = nil
		return err
	}
	w.points = append(w.points, points...)
	return nil
}

func (w *fakeWriter) EnableBatching()             {}
func (w *fakeWriter) Flush(context.Context) error { return nil }

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func sampleReading(name, addr string, collectedAt time.Time) ruuvi.Reading {
	return ruuvi.Reading{
		Name:                name,
		Address:             addr,
		Temperature:         24.3,
		Humidity:            53.49,
		Pressure:            100044,
		AccelerationX:       0.004,
		AccelerationY:       -0.004,
		AccelerationZ:       1.036,
		BatteryVoltage:      2.977,
		TxPower:             4,
		MovementCounter:     66,
		MeasurementSequence: 205,
		CollectedAt:         collectedAt,
	}
}

func TestExportWritesTaggedPoints(t *testing.T) {
	w := &fakeWriter{}
	p := export.NewPipelineWithWriter(w, "ruuvi_measurements", nil, quietLogger())

	at := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)
	err := p.Export(context.Background(), []ruuvi.Reading{
		sampleReading("kitchen", "F2:2D:EB:37:8A:D4", at),
		sampleReading("sauna", "D3:1A:DA:17:E5:C6", at),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, w.calls, "one batched write per tick")
	require.Len(t, w.points, 2)

	pt := w.points[0]
	assert.Equal(t, "ruuvi_measurements", pt.Name())
	assert.Equal(t, at, pt.Time())

	tags := map[string]string{}
	for _, tag := range pt.TagList() {
		tags[tag.Key] = tag.Value
	}
	assert.Equal(t, map[string]string{"name": "kitchen", "mac": "F2:2D:EB:37:8A:D4"}, tags)

	fields := map[string]interface{}{}
	for _, f := range pt.FieldList() {
		fields[f.Key] = f.Value
	}
	assert.Equal(t, 24.3, fields["temperature"])
	assert.Equal(t, int64(100044), fields["pressure"], "pressure written as integer")
	assert.Equal(t, int64(4), fields["tx_power"], "tx power written as integer")
	assert.Equal(t, int64(66), fields["movement_counter"])
	assert.Equal(t, int64(205), fields["measurement_sequence"])
	assert.Equal(t, 2.977, fields["battery_voltage"])
}

func TestExportEmptyBatchIsNoOp(t *testing.T) {
	w := &fakeWriter{}
	p := export.NewPipelineWithWriter(w, "m", nil, quietLogger())

	require.NoError(t, p.Export(context.Background(), nil))
	assert.Zero(t, w.calls, "empty batch does not hit the sink")
}

func TestExportFailureIsReportedAndIndependent(t *testing.T) {
	w := &fakeWriter{nextErr: errors.New("connection refused")}
	p := export.NewPipelineWithWriter(w, "m", nil, quietLogger())

	batch := []ruuvi.Reading{sampleReading("kitchen", "F2:2D:EB:37:8A:D4", time.Now())}

	err := p.Export(context.Background(), batch)
	require.ErrorIs(t, err, export.ErrWriteFailed)

	// The next tick's batch goes through untouched by the prior failure.
	require.NoError(t, p.Export(context.Background(), batch))
	assert.Equal(t, 2, w.calls)
	assert.Len(t, w.points, 1)
}
