package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eltsu7/ruusti-tag/config"
)

const validYAML = `
influx:
  host: http://localhost:8086
  token: secret
  org: home
  bucket: sensors
tags:
  kitchen: "F2:2D:EB:37:8A:D4"
  sauna: "d3:1a:da:17:e5:c6"
interval: 15s
`

func TestParseValid(t *testing.T) {
	cfg, err := config.Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8086", cfg.Influx.Host)
	assert.Equal(t, "ruuvi_measurements", cfg.Influx.Measurement, "default applied")
	assert.Equal(t, 15*time.Second, cfg.Interval.Std())
	assert.Equal(t, 5*time.Second, cfg.ScanWindow.Std(), "default applied")
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout.Std(), "default applied")
	assert.Equal(t, 4, cfg.MaxConcurrentReads, "default applied")
	assert.Equal(t, "D3:1A:DA:17:E5:C6", cfg.Tags["sauna"], "addresses normalized to upper case")
}

func TestParseBareSecondsInterval(t *testing.T) {
	cfg, err := config.Parse([]byte(`
influx: {host: h, token: t, org: o, bucket: b}
tags: {kitchen: "F2:2D:EB:37:8A:D4"}
interval: 30
`))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Interval.Std())
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "not yaml",
			yaml:    "{{nope",
			wantErr: "failed to parse config",
		},
		{
			name:    "missing token",
			yaml:    `{influx: {host: h, org: o, bucket: b}, tags: {a: "F2:2D:EB:37:8A:D4"}}`,
			wantErr: "influx.token is required",
		},
		{
			name:    "no devices",
			yaml:    `{influx: {host: h, token: t, org: o, bucket: b}, tags: {}}`,
			wantErr: "at least one device",
		},
		{
			name:    "malformed address",
			yaml:    `{influx: {host: h, token: t, org: o, bucket: b}, tags: {a: "not-a-mac"}}`,
			wantErr: "malformed hardware address",
		},
		{
			name: "duplicate address",
			yaml: `{influx: {host: h, token: t, org: o, bucket: b},
tags: {a: "F2:2D:EB:37:8A:D4", b: "f2:2d:eb:37:8a:d4"}}`,
			wantErr: "share address",
		},
		{
			name:    "bad duration",
			yaml:    `{influx: {host: h, token: t, org: o, bucket: b}, tags: {a: "F2:2D:EB:37:8A:D4"}, interval: soon}`,
			wantErr: "invalid duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
