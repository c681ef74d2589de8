// Package ruuvi decodes the RuuviTag RAWv2 (Data Format 5) payload carried
// in Nordic UART notifications into physical measurements.
package ruuvi

import (
	"errors"
	"fmt"
	"time"
)

// DataCharacteristic is the Nordic UART TX characteristic the RuuviTag
// firmware pushes RAWv2 frames on.
const DataCharacteristic = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"

// PayloadBits is the number of bits a RAWv2 payload must carry:
// 8 (format tag) + 6×16 + 11 + 5 + 8 + 16.
const PayloadBits = 8 + 6*16 + 11 + 5 + 8 + 16

// MinPayloadLen is PayloadBits rounded up to whole bytes.
const MinPayloadLen = (PayloadBits + 7) / 8

// ErrTruncated indicates the payload is too short for the fixed layout.
var ErrTruncated = errors.New("payload truncated")

// Reading is one decoded measurement set. Name, Address and CollectedAt are
// assigned by the collector, not read from the device.
type Reading struct {
	Name                string
	Address             string
	Temperature         float64 // °C
	Humidity            float64 // %RH
	Pressure            uint32  // Pa
	AccelerationX       float64 // g
	AccelerationY       float64 // g
	AccelerationZ       float64 // g
	BatteryVoltage      float64 // V
	TxPower             int     // dBm
	MovementCounter     uint8
	MeasurementSequence uint16
	CollectedAt         time.Time
}

func (r Reading) String() string {
	return fmt.Sprintf("mac: %s, temp: %.3f, humidity: %.2f, measurement sequence: %d",
		r.Address, r.Temperature, r.Humidity, r.MeasurementSequence)
}

// bitReader reads big-endian bit fields from a single contiguous cursor.
// It never resynchronizes after an error.
type bitReader struct {
	data []byte
	pos  int // bit offset
}

func (br *bitReader) read(n int) (uint32, error) {
	if br.pos+n > len(br.data)*8 {
		return 0, fmt.Errorf("%w: need %d bits, have %d", ErrTruncated, br.pos+n, len(br.data)*8)
	}
	var v uint32
	for i := 0; i < n; i++ {
		byteIdx := br.pos >> 3
		bitIdx := 7 - br.pos&7
		v = v<<1 | uint32(br.data[byteIdx]>>bitIdx&1)
		br.pos++
	}
	return v, nil
}

func (br *bitReader) skip(n int) error {
	if br.pos+n > len(br.data)*8 {
		return fmt.Errorf("%w: need %d bits, have %d", ErrTruncated, br.pos+n, len(br.data)*8)
	}
	br.pos += n
	return nil
}

// Decode turns a raw notification payload into a Reading. It either fully
// succeeds or fails without producing a partial result. Out-of-range values
// are not rejected; the format has no sentinel this decoder special-cases.
// Safe for concurrent use.
func Decode(raw []byte) (Reading, error) {
	if len(raw) < MinPayloadLen {
		return Reading{}, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, MinPayloadLen, len(raw))
	}

	br := &bitReader{data: raw}
	if err := br.skip(8); err != nil { // format tag byte
		return Reading{}, err
	}

	// The length check above guarantees every read below succeeds; errors
	// are still propagated so the cursor contract stays honest.
	var fields [10]uint32
	widths := [10]int{16, 16, 16, 16, 16, 16, 11, 5, 8, 16}
	for i, w := range widths {
		v, err := br.read(w)
		if err != nil {
			return Reading{}, err
		}
		fields[i] = v
	}

	return Reading{
		Temperature:         float64(uint16(fields[0])) * 0.005,
		Humidity:            float64(uint16(fields[1])) * 0.0025,
		Pressure:            fields[2] + 50_000,
		AccelerationX:       float64(int16(fields[3])) / 1000.0,
		AccelerationY:       float64(int16(fields[4])) / 1000.0,
		AccelerationZ:       float64(int16(fields[5])) / 1000.0,
		BatteryVoltage:      float64(fields[6])*0.001 + 1.6,
		TxPower:             int(fields[7])*2 - 40,
		MovementCounter:     uint8(fields[8]),
		MeasurementSequence: uint16(fields[9]),
	}, nil
}
