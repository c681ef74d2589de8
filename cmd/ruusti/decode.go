package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/eltsu7/ruusti-tag/ruuvi"
)

// decodeCmd represents the decode command
var decodeCmd = &cobra.Command{
	Use:   "decode <hex-payload>",
	Short: "Decode a raw sensor payload",
	Long: `Decode a raw RAWv2 notification payload given as a hex string and
print the physical measurements. Useful for checking what a tag is
actually sending, e.g. with a payload captured from a BLE sniffer.

Whitespace and colons in the hex string are ignored, so output copied
from other tools can be pasted directly.`,
	Args: cobra.ExactArgs(1),
	RunE: runDecode,
}

func runDecode(cmd *cobra.Command, args []string) error {
	cleaned := strings.NewReplacer(" ", "", ":", "", "\t", "").Replace(args[0])
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return fmt.Errorf("invalid hex payload: %w", err)
	}

	cmd.SilenceUsage = true

	reading, err := ruuvi.Decode(raw)
	if err != nil {
		return err
	}

	fmt.Printf("temperature:          %.2f °C\n", reading.Temperature)
	fmt.Printf("humidity:             %.2f %%RH\n", reading.Humidity)
	fmt.Printf("pressure:             %d Pa\n", reading.Pressure)
	fmt.Printf("acceleration:         %.3f / %.3f / %.3f g\n",
		reading.AccelerationX, reading.AccelerationY, reading.AccelerationZ)
	fmt.Printf("battery voltage:      %.3f V\n", reading.BatteryVoltage)
	fmt.Printf("tx power:             %d dBm\n", reading.TxPower)
	fmt.Printf("movement counter:     %d\n", reading.MovementCounter)
	fmt.Printf("measurement sequence: %d\n", reading.MeasurementSequence)
	return nil
}
