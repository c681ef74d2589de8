package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/eltsu7/ruusti-tag/config"
	"github.com/eltsu7/ruusti-tag/internal/transport/goble"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for nearby BLE devices",
	Long: `Scan for BLE devices in the vicinity and display their addresses,
names and signal strength.

With --config, devices that appear in the configuration's tag mapping are
highlighted and labelled with their configured name, and configured devices
that were not seen are listed as missing.`,
	RunE: runScan,
}

var (
	scanDuration   time.Duration
	scanConfigPath string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration")
	scanCmd.Flags().StringVarP(&scanConfigPath, "config", "c", "", "Configuration file to match devices against")
}

func runScan(cmd *cobra.Command, _ []string) error {
	logger, err := configureLogger(cmd, logrus.PanicLevel)
	if err != nil {
		return err
	}

	// Address → configured name, when a config was given.
	configured := map[string]string{}
	if scanConfigPath != "" {
		cfg, err := config.Load(scanConfigPath)
		if err != nil {
			return err
		}
		for name, addr := range cfg.Tags {
			configured[addr] = name
		}
	}

	cmd.SilenceUsage = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		cancel()
	}()

	progress := NewCountdownProgressPrinter("Scanning for BLE devices", "Scanning", scanDuration)
	progress.Start()

	tr := goble.NewTransport(logger)
	visible, err := tr.Scan(ctx, scanDuration)
	progress.Stop()
	if err != nil {
		return err
	}

	addrs := make([]string, 0, len(visible))
	for addr := range visible {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	highlight := color.New(color.FgGreen)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI\tCONFIGURED AS")
	for _, addr := range addrs {
		v := visible[addr]
		name := v.Name
		if name == "" {
			name = "(unknown)"
		}
		if tag, ok := configured[addr]; ok {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", addr, name, v.RSSI, highlight.Sprint(tag))
		} else {
			fmt.Fprintf(w, "%s\t%s\t%d\t\n", addr, name, v.RSSI)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	// Report configured devices that never showed up.
	missing := color.New(color.FgRed)
	var missingNames []string
	for addr, name := range configured {
		if _, ok := visible[addr]; !ok {
			missingNames = append(missingNames, fmt.Sprintf("%s (%s)", name, addr))
		}
	}
	sort.Strings(missingNames)
	for _, entry := range missingNames {
		fmt.Printf("%s %s\n", missing.Sprint("missing:"), entry)
	}

	return nil
}
