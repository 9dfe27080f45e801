package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var (
	scanLow  uint32
	scanHigh uint32
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Discover BACnet devices with Who-Is",
	Long: `Scan broadcasts a Who-Is request and lists every device that answers
within the discovery window.

Examples:
  # Discover everything
  bacstack scan

  # Discover a device instance range
  bacstack scan --low 100 --high 200`,

	RunE: runScan,
}

func init() {
	scanCmd.Flags().Uint32Var(&scanLow, "low", 0, "Low instance limit")
	scanCmd.Flags().Uint32Var(&scanHigh, "high", 0, "High instance limit (0 for unbounded)")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := createStack(ctx)
	if err != nil {
		return err
	}
	defer a.Stop()

	var low, high *uint32
	if scanHigh > 0 {
		low, high = &scanLow, &scanHigh
	}

	results, err := a.WhoIs(ctx, low, high, nil)
	if err != nil {
		return fmt.Errorf("who-is: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].DeviceID.Instance < results[j].DeviceID.Instance
	})

	switch outputFmt {
	case "json":
		return outputDevicesJSON(a, results)
	case "csv":
		return outputDevicesCSV(a, results)
	default:
		return outputDevicesTable(a, results)
	}
}
