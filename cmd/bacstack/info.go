package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/edgeo/bacstack/bacnet"
	"github.com/edgeo/bacstack/bacnet/apdu"
)

var infoDevice uint32

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show a device's identification properties",
	Long: `Info reads the device object's identification set in one
ReadPropertyMultiple exchange.

Example:
  bacstack info -d 1234`,

	RunE: runInfo,
}

func init() {
	infoCmd.Flags().Uint32VarP(&infoDevice, "device", "d", 0, "Target device instance")
	infoCmd.MarkFlagRequired("device")
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout*4)
	defer cancel()

	a, err := createStack(ctx)
	if err != nil {
		return err
	}
	defer a.Stop()

	addr, err := resolveDevice(ctx, a, infoDevice)
	if err != nil {
		return err
	}

	deviceOID := bacnet.NewObjectIdentifier(bacnet.ObjectTypeDevice, infoDevice)
	props := []bacnet.PropertyIdentifier{
		bacnet.PropertyObjectName,
		bacnet.PropertyVendorName,
		bacnet.PropertyVendorIdentifier,
		bacnet.PropertyModelName,
		bacnet.PropertyFirmwareRevision,
		bacnet.PropertyApplicationSoftwareVersion,
		bacnet.PropertyProtocolVersion,
		bacnet.PropertyProtocolRevision,
		bacnet.PropertySystemStatus,
		bacnet.PropertyMaxApduLengthAccepted,
		bacnet.PropertySegmentationSupported,
	}
	refs := make([]apdu.PropertyReference, 0, len(props))
	for _, pid := range props {
		refs = append(refs, apdu.PropertyReference{PropertyID: pid})
	}

	results, err := a.ReadPropertyMultiple(ctx, addr, []apdu.ReadAccessSpec{
		{ObjectID: deviceOID, Properties: refs},
	})
	if err != nil {
		return fmt.Errorf("read device properties: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "Device:\t%d\n", infoDevice)
	fmt.Fprintf(w, "Address:\t%s\n", addr)
	for _, res := range results {
		for _, pr := range res.Results {
			if pr.Error != nil {
				fmt.Fprintf(w, "%s:\t(%s)\n", pr.PropertyID, pr.Error.Code)
				continue
			}
			v, err := pr.Value.Value()
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "%s:\t%s\n", pr.PropertyID, formatValue(v))
		}
	}
	return w.Flush()
}
