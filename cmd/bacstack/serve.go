package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/edgeo/bacstack/bacnet"
	"github.com/edgeo/bacstack/bacnet/app"
	"github.com/edgeo/bacstack/bacnet/encoding"
	"github.com/edgeo/bacstack/bacnet/vendor"
)

var servePoints int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a BACnet device",
	Long: `Serve runs a BACnet device that answers Who-Is, serves reads and
writes, and publishes COV notifications for its points.

Example:
  bacstack serve --instance 999 --points 4`,

	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePoints, "points", 2, "Number of analog-value points to serve")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := createStack(ctx)
	if err != nil {
		return err
	}
	defer a.Stop()

	reg := vendor.DefaultRegistry()
	avClass, _ := reg.Vendor(vendor.ASHRAE).ObjectClass(bacnet.ObjectTypeAnalogValue)
	for i := 1; i <= servePoints; i++ {
		obj := app.NewObject(
			bacnet.NewObjectIdentifier(bacnet.ObjectTypeAnalogValue, uint32(i)),
			avClass,
			fmt.Sprintf("Point %d", i),
		)
		obj.SetProperty(bacnet.PropertyPresentValue, float32(0))
		obj.SetProperty(bacnet.PropertyStatusFlags, encoding.NewBitString(4))
		obj.SetProperty(bacnet.PropertyEventState, encoding.Enumerated(bacnet.EventStateNormal))
		obj.SetProperty(bacnet.PropertyOutOfService, false)
		obj.SetProperty(bacnet.PropertyUnits, encoding.Enumerated(bacnet.UnitsNoUnits))
		if err := a.AddObject(obj); err != nil {
			return err
		}
	}

	fmt.Printf("Serving device %d with %d points (ctrl-c to stop)\n", deviceInstance, servePoints)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	return nil
}
