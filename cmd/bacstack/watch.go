package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo/bacstack/bacnet"
)

var (
	watchDevice    uint32
	watchObject    string
	watchLifetime  uint32
	watchConfirmed bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Subscribe to change-of-value notifications",
	Long: `Watch subscribes to COV notifications for one object and prints each
change as it arrives. The subscription renews itself ahead of its lifetime
and is cancelled on exit.

Examples:
  # Watch an analog input
  bacstack watch -d 1234 -O analog-input:1

  # Confirmed notifications with a 5 minute lifetime
  bacstack watch -d 1234 -O analog-input:1 --confirmed --lifetime 300`,

	RunE: runWatch,
}

func init() {
	watchCmd.Flags().Uint32VarP(&watchDevice, "device", "d", 0, "Target device instance")
	watchCmd.Flags().StringVarP(&watchObject, "object", "O", "", "Object type and instance (e.g., analog-input:1)")
	watchCmd.Flags().Uint32Var(&watchLifetime, "lifetime", 300, "Subscription lifetime in seconds (0 = infinite)")
	watchCmd.Flags().BoolVar(&watchConfirmed, "confirmed", false, "Request confirmed notifications")

	watchCmd.MarkFlagRequired("device")
	watchCmd.MarkFlagRequired("object")
}

func runWatch(cmd *cobra.Command, args []string) error {
	objectID, err := bacnet.ParseObjectIdentifier(watchObject)
	if err != nil {
		return fmt.Errorf("invalid object: %w", err)
	}

	ctx := context.Background()
	a, err := createStack(ctx)
	if err != nil {
		return err
	}
	defer a.Stop()

	resolveCtx, cancel := context.WithTimeout(ctx, timeout*4)
	addr, err := resolveDevice(resolveCtx, a, watchDevice)
	cancel()
	if err != nil {
		return err
	}

	sub, err := a.SubscribeCOV(ctx, addr, objectID, watchConfirmed, watchLifetime)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		sub.Close(closeCtx)
	}()

	fmt.Printf("Watching %s on device %d (ctrl-c to stop)\n", objectID, watchDevice)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	watchCtx, stop := context.WithCancel(ctx)
	go func() {
		<-sig
		stop()
	}()

	for {
		n, err := sub.Next(watchCtx)
		if err != nil {
			return nil
		}
		stamp := time.Now().Format("15:04:05")
		for _, v := range n.Values {
			decoded, err := a.DecodeNotifiedValue(addr, n, v)
			if err != nil {
				continue
			}
			fmt.Printf("%s  %s.%s = %s\n", stamp, n.ObjectID, v.PropertyID, formatValue(decoded))
		}
	}
}
