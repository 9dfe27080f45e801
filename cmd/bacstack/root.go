// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo/bacstack/bacnet"
	"github.com/edgeo/bacstack/bacnet/app"
	"github.com/edgeo/bacstack/bacnet/bvll"
	"github.com/edgeo/bacstack/bacnet/network"
)

var (
	cfgFile        string
	localAddress   string
	broadcastAddr  string
	networkNumber  int
	deviceInstance uint32
	deviceName     string
	vendorID       uint16
	timeout        time.Duration
	retries        int
	outputFmt      string
	verbose        bool
	bbmdAddress    string
	bbmdTTL        time.Duration

	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "bacstack",
	Short: "A BACnet/IP protocol stack CLI",
	Long: `bacstack speaks BACnet/IP: device discovery, property read/write,
change-of-value subscriptions and a small device server, on top of a full
network stack with routing and segmentation.

Examples:
  # Discover devices on the network
  bacstack scan

  # Read a property from a device
  bacstack read -d 1234 -O analog-input:1 -P present-value

  # Write a value at priority 8
  bacstack write -d 1234 -O analog-output:1 -P present-value -V 75.5 --priority 8

  # Watch for value changes
  bacstack watch -d 1234 -O analog-input:1

  # Run a device with a couple of points
  bacstack serve --instance 999`,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logLevel := slog.LevelInfo
		if verbose {
			logLevel = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel,
		}))
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.bacstack.yaml)")
	rootCmd.PersistentFlags().StringVar(&localAddress, "local", "", "local address to bind to (e.g., 0.0.0.0:47808)")
	rootCmd.PersistentFlags().StringVar(&broadcastAddr, "broadcast", "", "subnet directed broadcast address")
	rootCmd.PersistentFlags().IntVar(&networkNumber, "network", 0, "local BACnet network number")
	rootCmd.PersistentFlags().Uint32Var(&deviceInstance, "instance", 900001, "local device instance")
	rootCmd.PersistentFlags().StringVar(&deviceName, "name", "bacstack", "local device name")
	rootCmd.PersistentFlags().Uint16Var(&vendorID, "vendor", 0, "local vendor identifier")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 3*time.Second, "Request timeout")
	rootCmd.PersistentFlags().IntVar(&retries, "retries", 3, "Number of retries")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table", "Output format (table, json, csv)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&bbmdAddress, "bbmd", "", "BBMD address for foreign device registration")
	rootCmd.PersistentFlags().DurationVar(&bbmdTTL, "bbmd-ttl", 60*time.Second, "BBMD registration TTL")

	viper.BindPFlag("local", rootCmd.PersistentFlags().Lookup("local"))
	viper.BindPFlag("broadcast", rootCmd.PersistentFlags().Lookup("broadcast"))
	viper.BindPFlag("network", rootCmd.PersistentFlags().Lookup("network"))
	viper.BindPFlag("instance", rootCmd.PersistentFlags().Lookup("instance"))
	viper.BindPFlag("name", rootCmd.PersistentFlags().Lookup("name"))
	viper.BindPFlag("vendor", rootCmd.PersistentFlags().Lookup("vendor"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("retries", rootCmd.PersistentFlags().Lookup("retries"))
	viper.BindPFlag("output", rootCmd.PersistentFlags().Lookup("output"))
	viper.BindPFlag("bbmd", rootCmd.PersistentFlags().Lookup("bbmd"))
	viper.BindPFlag("bbmd-ttl", rootCmd.PersistentFlags().Lookup("bbmd-ttl"))

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		viper.AddConfigPath(home)
		viper.SetConfigName(".bacstack")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("BACNET")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}

// createStack assembles the link layer, the network layer and the
// application from the global configuration.
func createStack(ctx context.Context) (*app.Application, error) {
	cfg := bvll.IPv4Config{
		LocalAddress:     localAddress,
		BroadcastAddress: broadcastAddr,
		Logger:           logger,
	}
	if bbmdAddress != "" {
		cfg.Mode = bvll.ModeForeign
		cfg.BBMDAddress = bbmdAddress
		cfg.TTL = bbmdTTL
	}
	link, err := bvll.NewIPv4(cfg)
	if err != nil {
		return nil, fmt.Errorf("create link layer: %w", err)
	}

	nsap := network.NewNSAP(network.WithNSAPLogger(logger))
	net := networkNumber
	if net == 0 {
		net = network.NetUnknown
	}
	if _, err := nsap.Bind(link, net, true); err != nil {
		return nil, fmt.Errorf("bind adapter: %w", err)
	}

	a, err := app.New(nsap,
		app.WithDevice(deviceInstance, deviceName),
		app.WithVendorID(vendorID),
		app.WithAPDUTimeout(timeout),
		app.WithRetries(retries),
		app.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("create application: %w", err)
	}

	if err := a.Start(ctx); err != nil {
		return nil, fmt.Errorf("start stack: %w", err)
	}
	return a, nil
}

// resolveDevice finds the target device's address by instance number.
func resolveDevice(ctx context.Context, a *app.Application, instance uint32) (bacnet.Address, error) {
	info, err := a.WhoIsDevice(ctx, instance)
	if err != nil {
		return bacnet.Address{}, fmt.Errorf("resolve device %d: %w", instance, err)
	}
	return info.Address, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("bacstack version 1.0.0")
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
