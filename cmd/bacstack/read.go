package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/edgeo/bacstack/bacnet"
)

var (
	readDevice     uint32
	readObject     string
	readProperty   string
	readArrayIndex int
)

var readCmd = &cobra.Command{
	Use:   "read",
	Short: "Read a property from a BACnet object",
	Long: `Read retrieves property values from BACnet objects.

Object types can be specified by name, abbreviation or number:
  analog-input, ai, 0
  analog-output, ao, 1
  binary-input, bi, 3
  device, dev, 8

Properties can be specified by name or number:
  present-value, pv, 85
  object-name, name, 77
  object-list, 76

Examples:
  # Read present value from analog input 1
  bacstack read -d 1234 -O analog-input:1 -P present-value

  # Read using short names
  bacstack read -d 1234 -O ai:1 -P pv

  # Read an array element
  bacstack read -d 1234 -O device:1234 -P object-list --index 1`,

	RunE: runRead,
}

func init() {
	readCmd.Flags().Uint32VarP(&readDevice, "device", "d", 0, "Target device instance")
	readCmd.Flags().StringVarP(&readObject, "object", "O", "", "Object type and instance (e.g., analog-input:1)")
	readCmd.Flags().StringVarP(&readProperty, "property", "P", "present-value", "Property identifier")
	readCmd.Flags().IntVar(&readArrayIndex, "index", -1, "Array index (-1 for no index)")

	readCmd.MarkFlagRequired("device")
	readCmd.MarkFlagRequired("object")
}

func runRead(cmd *cobra.Command, args []string) error {
	objectID, err := bacnet.ParseObjectIdentifier(readObject)
	if err != nil {
		return fmt.Errorf("invalid object: %w", err)
	}
	propID, err := parseProperty(readProperty)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout*4)
	defer cancel()

	a, err := createStack(ctx)
	if err != nil {
		return err
	}
	defer a.Stop()

	addr, err := resolveDevice(ctx, a, readDevice)
	if err != nil {
		return err
	}

	var index *uint32
	if readArrayIndex >= 0 {
		i := uint32(readArrayIndex)
		index = &i
	}

	value, err := a.ReadProperty(ctx, addr, objectID, propID, index)
	if err != nil {
		return fmt.Errorf("read property: %w", err)
	}
	return outputValue(objectID, propID, value)
}

func parseProperty(s string) (bacnet.PropertyIdentifier, error) {
	if propNum, err := strconv.ParseUint(s, 10, 32); err == nil {
		return bacnet.PropertyIdentifier(propNum), nil
	}
	prop, ok := bacnet.ParsePropertyIdentifier(strings.ToLower(s))
	if !ok {
		return 0, fmt.Errorf("unknown property: %s", s)
	}
	return prop, nil
}
