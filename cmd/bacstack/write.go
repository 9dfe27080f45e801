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
	"strconv"

	"github.com/spf13/cobra"

	"github.com/edgeo/bacstack/bacnet"
	"github.com/edgeo/bacstack/bacnet/encoding"
)

var (
	writeDevice    uint32
	writeObject    string
	writeProperty  string
	writeValue     string
	writeValueType string
	writePriority  int
	writeIndex     int
)

var writeCmd = &cobra.Command{
	Use:   "write",
	Short: "Write a property to a BACnet object",
	Long: `Write sets property values on BACnet objects.

The value type is inferred (null, boolean, number, string) unless --type
forces one of: null, bool, uint, int, real, double, string.

Examples:
  # Command an output at priority 8
  bacstack write -d 1234 -O analog-output:1 -P present-value -V 75.5 --priority 8

  # Relinquish the command
  bacstack write -d 1234 -O analog-output:1 -P present-value -V null --priority 8

  # Write a string
  bacstack write -d 1234 -O analog-value:2 -P object-name -V "Setpoint 2" --type string`,

	RunE: runWrite,
}

func init() {
	writeCmd.Flags().Uint32VarP(&writeDevice, "device", "d", 0, "Target device instance")
	writeCmd.Flags().StringVarP(&writeObject, "object", "O", "", "Object type and instance (e.g., analog-output:1)")
	writeCmd.Flags().StringVarP(&writeProperty, "property", "P", "present-value", "Property identifier")
	writeCmd.Flags().StringVarP(&writeValue, "value", "V", "", "Value to write")
	writeCmd.Flags().StringVar(&writeValueType, "type", "", "Force the value type")
	writeCmd.Flags().IntVar(&writePriority, "priority", 0, "Write priority (1-16, 0 for none)")
	writeCmd.Flags().IntVar(&writeIndex, "index", -1, "Array index (-1 for no index)")

	writeCmd.MarkFlagRequired("device")
	writeCmd.MarkFlagRequired("object")
	writeCmd.MarkFlagRequired("value")
}

// parseValue turns the command-line value into a typed BACnet value.
func parseValue(s, forced string) (encoding.Value, error) {
	switch forced {
	case "":
	case "null":
		return nil, nil
	case "bool":
		return strconv.ParseBool(s)
	case "uint":
		v, err := strconv.ParseUint(s, 10, 32)
		return uint32(v), err
	case "int":
		v, err := strconv.ParseInt(s, 10, 32)
		return int32(v), err
	case "real":
		v, err := strconv.ParseFloat(s, 32)
		return float32(v), err
	case "double":
		return strconv.ParseFloat(s, 64)
	case "string":
		return s, nil
	default:
		return nil, fmt.Errorf("unknown value type %q", forced)
	}

	if s == "null" {
		return nil, nil
	}
	if v, err := strconv.ParseBool(s); err == nil {
		return v, nil
	}
	if v, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(v), nil
	}
	if v, err := strconv.ParseInt(s, 10, 32); err == nil {
		return int32(v), nil
	}
	if v, err := strconv.ParseFloat(s, 32); err == nil {
		return float32(v), nil
	}
	return s, nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	objectID, err := bacnet.ParseObjectIdentifier(writeObject)
	if err != nil {
		return fmt.Errorf("invalid object: %w", err)
	}
	propID, err := parseProperty(writeProperty)
	if err != nil {
		return err
	}
	value, err := parseValue(writeValue, writeValueType)
	if err != nil {
		return fmt.Errorf("invalid value: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout*4)
	defer cancel()

	a, err := createStack(ctx)
	if err != nil {
		return err
	}
	defer a.Stop()

	addr, err := resolveDevice(ctx, a, writeDevice)
	if err != nil {
		return err
	}

	var index *uint32
	if writeIndex >= 0 {
		i := uint32(writeIndex)
		index = &i
	}
	var priority *uint8
	if writePriority >= 1 && writePriority <= 16 {
		p := uint8(writePriority)
		priority = &p
	}

	if err := a.WriteProperty(ctx, addr, objectID, propID, value, index, priority); err != nil {
		return fmt.Errorf("write property: %w", err)
	}
	fmt.Printf("Wrote %s to %s.%s\n", formatValue(value), objectID, propID)
	return nil
}
