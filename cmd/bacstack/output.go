package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/edgeo/bacstack/bacnet"
	"github.com/edgeo/bacstack/bacnet/apdu"
	"github.com/edgeo/bacstack/bacnet/app"
	"github.com/edgeo/bacstack/bacnet/encoding"
)

// addressOf renders the cached address for a discovered device.
func addressOf(a *app.Application, instance uint32) string {
	if info, ok := a.DeviceCache().GetByInstance(instance); ok {
		return info.Address.String()
	}
	return "-"
}

func outputDevicesTable(a *app.Application, devices []*apdu.IAmRequest) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tADDRESS\tVENDOR\tMAX-APDU\tSEGMENTATION")
	for _, d := range devices {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%s\n",
			d.DeviceID.Instance, addressOf(a, d.DeviceID.Instance),
			d.VendorID, d.MaxAPDU, d.Segmentation)
	}
	return w.Flush()
}

func outputDevicesJSON(a *app.Application, devices []*apdu.IAmRequest) error {
	type row struct {
		Instance     uint32 `json:"instance"`
		Address      string `json:"address"`
		VendorID     uint16 `json:"vendor_id"`
		MaxAPDU      uint32 `json:"max_apdu"`
		Segmentation string `json:"segmentation"`
	}
	rows := make([]row, 0, len(devices))
	for _, d := range devices {
		rows = append(rows, row{
			Instance:     d.DeviceID.Instance,
			Address:      addressOf(a, d.DeviceID.Instance),
			VendorID:     d.VendorID,
			MaxAPDU:      d.MaxAPDU,
			Segmentation: d.Segmentation.String(),
		})
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func outputDevicesCSV(a *app.Application, devices []*apdu.IAmRequest) error {
	fmt.Println("instance,address,vendor_id,max_apdu,segmentation")
	for _, d := range devices {
		fmt.Printf("%d,%s,%d,%d,%s\n",
			d.DeviceID.Instance, addressOf(a, d.DeviceID.Instance),
			d.VendorID, d.MaxAPDU, d.Segmentation)
	}
	return nil
}

// formatValue renders a decoded property value.
func formatValue(value encoding.Value) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float32:
		return fmt.Sprintf("%.4f", v)
	case float64:
		return fmt.Sprintf("%.6f", v)
	case string:
		return v
	case []byte:
		return fmt.Sprintf("%x", v)
	case encoding.Enumerated:
		return fmt.Sprintf("%d", uint32(v))
	case bacnet.ObjectIdentifier:
		return v.String()
	case []encoding.Value:
		out := "["
		for i, e := range v {
			if i > 0 {
				out += ", "
			}
			out += formatValue(e)
		}
		return out + "]"
	default:
		return fmt.Sprintf("%v", v)
	}
}

func outputValue(objectID bacnet.ObjectIdentifier, propID bacnet.PropertyIdentifier, value encoding.Value) error {
	switch outputFmt {
	case "json":
		payload := map[string]string{
			"object":   objectID.String(),
			"property": propID.String(),
			"value":    formatValue(value),
		}
		return json.NewEncoder(os.Stdout).Encode(payload)
	case "csv":
		fmt.Printf("%s,%s,%s\n", objectID, propID, formatValue(value))
		return nil
	default:
		fmt.Printf("Object:   %s\n", objectID)
		fmt.Printf("Property: %s\n", propID)
		fmt.Printf("Value:    %s\n", formatValue(value))
		return nil
	}
}
