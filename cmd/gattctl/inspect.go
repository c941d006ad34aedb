package main

import (
	"context"
	"fmt"
	"io"

	"github.com/go-ble/ble"
	"github.com/spf13/cobra"
	"github.com/srg/gattlink/internal/device"
)

// inspectCmd represents the inspect command
var inspectCmd = &cobra.Command{
	Use:   "inspect <device-address>",
	Short: "Inspect the GATT profile of a device",
	Long: fmt.Sprintf(`Connects to a device and lists its services, characteristics and descriptors.

Examples:
  # Show the attribute tree
  gattctl inspect %s

  # Include the values of readable characteristics
  gattctl inspect %s --read

  # Machine readable output
  gattctl inspect %s --format json

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectFormat      string
	inspectRead        bool
	inspectDescriptors bool
)

func init() {
	inspectCmd.Flags().StringVarP(&inspectFormat, "format", "f", "", "Output format (table, json); default output_format from the config")
	inspectCmd.Flags().BoolVar(&inspectRead, "read", false, "Read the value of every readable characteristic")
	inspectCmd.Flags().BoolVar(&inspectDescriptors, "descriptors", true, "Discover descriptors")
}

type descriptorReport struct {
	UUID string `json:"uuid"`
}

type characteristicReport struct {
	UUID        string             `json:"uuid"`
	Properties  []string           `json:"properties"`
	Value       string             `json:"value,omitempty"`
	ReadError   string             `json:"read_error,omitempty"`
	Descriptors []descriptorReport `json:"descriptors,omitempty"`

	props ble.Property
}

type serviceReport struct {
	UUID            string                 `json:"uuid"`
	Primary         bool                   `json:"primary"`
	Characteristics []characteristicReport `json:"characteristics"`
}

type deviceReport struct {
	Address  string          `json:"address"`
	MTU      int             `json:"mtu"`
	Services []serviceReport `json:"services"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	if inspectFormat != "" {
		if err := validateFormat(inspectFormat); err != nil {
			return err
		}
	}
	address := args[0]

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := interruptible(cmd.Context(), "cancelling inspection")
	defer stop()

	progress := NewProgressPrinter(fmt.Sprintf("Inspecting %s", address), "Connecting", "Done")
	progress.Start()
	defer progress.Stop()

	rt, err := openRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	format := inspectFormat
	if format == "" {
		format = rt.cfg.OutputFormat
	}

	report, err := inspectDevice(ctx, rt, address, progress.Callback())
	if err != nil {
		return err
	}
	progress.Stop()

	if format == "json" {
		return writeJSON(cmd.OutOrStdout(), report)
	}
	return displayReport(cmd.OutOrStdout(), report)
}

func inspectDevice(ctx context.Context, rt *runtime, address string, phase func(string)) (*deviceReport, error) {
	p, err := rt.connect(ctx, address)
	if err != nil {
		return nil, err
	}

	phase("Discovering")
	profile, err := rt.discoverProfile(ctx, p, inspectDescriptors)
	if err != nil {
		return nil, err
	}
	mtu, err := rt.session.MaximumTransmissionUnit(ctx, p)
	if err != nil {
		return nil, err
	}

	report := &deviceReport{Address: string(p), MTU: mtu}
	for _, svc := range profile {
		sr := serviceReport{UUID: device.UUIDString(svc.UUID), Primary: svc.Primary}
		for _, c := range svc.Characteristics {
			cr := characteristicReport{
				UUID:       device.UUIDString(c.UUID),
				Properties: device.PropertyNames(c.Properties),
				props:      c.Properties,
			}
			if inspectRead && c.CanRead() {
				phase("Reading")
				value, err := rt.session.ReadValue(ctx, c.Characteristic)
				if err != nil {
					cr.ReadError = err.Error()
				} else {
					cr.Value = formatHex(value)
				}
			}
			for _, d := range c.Descriptors {
				cr.Descriptors = append(cr.Descriptors, descriptorReport{UUID: device.UUIDString(d.UUID)})
			}
			sr.Characteristics = append(sr.Characteristics, cr)
		}
		report.Services = append(report.Services, sr)
	}
	phase("Done")
	return report, nil
}

func displayReport(w io.Writer, report *deviceReport) error {
	paint := painter(w)
	fmt.Fprintln(w, paint(headerColor, "Device %s (MTU %d)", report.Address, report.MTU))
	if len(report.Services) == 0 {
		fmt.Fprintln(w, "  No services")
		return nil
	}
	for _, s := range report.Services {
		fmt.Fprintf(w, "  %s\n", paint(serviceColor, "Service %s", s.UUID))
		for _, c := range s.Characteristics {
			fmt.Fprintf(w, "    %s [%s]\n", paint(charColor, "Characteristic %s", c.UUID), device.FormatProperties(c.props, ", "))
			switch {
			case c.ReadError != "":
				fmt.Fprintf(w, "      Value: <%s>\n", c.ReadError)
			case c.Value != "":
				fmt.Fprintf(w, "      Value: %s\n", paint(valueColor, "%s", c.Value))
			}
			for _, d := range c.Descriptors {
				fmt.Fprintf(w, "      %s\n", paint(descColor, "Descriptor %s", d.UUID))
			}
		}
	}
	return nil
}
