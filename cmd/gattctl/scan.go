package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/go-ble/ble"
	"github.com/spf13/cobra"
	"github.com/srg/gattlink/internal/device"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scan for and display Bluetooth Low Energy devices in the vicinity.

Each advertisement is also published to NATS when the config file enables it.

Examples:
  # Scan for 5 seconds
  gattctl scan -d 5s

  # Only devices advertising the Heart Rate service, as JSON
  gattctl scan --services 180d --format json`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration        time.Duration
	scanFormat          string
	scanServices        []string
	scanAllowList       []string
	scanBlockList       []string
	scanAllowDuplicates bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration; default scan_timeout from the config")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format (table, json); default output_format from the config")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Filter by advertised service UUIDs")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show devices with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide devices with these addresses")
	scanCmd.Flags().BoolVar(&scanAllowDuplicates, "duplicates", false, "Report every advertisement instead of the first one per device")
}

// scanEntry is one discovered device as shown by the scan command
type scanEntry struct {
	Address          string    `json:"address"`
	Name             string    `json:"name,omitempty"`
	RSSI             int       `json:"rssi"`
	Connectable      bool      `json:"connectable"`
	Services         []string  `json:"services,omitempty"`
	ManufacturerData string    `json:"manufacturer_data,omitempty"`
	TxPower          *int      `json:"tx_power,omitempty"`
	LastSeen         time.Time `json:"last_seen"`
	Seen             int       `json:"seen"`
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "" {
		if err := validateFormat(scanFormat); err != nil {
			return err
		}
	}
	filter, err := device.ParseUUIDs(scanServices)
	if err != nil {
		return fmt.Errorf("invalid service UUID: %w", err)
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := interruptible(cmd.Context(), "stopping scan")
	defer stop()

	rt, err := openRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	duration := scanDuration
	if duration <= 0 {
		duration = rt.cfg.ScanTimeout
	}
	format := scanFormat
	if format == "" {
		format = rt.cfg.OutputFormat
	}

	progress := NewCountdownProgressPrinter("Scanning for BLE devices", "Scanning", duration)
	progress.Start()
	defer progress.Stop()

	entries, err := collectScan(ctx, rt, filter, duration)
	progress.Stop()
	if err != nil && !isInterrupt(err) {
		return err
	}
	return displayScan(cmd.OutOrStdout(), entries, format)
}

// collectScan scans for duration and merges advertisements per device.
func collectScan(ctx context.Context, rt *runtime, filter []ble.UUID, duration time.Duration) ([]*scanEntry, error) {
	results, err := rt.session.Scan(ctx, filter, scanAllowDuplicates)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	allow, block := addressSet(scanAllowList), addressSet(scanBlockList)
	seen := make(map[device.PeripheralID]*scanEntry)
	stream := results.C()
	for stream != nil {
		select {
		case <-timer.C:
			if err := rt.session.StopScan(context.Background()); err != nil {
				return sortedEntries(seen), err
			}
		case r, ok := <-stream:
			if !ok {
				stream = nil
				continue
			}
			addr := strings.ToUpper(string(r.Peripheral))
			if _, blocked := block[addr]; blocked {
				continue
			}
			if _, allowed := allow[addr]; len(allow) > 0 && !allowed {
				continue
			}
			rt.publishScan(r)
			mergeScanResult(seen, r)
		}
	}
	return sortedEntries(seen), results.Err()
}

func addressSet(addrs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(addrs))
	for _, a := range addrs {
		set[strings.ToUpper(strings.TrimSpace(a))] = struct{}{}
	}
	return set
}

func mergeScanResult(seen map[device.PeripheralID]*scanEntry, r device.ScanResult) {
	e, ok := seen[r.Peripheral]
	if !ok {
		e = &scanEntry{Address: string(r.Peripheral)}
		seen[r.Peripheral] = e
	}
	adv := r.Advertisement
	e.RSSI = r.RSSI
	e.Connectable = r.Connectable
	e.LastSeen = r.Timestamp
	e.Seen++
	if adv.LocalName != "" {
		e.Name = adv.LocalName
	}
	if len(adv.ManufacturerData) > 0 {
		e.ManufacturerData = hex.EncodeToString(adv.ManufacturerData)
	}
	if adv.TxPowerLevel != 127 {
		tx := adv.TxPowerLevel
		e.TxPower = &tx
	}
	for _, u := range adv.Services {
		s := device.UUIDString(u)
		if !contains(e.Services, s) {
			e.Services = append(e.Services, s)
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// sortedEntries orders devices by signal strength, strongest first
func sortedEntries(seen map[device.PeripheralID]*scanEntry) []*scanEntry {
	out := make([]*scanEntry, 0, len(seen))
	for _, e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Address < out[j].Address
	})
	return out
}

func displayScan(w io.Writer, entries []*scanEntry, format string) error {
	if format == "json" {
		return writeJSON(w, entries)
	}
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "No devices discovered")
		return err
	}

	paint := painter(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, paint(headerColor, "NAME\tADDRESS\tRSSI\tSERVICES\tLAST SEEN"))
	fmt.Fprintln(tw, strings.Repeat("-", 80))
	for _, e := range entries {
		name := e.Name
		if name == "" {
			name = "(unknown)"
		}
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		services := strings.Join(shortUUIDs(e.Services), ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}
		lastSeen := time.Since(e.LastSeen).Truncate(time.Second)
		fmt.Fprintf(tw, "%s\t%s\t%d dBm\t%s\t%s ago\n", name, e.Address, e.RSSI, services, lastSeen)
	}
	return tw.Flush()
}

func shortUUIDs(uuids []string) []string {
	out := make([]string, len(uuids))
	for i, u := range uuids {
		out[i] = device.ShortenUUID(u)
	}
	return out
}
