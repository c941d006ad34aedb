package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattlink/internal/central"
	"github.com/srg/gattlink/internal/device"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <device-address> <uuid>",
	Short: "Read characteristic values",
	Long: fmt.Sprintf(`Reads data from one or more BLE characteristics.

Examples:
  # Read Battery Level characteristic
  gattctl read %s 2a19

  # Read multiple characteristics (comma-separated)
  gattctl read %s 2a37,2a38,2a19 --hex

  # Read with service disambiguation
  gattctl read %s 2a19 --service 180f

  # Continuously watch a characteristic (polls every second)
  gattctl read %s 2a37 --watch

  # Watch with custom interval
  gattctl read %s 2a37 --watch=500ms

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(2),
	RunE: runRead,
}

var (
	readServiceUUID string
	readHex         bool
	readTimeout     time.Duration
	readWatch       string
)

func init() {
	readCmd.Flags().StringVar(&readServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string (e.g., 'ff01'); raw bytes by default")
	readCmd.Flags().DurationVar(&readTimeout, "timeout", 5*time.Second, "Read timeout")
	readCmd.Flags().StringVar(&readWatch, "watch", "", "Continuously read at interval (e.g., 1s, 500ms); default 1s if no value given")
	readCmd.Flags().Lookup("watch").NoOptDefVal = "1s"
}

func runRead(cmd *cobra.Command, args []string) error {
	address := args[0]
	charUUIDs := parseCSVUUIDs(args[1])
	if len(charUUIDs) == 0 {
		return fmt.Errorf("no valid UUIDs provided")
	}

	var watchInterval time.Duration
	if readWatch != "" {
		if len(charUUIDs) > 1 {
			return fmt.Errorf("watch mode requires a single characteristic, got %d", len(charUUIDs))
		}
		var err error
		watchInterval, err = time.ParseDuration(readWatch)
		if err != nil {
			return fmt.Errorf("invalid watch interval: %w", err)
		}
		if watchInterval <= 0 {
			return fmt.Errorf("watch interval must be positive, got %s", watchInterval)
		}
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := interruptible(cmd.Context(), "stopping")
	defer stop()

	progress := NewProgressPrinter(fmt.Sprintf("Reading from %s", address), "Connecting", "Processing")
	progress.Start()
	defer progress.Stop()

	rt, err := openRuntime(ctx, cmd)
	if err != nil {
		return err
	}
	defer rt.Close()

	p, err := rt.connect(ctx, address)
	if err != nil {
		return err
	}
	profile, err := rt.discoverProfile(ctx, p, false)
	if err != nil {
		return err
	}

	chars := make([]device.Characteristic, 0, len(charUUIDs))
	for _, u := range charUUIDs {
		c, err := resolveCharacteristic(profile, readServiceUUID, u)
		if err != nil {
			return err
		}
		chars = append(chars, c)
	}
	progress.Stop()

	out := cmd.OutOrStdout()
	if watchInterval > 0 {
		err := watchCharacteristic(ctx, rt.session, chars[0], watchInterval, out, rt.logger)
		if isInterrupt(err) && ctx.Err() != nil {
			return nil
		}
		return err
	}
	if len(chars) == 1 {
		data, err := readOnce(ctx, rt.session, chars[0])
		if err != nil {
			return fmt.Errorf("failed to read characteristic: %w", err)
		}
		return outputData(out, data, readHex)
	}
	return readMany(ctx, rt.session, chars, out)
}

func readOnce(ctx context.Context, s *central.Session, c device.Characteristic) ([]byte, error) {
	readCtx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()
	return s.ReadValue(readCtx, c)
}

// readMany reads every characteristic, prefixing each value with its UUID.
// A failed read is reported on stderr and does not stop the others.
func readMany(ctx context.Context, s *central.Session, chars []device.Characteristic, out io.Writer) error {
	for _, c := range chars {
		uuid := device.ShortenUUID(device.UUIDString(c.UUID))
		data, err := readOnce(ctx, s, c)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: error: %v\n", uuid, err)
			continue
		}
		fmt.Fprintf(out, "%s: ", uuid)
		if err := outputData(out, data, readHex); err != nil {
			return err
		}
		if !readHex {
			fmt.Fprintln(out)
		}
	}
	return nil
}

// watchCharacteristic reads c every interval until ctx ends or the link drops.
func watchCharacteristic(ctx context.Context, s *central.Session, c device.Characteristic, interval time.Duration, out io.Writer, logger *logrus.Logger) error {
	fmt.Fprintf(os.Stderr, "Watching (reading every %v). Press Ctrl+C to stop...\n", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		data, err := readOnce(ctx, s, c)
		switch {
		case err == nil:
			if err := outputData(out, data, readHex); err != nil {
				return err
			}
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, device.ErrDisconnected), errors.Is(err, device.ErrInvalidAttribute):
			return ErrConnectionLost
		default:
			logger.WithError(err).Warn("Failed to read characteristic, continuing...")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
