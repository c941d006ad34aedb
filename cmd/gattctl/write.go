package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/gattlink/internal/central"
	"github.com/srg/gattlink/internal/device"
)

// attHeaderSize is the ATT opcode plus handle carried by every write
const attHeaderSize = 3

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <device-address> <uuid> <data>",
	Short: "Write to a characteristic",
	Long: fmt.Sprintf(`Writes data to a BLE characteristic.

Data longer than the negotiated MTU allows is split into chunks.

Examples:
  # Write to characteristic (string data)
  gattctl write %s 2a06 "high"

  # Write hex data
  gattctl write %s 2a06 01 --hex

  # Write without response (faster, no ACK)
  gattctl write %s 2a06 "data" --without-response

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(3),
	RunE: runWrite,
}

var (
	writeServiceUUID string
	writeHex         bool
	writeNoResponse  bool
	writeChunkSize   int
	writeTimeout     time.Duration
)

func init() {
	writeCmd.Flags().StringVar(&writeServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	writeCmd.Flags().BoolVar(&writeNoResponse, "without-response", false, "Write without response (faster, no ACK); default waits for ACK, if available")
	writeCmd.Flags().IntVar(&writeChunkSize, "chunk", 0, "Force writes into N-byte chunks; default 0, derived from the MTU")
	writeCmd.Flags().DurationVar(&writeTimeout, "timeout", 5*time.Second, "Write timeout")
}

func runWrite(cmd *cobra.Command, args []string) error {
	address, targetUUID := args[0], args[1]

	data, err := parseWriteData(args[2])
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	if len(data) == 0 {
		return fmt.Errorf("data cannot be empty")
	}
	if writeChunkSize < 0 {
		return fmt.Errorf("chunk size must not be negative, got %d", writeChunkSize)
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := interruptible(cmd.Context(), "cancelling write")
	defer stop()

	progress := NewProgressPrinter(fmt.Sprintf("Writing %d bytes to %s on %s", len(data), targetUUID, address), "Connecting", "Processing")
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
	char, err := resolveCharacteristic(profile, writeServiceUUID, targetUUID)
	if err != nil {
		return err
	}
	progress.Callback()("Writing")

	if err := writeCharacteristic(ctx, rt.session, char, data); err != nil {
		return err
	}
	progress.Stop()

	fmt.Fprintln(cmd.OutOrStdout(), "Write successful")
	return nil
}

// parseWriteData converts input string to bytes based on format flags
func parseWriteData(dataStr string) ([]byte, error) {
	if writeHex {
		cleaned := strings.ReplaceAll(dataStr, " ", "")
		cleaned = strings.ReplaceAll(cleaned, ":", "")
		cleaned = strings.ReplaceAll(cleaned, "-", "")
		cleaned = strings.ReplaceAll(cleaned, "0x", "")

		data, err := hex.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("invalid hex data: %w", err)
		}
		return data, nil
	}

	return []byte(dataStr), nil
}

// writeCharacteristic writes data in chunks no larger than the link allows.
// Writes wait for acknowledgement unless --without-response was given or the
// characteristic only accepts unacknowledged writes.
func writeCharacteristic(ctx context.Context, s *central.Session, c device.Characteristic, data []byte) error {
	if !c.CanWrite() && !c.CanWriteWithoutResponse() {
		return fmt.Errorf("characteristic %s does not support write operations", device.UUIDString(c.UUID))
	}
	withResponse := c.CanWrite() && !(writeNoResponse && c.CanWriteWithoutResponse())

	chunkSize := writeChunkSize
	if chunkSize == 0 {
		mtu, err := s.MaximumTransmissionUnit(ctx, c.Peripheral)
		if err != nil {
			return fmt.Errorf("failed to read MTU: %w", err)
		}
		chunkSize = mtu - attHeaderSize
	}

	for _, chunk := range chunks(data, chunkSize) {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := s.WriteValue(writeCtx, chunk, c, withResponse)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to write characteristic: %w", err)
		}
	}
	return nil
}

// chunks splits data into consecutive slices of at most size bytes
func chunks(data []byte, size int) [][]byte {
	if size <= 0 || len(data) <= size {
		return [][]byte{data}
	}
	out := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		out = append(out, data[:size])
		data = data[size:]
	}
	return append(out, data)
}
