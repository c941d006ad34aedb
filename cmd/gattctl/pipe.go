package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/spf13/cobra"
	"github.com/srg/gattlink/internal/central"
	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/groutine"
)

// pipeCmd represents the pipe command
var pipeCmd = &cobra.Command{
	Use:   "pipe <device-address> <uuid>",
	Short: "Stream stdin to a characteristic",
	Long: fmt.Sprintf(`Reads stdin and writes it to a characteristic in MTU-sized chunks.

Writes go without response when the characteristic allows it. With --notify the
notifications of a second characteristic are copied to stdout, which turns a
UART-style service into a serial link.

Examples:
  # Send a firmware image
  gattctl pipe %s ff01 < image.bin

  # Nordic UART: write to the RX characteristic, print the TX characteristic
  gattctl pipe %s 6e400002-b5a3-f393-e0a9-e50e24dcca9e --notify 6e400003-b5a3-f393-e0a9-e50e24dcca9e

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(2),
	RunE: runPipe,
}

var (
	pipeServiceUUID string
	pipeNotifyUUID  string
	pipeBufferSize  int
	pipeLinger      time.Duration
)

func init() {
	pipeCmd.Flags().StringVar(&pipeServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	pipeCmd.Flags().StringVar(&pipeNotifyUUID, "notify", "", "Characteristic whose notifications are copied to stdout")
	pipeCmd.Flags().IntVar(&pipeBufferSize, "buffer", 64*1024, "Bytes buffered between stdin and the device")
	pipeCmd.Flags().DurationVar(&pipeLinger, "linger", 0, "Keep printing notifications this long after stdin ends")
}

func runPipe(cmd *cobra.Command, args []string) error {
	address, targetUUID := args[0], args[1]
	if pipeBufferSize <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", pipeBufferSize)
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := interruptible(cmd.Context(), "closing pipe")
	defer stop()

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
	target, err := resolveCharacteristic(profile, pipeServiceUUID, targetUUID)
	if err != nil {
		return err
	}
	if !target.CanWrite() && !target.CanWriteWithoutResponse() {
		return fmt.Errorf("characteristic %s does not support write operations", device.UUIDString(target.UUID))
	}

	out := cmd.OutOrStdout()
	notifyDone := make(chan error, 1)
	if pipeNotifyUUID != "" {
		source, err := resolveCharacteristic(profile, pipeServiceUUID, pipeNotifyUUID)
		if err != nil {
			return err
		}
		values, err := rt.session.Notify(ctx, source)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", device.UUIDString(source.UUID), err)
		}
		groutine.Go(ctx, "gattctl-pipe-notify", func(context.Context) {
			for data := range values.C() {
				_, _ = out.Write(data)
			}
			notifyDone <- values.Err()
		})
	}

	mtu, err := rt.session.MaximumTransmissionUnit(ctx, p)
	if err != nil {
		return fmt.Errorf("failed to read MTU: %w", err)
	}

	pipe := newStdinPipe(cmd.InOrStdin(), pipeBufferSize, rt.logger)
	sent, writes, err := pipe.run(ctx, rt.session, target, mtu-attHeaderSize)
	fmt.Fprintf(os.Stderr, "Sent %d bytes in %d writes\n", sent, writes)
	if err != nil {
		if errors.Is(err, device.ErrDisconnected) {
			return ErrConnectionLost
		}
		if isInterrupt(err) && ctx.Err() != nil {
			return nil
		}
		return err
	}

	if pipeNotifyUUID != "" && pipeLinger > 0 {
		select {
		case <-time.After(pipeLinger):
		case <-ctx.Done():
		case err := <-notifyDone:
			if errors.Is(err, device.ErrDisconnected) {
				return ErrConnectionLost
			}
		}
	}
	return nil
}

// stdinPipe moves bytes from a reader to a characteristic through a ring buffer,
// so a slow link never blocks reading and a fast reader never floods the link.
type stdinPipe struct {
	in     io.Reader
	buf    *ringbuffer.RingBuffer
	logger *logrus.Logger

	more    chan struct{} // data was buffered
	drained chan struct{} // space was freed
	eof     chan struct{}
	readErr error // set by fill before eof closes
}

func newStdinPipe(in io.Reader, size int, logger *logrus.Logger) *stdinPipe {
	return &stdinPipe{
		in:      in,
		buf:     ringbuffer.New(size),
		logger:  logger,
		more:    make(chan struct{}, 1),
		drained: make(chan struct{}, 1),
		eof:     make(chan struct{}),
	}
}

func wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// fill copies the reader into the ring buffer until EOF or ctx ends
func (p *stdinPipe) fill(ctx context.Context) {
	defer close(p.eof)
	chunk := make([]byte, 4096)
	for {
		n, err := p.in.Read(chunk)
		for off := 0; off < n; {
			written, werr := p.buf.Write(chunk[off:n])
			if werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) {
				p.readErr = werr
				return
			}
			off += written
			if written > 0 {
				wake(p.more)
			}
			if off < n {
				select {
				case <-p.drained:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.readErr = err
			}
			return
		}
	}
}

// run sends buffered bytes in chunks of at most chunkSize until the reader is exhausted.
func (p *stdinPipe) run(ctx context.Context, s *central.Session, c device.Characteristic, chunkSize int) (sent, writes int, err error) {
	if chunkSize <= 0 {
		return 0, 0, fmt.Errorf("invalid chunk size %d", chunkSize)
	}
	withResponse := !c.CanWriteWithoutResponse()

	fillCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	groutine.Go(fillCtx, "gattctl-pipe-stdin", p.fill)

	chunk := make([]byte, chunkSize)
	for {
		n, rerr := p.buf.TryRead(chunk)
		if rerr != nil && !errors.Is(rerr, ringbuffer.ErrIsEmpty) {
			return sent, writes, rerr
		}
		if n > 0 {
			wake(p.drained)
			data := append([]byte(nil), chunk[:n]...)
			if err := s.WriteValue(ctx, data, c, withResponse); err != nil {
				return sent, writes, fmt.Errorf("failed to write characteristic: %w", err)
			}
			sent += n
			writes++
			p.logger.WithFields(logrus.Fields{"bytes": n, "total": sent}).Debug("Chunk written")
			continue
		}

		select {
		case <-p.more:
		case <-p.eof:
			if !p.buf.IsEmpty() {
				continue
			}
			if p.readErr != nil {
				return sent, writes, fmt.Errorf("failed to read input: %w", p.readErr)
			}
			return sent, writes, nil
		case <-ctx.Done():
			return sent, writes, ctx.Err()
		}
	}
}
