package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattlink/internal/collector"
	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/stream"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <device-address> <uuid>",
	Short: "Subscribe to characteristic notifications",
	Long: fmt.Sprintf(`Subscribes to BLE characteristic notifications and outputs received data.

Stream modes:
  live     - Output every notification immediately (default)
  batched  - Collect notifications, output at rate interval
  latest   - Keep only latest value per characteristic, output at rate interval

Examples:
  # Subscribe to single characteristic
  gattctl subscribe %s 2a37 --hex

  # Subscribe to multiple characteristics
  gattctl subscribe %s 2a6e,2a6f,2a19 --hex

  # Batched mode with 1s collection window, stop after 100 notifications
  gattctl subscribe %s ff31,ff32 --mode batched --rate 1s --count 100

%s`, exampleDeviceAddress, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(2),
	RunE: runSubscribe,
}

var (
	subscribeServiceUUID string
	subscribeHex         bool
	subscribeMode        string
	subscribeRate        time.Duration
	subscribeCount       int
	subscribeDuration    time.Duration
)

// subscribeBufferSize bounds the notifications held between two batched or latest outputs
const subscribeBufferSize = 1024

func init() {
	subscribeCmd.Flags().StringVar(&subscribeServiceUUID, "service", "", "Service UUID (required if characteristic UUID is ambiguous)")
	subscribeCmd.Flags().BoolVar(&subscribeHex, "hex", false, "Output as hex string; raw bytes by default")
	subscribeCmd.Flags().StringVar(&subscribeMode, "mode", "live", "Stream mode: live, batched, or latest")
	subscribeCmd.Flags().DurationVar(&subscribeRate, "rate", time.Second, "Output interval for batched/latest modes")
	subscribeCmd.Flags().IntVar(&subscribeCount, "count", 0, "Stop after N notifications; default 0, unlimited")
	subscribeCmd.Flags().DurationVar(&subscribeDuration, "duration", 0, "Stop after this long; default 0, until Ctrl+C")
}

type streamMode int

const (
	modeLive streamMode = iota
	modeBatched
	modeLatest
)

func parseStreamMode(mode string) (streamMode, error) {
	switch strings.ToLower(mode) {
	case "live", "instant", "every":
		return modeLive, nil
	case "batched", "batch":
		return modeBatched, nil
	case "latest", "aggregated":
		return modeLatest, nil
	default:
		return 0, fmt.Errorf("invalid mode %q: use live, batched, or latest", mode)
	}
}

// notification is one received value
type notification struct {
	UUID string
	Data []byte
	Time time.Time
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	address := args[0]
	charUUIDs := parseCSVUUIDs(args[1])
	if len(charUUIDs) == 0 {
		return fmt.Errorf("no valid UUIDs provided")
	}
	mode, err := parseStreamMode(subscribeMode)
	if err != nil {
		return err
	}
	if mode != modeLive && subscribeRate <= 0 {
		return fmt.Errorf("rate must be positive, got %s", subscribeRate)
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, stop := interruptible(cmd.Context(), "unsubscribing")
	defer stop()
	if subscribeDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, subscribeDuration)
		defer cancel()
	}

	progress := NewProgressPrinter(fmt.Sprintf("Subscribing on %s", address), "Connecting", "Streaming")
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

	// notifications stop with ctx, which disables them on the device
	subCtx, unsubscribe := context.WithCancel(ctx)
	defer unsubscribe()

	var streams []*stream.Stream[[]byte]
	var names []string
	for _, u := range charUUIDs {
		c, err := resolveCharacteristic(profile, subscribeServiceUUID, u)
		if err != nil {
			return err
		}
		if !c.CanNotify() {
			return fmt.Errorf("characteristic %s does not support notifications", device.UUIDString(c.UUID))
		}
		values, err := rt.session.Notify(subCtx, c)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", device.UUIDString(c.UUID), err)
		}
		streams = append(streams, values)
		names = append(names, device.ShortenUUID(device.UUIDString(c.UUID)))
	}
	progress.Callback()("Streaming")

	merged, wait := mergeNotifications(streams, names)
	printer := &notificationPrinter{out: cmd.OutOrStdout(), hex: subscribeHex, prefix: len(streams) > 1, limit: subscribeCount, stop: unsubscribe}

	if mode == modeLive {
		for n := range merged {
			printer.print(n)
		}
	} else if err := runRated(merged, mode, printer, rt.logger); err != nil {
		return err
	}

	if err := wait(); err != nil && !isInterrupt(err) && !printer.limitReached() {
		if errors.Is(err, device.ErrDisconnected) {
			return ErrConnectionLost
		}
		return err
	}
	return nil
}

// mergeNotifications fans every stream into one channel, closed once all streams ended.
// wait returns the first stream failure.
func mergeNotifications(streams []*stream.Stream[[]byte], names []string) (<-chan notification, func() error) {
	out := make(chan notification, subscribeBufferSize)
	var wg sync.WaitGroup
	errs := make([]error, len(streams))

	for i, s := range streams {
		wg.Add(1)
		go func(i int, s *stream.Stream[[]byte]) {
			defer wg.Done()
			for data := range s.C() {
				out <- notification{UUID: names[i], Data: data, Time: time.Now()}
			}
			errs[i] = s.Err()
		}(i, s)
	}
	go func() {
		wg.Wait()
		close(out)
	}()

	return out, func() error {
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return err
			}
		}
		return nil
	}
}

// runRated buffers notifications in a collector and flushes it every subscribeRate
func runRated(source <-chan notification, mode streamMode, printer *notificationPrinter, logger *logrus.Logger) error {
	c, err := collector.New(source, subscribeBufferSize, func(err error) {
		logger.WithError(err).Error("Notification buffer failed")
	})
	if err != nil {
		return err
	}
	if err := c.Start(); err != nil {
		return err
	}
	defer func() { _ = c.Stop() }()

	ticker := time.NewTicker(subscribeRate)
	defer ticker.Stop()

	flush := func() error {
		if mode == modeLatest {
			return flushLatest(c, printer)
		}
		_, err := collector.Consume(c, collector.Each(func(n notification) error {
			printer.print(n)
			return nil
		}))
		return err
	}

	for {
		select {
		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}
		case <-c.Done():
			if err := flush(); err != nil {
				return err
			}
			if dropped := c.Metrics().RecordsOverwritten; dropped > 0 {
				logger.WithField("dropped", dropped).Warn("Notifications dropped, output rate too low")
			}
			return nil
		}
	}
}

// flushLatest prints the last buffered value of each characteristic
func flushLatest(c *collector.Collector[notification], printer *notificationPrinter) error {
	latest := make(map[string]notification)
	_, err := collector.Consume(c, collector.Each(func(n notification) error {
		latest[n.UUID] = n
		return nil
	}))
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(latest))
	for k := range latest {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		printer.print(latest[k])
	}
	return nil
}

// notificationPrinter writes notifications and stops the subscription after limit values
type notificationPrinter struct {
	out    io.Writer
	hex    bool
	prefix bool
	limit  int
	stop   func()

	printed int
}

func (p *notificationPrinter) print(n notification) {
	if p.limitReached() {
		return
	}
	if p.prefix {
		fmt.Fprintf(p.out, "%s: ", n.UUID)
	}
	_ = outputData(p.out, n.Data, p.hex)
	if p.prefix && !p.hex {
		fmt.Fprintln(p.out)
	}

	p.printed++
	if p.limitReached() {
		p.stop()
	}
}

func (p *notificationPrinter) limitReached() bool {
	return p.limit > 0 && p.printed >= p.limit
}
