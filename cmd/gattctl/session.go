package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/gattlink/internal/central"
	"github.com/srg/gattlink/internal/device"
	goble "github.com/srg/gattlink/internal/device/go-ble"
	"github.com/srg/gattlink/internal/eventbus"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/pkg/config"
)

// newDriver creates the radio driver every command runs on. Tests replace it.
var newDriver = func(logger *logrus.Logger) device.Driver {
	return goble.NewDriver(logger)
}

// runtime is what a command works with: a powered-on session plus optional event forwarding.
type runtime struct {
	cfg       *config.Config
	logger    *logrus.Logger
	session   *central.Session
	forwarder *eventbus.Forwarder

	stopForward context.CancelFunc
	forwardDone chan struct{}
}

// openRuntime loads the configuration, starts a session and waits for the radio to power on.
func openRuntime(ctx context.Context, cmd *cobra.Command) (*runtime, error) {
	rt, err := startRuntime(cmd)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, rt.cfg.PowerOnTimeout)
	defer cancel()
	if err := rt.session.WaitPoweredOn(waitCtx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

// startRuntime starts the session without waiting for power.
func startRuntime(cmd *cobra.Command) (*runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return nil, err
	}

	session, err := central.NewSession(newDriver(logger), cfg.SessionOptions(), logger)
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg, logger: logger, session: session}

	if cfg.NATS.URL != "" {
		fwd, err := eventbus.Dial(cfg.NATS.URL, cfg.NATS.SubjectPrefix, logger)
		if err != nil {
			_ = session.Close()
			return nil, err
		}
		fctx, stop := context.WithCancel(context.Background())
		rt.forwarder, rt.stopForward, rt.forwardDone = fwd, stop, make(chan struct{})
		groutine.Go(fctx, "gattctl-forward", func(ctx context.Context) {
			defer close(rt.forwardDone)
			if err := fwd.Forward(ctx, session); err != nil {
				logger.WithError(err).Warn("Event forwarding stopped")
			}
		})
	}
	return rt, nil
}

// Close disconnects every peripheral and stops the session and forwarding.
func (rt *runtime) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rt.session.DisconnectAll(ctx); err != nil {
		rt.logger.WithError(err).Debug("Disconnect on close failed")
	}
	if err := rt.session.Close(); err != nil {
		rt.logger.WithError(err).Debug("Session close failed")
	}
	if rt.forwarder != nil {
		rt.stopForward()
		<-rt.forwardDone
		rt.forwarder.Close()
	}
}

// publishScan hands a scan result to the forwarder, if one is configured.
func (rt *runtime) publishScan(r device.ScanResult) {
	if rt.forwarder == nil {
		return
	}
	if err := rt.forwarder.PublishScan(rt.session.ID(), r); err != nil {
		rt.logger.WithError(err).Warn("Failed to publish scan result")
	}
}

// findPeripheral scans until p advertises, so the session knows it before connecting.
func (rt *runtime) findPeripheral(ctx context.Context, p device.PeripheralID) error {
	scanCtx, cancel := context.WithTimeout(ctx, rt.cfg.ScanTimeout)
	defer cancel()

	results, err := rt.session.Scan(scanCtx, nil, false)
	if err != nil {
		return err
	}
	defer func() { _ = rt.session.StopScan(context.Background()) }()

	for r := range results.C() {
		rt.publishScan(r)
		if strings.EqualFold(string(r.Peripheral), string(p)) {
			return nil
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return device.NewError(device.KindUnknownPeripheral, "device %s not found within %s", p, rt.cfg.ScanTimeout)
}

// connect finds and connects p.
func (rt *runtime) connect(ctx context.Context, address string) (device.PeripheralID, error) {
	p := device.PeripheralID(address)
	if err := rt.findPeripheral(ctx, p); err != nil {
		return "", err
	}

	connectCtx, cancel := context.WithTimeout(ctx, rt.cfg.ConnectTimeout)
	defer cancel()
	if err := rt.session.Connect(connectCtx, p); err != nil {
		return "", fmt.Errorf("failed to connect to %s: %w", p, err)
	}
	rt.logger.WithField("peripheral", p).Info("Connected")
	return p, nil
}

// characteristicProfile is a discovered characteristic with its descriptors
type characteristicProfile struct {
	device.Characteristic
	Descriptors []device.Descriptor
}

// serviceProfile is a discovered service with its characteristics
type serviceProfile struct {
	device.Service
	Characteristics []characteristicProfile
}

// discoverProfile walks the full attribute tree of p.
func (rt *runtime) discoverProfile(ctx context.Context, p device.PeripheralID, withDescriptors bool) ([]serviceProfile, error) {
	services, err := rt.session.DiscoverServices(ctx, p, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to discover services: %w", err)
	}

	out := make([]serviceProfile, 0, len(services))
	for _, svc := range services {
		chars, err := rt.session.DiscoverCharacteristics(ctx, svc, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to discover characteristics of %s: %w", svc, err)
		}
		sp := serviceProfile{Service: svc}
		for _, c := range chars {
			cp := characteristicProfile{Characteristic: c}
			if withDescriptors {
				descs, err := rt.session.DiscoverDescriptors(ctx, c, nil)
				if err != nil {
					return nil, fmt.Errorf("failed to discover descriptors of %s: %w", c, err)
				}
				cp.Descriptors = descs
			}
			sp.Characteristics = append(sp.Characteristics, cp)
		}
		out = append(out, sp)
	}
	return out, nil
}

// resolveCharacteristic finds a characteristic by UUID, optionally within one service.
// An ambiguous UUID requires the service.
func resolveCharacteristic(profile []serviceProfile, serviceUUID, charUUID string) (device.Characteristic, error) {
	cu, err := device.ParseUUID(charUUID)
	if err != nil {
		return device.Characteristic{}, err
	}
	var su ble.UUID
	if serviceUUID != "" {
		if su, err = device.ParseUUID(serviceUUID); err != nil {
			return device.Characteristic{}, err
		}
	}

	var found []device.Characteristic
	for _, svc := range profile {
		if su != nil && !svc.UUID.Equal(su) {
			continue
		}
		for _, c := range svc.Characteristics {
			if c.UUID.Equal(cu) {
				found = append(found, c.Characteristic)
			}
		}
	}

	switch {
	case len(found) == 0:
		return device.Characteristic{}, &device.InvalidAttributeError{Resource: "characteristic", UUID: cu}
	case len(found) > 1:
		return device.Characteristic{}, fmt.Errorf("characteristic %s found in multiple services, specify --service", device.UUIDString(cu))
	}
	return found[0], nil
}

// parseCSVUUIDs splits a comma-separated UUID list, dropping empty elements.
func parseCSVUUIDs(input string) []string {
	var out []string
	for _, s := range strings.Split(input, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// interruptible returns a context cancelled on Ctrl+C or SIGTERM.
func interruptible(parent context.Context, what string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintf(os.Stderr, "\nCtrl+C pressed, %s...\n", what)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

// isInterrupt reports whether err only says the command was stopped by the user or a deadline.
func isInterrupt(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
