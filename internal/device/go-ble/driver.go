package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/groutine"
)

// ----------------------------
// Device Factory
// ----------------------------

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// radio is the part of ble.Device the driver scans with
type radio interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
	Stop() error
}

type dialFunc func(ctx context.Context, addr ble.Addr) (gattClient, error)

func openDevice() (radio, dialFunc, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, nil, err
	}
	dial := func(ctx context.Context, addr ble.Addr) (gattClient, error) {
		client, err := dev.Dial(ctx, addr)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return dev, dial, nil
}

// ----------------------------
// Driver
// ----------------------------

// Driver implements device.Driver on top of go-ble.
//
// Commands never block: scans, dials and ATT requests run on their own
// goroutines and report back through the delegate. go-ble has no power
// notifications, so the driver reports PowerOn once the radio opens and
// PowerOff when an operation fails because the radio is off.
type Driver struct {
	logger *logrus.Logger
	open   func() (radio, dialFunc, error)

	ctx    context.Context
	cancel context.CancelFunc

	radio    radio
	dial     dialFunc
	delegate device.Delegate

	mu       sync.Mutex
	scanGen  uint64
	scanStop context.CancelFunc
	scanDone chan struct{}

	conns *hashmap.Map[string, *connection]
	dials *hashmap.Map[string, context.CancelFunc]
}

var _ device.Driver = (*Driver)(nil)

// NewDriver creates a driver for the platform radio. A nil logger uses logrus.New().
func NewDriver(logger *logrus.Logger) *Driver {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		logger: logger,
		open:   openDevice,
		ctx:    ctx,
		cancel: cancel,
		conns:  hashmap.New[string, *connection](),
		dials:  hashmap.New[string, context.CancelFunc](),
	}
}

// Start opens the radio and reports it powered on.
func (d *Driver) Start(delegate device.Delegate) error {
	if delegate == nil {
		return fmt.Errorf("delegate cannot be nil")
	}
	r, dial, err := d.open()
	if err != nil {
		d.logger.WithField("error", err).Error("Failed to create BLE device")
		return fmt.Errorf("failed to create BLE device: %w", NormalizeError(err))
	}
	d.radio = r
	d.dial = dial
	d.delegate = delegate

	d.logger.Debug("BLE device opened")
	delegate.PowerStateChanged(device.PowerOn)
	return nil
}

// Stop drops every link and releases the radio.
func (d *Driver) Stop() error {
	d.cancel()

	var conns []*connection
	d.conns.Range(func(_ string, conn *connection) bool {
		conns = append(conns, conn)
		return true
	})
	for _, conn := range conns {
		conn.requested.Store(true)
		if err := conn.client.CancelConnection(); err != nil {
			d.logger.WithFields(logrus.Fields{
				"peripheral": conn.peripheral,
				"error":      err,
			}).Warn("Failed to cancel connection during shutdown")
		}
		d.dropConnection(conn, nil)
	}

	if d.radio == nil {
		return nil
	}
	if err := d.radio.Stop(); err != nil {
		return fmt.Errorf("failed to stop BLE device: %w", NormalizeError(err))
	}
	return nil
}

// emit runs a delegate callback off the caller's goroutine
func (d *Driver) emit(name string, fn func()) {
	groutine.Go(context.Background(), name, func(context.Context) { fn() })
}

// ----------------------------
// Scanning
// ----------------------------

// Scan starts a scan, replacing the running one. go-ble has no service filter, so
// advertisements are filtered here.
func (d *Driver) Scan(filter []ble.UUID, allowDuplicates bool) {
	filter = append([]ble.UUID(nil), filter...)

	d.mu.Lock()
	if d.scanStop != nil {
		d.scanStop()
	}
	d.scanGen++
	gen := d.scanGen
	ctx, cancel := context.WithCancel(d.ctx)
	d.scanStop = cancel
	prev := d.scanDone
	done := make(chan struct{})
	d.scanDone = done
	d.mu.Unlock()

	groutine.Go(ctx, "goble-scan", func(ctx context.Context) {
		defer close(done)
		if prev != nil {
			<-prev
		}
		err := d.radio.Scan(ctx, allowDuplicates, func(adv ble.Advertisement) {
			if !advertisesAny(filter, adv) {
				return
			}
			d.delegate.PeripheralDiscovered(device.PeripheralID(adv.Addr().String()), newAdvertisement(adv), adv.RSSI())
		})
		d.scanFinished(gen, err)
	})
}

// StopScan stops the running scan. The session does not expect a ScanStopped for it.
func (d *Driver) StopScan() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scanStop == nil {
		return
	}
	d.scanStop()
	d.scanStop = nil
	d.scanGen++
}

func (d *Driver) scanFinished(gen uint64, err error) {
	d.mu.Lock()
	current := gen == d.scanGen && d.scanStop != nil
	if current {
		d.scanStop()
		d.scanStop = nil
	}
	d.mu.Unlock()

	// stopped or replaced on request
	if !current || d.ctx.Err() != nil {
		return
	}

	norm := NormalizeError(err)
	if errors.Is(norm, device.ErrCancelled) {
		norm = nil
	}
	if isPoweredOff(norm) {
		d.logger.WithField("error", err).Warn("Scan failed: bluetooth is turned off")
		d.delegate.PowerStateChanged(device.PowerOff)
		return
	}
	if norm != nil {
		d.logger.WithField("error", err).Warn("Scan terminated by the radio")
	}
	d.delegate.ScanStopped(norm)
}

// ----------------------------
// Connection lifecycle
// ----------------------------

// Connect dials p. A dial already in progress is left alone.
func (d *Driver) Connect(p device.PeripheralID) {
	key := string(p)

	d.mu.Lock()
	if _, ok := d.conns.Get(key); ok {
		d.mu.Unlock()
		d.emit("goble-connect-known", func() { d.delegate.ConnectSucceeded(p) })
		return
	}
	if _, ok := d.dials.Get(key); ok {
		d.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(d.ctx)
	d.dials.Set(key, cancel)
	d.mu.Unlock()

	groutine.Go(ctx, "goble-dial", func(ctx context.Context) {
		defer cancel()
		d.runDial(ctx, p)
	})
}

func (d *Driver) runDial(ctx context.Context, p device.PeripheralID) {
	key := string(p)
	log := d.logger.WithField("peripheral", p)
	log.Debug("Dialing BLE device...")

	client, err := d.dial(ctx, ble.NewAddr(key))

	d.mu.Lock()
	d.dials.Del(key)
	if err == nil && ctx.Err() != nil {
		// cancelled while the link came up
		d.mu.Unlock()
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			log.WithField("cancel_error", cancelErr).Warn("Failed to drop connection after cancelled dial")
		}
		err = ctx.Err()
	} else if err == nil {
		conn := newConnection(p, client)
		d.conns.Set(key, conn)
		d.mu.Unlock()
		d.watchConnection(conn, client)
		log.Info("BLE device connected successfully")
		d.delegate.ConnectSucceeded(p)
		return
	} else {
		d.mu.Unlock()
	}

	norm := NormalizeError(err)
	log.WithField("error", err).Warn("Failed to dial BLE device")
	d.delegate.ConnectFailed(p, norm)
}

func (d *Driver) watchConnection(conn *connection, client gattClient) {
	groutine.Go(d.ctx, "goble-connection-ops", conn.loop)

	// Monitor go-ble client Disconnected() channel where the platform provides it
	monitored, ok := client.(interface{ Disconnected() <-chan struct{} })
	if !ok {
		d.logger.Debug("Client does not support Disconnected() channel, link loss is detected on failed requests")
		return
	}
	groutine.Go(d.ctx, "goble-connection-monitor", func(ctx context.Context) {
		select {
		case <-monitored.Disconnected():
			d.dropConnection(conn, nil)
		case <-conn.done:
		case <-ctx.Done():
		}
	})
}

// CancelConnection aborts a dial or drops an established link.
func (d *Driver) CancelConnection(p device.PeripheralID) {
	key := string(p)

	d.mu.Lock()
	if cancel, ok := d.dials.Get(key); ok {
		d.mu.Unlock()
		cancel()
		return
	}
	conn, ok := d.conns.Get(key)
	d.mu.Unlock()

	if !ok {
		d.emit("goble-disconnect-unknown", func() { d.delegate.Disconnected(p, nil) })
		return
	}

	conn.requested.Store(true)
	groutine.Go(d.ctx, "goble-cancel-connection", func(context.Context) {
		if err := conn.client.CancelConnection(); err != nil {
			d.logger.WithFields(logrus.Fields{
				"peripheral": p,
				"error":      err,
			}).Warn("Failed to cancel connection")
		}
		d.dropConnection(conn, nil)
	})
}

// dropConnection reports the end of conn exactly once. A requested drop carries no cause.
func (d *Driver) dropConnection(conn *connection, cause error) {
	if !conn.close() {
		return
	}
	key := string(conn.peripheral)
	d.mu.Lock()
	if cur, ok := d.conns.Get(key); ok && cur == conn {
		d.conns.Del(key)
	}
	d.mu.Unlock()

	switch {
	case conn.requested.Load():
		cause = nil
	case cause == nil:
		cause = &device.OperationError{Kind: device.KindDisconnected, Msg: "link lost"}
	}

	d.logger.WithFields(logrus.Fields{
		"peripheral": conn.peripheral,
		"requested":  conn.requested.Load(),
	}).Info("BLE device disconnected")
	d.delegate.Disconnected(conn.peripheral, cause)
}

// settle drops conn when a request failed because the link is gone
func (d *Driver) settle(conn *connection, err error) {
	if errors.Is(err, device.ErrDisconnected) {
		d.dropConnection(conn, err)
	}
}

// enqueue hands an ATT request to the connection of p, or fails it when there is none.
func (d *Driver) enqueue(p device.PeripheralID, name string, run func(conn *connection), fail func(err error)) {
	conn, ok := d.conns.Get(string(p))
	if !ok {
		err := notConnected(p)
		d.emit("goble-"+name+"-failed", func() { fail(err) })
		return
	}
	if err := conn.submit(op{name: name, run: func() { run(conn) }, fail: fail}); err != nil {
		d.emit("goble-"+name+"-failed", func() { fail(err) })
	}
}

// ----------------------------
// Discovery
// ----------------------------

func (d *Driver) DiscoverServices(p device.PeripheralID, filter []ble.UUID) {
	fail := func(err error) { d.delegate.ServicesDiscovered(p, nil, err) }
	d.enqueue(p, "discover-services", func(conn *connection) {
		svcs, err := conn.client.DiscoverServices(filter)
		if err != nil {
			norm := NormalizeError(err)
			fail(norm)
			d.settle(conn, norm)
			return
		}
		d.delegate.ServicesDiscovered(p, conn.indexServices(svcs), nil)
	}, fail)
}

func (d *Driver) DiscoverCharacteristics(p device.PeripheralID, service device.Handle, filter []ble.UUID) {
	fail := func(err error) { d.delegate.CharacteristicsDiscovered(p, service, nil, err) }
	d.enqueue(p, "discover-characteristics", func(conn *connection) {
		svc, ok := conn.service(service)
		if !ok {
			fail(unknownHandle("service"))
			return
		}
		chars, err := conn.client.DiscoverCharacteristics(filter, svc)
		if err != nil {
			norm := NormalizeError(err)
			fail(norm)
			d.settle(conn, norm)
			return
		}
		d.delegate.CharacteristicsDiscovered(p, service, conn.indexCharacteristics(service.(attrRef).path, chars), nil)
	}, fail)
}

func (d *Driver) DiscoverDescriptors(p device.PeripheralID, characteristic device.Handle, filter []ble.UUID) {
	fail := func(err error) { d.delegate.DescriptorsDiscovered(p, characteristic, nil, err) }
	d.enqueue(p, "discover-descriptors", func(conn *connection) {
		ch, path, ok := conn.characteristic(characteristic)
		if !ok {
			fail(unknownHandle("characteristic"))
			return
		}
		descs, err := conn.client.DiscoverDescriptors(filter, ch)
		if err != nil {
			norm := NormalizeError(err)
			fail(norm)
			d.settle(conn, norm)
			return
		}
		d.delegate.DescriptorsDiscovered(p, characteristic, conn.indexDescriptors(path, descs), nil)
	}, fail)
}

// ----------------------------
// Read / write
// ----------------------------

func (d *Driver) ReadValue(p device.PeripheralID, characteristic device.Handle) {
	fail := func(err error) { d.delegate.ValueUpdated(p, characteristic, nil, err) }
	d.enqueue(p, "read", func(conn *connection) {
		ch, _, ok := conn.characteristic(characteristic)
		if !ok {
			fail(unknownHandle("characteristic"))
			return
		}
		data, err := conn.client.ReadCharacteristic(ch)
		norm := NormalizeError(err)
		d.delegate.ValueUpdated(p, characteristic, data, norm)
		d.settle(conn, norm)
	}, fail)
}

func (d *Driver) WriteValue(p device.PeripheralID, characteristic device.Handle, data []byte, withResponse bool) {
	if withResponse {
		fail := func(err error) { d.delegate.ValueWritten(p, characteristic, err) }
		d.enqueue(p, "write", func(conn *connection) {
			ch, _, ok := conn.characteristic(characteristic)
			if !ok {
				fail(unknownHandle("characteristic"))
				return
			}
			norm := NormalizeError(conn.client.WriteCharacteristic(ch, data, false))
			d.delegate.ValueWritten(p, characteristic, norm)
			d.settle(conn, norm)
		}, fail)
		return
	}

	conn, ok := d.conns.Get(string(p))
	if !ok {
		d.logger.WithField("peripheral", p).Warn("Dropping write without response: not connected")
		return
	}
	conn.unacked.Add(1)
	drop := func(err error) {
		d.logger.WithFields(logrus.Fields{
			"peripheral": p,
			"error":      err,
		}).Warn("Write without response failed")
		d.writeSettled(conn)
	}
	if err := conn.submit(op{name: "write-without-response", run: func() {
		ch, _, ok := conn.characteristic(characteristic)
		if !ok {
			drop(unknownHandle("characteristic"))
			return
		}
		if err := NormalizeError(conn.client.WriteCharacteristic(ch, data, true)); err != nil {
			drop(err)
			d.settle(conn, err)
			return
		}
		d.writeSettled(conn)
	}, fail: drop}); err != nil {
		drop(err)
	}
}

// CanSendWriteWithoutResponse reports whether the write window of p has room. When it
// does not, ReadyToSendWithoutResponse follows once a queued write completes.
func (d *Driver) CanSendWriteWithoutResponse(p device.PeripheralID) bool {
	conn, ok := d.conns.Get(string(p))
	if !ok {
		return true
	}
	if conn.unacked.Load() < writeWindow {
		return true
	}
	conn.wantReady.Store(true)
	if conn.unacked.Load() < writeWindow && conn.wantReady.CompareAndSwap(true, false) {
		return true
	}
	return false
}

func (d *Driver) writeSettled(conn *connection) {
	if conn.unacked.Add(-1) < writeWindow && conn.wantReady.CompareAndSwap(true, false) {
		d.delegate.ReadyToSendWithoutResponse(conn.peripheral)
	}
}

// ----------------------------
// Notifications
// ----------------------------

func (d *Driver) SetNotifyValue(p device.PeripheralID, characteristic device.Handle, enabled bool) {
	fail := func(err error) { d.delegate.NotificationStateChanged(p, characteristic, enabled, err) }
	d.enqueue(p, "set-notify", func(conn *connection) {
		ch, path, ok := conn.characteristic(characteristic)
		if !ok {
			fail(unknownHandle("characteristic"))
			return
		}
		var err error
		if enabled {
			err = d.subscribe(conn, p, characteristic, ch, path)
		} else {
			err = d.unsubscribe(conn, ch, path)
		}
		norm := NormalizeError(err)
		d.delegate.NotificationStateChanged(p, characteristic, enabled, norm)
		d.settle(conn, norm)
	}, fail)
}

func (d *Driver) subscribe(conn *connection, p device.PeripheralID, h device.Handle, ch *ble.Characteristic, path string) error {
	// indications only when the characteristic cannot notify
	ind := ch.Property&ble.CharNotify == 0 && ch.Property&ble.CharIndicate != 0

	// the linux client needs the CCCD, which is found by descriptor discovery
	if ch.CCCD == nil && len(ch.Descriptors) == 0 {
		if _, err := conn.client.DiscoverDescriptors(nil, ch); err != nil {
			return err
		}
	}

	err := conn.client.Subscribe(ch, ind, func(data []byte) {
		d.delegate.ValueUpdated(p, h, append([]byte(nil), data...), nil)
	})
	if err != nil {
		return err
	}
	conn.subscribed[path] = ind
	return nil
}

func (d *Driver) unsubscribe(conn *connection, ch *ble.Characteristic, path string) error {
	ind, ok := conn.subscribed[path]
	if !ok {
		return nil
	}
	delete(conn.subscribed, path)
	return conn.client.Unsubscribe(ch, ind)
}

// ----------------------------
// MTU
// ----------------------------

// ReadMTU reports the negotiated ATT MTU. The exchange happens once per link;
// platforms that cannot exchange report the default MTU, as do unconnected peripherals.
func (d *Driver) ReadMTU(p device.PeripheralID) {
	if _, ok := d.conns.Get(string(p)); !ok {
		d.emit("goble-mtu-default", func() { d.delegate.MTUUpdated(p, ble.DefaultMTU, nil) })
		return
	}
	d.enqueue(p, "mtu", func(conn *connection) {
		if conn.mtu == 0 {
			mtu, err := conn.client.ExchangeMTU(ble.MaxMTU)
			if err != nil {
				d.logger.WithFields(logrus.Fields{
					"peripheral": p,
					"error":      err,
				}).Debug("MTU exchange failed, assuming the default")
				mtu = ble.DefaultMTU
			}
			conn.mtu = mtu
		}
		d.delegate.MTUUpdated(p, conn.mtu, nil)
	}, func(err error) { d.delegate.MTUUpdated(p, 0, err) })
}
