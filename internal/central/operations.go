package central

import (
	"context"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/stream"
)

// ----------------------------
// Scanning
// ----------------------------

// Scan starts scanning and returns the stream of results.
//
// A scan already in progress is superseded: its stream fails with ErrCancelled,
// then disconnected peripherals with nothing pending are evicted from the cache,
// then the new scan starts. The returned stream ends on StopScan (normally),
// on a driver error, on power loss, or with ErrCancelled when ctx ends.
func (s *Session) Scan(ctx context.Context, filter []ble.UUID, allowDuplicates bool) (*stream.Stream[device.ScanResult], error) {
	results := stream.New[device.ScanResult](s.opts.ScanBuffer)
	started := newPromise[struct{}]()

	if err := s.post(ctx, func() {
		if err := s.requirePoweredOn(); err != nil {
			started.Fail(err)
			return
		}
		s.registry.Insert(KindScan, Key{}, results)
		evicted := s.cache.Evict(func(rec *peripheralRecord) bool {
			return rec.state != device.StateDisconnected || s.registry.HasPending(rec.id)
		})
		s.driver.Scan(filter, allowDuplicates)
		s.setScanning(true)
		s.log.WithFields(logrus.Fields{
			"filter":           len(filter),
			"allow_duplicates": allowDuplicates,
			"evicted":          len(evicted),
		}).Info("Scan started")
		started.Resolve(struct{}{})
	}); err != nil {
		return nil, err
	}

	cancelScan := func() {
		s.driver.StopScan()
		s.setScanning(false)
		results.Fail(device.Cancelled("scan cancelled", ctx.Err()))
		s.log.Info("Scan cancelled by caller")
	}

	if _, err := await(s, ctx, started, slot{kind: KindScan, entry: results}, cancelScan); err != nil {
		return nil, err
	}

	s.watch(ctx, "central-scan-watch", results.Done(), func() {
		if s.registry.RemoveIf(KindScan, Key{}, results) {
			cancelScan()
		}
	})
	return results, nil
}

// StopScan stops the active scan and finishes its stream normally.
// It is a no-op when no scan is active.
func (s *Session) StopScan(ctx context.Context) error {
	_, err := query(s, ctx, func() (struct{}, error) {
		entry, ok := s.registry.Pop(KindScan, Key{})
		if !ok {
			return struct{}{}, nil
		}
		s.driver.StopScan()
		s.setScanning(false)
		entry.(*stream.Stream[device.ScanResult]).Finish()
		s.log.Info("Scan stopped")
		return struct{}{}, nil
	})
	return err
}

// watch runs onCancel on the worker if ctx ends before done closes.
func (s *Session) watch(ctx context.Context, name string, done <-chan struct{}, onCancel func()) {
	if ctx.Done() == nil {
		return
	}
	groutine.Go(context.Background(), name, func(context.Context) {
		select {
		case <-ctx.Done():
			_ = s.post(context.Background(), onCancel)
		case <-done:
		case <-s.stopped:
		}
	})
}

// ----------------------------
// Connection lifecycle
// ----------------------------

// Connect connects to a cached peripheral and returns once the driver reports
// success or failure. Connecting an already connected peripheral succeeds immediately.
func (s *Session) Connect(ctx context.Context, p device.PeripheralID) error {
	done := newPromise[struct{}]()
	key := Key{Peripheral: p}

	if err := s.post(ctx, func() {
		rec, err := s.requireCached(p)
		if err != nil {
			done.Fail(err)
			return
		}
		if rec.state == device.StateConnected {
			done.Resolve(struct{}{})
			return
		}
		s.registry.Insert(KindConnect, key, done)
		rec.state = device.StateConnecting
		s.driver.Connect(p)
		s.log.WithField("peripheral", p).Info("Connecting to peripheral...")
	}); err != nil {
		return err
	}

	_, err := await(s, ctx, done, slot{kind: KindConnect, key: key, entry: done}, func() {
		if rec, ok := s.cache.Peripheral(p); ok && rec.state == device.StateConnecting {
			rec.state = device.StateDisconnecting
		}
		s.driver.CancelConnection(p)
	})
	return err
}

// Disconnect asks the driver to drop the connection to p. Completion is observed
// on the disconnect stream.
func (s *Session) Disconnect(ctx context.Context, p device.PeripheralID) error {
	_, err := query(s, ctx, func() (struct{}, error) {
		rec, ok := s.cache.Peripheral(p)
		if !ok {
			return struct{}{}, &device.OperationError{Kind: device.KindUnknownPeripheral, Msg: fmt.Sprintf("peripheral %s was never observed", p)}
		}
		s.requestDisconnect(rec)
		return struct{}{}, nil
	})
	return err
}

// DisconnectAll asks the driver to drop every connected or connecting peripheral.
func (s *Session) DisconnectAll(ctx context.Context) error {
	_, err := query(s, ctx, func() (struct{}, error) {
		for _, id := range s.cache.Peripherals() {
			rec, _ := s.cache.Peripheral(id)
			s.requestDisconnect(rec)
		}
		return struct{}{}, nil
	})
	return err
}

func (s *Session) requestDisconnect(rec *peripheralRecord) {
	if rec.state != device.StateConnected && rec.state != device.StateConnecting {
		return
	}
	rec.state = device.StateDisconnecting
	s.driver.CancelConnection(rec.id)
	s.log.WithField("peripheral", rec.id).Info("Disconnecting peripheral...")
}

// ----------------------------
// Discovery
// ----------------------------

type servicesRequest struct {
	*Promise[[]device.Service]
	filter []ble.UUID
}

type characteristicsRequest struct {
	*Promise[[]device.Characteristic]
	filter []ble.UUID
}

type descriptorsRequest struct {
	*Promise[[]device.Descriptor]
	filter []ble.UUID
}

// DiscoverServices discovers the services of a connected peripheral.
// An empty filter discovers all services.
func (s *Session) DiscoverServices(ctx context.Context, p device.PeripheralID, filter []ble.UUID) ([]device.Service, error) {
	req := &servicesRequest{Promise: newPromise[[]device.Service](), filter: filter}
	key := Key{Peripheral: p}

	if err := s.post(ctx, func() {
		if _, err := s.requireConnected(p); err != nil {
			req.Fail(err)
			return
		}
		s.registry.Insert(KindDiscoverServices, key, req)
		s.driver.DiscoverServices(p, filter)
	}); err != nil {
		return nil, err
	}
	return await(s, ctx, req.Promise, slot{kind: KindDiscoverServices, key: key, entry: req}, nil)
}

// DiscoverCharacteristics discovers the characteristics of a service.
func (s *Session) DiscoverCharacteristics(ctx context.Context, svc device.Service, filter []ble.UUID) ([]device.Characteristic, error) {
	req := &characteristicsRequest{Promise: newPromise[[]device.Characteristic](), filter: filter}
	key := Key{Peripheral: svc.Peripheral, Attribute: svc.ID}

	if err := s.post(ctx, func() {
		handle, err := s.requireService(svc)
		if err != nil {
			req.Fail(err)
			return
		}
		s.registry.Insert(KindDiscoverCharacteristics, key, req)
		s.driver.DiscoverCharacteristics(svc.Peripheral, handle, filter)
	}); err != nil {
		return nil, err
	}
	return await(s, ctx, req.Promise, slot{kind: KindDiscoverCharacteristics, key: key, entry: req}, nil)
}

// DiscoverDescriptors discovers the descriptors of a characteristic.
func (s *Session) DiscoverDescriptors(ctx context.Context, c device.Characteristic, filter []ble.UUID) ([]device.Descriptor, error) {
	req := &descriptorsRequest{Promise: newPromise[[]device.Descriptor](), filter: filter}
	key := Key{Peripheral: c.Peripheral, Attribute: c.ID}

	if err := s.post(ctx, func() {
		handle, err := s.requireCharacteristic(c)
		if err != nil {
			req.Fail(err)
			return
		}
		s.registry.Insert(KindDiscoverDescriptors, key, req)
		s.driver.DiscoverDescriptors(c.Peripheral, handle, filter)
	}); err != nil {
		return nil, err
	}
	return await(s, ctx, req.Promise, slot{kind: KindDiscoverDescriptors, key: key, entry: req}, nil)
}

// ----------------------------
// Read / write
// ----------------------------

// ReadValue reads a characteristic value.
func (s *Session) ReadValue(ctx context.Context, c device.Characteristic) ([]byte, error) {
	done := newPromise[[]byte]()
	key := Key{Peripheral: c.Peripheral, Attribute: c.ID}

	if err := s.post(ctx, func() {
		handle, err := s.requireCharacteristic(c)
		if err != nil {
			done.Fail(err)
			return
		}
		s.registry.Insert(KindRead, key, done)
		s.driver.ReadValue(c.Peripheral, handle)
	}); err != nil {
		return nil, err
	}
	return await(s, ctx, done, slot{kind: KindRead, key: key, entry: done}, nil)
}

// readyWrite is an unacknowledged write parked until the driver can send again.
type readyWrite struct {
	*Promise[struct{}]
	characteristic device.Characteristic
	data           []byte
}

// WriteValue writes data to a characteristic.
//
// With withResponse the call returns when the peripheral acknowledges the write.
// Without it the call returns once the write has been handed to the driver; if the
// driver cannot accept it yet, the write waits for the ready-to-send signal.
func (s *Session) WriteValue(ctx context.Context, data []byte, c device.Characteristic, withResponse bool) error {
	payload := append([]byte(nil), data...)
	if withResponse {
		return s.writeWithResponse(ctx, payload, c)
	}

	req := &readyWrite{Promise: newPromise[struct{}](), characteristic: c, data: payload}
	key := Key{Peripheral: c.Peripheral}

	if err := s.post(ctx, func() {
		handle, err := s.requireCharacteristic(c)
		if err != nil {
			req.Fail(err)
			return
		}
		// a parked write must not be overtaken: the newer one supersedes it and waits in its place
		_, parked := s.registry.Peek(KindReadyToWrite, key)
		if !parked && s.driver.CanSendWriteWithoutResponse(c.Peripheral) {
			s.driver.WriteValue(c.Peripheral, handle, payload, false)
			req.Resolve(struct{}{})
			return
		}
		s.registry.Insert(KindReadyToWrite, key, req)
		s.log.WithField("peripheral", c.Peripheral).Debug("Write without response waiting for driver readiness")
	}); err != nil {
		return err
	}
	_, err := await(s, ctx, req.Promise, slot{kind: KindReadyToWrite, key: key, entry: req}, nil)
	return err
}

func (s *Session) writeWithResponse(ctx context.Context, data []byte, c device.Characteristic) error {
	done := newPromise[struct{}]()
	key := Key{Peripheral: c.Peripheral, Attribute: c.ID}

	if err := s.post(ctx, func() {
		handle, err := s.requireCharacteristic(c)
		if err != nil {
			done.Fail(err)
			return
		}
		s.registry.Insert(KindWrite, key, done)
		s.driver.WriteValue(c.Peripheral, handle, data, true)
	}); err != nil {
		return err
	}
	_, err := await(s, ctx, done, slot{kind: KindWrite, key: key, entry: done}, nil)
	return err
}

// ----------------------------
// Notifications
// ----------------------------

// notifyStart holds the stream a successful notify-start installs.
type notifyStart struct {
	*Promise[struct{}]
	values *stream.Stream[[]byte]
}

// Notify enables notifications and returns the stream of payloads.
//
// The stream stays open until StopNotifications (normal end), disconnect
// (ErrDisconnected), a newer Notify on the same characteristic (ErrCancelled)
// or until ctx ends, which also disables notifications on the peripheral.
func (s *Session) Notify(ctx context.Context, c device.Characteristic) (*stream.Stream[[]byte], error) {
	req := &notifyStart{Promise: newPromise[struct{}](), values: stream.New[[]byte](s.opts.NotifyBuffer)}
	key := Key{Peripheral: c.Peripheral, Attribute: c.ID}

	if err := s.post(ctx, func() {
		handle, err := s.requireCharacteristic(c)
		if err != nil {
			req.Fail(err)
			return
		}
		s.registry.Insert(KindNotifyStart, key, req)
		s.driver.SetNotifyValue(c.Peripheral, handle, true)
	}); err != nil {
		return nil, err
	}

	if _, err := await(s, ctx, req.Promise, slot{kind: KindNotifyStart, key: key, entry: req}, func() {
		s.disableNotifications(c)
	}); err != nil {
		req.values.Fail(err)
		return nil, err
	}

	s.watch(ctx, "central-notify-watch", req.values.Done(), func() {
		if s.registry.RemoveIf(KindNotify, key, req.values) {
			req.values.Fail(device.Cancelled("notifications cancelled", ctx.Err()))
			s.disableNotifications(c)
		}
	})
	return req.values, nil
}

// StopNotifications disables notifications and finishes the characteristic's stream.
func (s *Session) StopNotifications(ctx context.Context, c device.Characteristic) error {
	done := newPromise[struct{}]()
	key := Key{Peripheral: c.Peripheral, Attribute: c.ID}

	if err := s.post(ctx, func() {
		handle, err := s.requireCharacteristic(c)
		if err != nil {
			done.Fail(err)
			return
		}
		s.registry.Insert(KindNotifyStop, key, done)
		s.driver.SetNotifyValue(c.Peripheral, handle, false)
	}); err != nil {
		return err
	}
	_, err := await(s, ctx, done, slot{kind: KindNotifyStop, key: key, entry: done}, nil)
	return err
}

// disableNotifications turns notifications off on behalf of a cancelled caller.
// The stop is registered so its acknowledgement is expected.
func (s *Session) disableNotifications(c device.Characteristic) {
	key := Key{Peripheral: c.Peripheral, Attribute: c.ID}
	if _, pending := s.registry.Peek(KindNotifyStop, key); pending {
		return
	}
	handle, err := s.cache.CharacteristicHandle(c)
	if err != nil {
		return
	}
	if rec, ok := s.cache.Peripheral(c.Peripheral); !ok || rec.state != device.StateConnected {
		return
	}
	s.registry.Insert(KindNotifyStop, key, newPromise[struct{}]())
	s.driver.SetNotifyValue(c.Peripheral, handle, false)
}

// ----------------------------
// MTU
// ----------------------------

// MaximumTransmissionUnit returns the driver-reported MTU of a cached peripheral.
// The peripheral does not need to be connected.
func (s *Session) MaximumTransmissionUnit(ctx context.Context, p device.PeripheralID) (int, error) {
	done := newPromise[int]()
	key := Key{Peripheral: p}

	if err := s.post(ctx, func() {
		if _, err := s.requireCached(p); err != nil {
			done.Fail(err)
			return
		}
		s.registry.Insert(KindMTU, key, done)
		s.driver.ReadMTU(p)
	}); err != nil {
		return 0, err
	}
	return await(s, ctx, done, slot{kind: KindMTU, key: key, entry: done}, nil)
}

// ----------------------------
// Observers
// ----------------------------

// ConnectionState returns the observed connection state of a cached peripheral.
func (s *Session) ConnectionState(ctx context.Context, p device.PeripheralID) (device.ConnectionState, error) {
	return query(s, ctx, func() (device.ConnectionState, error) {
		rec, ok := s.cache.Peripheral(p)
		if !ok {
			return device.StateDisconnected, &device.OperationError{Kind: device.KindUnknownPeripheral, Msg: fmt.Sprintf("peripheral %s was never observed", p)}
		}
		return rec.state, nil
	})
}

// Peripherals returns every cached peripheral.
func (s *Session) Peripherals(ctx context.Context) ([]device.PeripheralID, error) {
	return query(s, ctx, func() ([]device.PeripheralID, error) {
		return s.cache.Peripherals(), nil
	})
}

// PendingOperations returns the number of registry entries keyed to p.
func (s *Session) PendingOperations(ctx context.Context, p device.PeripheralID) (int, error) {
	return query(s, ctx, func() (int, error) {
		return s.registry.LenFor(p), nil
	})
}

// WaitPoweredOn blocks until the radio reports PowerOn.
func (s *Session) WaitPoweredOn(ctx context.Context) error {
	waiter := newPromise[struct{}]()
	if err := s.post(ctx, func() {
		if s.powerState == device.PowerOn {
			waiter.Resolve(struct{}{})
			return
		}
		s.powerWaiters[waiter] = struct{}{}
	}); err != nil {
		return err
	}

	select {
	case <-waiter.Done():
	case <-s.stopped:
		waiter.Fail(device.ErrClosed)
	case <-ctx.Done():
		err := device.Cancelled(fmt.Sprintf("waiting for power on (power is %s)", s.PowerState()), ctx.Err())
		_ = s.post(context.Background(), func() {
			delete(s.powerWaiters, waiter)
		})
		waiter.Fail(err)
	}
	_, err := waiter.Result()
	return err
}
