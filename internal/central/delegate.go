package central

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/stream"
)

// driverDelegate receives driver callbacks on arbitrary goroutines and replays
// them on the session worker, in arrival order.
type driverDelegate struct {
	s *Session
}

var _ device.Delegate = (*driverDelegate)(nil)

func (d *driverDelegate) PowerStateChanged(state device.PowerState) {
	d.s.dispatch("power-state-changed", func() { d.s.onPowerState(state) })
}

func (d *driverDelegate) WillRestore(peripherals []device.RestoredPeripheral) {
	restored := append([]device.RestoredPeripheral(nil), peripherals...)
	d.s.dispatch("will-restore", func() { d.s.onWillRestore(restored) })
}

func (d *driverDelegate) PeripheralDiscovered(p device.PeripheralID, adv device.Advertisement, rssi int) {
	observed := time.Now()
	d.s.dispatch("peripheral-discovered", func() { d.s.onPeripheralDiscovered(p, adv, rssi, observed) })
}

func (d *driverDelegate) ScanStopped(cause error) {
	d.s.dispatch("scan-stopped", func() { d.s.onScanStopped(cause) })
}

func (d *driverDelegate) ConnectSucceeded(p device.PeripheralID) {
	d.s.dispatch("connect-succeeded", func() { d.s.onConnectSucceeded(p) })
}

func (d *driverDelegate) ConnectFailed(p device.PeripheralID, cause error) {
	d.s.dispatch("connect-failed", func() { d.s.onConnectFailed(p, cause) })
}

func (d *driverDelegate) Disconnected(p device.PeripheralID, cause error) {
	d.s.dispatch("disconnected", func() { d.s.cascade(p, cause) })
}

func (d *driverDelegate) ServicesDiscovered(p device.PeripheralID, services []device.DiscoveredService, cause error) {
	services = append([]device.DiscoveredService(nil), services...)
	d.s.dispatch("services-discovered", func() { d.s.onServicesDiscovered(p, services, cause) })
}

func (d *driverDelegate) CharacteristicsDiscovered(p device.PeripheralID, service device.Handle, characteristics []device.DiscoveredCharacteristic, cause error) {
	characteristics = append([]device.DiscoveredCharacteristic(nil), characteristics...)
	d.s.dispatch("characteristics-discovered", func() { d.s.onCharacteristicsDiscovered(p, service, characteristics, cause) })
}

func (d *driverDelegate) DescriptorsDiscovered(p device.PeripheralID, characteristic device.Handle, descriptors []device.DiscoveredDescriptor, cause error) {
	descriptors = append([]device.DiscoveredDescriptor(nil), descriptors...)
	d.s.dispatch("descriptors-discovered", func() { d.s.onDescriptorsDiscovered(p, characteristic, descriptors, cause) })
}

func (d *driverDelegate) ValueUpdated(p device.PeripheralID, characteristic device.Handle, data []byte, cause error) {
	value := append([]byte(nil), data...)
	d.s.dispatch("value-updated", func() { d.s.onValueUpdated(p, characteristic, value, cause) })
}

func (d *driverDelegate) ValueWritten(p device.PeripheralID, characteristic device.Handle, cause error) {
	d.s.dispatch("value-written", func() { d.s.onValueWritten(p, characteristic, cause) })
}

func (d *driverDelegate) NotificationStateChanged(p device.PeripheralID, characteristic device.Handle, enabled bool, cause error) {
	d.s.dispatch("notification-state-changed", func() { d.s.onNotificationState(p, characteristic, enabled, cause) })
}

func (d *driverDelegate) ReadyToSendWithoutResponse(p device.PeripheralID) {
	d.s.dispatch("ready-to-send", func() { d.s.onReadyToSend(p) })
}

func (d *driverDelegate) MTUUpdated(p device.PeripheralID, mtu int, cause error) {
	d.s.dispatch("mtu-updated", func() { d.s.onMTU(p, mtu, cause) })
}

// ----------------------------
// Handlers (worker only)
// ----------------------------

func (s *Session) inconsistency(msg string, fields logrus.Fields) {
	s.log.WithFields(fields).Warn("Internal inconsistency: " + msg)
}

func (s *Session) onPowerState(state device.PowerState) {
	prev := s.powerState
	s.powerState = state
	s.power.Store(int32(state))
	s.powerStates.Send(state)

	s.log.WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   state.String(),
	}).Info("Radio power state changed")

	if state == device.PowerOn {
		for w := range s.powerWaiters {
			w.Resolve(struct{}{})
		}
		clear(s.powerWaiters)
	}
	if prev == device.PowerOn && state != device.PowerOn {
		s.powerLost(state)
	}
}

func (s *Session) onWillRestore(peripherals []device.RestoredPeripheral) {
	for _, r := range peripherals {
		rec := s.cache.Observe(r.Peripheral)
		rec.state = r.State
	}
	s.log.WithField("peripherals", len(peripherals)).Info("Restored peripherals from platform state")
}

func (s *Session) onPeripheralDiscovered(p device.PeripheralID, adv device.Advertisement, rssi int, observed time.Time) {
	rec := s.cache.Observe(p)
	rec.lastSeen = observed
	rec.rssi = rssi
	rec.advertisement = adv

	entry, ok := s.registry.Peek(KindScan, Key{})
	if !ok {
		s.log.WithField("peripheral", p).Debug("Advertisement received with no active scan")
		return
	}
	entry.(*stream.Stream[device.ScanResult]).Push(device.ScanResult{
		Peripheral:    p,
		Timestamp:     observed,
		RSSI:          rssi,
		Advertisement: adv,
		Connectable:   adv.Connectable,
	})
}

func (s *Session) onScanStopped(cause error) {
	entry, ok := s.registry.Pop(KindScan, Key{})
	s.setScanning(false)
	if !ok {
		s.log.WithError(cause).Debug("Driver stopped a scan nobody is consuming")
		return
	}
	results := entry.(*stream.Stream[device.ScanResult])
	if cause != nil {
		s.log.WithError(cause).Warn("Scan failed")
		results.Fail(device.DriverFailure(cause))
		return
	}
	results.Finish()
}

func (s *Session) onConnectSucceeded(p device.PeripheralID) {
	rec := s.cache.Observe(p)
	key := Key{Peripheral: p}

	if rec.state == device.StateDisconnecting {
		// disconnect was requested while connecting; the driver reports the drop next
		s.log.WithField("peripheral", p).Debug("Connect completed after disconnect was requested")
		return
	}

	entry, ok := s.registry.Take(KindConnect, key)
	rec.state = device.StateConnected
	if ok {
		entry.(*Promise[struct{}]).Resolve(struct{}{})
	}
	s.log.WithField("peripheral", p).Info("Peripheral connected")
}

func (s *Session) onConnectFailed(p device.PeripheralID, cause error) {
	if cause == nil {
		cause = errors.New("connection failed")
	}
	key := Key{Peripheral: p}
	if entry, ok := s.registry.Pop(KindConnect, key); ok {
		entry.Fail(device.DriverFailure(cause))
	} else if rec, known := s.cache.Peripheral(p); !known || rec.state != device.StateDisconnecting {
		s.inconsistency("connect failure without a pending connect", logrus.Fields{"peripheral": p})
	}
	s.log.WithFields(logrus.Fields{
		"peripheral": p,
		"error":      cause,
	}).Warn("Failed to connect to peripheral")
	s.cascade(p, cause)
}

func (s *Session) onServicesDiscovered(p device.PeripheralID, discovered []device.DiscoveredService, cause error) {
	entry, ok := s.registry.Take(KindDiscoverServices, Key{Peripheral: p})
	if !ok {
		return
	}
	req := entry.(*servicesRequest)
	if cause != nil {
		req.Fail(device.DriverFailure(cause))
		return
	}
	services, invalidated := s.cache.MergeServices(p, discovered, req.filter)
	s.dropInvalidated(p, invalidated)
	s.log.WithFields(logrus.Fields{
		"peripheral":  p,
		"services":    len(services),
		"invalidated": len(invalidated),
	}).Debug("Services discovered")
	req.Resolve(services)
}

func (s *Session) onCharacteristicsDiscovered(p device.PeripheralID, service device.Handle, discovered []device.DiscoveredCharacteristic, cause error) {
	id, ok := s.cache.AttributeByHandle(p, service)
	if !ok {
		s.inconsistency("characteristics discovered for an unknown service", logrus.Fields{"peripheral": p})
		return
	}
	entry, ok := s.registry.Take(KindDiscoverCharacteristics, Key{Peripheral: p, Attribute: id})
	if !ok {
		return
	}
	req := entry.(*characteristicsRequest)
	if cause != nil {
		req.Fail(device.DriverFailure(cause))
		return
	}
	characteristics, invalidated := s.cache.MergeCharacteristics(p, id, discovered, req.filter)
	s.dropInvalidated(p, invalidated)
	s.log.WithFields(logrus.Fields{
		"peripheral":      p,
		"service":         id,
		"characteristics": len(characteristics),
	}).Debug("Characteristics discovered")
	req.Resolve(characteristics)
}

func (s *Session) onDescriptorsDiscovered(p device.PeripheralID, characteristic device.Handle, discovered []device.DiscoveredDescriptor, cause error) {
	id, ok := s.cache.AttributeByHandle(p, characteristic)
	if !ok {
		s.inconsistency("descriptors discovered for an unknown characteristic", logrus.Fields{"peripheral": p})
		return
	}
	entry, ok := s.registry.Take(KindDiscoverDescriptors, Key{Peripheral: p, Attribute: id})
	if !ok {
		return
	}
	req := entry.(*descriptorsRequest)
	if cause != nil {
		req.Fail(device.DriverFailure(cause))
		return
	}
	descriptors, invalidated := s.cache.MergeDescriptors(p, id, discovered, req.filter)
	s.dropInvalidated(p, invalidated)
	req.Resolve(descriptors)
}

// onValueUpdated disambiguates the shared value callback: a pending read wins,
// otherwise the value is a notification.
func (s *Session) onValueUpdated(p device.PeripheralID, characteristic device.Handle, data []byte, cause error) {
	id, ok := s.cache.AttributeByHandle(p, characteristic)
	if !ok {
		s.inconsistency("value update for an unknown characteristic", logrus.Fields{"peripheral": p})
		return
	}
	key := Key{Peripheral: p, Attribute: id}

	if entry, ok := s.registry.Pop(KindRead, key); ok {
		read := entry.(*Promise[[]byte])
		if cause != nil {
			read.Fail(device.DriverFailure(cause))
			return
		}
		read.Resolve(data)
		if s.opts.FeedNotifyOnRead {
			if entry, ok := s.registry.Peek(KindNotify, key); ok {
				entry.(*stream.Stream[[]byte]).Push(append([]byte(nil), data...))
			}
		}
		return
	}

	if entry, ok := s.registry.Peek(KindNotify, key); ok {
		values := entry.(*stream.Stream[[]byte])
		if cause != nil {
			s.registry.Pop(KindNotify, key)
			s.log.WithFields(logrus.Fields{
				"peripheral":     p,
				"characteristic": id,
				"error":          cause,
			}).Warn("Notification delivery failed")
			values.Fail(device.DriverFailure(cause))
			return
		}
		values.Push(data)
		return
	}

	s.inconsistency("value update with neither a pending read nor an active notification", logrus.Fields{
		"peripheral":     p,
		"characteristic": id,
	})
}

func (s *Session) onValueWritten(p device.PeripheralID, characteristic device.Handle, cause error) {
	id, ok := s.cache.AttributeByHandle(p, characteristic)
	if !ok {
		s.inconsistency("write acknowledged for an unknown characteristic", logrus.Fields{"peripheral": p})
		return
	}
	entry, ok := s.registry.Take(KindWrite, Key{Peripheral: p, Attribute: id})
	if !ok {
		return
	}
	done := entry.(*Promise[struct{}])
	if cause != nil {
		done.Fail(device.DriverFailure(cause))
		return
	}
	done.Resolve(struct{}{})
}

func (s *Session) onNotificationState(p device.PeripheralID, characteristic device.Handle, enabled bool, cause error) {
	id, ok := s.cache.AttributeByHandle(p, characteristic)
	if !ok {
		s.inconsistency("notification state change for an unknown characteristic", logrus.Fields{"peripheral": p})
		return
	}
	key := Key{Peripheral: p, Attribute: id}

	if enabled {
		var entry Pending
		if _, stopping := s.registry.Peek(KindNotifyStop, key); stopping {
			// start cancelled by its caller; the late acknowledgement is expected
			entry, ok = s.registry.Pop(KindNotifyStart, key)
		} else {
			entry, ok = s.registry.Take(KindNotifyStart, key)
		}
		if !ok {
			return
		}
		req := entry.(*notifyStart)
		if cause != nil {
			req.Fail(device.DriverFailure(cause))
			return
		}
		s.registry.Insert(KindNotify, key, req.values)
		req.Resolve(struct{}{})
		return
	}

	entry, ok := s.registry.Take(KindNotifyStop, key)
	if !ok {
		return
	}
	done := entry.(*Promise[struct{}])
	if cause != nil {
		done.Fail(device.DriverFailure(cause))
		return
	}
	if values, ok := s.registry.Pop(KindNotify, key); ok {
		values.(*stream.Stream[[]byte]).Finish()
	}
	done.Resolve(struct{}{})
}

func (s *Session) onReadyToSend(p device.PeripheralID) {
	entry, ok := s.registry.Take(KindReadyToWrite, Key{Peripheral: p})
	if !ok {
		return
	}
	req := entry.(*readyWrite)
	handle, err := s.requireCharacteristic(req.characteristic)
	if err != nil {
		req.Fail(err)
		return
	}
	s.driver.WriteValue(p, handle, req.data, false)
	req.Resolve(struct{}{})
}

func (s *Session) onMTU(p device.PeripheralID, mtu int, cause error) {
	entry, ok := s.registry.Take(KindMTU, Key{Peripheral: p})
	if !ok {
		return
	}
	done := entry.(*Promise[int])
	if cause != nil {
		done.Fail(device.DriverFailure(cause))
		return
	}
	done.Resolve(mtu)
}
