package central

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/device"
)

// cascade handles a peripheral leaving the connection: the disconnect event is
// published first, then every pending operation keyed to p fails with
// ErrDisconnected (wrapping cause) and the peripheral's attributes are dropped.
func (s *Session) cascade(p device.PeripheralID, cause error) {
	prev := device.StateDisconnected
	if rec, ok := s.cache.Peripheral(p); ok {
		prev = rec.state
		rec.state = device.StateDisconnected
	}

	s.disconnects.Send(DisconnectEvent{Peripheral: p, Time: time.Now(), Cause: cause})

	err := &device.OperationError{
		Kind:  device.KindDisconnected,
		Msg:   fmt.Sprintf("peripheral %s disconnected", p),
		Cause: cause,
	}
	drained := s.registry.DrainPeripheral(p, err)
	invalidated := s.cache.InvalidateAttributes(p)

	entry := s.log.WithFields(logrus.Fields{
		"peripheral":  p,
		"from":        prev.String(),
		"drained":     drained,
		"invalidated": len(invalidated),
	})
	if cause != nil {
		entry.WithError(cause).Warn("Peripheral disconnected")
		return
	}
	entry.Info("Peripheral disconnected")
}

// powerLost tears everything down after the radio leaves PowerOn: the scan
// stream fails, every live peripheral cascades and whatever is still pending
// fails with ErrInvalidState.
func (s *Session) powerLost(state device.PowerState) {
	err := &device.OperationError{
		Kind: device.KindInvalidState,
		Msg:  fmt.Sprintf("radio power is %s", state),
	}

	if entry, ok := s.registry.Pop(KindScan, Key{}); ok {
		entry.Fail(err)
	}
	s.setScanning(false)

	for _, p := range s.cache.Peripherals() {
		rec, _ := s.cache.Peripheral(p)
		if rec.state != device.StateDisconnected {
			s.cascade(p, err)
		}
	}

	if n := s.registry.DrainAll(err); n > 0 {
		s.log.WithField("drained", n).Debug("Failed remaining operations after power loss")
	}
}

// dropInvalidated fails operations that reference attributes a re-discovery
// removed from the cache.
func (s *Session) dropInvalidated(p device.PeripheralID, invalidated []invalidation) {
	if len(invalidated) == 0 {
		return
	}
	byID := make(map[device.AttributeID]invalidation, len(invalidated))
	for _, inv := range invalidated {
		byID[inv.id] = inv
	}
	n := s.registry.DrainWhere(
		func(_ Kind, key Key) bool {
			if key.Peripheral != p || key.Attribute == 0 {
				return false
			}
			_, ok := byID[key.Attribute]
			return ok
		},
		func(_ Kind, key Key) error { return byID[key.Attribute].err() },
	)
	if n > 0 {
		s.log.WithFields(logrus.Fields{
			"peripheral": p,
			"drained":    n,
		}).Debug("Failed operations on invalidated attributes")
	}
}
