package central

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/device"
)

// Kind identifies the type of pending operation held in a registry slot
type Kind int

const (
	KindScan Kind = iota
	KindConnect
	KindDiscoverServices
	KindDiscoverCharacteristics
	KindDiscoverDescriptors
	KindRead
	KindWrite
	KindNotifyStart
	KindNotifyStop
	KindNotify // the live notification stream of a characteristic
	KindReadyToWrite
	KindMTU

	kindCount
)

var kindNames = [...]string{
	KindScan:                    "scan",
	KindConnect:                 "connect",
	KindDiscoverServices:        "discover-services",
	KindDiscoverCharacteristics: "discover-characteristics",
	KindDiscoverDescriptors:     "discover-descriptors",
	KindRead:                    "read",
	KindWrite:                   "write",
	KindNotifyStart:             "notify-start",
	KindNotifyStop:              "notify-stop",
	KindNotify:                  "notify",
	KindReadyToWrite:            "ready-to-write",
	KindMTU:                     "mtu",
}

func (k Kind) String() string {
	if k >= 0 && k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Key addresses a registry slot. Attribute is zero for peripheral-level
// operations (connect, discover-services, ready-to-write, mtu) and for scan,
// whose key is the zero Key.
type Key struct {
	Peripheral device.PeripheralID
	Attribute  device.AttributeID
}

func (k Key) String() string {
	if k.Attribute == 0 {
		return string(k.Peripheral)
	}
	return fmt.Sprintf("%s#%d", k.Peripheral, k.Attribute)
}

// Registry holds at most one pending operation per (Kind, Key).
//
// It is not safe for concurrent use: the session worker is its only user.
type Registry struct {
	slots  [kindCount]map[Key]Pending
	logger *logrus.Entry
}

// NewRegistry creates an empty registry that reports inconsistencies to logger
func NewRegistry(logger *logrus.Entry) *Registry {
	r := &Registry{logger: logger}
	for i := range r.slots {
		r.slots[i] = make(map[Key]Pending)
	}
	return r
}

// Insert stores entry under (kind, key). An entry already occupying the slot is
// resolved with a cancellation failure before the new one is stored.
func (r *Registry) Insert(kind Kind, key Key, entry Pending) {
	slot := r.slots[kind]
	if old, ok := slot[key]; ok {
		delete(slot, key)
		old.Fail(device.Cancelled(fmt.Sprintf("%s %s superseded by a newer request", kind, key), nil))
		r.logger.WithFields(logrus.Fields{
			"kind": kind.String(),
			"key":  key.String(),
		}).Debug("Superseded pending operation")
	}
	slot[key] = entry
}

// Take removes and returns the entry under (kind, key). A missing entry means the
// driver reported a completion nobody is waiting for; it is logged as an
// internal inconsistency and otherwise ignored.
func (r *Registry) Take(kind Kind, key Key) (Pending, bool) {
	entry, ok := r.Pop(kind, key)
	if !ok {
		r.logger.WithFields(logrus.Fields{
			"kind": kind.String(),
			"key":  key.String(),
		}).Warn("Internal inconsistency: driver completion without a pending operation")
	}
	return entry, ok
}

// Pop removes and returns the entry under (kind, key) without reporting a miss.
func (r *Registry) Pop(kind Kind, key Key) (Pending, bool) {
	slot := r.slots[kind]
	entry, ok := slot[key]
	if ok {
		delete(slot, key)
	}
	return entry, ok
}

// Peek returns the entry under (kind, key) without removing it.
func (r *Registry) Peek(kind Kind, key Key) (Pending, bool) {
	entry, ok := r.slots[kind][key]
	return entry, ok
}

// RemoveIf removes the entry under (kind, key) only if it is exactly entry.
// It is the removal path for externally cancelled operations: a slot that was
// meanwhile superseded or resolved is left untouched.
func (r *Registry) RemoveIf(kind Kind, key Key, entry Pending) bool {
	slot := r.slots[kind]
	if current, ok := slot[key]; ok && current == entry {
		delete(slot, key)
		return true
	}
	return false
}

// DrainPeripheral removes every entry, of every kind, whose key references p and
// fails it with err. It returns the number of entries drained.
func (r *Registry) DrainPeripheral(p device.PeripheralID, err error) int {
	return r.DrainWhere(
		func(_ Kind, key Key) bool { return key.Peripheral == p },
		func(Kind, Key) error { return err },
	)
}

// DrainWhere removes and fails every entry matching match, using errFor to build
// each failure. Entries are failed in a stable order (kind, then key).
func (r *Registry) DrainWhere(match func(Kind, Key) bool, errFor func(Kind, Key) error) int {
	drained := 0
	for kind := Kind(0); kind < kindCount; kind++ {
		slot := r.slots[kind]
		keys := make([]Key, 0, len(slot))
		for key := range slot {
			if match(kind, key) {
				keys = append(keys, key)
			}
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].Peripheral != keys[j].Peripheral {
				return keys[i].Peripheral < keys[j].Peripheral
			}
			return keys[i].Attribute < keys[j].Attribute
		})
		for _, key := range keys {
			entry := slot[key]
			delete(slot, key)
			entry.Fail(errFor(kind, key))
			drained++
		}
	}
	return drained
}

// DrainAll fails every entry with err.
func (r *Registry) DrainAll(err error) int {
	return r.DrainWhere(
		func(Kind, Key) bool { return true },
		func(Kind, Key) error { return err },
	)
}

// Len returns the total number of pending entries.
func (r *Registry) Len() int {
	n := 0
	for _, slot := range r.slots {
		n += len(slot)
	}
	return n
}

// LenFor returns the number of pending entries keyed to p.
func (r *Registry) LenFor(p device.PeripheralID) int {
	n := 0
	for _, slot := range r.slots {
		for key := range slot {
			if key.Peripheral == p {
				n++
			}
		}
	}
	return n
}

// HasPending reports whether any entry is keyed to p.
func (r *Registry) HasPending(p device.PeripheralID) bool {
	for _, slot := range r.slots {
		for key := range slot {
			if key.Peripheral == p {
				return true
			}
		}
	}
	return false
}
