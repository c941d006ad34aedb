package central

import (
	"sort"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/gattlink/internal/device"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ----------------------------
// Cache records
// ----------------------------

type serviceRecord struct {
	service device.Service
	handle  device.Handle
}

type characteristicRecord struct {
	characteristic device.Characteristic
	handle         device.Handle
}

type descriptorRecord struct {
	descriptor device.Descriptor
	handle     device.Handle
}

// peripheralRecord is everything the session knows about one peripheral.
// Attribute maps keep discovery order.
type peripheralRecord struct {
	id    device.PeripheralID
	state device.ConnectionState

	lastSeen      time.Time
	rssi          int
	advertisement device.Advertisement

	services        *orderedmap.OrderedMap[device.AttributeID, *serviceRecord]
	characteristics *orderedmap.OrderedMap[device.AttributeID, *characteristicRecord]
	descriptors     *orderedmap.OrderedMap[device.AttributeID, *descriptorRecord]

	// handles routes driver callbacks back to attribute ids
	handles map[device.Handle]device.AttributeID
}

func newPeripheralRecord(p device.PeripheralID) *peripheralRecord {
	return &peripheralRecord{
		id:              p,
		state:           device.StateDisconnected,
		services:        orderedmap.New[device.AttributeID, *serviceRecord](),
		characteristics: orderedmap.New[device.AttributeID, *characteristicRecord](),
		descriptors:     orderedmap.New[device.AttributeID, *descriptorRecord](),
		handles:         make(map[device.Handle]device.AttributeID),
	}
}

// invalidation describes an attribute dropped from the cache.
type invalidation struct {
	id       device.AttributeID
	resource string
	uuid     ble.UUID
}

func (i invalidation) err() error {
	return &device.InvalidAttributeError{Resource: i.resource, UUID: i.uuid}
}

// ----------------------------
// Cache
// ----------------------------

// Cache maps logical identifiers to driver handles.
//
// It is not safe for concurrent use: the session worker is its only user.
type Cache struct {
	peripherals map[device.PeripheralID]*peripheralRecord
	lastID      device.AttributeID
}

// NewCache creates an empty cache
func NewCache() *Cache {
	return &Cache{peripherals: make(map[device.PeripheralID]*peripheralRecord)}
}

// Peripheral returns the record for p, if p was ever observed.
func (c *Cache) Peripheral(p device.PeripheralID) (*peripheralRecord, bool) {
	rec, ok := c.peripherals[p]
	return rec, ok
}

// Observe returns the record for p, creating it on first sight.
func (c *Cache) Observe(p device.PeripheralID) *peripheralRecord {
	rec, ok := c.peripherals[p]
	if !ok {
		rec = newPeripheralRecord(p)
		c.peripherals[p] = rec
	}
	return rec
}

// Peripherals returns all cached peripheral ids in sorted order.
func (c *Cache) Peripherals() []device.PeripheralID {
	ids := make([]device.PeripheralID, 0, len(c.peripherals))
	for id := range c.peripherals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Evict drops every peripheral for which keep returns false.
func (c *Cache) Evict(keep func(*peripheralRecord) bool) []device.PeripheralID {
	var evicted []device.PeripheralID
	for id, rec := range c.peripherals {
		if !keep(rec) {
			delete(c.peripherals, id)
			evicted = append(evicted, id)
		}
	}
	sort.Slice(evicted, func(i, j int) bool { return evicted[i] < evicted[j] })
	return evicted
}

func (c *Cache) nextID() device.AttributeID {
	c.lastID++
	return c.lastID
}

// ----------------------------
// Attribute lookups
// ----------------------------

// ServiceHandle resolves a service to its driver handle.
func (c *Cache) ServiceHandle(s device.Service) (device.Handle, error) {
	if rec, ok := c.peripherals[s.Peripheral]; ok {
		if sr, ok := rec.services.Get(s.ID); ok && sr.service.UUID.Equal(s.UUID) {
			return sr.handle, nil
		}
	}
	return nil, &device.InvalidAttributeError{Resource: "service", UUID: s.UUID}
}

// CharacteristicHandle resolves a characteristic to its driver handle.
func (c *Cache) CharacteristicHandle(ch device.Characteristic) (device.Handle, error) {
	if rec, ok := c.peripherals[ch.Peripheral]; ok {
		if cr, ok := rec.characteristics.Get(ch.ID); ok && cr.characteristic.UUID.Equal(ch.UUID) {
			return cr.handle, nil
		}
	}
	return nil, &device.InvalidAttributeError{Resource: "characteristic", UUID: ch.UUID}
}

// AttributeByHandle maps a driver handle back to the attribute id it was cached under.
func (c *Cache) AttributeByHandle(p device.PeripheralID, h device.Handle) (device.AttributeID, bool) {
	rec, ok := c.peripherals[p]
	if !ok || h == nil {
		return 0, false
	}
	id, ok := rec.handles[h]
	return id, ok
}

// Characteristic returns the cached characteristic with the given id.
func (c *Cache) Characteristic(p device.PeripheralID, id device.AttributeID) (device.Characteristic, bool) {
	rec, ok := c.peripherals[p]
	if !ok {
		return device.Characteristic{}, false
	}
	cr, ok := rec.characteristics.Get(id)
	if !ok {
		return device.Characteristic{}, false
	}
	return cr.characteristic, true
}

// ----------------------------
// Discovery merges
// ----------------------------

// MergeServices records a service discovery result. Services whose handle was
// already cached keep their id; cached services matching filter that the driver
// did not report again are invalidated together with their characteristics.
// It returns the reported services in driver order.
func (c *Cache) MergeServices(p device.PeripheralID, discovered []device.DiscoveredService, filter []ble.UUID) ([]device.Service, []invalidation) {
	rec := c.Observe(p)
	reported := make(map[device.Handle]struct{}, len(discovered))
	result := make([]device.Service, 0, len(discovered))

	for _, d := range discovered {
		reported[d.Handle] = struct{}{}
		if id, ok := rec.handles[d.Handle]; ok {
			if sr, ok := rec.services.Get(id); ok {
				result = append(result, sr.service)
				continue
			}
		}
		svc := device.Service{Peripheral: p, ID: c.nextID(), UUID: d.UUID, Primary: d.Primary}
		rec.services.Set(svc.ID, &serviceRecord{service: svc, handle: d.Handle})
		rec.handles[d.Handle] = svc.ID
		result = append(result, svc)
	}

	var stale []device.AttributeID
	for pair := rec.services.Oldest(); pair != nil; pair = pair.Next() {
		if _, ok := reported[pair.Value.handle]; ok {
			continue
		}
		if device.MatchesFilter(filter, pair.Value.service.UUID) {
			stale = append(stale, pair.Key)
		}
	}

	var invalidated []invalidation
	for _, id := range stale {
		invalidated = append(invalidated, rec.removeService(id)...)
	}
	return result, invalidated
}

// MergeCharacteristics records a characteristic discovery result for service svc,
// following the same rules as MergeServices.
func (c *Cache) MergeCharacteristics(p device.PeripheralID, svc device.AttributeID, discovered []device.DiscoveredCharacteristic, filter []ble.UUID) ([]device.Characteristic, []invalidation) {
	rec := c.Observe(p)
	reported := make(map[device.Handle]struct{}, len(discovered))
	result := make([]device.Characteristic, 0, len(discovered))

	for _, d := range discovered {
		reported[d.Handle] = struct{}{}
		if id, ok := rec.handles[d.Handle]; ok {
			if cr, ok := rec.characteristics.Get(id); ok {
				result = append(result, cr.characteristic)
				continue
			}
		}
		ch := device.Characteristic{Peripheral: p, Service: svc, ID: c.nextID(), UUID: d.UUID, Properties: d.Properties}
		rec.characteristics.Set(ch.ID, &characteristicRecord{characteristic: ch, handle: d.Handle})
		rec.handles[d.Handle] = ch.ID
		result = append(result, ch)
	}

	var stale []device.AttributeID
	for pair := rec.characteristics.Oldest(); pair != nil; pair = pair.Next() {
		cr := pair.Value
		if cr.characteristic.Service != svc {
			continue
		}
		if _, ok := reported[cr.handle]; ok {
			continue
		}
		if device.MatchesFilter(filter, cr.characteristic.UUID) {
			stale = append(stale, pair.Key)
		}
	}

	var invalidated []invalidation
	for _, id := range stale {
		invalidated = append(invalidated, rec.removeCharacteristic(id)...)
	}
	return result, invalidated
}

// MergeDescriptors records a descriptor discovery result for characteristic ch.
func (c *Cache) MergeDescriptors(p device.PeripheralID, ch device.AttributeID, discovered []device.DiscoveredDescriptor, filter []ble.UUID) ([]device.Descriptor, []invalidation) {
	rec := c.Observe(p)
	reported := make(map[device.Handle]struct{}, len(discovered))
	result := make([]device.Descriptor, 0, len(discovered))

	for _, d := range discovered {
		reported[d.Handle] = struct{}{}
		if id, ok := rec.handles[d.Handle]; ok {
			if dr, ok := rec.descriptors.Get(id); ok {
				result = append(result, dr.descriptor)
				continue
			}
		}
		desc := device.Descriptor{Peripheral: p, Characteristic: ch, ID: c.nextID(), UUID: d.UUID}
		rec.descriptors.Set(desc.ID, &descriptorRecord{descriptor: desc, handle: d.Handle})
		rec.handles[d.Handle] = desc.ID
		result = append(result, desc)
	}

	var invalidated []invalidation
	var stale []device.AttributeID
	for pair := rec.descriptors.Oldest(); pair != nil; pair = pair.Next() {
		dr := pair.Value
		if dr.descriptor.Characteristic != ch {
			continue
		}
		if _, ok := reported[dr.handle]; ok {
			continue
		}
		if device.MatchesFilter(filter, dr.descriptor.UUID) {
			stale = append(stale, pair.Key)
		}
	}
	for _, id := range stale {
		invalidated = append(invalidated, rec.removeDescriptor(id))
	}
	return result, invalidated
}

// InvalidateAttributes drops every discovered attribute of p. Called on disconnect:
// a reconnection always requires a fresh discovery.
func (c *Cache) InvalidateAttributes(p device.PeripheralID) []invalidation {
	rec, ok := c.peripherals[p]
	if !ok {
		return nil
	}
	var ids []device.AttributeID
	for pair := rec.services.Oldest(); pair != nil; pair = pair.Next() {
		ids = append(ids, pair.Key)
	}
	var invalidated []invalidation
	for _, id := range ids {
		invalidated = append(invalidated, rec.removeService(id)...)
	}
	return invalidated
}

// AttributeCount returns how many attributes of p are cached.
func (c *Cache) AttributeCount(p device.PeripheralID) int {
	rec, ok := c.peripherals[p]
	if !ok {
		return 0
	}
	return rec.services.Len() + rec.characteristics.Len() + rec.descriptors.Len()
}

func (r *peripheralRecord) removeService(id device.AttributeID) []invalidation {
	sr, ok := r.services.Delete(id)
	if !ok {
		return nil
	}
	delete(r.handles, sr.handle)
	invalidated := []invalidation{{id: id, resource: "service", uuid: sr.service.UUID}}

	var chars []device.AttributeID
	for pair := r.characteristics.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.characteristic.Service == id {
			chars = append(chars, pair.Key)
		}
	}
	for _, cid := range chars {
		invalidated = append(invalidated, r.removeCharacteristic(cid)...)
	}
	return invalidated
}

func (r *peripheralRecord) removeCharacteristic(id device.AttributeID) []invalidation {
	cr, ok := r.characteristics.Delete(id)
	if !ok {
		return nil
	}
	delete(r.handles, cr.handle)
	invalidated := []invalidation{{id: id, resource: "characteristic", uuid: cr.characteristic.UUID}}

	var descs []device.AttributeID
	for pair := r.descriptors.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.descriptor.Characteristic == id {
			descs = append(descs, pair.Key)
		}
	}
	for _, did := range descs {
		invalidated = append(invalidated, r.removeDescriptor(did))
	}
	return invalidated
}

func (r *peripheralRecord) removeDescriptor(id device.AttributeID) invalidation {
	dr, _ := r.descriptors.Delete(id)
	if dr != nil {
		delete(r.handles, dr.handle)
		return invalidation{id: id, resource: "descriptor", uuid: dr.descriptor.UUID}
	}
	return invalidation{id: id, resource: "descriptor"}
}
