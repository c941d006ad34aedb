//go:build test

package testutils

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/groutine"
)

// SimMTU is the MTU every simulated link negotiates unless the profile overrides it
const SimMTU = 185

// ProfileConfig describes the simulated radio environment
type ProfileConfig struct {
	Power       string             `json:"power,omitempty"` // "on" (default), "off", "unauthorized"
	Peripherals []PeripheralConfig `json:"peripherals"`
}

// PeripheralConfig describes one simulated peripheral
type PeripheralConfig struct {
	ID            string          `json:"id"`
	Name          string          `json:"name,omitempty"`
	RSSI          int             `json:"rssi,omitempty"`
	MTU           int             `json:"mtu,omitempty"`
	Unconnectable bool            `json:"unconnectable,omitempty"`
	Advertised    []string        `json:"advertised,omitempty"`
	Manufacturer  []byte          `json:"manufacturer,omitempty"`
	Services      []ServiceConfig `json:"services"`
}

// ServiceConfig describes a simulated GATT service
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics"`
}

// CharacteristicConfig describes a simulated GATT characteristic
type CharacteristicConfig struct {
	UUID        string   `json:"uuid"`
	Properties  string   `json:"properties"`
	Value       []byte   `json:"value,omitempty"`
	Descriptors []string `json:"descriptors,omitempty"`
}

type simHandle struct {
	peripheral device.PeripheralID
	path       string
}

type simCharacteristic struct {
	uuid       ble.UUID
	properties ble.Property
	value      []byte
	notifying  bool
	writes     [][]byte
	descs      []ble.UUID
}

type simService struct {
	uuid  ble.UUID
	chars []simHandle
}

type simPeripheral struct {
	config    PeripheralConfig
	connected bool
	services  []simHandle
}

// SimDriver is an in-memory device.Driver built from a JSON profile.
//
// Callbacks are delivered in command order on a dedicated goroutine, the way
// a platform stack would report them. Tests play remote behaviour through
// Notify and DropLink and inspect what the central did through Writes.
//
//	drv := testutils.NewSimDriver().FromJSON(`{
//	    "peripherals": [{"id": "AA:BB", "name": "HRM", "services": [
//	        {"uuid": "180d", "characteristics": [{"uuid": "2a37", "properties": "read,notify", "value": [1]}]}
//	    ]}]
//	}`)
type SimDriver struct {
	mu       sync.Mutex
	profile  ProfileConfig
	delegate device.Delegate
	events   chan func(device.Delegate)
	cancel   context.CancelFunc

	peripherals map[device.PeripheralID]*simPeripheral
	services    map[simHandle]*simService
	chars       map[simHandle]*simCharacteristic
}

// NewSimDriver creates a SimDriver with an empty, powered-on environment
func NewSimDriver() *SimDriver {
	return &SimDriver{}
}

// FromJSON fills the profile from JSON
func (d *SimDriver) FromJSON(jsonStrFmt string, args ...interface{}) *SimDriver {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config ProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("SimDriver.FromJSON: failed to unmarshal: %v", err))
	}
	d.profile = config
	return d
}

// Start builds the attribute tables from the profile and reports the power state
func (d *SimDriver) Start(delegate device.Delegate) error {
	if delegate == nil {
		return fmt.Errorf("delegate cannot be nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.build(); err != nil {
		return err
	}
	d.delegate = delegate
	d.events = make(chan func(device.Delegate), 1024)

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	events := d.events
	groutine.Go(ctx, "sim-driver-events", func(ctx context.Context) {
		for {
			select {
			case fn := <-events:
				fn(delegate)
			case <-ctx.Done():
				return
			}
		}
	})

	power := device.PowerOn
	switch d.profile.Power {
	case "off":
		power = device.PowerOff
	case "unauthorized":
		power = device.PowerUnauthorized
	}
	d.emit(func(dl device.Delegate) { dl.PowerStateChanged(power) })
	return nil
}

// Stop stops callback delivery
func (d *SimDriver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.events = nil
	return nil
}

func (d *SimDriver) build() error {
	d.peripherals = make(map[device.PeripheralID]*simPeripheral)
	d.services = make(map[simHandle]*simService)
	d.chars = make(map[simHandle]*simCharacteristic)

	for _, pc := range d.profile.Peripherals {
		p := device.PeripheralID(pc.ID)
		sp := &simPeripheral{config: pc}
		for i, sc := range pc.Services {
			su, err := device.ParseUUID(sc.UUID)
			if err != nil {
				return fmt.Errorf("peripheral %s: %w", p, err)
			}
			sh := simHandle{peripheral: p, path: fmt.Sprintf("%s#%d", device.UUIDString(su), i)}
			svc := &simService{uuid: su}
			for j, cc := range sc.Characteristics {
				cu, err := device.ParseUUID(cc.UUID)
				if err != nil {
					return fmt.Errorf("peripheral %s: %w", p, err)
				}
				descs, err := device.ParseUUIDs(cc.Descriptors)
				if err != nil {
					return fmt.Errorf("peripheral %s: %w", p, err)
				}
				ch := simHandle{peripheral: p, path: fmt.Sprintf("%s/%s#%d", sh.path, device.UUIDString(cu), j)}
				d.chars[ch] = &simCharacteristic{
					uuid:       cu,
					properties: ParseProperties(cc.Properties),
					value:      append([]byte(nil), cc.Value...),
					descs:      descs,
				}
				svc.chars = append(svc.chars, ch)
			}
			d.services[sh] = svc
			sp.services = append(sp.services, sh)
		}
		d.peripherals[p] = sp
	}
	return nil
}

// emit queues a callback. Callers hold d.mu.
func (d *SimDriver) emit(fn func(device.Delegate)) {
	if d.events == nil {
		return
	}
	d.events <- fn
}

func (d *SimDriver) Scan(filter []ble.UUID, allowDuplicates bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, pc := range d.profile.Peripherals {
		adv := device.Advertisement{
			LocalName:        pc.Name,
			ManufacturerData: pc.Manufacturer,
			TxPowerLevel:     127,
			Connectable:      !pc.Unconnectable,
		}
		for _, s := range pc.Advertised {
			if u, err := device.ParseUUID(s); err == nil {
				adv.Services = append(adv.Services, u)
			}
		}
		if !advertises(filter, adv.Services) {
			continue
		}
		p, rssi := device.PeripheralID(pc.ID), pc.RSSI
		d.emit(func(dl device.Delegate) { dl.PeripheralDiscovered(p, adv, rssi) })
	}
}

func advertises(filter, services []ble.UUID) bool {
	if len(filter) == 0 {
		return true
	}
	for _, u := range services {
		if ble.Contains(filter, u) {
			return true
		}
	}
	return false
}

func (d *SimDriver) StopScan() {}

func (d *SimDriver) Connect(p device.PeripheralID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sp, ok := d.peripherals[p]
	switch {
	case !ok:
		d.emit(func(dl device.Delegate) { dl.ConnectFailed(p, fmt.Errorf("peripheral %s is out of range", p)) })
	case sp.config.Unconnectable:
		d.emit(func(dl device.Delegate) { dl.ConnectFailed(p, fmt.Errorf("peripheral %s refused the connection", p)) })
	default:
		sp.connected = true
		d.emit(func(dl device.Delegate) { dl.ConnectSucceeded(p) })
	}
}

func (d *SimDriver) CancelConnection(p device.PeripheralID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.disconnect(p)
	d.emit(func(dl device.Delegate) { dl.Disconnected(p, nil) })
}

// DropLink simulates a link loss initiated by the remote side
func (d *SimDriver) DropLink(p device.PeripheralID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sp, ok := d.peripherals[p]; !ok || !sp.connected {
		return
	}
	d.disconnect(p)
	d.emit(func(dl device.Delegate) { dl.Disconnected(p, fmt.Errorf("link lost")) })
}

func (d *SimDriver) disconnect(p device.PeripheralID) {
	sp, ok := d.peripherals[p]
	if !ok {
		return
	}
	sp.connected = false
	for h, c := range d.chars {
		if h.peripheral == p {
			c.notifying = false
		}
	}
}

func (d *SimDriver) DiscoverServices(p device.PeripheralID, filter []ble.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sp, ok := d.peripherals[p]
	if !ok || !sp.connected {
		d.emit(func(dl device.Delegate) { dl.ServicesDiscovered(p, nil, device.ErrDisconnected) })
		return
	}
	var out []device.DiscoveredService
	for _, h := range sp.services {
		svc := d.services[h]
		if device.MatchesFilter(filter, svc.uuid) {
			out = append(out, device.DiscoveredService{Handle: h, UUID: svc.uuid, Primary: true})
		}
	}
	d.emit(func(dl device.Delegate) { dl.ServicesDiscovered(p, out, nil) })
}

func (d *SimDriver) DiscoverCharacteristics(p device.PeripheralID, service device.Handle, filter []ble.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, _ := service.(simHandle)
	svc, ok := d.services[h]
	if !ok {
		d.emit(func(dl device.Delegate) {
			dl.CharacteristicsDiscovered(p, service, nil, fmt.Errorf("unknown service handle"))
		})
		return
	}
	var out []device.DiscoveredCharacteristic
	for _, ch := range svc.chars {
		c := d.chars[ch]
		if device.MatchesFilter(filter, c.uuid) {
			out = append(out, device.DiscoveredCharacteristic{Handle: ch, UUID: c.uuid, Properties: c.properties})
		}
	}
	d.emit(func(dl device.Delegate) { dl.CharacteristicsDiscovered(p, service, out, nil) })
}

func (d *SimDriver) DiscoverDescriptors(p device.PeripheralID, characteristic device.Handle, filter []ble.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, _ := characteristic.(simHandle)
	c, ok := d.chars[h]
	if !ok {
		d.emit(func(dl device.Delegate) {
			dl.DescriptorsDiscovered(p, characteristic, nil, fmt.Errorf("unknown characteristic handle"))
		})
		return
	}
	var out []device.DiscoveredDescriptor
	for i, u := range c.descs {
		if device.MatchesFilter(filter, u) {
			dh := simHandle{peripheral: p, path: fmt.Sprintf("%s/%s#%d", h.path, device.UUIDString(u), i)}
			out = append(out, device.DiscoveredDescriptor{Handle: dh, UUID: u})
		}
	}
	d.emit(func(dl device.Delegate) { dl.DescriptorsDiscovered(p, characteristic, out, nil) })
}

func (d *SimDriver) ReadValue(p device.PeripheralID, characteristic device.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, _ := characteristic.(simHandle)
	c, ok := d.chars[h]
	switch {
	case !ok:
		d.emit(func(dl device.Delegate) { dl.ValueUpdated(p, characteristic, nil, fmt.Errorf("unknown characteristic handle")) })
	case c.properties&ble.CharRead == 0:
		d.emit(func(dl device.Delegate) {
			dl.ValueUpdated(p, characteristic, nil, fmt.Errorf("characteristic does not support read"))
		})
	default:
		value := append([]byte(nil), c.value...)
		d.emit(func(dl device.Delegate) { dl.ValueUpdated(p, characteristic, value, nil) })
	}
}

func (d *SimDriver) WriteValue(p device.PeripheralID, characteristic device.Handle, data []byte, withResponse bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, _ := characteristic.(simHandle)
	c, ok := d.chars[h]
	if !ok {
		if withResponse {
			d.emit(func(dl device.Delegate) { dl.ValueWritten(p, characteristic, fmt.Errorf("unknown characteristic handle")) })
		}
		return
	}
	value := append([]byte(nil), data...)
	c.value = value
	c.writes = append(c.writes, value)
	if withResponse {
		d.emit(func(dl device.Delegate) { dl.ValueWritten(p, characteristic, nil) })
	}
}

func (d *SimDriver) SetNotifyValue(p device.PeripheralID, characteristic device.Handle, enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, _ := characteristic.(simHandle)
	c, ok := d.chars[h]
	switch {
	case !ok:
		d.emit(func(dl device.Delegate) {
			dl.NotificationStateChanged(p, characteristic, enabled, fmt.Errorf("unknown characteristic handle"))
		})
	case enabled && c.properties&(ble.CharNotify|ble.CharIndicate) == 0:
		d.emit(func(dl device.Delegate) {
			dl.NotificationStateChanged(p, characteristic, enabled, fmt.Errorf("characteristic does not support notifications"))
		})
	default:
		c.notifying = enabled
		d.emit(func(dl device.Delegate) { dl.NotificationStateChanged(p, characteristic, enabled, nil) })
	}
}

func (d *SimDriver) CanSendWriteWithoutResponse(device.PeripheralID) bool {
	return true
}

func (d *SimDriver) ReadMTU(p device.PeripheralID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	mtu := SimMTU
	if sp, ok := d.peripherals[p]; ok && sp.config.MTU > 0 {
		mtu = sp.config.MTU
	}
	d.emit(func(dl device.Delegate) { dl.MTUUpdated(p, mtu, nil) })
}

// Notify pushes a value to the characteristic with the given UUID.
// It reports whether notifications were enabled on it.
func (d *SimDriver) Notify(p device.PeripheralID, charUUID string, data []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, c, ok := d.lookup(p, charUUID)
	if !ok || !c.notifying {
		return false
	}
	value := append([]byte(nil), data...)
	d.emit(func(dl device.Delegate) { dl.ValueUpdated(p, h, value, nil) })
	return true
}

// Notifying reports whether notifications are enabled on the characteristic
func (d *SimDriver) Notifying(p device.PeripheralID, charUUID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, c, ok := d.lookup(p, charUUID)
	return ok && c.notifying
}

// Writes returns every value written to the characteristic, in order
func (d *SimDriver) Writes(p device.PeripheralID, charUUID string) [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, c, ok := d.lookup(p, charUUID)
	if !ok {
		return nil
	}
	return append([][]byte(nil), c.writes...)
}

// Connected reports whether the simulated link to p is up
func (d *SimDriver) Connected(p device.PeripheralID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	sp, ok := d.peripherals[p]
	return ok && sp.connected
}

func (d *SimDriver) lookup(p device.PeripheralID, charUUID string) (simHandle, *simCharacteristic, bool) {
	u, err := device.ParseUUID(charUUID)
	if err != nil {
		return simHandle{}, nil, false
	}
	for h, c := range d.chars {
		if h.peripheral == p && c.uuid.Equal(u) {
			return h, c, true
		}
	}
	return simHandle{}, nil, false
}

// ParseProperties converts a comma separated property list to ble.Property flags.
// An empty list means read, write and notify.
func ParseProperties(props string) ble.Property {
	if props == "" {
		return ble.CharRead | ble.CharWrite | ble.CharNotify
	}

	var property ble.Property
	for _, name := range strings.Split(props, ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "broadcast":
			property |= ble.CharBroadcast
		case "read":
			property |= ble.CharRead
		case "write-without-response", "writenr":
			property |= ble.CharWriteNR
		case "write":
			property |= ble.CharWrite
		case "notify":
			property |= ble.CharNotify
		case "indicate":
			property |= ble.CharIndicate
		}
	}
	return property
}

var _ device.Driver = (*SimDriver)(nil)
