package goble

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-ble/ble"
	"github.com/srg/gattlink/internal/device"
)

const (
	// opQueueSize bounds the commands waiting for one connection's ATT bearer
	opQueueSize = 64

	// writeWindow is how many unacknowledged writes may be queued per connection
	// before CanSendWriteWithoutResponse reports back-pressure
	writeWindow = 8
)

// gattClient is the part of ble.Client the driver talks to
type gattClient interface {
	DiscoverServices(filter []ble.UUID) ([]*ble.Service, error)
	DiscoverCharacteristics(filter []ble.UUID, s *ble.Service) ([]*ble.Characteristic, error)
	DiscoverDescriptors(filter []ble.UUID, c *ble.Characteristic) ([]*ble.Descriptor, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	ExchangeMTU(rxMTU int) (txMTU int, err error)
	CancelConnection() error
}

// attrRef is the device.Handle the driver hands out. It names an attribute by its
// position in the remote profile, so re-discovering the same attribute over the
// same connection yields an equal handle.
type attrRef struct {
	conn *connection
	path string
}

func childPath(parent string, u ble.UUID, ordinal int) string {
	return fmt.Sprintf("%s/%s#%d", parent, device.UUIDString(u), ordinal)
}

type op struct {
	name string
	run  func()
	fail func(err error)
}

// connection is one live link. ATT commands are serialized through a single
// op loop; the attribute tables below are owned by that loop.
type connection struct {
	peripheral device.PeripheralID
	client     gattClient

	ops       chan op
	done      chan struct{}
	mu        sync.Mutex
	closed    bool
	requested atomic.Bool

	services        map[string]*ble.Service
	characteristics map[string]*ble.Characteristic
	descriptors     map[string]*ble.Descriptor
	subscribed      map[string]bool // path -> indication
	mtu             int

	unacked   atomic.Int32
	wantReady atomic.Bool
}

func newConnection(p device.PeripheralID, client gattClient) *connection {
	return &connection{
		peripheral:      p,
		client:          client,
		ops:             make(chan op, opQueueSize),
		done:            make(chan struct{}),
		services:        make(map[string]*ble.Service),
		characteristics: make(map[string]*ble.Characteristic),
		descriptors:     make(map[string]*ble.Descriptor),
		subscribed:      make(map[string]bool),
	}
}

// submit queues o for the op loop
func (c *connection) submit(o op) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return notConnected(c.peripheral)
	}
	select {
	case c.ops <- o:
		return nil
	default:
		return device.DriverFailure(fmt.Errorf("command queue of %s is full", c.peripheral))
	}
}

// close marks the link dead. It reports whether this call closed it.
func (c *connection) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.done)
	return true
}

func (c *connection) loop(ctx context.Context) {
	for {
		select {
		case o := <-c.ops:
			o.run()
		case <-c.done:
			c.drain()
			return
		case <-ctx.Done():
			c.close()
			c.drain()
			return
		}
	}
}

func (c *connection) drain() {
	for {
		select {
		case o := <-c.ops:
			o.fail(notConnected(c.peripheral))
		default:
			return
		}
	}
}

func (c *connection) ref(path string) attrRef {
	return attrRef{conn: c, path: path}
}

func (c *connection) service(h device.Handle) (*ble.Service, bool) {
	ref, ok := h.(attrRef)
	if !ok || ref.conn != c {
		return nil, false
	}
	s, ok := c.services[ref.path]
	return s, ok
}

func (c *connection) characteristic(h device.Handle) (*ble.Characteristic, string, bool) {
	ref, ok := h.(attrRef)
	if !ok || ref.conn != c {
		return nil, "", false
	}
	ch, ok := c.characteristics[ref.path]
	return ch, ref.path, ok
}

func (c *connection) indexServices(svcs []*ble.Service) []device.DiscoveredService {
	seen := make(map[string]int)
	out := make([]device.DiscoveredService, 0, len(svcs))
	for _, s := range svcs {
		u := device.UUIDString(s.UUID)
		path := childPath("", s.UUID, seen[u])
		seen[u]++
		c.services[path] = s
		// go-ble discovers primary services only
		out = append(out, device.DiscoveredService{Handle: c.ref(path), UUID: s.UUID, Primary: true})
	}
	return out
}

func (c *connection) indexCharacteristics(parent string, chars []*ble.Characteristic) []device.DiscoveredCharacteristic {
	seen := make(map[string]int)
	out := make([]device.DiscoveredCharacteristic, 0, len(chars))
	for _, ch := range chars {
		u := device.UUIDString(ch.UUID)
		path := childPath(parent, ch.UUID, seen[u])
		seen[u]++
		c.characteristics[path] = ch
		out = append(out, device.DiscoveredCharacteristic{Handle: c.ref(path), UUID: ch.UUID, Properties: ch.Property})
	}
	return out
}

func (c *connection) indexDescriptors(parent string, descs []*ble.Descriptor) []device.DiscoveredDescriptor {
	seen := make(map[string]int)
	out := make([]device.DiscoveredDescriptor, 0, len(descs))
	for _, d := range descs {
		u := device.UUIDString(d.UUID)
		path := childPath(parent, d.UUID, seen[u])
		seen[u]++
		c.descriptors[path] = d
		out = append(out, device.DiscoveredDescriptor{Handle: c.ref(path), UUID: d.UUID})
	}
	return out
}

func notConnected(p device.PeripheralID) error {
	return &device.OperationError{Kind: device.KindDisconnected, Msg: fmt.Sprintf("peripheral %s is not connected", p)}
}

func unknownHandle(resource string) error {
	return device.DriverFailure(fmt.Errorf("%s handle does not belong to this connection", resource))
}
