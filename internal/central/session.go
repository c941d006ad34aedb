package central

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/stream"
)

// Session is the GATT central control plane.
//
// Every mutation of the cache, the registry and the power/connection state
// happens on a single worker goroutine. Public operations post a job to the
// worker and suspend on a Promise; driver callbacks are posted the same way,
// so a callback and the operation it completes never run concurrently.
type Session struct {
	id     string
	driver device.Driver
	opts   Options
	logger *logrus.Logger
	log    *logrus.Entry

	jobs      chan func()
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	closeErr  error

	// power mirrors powerState for lock-free reads outside the worker
	power atomic.Int32

	// ----- owned by the worker -----
	registry     *Registry
	cache        *Cache
	powerState   device.PowerState
	scanning     bool
	powerWaiters map[*Promise[struct{}]]struct{}

	logs        *stream.RingChannel[LogMessage]
	powerStates *stream.RingChannel[device.PowerState]
	scanFlags   *stream.RingChannel[bool]
	disconnects *stream.RingChannel[DisconnectEvent]
}

// NewSession starts the session worker and hands the session's delegate to driver.
// A nil opts uses DefaultOptions; a nil logger uses logrus.New().
func NewSession(driver device.Driver, opts *Options, logger *logrus.Logger) (*Session, error) {
	if driver == nil {
		return nil, fmt.Errorf("driver cannot be nil")
	}
	o, err := opts.normalize()
	if err != nil {
		return nil, fmt.Errorf("invalid session options: %w", err)
	}
	if logger == nil {
		logger = logrus.New()
	}

	logs := stream.NewRingChannel[LogMessage](o.LogBuffer)
	sessionLogger := newSessionLogger(logger, &logHook{ring: logs})
	id := uuid.NewString()

	s := &Session{
		id:           id,
		driver:       driver,
		opts:         *o,
		logger:       sessionLogger,
		log:          sessionLogger.WithField("session", id),
		jobs:         make(chan func(), o.QueueSize),
		quit:         make(chan struct{}),
		stopped:      make(chan struct{}),
		cache:        NewCache(),
		powerState:   device.PowerUnknown,
		powerWaiters: make(map[*Promise[struct{}]]struct{}),
		logs:         logs,
		powerStates:  stream.NewRingChannel[device.PowerState](o.PowerBuffer),
		scanFlags:    stream.NewRingChannel[bool](o.ScanningBuffer),
		disconnects:  stream.NewRingChannel[DisconnectEvent](o.DisconnectBuffer),
	}
	s.registry = NewRegistry(s.log)
	s.power.Store(int32(device.PowerUnknown))
	s.powerStates.Send(device.PowerUnknown)
	s.scanFlags.Send(false)

	groutine.Go(context.Background(), "central-session-worker", s.run)

	if err := driver.Start(&driverDelegate{s: s}); err != nil {
		close(s.quit)
		<-s.stopped
		return nil, fmt.Errorf("failed to start driver: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"scan_buffer":   o.ScanBuffer,
		"notify_buffer": o.NotifyBuffer,
		"queue_size":    o.QueueSize,
	}).Info("Session started")
	return s, nil
}

// ID returns the session correlation id used in log fields.
func (s *Session) ID() string {
	return s.id
}

// Close stops the worker, fails every pending operation with ErrClosed,
// terminates all streams and stops the driver. Close is idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.stopped
		if err := s.driver.Stop(); err != nil {
			s.closeErr = fmt.Errorf("failed to stop driver: %w", err)
		}
	})
	return s.closeErr
}

// ----------------------------
// Streams
// ----------------------------

// Logs returns the session log stream (drop-oldest).
func (s *Session) Logs() <-chan LogMessage {
	return s.logs.C()
}

// PowerStates returns the power-state stream. It starts with PowerUnknown and
// keeps only the latest state with the default buffer of 1.
func (s *Session) PowerStates() <-chan device.PowerState {
	return s.powerStates.C()
}

// Scanning returns the scanning-active flag stream.
func (s *Session) Scanning() <-chan bool {
	return s.scanFlags.C()
}

// Disconnects returns the disconnect notification stream.
func (s *Session) Disconnects() <-chan DisconnectEvent {
	return s.disconnects.C()
}

// PowerState returns the last power state reported by the driver.
func (s *Session) PowerState() device.PowerState {
	return device.PowerState(s.power.Load())
}

// ----------------------------
// Worker
// ----------------------------

func (s *Session) run(ctx context.Context) {
	defer close(s.stopped)
	for {
		select {
		case job := <-s.jobs:
			job()
		case <-s.quit:
			s.shutdown()
			return
		}
	}
}

func (s *Session) shutdown() {
	drained := s.registry.DrainAll(device.ErrClosed)
	for w := range s.powerWaiters {
		w.Fail(device.ErrClosed)
	}
	s.powerWaiters = nil

	s.log.WithField("drained", drained).Info("Session closed")

	s.powerStates.Close()
	s.scanFlags.Close()
	s.disconnects.Close()
	s.logs.Close()
}

// post queues job for the worker. It fails with ErrClosed once the session is
// closed, and with a cancellation if ctx ends while the queue is full.
func (s *Session) post(ctx context.Context, job func()) error {
	select {
	case <-s.quit:
		return device.ErrClosed
	default:
	}
	select {
	case s.jobs <- job:
		return nil
	case <-s.quit:
		return device.ErrClosed
	case <-ctx.Done():
		return device.Cancelled("operation not dispatched", ctx.Err())
	}
}

// dispatch posts a driver callback. Callbacks arriving after Close are dropped.
func (s *Session) dispatch(callback string, job func()) {
	if err := s.post(context.Background(), job); err != nil {
		s.log.WithField("callback", callback).Debug("Dropping driver callback after session close")
	}
}

// slot names the registry entry an awaited operation lives in.
type slot struct {
	kind  Kind
	key   Key
	entry Pending
}

// await suspends until p resolves. If ctx ends first, the registry slot is
// removed (when it still holds this operation), p fails with a cancellation
// and onCancel runs on the worker so the driver can be told to stop.
func await[T any](s *Session, ctx context.Context, p *Promise[T], sl slot, onCancel func()) (T, error) {
	select {
	case <-p.Done():
		return p.Result()
	case <-s.stopped:
		p.Fail(device.ErrClosed)
		return p.Result()
	case <-ctx.Done():
	}

	cause := ctx.Err()
	cancelled := device.Cancelled(fmt.Sprintf("%s %s cancelled", sl.kind, sl.key), cause)
	err := s.post(context.Background(), func() {
		if s.registry.RemoveIf(sl.kind, sl.key, sl.entry) {
			p.Fail(cancelled)
			if onCancel != nil {
				onCancel()
			}
			s.log.WithFields(logrus.Fields{
				"kind": sl.kind.String(),
				"key":  sl.key.String(),
			}).Debug("Pending operation cancelled by caller")
			return
		}
		p.Fail(cancelled)
	})
	if err != nil {
		p.Fail(cancelled)
	}

	select {
	case <-p.Done():
	case <-s.stopped:
		p.Fail(device.ErrClosed)
	}
	return p.Result()
}

// query runs fn on the worker and returns its result.
func query[T any](s *Session, ctx context.Context, fn func() (T, error)) (T, error) {
	p := newPromise[T]()
	if err := s.post(ctx, func() {
		v, err := fn()
		if err != nil {
			p.Fail(err)
			return
		}
		p.Resolve(v)
	}); err != nil {
		var zero T
		return zero, err
	}
	select {
	case <-p.Done():
	case <-s.stopped:
		p.Fail(device.ErrClosed)
	case <-ctx.Done():
		var zero T
		return zero, device.Cancelled("query cancelled", ctx.Err())
	}
	return p.Result()
}

// ----------------------------
// State gates (worker only)
// ----------------------------

func (s *Session) requirePoweredOn() error {
	if s.powerState != device.PowerOn {
		return &device.OperationError{Kind: device.KindInvalidState, Msg: fmt.Sprintf("radio power is %s", s.powerState)}
	}
	return nil
}

func (s *Session) requireCached(p device.PeripheralID) (*peripheralRecord, error) {
	if err := s.requirePoweredOn(); err != nil {
		return nil, err
	}
	rec, ok := s.cache.Peripheral(p)
	if !ok {
		return nil, &device.OperationError{Kind: device.KindUnknownPeripheral, Msg: fmt.Sprintf("peripheral %s was never observed", p)}
	}
	return rec, nil
}

func (s *Session) requireConnected(p device.PeripheralID) (*peripheralRecord, error) {
	rec, err := s.requireCached(p)
	if err != nil {
		return nil, err
	}
	if rec.state != device.StateConnected {
		return nil, &device.OperationError{Kind: device.KindDisconnected, Msg: fmt.Sprintf("peripheral %s is %s", p, rec.state)}
	}
	return rec, nil
}

func (s *Session) requireService(svc device.Service) (device.Handle, error) {
	if _, err := s.requireConnected(svc.Peripheral); err != nil {
		return nil, err
	}
	return s.cache.ServiceHandle(svc)
}

func (s *Session) requireCharacteristic(c device.Characteristic) (device.Handle, error) {
	if _, err := s.requireConnected(c.Peripheral); err != nil {
		return nil, err
	}
	return s.cache.CharacteristicHandle(c)
}

func (s *Session) setScanning(active bool) {
	if s.scanning == active {
		return
	}
	s.scanning = active
	s.scanFlags.Send(active)
}
