//go:build test

package central_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/central"
	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/stream"
	"github.com/srg/gattlink/internal/testutils"
	"github.com/stretchr/testify/suite"
)

const (
	peripheralA device.PeripheralID = "AA:BB:CC:DD:EE:01"
	peripheralB device.PeripheralID = "AA:BB:CC:DD:EE:02"
)

var (
	heartRateService = ble.UUID16(0x180D)
	heartRateMeasure = ble.UUID16(0x2A37)
	controlPoint     = ble.UUID16(0x2A39)
)

type result[T any] struct {
	value T
	err   error
}

// goResult runs fn in the background and delivers its outcome on the returned channel
func goResult[T any](fn func() (T, error)) <-chan result[T] {
	ch := make(chan result[T], 1)
	go func() {
		v, err := fn()
		ch <- result[T]{value: v, err: err}
	}()
	return ch
}

func goErr(fn func() error) <-chan result[struct{}] {
	return goResult(func() (struct{}, error) { return struct{}{}, fn() })
}

type SessionTestSuite struct {
	testutils.DriverSuite

	session *central.Session
	ctx     context.Context
	cancel  context.CancelFunc
}

func (s *SessionTestSuite) SetupTest() {
	s.DriverSuite.SetupTest()
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 10*time.Second)

	opts := central.DefaultOptions()
	opts.LogBuffer = 256
	session, err := central.NewSession(s.Driver, opts, s.Helper.Logger)
	s.Require().NoError(err, "session MUST start")
	s.session = session

	s.Delegate().PowerStateChanged(device.PowerOn)
	s.Require().NoError(s.session.WaitPoweredOn(s.ctx), "radio MUST power on")
}

func (s *SessionTestSuite) TearDownTest() {
	s.Require().NoError(s.session.Close(), "session MUST close cleanly")
	s.cancel()
}

func (s *SessionTestSuite) wait(ch <-chan result[struct{}]) error {
	_, err := waitFor(s, ch)
	return err
}

func waitFor[T any](s *SessionTestSuite, ch <-chan result[T]) (T, error) {
	select {
	case r := <-ch:
		return r.value, r.err
	case <-time.After(s.TestTimeout):
		s.FailNow("operation MUST resolve within timeout")
		var zero T
		return zero, nil
	}
}

func (s *SessionTestSuite) observe(p device.PeripheralID) {
	s.Delegate().PeripheralDiscovered(p, device.Advertisement{LocalName: "sensor", Connectable: true}, -42)
	s.WaitUntil(func() bool {
		ids, err := s.session.Peripherals(s.ctx)
		if err != nil {
			return false
		}
		for _, id := range ids {
			if id == p {
				return true
			}
		}
		return false
	}, "peripheral MUST be cached after an advertisement")
}

func (s *SessionTestSuite) connect(p device.PeripheralID) {
	s.observe(p)
	done := goErr(func() error { return s.session.Connect(s.ctx, p) })
	call := s.AwaitCall("Connect")
	s.Equal(p, call.Peripheral())
	s.Delegate().ConnectSucceeded(p)
	s.Require().NoError(s.wait(done), "connect MUST succeed")
}

// discover connects p and discovers one heart rate service with a measurement
// (read, notify, write, write without response) and a control point characteristic.
func (s *SessionTestSuite) discover(p device.PeripheralID) (device.Service, device.Characteristic, device.Characteristic) {
	s.connect(p)

	svcs := goResult(func() ([]device.Service, error) { return s.session.DiscoverServices(s.ctx, p, nil) })
	s.AwaitCall("DiscoverServices")
	s.Delegate().ServicesDiscovered(p, []device.DiscoveredService{
		{Handle: "svc-" + string(p), UUID: heartRateService, Primary: true},
	}, nil)
	services, err := waitFor(s, svcs)
	s.Require().NoError(err, "service discovery MUST succeed")
	s.Require().Len(services, 1)

	chars := goResult(func() ([]device.Characteristic, error) {
		return s.session.DiscoverCharacteristics(s.ctx, services[0], nil)
	})
	call := s.AwaitCall("DiscoverCharacteristics")
	s.Equal("svc-"+string(p), call.Handle(), "driver MUST receive the cached service handle")
	s.Delegate().CharacteristicsDiscovered(p, call.Handle(), []device.DiscoveredCharacteristic{
		{Handle: "meas-" + string(p), UUID: heartRateMeasure, Properties: ble.CharRead | ble.CharNotify | ble.CharWrite | ble.CharWriteNR},
		{Handle: "ctrl-" + string(p), UUID: controlPoint, Properties: ble.CharWrite},
	}, nil)
	characteristics, err := waitFor(s, chars)
	s.Require().NoError(err, "characteristic discovery MUST succeed")
	s.Require().Len(characteristics, 2)
	return services[0], characteristics[0], characteristics[1]
}

func (s *SessionTestSuite) pending(p device.PeripheralID) int {
	n, err := s.session.PendingOperations(s.ctx, p)
	s.Require().NoError(err)
	return n
}

func (s *SessionTestSuite) startNotify(c device.Characteristic) *stream.Stream[[]byte] {
	res := goResult(func() (*stream.Stream[[]byte], error) { return s.session.Notify(s.ctx, c) })
	call := s.AwaitCall("SetNotifyValue")
	s.Equal(true, call.Args[2], "notify MUST enable notifications on the driver")
	s.Delegate().NotificationStateChanged(c.Peripheral, call.Handle(), true, nil)
	values, err := waitFor(s, res)
	s.Require().NoError(err, "notify MUST succeed")
	return values
}

func (s *SessionTestSuite) findLog(substr string) bool {
	deadline := time.After(s.TestTimeout)
	for {
		select {
		case msg, ok := <-s.session.Logs():
			if !ok {
				return false
			}
			if strings.Contains(msg.Message, substr) {
				return true
			}
		case <-deadline:
			return false
		}
	}
}

// ----------------------------
// Gates
// ----------------------------

func (s *SessionTestSuite) TestConnect_NeverObservedPeripheral() {
	// GOAL: Verify connect to a peripheral never seen by scan or restore fails fast
	//
	// TEST SCENARIO: connect(ghost) → ErrUnknownPeripheral → driver untouched, nothing pending

	err := s.session.Connect(s.ctx, "ghost")

	s.ErrorIs(err, device.ErrUnknownPeripheral, "connect MUST fail with ErrUnknownPeripheral")
	s.AssertNoCall("Connect")
	s.Equal(0, s.pending("ghost"))
}

func (s *SessionTestSuite) TestReadValue_WhileDisconnected() {
	// GOAL: Verify a read on a cached but disconnected peripheral fails immediately
	//
	// TEST SCENARIO: observe P (never connected) → read → ErrDisconnected, no registry entry, no driver read

	s.observe(peripheralA)
	c := device.Characteristic{Peripheral: peripheralA, ID: 1, UUID: heartRateMeasure}

	_, err := s.session.ReadValue(s.ctx, c)

	s.ErrorIs(err, device.ErrDisconnected, "read MUST fail with ErrDisconnected")
	s.Equal(0, s.pending(peripheralA), "no registry entry MUST be created")
	s.AssertNoCall("ReadValue")
}

func (s *SessionTestSuite) TestReadValue_UnknownAttribute() {
	// GOAL: Verify an identifier that was never discovered is rejected with ErrInvalidAttribute

	s.connect(peripheralA)
	c := device.Characteristic{Peripheral: peripheralA, ID: 999, UUID: heartRateMeasure}

	_, err := s.session.ReadValue(s.ctx, c)

	var attrErr *device.InvalidAttributeError
	s.Require().ErrorAs(err, &attrErr, "read MUST fail with InvalidAttributeError")
	s.Equal("characteristic", attrErr.Resource)
	s.ErrorIs(err, device.ErrInvalidAttribute)
}

func (s *SessionTestSuite) TestPoweredOffGate() {
	// GOAL: Verify operations requiring a powered radio fail with ErrInvalidState

	s.Delegate().PowerStateChanged(device.PowerOff)
	s.WaitUntil(func() bool { return s.session.PowerState() == device.PowerOff }, "power MUST turn off")

	_, err := s.session.Scan(s.ctx, nil, false)
	s.ErrorIs(err, device.ErrInvalidState, "scan MUST fail while powered off")
	err = s.session.Connect(s.ctx, peripheralA)
	s.ErrorIs(err, device.ErrInvalidState, "power gate MUST be checked before the cache")
	s.AssertNoCall("Scan")
}

// ----------------------------
// Registry semantics through the session
// ----------------------------

func (s *SessionTestSuite) TestSupersede_SecondReadCancelsFirst() {
	// GOAL: Verify a newer operation of the same kind and key cancels the pending one
	//
	// TEST SCENARIO: read A pending → read B → A fails with ErrCancelled → value resolves B

	_, meas, _ := s.discover(peripheralA)

	first := goResult(func() ([]byte, error) { return s.session.ReadValue(s.ctx, meas) })
	s.AwaitCall("ReadValue")
	second := goResult(func() ([]byte, error) { return s.session.ReadValue(s.ctx, meas) })
	call := s.AwaitCall("ReadValue")

	_, err := waitFor(s, first)
	s.ErrorIs(err, device.ErrCancelled, "superseded read MUST fail with ErrCancelled")

	s.Delegate().ValueUpdated(peripheralA, call.Handle(), []byte{0x06, 0x48}, nil)
	value, err := waitFor(s, second)
	s.Require().NoError(err, "newest read MUST succeed")
	s.Equal([]byte{0x06, 0x48}, value)
	s.Equal(0, s.pending(peripheralA))
}

func (s *SessionTestSuite) TestWriteWithResponse_RoundTrip() {
	// GOAL: Verify an acknowledged write resolves on the driver callback and a stray
	// acknowledgement is only logged
	//
	// TEST SCENARIO: write → driver WriteValue(withResponse) → ValueWritten → success;
	// second ValueWritten → logged inconsistency, nothing resolved

	_, _, ctrl := s.discover(peripheralA)

	done := goErr(func() error { return s.session.WriteValue(s.ctx, []byte{0x01}, ctrl, true) })
	call := s.AwaitCall("WriteValue")
	s.Equal([]byte{0x01}, call.Args[2])
	s.Equal(true, call.Args[3], "write MUST request a response")

	s.Delegate().ValueWritten(peripheralA, call.Handle(), nil)
	s.NoError(s.wait(done), "write MUST succeed on acknowledgement")

	s.Delegate().ValueWritten(peripheralA, call.Handle(), nil)
	s.True(s.findLog("Internal inconsistency"), "stray acknowledgement MUST be logged as inconsistency")
	s.Equal(0, s.pending(peripheralA))
}

func (s *SessionTestSuite) TestWriteWithResponse_DriverError() {
	_, _, ctrl := s.discover(peripheralA)

	done := goErr(func() error { return s.session.WriteValue(s.ctx, []byte{0x01}, ctrl, true) })
	call := s.AwaitCall("WriteValue")
	cause := errors.New("att: write not permitted")
	s.Delegate().ValueWritten(peripheralA, call.Handle(), cause)

	err := s.wait(done)
	s.ErrorIs(err, device.ErrDriverFailure, "driver error MUST surface as ErrDriverFailure")
	s.ErrorIs(err, cause, "driver error MUST be wrapped")
}

func (s *SessionTestSuite) TestWriteWithoutResponse_WaitsForReadiness() {
	// GOAL: Verify an unacknowledged write is parked until the driver can send
	//
	// TEST SCENARIO: driver not ready → write parked → ReadyToSend → driver write issued → call returns

	_, meas, _ := s.discover(peripheralA)
	s.Driver.On("CanSendWriteWithoutResponse", peripheralA).Return(false)

	done := goErr(func() error { return s.session.WriteValue(s.ctx, []byte{0xAA}, meas, false) })
	s.AwaitCall("CanSendWriteWithoutResponse")
	s.WaitUntil(func() bool { return s.pending(peripheralA) == 1 }, "write MUST be parked")
	s.AssertNoCall("WriteValue")

	s.Delegate().ReadyToSendWithoutResponse(peripheralA)

	call := s.AwaitCall("WriteValue")
	s.Equal(false, call.Args[3], "write MUST NOT request a response")
	s.NoError(s.wait(done))
}

func (s *SessionTestSuite) TestWriteWithoutResponse_ImmediateWhenReady() {
	_, meas, _ := s.discover(peripheralA)
	s.Driver.On("CanSendWriteWithoutResponse", peripheralA).Return(true)

	s.NoError(s.session.WriteValue(s.ctx, []byte{0xAA}, meas, false))
	call := s.AwaitCall("WriteValue")
	s.Equal([]byte{0xAA}, call.Args[2])
	s.Equal(0, s.pending(peripheralA))
}

func (s *SessionTestSuite) TestWriteWithoutResponse_NewerWriteSupersedesParked() {
	// GOAL: Verify an unacknowledged write never overtakes one that is parked for the same peripheral
	//
	// TEST SCENARIO: driver not ready → write [1] parked → driver ready again → write [2] →
	// [1] fails with ErrCancelled, [2] parked in its place → ReadyToSend → only [2] reaches the driver

	_, meas, _ := s.discover(peripheralA)
	s.Driver.On("CanSendWriteWithoutResponse", peripheralA).Return(false).Once()
	s.Driver.On("CanSendWriteWithoutResponse", peripheralA).Return(true)

	first := goErr(func() error { return s.session.WriteValue(s.ctx, []byte{0x01}, meas, false) })
	s.AwaitCall("CanSendWriteWithoutResponse")
	s.WaitUntil(func() bool { return s.pending(peripheralA) == 1 }, "first write MUST be parked")

	second := goErr(func() error { return s.session.WriteValue(s.ctx, []byte{0x02}, meas, false) })

	s.ErrorIs(s.wait(first), device.ErrCancelled, "parked write MUST be superseded")
	s.Equal(1, s.pending(peripheralA), "newer write MUST wait in the parked slot")
	s.AssertNoCall("WriteValue")

	s.Delegate().ReadyToSendWithoutResponse(peripheralA)

	call := s.AwaitCall("WriteValue")
	s.Equal([]byte{0x02}, call.Args[2], "only the newest write MUST reach the driver")
	s.NoError(s.wait(second))
	s.Len(s.Driver.CallsOf("WriteValue"), 1)
}

// ----------------------------
// Disconnect cascade
// ----------------------------

func (s *SessionTestSuite) TestDisconnect_CascadesEveryPendingOperation() {
	// GOAL: Verify a disconnect fails every pending operation of the peripheral across kinds
	//
	// TEST SCENARIO: P with pending read, write, mtu and an active notification stream, Q with
	// a pending read → P disconnects → P operations fail with ErrDisconnected, registry for P
	// empty, disconnect event published, Q untouched

	_, meas, ctrl := s.discover(peripheralA)
	_, measB, _ := s.discover(peripheralB)
	values := s.startNotify(meas)

	read := goResult(func() ([]byte, error) { return s.session.ReadValue(s.ctx, meas) })
	s.AwaitCall("ReadValue")
	write := goErr(func() error { return s.session.WriteValue(s.ctx, []byte{1}, ctrl, true) })
	s.AwaitCall("WriteValue")
	mtu := goResult(func() (int, error) { return s.session.MaximumTransmissionUnit(s.ctx, peripheralA) })
	s.AwaitCall("ReadMTU")
	other := goResult(func() ([]byte, error) { return s.session.ReadValue(s.ctx, measB) })
	s.AwaitCall("ReadValue")
	s.Equal(4, s.pending(peripheralA), "read, write, mtu and notify MUST be pending")

	cause := errors.New("supervision timeout")
	s.Delegate().Disconnected(peripheralA, cause)

	_, err := waitFor(s, read)
	s.ErrorIs(err, device.ErrDisconnected, "read MUST fail with ErrDisconnected")
	s.ErrorIs(err, cause, "cascade MUST carry the disconnect cause")
	s.ErrorIs(s.wait(write), device.ErrDisconnected, "write MUST fail with ErrDisconnected")
	_, err = waitFor(s, mtu)
	s.ErrorIs(err, device.ErrDisconnected, "mtu MUST fail with ErrDisconnected")

	select {
	case <-values.Done():
		s.ErrorIs(values.Err(), device.ErrDisconnected, "notification stream MUST end with ErrDisconnected")
	case <-time.After(s.TestTimeout):
		s.FailNow("notification stream MUST terminate on disconnect")
	}

	s.Equal(0, s.pending(peripheralA), "registry for P MUST be empty")
	s.Equal(1, s.pending(peripheralB), "other peripherals MUST be untouched")

	select {
	case ev := <-s.session.Disconnects():
		s.Equal(peripheralA, ev.Peripheral)
		s.ErrorIs(ev.Cause, cause)
	case <-time.After(s.TestTimeout):
		s.FailNow("disconnect event MUST be published")
	}

	state, err := s.session.ConnectionState(s.ctx, peripheralA)
	s.Require().NoError(err)
	s.Equal(device.StateDisconnected, state)

	_, err = s.session.ReadValue(s.ctx, meas)
	s.ErrorIs(err, device.ErrDisconnected, "stale characteristic MUST be rejected after disconnect")

	s.Delegate().ValueUpdated(peripheralB, "meas-"+string(peripheralB), []byte{9}, nil)
	value, err := waitFor(s, other)
	s.NoError(err)
	s.Equal([]byte{9}, value)
}

func (s *SessionTestSuite) TestDisconnect_RequestedDisconnect() {
	s.connect(peripheralA)

	s.Require().NoError(s.session.Disconnect(s.ctx, peripheralA))
	s.AwaitCall("CancelConnection")
	state, err := s.session.ConnectionState(s.ctx, peripheralA)
	s.Require().NoError(err)
	s.Equal(device.StateDisconnecting, state)

	s.Delegate().Disconnected(peripheralA, nil)
	select {
	case ev := <-s.session.Disconnects():
		s.Equal(peripheralA, ev.Peripheral)
		s.NoError(ev.Cause, "requested disconnect MUST carry no cause")
	case <-time.After(s.TestTimeout):
		s.FailNow("disconnect event MUST be published")
	}
}

func (s *SessionTestSuite) TestDisconnectAll_CancelsLiveConnections() {
	// GOAL: Verify DisconnectAll asks the driver to drop every live connection and nothing else
	//
	// TEST SCENARIO: A and B connected, C only observed → DisconnectAll → CancelConnection(A, B),
	// both Disconnecting, C untouched

	s.connect(peripheralA)
	s.connect(peripheralB)
	const idle device.PeripheralID = "AA:BB:CC:DD:EE:03"
	s.observe(idle)

	s.Require().NoError(s.session.DisconnectAll(s.ctx), "DisconnectAll MUST succeed")

	var cancelled []device.PeripheralID
	for _, call := range s.Driver.CallsOf("CancelConnection") {
		cancelled = append(cancelled, call.Peripheral())
	}
	s.ElementsMatch([]device.PeripheralID{peripheralA, peripheralB}, cancelled, "only live connections MUST be cancelled")

	for p, want := range map[device.PeripheralID]device.ConnectionState{
		peripheralA: device.StateDisconnecting,
		peripheralB: device.StateDisconnecting,
		idle:        device.StateDisconnected,
	} {
		state, err := s.session.ConnectionState(s.ctx, p)
		s.Require().NoError(err)
		s.Equal(want, state, "%s MUST be %s", p, want)
	}
}

func (s *SessionTestSuite) TestStateStreams_KeepLatestValue() {
	// GOAL: Verify the single-slot power and scanning streams always hold the latest state
	//
	// TEST SCENARIO: powered on in setup → power stream yields On; scan → scanning true;
	// stop → scanning false

	select {
	case state := <-s.session.PowerStates():
		s.Equal(device.PowerOn, state, "power stream MUST keep only the latest state")
	case <-time.After(s.TestTimeout):
		s.FailNow("power state MUST be published")
	}

	nextScanning := func() bool {
		select {
		case active := <-s.session.Scanning():
			return active
		case <-time.After(s.TestTimeout):
			s.FailNow("scanning flag MUST be published")
			return false
		}
	}

	_, err := s.session.Scan(s.ctx, nil, false)
	s.Require().NoError(err)
	s.True(nextScanning(), "scanning MUST be reported active")

	s.Require().NoError(s.session.StopScan(s.ctx))
	s.False(nextScanning(), "scanning MUST be reported stopped")
}

func (s *SessionTestSuite) TestConnect_DriverFailure() {
	s.observe(peripheralA)
	done := goErr(func() error { return s.session.Connect(s.ctx, peripheralA) })
	s.AwaitCall("Connect")

	s.Delegate().ConnectFailed(peripheralA, errors.New("le connection failed"))

	s.ErrorIs(s.wait(done), device.ErrDriverFailure, "connect MUST fail with ErrDriverFailure")
	state, err := s.session.ConnectionState(s.ctx, peripheralA)
	s.Require().NoError(err)
	s.Equal(device.StateDisconnected, state)
}

func (s *SessionTestSuite) TestConnect_AlreadyConnected() {
	s.connect(peripheralA)

	s.NoError(s.session.Connect(s.ctx, peripheralA), "connect on a connected peripheral MUST succeed")
	s.Len(s.Driver.CallsOf("Connect"), 1, "driver MUST NOT be asked to connect twice")
}

// ----------------------------
// Scan
// ----------------------------

func (s *SessionTestSuite) TestStopScan_Idempotent() {
	// GOAL: Verify stopScan without an active scan succeeds without side effects

	s.NoError(s.session.StopScan(s.ctx))
	s.NoError(s.session.StopScan(s.ctx))
	s.AssertNoCall("StopScan")
}

func (s *SessionTestSuite) TestScan_RelaysDuplicates() {
	// GOAL: Verify the session does not suppress duplicate advertisements
	//
	// TEST SCENARIO: scan(no filter, allowDuplicates=false) → driver reports P twice → two results

	results, err := s.session.Scan(s.ctx, nil, false)
	s.Require().NoError(err, "scan MUST start")
	call := s.AwaitCall("Scan")
	s.Equal(false, call.Args[1])

	s.Delegate().PeripheralDiscovered(peripheralA, device.Advertisement{LocalName: "hr"}, -40)
	s.Delegate().PeripheralDiscovered(peripheralA, device.Advertisement{LocalName: "hr"}, -41)

	for i, rssi := range []int{-40, -41} {
		select {
		case r := <-results.C():
			s.Equal(peripheralA, r.Peripheral, "result %d MUST be P", i)
			s.Equal(rssi, r.RSSI)
		case <-time.After(s.TestTimeout):
			s.FailNow("scan MUST relay every advertisement")
		}
	}

	s.Require().NoError(s.session.StopScan(s.ctx))
	s.AwaitCall("StopScan")
	<-results.Done()
	s.NoError(results.Err(), "stopped scan MUST finish normally")
}

func (s *SessionTestSuite) TestScan_NewScanSupersedesOld() {
	first, err := s.session.Scan(s.ctx, nil, true)
	s.Require().NoError(err)
	second, err := s.session.Scan(s.ctx, nil, true)
	s.Require().NoError(err)

	<-first.Done()
	s.ErrorIs(first.Err(), device.ErrCancelled, "old scan MUST fail with ErrCancelled")

	s.Delegate().ScanStopped(errors.New("controller reset"))
	<-second.Done()
	s.ErrorIs(second.Err(), device.ErrDriverFailure, "driver scan error MUST fail the stream")
}

func (s *SessionTestSuite) TestScan_ContextCancelStopsScan() {
	ctx, cancel := context.WithCancel(s.ctx)
	results, err := s.session.Scan(ctx, nil, false)
	s.Require().NoError(err)
	s.AwaitCall("Scan")

	cancel()

	s.AwaitCall("StopScan")
	<-results.Done()
	s.ErrorIs(results.Err(), device.ErrCancelled, "cancelled scan MUST end with ErrCancelled")
}

func (s *SessionTestSuite) TestScan_EvictsIdleDisconnectedPeripherals() {
	s.observe(peripheralA)
	s.connect(peripheralB)

	_, err := s.session.Scan(s.ctx, nil, false)
	s.Require().NoError(err)

	ids, err := s.session.Peripherals(s.ctx)
	s.Require().NoError(err)
	s.Equal([]device.PeripheralID{peripheralB}, ids, "only the connected peripheral MUST survive a new scan")
}

// ----------------------------
// Notifications
// ----------------------------

func (s *SessionTestSuite) TestNotify_DeliversUntilStopped() {
	_, meas, _ := s.discover(peripheralA)
	values := s.startNotify(meas)

	s.Delegate().ValueUpdated(peripheralA, "meas-"+string(peripheralA), []byte{0x00, 0x50}, nil)
	select {
	case v := <-values.C():
		s.Equal([]byte{0x00, 0x50}, v)
	case <-time.After(s.TestTimeout):
		s.FailNow("notification MUST be delivered")
	}

	done := goErr(func() error { return s.session.StopNotifications(s.ctx, meas) })
	call := s.AwaitCall("SetNotifyValue")
	s.Equal(false, call.Args[2])
	s.Delegate().NotificationStateChanged(peripheralA, call.Handle(), false, nil)
	s.NoError(s.wait(done))

	<-values.Done()
	s.NoError(values.Err(), "stopped notifications MUST finish normally")
}

func (s *SessionTestSuite) TestNotify_ReadTakesPrecedence() {
	// GOAL: Verify a value arriving while both a read and a notification are pending
	// resolves the read only

	_, meas, _ := s.discover(peripheralA)
	values := s.startNotify(meas)

	read := goResult(func() ([]byte, error) { return s.session.ReadValue(s.ctx, meas) })
	call := s.AwaitCall("ReadValue")
	s.Delegate().ValueUpdated(peripheralA, call.Handle(), []byte{7}, nil)

	value, err := waitFor(s, read)
	s.Require().NoError(err)
	s.Equal([]byte{7}, value)

	select {
	case v := <-values.C():
		s.Failf("notification consumer MUST NOT see the read value", "got %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *SessionTestSuite) TestNotify_ContextCancelDisablesNotifications() {
	_, meas, _ := s.discover(peripheralA)

	ctx, cancel := context.WithCancel(s.ctx)
	res := goResult(func() (*stream.Stream[[]byte], error) { return s.session.Notify(ctx, meas) })
	call := s.AwaitCall("SetNotifyValue")
	s.Delegate().NotificationStateChanged(peripheralA, call.Handle(), true, nil)
	values, err := waitFor(s, res)
	s.Require().NoError(err)

	cancel()

	off := s.AwaitCall("SetNotifyValue")
	s.Equal(false, off.Args[2], "cancellation MUST disable notifications")
	<-values.Done()
	s.ErrorIs(values.Err(), device.ErrCancelled)
}

func (s *SessionTestSuite) TestNotify_CancelWhileStartingExpectsLateAcknowledgement() {
	// GOAL: Verify a notify start cancelled before the driver answered does not report
	// the driver's late acknowledgement as an inconsistency
	//
	// TEST SCENARIO: Notify pending → caller cancels → notifications disabled → driver
	// acknowledges enable, then disable → nothing pending, no inconsistency warning

	_, meas, _ := s.discover(peripheralA)

	ctx, cancel := context.WithCancel(s.ctx)
	res := goResult(func() (*stream.Stream[[]byte], error) { return s.session.Notify(ctx, meas) })
	on := s.AwaitCall("SetNotifyValue")
	s.Equal(true, on.Args[2])

	s.Helper.Hook.Reset()
	cancel()
	_, err := waitFor(s, res)
	s.ErrorIs(err, device.ErrCancelled, "cancelled notify MUST fail with ErrCancelled")

	off := s.AwaitCall("SetNotifyValue")
	s.Equal(false, off.Args[2], "cancellation MUST disable notifications")

	s.Delegate().NotificationStateChanged(peripheralA, on.Handle(), true, nil)
	s.Delegate().NotificationStateChanged(peripheralA, off.Handle(), false, nil)
	s.WaitUntil(func() bool { return s.pending(peripheralA) == 0 }, "stop MUST be acknowledged")

	for _, msg := range s.Helper.LoggedMessages(logrus.WarnLevel) {
		s.NotContains(msg, "Internal inconsistency", "late enable acknowledgement MUST be expected")
	}
}

// ----------------------------
// Discovery
// ----------------------------

func (s *SessionTestSuite) TestRediscovery_InvalidatesPendingOperations() {
	// GOAL: Verify operations on attributes dropped by a re-discovery fail with ErrInvalidAttribute

	_, meas, _ := s.discover(peripheralA)
	read := goResult(func() ([]byte, error) { return s.session.ReadValue(s.ctx, meas) })
	s.AwaitCall("ReadValue")

	svcs := goResult(func() ([]device.Service, error) { return s.session.DiscoverServices(s.ctx, peripheralA, nil) })
	s.AwaitCall("DiscoverServices")
	s.Delegate().ServicesDiscovered(peripheralA, nil, nil)
	services, err := waitFor(s, svcs)
	s.Require().NoError(err)
	s.Empty(services)

	_, err = waitFor(s, read)
	s.ErrorIs(err, device.ErrInvalidAttribute, "read on a dropped characteristic MUST fail")
}

func (s *SessionTestSuite) TestReconnect_StaleAttributesAreNotReused() {
	// GOAL: Verify identifiers discovered before a disconnect stay invalid after reconnecting
	//
	// TEST SCENARIO: discover → link lost → reconnect without re-discovery → read the old
	// characteristic → InvalidAttributeError, driver untouched

	_, meas, _ := s.discover(peripheralA)
	s.Delegate().Disconnected(peripheralA, errors.New("link lost"))
	s.WaitUntil(func() bool {
		state, err := s.session.ConnectionState(s.ctx, peripheralA)
		return err == nil && state == device.StateDisconnected
	}, "peripheral MUST be disconnected")

	s.connect(peripheralA)
	_, err := s.session.ReadValue(s.ctx, meas)

	var attrErr *device.InvalidAttributeError
	s.Require().ErrorAs(err, &attrErr, "stale characteristic MUST fail with InvalidAttributeError")
	s.Equal(heartRateMeasure, attrErr.UUID)
	s.AssertNoCall("ReadValue")
}

func (s *SessionTestSuite) TestDiscoverDescriptors() {
	_, meas, _ := s.discover(peripheralA)

	res := goResult(func() ([]device.Descriptor, error) { return s.session.DiscoverDescriptors(s.ctx, meas, nil) })
	call := s.AwaitCall("DiscoverDescriptors")
	s.Delegate().DescriptorsDiscovered(peripheralA, call.Handle(), []device.DiscoveredDescriptor{
		{Handle: "cccd", UUID: ble.UUID16(0x2902)},
	}, nil)

	descs, err := waitFor(s, res)
	s.Require().NoError(err)
	s.Require().Len(descs, 1)
	s.Equal(meas.ID, descs[0].Characteristic)
}

// ----------------------------
// MTU
// ----------------------------

func (s *SessionTestSuite) TestMTU_CacheMissBoundary() {
	// GOAL: Verify the MTU query only requires the peripheral to be cached
	//
	// TEST SCENARIO: ghost → ErrUnknownPeripheral; cached but unconnected → driver value

	_, err := s.session.MaximumTransmissionUnit(s.ctx, "ghost")
	s.ErrorIs(err, device.ErrUnknownPeripheral)

	s.observe(peripheralA)
	res := goResult(func() (int, error) { return s.session.MaximumTransmissionUnit(s.ctx, peripheralA) })
	s.AwaitCall("ReadMTU")
	s.Delegate().MTUUpdated(peripheralA, 23, nil)

	mtu, err := waitFor(s, res)
	s.Require().NoError(err)
	s.Equal(23, mtu)
}

// ----------------------------
// Power and lifecycle
// ----------------------------

func (s *SessionTestSuite) TestPowerLoss_FailsEverything() {
	// GOAL: Verify leaving PowerOn fails the scan and cascades every live peripheral

	_, meas, _ := s.discover(peripheralA)
	results, err := s.session.Scan(s.ctx, nil, true)
	s.Require().NoError(err)
	read := goResult(func() ([]byte, error) { return s.session.ReadValue(s.ctx, meas) })
	s.AwaitCall("ReadValue")

	s.Delegate().PowerStateChanged(device.PowerOff)

	<-results.Done()
	s.ErrorIs(results.Err(), device.ErrInvalidState, "scan MUST fail with ErrInvalidState")
	_, err = waitFor(s, read)
	s.ErrorIs(err, device.ErrDisconnected, "read MUST be cascaded")
	s.ErrorIs(err, device.ErrInvalidState, "cascade cause MUST be the power loss")
}

func (s *SessionTestSuite) TestCancel_ConnectCancelsDriver() {
	s.observe(peripheralA)
	ctx, cancel := context.WithCancel(s.ctx)
	done := goErr(func() error { return s.session.Connect(ctx, peripheralA) })
	s.AwaitCall("Connect")

	cancel()

	s.ErrorIs(s.wait(done), device.ErrCancelled, "cancelled connect MUST fail with ErrCancelled")
	call := s.AwaitCall("CancelConnection")
	s.Equal(peripheralA, call.Peripheral())
	s.Equal(0, s.pending(peripheralA))
}

func (s *SessionTestSuite) TestClose_FailsPendingOperations() {
	s.observe(peripheralA)
	done := goErr(func() error { return s.session.Connect(s.ctx, peripheralA) })
	s.AwaitCall("Connect")

	s.Require().NoError(s.session.Close())

	s.ErrorIs(s.wait(done), device.ErrClosed, "pending connect MUST fail with ErrClosed")
	s.ErrorIs(s.session.Connect(s.ctx, peripheralA), device.ErrClosed, "operations after close MUST fail")
	s.Driver.AssertCalled(s.T(), "Stop")
}

func (s *SessionTestSuite) TestWillRestore_SeedsCache() {
	s.Delegate().WillRestore([]device.RestoredPeripheral{{Peripheral: peripheralA, State: device.StateConnected}})

	s.WaitUntil(func() bool {
		state, err := s.session.ConnectionState(s.ctx, peripheralA)
		return err == nil && state == device.StateConnected
	}, "restored peripheral MUST be cached with its state")
	s.NoError(s.session.Connect(s.ctx, peripheralA))
}

func TestSessionTestSuite(t *testing.T) {
	suite.Run(t, new(SessionTestSuite))
}

func TestNewSession_RejectsSmallScanBuffer(t *testing.T) {
	driver := &struct{ device.Driver }{}
	_, err := central.NewSession(driver, &central.Options{ScanBuffer: 10}, nil)
	if err == nil {
		t.Fatal("scan buffer below 100 MUST be rejected")
	}
}
