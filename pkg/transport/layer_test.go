package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braice/MuMuDVB-sub000/pkg/device"
)

type recorded struct {
	reason Reason
	data   []byte
	slotID uint8
	connID uint8
}

type recorder struct {
	mu     sync.Mutex
	events []recorded
}

func (r *recorder) callback(reason Reason, data []byte, slotID, connID uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{reason, append([]byte(nil), data...), slotID, connID})
}

func (r *recorder) all() []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recorded(nil), r.events...)
}

type testStack struct {
	layer *Layer
	mem   *device.Memory
	cam   *device.CAMEnd
	rec   *recorder
	clock time.Time
	slot  uint8
}

const (
	testTimeout   = time.Second
	testPollDelay = 100 * time.Millisecond
)

func newTestStack(t *testing.T, cfg Config) *testStack {
	t.Helper()
	ts := &testStack{
		mem:   device.NewMemory(2),
		rec:   &recorder{},
		clock: time.Unix(1000, 0),
	}
	ts.cam = ts.mem.CAM()
	ts.layer = New(cfg, nil)
	ts.layer.now = func() time.Time { return ts.clock }
	ts.layer.RegisterCallback(ts.rec.callback)
	slot, err := ts.layer.RegisterSlot(ts.mem, 0, testTimeout, testPollDelay)
	require.NoError(t, err)
	ts.slot = slot
	return ts
}

func (ts *testStack) poll(t *testing.T) {
	t.Helper()
	require.NoError(t, ts.layer.Poll(context.Background()))
}

func (ts *testStack) fromCAM(t *testing.T, data ...byte) {
	t.Helper()
	require.NoError(t, ts.cam.WriteFrame(context.Background(), device.Frame{Slot: 0, Data: data}))
}

func (ts *testStack) toCAM(t *testing.T) []byte {
	t.Helper()
	f, err := ts.cam.ReadFrame(context.Background())
	require.NoError(t, err)
	require.NotNil(t, f, "expected a frame from the host")
	return f.Data
}

func (ts *testStack) noFrameToCAM(t *testing.T) {
	t.Helper()
	f, err := ts.cam.ReadFrame(context.Background())
	require.NoError(t, err)
	require.Nil(t, f)
}

func (ts *testStack) state(t *testing.T, connID uint8) State {
	t.Helper()
	st, err := ts.layer.ConnectionState(ts.slot, connID)
	require.NoError(t, err)
	return st
}

// activate creates connection 1 and leaves it Active with no request outstanding
func (ts *testStack) activate(t *testing.T) uint8 {
	t.Helper()
	connID, err := ts.layer.NewTC(ts.slot)
	require.NoError(t, err)
	ts.poll(t)
	require.Equal(t, []byte{TagCreateTC, 0x01, connID}, ts.toCAM(t))
	ts.fromCAM(t, TagCTCReply, 0x01, connID)
	ts.poll(t)
	require.Equal(t, []byte{TagDataLast, 0x01, connID}, ts.toCAM(t), "poll probe")
	ts.fromCAM(t, TagSB, 0x02, connID, 0x00)
	ts.poll(t)
	return connID
}

func TestLayer_ConnectionLifecycle(t *testing.T) {
	ts := newTestStack(t, DefaultConfig())

	connID, err := ts.layer.NewTC(ts.slot)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), connID)
	assert.Equal(t, StateInCreation, ts.state(t, connID))

	ts.poll(t)
	assert.Equal(t, []byte{0x82, 0x01, 0x01}, ts.toCAM(t))

	ts.fromCAM(t, 0x83, 0x01, 0x01)
	ts.poll(t)
	assert.Equal(t, StateActive, ts.state(t, connID))
	events := ts.rec.all()
	require.Len(t, events, 1)
	assert.Equal(t, ReasonConnectionOpen, events[0].reason)
	assert.Equal(t, connID, events[0].connID)
	assert.Equal(t, []byte{0xa0, 0x01, 0x01}, ts.toCAM(t))

	ts.fromCAM(t, 0x80, 0x02, 0x01, 0x00)
	ts.poll(t)
	ts.noFrameToCAM(t)

	require.NoError(t, ts.layer.DelTC(ts.slot, connID))
	assert.Equal(t, StateActiveDeleteQueued, ts.state(t, connID))
	ts.poll(t)
	assert.Equal(t, []byte{0x84, 0x01, 0x01}, ts.toCAM(t))
	assert.Equal(t, StateInDeletion, ts.state(t, connID))

	ts.fromCAM(t, 0x85, 0x01, 0x01)
	ts.poll(t)
	assert.Equal(t, StateIdle, ts.state(t, connID))
}

func TestLayer_FragmentReassembly(t *testing.T) {
	ts := newTestStack(t, DefaultConfig())
	connID := ts.activate(t)

	ts.fromCAM(t,
		0xa1, 0x03, connID, 'a', 'b',
		0xa1, 0x02, connID, 'c',
	)
	ts.poll(t)
	ts.fromCAM(t, 0xa0, 0x02, connID, 'd')
	ts.poll(t)

	var data []recorded
	for _, ev := range ts.rec.all() {
		if ev.reason == ReasonData {
			data = append(data, ev)
		}
	}
	require.Len(t, data, 1)
	assert.Equal(t, []byte("abcd"), data[0].data)
	assert.False(t, ts.layer.slots[ts.slot].connections[connID].chain.InProgress())
	assert.Equal(t, uint64(1), ts.layer.Statistics().GetRxBlocks())
}

func TestLayer_SinglePacketAndStatusByte(t *testing.T) {
	ts := newTestStack(t, DefaultConfig())
	connID := ts.activate(t)

	ts.clock = ts.clock.Add(2 * testPollDelay)
	ts.poll(t)
	assert.Equal(t, []byte{0xa0, 0x01, connID}, ts.toCAM(t))

	// module has data: the host must ask for it with T_RCV
	ts.fromCAM(t, 0x80, 0x02, connID, 0x80)
	ts.poll(t)
	assert.Equal(t, []byte{0x81, 0x01, connID}, ts.toCAM(t))

	ts.fromCAM(t, 0xa0, 0x05, connID, 0x90, 0x02, 0x00, 0x01, 0x80, 0x02, connID, 0x00)
	ts.poll(t)
	events := ts.rec.all()
	last := events[len(events)-1]
	assert.Equal(t, ReasonData, last.reason)
	assert.Equal(t, []byte{0x90, 0x02, 0x00, 0x01}, last.data)
}

func TestLayer_TimeoutEscalation(t *testing.T) {
	t.Run("active connection is fatal", func(t *testing.T) {
		ts := newTestStack(t, DefaultConfig())
		connID := ts.activate(t)

		ts.clock = ts.clock.Add(2 * testPollDelay)
		ts.poll(t)
		ts.toCAM(t)

		ts.clock = ts.clock.Add(2 * testTimeout)
		err := ts.layer.Poll(context.Background())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTimeout)
		var slotErr *SlotError
		require.True(t, errors.As(err, &slotErr))
		assert.Equal(t, ts.slot, slotErr.Slot)
		assert.Equal(t, StateActive, ts.state(t, connID))
		assert.Equal(t, uint64(1), ts.layer.Statistics().GetTimeouts())
	})

	t.Run("connection in creation reverts to idle", func(t *testing.T) {
		ts := newTestStack(t, DefaultConfig())
		connID, err := ts.layer.NewTC(ts.slot)
		require.NoError(t, err)
		ts.poll(t)
		ts.toCAM(t)

		ts.clock = ts.clock.Add(2 * testTimeout)
		ts.poll(t)
		assert.Equal(t, StateIdle, ts.state(t, connID))

		again, err := ts.layer.NewTC(ts.slot)
		require.NoError(t, err)
		assert.Equal(t, connID, again, "reverted id is reused")
		ts.poll(t)
		assert.Equal(t, []byte{0x82, 0x01, again}, ts.toCAM(t))
	})
}

func TestLayer_CAMInitiatedConnection(t *testing.T) {
	ts := newTestStack(t, DefaultConfig())
	connID := ts.activate(t)

	ts.fromCAM(t, 0x86, 0x01, connID)
	ts.poll(t)
	assert.Equal(t, []byte{0x87, 0x02, connID, 0x02}, ts.toCAM(t))
	assert.Equal(t, []byte{0x82, 0x01, 0x02}, ts.toCAM(t))
	assert.Equal(t, StateInCreation, ts.state(t, 2))

	events := ts.rec.all()
	last := events[len(events)-1]
	assert.Equal(t, ReasonCAMConnectionOpen, last.reason)
	assert.Equal(t, uint8(2), last.connID)
}

func TestLayer_CAMRequestWithoutFreeConnection(t *testing.T) {
	ts := newTestStack(t, Config{MaxConnectionsPerSlot: 2})
	connID := ts.activate(t)

	ts.fromCAM(t, 0x86, 0x01, connID)
	ts.poll(t)
	assert.Equal(t, []byte{0x77, 0x02, connID, 0x01}, ts.toCAM(t))

	_, err := ts.layer.NewTC(ts.slot)
	assert.ErrorIs(t, err, ErrOutOfConnections)
}

func TestLayer_CAMDeletesConnection(t *testing.T) {
	ts := newTestStack(t, DefaultConfig())
	connID := ts.activate(t)

	ts.fromCAM(t, 0x84, 0x01, connID)
	ts.poll(t)
	assert.Equal(t, []byte{0x85, 0x01, connID}, ts.toCAM(t))
	assert.Equal(t, StateIdle, ts.state(t, connID))

	events := ts.rec.all()
	assert.Equal(t, ReasonConnectionClose, events[len(events)-1].reason)
}

func TestLayer_BadCAMDataIsNotFatal(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"length past end", []byte{0xa0, 0x05, 0x01, 0x00}},
		{"zero length", []byte{0xa0, 0x00}},
		{"invalid length field", []byte{0xa0, 0x83, 0x00, 0x00, 0x00}},
		{"unknown tag", []byte{0x99, 0x01, 0x01}},
		{"connection id out of range", []byte{0xa0, 0x01, 0xfe}},
		{"reply for active connection", []byte{0x83, 0x01, 0x01}},
		{"status byte too long", []byte{0x80, 0x03, 0x01, 0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestStack(t, DefaultConfig())
			ts.activate(t)
			ts.fromCAM(t, tt.data...)
			require.NoError(t, ts.layer.Poll(context.Background()))
			assert.Equal(t, uint64(1), ts.layer.Statistics().GetBadCAMData())
			assert.Equal(t, StateActive, ts.state(t, 1))
		})
	}
}

func TestLayer_SendData(t *testing.T) {
	ts := newTestStack(t, DefaultConfig())
	connID := ts.activate(t)

	pending, err := ts.layer.NewTC(ts.slot)
	require.NoError(t, err)
	assert.ErrorIs(t, ts.layer.SendData(ts.slot, pending, []byte{1}), ErrBadState)

	require.NoError(t, ts.layer.SendDataV(ts.slot, connID, [][]byte{{0x91, 0x04}, {0x00, 0x01, 0x00, 0x41}}))
	ts.poll(t)
	assert.Equal(t, []byte{0xa0, 0x07, connID, 0x91, 0x04, 0x00, 0x01, 0x00, 0x41}, ts.toCAM(t))
	assert.Equal(t, []byte{0x82, 0x01, pending}, ts.toCAM(t))

	assert.ErrorIs(t, ts.layer.SendData(9, connID, nil), ErrBadSlotID)
	assert.ErrorIs(t, ts.layer.SendData(ts.slot, 200, nil), ErrBadConnectionID)
}

func TestLayer_CallbackMayReenter(t *testing.T) {
	ts := newTestStack(t, DefaultConfig())
	var sendErr error
	ts.layer.RegisterCallback(func(reason Reason, data []byte, slotID, connID uint8) {
		if reason == ReasonConnectionOpen {
			sendErr = ts.layer.SendData(slotID, connID, []byte{0x01})
		}
	})

	connID, err := ts.layer.NewTC(ts.slot)
	require.NoError(t, err)
	ts.poll(t)
	ts.toCAM(t)
	ts.fromCAM(t, 0x83, 0x01, connID)
	ts.poll(t)

	require.NoError(t, sendErr)
	assert.Equal(t, []byte{0xa0, 0x02, connID, 0x01}, ts.toCAM(t))
}

func TestLayer_SiblingSlotRouting(t *testing.T) {
	ts := newTestStack(t, DefaultConfig())
	other, err := ts.layer.RegisterSlot(ts.mem, 1, testTimeout, testPollDelay)
	require.NoError(t, err)

	connID, err := ts.layer.NewTC(other)
	require.NoError(t, err)
	ts.poll(t)
	f, err := ts.cam.ReadFrame(context.Background())
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, uint8(1), f.Slot)

	require.NoError(t, ts.cam.WriteFrame(context.Background(), device.Frame{Slot: 1, Data: []byte{0x83, 0x01, connID}}))
	ts.poll(t)
	st, err := ts.layer.ConnectionState(other, connID)
	require.NoError(t, err)
	assert.Equal(t, StateActive, st)

	require.NoError(t, ts.cam.WriteFrame(context.Background(), device.Frame{Slot: 7, Data: []byte{0x83, 0x01, connID}}))
	require.NoError(t, ts.layer.Poll(context.Background()))
	assert.Equal(t, uint64(1), ts.layer.Statistics().GetBadCAMData())
}

func TestLayer_DestroySlot(t *testing.T) {
	ts := newTestStack(t, DefaultConfig())
	ts.activate(t)

	ts.layer.DestroySlot(ts.slot)
	events := ts.rec.all()
	last := events[len(events)-1]
	assert.Equal(t, ReasonSlotClose, last.reason)
	assert.Equal(t, ts.slot, last.slotID)

	_, err := ts.layer.ConnectionState(ts.slot, 1)
	assert.ErrorIs(t, err, ErrBadSlotID)

	again, err := ts.layer.RegisterSlot(ts.mem, 0, testTimeout, testPollDelay)
	require.NoError(t, err)
	assert.Equal(t, ts.slot, again)
}

func TestLayer_OutOfSlots(t *testing.T) {
	l := New(Config{MaxSlots: 1}, nil)
	mem := device.NewMemory(1)
	_, err := l.RegisterSlot(mem, 0, testTimeout, testPollDelay)
	require.NoError(t, err)
	_, err = l.RegisterSlot(mem, 0, testTimeout, testPollDelay)
	assert.ErrorIs(t, err, ErrOutOfSlots)
}

func TestLayer_DeviceReadFailureIsFatal(t *testing.T) {
	ts := newTestStack(t, DefaultConfig())
	require.NoError(t, ts.mem.Close())
	err := ts.layer.Poll(context.Background())
	assert.ErrorIs(t, err, ErrCARead)
	assert.ErrorIs(t, err, device.ErrClosed)
}
