package session

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braice/MuMuDVB-sub000/pkg/transport"
)

type sent struct {
	slotID uint8
	connID uint8
	data   []byte
}

type fakeTransport struct {
	mu      sync.Mutex
	cb      transport.Callback
	sent    []sent
	failErr error
}

func (f *fakeTransport) SendData(slotID, connID uint8, data []byte) error {
	return f.SendDataV(slotID, connID, [][]byte{data})
}

func (f *fakeTransport) SendDataV(slotID, connID uint8, vec [][]byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failErr != nil {
		return f.failErr
	}
	f.sent = append(f.sent, sent{slotID, connID, bytes.Join(vec, nil)})
	return nil
}

func (f *fakeTransport) RegisterCallback(cb transport.Callback) {
	f.cb = cb
}

func (f *fakeTransport) deliver(data []byte, slotID, connID uint8) {
	f.cb(transport.ReasonData, data, slotID, connID)
}

func (f *fakeTransport) last(t *testing.T) sent {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sent)
	return f.sent[len(f.sent)-1]
}

type sessionEvent struct {
	reason Reason
	slotID uint8
	sn     uint16
	rid    uint32
}

type apdu struct {
	sn   uint16
	rid  uint32
	data []byte
}

type harness struct {
	tl       *fakeTransport
	layer    *Layer
	events   []sessionEvent
	apdus    []apdu
	refuse   error
	lookupFn LookupFunc
}

func (h *harness) Message(slotID uint8, sn uint16, rid uint32, data []byte) error {
	h.apdus = append(h.apdus, apdu{sn, rid, append([]byte(nil), data...)})
	return nil
}

const testRID uint32 = 0x00030041

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{tl: &fakeTransport{}}
	h.layer = New(h.tl, DefaultConfig(), nil)
	h.layer.RegisterLookup(func(slotID uint8, rid uint32) (ResourceHandler, uint32, error) {
		if h.lookupFn != nil {
			return h.lookupFn(slotID, rid)
		}
		if rid != testRID {
			return nil, 0, ErrResourceNotFound
		}
		return h, rid, nil
	})
	h.layer.RegisterCallback(func(reason Reason, slotID uint8, sn uint16, rid uint32) error {
		h.events = append(h.events, sessionEvent{reason, slotID, sn, rid})
		if reason == ReasonCAMConnecting {
			return h.refuse
		}
		return nil
	})
	return h
}

func openRequest(rid uint32) []byte {
	return []byte{TagOpenSessionReq, 4, byte(rid >> 24), byte(rid >> 16), byte(rid >> 8), byte(rid)}
}

func TestCAMOpensSession(t *testing.T) {
	h := newHarness(t)
	h.tl.deliver(openRequest(testRID), 0, 1)

	assert.Equal(t, []byte{0x92, 0x07, 0x00, 0x00, 0x03, 0x00, 0x41, 0x00, 0x01}, h.tl.last(t).data)
	state, err := h.layer.SessionState(1)
	require.NoError(t, err)
	assert.Equal(t, StateActive, state)
	assert.Equal(t, []sessionEvent{
		{ReasonCAMConnecting, 0, 1, testRID},
		{ReasonCAMConnected, 0, 1, testRID},
	}, h.events)
}

func TestCAMOpenRefusals(t *testing.T) {
	tests := []struct {
		name   string
		lookup LookupFunc
		refuse error
		status byte
		sn     uint16
	}{
		{
			name: "not found",
			lookup: func(uint8, uint32) (ResourceHandler, uint32, error) {
				return nil, 0, ErrResourceNotFound
			},
			status: 0xF0,
			sn:     0xffff,
		},
		{
			name: "low version",
			lookup: func(uint8, uint32) (ResourceHandler, uint32, error) {
				return nil, 0, ErrResourceLowVersion
			},
			status: 0xF2,
			sn:     0xffff,
		},
		{
			name: "unavailable",
			lookup: func(uint8, uint32) (ResourceHandler, uint32, error) {
				return nil, 0, ErrResourceUnavailable
			},
			status: 0xF1,
			sn:     0xffff,
		},
		{
			name:   "busy",
			refuse: errors.New("no"),
			status: 0xF3,
			sn:     1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.lookupFn = tt.lookup
			h.refuse = tt.refuse
			h.tl.deliver(openRequest(testRID), 0, 1)

			out := h.tl.last(t).data
			require.Len(t, out, 9)
			assert.Equal(t, tt.status, out[2])
			assert.Equal(t, tt.sn, getUint16(out[7:9]))
			state, _ := h.layer.SessionState(1)
			assert.Equal(t, StateIdle, state)
			assert.Equal(t, uint64(1), h.layer.Statistics().GetRefusedOpens())
		})
	}
}

func TestCAMOpenWithoutCallbackIsUnavailable(t *testing.T) {
	h := newHarness(t)
	h.layer.RegisterCallback(nil)
	h.tl.deliver(openRequest(testRID), 0, 1)
	assert.Equal(t, byte(0xF1), h.tl.last(t).data[2])
}

func TestSessionPackageDeliversAPDUs(t *testing.T) {
	h := newHarness(t)
	h.tl.deliver(openRequest(testRID), 0, 1)

	spdu := []byte{0x90, 0x02, 0x00, 0x01,
		0x9f, 0x80, 0x20, 0x00,
		0x9f, 0x80, 0x21, 0x02, 0xaa, 0xbb,
	}
	h.tl.deliver(spdu, 0, 1)

	require.Len(t, h.apdus, 2)
	assert.Equal(t, []byte{0x9f, 0x80, 0x20, 0x00}, h.apdus[0].data)
	assert.Equal(t, []byte{0x9f, 0x80, 0x21, 0x02, 0xaa, 0xbb}, h.apdus[1].data)
	assert.Equal(t, testRID, h.apdus[1].rid)
}

func TestSessionPackageCorruptTail(t *testing.T) {
	h := newHarness(t)
	h.tl.deliver(openRequest(testRID), 0, 1)

	spdu := []byte{0x90, 0x02, 0x00, 0x01,
		0x9f, 0x80, 0x20, 0x00,
		0x9f, 0x80, 0x21, 0x05, 0xaa,
	}
	h.tl.deliver(spdu, 0, 1)

	require.Len(t, h.apdus, 1)
	assert.Equal(t, uint64(1), h.layer.Statistics().GetBadSPDUs())
}

func TestSessionPackageWrongConnection(t *testing.T) {
	h := newHarness(t)
	h.tl.deliver(openRequest(testRID), 0, 1)
	h.tl.deliver([]byte{0x90, 0x02, 0x00, 0x01, 0x9f, 0x80, 0x20, 0x00}, 0, 2)
	assert.Empty(t, h.apdus)
}

func TestCreateSessionFlow(t *testing.T) {
	h := newHarness(t)
	sn, err := h.layer.CreateSession(0, 1, 0x00400041, h)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), sn)
	assert.Equal(t, []byte{0x93, 0x06, 0x00, 0x40, 0x00, 0x41, 0x00, 0x01}, h.tl.last(t).data)

	state, _ := h.layer.SessionState(sn)
	assert.Equal(t, StateInCreation, state)
	assert.ErrorIs(t, h.layer.SendData(sn, []byte{1}), ErrBadState)

	h.tl.deliver([]byte{0x94, 0x07, 0x00, 0x00, 0x40, 0x00, 0x41, 0x00, 0x01}, 0, 1)
	state, _ = h.layer.SessionState(sn)
	assert.Equal(t, StateActive, state)
	assert.Equal(t, sessionEvent{ReasonConnected, 0, 1, 0x00400041}, h.events[len(h.events)-1])

	require.NoError(t, h.layer.SendData(sn, []byte{0x9f, 0x88, 0x01, 0x00}))
	assert.Equal(t, []byte{0x90, 0x02, 0x00, 0x01, 0x9f, 0x88, 0x01, 0x00}, h.tl.last(t).data)
}

func TestCreateSessionRefused(t *testing.T) {
	h := newHarness(t)
	sn, err := h.layer.CreateSession(0, 1, 0x00400041, h)
	require.NoError(t, err)

	h.tl.deliver([]byte{0x94, 0x07, 0xF0, 0x00, 0x40, 0x00, 0x41, 0x00, 0x01}, 0, 1)
	state, _ := h.layer.SessionState(sn)
	assert.Equal(t, StateIdle, state)
	assert.Equal(t, ReasonConnectFail, h.events[len(h.events)-1].reason)
}

func TestCreateSessionSendFailureReverts(t *testing.T) {
	h := newHarness(t)
	h.tl.failErr = transport.ErrBadState
	_, err := h.layer.CreateSession(0, 1, testRID, h)
	assert.ErrorIs(t, err, transport.ErrBadState)
	state, _ := h.layer.SessionState(1)
	assert.Equal(t, StateIdle, state)
}

func TestHostClosesSession(t *testing.T) {
	h := newHarness(t)
	h.tl.deliver(openRequest(testRID), 0, 1)

	require.NoError(t, h.layer.DestroySession(1))
	assert.Equal(t, []byte{0x95, 0x02, 0x00, 0x01}, h.tl.last(t).data)
	state, _ := h.layer.SessionState(1)
	assert.Equal(t, StateInDeletion, state)

	h.tl.deliver([]byte{0x96, 0x03, 0x00, 0x00, 0x01}, 0, 1)
	state, _ = h.layer.SessionState(1)
	assert.Equal(t, StateIdle, state)

	assert.ErrorIs(t, h.layer.DestroySession(1), ErrBadState)
	assert.ErrorIs(t, h.layer.DestroySession(0), ErrBadSessionNumber)
}

func TestCAMClosesSession(t *testing.T) {
	h := newHarness(t)
	h.tl.deliver(openRequest(testRID), 0, 1)

	h.tl.deliver([]byte{0x95, 0x02, 0x00, 0x01}, 0, 1)
	assert.Equal(t, []byte{0x96, 0x03, 0x00, 0x00, 0x01}, h.tl.last(t).data)
	assert.Equal(t, sessionEvent{ReasonClose, 0, 1, testRID}, h.events[len(h.events)-1])

	h.tl.deliver([]byte{0x95, 0x02, 0x00, 0x01}, 0, 1)
	assert.Equal(t, []byte{0x96, 0x03, 0xF0, 0x00, 0x01}, h.tl.last(t).data)
}

func TestConnectionCloseCascades(t *testing.T) {
	h := newHarness(t)
	h.tl.deliver(openRequest(testRID), 0, 1)
	h.tl.deliver(openRequest(testRID), 0, 2)
	h.tl.deliver(openRequest(testRID), 1, 1)
	h.events = nil

	h.tl.cb(transport.ReasonConnectionClose, nil, 0, 1)
	assert.Equal(t, []sessionEvent{{ReasonClose, 0, 1, testRID}}, h.events)

	h.events = nil
	h.tl.cb(transport.ReasonSlotClose, nil, 1, 0)
	assert.Equal(t, []sessionEvent{{ReasonClose, 1, 3, testRID}}, h.events)

	state, _ := h.layer.SessionState(2)
	assert.Equal(t, StateActive, state)
}

func TestTransportConnectEvents(t *testing.T) {
	h := newHarness(t)
	h.tl.cb(transport.ReasonConnectionOpen, nil, 0, 4)
	h.tl.cb(transport.ReasonCAMConnectionOpen, nil, 1, 5)
	assert.Equal(t, []sessionEvent{
		{ReasonTCConnect, 0, 4, 0},
		{ReasonTCCAMConnect, 1, 5, 0},
	}, h.events)
}

func TestSendDataVLimit(t *testing.T) {
	h := newHarness(t)
	h.tl.deliver(openRequest(testRID), 0, 1)

	vec := make([][]byte, 10)
	assert.ErrorIs(t, h.layer.SendDataV(1, vec), ErrIOVLimit)

	require.NoError(t, h.layer.SendDataV(1, [][]byte{{0x9f, 0x80}, {0x31, 0x00}}))
	assert.Equal(t, []byte{0x90, 0x02, 0x00, 0x01, 0x9f, 0x80, 0x31, 0x00}, h.tl.last(t).data)
}

func TestBroadcastData(t *testing.T) {
	h := newHarness(t)
	h.tl.deliver(openRequest(testRID), 0, 1)
	h.tl.deliver(openRequest(testRID), 1, 1)

	require.NoError(t, h.layer.BroadcastData(-1, testRID, []byte{0x9f, 0x84, 0x41, 0x00}))
	assert.Len(t, h.tl.sent, 4)

	require.NoError(t, h.layer.BroadcastData(1, testRID, []byte{0x9f, 0x84, 0x41, 0x00}))
	assert.Equal(t, uint8(1), h.tl.last(t).slotID)
	assert.Len(t, h.tl.sent, 5)

	h.tl.failErr = errors.New("down")
	err := h.layer.BroadcastData(-1, testRID, []byte{0x9f, 0x84, 0x41, 0x00})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session 1")
	assert.Contains(t, err.Error(), "session 2")
}

func TestOutOfSessions(t *testing.T) {
	h := &harness{tl: &fakeTransport{}}
	h.layer = New(h.tl, Config{MaxSessions: 3}, nil)
	_, err := h.layer.CreateSession(0, 1, testRID, h)
	require.NoError(t, err)
	_, err = h.layer.CreateSession(0, 1, testRID, h)
	require.NoError(t, err)
	_, err = h.layer.CreateSession(0, 1, testRID, h)
	assert.ErrorIs(t, err, ErrOutOfSessions)
}

func TestMalformedSPDUs(t *testing.T) {
	h := newHarness(t)
	for _, spdu := range [][]byte{
		{0x91, 0x03, 0, 0, 0},
		{0x95, 0x01, 0},
		{0x94, 0x07, 0, 0},
		{0x96, 0x02, 0, 1},
		{0x90, 0x02, 0x00, 0x05},
		{0x42},
	} {
		h.tl.deliver(spdu, 0, 1)
	}
	assert.Equal(t, uint64(6), h.layer.Statistics().GetBadSPDUs())
}
