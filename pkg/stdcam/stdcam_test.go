package stdcam

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braice/MuMuDVB-sub000/pkg/app"
	"github.com/braice/MuMuDVB-sub000/pkg/camsim"
	"github.com/braice/MuMuDVB-sub000/pkg/device"
	"github.com/braice/MuMuDVB-sub000/pkg/session"
	"github.com/braice/MuMuDVB-sub000/pkg/transport"
)

type llciHarness struct {
	mem  *device.Memory
	emu  *camsim.Emulator
	llci *LLCI

	mu      sync.Mutex
	info    *app.AppInfo
	caIDs   []uint16
	replies []app.PMTReply
}

func newLLCIHarness(t *testing.T) *llciHarness {
	t.Helper()
	return newLLCIHarnessWithConfig(t, DefaultLLCIConfig())
}

func newLLCIHarnessWithConfig(t *testing.T, config LLCIConfig) *llciHarness {
	t.Helper()
	h := &llciHarness{mem: device.NewMemory(1)}
	h.emu = camsim.New(h.mem.CAM(), camsim.DefaultConfig(), nil)
	tl := transport.New(transport.DefaultConfig(), nil)
	sl := session.New(tl, session.DefaultConfig(), nil)
	h.llci = NewLLCI(h.mem, 0, tl, sl, config, nil)

	h.llci.AI().OnInfo(func(slotID uint8, sn uint16, info app.AppInfo) error {
		h.mu.Lock()
		h.info = &info
		h.mu.Unlock()
		return nil
	})
	h.llci.CA().OnInfo(func(slotID uint8, sn uint16, ids []uint16) error {
		h.mu.Lock()
		h.caIDs = ids
		h.mu.Unlock()
		return nil
	})
	h.llci.CA().OnPMTReply(func(slotID uint8, sn uint16, r app.PMTReply) error {
		h.mu.Lock()
		h.replies = append(h.replies, r)
		h.mu.Unlock()
		return nil
	})
	t.Cleanup(func() { h.llci.Close(true) })
	return h
}

// pump alternates host polls and module steps until cond holds
func (h *llciHarness) pump(t *testing.T, cond func() bool) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 500; i++ {
		h.llci.Poll(ctx)
		require.NoError(t, h.emu.Step(ctx))
		if cond() {
			return
		}
	}
	t.Fatal("condition not reached")
}

func (h *llciHarness) bringUp(t *testing.T) {
	t.Helper()
	h.pump(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.emu.Connected() && h.info != nil && h.caIDs != nil && len(h.emu.DateTimes()) > 0
	})
}

func TestLLCIBringUp(t *testing.T) {
	h := newLLCIHarness(t)
	assert.Equal(t, NotConnected, h.llci.AISession())

	h.bringUp(t)

	assert.Equal(t, StatusOK, h.llci.Poll(context.Background()))
	assert.Equal(t, 1, h.mem.CAM().Resets(0))
	assert.Equal(t,
		[]app.ResourceID{app.ResourceManagerID, app.CAID, app.AppInfoID, app.MMIID, app.DateTimeID},
		h.emu.HostResources())

	sessions := h.emu.Sessions()
	for _, sn := range []int{h.llci.AISession(), h.llci.CASession(), h.llci.MMISession(), h.llci.DateTimeSession()} {
		require.NotEqual(t, NotConnected, sn)
		assert.Contains(t, sessions, uint16(sn))
	}
	assert.Equal(t, app.AppInfoID, sessions[uint16(h.llci.AISession())])
	assert.Equal(t, app.MMIID, sessions[uint16(h.llci.MMISession())])

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, "Emulated CAM", string(h.info.MenuString))
	assert.Equal(t, []uint16{0x0500}, h.caIDs)
	assert.Empty(t, h.emu.Refused())
}

func TestLLCISendsCAPMT(t *testing.T) {
	h := newLLCIHarness(t)
	h.bringUp(t)

	pmt := app.PMT{
		ProgramNumber: 0x22,
		Version:       3,
		CurrentNext:   true,
		Streams: []app.PMTStream{
			{StreamType: 0x02, PID: 0x100, Descriptors: []app.Descriptor{{Tag: app.DescriptorTagCA, Data: []byte{0x05, 0x00, 0xe2, 0x00}}}},
		},
	}
	capmt, err := app.FormatPMT(pmt, true, app.ListManagementOnly, app.CmdQuery)
	require.NoError(t, err)
	require.NoError(t, h.llci.CA().SendPMT(uint16(h.llci.CASession()), capmt))

	h.pump(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.replies) > 0
	})
	assert.Equal(t, [][]byte{capmt}, h.emu.CAPMTs())
	h.mu.Lock()
	defer h.mu.Unlock()
	r := h.replies[0]
	assert.Equal(t, uint16(0x22), r.ProgramNumber)
	assert.Equal(t, uint8(3), r.Version)
	require.Len(t, r.Streams, 1)
	assert.Equal(t, uint16(0x100), r.Streams[0].PID)
	assert.Equal(t, app.CAEnable{Present: true, Value: app.CAEnableDescramblingPossible}, r.Streams[0].CAEnable)
}

func TestLLCIDateTimeInterval(t *testing.T) {
	h := newLLCIHarness(t)
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	h.llci.now = func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return clock
	}
	dvb := time.Date(2023, 10, 13, 12, 45, 0, 0, time.UTC)
	h.llci.DVBTime(dvb)
	h.bringUp(t)

	first := h.emu.DateTimes()
	require.Len(t, first, 1)
	assert.True(t, first[0].Equal(dvb), "got %v", first[0])

	// nothing more is due before the interval elapses
	for i := 0; i < 5; i++ {
		h.llci.Poll(context.Background())
		require.NoError(t, h.emu.Step(context.Background()))
	}
	assert.Len(t, h.emu.DateTimes(), 1)

	clockMu.Lock()
	clock = clock.Add(11 * time.Second)
	clockMu.Unlock()
	h.pump(t, func() bool { return len(h.emu.DateTimes()) == 2 })
}

func TestLLCILookup(t *testing.T) {
	h := newLLCIHarness(t)
	h.bringUp(t)

	tests := []struct {
		name string
		id   uint32
		want error
	}{
		{"second application info session", uint32(app.AppInfoID), session.ErrResourceUnavailable},
		{"newer version", uint32(app.MakeResourceID(2, 1, 3)), session.ErrResourceLowVersion},
		{"not served", uint32(app.DVBHostControlID), session.ErrResourceNotFound},
		{"private", 0xc0000001, session.ErrResourceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.llci.lookup(0, tt.id)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	handler, connected, err := h.llci.lookup(0, uint32(app.ResourceManagerID))
	require.NoError(t, err)
	assert.Equal(t, uint32(app.ResourceManagerID), connected)
	assert.Same(t, h.llci.rm, handler)
}

func TestLLCIModuleRemoved(t *testing.T) {
	h := newLLCIHarness(t)
	h.bringUp(t)

	h.emu.Remove()
	assert.Equal(t, StatusNone, h.llci.Poll(context.Background()))
	assert.Equal(t, NotConnected, h.llci.AISession())
	assert.Equal(t, NotConnected, h.llci.CASession())
	assert.Equal(t, NotConnected, h.llci.MMISession())

	h.emu.Insert()
	h.mu.Lock()
	h.info = nil
	h.mu.Unlock()
	h.bringUp(t)
	assert.Equal(t, 2, h.mem.CAM().Resets(0))
	assert.NotEqual(t, NotConnected, h.llci.AISession())
}

func TestLLCIRecoversAfterTimeout(t *testing.T) {
	h := newLLCIHarnessWithConfig(t, LLCIConfig{
		ResponseTimeout: 20 * time.Millisecond,
		PollDelay:       time.Millisecond,
	})
	h.bringUp(t)
	ctx := context.Background()

	// the module stops answering the host polls
	require.Eventually(t, func() bool { return h.llci.Poll(ctx) == StatusBad }, time.Second, time.Millisecond)
	assert.Equal(t, NotConnected, h.llci.AISession())

	h.mu.Lock()
	h.info = nil
	h.mu.Unlock()
	h.bringUp(t)
	assert.Equal(t, 2, h.mem.CAM().Resets(0))
	assert.Equal(t, StatusOK, h.llci.Poll(ctx))
	assert.NotEqual(t, NotConnected, h.llci.CASession())
}

func TestLLCIAddResource(t *testing.T) {
	h := newLLCIHarness(t)
	h.bringUp(t)

	dvb := app.NewDVBHostControl(nil, nil)
	require.NoError(t, h.llci.AddResource(app.DVBHostControlID, dvb))
	h.pump(t, func() bool { return len(h.emu.HostResources()) == 6 })
	assert.Equal(t, app.DVBHostControlID, h.emu.HostResources()[5])

	assert.ErrorIs(t, h.llci.AddResource(app.MakeResourceID(32, 1, 2), dvb), ErrDuplicateResource)
	assert.ErrorIs(t, h.llci.AddResource(0xc0000010, dvb), ErrPrivateResource)

	_, connected, err := h.llci.lookup(0, uint32(app.DVBHostControlID))
	require.NoError(t, err)
	assert.Equal(t, uint32(app.DVBHostControlID), connected)
}

func TestHLCI(t *testing.T) {
	mem := device.NewMemory(2)
	camEnd := mem.CAM()
	camEnd.SetInterfaceType(1, device.InterfaceHighLevel)
	info := []byte{0x9f, 0x80, 0x21, 0x09, 0x01, 0x12, 0x34, 0x00, 0x01, 0x03, 'C', 'A', 'M'}
	var asked []uint32
	camEnd.SetHLCIResponder(func(slot uint8, tag uint32) ([]byte, error) {
		asked = append(asked, tag)
		return info, nil
	})

	ctx := context.Background()
	cam, err := New(ctx, mem, 1, nil, nil, DefaultLLCIConfig(), nil)
	require.NoError(t, err)
	h, ok := cam.(*HLCI)
	require.True(t, ok)
	defer h.Close(true)

	var got app.AppInfo
	var caInfo []uint16
	caCalled := false
	h.AI().OnInfo(func(slotID uint8, sn uint16, i app.AppInfo) error { got = i; return nil })
	h.CA().OnInfo(func(slotID uint8, sn uint16, ids []uint16) error { caInfo, caCalled = ids, true; return nil })

	assert.Equal(t, StatusNone, h.Poll(ctx))
	camEnd.SetSlotState(1, device.SlotReady)
	assert.Equal(t, StatusOK, h.Poll(ctx))
	assert.Equal(t, StatusOK, h.Poll(ctx))

	assert.Equal(t, []uint32{uint32(app.TagAppInfo)}, asked)
	assert.Equal(t, uint16(0x1234), got.ApplicationManufacturer)
	assert.Equal(t, "CAM", string(got.MenuString))
	assert.True(t, caCalled)
	assert.Empty(t, caInfo)

	f, err := camEnd.ReadFrame(ctx)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, []byte{0x9f, 0x80, 0x20, 0x00}, f.Data)

	assert.Nil(t, h.MMI())
	assert.Equal(t, NotConnected, h.MMISession())
	assert.NotEqual(t, NotConnected, h.CASession())

	camEnd.SetSlotState(1, device.SlotMissing)
	assert.Equal(t, StatusNone, h.Poll(ctx))
}

func TestNewSelectsLLCI(t *testing.T) {
	mem := device.NewMemory(1)
	tl := transport.New(transport.DefaultConfig(), nil)
	sl := session.New(tl, session.DefaultConfig(), nil)

	cam, err := New(context.Background(), mem, 0, tl, sl, DefaultLLCIConfig(), nil)
	require.NoError(t, err)
	assert.IsType(t, &LLCI{}, cam)

	_, err = New(context.Background(), mem, 0, nil, nil, DefaultLLCIConfig(), nil)
	assert.Error(t, err)
	_, err = New(context.Background(), mem, 5, tl, sl, DefaultLLCIConfig(), nil)
	assert.ErrorIs(t, err, device.ErrBadSlot)
}

type scriptedCAM struct {
	HLCI
	mu     sync.Mutex
	script []Status
	polls  int
}

func (s *scriptedCAM) Poll(ctx context.Context) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.script[len(s.script)-1]
	if s.polls < len(s.script) {
		st = s.script[s.polls]
	}
	s.polls++
	return st
}

func TestRunnerReportsChanges(t *testing.T) {
	cam := &scriptedCAM{script: []Status{StatusNone, StatusInReset, StatusOK}}
	r := NewRunner(cam, time.Millisecond, nil)

	var mu sync.Mutex
	var changes [][2]Status
	r.OnStatus(func(old, new Status) {
		mu.Lock()
		changes = append(changes, [2]Status{old, new})
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, r.Run(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][2]Status{{StatusNone, StatusInReset}, {StatusInReset, StatusOK}}, changes)
}

func TestRunAllStopsOnCancel(t *testing.T) {
	a := &scriptedCAM{script: []Status{StatusOK}}
	b := &scriptedCAM{script: []Status{StatusNone}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, RunAll(ctx, time.Millisecond, nil, a, b))
	assert.Positive(t, a.polls)
	assert.Positive(t, b.polls)
}
