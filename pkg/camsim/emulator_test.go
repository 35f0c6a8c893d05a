package camsim

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/braice/MuMuDVB-sub000/pkg/app"
	"github.com/braice/MuMuDVB-sub000/pkg/device"
)

// exchange writes one host frame, steps the emulator and returns its answer
func exchange(t *testing.T, mem *device.Memory, emu *Emulator, data ...byte) []byte {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, mem.WriteFrame(ctx, device.Frame{Slot: 0, ConnectionID: 1, Data: data}))
	require.NoError(t, emu.Step(ctx))
	f, err := mem.ReadFrame(ctx)
	require.NoError(t, err)
	require.NotNil(t, f, "no answer")
	return f.Data
}

func TestEmulatorSessionBringUp(t *testing.T) {
	mem := device.NewMemory(1)
	emu := New(mem.CAM(), DefaultConfig(), nil)

	state, err := mem.SlotState(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, device.SlotReady, state)

	// create connection: the reply announces the queued open request
	assert.Equal(t, []byte{0x83, 0x01, 0x01, 0x80, 0x02, 0x01, 0x80},
		exchange(t, mem, emu, 0x82, 0x01, 0x01))

	// resource manager is opened first
	assert.Equal(t, []byte{0xa0, 0x07, 0x01, 0x91, 0x04, 0x00, 0x01, 0x00, 0x41, 0x80, 0x02, 0x01, 0x00},
		exchange(t, mem, emu, 0x81, 0x01, 0x01))

	assert.Equal(t, []byte{0x80, 0x02, 0x01, 0x00},
		exchange(t, mem, emu, 0xa0, 0x0a, 0x01, 0x92, 0x07, 0x00, 0x00, 0x01, 0x00, 0x41, 0x00, 0x01))
	assert.Equal(t, map[uint16]app.ResourceID{1: app.ResourceManagerID}, emu.Sessions())

	// profile enquiry from the host is answered with an empty profile
	assert.Equal(t, []byte{0x80, 0x02, 0x01, 0x80},
		exchange(t, mem, emu, 0xa0, 0x09, 0x01, 0x90, 0x02, 0x00, 0x01, 0x9f, 0x80, 0x10, 0x00))
	assert.Equal(t, []byte{0xa0, 0x09, 0x01, 0x90, 0x02, 0x00, 0x01, 0x9f, 0x80, 0x11, 0x00, 0x80, 0x02, 0x01, 0x00},
		exchange(t, mem, emu, 0x81, 0x01, 0x01))

	// the host profile triggers the application information open request
	assert.Equal(t, []byte{0x80, 0x02, 0x01, 0x80},
		exchange(t, mem, emu, 0xa0, 0x0d, 0x01, 0x90, 0x02, 0x00, 0x01, 0x9f, 0x80, 0x11, 0x04, 0x00, 0x01, 0x00, 0x41))
	assert.Equal(t, []app.ResourceID{app.ResourceManagerID}, emu.HostResources())
	assert.Equal(t, []byte{0xa0, 0x07, 0x01, 0x91, 0x04, 0x00, 0x02, 0x00, 0x41, 0x80, 0x02, 0x01, 0x00},
		exchange(t, mem, emu, 0x81, 0x01, 0x01))

	// refusal moves on to the next resource
	assert.Equal(t, []byte{0x80, 0x02, 0x01, 0x80},
		exchange(t, mem, emu, 0xa0, 0x0a, 0x01, 0x92, 0x07, 0xf0, 0x00, 0x02, 0x00, 0x41, 0x00, 0x00))
	assert.Equal(t, []app.ResourceID{app.AppInfoID}, emu.Refused())
	assert.False(t, emu.Connected())

	assert.Equal(t, []byte{0xa0, 0x07, 0x01, 0x91, 0x04, 0x00, 0x03, 0x00, 0x41, 0x80, 0x02, 0x01, 0x00},
		exchange(t, mem, emu, 0x81, 0x01, 0x01))

	assert.Equal(t, []byte{0x85, 0x01, 0x01}, exchange(t, mem, emu, 0x84, 0x01, 0x01))
	assert.Empty(t, emu.Sessions())
}

func TestEmulatorCloseSession(t *testing.T) {
	mem := device.NewMemory(1)
	emu := New(mem.CAM(), DefaultConfig(), nil)
	exchange(t, mem, emu, 0x82, 0x01, 0x01)
	exchange(t, mem, emu, 0x81, 0x01, 0x01)
	exchange(t, mem, emu, 0xa0, 0x0a, 0x01, 0x92, 0x07, 0x00, 0x00, 0x01, 0x00, 0x41, 0x00, 0x01)

	assert.Equal(t, []byte{0x80, 0x02, 0x01, 0x80},
		exchange(t, mem, emu, 0xa0, 0x05, 0x01, 0x95, 0x02, 0x00, 0x01))
	assert.Equal(t, []byte{0xa0, 0x06, 0x01, 0x96, 0x03, 0x00, 0x00, 0x01, 0x80, 0x02, 0x01, 0x00},
		exchange(t, mem, emu, 0x81, 0x01, 0x01))
	assert.Empty(t, emu.Sessions())

	// unknown session
	exchange(t, mem, emu, 0xa0, 0x05, 0x01, 0x95, 0x02, 0x00, 0x07)
	assert.Equal(t, []byte{0xa0, 0x06, 0x01, 0x96, 0x03, 0xf0, 0x00, 0x07, 0x80, 0x02, 0x01, 0x00},
		exchange(t, mem, emu, 0x81, 0x01, 0x01))
}

func TestEmulatorProtocolErrors(t *testing.T) {
	ctx := context.Background()
	mem := device.NewMemory(1)
	emu := New(mem.CAM(), DefaultConfig(), nil)
	exchange(t, mem, emu, 0x82, 0x01, 0x01)

	tests := []struct {
		name string
		data []byte
	}{
		{"data on another connection", []byte{0xa0, 0x01, 0x02}},
		{"unknown TPDU", []byte{0x8f, 0x01, 0x01}},
		{"truncated", []byte{0xa0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, mem.WriteFrame(ctx, device.Frame{Data: tt.data}))
			assert.ErrorIs(t, emu.Step(ctx), ErrProtocol)
		})
	}
}

func TestEmulatorResetByHost(t *testing.T) {
	ctx := context.Background()
	mem := device.NewMemory(1)
	emu := New(mem.CAM(), DefaultConfig(), nil)
	exchange(t, mem, emu, 0x82, 0x01, 0x01)
	exchange(t, mem, emu, 0x81, 0x01, 0x01)
	exchange(t, mem, emu, 0xa0, 0x0a, 0x01, 0x92, 0x07, 0x00, 0x00, 0x01, 0x00, 0x41, 0x00, 0x01)
	require.Len(t, emu.Sessions(), 1)

	require.NoError(t, mem.Reset(ctx, 0))
	assert.Empty(t, emu.Sessions())
	assert.Equal(t, 1, mem.CAM().Resets(0))

	emu.Remove()
	state, err := mem.SlotState(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, device.SlotMissing, state)
	emu.Insert()
	state, err = mem.SlotState(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, device.SlotReady, state)
}

func TestPMTReply(t *testing.T) {
	pmt := app.PMT{
		ProgramNumber: 0x0102,
		Version:       4,
		CurrentNext:   true,
		Descriptors:   []app.Descriptor{{Tag: app.DescriptorTagCA, Data: []byte{0x05, 0x00, 0xe1, 0x00}}},
		Streams: []app.PMTStream{
			{StreamType: 0x02, PID: 0x101},
			{StreamType: 0x03, PID: 0x102},
		},
	}
	query, err := app.FormatPMT(pmt, false, app.ListManagementOnly, app.CmdQuery)
	require.NoError(t, err)
	reply, ok := pmtReply(query)
	require.True(t, ok)
	assert.Equal(t, []byte{0x01, 0x02, 0x09, 0x81, 0x01, 0x01, 0x81, 0x01, 0x02, 0x81}, reply)

	descramble, err := app.FormatPMT(pmt, false, app.ListManagementOnly, app.CmdOKDescrambling)
	require.NoError(t, err)
	_, ok = pmtReply(descramble)
	assert.False(t, ok)
}
