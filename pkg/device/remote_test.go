package device

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startPipeServer(t *testing.T, dev Device) *Remote {
	t.Helper()
	srvCtx, cancel := context.WithCancel(context.Background())
	srv := NewServer(dev, nil)
	srv.PollInterval = time.Millisecond

	dial := func(context.Context) (io.ReadWriteCloser, error) {
		client, server := net.Pipe()
		go srv.ServeConn(srvCtx, server)
		return client, nil
	}
	remote, err := NewRemoteWithDialer(dial, RemoteConfig{Address: "pipe", ReconnectDelay: 10 * time.Millisecond}, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		remote.Close()
		cancel()
	})
	return remote
}

func TestRemote_SlotStatusAndFrames(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(2)
	cam := mem.CAM()
	cam.SetSlotState(1, SlotReady)
	cam.SetInterfaceType(1, InterfaceHighLevel)

	remote := startPipeServer(t, mem)

	require.Eventually(t, func() bool {
		s, _ := remote.SlotState(ctx, 1)
		return s == SlotReady
	}, time.Second, time.Millisecond)
	iface, err := remote.InterfaceType(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, InterfaceHighLevel, iface)
	assert.Equal(t, 2, remote.SlotCount())

	require.NoError(t, remote.WriteFrame(ctx, Frame{Slot: 1, ConnectionID: 1, Data: []byte{0x82, 0x01, 0x01}}))
	var got *Frame
	require.Eventually(t, func() bool {
		got, _ = cam.ReadFrame(ctx)
		return got != nil
	}, time.Second, time.Millisecond)
	assert.Equal(t, []byte{0x82, 0x01, 0x01}, got.Data)

	require.NoError(t, cam.WriteFrame(ctx, Frame{Slot: 1, ConnectionID: 1, Data: []byte{0x83, 0x01, 0x01}}))
	require.Eventually(t, func() bool {
		got, _ = remote.ReadFrame(ctx)
		return got != nil
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint8(1), got.ConnectionID)
	assert.Equal(t, []byte{0x83, 0x01, 0x01}, got.Data)
}

func TestRemote_ResetAndHLCI(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(1)
	cam := mem.CAM()
	cam.SetSlotState(0, SlotReady)
	cam.SetHLCIResponder(func(slot uint8, tag uint32) ([]byte, error) {
		return []byte{0x9f, 0x80, 0x21, 0x00}, nil
	})

	remote := startPipeServer(t, mem)

	require.NoError(t, remote.Reset(ctx, 0))
	require.Eventually(t, func() bool { return cam.Resets(0) == 1 }, time.Second, time.Millisecond)

	apdu, err := remote.ReadAPDU(ctx, 0, 0x9f8021)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x9f, 0x80, 0x21, 0x00}, apdu)
}

func TestRemote_CloseStopsEverything(t *testing.T) {
	remote := startPipeServer(t, NewMemory(1))
	require.NoError(t, remote.Close())
	_, err := remote.ReadFrame(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, remote.IsConnected())
}

func TestRemote_ResetDropsQueuedFrames(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(2)
	cam := mem.CAM()
	cam.SetSlotState(0, SlotReady)
	cam.SetSlotState(1, SlotReady)
	remote := startPipeServer(t, mem)

	require.NoError(t, cam.WriteFrame(ctx, Frame{Slot: 0, ConnectionID: 1, Data: []byte{0x83, 0x01, 0x01}}))
	require.NoError(t, cam.WriteFrame(ctx, Frame{Slot: 1, ConnectionID: 1, Data: []byte{0x80, 0x02, 0x01, 0x00}}))
	require.Eventually(t, func() bool { return len(remote.inbound) == 2 }, time.Second, time.Millisecond)

	require.NoError(t, remote.Reset(ctx, 0))

	f, err := remote.ReadFrame(ctx)
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, uint8(1), f.Slot)

	f, err = remote.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestRemote_DisconnectDropsQueuedFrames(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(1)
	cam := mem.CAM()
	cam.SetSlotState(0, SlotReady)
	remote := startPipeServer(t, mem)

	require.NoError(t, cam.WriteFrame(ctx, Frame{Slot: 0, ConnectionID: 1, Data: []byte{0x83, 0x01, 0x01}}))
	require.Eventually(t, func() bool { return len(remote.inbound) == 1 }, time.Second, time.Millisecond)

	remote.connLock.RLock()
	conn := remote.conn
	remote.connLock.RUnlock()
	require.NotNil(t, conn)
	conn.Close()

	require.Eventually(t, func() bool { return remote.Statistics().Disconnects == 1 }, time.Second, time.Millisecond)
	f, err := remote.ReadFrame(ctx)
	require.NoError(t, err)
	assert.Nil(t, f)
}
