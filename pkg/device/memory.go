package device

import (
	"context"
	"sync"
)

const memoryQueueDepth = 256

type memorySlot struct {
	state  SlotState
	iface  InterfaceType
	resets int
}

// HLCIResponder answers a host HLCI read request on the module side.
type HLCIResponder func(slot uint8, tag uint32) ([]byte, error)

// Memory is an in-process device. The host drives it through the Device
// interface while the module side is played through CAM().
type Memory struct {
	mu        sync.RWMutex
	slots     []memorySlot
	toCAM     chan Frame
	toHost    chan Frame
	responder HLCIResponder
	onReset   func(slot uint8)
	closeChan chan struct{}
	closed    bool
	stats     Stats
}

// NewMemory creates an in-memory device with the given number of slots.
// Every slot starts Missing and speaks the link layer interface.
func NewMemory(slots int) *Memory {
	return &Memory{
		slots:     make([]memorySlot, slots),
		toCAM:     make(chan Frame, memoryQueueDepth),
		toHost:    make(chan Frame, memoryQueueDepth),
		closeChan: make(chan struct{}),
	}
}

func (m *Memory) slot(slot uint8) (*memorySlot, error) {
	if int(slot) >= len(m.slots) {
		return nil, ErrBadSlot
	}
	return &m.slots[slot], nil
}

// ReadFrame implements Link.ReadFrame
func (m *Memory) ReadFrame(ctx context.Context) (*Frame, error) {
	if err := m.checkOpen(ctx); err != nil {
		return nil, err
	}
	select {
	case f := <-m.toHost:
		m.mu.Lock()
		m.stats.BytesReceived += uint64(len(f.Data))
		m.mu.Unlock()
		return &f, nil
	default:
		return nil, nil
	}
}

// WriteFrame implements Link.WriteFrame
func (m *Memory) WriteFrame(ctx context.Context, f Frame) error {
	if err := m.checkOpen(ctx); err != nil {
		return err
	}
	m.mu.RLock()
	_, err := m.slot(f.Slot)
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	data := append([]byte(nil), f.Data...)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.closeChan:
		return ErrClosed
	case m.toCAM <- Frame{Slot: f.Slot, ConnectionID: f.ConnectionID, Data: data}:
		m.mu.Lock()
		m.stats.BytesSent += uint64(len(data))
		m.mu.Unlock()
		return nil
	}
}

// SlotCount implements Controller.SlotCount
func (m *Memory) SlotCount() int {
	return len(m.slots)
}

// SlotState implements Controller.SlotState
func (m *Memory) SlotState(ctx context.Context, slot uint8) (SlotState, error) {
	if err := m.checkOpen(ctx); err != nil {
		return SlotMissing, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.slot(slot)
	if err != nil {
		return SlotMissing, err
	}
	return s.state, nil
}

// Reset implements Controller.Reset. Frames queued for the module are dropped.
func (m *Memory) Reset(ctx context.Context, slot uint8) error {
	if err := m.checkOpen(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	s, err := m.slot(slot)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	s.resets++
	hook := m.onReset
	m.mu.Unlock()

	drainSlot(m.toCAM, slot)
	drainSlot(m.toHost, slot)
	if hook != nil {
		hook(slot)
	}
	return nil
}

// InterfaceType implements Controller.InterfaceType
func (m *Memory) InterfaceType(ctx context.Context, slot uint8) (InterfaceType, error) {
	if err := m.checkOpen(ctx); err != nil {
		return InterfaceLinkLayer, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.slot(slot)
	if err != nil {
		return InterfaceLinkLayer, err
	}
	return s.iface, nil
}

// ReadAPDU implements HLCI.ReadAPDU through the registered responder
func (m *Memory) ReadAPDU(ctx context.Context, slot uint8, tag uint32) ([]byte, error) {
	if err := m.checkOpen(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	_, err := m.slot(slot)
	responder := m.responder
	m.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if responder == nil {
		return nil, ErrNotConnected
	}
	apdu, err := responder(slot, tag)
	if err != nil {
		m.mu.Lock()
		m.stats.ReadErrors++
		m.mu.Unlock()
		return nil, err
	}
	m.mu.Lock()
	m.stats.BytesReceived += uint64(len(apdu))
	m.mu.Unlock()
	return apdu, nil
}

// WriteAPDU implements HLCI.WriteAPDU
func (m *Memory) WriteAPDU(ctx context.Context, slot uint8, apdu []byte) error {
	return m.WriteFrame(ctx, Frame{Slot: slot, Data: apdu})
}

// Close implements Device.Close
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeChan)
	return nil
}

// Statistics implements Device.Statistics
func (m *Memory) Statistics() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *Memory) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// drainSlot drops queued frames addressed to slot and keeps the others in order.
func drainSlot(ch chan Frame, slot uint8) {
	var keep []Frame
loop:
	for {
		select {
		case f := <-ch:
			if f.Slot != slot {
				keep = append(keep, f)
			}
		default:
			break loop
		}
	}
	for _, f := range keep {
		select {
		case ch <- f:
		default:
		}
	}
}

// CAM returns the module side of the device.
func (m *Memory) CAM() *CAMEnd {
	return &CAMEnd{m: m}
}

// CAMEnd is the module side of a Memory device. It implements Link, so a
// module emulator runs over it exactly as a host runs over the device.
type CAMEnd struct {
	m *Memory
}

// ReadFrame returns the next frame written by the host, or nil if none.
func (c *CAMEnd) ReadFrame(ctx context.Context) (*Frame, error) {
	if err := c.m.checkOpen(ctx); err != nil {
		return nil, err
	}
	select {
	case f := <-c.m.toCAM:
		return &f, nil
	default:
		return nil, nil
	}
}

// WriteFrame queues a frame for the host.
func (c *CAMEnd) WriteFrame(ctx context.Context, f Frame) error {
	if err := c.m.checkOpen(ctx); err != nil {
		return err
	}
	data := append([]byte(nil), f.Data...)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.m.closeChan:
		return ErrClosed
	case c.m.toHost <- Frame{Slot: f.Slot, ConnectionID: f.ConnectionID, Data: data}:
		return nil
	}
}

// SetSlotState changes what the host sees for slot
func (c *CAMEnd) SetSlotState(slot uint8, state SlotState) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if s, err := c.m.slot(slot); err == nil {
		s.state = state
	}
}

// SetInterfaceType changes the interface flavour reported for slot
func (c *CAMEnd) SetInterfaceType(slot uint8, iface InterfaceType) {
	c.m.mu.Lock()
	defer c.m.mu.Unlock()
	if s, err := c.m.slot(slot); err == nil {
		s.iface = iface
	}
}

// Resets returns how many times the host reset slot
func (c *CAMEnd) Resets(slot uint8) int {
	c.m.mu.RLock()
	defer c.m.mu.RUnlock()
	if s, err := c.m.slot(slot); err == nil {
		return s.resets
	}
	return 0
}

// OnReset installs a hook called after each host reset
func (c *CAMEnd) OnReset(fn func(slot uint8)) {
	c.m.mu.Lock()
	c.m.onReset = fn
	c.m.mu.Unlock()
}

// SetHLCIResponder installs the function answering host HLCI reads
func (c *CAMEnd) SetHLCIResponder(fn HLCIResponder) {
	c.m.mu.Lock()
	c.m.responder = fn
	c.m.mu.Unlock()
}
