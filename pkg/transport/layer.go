// Package transport implements the EN 50221 transport layer: per slot
// connection lifecycle, TPDU framing, T_DATA_MORE chains, polling of the
// module and response timeouts.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/braice/MuMuDVB-sub000/pkg/device"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/callback"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
)

// Reason tells why the transport callback fired
type Reason int

const (
	ReasonData Reason = iota
	ReasonConnectionOpen
	ReasonCAMConnectionOpen
	ReasonConnectionClose
	ReasonSlotClose
)

// String returns string representation of Reason
func (r Reason) String() string {
	switch r {
	case ReasonData:
		return "Data"
	case ReasonConnectionOpen:
		return "ConnectionOpen"
	case ReasonCAMConnectionOpen:
		return "CAMConnectionOpen"
	case ReasonConnectionClose:
		return "ConnectionClose"
	case ReasonSlotClose:
		return "SlotClose"
	default:
		return "Unknown"
	}
}

// Callback receives transport events. It is never called with a transport
// lock held, so it may call back into the layer.
type Callback func(reason Reason, data []byte, slotID, connectionID uint8)

type event struct {
	reason Reason
	data   []byte
	slotID uint8
	connID uint8
}

// maxFramesPerPoll bounds the reads of one slot in a single Poll
const maxFramesPerPoll = 64

type connection struct {
	state    State
	txTime   time.Time // zero when no response is awaited
	lastPoll time.Time
	chain    *Reassembler
	queue    [][]byte
}

func (c *connection) awaiting() bool {
	return !c.txTime.IsZero()
}

func (c *connection) clear() {
	c.state = StateIdle
	c.txTime = time.Time{}
	c.lastPoll = time.Time{}
	c.chain.Reset()
	c.queue = nil
}

type slot struct {
	mu              sync.Mutex
	link            device.Link // nil when the slot is unused
	devSlot         uint8
	responseTimeout time.Duration
	pollDelay       time.Duration
	connections     []connection
}

// Layer is the transport layer shared by every slot of the stack
type Layer struct {
	config   Config
	logger   logger.Logger
	stats    *Statistics
	callback callback.Hook[Callback]

	globalMu sync.Mutex
	slots    []*slot

	now func() time.Time
}

// New creates a transport layer
func New(config Config, log logger.Logger) *Layer {
	config = config.withDefaults()
	l := &Layer{
		config: config,
		logger: logger.OrNoOp(log),
		stats:  NewStatistics(),
		slots:  make([]*slot, config.MaxSlots),
		now:    time.Now,
	}
	for i := range l.slots {
		s := &slot{connections: make([]connection, config.MaxConnectionsPerSlot)}
		for j := range s.connections {
			s.connections[j].chain = NewReassembler(config.MaxReassemblySize)
		}
		l.slots[i] = s
	}
	return l
}

// Statistics returns the layer counters
func (l *Layer) Statistics() *Statistics {
	return l.stats
}

// RegisterCallback sets the function receiving transport events
func (l *Layer) RegisterCallback(cb Callback) {
	l.callback.Store(cb)
}

// RegisterSlot attaches device slot devSlot, reached through link, and
// returns the slot id used by the rest of the API.
func (l *Layer) RegisterSlot(link device.Link, devSlot uint8, responseTimeout, pollDelay time.Duration) (uint8, error) {
	if link == nil {
		return 0, fmt.Errorf("%w: nil link", ErrBadSlotID)
	}
	l.globalMu.Lock()
	defer l.globalMu.Unlock()

	for i, s := range l.slots {
		s.mu.Lock()
		if s.link == nil {
			s.link = link
			s.devSlot = devSlot
			s.responseTimeout = responseTimeout
			s.pollDelay = pollDelay
			s.mu.Unlock()
			l.logger.Debug("Transport: registered device slot %d as slot %d", devSlot, i)
			return uint8(i), nil
		}
		s.mu.Unlock()
	}
	return 0, ErrOutOfSlots
}

// DestroySlot releases a slot and every connection on it
func (l *Layer) DestroySlot(slotID uint8) {
	if int(slotID) >= len(l.slots) {
		return
	}
	l.globalMu.Lock()
	s := l.slots[slotID]
	s.mu.Lock()
	s.link = nil
	for j := range s.connections {
		s.connections[j].clear()
	}
	s.mu.Unlock()
	l.globalMu.Unlock()

	l.logger.Debug("Transport: slot %d destroyed", slotID)
	l.fire([]event{{reason: ReasonSlotClose, slotID: slotID}})
}

// lockSlot returns the locked slot, or an error if it is not registered
func (l *Layer) lockSlot(slotID uint8) (*slot, error) {
	if int(slotID) >= len(l.slots) {
		return nil, ErrBadSlotID
	}
	s := l.slots[slotID]
	s.mu.Lock()
	if s.link == nil {
		s.mu.Unlock()
		return nil, ErrBadSlotID
	}
	return s, nil
}

func (l *Layer) checkConnection(connID uint8) error {
	if int(connID) >= l.config.MaxConnectionsPerSlot {
		return ErrBadConnectionID
	}
	return nil
}

// allocConnection takes the lowest idle connection id, never 0
func (l *Layer) allocConnection(s *slot) (uint8, bool) {
	for j := 1; j < len(s.connections); j++ {
		c := &s.connections[j]
		if c.state == StateIdle {
			c.clear()
			c.state = StateInCreation
			return uint8(j), true
		}
	}
	return 0, false
}

// NewTC starts creation of a connection. The id is returned immediately;
// ConnectionState reports Active once the module has replied.
func (l *Layer) NewTC(slotID uint8) (uint8, error) {
	s, err := l.lockSlot(slotID)
	if err != nil {
		return 0, err
	}
	defer s.mu.Unlock()

	connID, ok := l.allocConnection(s)
	if !ok {
		return 0, ErrOutOfConnections
	}
	c := &s.connections[connID]
	c.queue = append(c.queue, []byte{TagCreateTC, 1, connID})
	l.logger.Debug("Transport: slot %d connection %d in creation", slotID, connID)
	return connID, nil
}

// DelTC queues deletion of an active connection
func (l *Layer) DelTC(slotID, connID uint8) error {
	s, err := l.lockSlot(slotID)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	if err := l.checkConnection(connID); err != nil {
		return err
	}
	c := &s.connections[connID]
	if c.state != StateActive && c.state != StateInDeletion {
		return fmt.Errorf("%w: cannot delete connection in state %s", ErrBadState, c.state)
	}
	c.queue = append(c.queue, []byte{TagDeleteTC, 1, connID})
	c.state = StateActiveDeleteQueued
	return nil
}

// ConnectionState returns the state of a connection
func (l *Layer) ConnectionState(slotID, connID uint8) (State, error) {
	s, err := l.lockSlot(slotID)
	if err != nil {
		return StateIdle, err
	}
	defer s.mu.Unlock()

	if err := l.checkConnection(connID); err != nil {
		return StateIdle, err
	}
	return s.connections[connID].state, nil
}

// SendData queues data on an active connection as one T_DATA_LAST
func (l *Layer) SendData(slotID, connID uint8, data []byte) error {
	return l.SendDataV(slotID, connID, [][]byte{data})
}

// SendDataV queues the concatenation of vec as one T_DATA_LAST
func (l *Layer) SendDataV(slotID, connID uint8, vec [][]byte) error {
	s, err := l.lockSlot(slotID)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	if err := l.checkConnection(connID); err != nil {
		return err
	}
	c := &s.connections[connID]
	if c.state != StateActive {
		return fmt.Errorf("%w: cannot send on connection in state %s", ErrBadState, c.state)
	}
	msg, err := BuildTPDU(TagDataLast, connID, vec...)
	if err != nil {
		return err
	}
	c.queue = append(c.queue, msg)
	return nil
}

// Poll drives every registered slot once: it reads pending module data,
// transmits queued TPDUs, polls idle connections and checks timeouts.
// A returned error is fatal and wrapped in *SlotError.
func (l *Layer) Poll(ctx context.Context) error {
	for i := range l.slots {
		if err := l.pollSlot(ctx, uint8(i)); err != nil {
			return err
		}
	}
	return nil
}

func (l *Layer) pollSlot(ctx context.Context, slotID uint8) error {
	s := l.slots[slotID]

	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil {
		return nil
	}

	for n := 0; n < maxFramesPerPoll; n++ {
		f, err := link.ReadFrame(ctx)
		if err != nil {
			return &SlotError{Slot: slotID, Err: fmt.Errorf("%w: %w", ErrCARead, err)}
		}
		if f == nil {
			break
		}
		target, ok := l.routeFrame(slotID, link, f.Slot)
		if !ok {
			l.stats.IncrementBadCAMData()
			l.logger.Warn("Transport: slot %d: %v: frame for device slot %d", slotID, ErrBadSlotID, f.Slot)
			continue
		}
		if err := l.processFrame(ctx, target, f.Data); err != nil {
			return err
		}
	}

	return l.serviceConnections(ctx, slotID)
}

// routeFrame finds the slot registered for devSlot on the same link
func (l *Layer) routeFrame(slotID uint8, link device.Link, devSlot uint8) (uint8, bool) {
	s := l.slots[slotID]
	s.mu.Lock()
	match := s.link == link && s.devSlot == devSlot
	s.mu.Unlock()
	if match {
		return slotID, true
	}
	for i, other := range l.slots {
		other.mu.Lock()
		match = other.link == link && other.devSlot == devSlot
		other.mu.Unlock()
		if match {
			return uint8(i), true
		}
	}
	return 0, false
}

// processFrame handles every TPDU in one read. Malformed module data stops
// processing of the rest of the read but is not fatal.
func (l *Layer) processFrame(ctx context.Context, slotID uint8, data []byte) error {
	s := l.slots[slotID]
	var events []event

	s.mu.Lock()
	err := func() error {
		if s.link == nil {
			return nil
		}
		if len(data) > l.config.ReadBufferSize {
			return fmt.Errorf("%w: frame of %d bytes exceeds read buffer", ErrBadCAMData, len(data))
		}
		for len(data) > 0 {
			tpdu, rest, err := ParseTPDU(data)
			if err != nil {
				return err
			}
			data = rest
			l.stats.IncrementRxTPDUs()
			if err := l.checkConnection(tpdu.ConnectionID); err != nil {
				return fmt.Errorf("%w: %w %d", ErrBadCAMData, err, tpdu.ConnectionID)
			}
			ev, err := l.handleTPDU(ctx, s, slotID, tpdu)
			if ev != nil {
				events = append(events, *ev)
			}
			if err != nil {
				return err
			}
		}
		return nil
	}()
	s.mu.Unlock()

	l.fire(events)

	if err == nil {
		return nil
	}
	if errors.Is(err, ErrCAWrite) {
		return &SlotError{Slot: slotID, Err: err}
	}
	if errors.Is(err, ErrBufferOverflow) {
		l.stats.IncrementBufferOverflows()
	}
	l.stats.IncrementBadCAMData()
	l.logger.Warn("Transport: slot %d: dropping rest of read: %v", slotID, err)
	return nil
}

// handleTPDU runs one state machine step. It is called with the slot lock held.
func (l *Layer) handleTPDU(ctx context.Context, s *slot, slotID uint8, t TPDU) (*event, error) {
	c := &s.connections[t.ConnectionID]
	connID := t.ConnectionID

	switch t.Tag {
	case TagCTCReply:
		if c.state != StateInCreation {
			return nil, fmt.Errorf("%w: %s for connection %d in state %s", ErrBadCAMData, TagName(t.Tag), connID, c.state)
		}
		c.state = StateActive
		c.txTime = time.Time{}
		l.logger.Debug("Transport: slot %d connection %d active", slotID, connID)
		return &event{reason: ReasonConnectionOpen, slotID: slotID, connID: connID}, nil

	case TagDeleteTC:
		if c.state != StateActive && c.state != StateInDeletion {
			return nil, fmt.Errorf("%w: %s for inactive connection %d", ErrBadCAMData, TagName(t.Tag), connID)
		}
		c.clear()
		if err := l.write(ctx, s, connID, []byte{TagDTCReply, 1, connID}); err != nil {
			return nil, err
		}
		l.logger.Debug("Transport: slot %d connection %d deleted by module", slotID, connID)
		return &event{reason: ReasonConnectionClose, slotID: slotID, connID: connID}, nil

	case TagDTCReply:
		if c.state != StateInDeletion {
			return nil, fmt.Errorf("%w: %s for connection %d in state %s", ErrBadCAMData, TagName(t.Tag), connID, c.state)
		}
		c.clear()
		return nil, nil

	case TagRequestTC:
		newID, ok := l.allocConnection(s)
		if !ok {
			l.logger.Warn("Transport: slot %d: too many connections requested by module", slotID)
			c.txTime = time.Time{}
			return nil, l.write(ctx, s, connID, []byte{TagTCError, 2, connID, 1})
		}
		if err := l.write(ctx, s, connID, []byte{TagNewTC, 2, connID, newID}); err != nil {
			s.connections[newID].state = StateIdle
			return nil, err
		}
		c.txTime = time.Time{}
		if err := l.write(ctx, s, newID, []byte{TagCreateTC, 1, newID}); err != nil {
			s.connections[newID].state = StateIdle
			return nil, err
		}
		s.connections[newID].txTime = l.now()
		return &event{reason: ReasonCAMConnectionOpen, slotID: slotID, connID: newID}, nil

	case TagDataMore:
		if c.state != StateActive {
			return nil, fmt.Errorf("%w: %s for connection %d in state %s", ErrBadCAMData, TagName(t.Tag), connID, c.state)
		}
		c.txTime = time.Time{}
		return nil, c.chain.More(t.Data)

	case TagDataLast:
		if c.state != StateActive {
			return nil, fmt.Errorf("%w: %s for connection %d in state %s", ErrBadCAMData, TagName(t.Tag), connID, c.state)
		}
		c.txTime = time.Time{}
		block, err := c.chain.Last(t.Data)
		if err != nil {
			return nil, err
		}
		if len(block) == 0 {
			return nil, nil
		}
		l.stats.IncrementRxBlocks()
		return &event{reason: ReasonData, data: block, slotID: slotID, connID: connID}, nil

	case TagSB:
		if c.state != StateActive {
			return nil, fmt.Errorf("%w: %s for connection %d in state %s", ErrBadCAMData, TagName(t.Tag), connID, c.state)
		}
		if len(t.Data) != 1 {
			return nil, fmt.Errorf("%w: %s with length %d", ErrBadCAMData, TagName(t.Tag), len(t.Data))
		}
		if t.Data[0]&sbDataPending == 0 {
			c.txTime = time.Time{}
			return nil, nil
		}
		if err := l.write(ctx, s, connID, []byte{TagRCV, 1, connID}); err != nil {
			return nil, err
		}
		c.txTime = l.now()
		return nil, nil

	default:
		return nil, fmt.Errorf("%w: unexpected TPDU tag %s", ErrBadCAMData, TagName(t.Tag))
	}
}

// serviceConnections transmits queued data, polls and checks timeouts
func (l *Layer) serviceConnections(ctx context.Context, slotID uint8) error {
	s := l.slots[slotID]
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.link == nil {
		return nil
	}

	for j := range s.connections {
		c := &s.connections[j]
		connID := uint8(j)
		if c.state == StateIdle {
			continue
		}

		switch c.state {
		case StateInCreation, StateActive, StateActiveDeleteQueued:
			if len(c.queue) > 0 && !c.awaiting() {
				msg := c.queue[0]
				c.queue[0] = nil
				c.queue = c.queue[1:]
				if err := l.write(ctx, s, connID, msg); err != nil {
					return &SlotError{Slot: slotID, Err: err}
				}
				c.txTime = l.now()
				if msg[0] == TagDeleteTC {
					c.state = StateInDeletion
					c.chain.Reset()
				}
			}
		}

		if c.state == StateActive && !c.awaiting() && l.now().Sub(c.lastPoll) > s.pollDelay {
			c.lastPoll = l.now()
			c.txTime = c.lastPoll
			l.stats.IncrementPolls()
			if err := l.write(ctx, s, connID, []byte{TagDataLast, 1, connID}); err != nil {
				return &SlotError{Slot: slotID, Err: err}
			}
		}

		if c.awaiting() && l.now().Sub(c.txTime) > s.responseTimeout {
			switch c.state {
			case StateInCreation, StateInDeletion:
				l.logger.Debug("Transport: slot %d connection %d timed out in %s, back to idle", slotID, connID, c.state)
				c.clear()
			case StateActive, StateActiveDeleteQueued:
				l.stats.IncrementTimeouts()
				l.logger.Error("Transport: slot %d connection %d: module did not answer", slotID, connID)
				return &SlotError{Slot: slotID, Err: fmt.Errorf("%w on connection %d", ErrTimeout, connID)}
			}
		}
	}
	return nil
}

// write sends one TPDU to the module. It is called with the slot lock held.
func (l *Layer) write(ctx context.Context, s *slot, connID uint8, tpdu []byte) error {
	if err := s.link.WriteFrame(ctx, device.Frame{Slot: s.devSlot, ConnectionID: connID, Data: tpdu}); err != nil {
		l.logger.Error("Transport: write to device slot %d failed: %v", s.devSlot, err)
		return fmt.Errorf("%w: %w", ErrCAWrite, err)
	}
	l.stats.IncrementTxTPDUs()
	return nil
}

// fire delivers events in order with no lock held
func (l *Layer) fire(events []event) {
	if len(events) == 0 {
		return
	}
	cb := l.callback.Load()
	if cb == nil {
		return
	}
	for _, ev := range events {
		cb(ev.reason, ev.data, ev.slotID, ev.connID)
	}
}
