package device

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
)

// RemoteConfig configures a remote device client
type RemoteConfig struct {
	Address        string        // "host:port" format
	Transport      string        // "tcp" or "quic"
	TLSConfig      *tls.Config   // Optional TLS config for QUIC
	ReconnectDelay time.Duration // Delay between reconnection attempts
	WriteTimeout   time.Duration // Write timeout (0 = no timeout)
	RequestTimeout time.Duration // How long an HLCI read waits for its answer
}

// DefaultRemoteConfig returns a configuration with default values
func DefaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		Transport:      "tcp",
		ReconnectDelay: 5 * time.Second,
		WriteTimeout:   10 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

type remoteSlot struct {
	state SlotState
	iface InterfaceType
}

type hlciReply struct {
	apdu []byte
	err  error
}

// Remote is a Device whose hardware sits behind a Server on another host.
// It reconnects on its own; while disconnected every slot reads Missing.
type Remote struct {
	dial   Dialer
	config RemoteConfig
	logger logger.Logger

	conn     io.ReadWriteCloser
	connLock sync.RWMutex
	writeMu  sync.Mutex

	slotsLock sync.RWMutex
	slots     map[uint8]remoteSlot

	inbound chan Frame

	hlciLock sync.Mutex
	hlciWait map[uint8]chan hlciReply

	stats struct {
		bytesSent     atomic.Uint64
		bytesReceived atomic.Uint64
		writeErrors   atomic.Uint64
		readErrors    atomic.Uint64
		connects      atomic.Uint64
		disconnects   atomic.Uint64
	}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewRemote connects to the server at config.Address
func NewRemote(config RemoteConfig, log logger.Logger) (*Remote, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("address is required")
	}
	var dial Dialer
	switch config.Transport {
	case "", "tcp":
		dial = TCPDialer(config.Address)
	case "quic":
		dial = QUICDialer(config.Address, config.TLSConfig)
	default:
		return nil, fmt.Errorf("unsupported transport %q", config.Transport)
	}
	return NewRemoteWithDialer(dial, config, log)
}

// NewRemoteWithDialer connects through an arbitrary dialer
func NewRemoteWithDialer(dial Dialer, config RemoteConfig, log logger.Logger) (*Remote, error) {
	defaults := DefaultRemoteConfig()
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Remote{
		dial:     dial,
		config:   config,
		logger:   logger.OrNoOp(log),
		slots:    make(map[uint8]remoteSlot),
		inbound:  make(chan Frame, memoryQueueDepth),
		hlciWait: make(map[uint8]chan hlciReply),
		ctx:      ctx,
		cancel:   cancel,
	}

	conn, err := r.connect()
	if err != nil {
		cancel()
		return nil, err
	}

	r.wg.Add(1)
	go r.connectionLoop(conn)
	return r, nil
}

func (r *Remote) connect() (io.ReadWriteCloser, error) {
	conn, err := r.dial(r.ctx)
	if err != nil {
		return nil, err
	}
	r.connLock.Lock()
	r.conn = conn
	r.connLock.Unlock()
	r.stats.connects.Add(1)

	if err := r.send(Message{Type: MsgSlotStatus}); err != nil {
		r.connLock.Lock()
		r.conn = nil
		r.connLock.Unlock()
		return nil, err
	}
	r.logger.Info("Remote device %s connected", r.config.Address)
	return conn, nil
}

// connectionLoop reads from the current connection and redials after loss
func (r *Remote) connectionLoop(conn io.ReadWriteCloser) {
	defer r.wg.Done()

	for {
		if conn != nil {
			err := r.readLoop(conn)
			if r.closed.Load() {
				return
			}
			r.logger.Warn("Remote device %s lost: %v", r.config.Address, err)
			r.dropConnection(conn)
			conn = nil
		}

		select {
		case <-r.ctx.Done():
			return
		case <-time.After(r.config.ReconnectDelay):
		}

		newConn, err := r.connect()
		if err != nil {
			r.logger.Debug("Remote device %s reconnect failed: %v", r.config.Address, err)
			continue
		}
		conn = newConn
	}
}

func (r *Remote) readLoop(conn io.ReadWriteCloser) error {
	for {
		m, err := ReadMessage(conn)
		if err != nil {
			r.stats.readErrors.Add(1)
			return err
		}
		r.stats.bytesReceived.Add(uint64(messageHeader + len(m.Payload)))

		switch m.Type {
		case MsgFrame:
			select {
			case r.inbound <- Frame{Slot: m.Slot, ConnectionID: m.ConnectionID, Data: m.Payload}:
			case <-r.ctx.Done():
				return r.ctx.Err()
			}
		case MsgSlotStatus:
			state, iface, err := parseSlotStatus(m.Payload)
			if err != nil {
				r.logger.Warn("Remote device: bad slot status for slot %d", m.Slot)
				continue
			}
			r.slotsLock.Lock()
			r.slots[m.Slot] = remoteSlot{state: state, iface: iface}
			r.slotsLock.Unlock()
		case MsgHLCIAPDU:
			reply := hlciReply{apdu: m.Payload}
			if len(m.Payload) == 0 {
				reply.err = fmt.Errorf("slot %d: HLCI read failed on server", m.Slot)
			}
			r.deliverHLCI(m.Slot, reply)
		default:
			r.logger.Debug("Remote device: ignoring %s message", m.Type)
		}
	}
}

// dropConnection forgets conn and makes every slot read Missing
func (r *Remote) dropConnection(conn io.ReadWriteCloser) {
	r.connLock.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.connLock.Unlock()
	conn.Close()
	drainFrames(r.inbound)
	r.stats.disconnects.Add(1)

	r.slotsLock.Lock()
	for slot, s := range r.slots {
		s.state = SlotMissing
		r.slots[slot] = s
	}
	r.slotsLock.Unlock()

	r.hlciLock.Lock()
	for slot, ch := range r.hlciWait {
		ch <- hlciReply{err: ErrNotConnected}
		delete(r.hlciWait, slot)
	}
	r.hlciLock.Unlock()
}

// drainFrames drops every queued frame
func drainFrames(ch chan Frame) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func (r *Remote) deliverHLCI(slot uint8, reply hlciReply) {
	r.hlciLock.Lock()
	defer r.hlciLock.Unlock()
	ch, ok := r.hlciWait[slot]
	if !ok {
		return
	}
	ch <- reply
	delete(r.hlciWait, slot)
}

func (r *Remote) send(m Message) error {
	if r.closed.Load() {
		return ErrClosed
	}
	r.connLock.RLock()
	conn := r.conn
	r.connLock.RUnlock()
	if conn == nil {
		r.stats.writeErrors.Add(1)
		return ErrNotConnected
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if d, ok := conn.(interface{ SetWriteDeadline(time.Time) error }); ok && r.config.WriteTimeout > 0 {
		d.SetWriteDeadline(time.Now().Add(r.config.WriteTimeout))
	}
	if err := WriteMessage(conn, m); err != nil {
		r.stats.writeErrors.Add(1)
		conn.Close()
		return err
	}
	r.stats.bytesSent.Add(uint64(messageHeader + len(m.Payload)))
	return nil
}

// ReadFrame implements Link.ReadFrame
func (r *Remote) ReadFrame(ctx context.Context) (*Frame, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case f := <-r.inbound:
		return &f, nil
	default:
		return nil, nil
	}
}

// WriteFrame implements Link.WriteFrame
func (r *Remote) WriteFrame(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.send(Message{Type: MsgFrame, Slot: f.Slot, ConnectionID: f.ConnectionID, Payload: f.Data})
}

// SlotCount returns the number of slots the server has reported
func (r *Remote) SlotCount() int {
	r.slotsLock.RLock()
	defer r.slotsLock.RUnlock()
	n := 0
	for slot := range r.slots {
		if int(slot)+1 > n {
			n = int(slot) + 1
		}
	}
	return n
}

// SlotState implements Controller.SlotState. Unknown slots read Missing.
func (r *Remote) SlotState(ctx context.Context, slot uint8) (SlotState, error) {
	if r.closed.Load() {
		return SlotMissing, ErrClosed
	}
	r.slotsLock.RLock()
	defer r.slotsLock.RUnlock()
	return r.slots[slot].state, nil
}

// Reset implements Controller.Reset. Frames of slot received before the
// reset are dropped, as Memory does.
func (r *Remote) Reset(ctx context.Context, slot uint8) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.send(Message{Type: MsgReset, Slot: slot}); err != nil {
		return err
	}
	drainSlot(r.inbound, slot)
	return nil
}

// InterfaceType implements Controller.InterfaceType
func (r *Remote) InterfaceType(ctx context.Context, slot uint8) (InterfaceType, error) {
	if r.closed.Load() {
		return InterfaceLinkLayer, ErrClosed
	}
	r.slotsLock.RLock()
	defer r.slotsLock.RUnlock()
	return r.slots[slot].iface, nil
}

// ReadAPDU implements HLCI.ReadAPDU. One read per slot may be outstanding.
func (r *Remote) ReadAPDU(ctx context.Context, slot uint8, tag uint32) ([]byte, error) {
	ch := make(chan hlciReply, 1)
	r.hlciLock.Lock()
	if _, busy := r.hlciWait[slot]; busy {
		r.hlciLock.Unlock()
		return nil, fmt.Errorf("slot %d: HLCI read already outstanding", slot)
	}
	r.hlciWait[slot] = ch
	r.hlciLock.Unlock()

	forget := func() {
		r.hlciLock.Lock()
		if r.hlciWait[slot] == ch {
			delete(r.hlciWait, slot)
		}
		r.hlciLock.Unlock()
	}

	if err := r.send(Message{Type: MsgHLCIRequest, Slot: slot, Payload: tagPayload(tag)}); err != nil {
		forget()
		return nil, err
	}

	timer := time.NewTimer(r.config.RequestTimeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply.apdu, reply.err
	case <-timer.C:
		forget()
		return nil, fmt.Errorf("slot %d: HLCI read of tag %06x: %w", slot, tag, context.DeadlineExceeded)
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	case <-r.ctx.Done():
		return nil, ErrClosed
	}
}

// WriteAPDU implements HLCI.WriteAPDU
func (r *Remote) WriteAPDU(ctx context.Context, slot uint8, apdu []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.send(Message{Type: MsgHLCIAPDU, Slot: slot, Payload: apdu})
}

// IsConnected returns whether a server connection is up
func (r *Remote) IsConnected() bool {
	r.connLock.RLock()
	defer r.connLock.RUnlock()
	return r.conn != nil
}

// Close implements Device.Close
func (r *Remote) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.cancel()

	r.connLock.Lock()
	if r.conn != nil {
		r.conn.Close()
		r.stats.disconnects.Add(1)
		r.conn = nil
	}
	r.connLock.Unlock()

	r.wg.Wait()
	return nil
}

// Statistics implements Device.Statistics
func (r *Remote) Statistics() Stats {
	return Stats{
		BytesSent:     r.stats.bytesSent.Load(),
		BytesReceived: r.stats.bytesReceived.Load(),
		WriteErrors:   r.stats.writeErrors.Load(),
		ReadErrors:    r.stats.readErrors.Load(),
		Connects:      r.stats.connects.Load(),
		Disconnects:   r.stats.disconnects.Load(),
	}
}

var _ Device = (*Remote)(nil)
var _ Device = (*Memory)(nil)
var _ Link = (*CAMEnd)(nil)

// isClosedConn reports errors that just mean the peer went away
func isClosedConn(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed)
}
