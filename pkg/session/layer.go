// Package session implements the EN 50221 session layer: it multiplexes
// resource sessions over transport connections, answers the module's open
// and close requests and routes APDUs to resource handlers.
package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/braice/MuMuDVB-sub000/pkg/asn1"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/callback"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
	"github.com/braice/MuMuDVB-sub000/pkg/transport"
)

// Transport is the part of the transport layer the session layer uses
type Transport interface {
	SendData(slotID, connectionID uint8, data []byte) error
	SendDataV(slotID, connectionID uint8, vec [][]byte) error
	RegisterCallback(cb transport.Callback)
}

var _ Transport = (*transport.Layer)(nil)

// ResourceHandler receives the APDUs of the sessions bound to it
type ResourceHandler interface {
	Message(slotID uint8, sessionNumber uint16, resourceID uint32, data []byte) error
}

// LookupFunc resolves a resource the module asked to open. It returns the
// handler and the resource id actually connected, or one of
// ErrResourceNotFound, ErrResourceLowVersion, ErrResourceUnavailable.
type LookupFunc func(slotID uint8, requestedResourceID uint32) (ResourceHandler, uint32, error)

// Reason tells why the session callback fired
type Reason int

const (
	ReasonCAMConnecting Reason = iota
	ReasonCAMConnected
	ReasonCAMConnectFail
	ReasonConnected
	ReasonConnectFail
	ReasonClose
	ReasonTCConnect
	ReasonTCCAMConnect
)

// String returns string representation of Reason
func (r Reason) String() string {
	switch r {
	case ReasonCAMConnecting:
		return "CAMConnecting"
	case ReasonCAMConnected:
		return "CAMConnected"
	case ReasonCAMConnectFail:
		return "CAMConnectFail"
	case ReasonConnected:
		return "Connected"
	case ReasonConnectFail:
		return "ConnectFail"
	case ReasonClose:
		return "Close"
	case ReasonTCConnect:
		return "TCConnect"
	case ReasonTCCAMConnect:
		return "TCCAMConnect"
	default:
		return "Unknown"
	}
}

// SessionFunc receives session events. For ReasonTCConnect and
// ReasonTCCAMConnect sessionNumber carries the transport connection id.
// A non-nil return for ReasonCAMConnecting refuses the session as busy;
// the return value is ignored for every other reason.
type SessionFunc func(reason Reason, slotID uint8, sessionNumber uint16, resourceID uint32) error

// State of a session
type State int

const (
	StateIdle State = iota
	StateInCreation
	StateActive
	StateInDeletion
)

// String returns string representation of State
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateInCreation:
		return "InCreation"
	case StateActive:
		return "Active"
	case StateInDeletion:
		return "InDeletion"
	default:
		return "Unknown"
	}
}

// Info describes one session
type Info struct {
	State        State
	SlotID       uint8
	ConnectionID uint8
	ResourceID   uint32
}

type session struct {
	Info
	handler ResourceHandler
}

// Config holds configuration for the session layer
type Config struct {
	// MaxSessions is the size of the session table; number 0 is never used.
	// Default: 256
	MaxSessions int
}

// DefaultConfig returns default session configuration
func DefaultConfig() Config {
	return Config{MaxSessions: 256}
}

// Layer is the session layer. The session table sits behind one lock that
// is never held while a callback, a handler or the transport is called.
type Layer struct {
	tl     Transport
	config Config
	logger logger.Logger
	stats  *Statistics

	lookup  callback.Hook[LookupFunc]
	session callback.Hook[SessionFunc]

	mu       sync.Mutex
	sessions []session
}

// New creates a session layer on top of tl and registers as its callback
func New(tl Transport, config Config, log logger.Logger) *Layer {
	if config.MaxSessions <= 1 {
		config.MaxSessions = DefaultConfig().MaxSessions
	}
	if config.MaxSessions > 0x10000 {
		config.MaxSessions = 0x10000
	}
	l := &Layer{
		tl:       tl,
		config:   config,
		logger:   logger.OrNoOp(log),
		stats:    NewStatistics(),
		sessions: make([]session, config.MaxSessions),
	}
	tl.RegisterCallback(l.transportCallback)
	return l
}

// Statistics returns the layer counters
func (l *Layer) Statistics() *Statistics {
	return l.stats
}

// RegisterLookup sets the function resolving module open requests
func (l *Layer) RegisterLookup(fn LookupFunc) {
	l.lookup.Store(fn)
}

// RegisterCallback sets the function receiving session events
func (l *Layer) RegisterCallback(fn SessionFunc) {
	l.session.Store(fn)
}

// allocSession takes the lowest idle session number. Called with l.mu held.
func (l *Layer) allocSession(slotID, connID uint8, resourceID uint32, handler ResourceHandler) (uint16, bool) {
	for i := 1; i < len(l.sessions); i++ {
		if l.sessions[i].State == StateIdle {
			l.sessions[i] = session{
				Info: Info{
					State:        StateInCreation,
					SlotID:       slotID,
					ConnectionID: connID,
					ResourceID:   resourceID,
				},
				handler: handler,
			}
			return uint16(i), true
		}
	}
	return 0, false
}

func (l *Layer) checkNumber(sn uint16) error {
	if sn == 0 || int(sn) >= len(l.sessions) {
		return fmt.Errorf("%w: %d", ErrBadSessionNumber, sn)
	}
	return nil
}

// CreateSession opens a host initiated session to a resource on the module.
// The session becomes Active when the module answers.
func (l *Layer) CreateSession(slotID, connID uint8, resourceID uint32, handler ResourceHandler) (uint16, error) {
	l.mu.Lock()
	sn, ok := l.allocSession(slotID, connID, resourceID, handler)
	l.mu.Unlock()
	if !ok {
		return 0, ErrOutOfSessions
	}

	if err := l.send(slotID, connID, createSession(resourceID, sn)); err != nil {
		l.mu.Lock()
		if l.sessions[sn].State == StateInCreation {
			l.sessions[sn].State = StateIdle
		}
		l.mu.Unlock()
		return 0, err
	}
	return sn, nil
}

// DestroySession starts the close handshake of a session
func (l *Layer) DestroySession(sn uint16) error {
	if err := l.checkNumber(sn); err != nil {
		return err
	}
	l.mu.Lock()
	s := &l.sessions[sn]
	if s.State != StateActive && s.State != StateInDeletion {
		l.mu.Unlock()
		return fmt.Errorf("%w: cannot close session %d in state %s", ErrBadState, sn, s.State)
	}
	s.State = StateInDeletion
	slotID, connID := s.SlotID, s.ConnectionID
	l.mu.Unlock()

	if err := l.send(slotID, connID, closeSessionRequest(sn)); err != nil {
		l.mu.Lock()
		if l.sessions[sn].State == StateInDeletion {
			l.sessions[sn].State = StateIdle
		}
		l.mu.Unlock()
		return err
	}
	return nil
}

// SessionState returns the state of a session
func (l *Layer) SessionState(sn uint16) (State, error) {
	info, err := l.Session(sn)
	return info.State, err
}

// Session returns a copy of a session record
func (l *Layer) Session(sn uint16) (Info, error) {
	if err := l.checkNumber(sn); err != nil {
		return Info{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sessions[sn].Info, nil
}

// activeRoute returns where an active session is carried
func (l *Layer) activeRoute(sn uint16) (uint8, uint8, error) {
	if err := l.checkNumber(sn); err != nil {
		return 0, 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &l.sessions[sn]
	if s.State != StateActive {
		return 0, 0, fmt.Errorf("%w: session %d is %s", ErrBadState, sn, s.State)
	}
	return s.SlotID, s.ConnectionID, nil
}

// SendData sends one APDU on an active session
func (l *Layer) SendData(sn uint16, data []byte) error {
	slotID, connID, err := l.activeRoute(sn)
	if err != nil {
		return err
	}
	return l.sendV(slotID, connID, [][]byte{sessionNumberHeader(sn), data})
}

// SendDataV sends the concatenation of vec on an active session.
// At most 9 vectors are accepted.
func (l *Layer) SendDataV(sn uint16, vec [][]byte) error {
	if len(vec) > maxIOV {
		return ErrIOVLimit
	}
	slotID, connID, err := l.activeRoute(sn)
	if err != nil {
		return err
	}
	out := make([][]byte, 0, len(vec)+1)
	out = append(out, sessionNumberHeader(sn))
	out = append(out, vec...)
	return l.sendV(slotID, connID, out)
}

// BroadcastData sends data on every active session of resourceID, on one
// slot or on all slots when slotID is -1. Every session is attempted; the
// failures are returned joined.
func (l *Layer) BroadcastData(slotID int, resourceID uint32, data []byte) error {
	var targets []uint16
	l.mu.Lock()
	for i := 1; i < len(l.sessions); i++ {
		s := &l.sessions[i]
		if s.State != StateActive || s.ResourceID != resourceID {
			continue
		}
		if slotID != -1 && slotID != int(s.SlotID) {
			continue
		}
		targets = append(targets, uint16(i))
	}
	l.mu.Unlock()

	var errs []error
	for _, sn := range targets {
		if err := l.SendData(sn, data); err != nil {
			l.logger.Warn("Session: broadcast to session %d failed: %v", sn, err)
			errs = append(errs, fmt.Errorf("session %d: %w", sn, err))
		}
	}
	return errors.Join(errs...)
}

func (l *Layer) send(slotID, connID uint8, spdu []byte) error {
	if err := l.tl.SendData(slotID, connID, spdu); err != nil {
		return err
	}
	l.stats.IncrementTxSPDUs()
	return nil
}

func (l *Layer) sendV(slotID, connID uint8, vec [][]byte) error {
	if err := l.tl.SendDataV(slotID, connID, vec); err != nil {
		return err
	}
	l.stats.IncrementTxSPDUs()
	return nil
}

func (l *Layer) notify(reason Reason, slotID uint8, sn uint16, resourceID uint32) error {
	cb := l.session.Load()
	if cb == nil {
		return nil
	}
	return cb(reason, slotID, sn, resourceID)
}

// transportCallback is registered with the transport layer
func (l *Layer) transportCallback(reason transport.Reason, data []byte, slotID, connID uint8) {
	switch reason {
	case transport.ReasonConnectionOpen:
		l.notify(ReasonTCConnect, slotID, uint16(connID), 0)
		return
	case transport.ReasonCAMConnectionOpen:
		l.notify(ReasonTCCAMConnect, slotID, uint16(connID), 0)
		return
	case transport.ReasonConnectionClose:
		l.closeMatching(func(s *session) bool {
			return s.SlotID == slotID && s.ConnectionID == connID
		})
		return
	case transport.ReasonSlotClose:
		l.closeMatching(func(s *session) bool {
			return s.SlotID == slotID
		})
		return
	}

	if len(data) < 1 {
		l.logger.Warn("Session: empty SPDU from slot %d", slotID)
		return
	}
	l.stats.IncrementRxSPDUs()

	var err error
	body := data[1:]
	switch data[0] {
	case TagOpenSessionReq:
		err = l.handleOpenSessionRequest(body, slotID, connID)
	case TagCloseSessionReq:
		err = l.handleCloseSessionRequest(body, slotID, connID)
	case TagSessionNumber:
		err = l.handleSessionPackage(body, slotID, connID)
	case TagCreateSessionRes:
		err = l.handleCreateSessionResponse(body, slotID, connID)
	case TagCloseSessionRes:
		err = l.handleCloseSessionResponse(body, slotID, connID)
	default:
		err = fmt.Errorf("%w: unknown tag 0x%02X", errBadSPDU, data[0])
	}
	if err != nil {
		l.stats.IncrementBadSPDUs()
		l.logger.Warn("Session: slot %d connection %d: %v", slotID, connID, err)
	}
}

// closeMatching drops every session selected by match and reports each close
func (l *Layer) closeMatching(match func(*session) bool) {
	type closed struct {
		sn     uint16
		slotID uint8
		rid    uint32
	}
	var list []closed
	l.mu.Lock()
	for i := 1; i < len(l.sessions); i++ {
		s := &l.sessions[i]
		if s.State == StateIdle || !match(s) {
			continue
		}
		s.State = StateIdle
		list = append(list, closed{uint16(i), s.SlotID, s.ResourceID})
	}
	l.mu.Unlock()

	for _, c := range list {
		l.notify(ReasonClose, c.slotID, c.sn, c.rid)
	}
}

func (l *Layer) handleOpenSessionRequest(data []byte, slotID, connID uint8) error {
	if len(data) < 5 || data[0] != 4 {
		return fmt.Errorf("%w: open session request of %d bytes", errBadSPDU, len(data))
	}
	requested := getUint32(data[1:5])

	var (
		handler   ResourceHandler
		connected = requested
		status    = StatusNoResource
	)
	if lookup := l.lookup.Load(); lookup != nil {
		var err error
		handler, connected, err = lookup(slotID, requested)
		status = statusFor(err)
		if err != nil {
			connected = requested
			l.logger.Debug("Session: slot %d: resource %08x refused: %v", slotID, requested, err)
		}
	}

	sn := noSessionNumber
	allocated := false
	if status == StatusOpen {
		l.mu.Lock()
		sn, allocated = l.allocSession(slotID, connID, connected, handler)
		l.mu.Unlock()
		if !allocated {
			sn = noSessionNumber
			status = StatusNoResource
			l.logger.Warn("Session: slot %d: %v", slotID, ErrOutOfSessions)
		} else if cb := l.session.Load(); cb == nil {
			status = StatusUnavailable
		} else if err := cb(ReasonCAMConnecting, slotID, sn, connected); err != nil {
			status = StatusBusy
		}
	}

	if err := l.send(slotID, connID, openSessionResponse(status, connected, sn)); err != nil {
		l.logger.Error("Session: slot %d: open session response not sent: %v", slotID, err)
		status = StatusNoResource
	}
	if status != StatusOpen {
		l.stats.IncrementRefusedOpens()
	}
	if !allocated {
		return nil
	}

	l.mu.Lock()
	if status == StatusOpen {
		l.sessions[sn].State = StateActive
	} else {
		l.sessions[sn].State = StateIdle
	}
	l.mu.Unlock()

	if status == StatusOpen {
		l.notify(ReasonCAMConnected, slotID, sn, connected)
	} else {
		l.notify(ReasonCAMConnectFail, slotID, sn, connected)
	}
	return nil
}

func (l *Layer) handleCloseSessionRequest(data []byte, slotID, connID uint8) error {
	if len(data) < 3 || data[0] != 2 {
		return fmt.Errorf("%w: close session request of %d bytes", errBadSPDU, len(data))
	}
	sn := getUint16(data[1:3])

	code := StatusOpen
	var resourceID uint32
	if l.checkNumber(sn) != nil {
		code = StatusCloseError
	} else {
		l.mu.Lock()
		s := &l.sessions[sn]
		if s.SlotID != slotID || s.ConnectionID != connID ||
			(s.State != StateActive && s.State != StateInDeletion) {
			code = StatusCloseError
		} else {
			s.State = StateIdle
		}
		resourceID = s.ResourceID
		l.mu.Unlock()
	}
	if code != StatusOpen {
		l.logger.Warn("Session: slot %d: close request for unknown session %d", slotID, sn)
	}

	if err := l.send(slotID, connID, closeSessionResponse(code, sn)); err != nil {
		l.logger.Error("Session: slot %d: close session response not sent: %v", slotID, err)
	}
	if code == StatusOpen {
		l.notify(ReasonClose, slotID, sn, resourceID)
	}
	return nil
}

// lockSessionFor returns the locked session sn if it is carried on
// slotID/connID. The caller unlocks l.mu.
func (l *Layer) lockSessionFor(sn uint16, slotID, connID uint8) (*session, error) {
	if err := l.checkNumber(sn); err != nil {
		return nil, err
	}
	l.mu.Lock()
	s := &l.sessions[sn]
	if s.SlotID != slotID || s.ConnectionID != connID {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: session %d is not on this connection", ErrBadSessionNumber, sn)
	}
	return s, nil
}

func (l *Layer) handleCreateSessionResponse(data []byte, slotID, connID uint8) error {
	if len(data) < 8 || data[0] != 7 {
		return fmt.Errorf("%w: create session response of %d bytes", errBadSPDU, len(data))
	}
	status := Status(data[1])
	sn := getUint16(data[6:8])

	s, err := l.lockSessionFor(sn, slotID, connID)
	if err != nil {
		return err
	}
	if s.State != StateInCreation {
		state := s.State
		l.mu.Unlock()
		return fmt.Errorf("%w: create response for session %d in state %s", ErrBadState, sn, state)
	}
	resourceID := s.ResourceID
	if status != StatusOpen {
		s.State = StateIdle
		l.mu.Unlock()
		l.logger.Warn("Session: slot %d: module refused session %d: %s", slotID, sn, status)
		l.notify(ReasonConnectFail, slotID, sn, resourceID)
		return nil
	}
	s.State = StateActive
	l.mu.Unlock()

	l.notify(ReasonConnected, slotID, sn, resourceID)
	return nil
}

func (l *Layer) handleCloseSessionResponse(data []byte, slotID, connID uint8) error {
	if len(data) < 4 || data[0] != 3 {
		return fmt.Errorf("%w: close session response of %d bytes", errBadSPDU, len(data))
	}
	status := Status(data[1])
	sn := getUint16(data[2:4])

	s, err := l.lockSessionFor(sn, slotID, connID)
	if err != nil {
		return err
	}
	if s.State != StateInDeletion {
		state := s.State
		l.mu.Unlock()
		return fmt.Errorf("%w: close response for session %d in state %s", ErrBadState, sn, state)
	}
	s.State = StateIdle
	l.mu.Unlock()

	if status != StatusOpen {
		l.logger.Warn("Session: slot %d: module reported close failure %s for session %d", slotID, status, sn)
	}
	return nil
}

// handleSessionPackage delivers each APDU of a session number SPDU in order.
// A malformed length stops delivery of the rest.
func (l *Layer) handleSessionPackage(data []byte, slotID, connID uint8) error {
	if len(data) < 3 || data[0] != 2 {
		return fmt.Errorf("%w: session number SPDU of %d bytes", errBadSPDU, len(data))
	}
	sn := getUint16(data[1:3])

	s, err := l.lockSessionFor(sn, slotID, connID)
	if err != nil {
		return err
	}
	if s.State != StateActive {
		state := s.State
		l.mu.Unlock()
		return fmt.Errorf("%w: data for session %d in state %s", ErrBadState, sn, state)
	}
	handler := s.handler
	resourceID := s.ResourceID
	l.mu.Unlock()

	data = data[3:]
	for len(data) > 0 {
		if len(data) < 3 {
			return fmt.Errorf("%w: truncated APDU tag in session %d", errBadSPDU, sn)
		}
		length, n, err := asn1.Decode(data[3:])
		if err != nil {
			return fmt.Errorf("%w: APDU length in session %d: %v", errBadSPDU, sn, err)
		}
		size := 3 + n + int(length)
		if size > len(data) {
			return fmt.Errorf("%w: APDU of %d bytes overruns session %d package", errBadSPDU, size, sn)
		}
		apdu := data[:size]
		data = data[size:]

		if handler == nil {
			continue
		}
		l.stats.IncrementRxAPDUs()
		if err := handler.Message(slotID, sn, resourceID, apdu); err != nil {
			l.logger.Warn("Session: slot %d session %d: APDU dropped: %v", slotID, sn, err)
		}
	}
	return nil
}
