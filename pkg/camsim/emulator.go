// Package camsim emulates a link layer CAM. It answers the host transport
// layer, opens the standard sessions after the profile exchange and
// answers the application information, CA and MMI resources, so a complete
// host stack can be exercised without hardware.
package camsim

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/braice/MuMuDVB-sub000/pkg/app"
	"github.com/braice/MuMuDVB-sub000/pkg/asn1"
	"github.com/braice/MuMuDVB-sub000/pkg/device"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
	"github.com/braice/MuMuDVB-sub000/pkg/transport"
)

// SPDU tags used by the module side
const (
	spduSessionNumber  = 0x90
	spduOpenRequest    = 0x91
	spduOpenResponse   = 0x92
	spduCloseRequest   = 0x95
	spduCloseResponse  = 0x96
	maxFramesPerStep   = 64
	defaultDateTimeInt = 10
)

// ErrProtocol reports host traffic the emulator does not accept
var ErrProtocol = errors.New("unexpected host traffic")

// MenuConfig is the menu shown when the host enters the module menu
type MenuConfig struct {
	Title    string
	SubTitle string
	Bottom   string
	Items    []string
}

// Config describes the emulated module
type Config struct {
	// Slot the module sits in
	Slot uint8
	// Info is returned to application info enquiries
	Info app.AppInfo
	// CAIDs are the CA system ids returned to CA info enquiries
	CAIDs []uint16
	// DateTimeInterval is the interval asked for in the date-time enquiry
	DateTimeInterval uint8
	// Resources are opened in order once the profile exchange is done
	Resources []app.ResourceID
	// Menu is pushed on the MMI session when the host enters the menu
	Menu MenuConfig
}

// DefaultConfig returns a module with one CA system that opens the
// application information, CA, MMI and date-time resources
func DefaultConfig() Config {
	return Config{
		Info: app.AppInfo{
			ApplicationType:         app.ApplicationTypeCA,
			ApplicationManufacturer: 0x4a20,
			ManufacturerCode:        0x0001,
			MenuString:              []byte("Emulated CAM"),
		},
		CAIDs:            []uint16{0x0500},
		DateTimeInterval: defaultDateTimeInt,
		Resources:        []app.ResourceID{app.AppInfoID, app.CAID, app.MMIID, app.DateTimeID},
		Menu: MenuConfig{
			Title:    "Emulated CAM",
			SubTitle: "Main menu",
			Bottom:   "Select an entry",
			Items:    []string{"Status", "Entitlements"},
		},
	}
}

// Emulator plays the module side of a device.Memory slot
type Emulator struct {
	cam    *device.CAMEnd
	config Config
	logger logger.Logger

	mu       sync.Mutex
	conn     uint8
	chain    []byte
	outbox   [][]byte
	sessions map[uint16]app.ResourceID
	opening  bool
	toOpen   []app.ResourceID
	profiled bool

	hostResources []app.ResourceID
	capmts        [][]byte
	menuAnswers   []uint8
	dateTimes     []time.Time
	refused       []app.ResourceID
}

// New attaches an emulator to cam, marks the slot ready and restarts the
// emulation whenever the host resets the slot
func New(cam *device.CAMEnd, config Config, log logger.Logger) *Emulator {
	e := &Emulator{
		cam:    cam,
		config: config,
		logger: logger.OrNoOp(log),
	}
	e.reset()
	cam.SetInterfaceType(config.Slot, device.InterfaceLinkLayer)
	cam.SetSlotState(config.Slot, device.SlotReady)
	cam.OnReset(func(slot uint8) {
		if slot == config.Slot {
			e.mu.Lock()
			e.reset()
			e.mu.Unlock()
		}
	})
	return e
}

// reset drops every connection and session. Called with e.mu held or
// before the emulator is shared.
func (e *Emulator) reset() {
	e.conn = 0
	e.chain = nil
	e.outbox = nil
	e.sessions = make(map[uint16]app.ResourceID)
	e.opening = false
	e.toOpen = nil
	e.profiled = false
}

// Step answers every frame the host has written
func (e *Emulator) Step(ctx context.Context) error {
	for n := 0; n < maxFramesPerStep; n++ {
		f, err := e.cam.ReadFrame(ctx)
		if err != nil {
			return err
		}
		if f == nil {
			return nil
		}
		if f.Slot != e.config.Slot {
			continue
		}
		if err := e.handleFrame(ctx, f.Data); err != nil {
			return err
		}
	}
	return nil
}

// Run steps the emulator every interval until ctx ends
func (e *Emulator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := e.Step(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (e *Emulator) handleFrame(ctx context.Context, data []byte) error {
	for len(data) > 0 {
		t, rest, err := transport.ParseTPDU(data)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		data = rest
		reply, err := e.handleTPDU(t)
		if err != nil {
			return err
		}
		if len(reply) == 0 {
			continue
		}
		if err := e.cam.WriteFrame(ctx, device.Frame{Slot: e.config.Slot, ConnectionID: t.ConnectionID, Data: reply}); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emulator) handleTPDU(t transport.TPDU) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch t.Tag {
	case transport.TagCreateTC:
		e.reset()
		e.conn = t.ConnectionID
		e.logger.Debug("camsim: connection %d created", e.conn)
		// the resource manager is opened first
		e.openSession(app.ResourceManagerID)
		return e.withStatus(tpdu(transport.TagCTCReply, e.conn)), nil

	case transport.TagDeleteTC:
		conn := e.conn
		e.reset()
		return tpdu(transport.TagDTCReply, conn), nil

	case transport.TagDataMore:
		if t.ConnectionID != e.conn {
			return nil, fmt.Errorf("%w: data on connection %d", ErrProtocol, t.ConnectionID)
		}
		e.chain = append(e.chain, t.Data...)
		return e.withStatus(nil), nil

	case transport.TagDataLast:
		if t.ConnectionID != e.conn {
			return nil, fmt.Errorf("%w: data on connection %d", ErrProtocol, t.ConnectionID)
		}
		spdu := append(e.chain, t.Data...)
		e.chain = nil
		if len(spdu) > 0 {
			if err := e.handleSPDU(spdu); err != nil {
				e.logger.Warn("camsim: %v", err)
			}
		}
		return e.withStatus(nil), nil

	case transport.TagRCV:
		if len(e.outbox) == 0 {
			return e.withStatus(nil), nil
		}
		msg := e.outbox[0]
		e.outbox = e.outbox[1:]
		return e.withStatus(tpdu(transport.TagDataLast, e.conn, msg...)), nil
	}
	return nil, fmt.Errorf("%w: TPDU %s", ErrProtocol, transport.TagName(t.Tag))
}

// withStatus appends the T_SB every module answer ends with
func (e *Emulator) withStatus(b []byte) []byte {
	pending := uint8(0)
	if len(e.outbox) > 0 {
		pending = 0x80
	}
	return append(b, tpdu(transport.TagSB, e.conn, pending)...)
}

func tpdu(tag, conn uint8, payload ...byte) []byte {
	b, _ := transport.BuildTPDU(tag, conn, payload)
	return b
}

func (e *Emulator) openSession(id app.ResourceID) {
	spdu := []byte{spduOpenRequest, 4, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(spdu[2:], uint32(id))
	e.outbox = append(e.outbox, spdu)
	e.opening = true
}

func (e *Emulator) openNext() {
	if e.opening || len(e.toOpen) == 0 {
		return
	}
	id := e.toOpen[0]
	e.toOpen = e.toOpen[1:]
	e.openSession(id)
}

// queueAPDU sends an APDU on session sn
func (e *Emulator) queueAPDU(sn uint16, tag app.Tag, payload []byte) {
	b := []byte{spduSessionNumber, 2, byte(sn >> 8), byte(sn), byte(tag >> 16), byte(tag >> 8), byte(tag)}
	b = asn1.Append(b, uint16(len(payload)))
	e.outbox = append(e.outbox, append(b, payload...))
}

func (e *Emulator) sessionFor(id app.ResourceID) (uint16, bool) {
	for sn, rid := range e.sessions {
		if rid == id {
			return sn, true
		}
	}
	return 0, false
}

func (e *Emulator) handleSPDU(spdu []byte) error {
	if len(spdu) < 2 {
		return fmt.Errorf("%w: short SPDU", ErrProtocol)
	}
	switch spdu[0] {
	case spduOpenResponse:
		if len(spdu) < 9 || spdu[1] != 7 {
			return fmt.Errorf("%w: open session response % x", ErrProtocol, spdu)
		}
		e.opening = false
		id := app.ResourceID(binary.BigEndian.Uint32(spdu[3:7]))
		sn := binary.BigEndian.Uint16(spdu[7:9])
		if spdu[2] != 0 {
			e.refused = append(e.refused, id)
			e.openNext()
			return nil
		}
		e.sessions[sn] = id
		e.logger.Debug("camsim: session %d open for %v", sn, id)
		if id == app.DateTimeID {
			e.queueAPDU(sn, app.TagDateTimeEnquiry, []byte{e.config.DateTimeInterval})
		}
		e.openNext()
		return nil

	case spduCloseRequest:
		if len(spdu) < 4 {
			return fmt.Errorf("%w: close session request", ErrProtocol)
		}
		sn := binary.BigEndian.Uint16(spdu[2:4])
		status := uint8(0)
		if _, ok := e.sessions[sn]; ok {
			delete(e.sessions, sn)
		} else {
			status = 0xf0
		}
		e.outbox = append(e.outbox, []byte{spduCloseResponse, 3, status, byte(sn >> 8), byte(sn)})
		return nil

	case spduCloseResponse:
		if len(spdu) >= 5 {
			delete(e.sessions, binary.BigEndian.Uint16(spdu[3:5]))
		}
		return nil

	case spduSessionNumber:
		if len(spdu) < 4 || spdu[1] != 2 {
			return fmt.Errorf("%w: session number SPDU", ErrProtocol)
		}
		sn := binary.BigEndian.Uint16(spdu[2:4])
		id, ok := e.sessions[sn]
		if !ok {
			return fmt.Errorf("%w: data for unknown session %d", ErrProtocol, sn)
		}
		data := spdu[4:]
		for len(data) > 0 {
			tag, payload, rest, err := splitAPDU(data)
			if err != nil {
				return err
			}
			data = rest
			if err := e.handleAPDU(sn, id, tag, payload); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: SPDU tag 0x%02x", ErrProtocol, spdu[0])
}

func splitAPDU(data []byte) (app.Tag, []byte, []byte, error) {
	if len(data) < 4 {
		return 0, nil, nil, fmt.Errorf("%w: short APDU", ErrProtocol)
	}
	tag := app.TagFromBytes(data)
	length, n, err := asn1.Decode(data[3:])
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: APDU length: %v", ErrProtocol, err)
	}
	start := 3 + n
	end := start + int(length)
	if end > len(data) {
		return 0, nil, nil, fmt.Errorf("%w: APDU overruns SPDU", ErrProtocol)
	}
	return tag, data[start:end], data[end:], nil
}

func (e *Emulator) handleAPDU(sn uint16, id app.ResourceID, tag app.Tag, payload []byte) error {
	switch tag {
	case app.TagProfileEnquiry:
		// the module offers no resources of its own
		e.queueAPDU(sn, app.TagProfile, nil)
	case app.TagProfile:
		e.hostResources = e.hostResources[:0]
		for i := 0; i+4 <= len(payload); i += 4 {
			e.hostResources = append(e.hostResources, app.ResourceID(binary.BigEndian.Uint32(payload[i:])))
		}
		if !e.profiled {
			e.profiled = true
			e.toOpen = append([]app.ResourceID(nil), e.config.Resources...)
			e.openNext()
		}
	case app.TagProfileChange:
		e.queueAPDU(sn, app.TagProfileEnquiry, nil)

	case app.TagAppInfoEnquiry:
		info := e.config.Info
		b := []byte{info.ApplicationType,
			byte(info.ApplicationManufacturer >> 8), byte(info.ApplicationManufacturer),
			byte(info.ManufacturerCode >> 8), byte(info.ManufacturerCode),
			byte(len(info.MenuString))}
		e.queueAPDU(sn, app.TagAppInfo, append(b, info.MenuString...))
	case app.TagEnterMenu:
		e.pushMenuLocked()

	case app.TagCAInfoEnquiry:
		b := make([]byte, 0, 2*len(e.config.CAIDs))
		for _, id := range e.config.CAIDs {
			b = append(b, byte(id>>8), byte(id))
		}
		e.queueAPDU(sn, app.TagCAInfo, b)
	case app.TagCAPMT:
		e.capmts = append(e.capmts, append([]byte(nil), payload...))
		if reply, ok := pmtReply(payload); ok {
			e.queueAPDU(sn, app.TagCAPMTReply, reply)
		}

	case app.TagDateTime:
		if t, err := app.DecodeUTCTime(payload); err == nil {
			e.dateTimes = append(e.dateTimes, t)
		}

	case app.TagMenuAnswer:
		if len(payload) != 1 {
			return fmt.Errorf("%w: menu answer of %d bytes", ErrProtocol, len(payload))
		}
		e.menuAnswers = append(e.menuAnswers, payload[0])
		if payload[0] == 0 {
			e.queueAPDU(sn, app.TagCloseMMI, []byte{app.CloseMMIImmediate})
		} else {
			e.pushListLocked(int(payload[0]))
		}
	case app.TagCloseMMI, app.TagDisplayReply, app.TagKeypress:

	default:
		e.logger.Debug("camsim: session %d (%v): ignoring %v", sn, id, tag)
	}
	return nil
}

// pmtReply answers a CA_PMT carrying the query command
func pmtReply(capmt []byte) ([]byte, bool) {
	if len(capmt) < 6 {
		return nil, false
	}
	progLen := int(capmt[4]&0x0f)<<8 | int(capmt[5])
	if progLen == 0 || len(capmt) < 6+progLen || capmt[6] != app.CmdQuery {
		return nil, false
	}
	reply := []byte{capmt[1], capmt[2], capmt[3], 0x80 | app.CAEnableDescramblingPossible}
	pos := 6 + progLen
	for pos+5 <= len(capmt) {
		esLen := int(capmt[pos+3]&0x0f)<<8 | int(capmt[pos+4])
		reply = append(reply, capmt[pos+1], capmt[pos+2], 0x80|app.CAEnableDescramblingPossible)
		pos += 5 + esLen
	}
	return reply, true
}

func textLast(s string) []byte {
	b := app.TagTextLast.Append(nil)
	b = asn1.Append(b, uint16(len(s)))
	return append(b, s...)
}

func menuBody(title, sub, bottom string, items []string) []byte {
	b := []byte{byte(len(items))}
	for _, s := range append([]string{title, sub, bottom}, items...) {
		b = append(b, textLast(s)...)
	}
	return b
}

func (e *Emulator) pushMenuLocked() bool {
	sn, ok := e.sessionFor(app.MMIID)
	if !ok {
		return false
	}
	m := e.config.Menu
	e.queueAPDU(sn, app.TagMenuLast, menuBody(m.Title, m.SubTitle, m.Bottom, m.Items))
	return true
}

func (e *Emulator) pushListLocked(choice int) {
	sn, ok := e.sessionFor(app.MMIID)
	if !ok {
		return
	}
	title := "Unknown entry"
	if choice <= len(e.config.Menu.Items) {
		title = e.config.Menu.Items[choice-1]
	}
	e.queueAPDU(sn, app.TagListLast, menuBody(title, "", "Press OK", nil))
}

// PushMenu shows the configured menu on the MMI session. It reports false
// when no MMI session is open.
func (e *Emulator) PushMenu() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pushMenuLocked()
}

// Connected reports whether the configured resources all have a session
func (e *Emulator) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.profiled || e.opening || len(e.toOpen) > 0 {
		return false
	}
	for _, id := range e.config.Resources {
		if _, ok := e.sessionFor(id); !ok {
			return false
		}
	}
	return true
}

// Sessions returns the open sessions by number
func (e *Emulator) Sessions() map[uint16]app.ResourceID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[uint16]app.ResourceID, len(e.sessions))
	for sn, id := range e.sessions {
		out[sn] = id
	}
	return out
}

// HostResources returns the resources the host advertised
func (e *Emulator) HostResources() []app.ResourceID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]app.ResourceID(nil), e.hostResources...)
}

// CAPMTs returns the bodies of the CA_PMTs received so far
func (e *Emulator) CAPMTs() [][]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.capmts...)
}

// MenuAnswers returns the menu choices received so far
func (e *Emulator) MenuAnswers() []uint8 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]uint8(nil), e.menuAnswers...)
}

// DateTimes returns the times received on the date-time session
func (e *Emulator) DateTimes() []time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]time.Time(nil), e.dateTimes...)
}

// Refused returns the resources the host refused to open
func (e *Emulator) Refused() []app.ResourceID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]app.ResourceID(nil), e.refused...)
}

// Remove simulates pulling the module out of the slot
func (e *Emulator) Remove() {
	e.mu.Lock()
	e.reset()
	e.mu.Unlock()
	e.cam.SetSlotState(e.config.Slot, device.SlotMissing)
}

// Insert simulates plugging the module back in
func (e *Emulator) Insert() {
	e.cam.SetSlotState(e.config.Slot, device.SlotReady)
}
