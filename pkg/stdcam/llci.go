package stdcam

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/braice/MuMuDVB-sub000/pkg/app"
	"github.com/braice/MuMuDVB-sub000/pkg/device"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/queue"
	"github.com/braice/MuMuDVB-sub000/pkg/session"
	"github.com/braice/MuMuDVB-sub000/pkg/transport"
)

var (
	ErrDuplicateResource = errors.New("resource class and type already served")
	ErrPrivateResource   = errors.New("private resource ids cannot be served")
)

// LLCIConfig holds the timing of a link layer CAM
type LLCIConfig struct {
	// ResponseTimeout bounds the wait for a module answer
	ResponseTimeout time.Duration
	// PollDelay is the idle time after which a connection is polled
	PollDelay time.Duration
	// LocalOffsetMinutes is sent with every date_time, app.NoLocalOffset
	// leaves the field out
	LocalOffsetMinutes int
}

// DefaultLLCIConfig returns the timing used by most modules
func DefaultLLCIConfig() LLCIConfig {
	return LLCIConfig{
		ResponseTimeout: time.Second,
		PollDelay:       100 * time.Millisecond,
	}
}

func (c LLCIConfig) withDefaults() LLCIConfig {
	d := DefaultLLCIConfig()
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = d.ResponseTimeout
	}
	if c.PollDelay <= 0 {
		c.PollDelay = d.PollDelay
	}
	return c
}

type llciResource struct {
	id      app.ResourceID
	handler session.ResourceHandler
}

// LLCI drives a link layer module through the transport and session
// layers. The module opens the sessions; the host serves the resource
// manager, date-time, application information, CA support and MMI
// resources, plus any added with AddResource.
type LLCI struct {
	dev    device.Device
	slot   uint8
	tl     *transport.Layer
	sl     *session.Layer
	config LLCIConfig
	logger logger.Logger
	now    func() time.Time

	rm       *app.ResourceManager
	datetime *app.DateTime
	ai       *app.ApplicationInfo
	ca       *app.CA
	mmi      *app.MMI

	mu        sync.Mutex
	state     Status
	tlSlot    int
	resources []llciResource
	// sessions of the resources limited to one session per module
	single    map[app.ResourceID]int
	rmSession int
	intervals map[uint16]time.Duration
	ticks     *queue.Scheduler[uint16]
	dvbTime   time.Time
}

// NewLLCI creates the glue for a link layer module in slot of dev and
// registers it as the lookup and session callback of sl
func NewLLCI(dev device.Device, slot uint8, tl *transport.Layer, sl *session.Layer, config LLCIConfig, log logger.Logger) *LLCI {
	log = logger.OrNoOp(log)
	l := &LLCI{
		dev:       dev,
		slot:      slot,
		tl:        tl,
		sl:        sl,
		config:    config.withDefaults(),
		logger:    log,
		now:       time.Now,
		rm:        app.NewResourceManager(sl, log),
		datetime:  app.NewDateTime(sl, log),
		ai:        app.NewApplicationInfo(sl, log),
		ca:        app.NewCA(sl, log),
		mmi:       app.NewMMI(sl, log),
		state:     StatusNone,
		tlSlot:    NotConnected,
		rmSession: NotConnected,
		intervals: make(map[uint16]time.Duration),
		ticks:     queue.NewScheduler[uint16](),
	}
	l.resources = []llciResource{
		{app.ResourceManagerID, l.rm},
		{app.CAID, l.ca},
		{app.AppInfoID, l.ai},
		{app.MMIID, l.mmi},
		{app.DateTimeID, l.datetime},
	}
	l.single = map[app.ResourceID]int{
		app.AppInfoID:  NotConnected,
		app.CAID:       NotConnected,
		app.MMIID:      NotConnected,
		app.DateTimeID: NotConnected,
	}

	l.rm.OnEnquiry(l.rmEnquiry)
	l.rm.OnReply(l.rmReply)
	l.rm.OnChanged(l.rmChanged)
	l.datetime.OnEnquiry(l.datetimeEnquiry)

	sl.RegisterLookup(l.lookup)
	sl.RegisterCallback(l.sessionEvent)
	return l
}

func (l *LLCI) AI() *app.ApplicationInfo { return l.ai }
func (l *LLCI) CA() *app.CA              { return l.ca }
func (l *LLCI) MMI() *app.MMI            { return l.mmi }

func (l *LLCI) AISession() int  { return l.sessionOf(app.AppInfoID) }
func (l *LLCI) CASession() int  { return l.sessionOf(app.CAID) }
func (l *LLCI) MMISession() int { return l.sessionOf(app.MMIID) }

// DateTimeSession returns the date-time session, NotConnected if none
func (l *LLCI) DateTimeSession() int { return l.sessionOf(app.DateTimeID) }

func (l *LLCI) sessionOf(id app.ResourceID) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.single[id]
}

// DVBTime sets the time reported to the module. Until it is called the
// wall clock is used.
func (l *LLCI) DVBTime(t time.Time) {
	l.mu.Lock()
	l.dvbTime = t
	l.mu.Unlock()
}

// AddResource serves an extra resource, such as host control or EPG. The
// module is told the profile changed when the resource manager session is
// already open.
func (l *LLCI) AddResource(id app.ResourceID, handler session.ResourceHandler) error {
	if id.Private() {
		return fmt.Errorf("%w: %v", ErrPrivateResource, id)
	}
	l.mu.Lock()
	for _, r := range l.resources {
		if r.id.Class() == id.Class() && r.id.Type() == id.Type() {
			l.mu.Unlock()
			return fmt.Errorf("%w: %v", ErrDuplicateResource, id)
		}
	}
	l.resources = append(l.resources, llciResource{id, handler})
	rmSession := l.rmSession
	l.mu.Unlock()

	if rmSession != NotConnected {
		return l.rm.Changed(uint16(rmSession))
	}
	return nil
}

// Poll follows the slot state, polls the stack and sends due date-time
// updates
func (l *LLCI) Poll(ctx context.Context) Status {
	state, err := l.dev.SlotState(ctx, l.slot)
	if err != nil {
		l.logger.Error("LLCI: slot %d state: %v", l.slot, err)
	} else {
		switch state {
		case device.SlotMissing:
			if l.status() != StatusNone {
				l.camRemoved()
			}
		case device.SlotReady:
			switch l.status() {
			// a fatal stack error leaves the module Bad; it is reset again
			case StatusNone, StatusBad:
				l.camAdded(ctx)
			case StatusInReset:
				l.camInReset()
			}
		}
	}

	if err := l.tl.Poll(ctx); err != nil {
		l.logger.Error("LLCI: slot %d: stack error: %v", l.slot, err)
		var se *transport.SlotError
		if errors.As(err, &se) && int(se.Slot) == l.transportSlot() {
			l.camRemoved()
			l.setStatus(StatusBad)
		}
	}

	l.sendDueTimes()
	return l.status()
}

// Close removes the module and unregisters from the session layer
func (l *LLCI) Close(closeDevice bool) error {
	l.camRemoved()
	l.sl.RegisterLookup(nil)
	l.sl.RegisterCallback(nil)
	if closeDevice {
		return l.dev.Close()
	}
	return nil
}

func (l *LLCI) status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *LLCI) setStatus(s Status) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *LLCI) transportSlot() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tlSlot
}

func (l *LLCI) camAdded(ctx context.Context) {
	if l.transportSlot() != NotConnected {
		l.camRemoved()
	}
	if err := l.dev.Reset(ctx, l.slot); err != nil {
		l.logger.Error("LLCI: slot %d reset: %v", l.slot, err)
		l.setStatus(StatusBad)
		return
	}
	l.logger.Debug("LLCI: slot %d module inserted, reset", l.slot)
	l.setStatus(StatusInReset)
}

func (l *LLCI) camInReset() {
	tlSlot, err := l.tl.RegisterSlot(l.dev, l.slot, l.config.ResponseTimeout, l.config.PollDelay)
	if err != nil {
		l.logger.Error("LLCI: slot %d register: %v", l.slot, err)
		l.setStatus(StatusBad)
		return
	}
	if _, err := l.tl.NewTC(tlSlot); err != nil {
		l.logger.Error("LLCI: slot %d connection: %v", l.slot, err)
		l.tl.DestroySlot(tlSlot)
		l.setStatus(StatusBad)
		return
	}

	l.mu.Lock()
	l.tlSlot = int(tlSlot)
	l.state = StatusOK
	l.mu.Unlock()
	l.logger.Debug("LLCI: slot %d ready on transport slot %d", l.slot, tlSlot)
}

func (l *LLCI) camRemoved() {
	l.mu.Lock()
	tlSlot := l.tlSlot
	l.tlSlot = NotConnected
	l.mu.Unlock()

	// session close events arrive while the slot is destroyed
	if tlSlot != NotConnected {
		l.tl.DestroySlot(uint8(tlSlot))
	}

	l.mu.Lock()
	for id := range l.single {
		l.single[id] = NotConnected
	}
	l.rmSession = NotConnected
	l.intervals = make(map[uint16]time.Duration)
	l.ticks.Clear()
	l.state = StatusNone
	l.mu.Unlock()
}

func (l *LLCI) lookup(slotID uint8, requested uint32) (session.ResourceHandler, uint32, error) {
	req, ok := app.DecodePublicResourceID(requested)
	if !ok {
		return nil, 0, session.ErrResourceNotFound
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.resources {
		if r.id.Class() != req.Class || r.id.Type() != req.Type {
			continue
		}
		if req.Version > r.id.Version() {
			return nil, 0, session.ErrResourceLowVersion
		}
		if sn, ok := l.single[r.id]; ok && sn != NotConnected {
			return nil, 0, session.ErrResourceUnavailable
		}
		return r.handler, uint32(r.id), nil
	}
	return nil, 0, session.ErrResourceNotFound
}

func (l *LLCI) sessionEvent(reason session.Reason, slotID uint8, sn uint16, resourceID uint32) error {
	id := app.ResourceID(resourceID)
	switch reason {
	case session.ReasonCAMConnected:
		l.mu.Lock()
		if _, ok := l.single[id]; ok {
			l.single[id] = int(sn)
		}
		if id == app.ResourceManagerID {
			l.rmSession = int(sn)
		}
		l.mu.Unlock()
		l.logger.Debug("LLCI: slot %d: session %d open for %v", l.slot, sn, id)

		var err error
		switch id {
		case app.ResourceManagerID:
			err = l.rm.Enquire(sn)
		case app.AppInfoID:
			err = l.ai.Enquire(sn)
		case app.CAID:
			err = l.ca.InfoEnquire(sn)
		}
		if err != nil {
			l.logger.Error("LLCI: slot %d: session %d enquiry: %v", l.slot, sn, err)
		}

	case session.ReasonClose:
		l.mu.Lock()
		if cur, ok := l.single[id]; ok && cur == int(sn) {
			l.single[id] = NotConnected
		}
		if id == app.ResourceManagerID && l.rmSession == int(sn) {
			l.rmSession = NotConnected
		}
		if id == app.DateTimeID {
			delete(l.intervals, sn)
			l.ticks.Remove(sn)
		}
		l.mu.Unlock()
		if id == app.MMIID {
			l.mmi.ClearSession(sn)
		}
		l.logger.Debug("LLCI: slot %d: session %d closed", l.slot, sn)
	}
	return nil
}

func (l *LLCI) resourceIDs() []app.ResourceID {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]app.ResourceID, len(l.resources))
	for i, r := range l.resources {
		ids[i] = r.id
	}
	return ids
}

func (l *LLCI) rmEnquiry(slotID uint8, sn uint16) error {
	if err := l.rm.Reply(sn, l.resourceIDs()); err != nil {
		l.logger.Error("LLCI: slot %d: profile reply: %v", l.slot, err)
	}
	return nil
}

func (l *LLCI) rmReply(slotID uint8, sn uint16, ids []app.ResourceID) error {
	l.logger.Debug("LLCI: slot %d: module resources %v", l.slot, ids)
	if err := l.rm.Changed(sn); err != nil {
		l.logger.Error("LLCI: slot %d: profile changed: %v", l.slot, err)
	}
	return nil
}

func (l *LLCI) rmChanged(slotID uint8, sn uint16) error {
	if err := l.rm.Enquire(sn); err != nil {
		l.logger.Error("LLCI: slot %d: profile enquiry: %v", l.slot, err)
	}
	return nil
}

func (l *LLCI) datetimeEnquiry(slotID uint8, sn uint16, interval uint8) error {
	now := l.now()
	l.mu.Lock()
	if interval > 0 {
		l.intervals[sn] = time.Duration(interval) * time.Second
		l.ticks.Schedule(sn, now.Add(l.intervals[sn]))
	} else {
		delete(l.intervals, sn)
		l.ticks.Remove(sn)
	}
	t := l.timeLocked(now)
	l.mu.Unlock()

	l.sendTime(sn, t)
	return nil
}

func (l *LLCI) sendDueTimes() {
	now := l.now()
	l.mu.Lock()
	due := l.ticks.Due(now)
	for _, sn := range due {
		if interval, ok := l.intervals[sn]; ok {
			l.ticks.Schedule(sn, now.Add(interval))
		}
	}
	t := l.timeLocked(now)
	l.mu.Unlock()

	for _, sn := range due {
		l.sendTime(sn, t)
	}
}

func (l *LLCI) timeLocked(now time.Time) time.Time {
	if l.dvbTime.IsZero() {
		return now
	}
	return l.dvbTime
}

func (l *LLCI) sendTime(sn uint16, t time.Time) {
	if err := l.datetime.Send(sn, t, l.config.LocalOffsetMinutes); err != nil {
		l.logger.Error("LLCI: slot %d: date_time: %v", l.slot, err)
	}
}
