package stdcam

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/braice/MuMuDVB-sub000/pkg/app"
	"github.com/braice/MuMuDVB-sub000/pkg/device"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
)

// Fixed session numbers of the HLCI resources. HLCI has no session layer;
// the numbers only keep callers that test for NotConnected working.
const (
	hlciAISession = 0
	hlciCASession = 1
)

// HLCI drives a high level module that exchanges APDUs directly. Only
// application information and CA support are available.
type HLCI struct {
	dev    device.Device
	slot   uint8
	logger logger.Logger

	// ctx bounds the writes made through the resources' Sender
	ctx    context.Context
	cancel context.CancelFunc

	ai *app.ApplicationInfo
	ca *app.CA

	mu           sync.Mutex
	initialised  bool
	initialising bool
}

// hlciSender writes APDUs straight to the device; session numbers are
// ignored
type hlciSender struct {
	h *HLCI
}

func (s hlciSender) SendData(sn uint16, data []byte) error {
	return s.h.dev.WriteAPDU(s.h.ctx, s.h.slot, data)
}

func (s hlciSender) SendDataV(sn uint16, vec [][]byte) error {
	return s.h.dev.WriteAPDU(s.h.ctx, s.h.slot, bytes.Join(vec, nil))
}

// NewHLCI creates the glue for a high level module in slot of dev
func NewHLCI(dev device.Device, slot uint8, log logger.Logger) *HLCI {
	log = logger.OrNoOp(log)
	ctx, cancel := context.WithCancel(context.Background())
	h := &HLCI{
		dev:    dev,
		slot:   slot,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}
	h.ai = app.NewApplicationInfo(hlciSender{h}, log)
	h.ca = app.NewCA(hlciSender{h}, log)
	return h
}

func (h *HLCI) AI() *app.ApplicationInfo { return h.ai }
func (h *HLCI) CA() *app.CA              { return h.ca }

// MMI returns nil: the high level interface carries no MMI
func (h *HLCI) MMI() *app.MMI { return nil }

func (h *HLCI) AISession() int  { return hlciAISession }
func (h *HLCI) CASession() int  { return hlciCASession }
func (h *HLCI) MMISession() int { return NotConnected }

// DVBTime does nothing: HLCI modules have no date-time resource
func (h *HLCI) DVBTime(t time.Time) {}

// Poll initialises the module once it is present. The initialisation runs
// unlocked since it fires the AI and CA callbacks.
func (h *HLCI) Poll(ctx context.Context) Status {
	state, err := h.dev.SlotState(ctx, h.slot)
	if err != nil {
		h.logger.Error("HLCI: slot %d state: %v", h.slot, err)
	}

	h.mu.Lock()
	start := false
	if err == nil {
		switch state {
		case device.SlotMissing:
			h.initialised = false
		case device.SlotReady, device.SlotInitialising:
			start = !h.initialised && !h.initialising
		}
	}
	if start {
		h.initialising = true
	}
	h.mu.Unlock()

	if start {
		err := h.camAdded(ctx)
		if err != nil {
			h.logger.Warn("HLCI: slot %d init: %v", h.slot, err)
		}
		h.mu.Lock()
		h.initialising = false
		h.initialised = err == nil
		h.mu.Unlock()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialised {
		return StatusNone
	}
	return StatusOK
}

// camAdded reads the application information and forges an empty CA_INFO
// so applications waiting for CA information proceed
func (h *HLCI) camAdded(ctx context.Context) error {
	if err := h.ai.Enquire(hlciAISession); err != nil {
		return fmt.Errorf("application info enquiry: %w", err)
	}
	apdu, err := h.dev.ReadAPDU(ctx, h.slot, uint32(app.TagAppInfo))
	if err != nil {
		return fmt.Errorf("application info read: %w", err)
	}
	if err := h.ai.Message(h.slot, hlciAISession, uint32(app.AppInfoID), apdu); err != nil {
		return fmt.Errorf("application info: %w", err)
	}

	caInfo := append(app.TagCAInfo.Append(nil), 0)
	if err := h.ca.Message(h.slot, hlciCASession, uint32(app.CAID), caInfo); err != nil {
		return fmt.Errorf("ca info: %w", err)
	}
	h.logger.Debug("HLCI: slot %d initialised", h.slot)
	return nil
}

// Close stops pending writes and optionally closes the device
func (h *HLCI) Close(closeDevice bool) error {
	h.cancel()
	if closeDevice {
		return h.dev.Close()
	}
	return nil
}
