// Package stdcam glues a CA device, the transport and session layers and
// the standard resources into one object driving a single CAM slot.
package stdcam

import (
	"context"
	"fmt"
	"time"

	"github.com/braice/MuMuDVB-sub000/pkg/app"
	"github.com/braice/MuMuDVB-sub000/pkg/device"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
	"github.com/braice/MuMuDVB-sub000/pkg/session"
	"github.com/braice/MuMuDVB-sub000/pkg/transport"
)

// Status is the CAM state reported by Poll
type Status int

const (
	StatusNone Status = iota
	StatusInReset
	StatusOK
	StatusBad
)

// String returns string representation of Status
func (s Status) String() string {
	switch s {
	case StatusNone:
		return "None"
	case StatusInReset:
		return "InReset"
	case StatusOK:
		return "OK"
	case StatusBad:
		return "Bad"
	default:
		return "Unknown"
	}
}

// NotConnected is the session number reported for a resource without a
// session
const NotConnected = -1

// StdCAM drives one CAM. The resource accessors return nil for resources
// the implementation does not provide; callers register their callbacks
// on them before polling.
type StdCAM interface {
	// Poll advances the CAM state machine and the protocol stack once
	Poll(ctx context.Context) Status

	// DVBTime sets the time sent to the module by the date-time resource
	DVBTime(t time.Time)

	// Close tears the CAM down, closing the device when closeDevice is set
	Close(closeDevice bool) error

	AI() *app.ApplicationInfo
	CA() *app.CA
	MMI() *app.MMI

	// Session numbers, NotConnected while no session is open
	AISession() int
	CASession() int
	MMISession() int
}

var (
	_ StdCAM = (*LLCI)(nil)
	_ StdCAM = (*HLCI)(nil)
)

// New creates the StdCAM matching the interface type the device reports
// for slot. tl and sl are only used for link layer modules.
func New(ctx context.Context, dev device.Device, slot uint8, tl *transport.Layer, sl *session.Layer, config LLCIConfig, log logger.Logger) (StdCAM, error) {
	iface, err := dev.InterfaceType(ctx, slot)
	if err != nil {
		return nil, fmt.Errorf("slot %d interface type: %w", slot, err)
	}
	switch iface {
	case device.InterfaceLinkLayer:
		if tl == nil || sl == nil {
			return nil, fmt.Errorf("slot %d: link layer module needs transport and session layers", slot)
		}
		return NewLLCI(dev, slot, tl, sl, config, log), nil
	case device.InterfaceHighLevel:
		return NewHLCI(dev, slot, log), nil
	}
	return nil, fmt.Errorf("slot %d: unsupported interface type %v", slot, iface)
}
