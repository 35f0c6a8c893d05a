// Package device abstracts the CA hardware a Common Interface stack drives:
// a link layer carrying TPDUs per slot, slot control (state and reset) and
// the high-level interface used by HLCI modules.
package device

import (
	"context"
	"errors"
)

var (
	ErrClosed       = errors.New("device is closed")
	ErrBadSlot      = errors.New("no such slot")
	ErrNotConnected = errors.New("device not connected")
	ErrFrameTooLong = errors.New("frame too long")
)

// Frame is one link layer frame exchanged with a CAM slot.
type Frame struct {
	Slot         uint8
	ConnectionID uint8
	Data         []byte
}

// Link carries frames between the host and the CAM slots of one device.
type Link interface {
	// ReadFrame returns the next pending frame.
	// It does not wait: a nil frame with a nil error means nothing is pending.
	ReadFrame(ctx context.Context) (*Frame, error)

	// WriteFrame writes a frame to the addressed slot.
	WriteFrame(ctx context.Context, f Frame) error
}

// SlotState is the state of a CAM slot as reported by the hardware
type SlotState int

const (
	SlotMissing SlotState = iota
	SlotInitialising
	SlotReady
)

// String returns string representation of SlotState
func (s SlotState) String() string {
	switch s {
	case SlotMissing:
		return "Missing"
	case SlotInitialising:
		return "Initialising"
	case SlotReady:
		return "Ready"
	default:
		return "Unknown"
	}
}

// InterfaceType tells which CI flavour a slot speaks
type InterfaceType int

const (
	InterfaceLinkLayer InterfaceType = iota
	InterfaceHighLevel
)

// String returns string representation of InterfaceType
func (t InterfaceType) String() string {
	switch t {
	case InterfaceLinkLayer:
		return "LLCI"
	case InterfaceHighLevel:
		return "HLCI"
	default:
		return "Unknown"
	}
}

// Controller exposes slot control
type Controller interface {
	SlotCount() int
	SlotState(ctx context.Context, slot uint8) (SlotState, error)
	Reset(ctx context.Context, slot uint8) error
	InterfaceType(ctx context.Context, slot uint8) (InterfaceType, error)
}

// HLCI is the high level interface where the hardware already speaks APDUs
type HLCI interface {
	// ReadAPDU asks the module for the APDU answering tag and waits for it.
	ReadAPDU(ctx context.Context, slot uint8, tag uint32) ([]byte, error)

	// WriteAPDU hands a complete APDU to the module.
	WriteAPDU(ctx context.Context, slot uint8, apdu []byte) error
}

// Device is a complete CA device
type Device interface {
	Link
	Controller
	HLCI

	// Close releases the device
	Close() error

	// Statistics returns byte and error counters
	Statistics() Stats
}

// Stats provides device level statistics
type Stats struct {
	BytesSent     uint64 // Total bytes sent to the modules
	BytesReceived uint64 // Total bytes received from the modules
	WriteErrors   uint64 // Number of write errors
	ReadErrors    uint64 // Number of read errors
	Connects      uint64 // Number of connections (remote devices)
	Disconnects   uint64 // Number of disconnections
}
