package en50221

import (
	"errors"
	"time"

	"github.com/braice/MuMuDVB-sub000/pkg/device"
	"github.com/braice/MuMuDVB-sub000/pkg/session"
	"github.com/braice/MuMuDVB-sub000/pkg/stdcam"
	"github.com/braice/MuMuDVB-sub000/pkg/transport"
)

var (
	ErrCAMExists   = errors.New("CAM already exists")
	ErrCAMNotFound = errors.New("CAM not found")
	ErrNoDevice    = errors.New("CAM has no device")
)

// CAMConfig describes one CAM stack
type CAMConfig struct {
	// ID names the CAM inside the manager
	ID string

	// Device carries the slot. The manager closes it when the CAM is removed
	// unless KeepDevice is set.
	Device     device.Device
	KeepDevice bool

	// Slot is the device slot the module sits in
	Slot uint8

	Transport transport.Config
	Session   session.Config
	LLCI      stdcam.LLCIConfig

	// PollInterval is the delay between two polls.
	// Default: stdcam.DefaultPollInterval
	PollInterval time.Duration
}

// DefaultCAMConfig returns a configuration for slot 0 of dev
func DefaultCAMConfig(id string, dev device.Device) CAMConfig {
	return CAMConfig{
		ID:           id,
		Device:       dev,
		Transport:    transport.DefaultConfig(),
		Session:      session.DefaultConfig(),
		LLCI:         stdcam.DefaultLLCIConfig(),
		PollInterval: stdcam.DefaultPollInterval,
	}
}
