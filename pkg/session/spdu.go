package session

import (
	"errors"
	"fmt"
)

// SPDU tags
const (
	TagSessionNumber    uint8  = 0x90
	TagOpenSessionReq   uint8  = 0x91
	TagOpenSessionRes   uint8  = 0x92
	TagCreateSession    uint8  = 0x93
	TagCreateSessionRes uint8  = 0x94
	TagCloseSessionReq  uint8  = 0x95
	TagCloseSessionRes  uint8  = 0x96
	maxIOV                     = 9
	noSessionNumber     uint16 = 0xffff
)

// Status is the result byte of open, create and close responses
type Status uint8

const (
	StatusOpen        Status = 0x00
	StatusNoResource  Status = 0xF0
	StatusUnavailable Status = 0xF1
	StatusLowVersion  Status = 0xF2
	StatusBusy        Status = 0xF3
	StatusCloseError  Status = 0xF0
)

// String returns string representation of Status
func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusNoResource:
		return "NoResource"
	case StatusUnavailable:
		return "Unavailable"
	case StatusLowVersion:
		return "LowVersion"
	case StatusBusy:
		return "Busy"
	default:
		return fmt.Sprintf("0x%02X", uint8(s))
	}
}

var (
	ErrBadSessionNumber    = errors.New("bad session number")
	ErrOutOfSessions       = errors.New("out of sessions")
	ErrIOVLimit            = errors.New("too many data vectors")
	ErrBadState            = errors.New("session in wrong state")
	ErrResourceNotFound    = errors.New("resource not found")
	ErrResourceLowVersion  = errors.New("resource version too low")
	ErrResourceUnavailable = errors.New("resource unavailable")
	errBadSPDU             = errors.New("malformed SPDU")
)

// statusFor maps a lookup failure to the open session status sent to the module
func statusFor(err error) Status {
	switch {
	case err == nil:
		return StatusOpen
	case errors.Is(err, ErrResourceLowVersion):
		return StatusLowVersion
	case errors.Is(err, ErrResourceUnavailable):
		return StatusUnavailable
	default:
		return StatusNoResource
	}
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func getUint16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func sessionNumberHeader(sn uint16) []byte {
	return []byte{TagSessionNumber, 2, byte(sn >> 8), byte(sn)}
}

func createSession(resourceID uint32, sn uint16) []byte {
	b := []byte{TagCreateSession, 6, 0, 0, 0, 0, byte(sn >> 8), byte(sn)}
	putUint32(b[2:6], resourceID)
	return b
}

func openSessionResponse(status Status, resourceID uint32, sn uint16) []byte {
	b := []byte{TagOpenSessionRes, 7, byte(status), 0, 0, 0, 0, byte(sn >> 8), byte(sn)}
	putUint32(b[3:7], resourceID)
	return b
}

func closeSessionRequest(sn uint16) []byte {
	return []byte{TagCloseSessionReq, 2, byte(sn >> 8), byte(sn)}
}

func closeSessionResponse(status Status, sn uint16) []byte {
	return []byte{TagCloseSessionRes, 3, byte(status), byte(sn >> 8), byte(sn)}
}
