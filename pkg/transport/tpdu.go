package transport

import (
	"errors"
	"fmt"

	"github.com/braice/MuMuDVB-sub000/pkg/asn1"
)

// TPDU tags
const (
	TagSB         uint8 = 0x80
	TagRCV        uint8 = 0x81
	TagCreateTC   uint8 = 0x82
	TagCTCReply   uint8 = 0x83
	TagDeleteTC   uint8 = 0x84
	TagDTCReply   uint8 = 0x85
	TagRequestTC  uint8 = 0x86
	TagNewTC      uint8 = 0x87
	TagTCError    uint8 = 0x77
	TagDataLast   uint8 = 0xA0
	TagDataMore   uint8 = 0xA1
	sbDataPending uint8 = 0x80
)

var (
	ErrCARead           = errors.New("CA device read failed")
	ErrCAWrite          = errors.New("CA device write failed")
	ErrTimeout          = errors.New("module response timeout")
	ErrBadSlotID        = errors.New("bad slot id")
	ErrBadConnectionID  = errors.New("bad connection id")
	ErrBadState         = errors.New("connection in wrong state")
	ErrBadCAMData       = errors.New("bad data from module")
	ErrOutOfConnections = errors.New("out of connections")
	ErrOutOfSlots       = errors.New("out of slots")
	ErrASNEncode        = errors.New("length field encoding failed")
)

// SlotError is a fatal poll error tied to the slot it happened on
type SlotError struct {
	Slot uint8
	Err  error
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("slot %d: %v", e.Slot, e.Err)
}

func (e *SlotError) Unwrap() error {
	return e.Err
}

// State of a transport connection
type State int

const (
	StateIdle State = iota
	StateInCreation
	StateActive
	StateActiveDeleteQueued
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
	case StateActiveDeleteQueued:
		return "ActiveDeleteQueued"
	case StateInDeletion:
		return "InDeletion"
	default:
		return "Unknown"
	}
}

// TagName returns a readable name for a TPDU tag
func TagName(tag uint8) string {
	switch tag {
	case TagSB:
		return "T_SB"
	case TagRCV:
		return "T_RCV"
	case TagCreateTC:
		return "T_CREATE_T_C"
	case TagCTCReply:
		return "T_C_T_C_REPLY"
	case TagDeleteTC:
		return "T_DELETE_T_C"
	case TagDTCReply:
		return "T_D_T_C_REPLY"
	case TagRequestTC:
		return "T_REQUEST_T_C"
	case TagNewTC:
		return "T_NEW_T_C"
	case TagTCError:
		return "T_T_C_ERROR"
	case TagDataLast:
		return "T_DATA_LAST"
	case TagDataMore:
		return "T_DATA_MORE"
	default:
		return fmt.Sprintf("0x%02X", tag)
	}
}

// TPDU is one decoded transport unit
type TPDU struct {
	Tag          uint8
	ConnectionID uint8
	Data         []byte
}

// BuildTPDU frames payload as tag | length | connection id | payload
func BuildTPDU(tag, connID uint8, payload ...[]byte) ([]byte, error) {
	size := 0
	for _, p := range payload {
		size += len(p)
	}
	if size+1 > 0xffff {
		return nil, ErrASNEncode
	}
	buf := make([]byte, 0, 1+asn1.MaxEncodedLen+1+size)
	buf = append(buf, tag)
	buf = asn1.Append(buf, uint16(size+1))
	buf = append(buf, connID)
	for _, p := range payload {
		buf = append(buf, p...)
	}
	return buf, nil
}

// ParseTPDU decodes the first TPDU in data and returns the remainder
func ParseTPDU(data []byte) (TPDU, []byte, error) {
	if len(data) < 2 {
		return TPDU{}, nil, fmt.Errorf("%w: truncated TPDU header", ErrBadCAMData)
	}
	tag := data[0]
	length, n, err := asn1.Decode(data[1:])
	if err != nil {
		return TPDU{}, nil, fmt.Errorf("%w: invalid length field: %v", ErrBadCAMData, err)
	}
	rest := data[1+n:]
	if length < 1 || int(length) > len(rest) {
		return TPDU{}, nil, fmt.Errorf("%w: invalid length %d", ErrBadCAMData, length)
	}
	return TPDU{
		Tag:          tag,
		ConnectionID: rest[0],
		Data:         rest[1:length],
	}, rest[length:], nil
}
