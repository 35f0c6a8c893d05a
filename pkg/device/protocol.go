package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageType identifies a remote device protocol message
type MessageType uint8

const (
	MsgFrame        MessageType = 0x01 // link layer frame, either direction
	MsgHLCIAPDU     MessageType = 0x02 // HLCI APDU: write from client, answer from server
	MsgHLCIRequest  MessageType = 0x03 // HLCI read request, payload is a 3 byte tag
	MsgReset        MessageType = 0x10 // slot reset request
	MsgSlotStatus   MessageType = 0x11 // slot status push, empty payload is a query
	messageHeader               = 5
	MaxMessageBytes             = 0xffff
)

var (
	ErrUnknownMessage = errors.New("unknown remote message type")
	ErrBadMessage     = errors.New("malformed remote message")
)

// String returns string representation of MessageType
func (t MessageType) String() string {
	switch t {
	case MsgFrame:
		return "Frame"
	case MsgHLCIAPDU:
		return "HLCIAPDU"
	case MsgHLCIRequest:
		return "HLCIRequest"
	case MsgReset:
		return "Reset"
	case MsgSlotStatus:
		return "SlotStatus"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", uint8(t))
	}
}

// Message is one remote protocol unit:
// type(1) | slot(1) | connection(1) | length(2, big endian) | payload
type Message struct {
	Type         MessageType
	Slot         uint8
	ConnectionID uint8
	Payload      []byte
}

// MarshalBinary encodes the message
func (m Message) MarshalBinary() ([]byte, error) {
	if len(m.Payload) > MaxMessageBytes {
		return nil, ErrFrameTooLong
	}
	buf := make([]byte, messageHeader+len(m.Payload))
	buf[0] = byte(m.Type)
	buf[1] = m.Slot
	buf[2] = m.ConnectionID
	binary.BigEndian.PutUint16(buf[3:5], uint16(len(m.Payload)))
	copy(buf[messageHeader:], m.Payload)
	return buf, nil
}

// WriteMessage writes one message to w in a single Write call
func WriteMessage(w io.Writer, m Message) error {
	buf, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadMessage reads exactly one message from r
func ReadMessage(r io.Reader) (Message, error) {
	header := make([]byte, messageHeader)
	if _, err := io.ReadFull(r, header); err != nil {
		return Message{}, err
	}
	m := Message{
		Type:         MessageType(header[0]),
		Slot:         header[1],
		ConnectionID: header[2],
	}
	switch m.Type {
	case MsgFrame, MsgHLCIAPDU, MsgHLCIRequest, MsgReset, MsgSlotStatus:
	default:
		return m, fmt.Errorf("%w: %s", ErrUnknownMessage, m.Type)
	}
	length := int(binary.BigEndian.Uint16(header[3:5]))
	if length > 0 {
		m.Payload = make([]byte, length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return m, err
		}
	}
	return m, nil
}

// slotStatusPayload encodes state and interface type of a slot
func slotStatusPayload(state SlotState, iface InterfaceType) []byte {
	return []byte{byte(state), byte(iface)}
}

func parseSlotStatus(p []byte) (SlotState, InterfaceType, error) {
	if len(p) != 2 {
		return SlotMissing, InterfaceLinkLayer, ErrBadMessage
	}
	state := SlotState(p[0])
	if state > SlotReady {
		return SlotMissing, InterfaceLinkLayer, ErrBadMessage
	}
	iface := InterfaceType(p[1])
	if iface > InterfaceHighLevel {
		return SlotMissing, InterfaceLinkLayer, ErrBadMessage
	}
	return state, iface, nil
}

func tagPayload(tag uint32) []byte {
	return []byte{byte(tag >> 16), byte(tag >> 8), byte(tag)}
}

func parseTag(p []byte) (uint32, error) {
	if len(p) != 3 {
		return 0, ErrBadMessage
	}
	return uint32(p[0])<<16 | uint32(p[1])<<8 | uint32(p[2]), nil
}
