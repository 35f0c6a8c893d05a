package app

import (
	"fmt"
	"sync"

	"github.com/asticode/go-astikit"

	"github.com/braice/MuMuDVB-sub000/pkg/internal/callback"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
)

// comms_cmd ids
const (
	CommsConnectOnChannel    uint8 = 0x01
	CommsDisconnectOnChannel uint8 = 0x02
	CommsSetParams           uint8 = 0x03
	CommsEnquireStatus       uint8 = 0x04
	CommsGetNextBuffer       uint8 = 0x05
)

// connection descriptor types
const (
	ConnectionDescriptorTelephone uint8 = 0x01
	ConnectionDescriptorCable     uint8 = 0x02
)

// comms_reply ids
const (
	CommsReplyConnectAck       uint8 = 0x01
	CommsReplyDisconnectAck    uint8 = 0x02
	CommsReplySetParamsAck     uint8 = 0x03
	CommsReplyStatusReply      uint8 = 0x04
	CommsReplyGetNextBufferAck uint8 = 0x05
	CommsReplySendAck          uint8 = 0x06
)

// descriptorTagTelephone is the DVB telephone descriptor tag
const descriptorTagTelephone uint8 = 0x57

// maxCommsData is the largest comms_rcv payload
const maxCommsData = 254

// ConnectOnChannel is the argument of a connect_on_channel command.
// Telephone holds the raw DVB telephone descriptor when DescriptorType is
// ConnectionDescriptorTelephone; CableChannelID is set otherwise.
type ConnectOnChannel struct {
	DescriptorType uint8
	Telephone      []byte
	CableChannelID uint8
	RetryCount     uint8
	Timeout        uint8
}

// CommsCommand is a decoded comms_cmd. Only the field matching CommandID
// is set.
type CommsCommand struct {
	CommandID uint8
	Connect   *ConnectOnChannel
	// set_params
	BufferSize uint8
	Timeout    uint8
	// get_next_buffer
	PhaseID uint8
}

type (
	// CommsCommandFunc receives a comms_cmd
	CommsCommandFunc func(slotID uint8, sn uint16, cmd CommsCommand) error
	// CommsSendFunc receives a reassembled comms_send block
	CommsSendFunc func(slotID uint8, sn uint16, phaseID uint8, data []byte) error
)

// Lowspeed implements the low speed communications resource
type Lowspeed struct {
	resource

	mu        sync.Mutex
	fragments fragments[uint16]

	command callback.Hook[CommsCommandFunc]
	sendCB  callback.Hook[CommsSendFunc]
}

// NewLowspeed creates a low speed communications codec
func NewLowspeed(sender Sender, log logger.Logger) *Lowspeed {
	return &Lowspeed{
		resource:  newResource(sender, log),
		fragments: newFragments[uint16](),
	}
}

// OnCommand registers the comms_cmd callback
func (l *Lowspeed) OnCommand(fn CommsCommandFunc) { l.command.Store(fn) }

// OnSend registers the comms_send callback
func (l *Lowspeed) OnSend(fn CommsSendFunc) { l.sendCB.Store(fn) }

// ClearSession drops a partial comms_send block of a session
func (l *Lowspeed) ClearSession(sn uint16) {
	l.mu.Lock()
	l.fragments.clear(func(k uint16) bool { return k == sn })
	l.mu.Unlock()
}

// SendCommsReply answers a comms_cmd
func (l *Lowspeed) SendCommsReply(sn uint16, replyID, returnValue uint8) error {
	return l.sendFixed(sn, TagCommsReply, replyID, returnValue)
}

// SendCommsData delivers received data to the module
func (l *Lowspeed) SendCommsData(sn uint16, phaseID uint8, data []byte) error {
	if len(data) > maxCommsData {
		return fmt.Errorf("%w: %d bytes of comms data", ErrTooLong, len(data))
	}
	hdr, err := header(TagCommsRecvLast, len(data)+1, phaseID)
	if err != nil {
		return err
	}
	return l.sendV(sn, hdr, data)
}

// Message decodes one APDU from the module
func (l *Lowspeed) Message(slotID uint8, sn uint16, resourceID uint32, data []byte) error {
	tag, body, err := splitTag(data)
	if err != nil {
		return err
	}
	switch tag {
	case TagCommsCommand:
		cmd, err := parseCommsCommand(body)
		if err != nil {
			return err
		}
		if cb := l.command.Load(); cb != nil {
			return cb(slotID, sn, cmd)
		}
		return nil
	case TagCommsSendLast, TagCommsSendMore:
		return l.parseSend(slotID, sn, tag == TagCommsSendLast, body)
	}
	return unexpected(tag)
}

func (l *Lowspeed) parseSend(slotID uint8, sn uint16, last bool, body []byte) error {
	payload, err := lengthPrefixed(body)
	if err != nil {
		return err
	}
	l.mu.Lock()
	r, err := l.fragments.add(sn, last, payload)
	l.mu.Unlock()
	if err != nil || !r.Complete() {
		return err
	}
	if len(r.Data) < 1 {
		return fmt.Errorf("%w: comms_send without phase id", ErrShortData)
	}
	if cb := l.sendCB.Load(); cb != nil {
		return cb(slotID, sn, r.Data[0], r.Data[1:])
	}
	return nil
}

func parseCommsCommand(body []byte) (cmd CommsCommand, err error) {
	payload, err := lengthPrefixed(body)
	if err != nil {
		return cmd, err
	}

	i := astikit.NewBytesIterator(payload)
	if cmd.CommandID, err = i.NextByte(); err != nil {
		return cmd, fmt.Errorf("%w: empty comms_cmd", ErrShortData)
	}
	args := len(payload) - 1
	switch cmd.CommandID {
	case CommsConnectOnChannel:
		c, err := parseConnectOnChannel(payload[1:])
		if err != nil {
			return cmd, err
		}
		cmd.Connect = &c
	case CommsSetParams:
		if args != 2 {
			return cmd, fmt.Errorf("%w: set_params of %d bytes", ErrBadLength, args)
		}
		if cmd.BufferSize, err = i.NextByte(); err != nil {
			return cmd, fmt.Errorf("%w: set_params buffer size: %v", ErrShortData, err)
		}
		if cmd.Timeout, err = i.NextByte(); err != nil {
			return cmd, fmt.Errorf("%w: set_params timeout: %v", ErrShortData, err)
		}
	case CommsGetNextBuffer:
		if args != 1 {
			return cmd, fmt.Errorf("%w: get_next_buffer of %d bytes", ErrBadLength, args)
		}
		if cmd.PhaseID, err = i.NextByte(); err != nil {
			return cmd, fmt.Errorf("%w: get_next_buffer phase: %v", ErrShortData, err)
		}
	case CommsDisconnectOnChannel, CommsEnquireStatus:
	default:
		return cmd, fmt.Errorf("%w: unknown comms command 0x%02x", ErrBadLength, cmd.CommandID)
	}
	return cmd, nil
}

func parseConnectOnChannel(data []byte) (c ConnectOnChannel, err error) {
	tag, body, err := splitTag(data)
	if err != nil {
		return c, err
	}
	if tag != TagConnectionDescriptor {
		return c, unexpected(tag)
	}
	desc, trailer, err := splitLength(body)
	if err != nil {
		return c, err
	}
	// retry count and timeout follow the descriptor
	if len(trailer) != 2 {
		return c, fmt.Errorf("%w: %d bytes after connection descriptor", ErrBadLength, len(trailer))
	}
	c.RetryCount, c.Timeout = trailer[0], trailer[1]

	i := astikit.NewBytesIterator(desc)
	if c.DescriptorType, err = i.NextByte(); err != nil {
		return c, fmt.Errorf("%w: empty connection descriptor", ErrShortData)
	}
	switch c.DescriptorType {
	case ConnectionDescriptorTelephone:
		// raw DVB telephone descriptor: tag, length, body
		var hdr []byte
		if hdr, err = i.NextBytesNoCopy(2); err != nil {
			return c, fmt.Errorf("%w: telephone descriptor header: %v", ErrShortData, err)
		}
		if hdr[0] != descriptorTagTelephone || len(desc) != 3+int(hdr[1]) {
			return c, fmt.Errorf("%w: bad telephone descriptor", ErrBadLength)
		}
		c.Telephone = append([]byte(nil), desc[1:]...)
	case ConnectionDescriptorCable:
		if len(desc) != 2 {
			return c, fmt.Errorf("%w: cable descriptor of %d bytes", ErrBadLength, len(desc)-1)
		}
		if c.CableChannelID, err = i.NextByte(); err != nil {
			return c, fmt.Errorf("%w: cable channel: %v", ErrShortData, err)
		}
	default:
		return c, fmt.Errorf("%w: connection descriptor type 0x%02x", ErrBadLength, c.DescriptorType)
	}
	return c, nil
}
