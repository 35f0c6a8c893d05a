package app

import (
	"errors"
	"fmt"

	"github.com/braice/MuMuDVB-sub000/pkg/asn1"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
)

var (
	ErrShortData     = errors.New("short APDU data")
	ErrUnexpectedTag = errors.New("unexpected APDU tag")
	ErrASN1          = errors.New("bad APDU length field")
	ErrBadLength     = errors.New("bad APDU field length")
	ErrTooLong       = errors.New("APDU payload too long")
	ErrNoSender      = errors.New("no sender configured")
)

// Sender carries APDUs on a session. The session layer and the HLCI shim
// both implement it.
type Sender interface {
	SendData(sessionNumber uint16, data []byte) error
	SendDataV(sessionNumber uint16, vec [][]byte) error
}

// resource holds what every resource codec shares
type resource struct {
	sender Sender
	logger logger.Logger
}

func newResource(sender Sender, log logger.Logger) resource {
	return resource{sender: sender, logger: logger.OrNoOp(log)}
}

func (r *resource) send(sn uint16, data []byte) error {
	if r.sender == nil {
		return ErrNoSender
	}
	return r.sender.SendData(sn, data)
}

func (r *resource) sendV(sn uint16, vec ...[]byte) error {
	if r.sender == nil {
		return ErrNoSender
	}
	return r.sender.SendDataV(sn, vec)
}

// sendFixed sends tag followed by a short payload of known length
func (r *resource) sendFixed(sn uint16, tag Tag, payload ...byte) error {
	buf := make([]byte, 3, 4+len(payload))
	tag.put(buf)
	buf = asn1.Append(buf, uint16(len(payload)))
	return r.send(sn, append(buf, payload...))
}

// header returns tag followed by the BER encoding of length
func header(tag Tag, length int, extra ...byte) ([]byte, error) {
	if length < 0 || length > 0xffff {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLong, length)
	}
	buf := make([]byte, 3, 3+asn1.MaxEncodedLen+len(extra))
	tag.put(buf)
	buf = asn1.Append(buf, uint16(length))
	return append(buf, extra...), nil
}

// splitTag separates the tag of an inbound APDU from its body
func splitTag(data []byte) (Tag, []byte, error) {
	if len(data) < 3 {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrShortData, len(data))
	}
	return TagFromBytes(data), data[3:], nil
}

// lengthPrefixed decodes the BER length at the start of data and returns
// the payload it covers
func lengthPrefixed(data []byte) ([]byte, error) {
	payload, _, err := splitLength(data)
	return payload, err
}

// splitLength is lengthPrefixed also returning the bytes after the payload
func splitLength(data []byte) ([]byte, []byte, error) {
	length, n, err := asn1.Decode(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrASN1, err)
	}
	end := n + int(length)
	if end > len(data) {
		return nil, nil, fmt.Errorf("%w: length %d with %d bytes left", ErrShortData, length, len(data)-n)
	}
	return data[n:end], data[end:], nil
}

// fixedPayload checks a one byte length field that must equal want
func fixedPayload(data []byte, want int) ([]byte, error) {
	if len(data) != want+1 || int(data[0]) != want {
		return nil, fmt.Errorf("%w: want %d payload bytes", ErrBadLength, want)
	}
	return data[1:], nil
}

func unexpected(tag Tag) error {
	return fmt.Errorf("%w: %s", ErrUnexpectedTag, tag)
}
