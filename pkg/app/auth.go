package app

import (
	"fmt"

	"github.com/braice/MuMuDVB-sub000/pkg/internal/callback"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
)

// AuthRequestFunc receives an auth_req
type AuthRequestFunc func(slotID uint8, sn uint16, protocolID uint16, data []byte) error

// Auth implements the authentication resource
type Auth struct {
	resource
	request callback.Hook[AuthRequestFunc]
}

// NewAuth creates an authentication codec
func NewAuth(sender Sender, log logger.Logger) *Auth {
	return &Auth{resource: newResource(sender, log)}
}

// OnRequest registers the auth_req callback
func (a *Auth) OnRequest(fn AuthRequestFunc) { a.request.Store(fn) }

// Send sends an auth_resp
func (a *Auth) Send(sn uint16, protocolID uint16, data []byte) error {
	hdr, err := header(TagAuthResp, len(data)+2, byte(protocolID>>8), byte(protocolID))
	if err != nil {
		return err
	}
	return a.sendV(sn, hdr, data)
}

// Message decodes one APDU from the module
func (a *Auth) Message(slotID uint8, sn uint16, resourceID uint32, data []byte) error {
	tag, body, err := splitTag(data)
	if err != nil {
		return err
	}
	if tag != TagAuthReq {
		return unexpected(tag)
	}
	payload, err := lengthPrefixed(body)
	if err != nil {
		return err
	}
	if len(payload) < 2 {
		return fmt.Errorf("%w: auth_req of %d bytes", ErrShortData, len(payload))
	}
	if cb := a.request.Load(); cb != nil {
		return cb(slotID, sn, uint16(payload[0])<<8|uint16(payload[1]), payload[2:])
	}
	return nil
}
