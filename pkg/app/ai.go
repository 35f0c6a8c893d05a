package app

import (
	"fmt"

	"github.com/asticode/go-astikit"

	"github.com/braice/MuMuDVB-sub000/pkg/internal/callback"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
)

// Application types
const (
	ApplicationTypeCA  uint8 = 0x01
	ApplicationTypeEPG uint8 = 0x02
)

// AppInfo is the module's application information
type AppInfo struct {
	ApplicationType         uint8
	ApplicationManufacturer uint16
	ManufacturerCode        uint16
	MenuString              []byte
}

// AppInfoFunc receives application information
type AppInfoFunc func(slotID uint8, sn uint16, info AppInfo) error

// ApplicationInfo implements the application information resource
type ApplicationInfo struct {
	resource
	info callback.Hook[AppInfoFunc]
}

// NewApplicationInfo creates an application information codec
func NewApplicationInfo(sender Sender, log logger.Logger) *ApplicationInfo {
	return &ApplicationInfo{resource: newResource(sender, log)}
}

// OnInfo registers the application information callback
func (ai *ApplicationInfo) OnInfo(fn AppInfoFunc) { ai.info.Store(fn) }

// Enquire asks the module for its application information
func (ai *ApplicationInfo) Enquire(sn uint16) error {
	return ai.sendFixed(sn, TagAppInfoEnquiry)
}

// EnterMenu asks the module to open its top level menu
func (ai *ApplicationInfo) EnterMenu(sn uint16) error {
	return ai.sendFixed(sn, TagEnterMenu)
}

// Message decodes one APDU from the module
func (ai *ApplicationInfo) Message(slotID uint8, sn uint16, resourceID uint32, data []byte) error {
	tag, body, err := splitTag(data)
	if err != nil {
		return err
	}
	if tag != TagAppInfo {
		return unexpected(tag)
	}
	info, err := parseAppInfo(body)
	if err != nil {
		return err
	}
	if info.menuClamped {
		ai.logger.Warn("AI: slot %d: menu string length clamped to %d", slotID, len(info.MenuString))
	}
	if cb := ai.info.Load(); cb != nil {
		return cb(slotID, sn, info.AppInfo)
	}
	return nil
}

type parsedAppInfo struct {
	AppInfo
	menuClamped bool
}

func parseAppInfo(body []byte) (parsedAppInfo, error) {
	var p parsedAppInfo
	payload, err := lengthPrefixed(body)
	if err != nil {
		return p, err
	}
	if len(payload) < 6 {
		return p, fmt.Errorf("%w: application info of %d bytes", ErrShortData, len(payload))
	}

	i := astikit.NewBytesIterator(payload)
	b, _ := i.NextBytesNoCopy(6)
	p.ApplicationType = b[0]
	p.ApplicationManufacturer = uint16(b[1])<<8 | uint16(b[2])
	p.ManufacturerCode = uint16(b[3])<<8 | uint16(b[4])

	n := int(b[5])
	if left := len(payload) - i.Offset(); n > left {
		n = left
		p.menuClamped = true
	}
	if p.MenuString, err = i.NextBytes(n); err != nil {
		return p, fmt.Errorf("%w: %v", ErrShortData, err)
	}
	return p, nil
}
