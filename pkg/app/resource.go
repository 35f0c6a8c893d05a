// Package app holds the EN 50221 application layer: resource identifiers,
// APDU tags and one codec per resource. Every resource decodes inbound
// APDUs through Message and sends through a Sender, so the same codecs
// run on top of the session layer or directly on an HLCI device.
package app

import "fmt"

// ResourceID is a 32-bit EN 50221 resource identifier
type ResourceID uint32

// MakeResourceID packs a public resource id
func MakeResourceID(class, typ uint16, version uint8) ResourceID {
	return ResourceID(uint32(class)<<16 | (uint32(typ)&0x3ff)<<6 | uint32(version)&0x3f)
}

// Class returns the resource class
func (r ResourceID) Class() uint16 {
	return uint16(r>>16) & 0x3fff
}

// Type returns the resource type
func (r ResourceID) Type() uint16 {
	return uint16(r>>6) & 0x3ff
}

// Version returns the resource version
func (r ResourceID) Version() uint8 {
	return uint8(r) & 0x3f
}

// Private reports whether r is a private (type 3) resource id
func (r ResourceID) Private() bool {
	return r>>30 == 3
}

// String returns string representation of ResourceID
func (r ResourceID) String() string {
	if r.Private() {
		return fmt.Sprintf("private(%08x)", uint32(r))
	}
	return fmt.Sprintf("%d:%d:%d", r.Class(), r.Type(), r.Version())
}

// PublicResourceID is a decoded public resource id
type PublicResourceID struct {
	Class   uint16
	Type    uint16
	Version uint8
}

// ID packs p back into a ResourceID
func (p PublicResourceID) ID() ResourceID {
	return MakeResourceID(p.Class, p.Type, p.Version)
}

// DecodePublicResourceID splits a resource id into its fields. Private ids
// cannot be decoded.
func DecodePublicResourceID(id uint32) (PublicResourceID, bool) {
	r := ResourceID(id)
	if r.Private() {
		return PublicResourceID{}, false
	}
	return PublicResourceID{Class: r.Class(), Type: r.Type(), Version: r.Version()}, true
}

// Resource ids of the resources implemented here
var (
	ResourceManagerID = MakeResourceID(1, 1, 1)
	AppInfoID         = MakeResourceID(2, 1, 1)
	CAID              = MakeResourceID(3, 1, 1)
	AuthID            = MakeResourceID(16, 1, 1)
	DVBHostControlID  = MakeResourceID(32, 1, 1)
	DateTimeID        = MakeResourceID(36, 1, 1)
	MMIID             = MakeResourceID(64, 1, 1)
	TeletextID        = MakeResourceID(128, 1, 1)
)

// LowspeedResourceID returns the id of a low speed communications resource
func LowspeedResourceID(deviceType, deviceNumber uint8) ResourceID {
	return MakeResourceID(96, uint16(deviceType)<<2|uint16(deviceNumber&0x03), 1)
}

// SmartcardResourceID returns the id of a smartcard reader resource
func SmartcardResourceID(deviceNumber uint8) ResourceID {
	return MakeResourceID(112, uint16(deviceNumber&0x0f), 1)
}

// EPGResourceID returns the id of an EPG resource instance
func EPGResourceID(instance uint16) ResourceID {
	return MakeResourceID(120, instance, 1)
}
