package app

import (
	"fmt"
	"math"
	"time"

	"github.com/braice/MuMuDVB-sub000/pkg/internal/callback"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
)

// NoLocalOffset leaves the local offset field out of a date_time
const NoLocalOffset = math.MinInt

// mjdEpoch is day 0 of the modified julian date
var mjdEpoch = time.Date(1858, time.November, 17, 0, 0, 0, 0, time.UTC)

func bcd(v int) byte {
	return byte(v/10)<<4 | byte(v%10)
}

func fromBCD(b byte) (int, bool) {
	hi, lo := int(b>>4), int(b&0x0f)
	return hi*10 + lo, hi < 10 && lo < 10
}

// EncodeUTCTime encodes t as a DVB UTC_time: a 16-bit modified julian date
// followed by hours, minutes and seconds in BCD
func EncodeUTCTime(t time.Time) [5]byte {
	t = t.UTC()
	mjd := int(t.Truncate(24*time.Hour).Sub(mjdEpoch) / (24 * time.Hour))
	return [5]byte{
		byte(mjd >> 8), byte(mjd),
		bcd(t.Hour()), bcd(t.Minute()), bcd(t.Second()),
	}
}

// DecodeUTCTime decodes a DVB UTC_time
func DecodeUTCTime(b []byte) (time.Time, error) {
	if len(b) < 5 {
		return time.Time{}, fmt.Errorf("%w: UTC_time of %d bytes", ErrShortData, len(b))
	}
	mjd := int(b[0])<<8 | int(b[1])
	h, ok1 := fromBCD(b[2])
	m, ok2 := fromBCD(b[3])
	s, ok3 := fromBCD(b[4])
	if !ok1 || !ok2 || !ok3 {
		return time.Time{}, fmt.Errorf("%w: bad BCD in UTC_time", ErrBadLength)
	}
	return mjdEpoch.AddDate(0, 0, mjd).Add(
		time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second), nil
}

// DateTimeEnquiryFunc receives a date_time_enq; interval is the number of
// seconds between date_time objects the module wants, 0 meaning once
type DateTimeEnquiryFunc func(slotID uint8, sn uint16, interval uint8) error

// DateTime implements the date-time resource
type DateTime struct {
	resource
	enquiry callback.Hook[DateTimeEnquiryFunc]
}

// NewDateTime creates a date-time codec
func NewDateTime(sender Sender, log logger.Logger) *DateTime {
	return &DateTime{resource: newResource(sender, log)}
}

// OnEnquiry registers the date_time_enq callback
func (dt *DateTime) OnEnquiry(fn DateTimeEnquiryFunc) { dt.enquiry.Store(fn) }

// Send sends a date_time object. offsetMinutes is the local time offset,
// or NoLocalOffset to leave it out.
func (dt *DateTime) Send(sn uint16, t time.Time, offsetMinutes int) error {
	utc := EncodeUTCTime(t)
	payload := utc[:]
	if offsetMinutes != NoLocalOffset {
		payload = append(payload, byte(uint16(int16(offsetMinutes))>>8), byte(int16(offsetMinutes)))
	}
	return dt.sendFixed(sn, TagDateTime, payload...)
}

// Message decodes one APDU from the module
func (dt *DateTime) Message(slotID uint8, sn uint16, resourceID uint32, data []byte) error {
	tag, body, err := splitTag(data)
	if err != nil {
		return err
	}
	if tag != TagDateTimeEnquiry {
		return unexpected(tag)
	}
	payload, err := fixedPayload(body, 1)
	if err != nil {
		return err
	}
	if cb := dt.enquiry.Load(); cb != nil {
		return cb(slotID, sn, payload[0])
	}
	return nil
}
