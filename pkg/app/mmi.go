package app

import (
	"fmt"
	"sync"

	"github.com/braice/MuMuDVB-sub000/pkg/asn1"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/callback"
	"github.com/braice/MuMuDVB-sub000/pkg/internal/logger"
)

// close_mmi command ids
const (
	CloseMMIImmediate uint8 = 0x00
	CloseMMIDelay     uint8 = 0x01
)

// display_control command ids
const (
	DisplayControlSetMMIMode                      uint8 = 0x01
	DisplayControlGetDisplayCharTables            uint8 = 0x02
	DisplayControlGetInputCharTables              uint8 = 0x03
	DisplayControlGetOverlayGFXCharacteristics    uint8 = 0x04
	DisplayControlGetFullscreenGFXCharacteristics uint8 = 0x05
)

// display_reply ids
const (
	DisplayReplyMMIModeAck                       uint8 = 0x01
	DisplayReplyListDisplayCharTables            uint8 = 0x02
	DisplayReplyListInputCharTables              uint8 = 0x03
	DisplayReplyListOverlayGFXCharacteristics    uint8 = 0x04
	DisplayReplyListFullscreenGFXCharacteristics uint8 = 0x05
	DisplayReplyUnknownCmdID                     uint8 = 0xF0
	DisplayReplyUnknownMMIMode                   uint8 = 0xF1
	DisplayReplyUnknownCharTable                 uint8 = 0xF2
)

// MMI modes
const (
	MMIModeHighLevel             uint8 = 0x01
	MMIModeLowLevelOverlayGFX    uint8 = 0x02
	MMIModeLowLevelFullscreenGFX uint8 = 0x03
)

// keypad_control command ids
const (
	KeypadInterceptAll      uint8 = 0x01
	KeypadIgnoreAll         uint8 = 0x02
	KeypadInterceptSelected uint8 = 0x03
	KeypadIgnoreSelected    uint8 = 0x04
	KeypadRejectKeypress    uint8 = 0x05
)

// display_message ids
const (
	DisplayMessageOK                  uint8 = 0x00
	DisplayMessageError               uint8 = 0x01
	DisplayMessageOutOfMemory         uint8 = 0x02
	DisplayMessageSubtitleSyntaxError uint8 = 0x03
	DisplayMessageUndefinedRegion     uint8 = 0x04
	DisplayMessageUndefinedCLUT       uint8 = 0x05
	DisplayMessageUndefinedObject     uint8 = 0x06
	DisplayMessageIncompatibleObject  uint8 = 0x07
	DisplayMessageUnknownCharacter    uint8 = 0x08
	DisplayMessageDisplayChanged      uint8 = 0x09
)

// download_reply ids
const (
	DownloadReplyOK               uint8 = 0x00
	DownloadReplyNotObjectSegment uint8 = 0x01
	DownloadReplyOutOfMemory      uint8 = 0x02
)

// answ ids
const (
	AnswerCancel uint8 = 0x00
	AnswerAnswer uint8 = 0x01
)

// GFX relation to video
const (
	GFXVideoRelationNone           uint8 = 0x00
	GFXVideoRelationMatchesExactly uint8 = 0x07
)

// PixelDepth describes one supported pixel depth
type PixelDepth struct {
	DisplayDepth   uint8
	PixelsPerByte  uint8
	RegionOverhead uint8
}

// GFXCharacteristics is the payload of a graphics characteristics reply
type GFXCharacteristics struct {
	Width                  uint16
	Height                 uint16
	AspectRatio            uint8
	RelationToVideo        uint8
	MultipleDepths         bool
	DisplayBytes           uint16
	CompositionBufferBytes uint8
	ObjectCacheBytes       uint8
	PixelDepths            []PixelDepth
}

// DisplayReply carries the reply id specific details of a display_reply.
// Only the field matching the reply id is used.
type DisplayReply struct {
	MMIMode   uint8
	CharTable []byte
	GFX       GFXCharacteristics
}

// SceneFlags are the flags of scene_end_mark and scene_control
type SceneFlags struct {
	DecoderContinue bool
	SceneReveal     bool
	SendSceneDone   bool
	SceneTag        uint8
}

// Enquiry is a request for user input
type Enquiry struct {
	BlindAnswer  bool
	AnswerLength uint8
	Text         []byte
}

// Menu is a decoded menu or list. When the module sent a non standard item
// list (choice_nb 0xff) Items is empty and RawItems holds the bytes.
type Menu struct {
	Title    []byte
	SubTitle []byte
	Bottom   []byte
	Items    [][]byte
	RawItems []byte
}

// MMI callbacks. Slices passed to them are only valid during the call.
type (
	MMICloseFunc       func(slotID uint8, sn uint16, cmdID, delay uint8) error
	DisplayControlFunc func(slotID uint8, sn uint16, cmdID, mmiMode uint8) error
	KeypadControlFunc  func(slotID uint8, sn uint16, cmdID uint8, keyCodes []byte) error
	SubtitleFunc       func(slotID uint8, sn uint16, data []byte) error
	SceneFunc          func(slotID uint8, sn uint16, flags SceneFlags) error
	FlushDownloadFunc  func(slotID uint8, sn uint16) error
	EnquiryFunc        func(slotID uint8, sn uint16, enq Enquiry) error
	MenuFunc           func(slotID uint8, sn uint16, menu Menu) error
)

type fragmentKind int

const (
	fragmentMenu fragmentKind = iota
	fragmentList
	fragmentSubtitleSegment
	fragmentSubtitleDownload
)

type fragmentKey struct {
	sn   uint16
	kind fragmentKind
}

// MMI implements the man machine interface resource
type MMI struct {
	resource

	mu        sync.Mutex
	fragments fragments[fragmentKey]

	closeCB            callback.Hook[MMICloseFunc]
	displayControlCB   callback.Hook[DisplayControlFunc]
	keypadControlCB    callback.Hook[KeypadControlFunc]
	subtitleSegmentCB  callback.Hook[SubtitleFunc]
	sceneEndMarkCB     callback.Hook[SceneFunc]
	sceneControlCB     callback.Hook[SceneFunc]
	subtitleDownloadCB callback.Hook[SubtitleFunc]
	flushDownloadCB    callback.Hook[FlushDownloadFunc]
	enquiryCB          callback.Hook[EnquiryFunc]
	menuCB             callback.Hook[MenuFunc]
	listCB             callback.Hook[MenuFunc]
}

// NewMMI creates an MMI codec
func NewMMI(sender Sender, log logger.Logger) *MMI {
	return &MMI{
		resource:  newResource(sender, log),
		fragments: newFragments[fragmentKey](),
	}
}

func (m *MMI) OnClose(fn MMICloseFunc)                { m.closeCB.Store(fn) }
func (m *MMI) OnDisplayControl(fn DisplayControlFunc) { m.displayControlCB.Store(fn) }
func (m *MMI) OnKeypadControl(fn KeypadControlFunc)   { m.keypadControlCB.Store(fn) }
func (m *MMI) OnSubtitleSegment(fn SubtitleFunc)      { m.subtitleSegmentCB.Store(fn) }
func (m *MMI) OnSceneEndMark(fn SceneFunc)            { m.sceneEndMarkCB.Store(fn) }
func (m *MMI) OnSceneControl(fn SceneFunc)            { m.sceneControlCB.Store(fn) }
func (m *MMI) OnSubtitleDownload(fn SubtitleFunc)     { m.subtitleDownloadCB.Store(fn) }
func (m *MMI) OnFlushDownload(fn FlushDownloadFunc)   { m.flushDownloadCB.Store(fn) }
func (m *MMI) OnEnquiry(fn EnquiryFunc)               { m.enquiryCB.Store(fn) }
func (m *MMI) OnMenu(fn MenuFunc)                     { m.menuCB.Store(fn) }
func (m *MMI) OnList(fn MenuFunc)                     { m.listCB.Store(fn) }

// ClearSession drops any partial objects of a session. Call it when the
// session closes.
func (m *MMI) ClearSession(sn uint16) {
	m.mu.Lock()
	m.fragments.clear(func(k fragmentKey) bool { return k.sn == sn })
	m.mu.Unlock()
}

// Close asks the module to close the MMI dialogue
func (m *MMI) Close(sn uint16, cmdID, delay uint8) error {
	if cmdID == CloseMMIDelay {
		return m.sendFixed(sn, TagCloseMMI, cmdID, delay)
	}
	return m.sendFixed(sn, TagCloseMMI, cmdID)
}

// DisplayReply answers a display_control
func (m *MMI) DisplayReply(sn uint16, replyID uint8, details DisplayReply) error {
	switch replyID {
	case DisplayReplyMMIModeAck:
		return m.sendFixed(sn, TagDisplayReply, replyID, details.MMIMode)

	case DisplayReplyListDisplayCharTables, DisplayReplyListInputCharTables:
		hdr, err := header(TagDisplayReply, 1+len(details.CharTable), replyID)
		if err != nil {
			return err
		}
		return m.sendV(sn, hdr, details.CharTable)

	case DisplayReplyListOverlayGFXCharacteristics, DisplayReplyListFullscreenGFXCharacteristics:
		g := details.GFX
		if len(g.PixelDepths) > 0x0f {
			return fmt.Errorf("%w: %d pixel depths", ErrTooLong, len(g.PixelDepths))
		}
		multiple := uint8(0)
		if g.MultipleDepths {
			multiple = 1
		}
		hdr, err := header(TagDisplayReply, 10+2*len(g.PixelDepths),
			replyID,
			byte(g.Width>>8), byte(g.Width),
			byte(g.Height>>8), byte(g.Height),
			(g.AspectRatio&0x0f)<<4|(g.RelationToVideo&0x07)<<1|multiple,
			byte(g.DisplayBytes>>4),
			byte(g.DisplayBytes&0x0f)<<4|(g.CompositionBufferBytes&0xf0)>>4,
			(g.CompositionBufferBytes&0x0f)<<4|(g.ObjectCacheBytes&0xf0)>>4,
			(g.ObjectCacheBytes&0x0f)<<4|uint8(len(g.PixelDepths)),
		)
		if err != nil {
			return err
		}
		depths := make([]byte, 0, 2*len(g.PixelDepths))
		for _, d := range g.PixelDepths {
			depths = append(depths, (d.DisplayDepth&0x07)<<5|(d.PixelsPerByte&0x07)<<2, d.RegionOverhead)
		}
		return m.sendV(sn, hdr, depths)
	}
	return m.sendFixed(sn, TagDisplayReply, replyID)
}

// Keypress sends a key code
func (m *MMI) Keypress(sn uint16, keyCode uint8) error {
	return m.sendFixed(sn, TagKeypress, keyCode)
}

// DisplayMessage reports a display status to the module
func (m *MMI) DisplayMessage(sn uint16, messageID uint8) error {
	return m.sendFixed(sn, TagDisplayMessage, messageID)
}

// SceneDone reports that a scene was displayed
func (m *MMI) SceneDone(sn uint16, decoderContinue, sceneReveal bool, sceneTag uint8) error {
	flags := sceneTag & 0x0f
	if decoderContinue {
		flags |= 0x80
	}
	if sceneReveal {
		flags |= 0x40
	}
	return m.sendFixed(sn, TagSceneDone, flags)
}

// DownloadReply acknowledges a subtitle download
func (m *MMI) DownloadReply(sn uint16, objectID uint16, replyID uint8) error {
	return m.sendFixed(sn, TagDownloadReply, byte(objectID>>8), byte(objectID), replyID)
}

// Answer answers an enquiry. text is only sent with AnswerAnswer.
func (m *MMI) Answer(sn uint16, answerID uint8, text []byte) error {
	if answerID != AnswerAnswer {
		return m.sendFixed(sn, TagAnswer, answerID)
	}
	hdr, err := header(TagAnswer, 1+len(text), answerID)
	if err != nil {
		return err
	}
	return m.sendV(sn, hdr, text)
}

// MenuAnswer selects a menu or list entry; 0 cancels
func (m *MMI) MenuAnswer(sn uint16, choice uint8) error {
	return m.sendFixed(sn, TagMenuAnswer, choice)
}

// Message decodes one APDU from the module
func (m *MMI) Message(slotID uint8, sn uint16, resourceID uint32, data []byte) error {
	tag, body, err := splitTag(data)
	if err != nil {
		return err
	}
	switch tag {
	case TagCloseMMI:
		return m.parseClose(slotID, sn, body)
	case TagDisplayControl:
		return m.parseDisplayControl(slotID, sn, body)
	case TagKeypadControl:
		return m.parseKeypadControl(slotID, sn, body)
	case TagEnquiry:
		return m.parseEnquiry(slotID, sn, body)
	case TagMenuLast, TagMenuMore:
		return m.parseMenu(slotID, sn, fragmentMenu, tag == TagMenuLast, body)
	case TagListLast, TagListMore:
		return m.parseMenu(slotID, sn, fragmentList, tag == TagListLast, body)
	case TagSubtitleSegmentLast, TagSubtitleSegmentMore:
		return m.parseSubtitle(slotID, sn, fragmentSubtitleSegment, tag == TagSubtitleSegmentLast, body)
	case TagSubtitleDownloadLast, TagSubtitleDownloadMore:
		return m.parseSubtitle(slotID, sn, fragmentSubtitleDownload, tag == TagSubtitleDownloadLast, body)
	case TagSceneEndMark:
		return m.parseScene(slotID, sn, body, m.sceneEndMarkCB.Load())
	case TagSceneControl:
		return m.parseScene(slotID, sn, body, m.sceneControlCB.Load())
	case TagFlushDownload:
		if len(body) != 1 || body[0] != 0 {
			return fmt.Errorf("%w: flush_download", ErrBadLength)
		}
		if cb := m.flushDownloadCB.Load(); cb != nil {
			return cb(slotID, sn)
		}
		return nil
	}
	return unexpected(tag)
}

// commandWithArg decodes the [len cmd (arg)] layout of close_mmi and
// display_control. The argument is present only when cmd equals withArg.
func commandWithArg(body []byte, withArg uint8) (uint8, uint8, error) {
	if len(body) < 2 || int(body[0]) > len(body)-1 {
		return 0, 0, fmt.Errorf("%w: command of %d bytes", ErrBadLength, len(body))
	}
	cmd := body[1]
	if cmd != withArg {
		return cmd, 0, nil
	}
	if body[0] != 2 {
		return 0, 0, fmt.Errorf("%w: command 0x%02x needs an argument", ErrBadLength, cmd)
	}
	return cmd, body[2], nil
}

func (m *MMI) parseClose(slotID uint8, sn uint16, body []byte) error {
	cmd, delay, err := commandWithArg(body, CloseMMIDelay)
	if err != nil {
		return err
	}
	if cb := m.closeCB.Load(); cb != nil {
		return cb(slotID, sn, cmd, delay)
	}
	return nil
}

func (m *MMI) parseDisplayControl(slotID uint8, sn uint16, body []byte) error {
	cmd, mode, err := commandWithArg(body, DisplayControlSetMMIMode)
	if err != nil {
		return err
	}
	if cb := m.displayControlCB.Load(); cb != nil {
		return cb(slotID, sn, cmd, mode)
	}
	return nil
}

func (m *MMI) parseKeypadControl(slotID uint8, sn uint16, body []byte) error {
	payload, err := lengthPrefixed(body)
	if err != nil {
		return err
	}
	if len(payload) < 1 {
		return fmt.Errorf("%w: empty keypad_control", ErrShortData)
	}
	if cb := m.keypadControlCB.Load(); cb != nil {
		return cb(slotID, sn, payload[0], payload[1:])
	}
	return nil
}

func (m *MMI) parseEnquiry(slotID uint8, sn uint16, body []byte) error {
	payload, err := lengthPrefixed(body)
	if err != nil {
		return err
	}
	if len(payload) < 2 {
		return fmt.Errorf("%w: enquiry of %d bytes", ErrShortData, len(payload))
	}
	if cb := m.enquiryCB.Load(); cb != nil {
		return cb(slotID, sn, Enquiry{
			BlindAnswer:  payload[0]&0x01 != 0,
			AnswerLength: payload[1],
			Text:         payload[2:],
		})
	}
	return nil
}

func (m *MMI) parseScene(slotID uint8, sn uint16, body []byte, cb SceneFunc) error {
	payload, err := fixedPayload(body, 1)
	if err != nil {
		return err
	}
	if cb == nil {
		return nil
	}
	flags := payload[0]
	return cb(slotID, sn, SceneFlags{
		DecoderContinue: flags&0x80 != 0,
		SceneReveal:     flags&0x40 != 0,
		SendSceneDone:   flags&0x20 != 0,
		SceneTag:        flags & 0x0f,
	})
}

// defragment feeds one menu, list or subtitle fragment
func (m *MMI) defragment(sn uint16, kind fragmentKind, last bool, body []byte) (Reassembled, error) {
	payload, err := lengthPrefixed(body)
	if err != nil {
		return Reassembled{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fragments.add(fragmentKey{sn, kind}, last, payload)
}

func (m *MMI) parseSubtitle(slotID uint8, sn uint16, kind fragmentKind, last bool, body []byte) error {
	r, err := m.defragment(sn, kind, last, body)
	if err != nil || !r.Complete() {
		return err
	}
	cb := m.subtitleSegmentCB.Load()
	if kind == fragmentSubtitleDownload {
		cb = m.subtitleDownloadCB.Load()
	}
	if cb != nil {
		return cb(slotID, sn, r.Data)
	}
	return nil
}

func (m *MMI) parseMenu(slotID uint8, sn uint16, kind fragmentKind, last bool, body []byte) error {
	r, err := m.defragment(sn, kind, last, body)
	if err != nil || !r.Complete() {
		return err
	}
	menu, err := ParseMenu(r.Data)
	if err != nil {
		return err
	}
	cb := m.menuCB.Load()
	if kind == fragmentList {
		cb = m.listCB.Load()
	}
	if cb != nil {
		return cb(slotID, sn, menu)
	}
	return nil
}

// ParseMenu decodes the body of a complete menu or list object
func ParseMenu(data []byte) (Menu, error) {
	var menu Menu
	if len(data) < 1 {
		return menu, fmt.Errorf("%w: empty menu", ErrShortData)
	}
	choices := data[0]
	count := 3 + int(choices)
	if choices == 0xff {
		count = 3
	}
	data = data[1:]

	texts := make([][]byte, count)
	for i := range texts {
		r, n, err := DefragmentText(data)
		if err != nil {
			return menu, fmt.Errorf("menu text %d: %w", i, err)
		}
		texts[i] = r.Data
		data = data[n:]
	}
	menu.Title, menu.SubTitle, menu.Bottom = texts[0], texts[1], texts[2]
	if count > 3 {
		menu.Items = texts[3:]
	}
	if choices == 0xff {
		menu.RawItems = data
	}
	return menu, nil
}

// DefragmentText decodes one text object made of text_more fragments and a
// final text_last. It returns the text and the number of bytes consumed.
func DefragmentText(data []byte) (Reassembled, int, error) {
	var (
		text     []byte
		consumed int
		started  bool
	)
	for {
		if len(data)-consumed < 3 {
			return Reassembled{}, 0, fmt.Errorf("%w: truncated text object", ErrShortData)
		}
		tag := TagFromBytes(data[consumed:])
		consumed += 3
		length, n, err := asn1.Decode(data[consumed:])
		if err != nil {
			return Reassembled{}, 0, fmt.Errorf("%w: %v", ErrASN1, err)
		}
		consumed += n
		if int(length) > len(data)-consumed {
			return Reassembled{}, 0, fmt.Errorf("%w: text of %d bytes overruns object", ErrShortData, length)
		}
		chunk := data[consumed : consumed+int(length)]
		consumed += int(length)

		switch tag {
		case TagTextLast:
			if !started {
				return Reassembled{State: Borrowed, Data: chunk}, consumed, nil
			}
			return Reassembled{State: Owned, Data: append(text, chunk...)}, consumed, nil
		case TagTextMore:
			text = append(text, chunk...)
			started = true
		default:
			return Reassembled{}, 0, unexpected(tag)
		}
	}
}
