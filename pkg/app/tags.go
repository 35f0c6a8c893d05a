package app

import "fmt"

// Tag is a 24-bit APDU tag
type Tag uint32

// APDU tags
const (
	TagProfileEnquiry Tag = 0x9f8010
	TagProfile        Tag = 0x9f8011
	TagProfileChange  Tag = 0x9f8012

	TagAppInfoEnquiry Tag = 0x9f8020
	TagAppInfo        Tag = 0x9f8021
	TagEnterMenu      Tag = 0x9f8022

	TagCAInfoEnquiry Tag = 0x9f8030
	TagCAInfo        Tag = 0x9f8031
	TagCAPMT         Tag = 0x9f8032
	TagCAPMTReply    Tag = 0x9f8033

	TagTune         Tag = 0x9f8400
	TagReplace      Tag = 0x9f8401
	TagClearReplace Tag = 0x9f8402
	TagAskRelease   Tag = 0x9f8403

	TagDateTimeEnquiry Tag = 0x9f8440
	TagDateTime        Tag = 0x9f8441

	TagCloseMMI             Tag = 0x9f8800
	TagDisplayControl       Tag = 0x9f8801
	TagDisplayReply         Tag = 0x9f8802
	TagTextLast             Tag = 0x9f8803
	TagTextMore             Tag = 0x9f8804
	TagKeypadControl        Tag = 0x9f8805
	TagKeypress             Tag = 0x9f8806
	TagEnquiry              Tag = 0x9f8807
	TagAnswer               Tag = 0x9f8808
	TagMenuLast             Tag = 0x9f8809
	TagMenuMore             Tag = 0x9f880a
	TagMenuAnswer           Tag = 0x9f880b
	TagListLast             Tag = 0x9f880c
	TagListMore             Tag = 0x9f880d
	TagSubtitleSegmentLast  Tag = 0x9f880e
	TagSubtitleSegmentMore  Tag = 0x9f880f
	TagDisplayMessage       Tag = 0x9f8810
	TagSceneEndMark         Tag = 0x9f8811
	TagSceneDone            Tag = 0x9f8812
	TagSceneControl         Tag = 0x9f8813
	TagSubtitleDownloadLast Tag = 0x9f8814
	TagSubtitleDownloadMore Tag = 0x9f8815
	TagFlushDownload        Tag = 0x9f8816
	TagDownloadReply        Tag = 0x9f8817

	TagCommsCommand         Tag = 0x9f8c00
	TagConnectionDescriptor Tag = 0x9f8c01
	TagCommsReply           Tag = 0x9f8c02
	TagCommsSendLast        Tag = 0x9f8c03
	TagCommsSendMore        Tag = 0x9f8c04
	TagCommsRecvLast        Tag = 0x9f8c05
	TagCommsRecvMore        Tag = 0x9f8c06

	TagAuthReq  Tag = 0x9f8200
	TagAuthResp Tag = 0x9f8201

	TagTeletextEBU Tag = 0x9f9000

	TagSmartcardCommand Tag = 0x9f8e00
	TagSmartcardReply   Tag = 0x9f8e01
	TagSmartcardSend    Tag = 0x9f8e02
	TagSmartcardRcv     Tag = 0x9f8e03

	TagEPGEnquiry Tag = 0x9f8f00
	TagEPGReply   Tag = 0x9f8f01
)

var tagNames = map[Tag]string{
	TagProfileEnquiry:       "profile_enq",
	TagProfile:              "profile",
	TagProfileChange:        "profile_change",
	TagAppInfoEnquiry:       "application_info_enq",
	TagAppInfo:              "application_info",
	TagEnterMenu:            "enter_menu",
	TagCAInfoEnquiry:        "ca_info_enq",
	TagCAInfo:               "ca_info",
	TagCAPMT:                "ca_pmt",
	TagCAPMTReply:           "ca_pmt_reply",
	TagTune:                 "tune",
	TagReplace:              "replace",
	TagClearReplace:         "clear_replace",
	TagAskRelease:           "ask_release",
	TagDateTimeEnquiry:      "date_time_enq",
	TagDateTime:             "date_time",
	TagCloseMMI:             "close_mmi",
	TagDisplayControl:       "display_control",
	TagDisplayReply:         "display_reply",
	TagTextLast:             "text_last",
	TagTextMore:             "text_more",
	TagKeypadControl:        "keypad_control",
	TagKeypress:             "keypress",
	TagEnquiry:              "enq",
	TagAnswer:               "answ",
	TagMenuLast:             "menu_last",
	TagMenuMore:             "menu_more",
	TagMenuAnswer:           "menu_answ",
	TagListLast:             "list_last",
	TagListMore:             "list_more",
	TagSubtitleSegmentLast:  "subtitle_segment_last",
	TagSubtitleSegmentMore:  "subtitle_segment_more",
	TagDisplayMessage:       "display_message",
	TagSceneEndMark:         "scene_end_mark",
	TagSceneDone:            "scene_done",
	TagSceneControl:         "scene_control",
	TagSubtitleDownloadLast: "subtitle_download_last",
	TagSubtitleDownloadMore: "subtitle_download_more",
	TagFlushDownload:        "flush_download",
	TagDownloadReply:        "download_reply",
	TagCommsCommand:         "comms_cmd",
	TagConnectionDescriptor: "connection_descriptor",
	TagCommsReply:           "comms_reply",
	TagCommsSendLast:        "comms_send_last",
	TagCommsSendMore:        "comms_send_more",
	TagCommsRecvLast:        "comms_rcv_last",
	TagCommsRecvMore:        "comms_rcv_more",
	TagAuthReq:              "auth_req",
	TagAuthResp:             "auth_resp",
	TagTeletextEBU:          "teletext_ebu",
	TagSmartcardCommand:     "smartcard_cmd",
	TagSmartcardReply:       "smartcard_reply",
	TagSmartcardSend:        "smartcard_send",
	TagSmartcardRcv:         "smartcard_rcv",
	TagEPGEnquiry:           "epg_enq",
	TagEPGReply:             "epg_reply",
}

// String returns string representation of Tag
func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(0x%06X)", uint32(t))
}

// TagFromBytes reads a big-endian tag from the first three bytes of b
func TagFromBytes(b []byte) Tag {
	return Tag(uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2]))
}

// put writes t into the first three bytes of b
func (t Tag) put(b []byte) {
	b[0] = byte(t >> 16)
	b[1] = byte(t >> 8)
	b[2] = byte(t)
}

// Append appends the three tag bytes of t to dst
func (t Tag) Append(dst []byte) []byte {
	return append(dst, byte(t>>16), byte(t>>8), byte(t))
}
