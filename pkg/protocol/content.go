package protocol

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// ContentString extracts a string field from an event content document.
// Invalid documents and missing or non-string fields yield ok=false.
func ContentString(content json.RawMessage, path string) (string, bool) {
	if len(content) == 0 || !gjson.ValidBytes(content) {
		return "", false
	}
	res := gjson.GetBytes(content, path)
	if !res.Exists() || res.Type != gjson.String {
		return "", false
	}
	return res.String(), true
}

// ValidDocument reports whether content is a well-formed JSON object.
func ValidDocument(content json.RawMessage) bool {
	if len(content) == 0 || !gjson.ValidBytes(content) {
		return false
	}
	return gjson.ParseBytes(content).IsObject()
}

// Membership returns the membership of an m.room.member event, or "" when
// the content is not decodable.
func Membership(ev RoomEvent) string {
	if ev.Type != EventTypeRoomMember {
		return ""
	}
	m, _ := ContentString(ev.Content, "membership")
	return m
}
