package ingest

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/go-go-golems/roomsync/pkg/persistence/roomstore"
)

// typingUsers reads m.typing content: {"user_ids": [...]}.
func typingUsers(content json.RawMessage) ([]string, bool) {
	if len(content) == 0 || !gjson.ValidBytes(content) {
		return nil, false
	}
	ids := gjson.GetBytes(content, "user_ids")
	if !ids.IsArray() {
		return nil, false
	}
	out := []string{}
	ok := true
	ids.ForEach(func(_, v gjson.Result) bool {
		if v.Type != gjson.String {
			ok = false
			return false
		}
		out = append(out, v.String())
		return true
	})
	return out, ok
}

// receipts reads m.receipt content:
// {"$event": {"m.read": {"@user": {"ts": 123}}}}.
func receipts(roomID string, content json.RawMessage) ([]roomstore.Receipt, bool) {
	if len(content) == 0 || !gjson.ValidBytes(content) {
		return nil, false
	}
	root := gjson.ParseBytes(content)
	if !root.IsObject() {
		return nil, false
	}
	out := []roomstore.Receipt{}
	ok := true
	root.ForEach(func(eventID, byType gjson.Result) bool {
		if !byType.IsObject() {
			ok = false
			return false
		}
		byType.ForEach(func(receiptType, byUser gjson.Result) bool {
			if !byUser.IsObject() {
				ok = false
				return false
			}
			byUser.ForEach(func(userID, data gjson.Result) bool {
				out = append(out, roomstore.Receipt{
					RoomID:      roomID,
					UserID:      userID.String(),
					ReceiptType: receiptType.String(),
					EventID:     eventID.String(),
					TS:          data.Get("ts").Int(),
				})
				return true
			})
			return ok
		})
		return ok
	})
	if !ok {
		return nil, false
	}
	return out, true
}
