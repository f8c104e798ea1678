package model

import (
	"fmt"
	"time"
)

// TimeLayout is the layout used for human-readable message timestamps.
const TimeLayout = "2006-01-02 15:04:05"

// Message is one row of a per-contact message table. LocalID is unique only
// within the shard the row came from.
type Message struct {
	LocalID           int64
	CreateTime        int64 // unix seconds
	LocalType         int64
	Content           string
	IsSend            bool
	SenderUsername    string
	SenderDisplayName string

	// Shard is the discovery ordinal of the shard the row was read from.
	Shard int
}

// FormattedTime renders CreateTime in the given location.
func (m Message) FormattedTime(loc *time.Location) string {
	return time.Unix(m.CreateTime, 0).In(loc).Format(TimeLayout)
}

// Less reports whether m sorts before o in the global message order:
// newest first, then lower shard ordinal, then higher local id.
func (m Message) Less(o Message) bool {
	if m.CreateTime != o.CreateTime {
		return m.CreateTime > o.CreateTime
	}
	if m.Shard != o.Shard {
		return m.Shard < o.Shard
	}
	return m.LocalID > o.LocalID
}

// MessageType is the base message type code (the low 32 bits of LocalType).
type MessageType int64

const (
	TypeText          MessageType = 1
	TypeImage         MessageType = 3
	TypeVoice         MessageType = 34
	TypeFriendRequest MessageType = 37
	TypeContactCard   MessageType = 42
	TypeVideo         MessageType = 43
	TypeSticker       MessageType = 47
	TypeLocation      MessageType = 48
	TypeApp           MessageType = 49
	TypeVoIP          MessageType = 50
	TypeInit          MessageType = 51
	TypeSystem        MessageType = 10000
	TypeRevoke        MessageType = 10002
)

var typeLabels = map[MessageType]string{
	TypeText:          "text",
	TypeImage:         "image",
	TypeVoice:         "voice",
	TypeFriendRequest: "friend_request",
	TypeContactCard:   "contact_card",
	TypeVideo:         "video",
	TypeSticker:       "sticker",
	TypeLocation:      "location",
	TypeApp:           "app",
	TypeVoIP:          "voip",
	TypeInit:          "init",
	TypeSystem:        "system",
	TypeRevoke:        "revoke",
}

// BaseType strips the subtype the producer packs into the high 32 bits.
func BaseType(localType int64) MessageType {
	return MessageType(localType & 0xFFFFFFFF)
}

// TypeLabel returns the human label for a raw local type code.
func TypeLabel(localType int64) string {
	base := BaseType(localType)
	if label, ok := typeLabels[base]; ok {
		return label
	}
	return fmt.Sprintf("other(%d)", localType)
}
