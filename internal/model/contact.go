// Package model holds the value types shared by the contact directory, the
// message aggregator and the API layer.
package model

import "strings"

// Contact is one row of the contact directory. Values are immutable once
// loaded; a refresh replaces the whole set.
type Contact struct {
	Username  string // unique key (wxid)
	NickName  string
	Remark    string
	Alias     string
	LocalType int64
	Deleted   bool
}

// DisplayName returns the remark, falling back to nickname, alias and
// finally the username.
func (c Contact) DisplayName() string {
	return DisplayName(c.Username, c.NickName, c.Remark, c.Alias)
}

// DisplayName applies the contact naming fallback to raw column values.
func DisplayName(username, nickName, remark, alias string) string {
	switch {
	case remark != "":
		return remark
	case nickName != "":
		return nickName
	case alias != "":
		return alias
	default:
		return username
	}
}

// Usernames that are system or pseudo accounts rather than people.
var pseudoAccounts = map[string]bool{
	"filehelper":                true,
	"fmessage":                  true,
	"medianote":                 true,
	"floatbottle":               true,
	"qmessage":                  true,
	"qqmail":                    true,
	"tmessage":                  true,
	"weibo":                     true,
	"newsapp":                   true,
	"notifymessage":             true,
	"weixin":                    true,
	"qqsafe":                    true,
	"brandsessionholder":        true,
	"brandservicesessionholder": true,
	"@publicUser":               true,
}

const (
	officialAccountPrefix = "gh_"
	groupChatSuffix       = "@chatroom"
	openIMSuffix          = "@openim"
)

// Listable reports whether the contact belongs in the contact list: not
// soft-deleted, not a group chat, official account or pseudo-account.
func (c Contact) Listable() bool {
	if c.Deleted {
		return false
	}
	return !IsExcludedUsername(c.Username)
}

// IsExcludedUsername reports whether username matches the contact denylist.
func IsExcludedUsername(username string) bool {
	switch {
	case username == "":
		return true
	case strings.HasPrefix(username, officialAccountPrefix):
		return true
	case strings.HasSuffix(username, groupChatSuffix):
		return true
	case strings.HasSuffix(username, openIMSuffix):
		return true
	}
	return pseudoAccounts[username]
}
