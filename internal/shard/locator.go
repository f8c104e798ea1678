package shard

import "github.com/wesm/wxvault/internal/digest"

// TablePrefix is prepended to the digest to form a message table name.
const TablePrefix = "Msg_"

// TableName returns the name of the message table holding contactID's
// history: TablePrefix followed by the lowercase hex MD5 of the UTF-8 bytes
// of contactID. A wrong name yields an empty history rather than an error,
// so this must match the producer bit for bit.
func TableName(contactID string) string {
	return TablePrefix + digest.HexString([]byte(contactID))
}
