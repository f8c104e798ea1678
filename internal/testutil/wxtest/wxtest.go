// Package wxtest builds on-disk chat-export fixtures: a contact directory
// file plus any number of message shard files, laid out the way the
// producer writes them.
//
// Table names are computed with crypto/md5 here so that fixtures act as an
// independent oracle for the service's own digest implementation.
package wxtest

import (
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

const contactSchema = `
CREATE TABLE contact (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT,
	local_type INTEGER DEFAULT 1,
	alias TEXT DEFAULT '',
	nick_name TEXT DEFAULT '',
	remark TEXT DEFAULT '',
	delete_flag INTEGER DEFAULT 0
)`

const messageTableSchema = `
CREATE TABLE IF NOT EXISTS %q (
	local_id INTEGER PRIMARY KEY AUTOINCREMENT,
	create_time INTEGER,
	local_type INTEGER,
	message_content BLOB,
	is_send INTEGER DEFAULT 0,
	sender_username TEXT DEFAULT ''
)`

// Contact is a row for the contact table.
type Contact struct {
	Username  string
	NickName  string
	Remark    string
	Alias     string
	LocalType int64
	Deleted   bool
}

// Message is a row for a per-contact message table. A zero LocalID lets
// SQLite assign one.
type Message struct {
	LocalID    int64
	CreateTime int64
	LocalType  int64
	Content    string
	Raw        []byte // stored instead of Content when set
	IsSend     bool
	Sender     string
}

// Dataset is a fixture directory under t.TempDir().
type Dataset struct {
	T    testing.TB
	Root string

	ContactPath string
	contacts    *sql.DB
	shards      map[int]*sql.DB
}

// TableName mirrors the producer's naming rule using crypto/md5.
func TableName(contactID string) string {
	sum := md5.Sum([]byte(contactID))
	return "Msg_" + hex.EncodeToString(sum[:])
}

// New creates a dataset root with an empty contact file at
// <root>/contact/contact.db.
func New(t testing.TB) *Dataset {
	t.Helper()
	root := t.TempDir()
	ds := &Dataset{
		T:           t,
		Root:        root,
		ContactPath: filepath.Join(root, "contact", "contact.db"),
		shards:      make(map[int]*sql.DB),
	}
	ds.contacts = ds.create(ds.ContactPath)
	ds.exec(ds.contacts, contactSchema)
	return ds
}

// NewEmpty creates a dataset root with no files at all.
func NewEmpty(t testing.TB) *Dataset {
	t.Helper()
	return &Dataset{T: t, Root: t.TempDir(), shards: make(map[int]*sql.DB)}
}

func (d *Dataset) create(path string) *sql.DB {
	d.T.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		d.T.Fatalf("mkdir: %v", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		d.T.Fatalf("open %s: %v", path, err)
	}
	// A single connection keeps writes serialized and immediately visible
	// to read-only handles opened by the code under test.
	db.SetMaxOpenConns(1)
	d.T.Cleanup(func() { db.Close() })
	return db
}

func (d *Dataset) exec(db *sql.DB, query string, args ...interface{}) {
	d.T.Helper()
	if _, err := db.Exec(query, args...); err != nil {
		d.T.Fatalf("exec %q: %v", query, err)
	}
}

// AddContact inserts a contact row.
func (d *Dataset) AddContact(c Contact) {
	d.T.Helper()
	if c.LocalType == 0 {
		c.LocalType = 1
	}
	deleted := 0
	if c.Deleted {
		deleted = 1
	}
	d.exec(d.contacts,
		`INSERT INTO contact (username, local_type, alias, nick_name, remark, delete_flag) VALUES (?, ?, ?, ?, ?, ?)`,
		c.Username, c.LocalType, c.Alias, c.NickName, c.Remark, deleted)
}

// ExecContacts runs raw SQL against the contact file, for rows the typed
// helper cannot express (NULL usernames and the like).
func (d *Dataset) ExecContacts(query string, args ...interface{}) {
	d.T.Helper()
	d.exec(d.contacts, query, args...)
}

// ShardPath returns the path of shard n: <root>/message/message_<n>.db.
func (d *Dataset) ShardPath(n int) string {
	return filepath.Join(d.Root, "message", fmt.Sprintf("message_%d.db", n))
}

// Shard returns a writable handle to shard n, creating the file on first use.
func (d *Dataset) Shard(n int) *sql.DB {
	d.T.Helper()
	if db, ok := d.shards[n]; ok {
		return db
	}
	db := d.create(d.ShardPath(n))
	// Create a harmless table so the file is a valid database even when
	// no contact tables are added.
	d.exec(db, `CREATE TABLE IF NOT EXISTS Name2Id (user_name TEXT)`)
	d.shards[n] = db
	return db
}

// AddMessages inserts messages for contactID into shard n, creating the
// contact's table when needed.
func (d *Dataset) AddMessages(n int, contactID string, msgs ...Message) {
	d.T.Helper()
	db := d.Shard(n)
	table := TableName(contactID)
	d.exec(db, fmt.Sprintf(messageTableSchema, table))
	for _, m := range msgs {
		content := m.Raw
		if content == nil {
			content = []byte(m.Content)
		}
		isSend := 0
		if m.IsSend {
			isSend = 1
		}
		var localID interface{}
		if m.LocalID != 0 {
			localID = m.LocalID
		}
		d.exec(db, fmt.Sprintf(
			`INSERT INTO %q (local_id, create_time, local_type, message_content, is_send, sender_username) VALUES (?, ?, ?, ?, ?, ?)`, table),
			localID, m.CreateTime, m.LocalType, content, isSend, m.Sender)
	}
}

// ExecShard runs raw SQL against shard n.
func (d *Dataset) ExecShard(n int, query string, args ...interface{}) {
	d.T.Helper()
	d.exec(d.Shard(n), query, args...)
}
