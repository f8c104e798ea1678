package contacts

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/wesm/wxvault/internal/model"
)

// lookupChunkSize keeps IN lists under SQLite's host parameter limit.
const lookupChunkSize = 500

// Source reads the contact directory file directly, bypassing the cache.
type Source struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSource wraps an open handle to the contact directory file.
func NewSource(db *sql.DB) *Source {
	return &Source{db: db, logger: slog.Default()}
}

// WithLogger sets the logger used for skipped rows.
func (s *Source) WithLogger(logger *slog.Logger) *Source {
	s.logger = logger
	return s
}

// LoadContacts reads every contact row. Rows that fail to scan are logged
// and skipped; skipped reports how many.
func (s *Source) LoadContacts(ctx context.Context) (contacts []model.Contact, skipped int, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, nick_name, remark, alias, local_type, delete_flag
		FROM contact
	`)
	if err != nil {
		return nil, 0, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			c                     model.Contact
			nick, remark, alias   sql.NullString
			localType, deleteFlag sql.NullInt64
		)
		if err := rows.Scan(&c.Username, &nick, &remark, &alias, &localType, &deleteFlag); err != nil {
			skipped++
			s.logger.Debug("skipping malformed contact row", "error", err)
			continue
		}
		c.NickName = nick.String
		c.Remark = remark.String
		c.Alias = alias.String
		c.LocalType = localType.Int64
		c.Deleted = deleteFlag.Int64 != 0
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, skipped, fmt.Errorf("iterate contacts: %w", err)
	}
	if skipped > 0 {
		s.logger.Warn("skipped malformed contact rows", "count", skipped)
	}
	return contacts, skipped, nil
}

// LookupDisplayNames resolves usernames to display names in batches.
// Usernames with no row are absent from the result.
func (s *Source) LookupDisplayNames(ctx context.Context, usernames []string) (map[string]string, error) {
	names := make(map[string]string, len(usernames))
	ids := dedupe(usernames)
	if len(ids) == 0 {
		return names, nil
	}

	err := queryInChunks(ctx, s.db, ids, `
		SELECT username, nick_name, remark, alias
		FROM contact
		WHERE username IN (%s)
	`, func(rows *sql.Rows) error {
		var username string
		var nick, remark, alias sql.NullString
		if err := rows.Scan(&username, &nick, &remark, &alias); err != nil {
			return fmt.Errorf("scan contact name: %w", err)
		}
		names[username] = model.DisplayName(username, nick.String, remark.String, alias.String)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("lookup display names: %w", err)
	}
	return names, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// queryInChunks runs queryTemplate once per chunk of ids. The template must
// contain a single %s for the placeholder list.
func queryInChunks(ctx context.Context, db *sql.DB, ids []string, queryTemplate string, fn func(*sql.Rows) error) error {
	for i := 0; i < len(ids); i += lookupChunkSize {
		end := i + lookupChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[i:end]

		placeholders := make([]string, len(chunk))
		args := make([]interface{}, len(chunk))
		for j, id := range chunk {
			placeholders[j] = "?"
			args[j] = id
		}

		rows, err := db.QueryContext(ctx, fmt.Sprintf(queryTemplate, strings.Join(placeholders, ",")), args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			if err := fn(rows); err != nil {
				rows.Close()
				return err
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}
	return nil
}
