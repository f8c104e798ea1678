// Package messages reads a contact's history across every message shard
// and merges it into one globally ordered, paginated sequence.
//
// Ordering is CreateTime descending, then shard discovery ordinal, then
// local id descending. Each shard is read with the same key restricted to
// that shard, so the newest offset+limit rows of every shard are enough to
// assemble any global window: a row inside the global window has fewer
// than offset+limit rows ahead of it overall, and therefore fewer than that
// ahead of it inside its own shard.
package messages

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/wesm/wxvault/internal/model"
	"github.com/wesm/wxvault/internal/shard"
	"github.com/wesm/wxvault/internal/textutil"
)

// DefaultSelfLabel is the sender name given to outgoing messages.
const DefaultSelfLabel = "Me"

// ShardSource lists the shards a query reads.
type ShardSource interface {
	Shards() ([]shard.Shard, error)
}

// NameResolver maps sender usernames to display names.
type NameResolver interface {
	LookupDisplayNames(ctx context.Context, usernames []string) (map[string]string, error)
}

// Aggregator queries message tables across shards. It holds no mutable
// state and is safe for concurrent use.
type Aggregator struct {
	shards      ShardSource
	names       NameResolver
	logger      *slog.Logger
	selfLabel   string
	concurrency int
}

// New creates an aggregator.
func New(shards ShardSource, names NameResolver) *Aggregator {
	return &Aggregator{
		shards:      shards,
		names:       names,
		logger:      slog.Default(),
		selfLabel:   DefaultSelfLabel,
		concurrency: 4,
	}
}

// WithLogger sets the logger used for skipped shards.
func (a *Aggregator) WithLogger(logger *slog.Logger) *Aggregator {
	a.logger = logger
	return a
}

// WithSelfLabel sets the display name for outgoing messages.
func (a *Aggregator) WithSelfLabel(label string) *Aggregator {
	if label != "" {
		a.selfLabel = label
	}
	return a
}

// WithConcurrency bounds how many shards are read at once.
func (a *Aggregator) WithConcurrency(n int) *Aggregator {
	if n > 0 {
		a.concurrency = n
	}
	return a
}

// Query returns the window [offset, offset+limit) of contactID's messages
// in global order. An unknown contact yields an empty slice.
func (a *Aggregator) Query(ctx context.Context, contactID string, limit, offset int) ([]model.Message, error) {
	if limit <= 0 || offset < 0 || offset > math.MaxInt-limit {
		return []model.Message{}, nil
	}

	table := shard.TableName(contactID)
	fetch := limit + offset
	perShard, err := forEachShard(ctx, a, table, func(ctx context.Context, s shard.Shard) ([]model.Message, error) {
		return a.fetchNewest(ctx, s, table, fetch)
	})
	if err != nil {
		return nil, err
	}

	var merged []model.Message
	for _, rows := range perShard {
		merged = append(merged, rows...)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Less(merged[j]) })

	if offset >= len(merged) {
		return []model.Message{}, nil
	}
	end := offset + limit
	if end > len(merged) {
		end = len(merged)
	}
	return merged[offset:end], nil
}

// Count returns the exact number of messages for contactID summed across
// shards.
func (a *Aggregator) Count(ctx context.Context, contactID string) (int64, error) {
	table := shard.TableName(contactID)
	perShard, err := forEachShard(ctx, a, table, func(ctx context.Context, s shard.Shard) (int64, error) {
		var n int64
		err := s.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %q`, table)).Scan(&n)
		return n, err
	})
	if err != nil {
		return 0, err
	}
	var total int64
	for _, n := range perShard {
		total += n
	}
	return total, nil
}

// Enrich fills SenderDisplayName: outgoing messages get the self label,
// incoming ones are resolved in one batch against the contact file and
// fall back to the raw sender username.
func (a *Aggregator) Enrich(ctx context.Context, msgs []model.Message) []model.Message {
	var senders []string
	for _, m := range msgs {
		if !m.IsSend && m.SenderUsername != "" {
			senders = append(senders, m.SenderUsername)
		}
	}

	var names map[string]string
	if len(senders) > 0 && a.names != nil {
		var err error
		names, err = a.names.LookupDisplayNames(ctx, senders)
		if err != nil {
			a.logger.Warn("sender name lookup failed", "error", err)
		}
	}

	for i := range msgs {
		m := &msgs[i]
		switch {
		case m.IsSend:
			m.SenderDisplayName = a.selfLabel
		case names[m.SenderUsername] != "":
			m.SenderDisplayName = names[m.SenderUsername]
		default:
			m.SenderDisplayName = m.SenderUsername
		}
	}
	return msgs
}

// forEachShard runs fn against every shard holding table, concurrently
// and bounded by the aggregator's concurrency. Results are indexed by
// position in discovery order. A shard that errors contributes the zero
// value and is logged; only a failure to list shards is returned.
func forEachShard[T any](ctx context.Context, a *Aggregator, table string, fn func(context.Context, shard.Shard) (T, error)) ([]T, error) {
	shards, err := a.shards.Shards()
	if err != nil {
		return nil, fmt.Errorf("list shards: %w", err)
	}

	results := make([]T, len(shards))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, s := range shards {
		g.Go(func() error {
			ok, err := shard.HasTable(gctx, s.DB, table)
			if err != nil {
				a.logger.Warn("skipping shard", "path", s.Path, "table", table, "error", err)
				return nil
			}
			if !ok {
				return nil
			}
			v, err := fn(gctx, s)
			if err != nil {
				a.logger.Warn("skipping shard", "path", s.Path, "table", table, "error", err)
				return nil
			}
			results[i] = v
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// fetchNewest reads up to n valid rows of table from one shard, newest
// first. Rows that fail to scan or decode are skipped, and reading
// continues past them so the shard still contributes n rows when it has
// them.
func (a *Aggregator) fetchNewest(ctx context.Context, s shard.Shard, table string, n int) ([]model.Message, error) {
	query := fmt.Sprintf(`
		SELECT local_id, create_time, local_type, message_content, is_send, sender_username
		FROM %q
		ORDER BY create_time DESC, local_id DESC
		LIMIT ? OFFSET ?
	`, table)

	msgs := make([]model.Message, 0, min(n, 1024))
	consumed, skipped := 0, 0
	for len(msgs) < n {
		want := n - len(msgs)
		read, bad, err := a.readPage(ctx, s, query, want, consumed, &msgs)
		if err != nil {
			return nil, err
		}
		consumed += read
		skipped += bad
		if read < want {
			break
		}
	}
	if skipped > 0 {
		a.logger.Warn("skipped malformed message rows", "path", s.Path, "table", table, "count", skipped)
	}
	return msgs, nil
}

// readPage appends the decodable rows of one LIMIT/OFFSET page to msgs and
// reports how many rows were read and how many of those were skipped.
func (a *Aggregator) readPage(ctx context.Context, s shard.Shard, query string, limit, offset int, msgs *[]model.Message) (read, skipped int, err error) {
	rows, err := s.DB.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return 0, 0, fmt.Errorf("query shard: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		read++
		var (
			m          model.Message
			createTime sql.NullInt64
			localType  sql.NullInt64
			content    []byte
			isSend     sql.NullInt64
			sender     sql.NullString
		)
		if err := rows.Scan(&m.LocalID, &createTime, &localType, &content, &isSend, &sender); err != nil {
			skipped++
			continue
		}
		text, err := textutil.DecodeContent(content)
		if err != nil {
			skipped++
			continue
		}
		m.CreateTime = createTime.Int64
		m.LocalType = localType.Int64
		m.Content = text
		m.IsSend = isSend.Int64 != 0
		if !m.IsSend {
			m.SenderUsername = sender.String
		}
		m.Shard = s.Ordinal
		*msgs = append(*msgs, m)
	}
	if err := rows.Err(); err != nil {
		return read, skipped, fmt.Errorf("iterate shard: %w", err)
	}
	return read, skipped, nil
}
