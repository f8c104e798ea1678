// Package service assembles the read-only data engine: the shard registry,
// the cached contact directory and the cross-shard message aggregator.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/wesm/wxvault/internal/contacts"
	"github.com/wesm/wxvault/internal/messages"
	"github.com/wesm/wxvault/internal/model"
	"github.com/wesm/wxvault/internal/shard"
)

// Options configures Open.
type Options struct {
	// Root is the export directory holding the contact file and shards.
	Root             string
	SelfLabel        string
	ShardConcurrency int
	Logger           *slog.Logger
}

// Service answers contact, message and status queries against one
// export directory.
type Service struct {
	root        string
	contactPath string
	logger      *slog.Logger
	registry    *shard.Registry
	source      *contacts.Source
	directory   *contacts.Directory
	aggregator  *messages.Aggregator
	startedAt   time.Time
	now         func() time.Time
}

// Conversation is one page of a contact's history.
type Conversation struct {
	ContactID   string
	DisplayName string
	Total       int64
	Messages    []model.Message
}

// Location describes where a contact's messages are stored.
type Location struct {
	ContactID string
	Table     string
	Shards    []ShardCount
}

// ShardCount is the number of rows a shard holds for one table.
type ShardCount struct {
	Path  string
	Count int64
}

// Status is a point-in-time view of the service.
type Status struct {
	Connected   bool
	Root        string
	ContactPath string
	Cache       contacts.Status
	Shards      shard.Stats
	StartedAt   time.Time
	Uptime      time.Duration
}

// Open validates the export directory and opens the contact file. A
// missing root or contact file is an error; having no shards is not.
func Open(opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	info, err := os.Stat(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("db path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("db path %s is not a directory", opts.Root)
	}

	registry := shard.NewRegistry(opts.Root).WithLogger(logger)
	layout, err := registry.Discover()
	if err != nil {
		return nil, err
	}
	db, err := registry.Open(layout.ContactDB)
	if err != nil {
		registry.Close()
		return nil, fmt.Errorf("open contact file: %w", err)
	}

	source := contacts.NewSource(db).WithLogger(logger)
	s := &Service{
		root:        opts.Root,
		contactPath: layout.ContactDB,
		logger:      logger,
		registry:    registry,
		source:      source,
		directory:   contacts.NewDirectory(source).WithLogger(logger),
		aggregator: messages.New(registry, source).
			WithLogger(logger).
			WithSelfLabel(opts.SelfLabel).
			WithConcurrency(opts.ShardConcurrency),
		startedAt: time.Now(),
		now:       time.Now,
	}
	logger.Info("opened export",
		"root", opts.Root,
		"contact_file", layout.ContactDB,
		"shards", len(layout.Shards))
	return s, nil
}

// Root returns the export directory.
func (s *Service) Root() string {
	return s.root
}

// Start loads the contact directory and schedules background refreshes.
// A failed initial load is logged; the next read retries it.
func (s *Service) Start(ctx context.Context, interval time.Duration) error {
	if _, err := s.directory.Refresh(ctx); err != nil {
		s.logger.Warn("initial contact load failed", "error", err)
	}
	return s.directory.Start(interval)
}

// Stop cancels background refreshes. The returned context is done once an
// in-progress refresh has finished.
func (s *Service) Stop() context.Context {
	return s.directory.Stop()
}

// Close releases every database handle.
func (s *Service) Close() error {
	return s.registry.Close()
}

// Contacts returns the current contact snapshot, loading it on first use.
func (s *Service) Contacts(ctx context.Context) (*contacts.Snapshot, error) {
	return s.directory.Get(ctx)
}

// RefreshContacts reloads the directory immediately and returns the new
// snapshot.
func (s *Service) RefreshContacts(ctx context.Context) (*contacts.Snapshot, error) {
	if _, err := s.directory.ManualRefresh(ctx); err != nil {
		return nil, err
	}
	snap := s.directory.Peek()
	if snap == nil {
		return nil, contacts.ErrNoSnapshot
	}
	return snap, nil
}

// Conversation returns the [offset, offset+limit) window of a contact's
// history, enriched with sender names, plus the total message count.
func (s *Service) Conversation(ctx context.Context, contactID string, limit, offset int) (*Conversation, error) {
	total, err := s.aggregator.Count(ctx, contactID)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	msgs, err := s.aggregator.Query(ctx, contactID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	return &Conversation{
		ContactID:   contactID,
		DisplayName: s.displayName(ctx, contactID),
		Total:       total,
		Messages:    s.aggregator.Enrich(ctx, msgs),
	}, nil
}

// displayName prefers the cached snapshot, then the contact file, which
// also knows group chats and other unlisted accounts.
func (s *Service) displayName(ctx context.Context, contactID string) string {
	if snap := s.directory.Peek(); snap != nil {
		if c, ok := snap.Lookup(contactID); ok {
			return c.DisplayName()
		}
	}
	names, err := s.source.LookupDisplayNames(ctx, []string{contactID})
	if err != nil {
		s.logger.Warn("display name lookup failed", "contact", contactID, "error", err)
	}
	if name := names[contactID]; name != "" {
		return name
	}
	return contactID
}

// Locate reports the table name for a contact and which shards hold it.
func (s *Service) Locate(ctx context.Context, contactID string) (*Location, error) {
	table := shard.TableName(contactID)
	shards, err := s.registry.Shards()
	if err != nil {
		return nil, err
	}
	loc := &Location{ContactID: contactID, Table: table, Shards: []ShardCount{}}
	for _, sh := range shards {
		ok, err := shard.HasTable(ctx, sh.DB, table)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			s.logger.Warn("shard count failed", "path", sh.Path, "error", err)
			continue
		}
		if !ok {
			continue
		}
		var n int64
		if err := sh.DB.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %q`, table)).Scan(&n); err != nil {
			s.logger.Warn("count failed", "path", sh.Path, "error", err)
			continue
		}
		loc.Shards = append(loc.Shards, ShardCount{Path: sh.Path, Count: n})
	}
	return loc, nil
}

// Status reports cache state, shard statistics and uptime.
func (s *Service) Status() Status {
	now := s.now()
	st := Status{
		Connected:   true,
		Root:        s.root,
		ContactPath: s.contactPath,
		Cache:       s.directory.Status(),
		StartedAt:   s.startedAt,
		Uptime:      now.Sub(s.startedAt),
	}
	stats, err := s.registry.Stats()
	if err != nil {
		if !errors.Is(err, shard.ErrClosed) {
			s.logger.Warn("shard stats failed", "error", err)
		}
		st.Connected = false
	}
	st.Shards = stats
	return st
}
