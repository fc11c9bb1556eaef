// Package retention provides PostgreSQL-backed short-window event storage
// for relay daemons. Events are ephemeral: the store exists so restarts and
// late subscribers can be served backfill, and a garbage collector drops
// everything past the retention window or the event's own expiry tag.
package retention

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lib/pq"

	"github.com/driftchat/drift/internal/event"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultWindow is how long events are retained when no window is
// configured. Announcements self-expire much sooner; the window bounds chat
// messages and stragglers.
const DefaultWindow = 2 * time.Hour

// Store persists events in PostgreSQL for the retention window.
type Store struct {
	db     *sql.DB
	window time.Duration
}

// NewStore opens the database, verifies the connection, and applies
// pending schema migrations. window <= 0 selects DefaultWindow.
func NewStore(dsn string, window time.Duration) (*Store, error) {
	if window <= 0 {
		window = DefaultWindow
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("retention: open database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("retention: database unreachable: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, window: window}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("retention: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("retention: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("retention: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("retention: migrate up: %w", err)
	}
	return nil
}

// Save inserts an event. Duplicate ids are ignored: at-least-once publish
// means the same event can arrive through several connections.
func (s *Store) Save(ctx context.Context, ev *event.Event) error {
	tags, err := json.Marshal(ev.Tags)
	if err != nil {
		return fmt.Errorf("retention: marshal tags: %w", err)
	}

	var expiry int64
	if raw := ev.TagValue(event.TagExpiry); raw != "" {
		expiry, _ = strconv.ParseInt(raw, 10, 64)
	}

	const query = `
		INSERT INTO events (id, kind, created_at, pubkey, tags, content, sig, expiry)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`

	_, err = s.db.ExecContext(ctx, query,
		ev.ID, ev.Kind, ev.CreatedAt, ev.PubKey, tags, ev.Content, ev.Sig, expiry)
	if err != nil {
		return fmt.Errorf("retention: insert: %w", err)
	}
	return nil
}

// Query returns up to limit stored events matching the filter, oldest
// first. Kind, author, and since predicates narrow the scan in SQL; the
// tag predicates are applied in Go after decoding, since tags live in a
// JSONB column.
func (s *Store) Query(ctx context.Context, f event.Filter, limit int) ([]*event.Event, error) {
	query := `
		SELECT id, kind, created_at, pubkey, tags, content, sig
		FROM events
		WHERE ($1 = 0 OR kind = ANY($2))
		  AND ($3 = 0 OR pubkey = ANY($4))
		  AND created_at >= $5
		ORDER BY created_at ASC`

	kinds := make([]int64, len(f.Kinds))
	for i, k := range f.Kinds {
		kinds[i] = int64(k)
	}

	rows, err := s.db.QueryContext(ctx, query,
		len(f.Kinds), pq.Array(kinds),
		len(f.Authors), pq.Array(f.Authors),
		f.Since)
	if err != nil {
		return nil, fmt.Errorf("retention: query: %w", err)
	}
	defer rows.Close()

	var out []*event.Event
	for rows.Next() {
		var ev event.Event
		var tags []byte
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.CreatedAt, &ev.PubKey, &tags, &ev.Content, &ev.Sig); err != nil {
			return nil, fmt.Errorf("retention: scan: %w", err)
		}
		if err := json.Unmarshal(tags, &ev.Tags); err != nil {
			continue // skip corrupt rows rather than failing the query
		}
		if !f.Matches(&ev) {
			continue
		}
		out = append(out, &ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

// PurgeExpired deletes events past the retention window or past their own
// expiry tag. Returns the number of rows removed.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	const query = `
		DELETE FROM events
		WHERE received_at < $1
		   OR (expiry > 0 AND expiry < $2)`

	res, err := s.db.ExecContext(ctx, query, now.Add(-s.window), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("retention: purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// StartGC runs PurgeExpired on the given interval until the context is
// canceled.
func (s *Store) StartGC(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				gcCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				n, err := s.PurgeExpired(gcCtx, time.Now())
				cancel()
				if err != nil {
					log.Printf("[retention] gc: %v", err)
				} else if n > 0 {
					log.Printf("[retention] gc removed %d expired events", n)
				}
			}
		}
	}()
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
