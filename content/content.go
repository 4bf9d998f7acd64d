// Package content is the SQLite-backed post store the engine publishes into.
package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"dealdrip/pkg/deal"
)

// ErrNotFound is returned when no post has the requested id.
var ErrNotFound = errors.New("post not found")

const schema = `
CREATE TABLE IF NOT EXISTS posts (
	id TEXT PRIMARY KEY,
	product_id TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	tracking_link TEXT NOT NULL UNIQUE,   -- idempotency key for create
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	image_link TEXT NOT NULL DEFAULT '',
	advertiser_id TEXT NOT NULL DEFAULT '',
	advertiser_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	price REAL NOT NULL DEFAULT 0,
	sale_price REAL NOT NULL DEFAULT 0,
	discount_tag INTEGER NOT NULL DEFAULT 0,
	archived INTEGER NOT NULL DEFAULT 0,
	archived_at INTEGER,                  -- unix seconds
	publish_at INTEGER NOT NULL,          -- unix seconds
	scheduled_at INTEGER NOT NULL,        -- unix seconds
	created_at INTEGER NOT NULL           -- unix seconds
)`

var indexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_posts_fingerprint ON posts(fingerprint)",
	"CREATE INDEX IF NOT EXISTS idx_posts_product ON posts(product_id)",
	"CREATE INDEX IF NOT EXISTS idx_posts_scheduled ON posts(scheduled_at)",
	"CREATE INDEX IF NOT EXISTS idx_posts_archived ON posts(archived, publish_at)",
}

const postColumns = `id, product_id, fingerprint, tracking_link, title, description, image_link,
	advertiser_id, advertiser_name, status, price, sale_price, discount_tag, archived,
	archived_at, publish_at, scheduled_at, created_at`

// Store is the post table.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	logger.Debug("Initializing content database", "path", path)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create posts table: %w", err)
	}
	for _, stmt := range indexes {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create posts index: %w", err)
		}
	}

	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Exists returns the id of the post carrying trackingLink.
func (s *Store) Exists(ctx context.Context, trackingLink string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, "SELECT id FROM posts WHERE tracking_link = ?", trackingLink).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query post by link: %w", err)
	}
	return id, true, nil
}

// Create inserts a post for p. Creating the same tracking link twice returns
// the existing id with created=false. Failures are *deal.PersistError.
func (s *Store) Create(ctx context.Context, p *deal.Product, adv deal.Advertiser, sched deal.Schedule) (id string, created bool, err error) {
	now := s.now()
	when := sched.When
	if when.IsZero() {
		when = now
	}
	status := sched.Status
	if status == "" {
		status = deal.StatusPublish
	}

	id = uuid.NewString()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO posts (`+postColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?, ?)
		ON CONFLICT(tracking_link) DO NOTHING`,
		id, p.ID, p.Fingerprint(), p.TrackingLink, p.Title, p.Description, p.ImageLink,
		p.AdvertiserID, adv.DisplayName, string(status), p.Price, p.SalePrice, p.RoundedDiscount(),
		when.Unix(), when.Unix(), now.Unix())
	if err != nil {
		return "", false, &deal.PersistError{Op: "create", Err: err}
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", false, &deal.PersistError{Op: "create", Err: err}
	}
	if n == 0 {
		existing, ok, err := s.Exists(ctx, p.TrackingLink)
		if err != nil {
			return "", false, &deal.PersistError{Op: "create", Err: err}
		}
		if !ok {
			return "", false, &deal.PersistError{Op: "create", Err: errors.New("conflicting post vanished")}
		}
		s.logger.Info("Post already exists for tracking link", "post_id", existing, "product_id", p.ID)
		return existing, false, nil
	}

	s.logger.Info("Post created", "post_id", id, "product_id", p.ID, "status", status, "publish_at", when)
	return id, true, nil
}

func (s *Store) setArchived(ctx context.Context, op, id string, archived bool, now time.Time) error {
	var res sql.Result
	var err error
	if archived {
		res, err = s.db.ExecContext(ctx,
			"UPDATE posts SET archived = 1, archived_at = ? WHERE id = ? AND archived = 0", now.Unix(), id)
	} else {
		res, err = s.db.ExecContext(ctx,
			"UPDATE posts SET archived = 0, archived_at = NULL, publish_at = ?, status = ? WHERE id = ? AND archived = 1",
			now.Unix(), string(deal.StatusPublish), id)
	}
	if err != nil {
		return &deal.PersistError{Op: op, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &deal.PersistError{Op: op, Err: err}
	}
	if n == 0 {
		return deal.ErrRaceSkip
	}
	return nil
}

// Archive flags the post as archived, keeping its content. Archiving an
// already-archived post returns deal.ErrRaceSkip.
func (s *Store) Archive(ctx context.Context, id string, now time.Time) error {
	return s.setArchived(ctx, "archive", id, true, now)
}

// Reactivate clears the archive flag and moves the publish time to now.
// Reactivating a live post returns deal.ErrRaceSkip.
func (s *Store) Reactivate(ctx context.Context, id string, now time.Time) error {
	return s.setArchived(ctx, "reactivate", id, false, now)
}

// Get returns one post.
func (s *Store) Get(ctx context.Context, id string) (*deal.Post, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+postColumns+" FROM posts WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("query post: %w", err)
	}
	posts, err := scanPosts(rows)
	if err != nil {
		return nil, err
	}
	if len(posts) == 0 {
		return nil, ErrNotFound
	}
	return &posts[0], nil
}

// Delete removes a post and returns what was deleted.
func (s *Store) Delete(ctx context.Context, id string) (*deal.Post, error) {
	post, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM posts WHERE id = ?", id); err != nil {
		return nil, &deal.PersistError{Op: "delete", Err: err}
	}
	s.logger.Info("Post deleted", "post_id", id, "product_id", post.ProductID)
	return post, nil
}

// ListByArchived returns every post with the given archive flag.
func (s *Store) ListByArchived(ctx context.Context, archived bool) ([]deal.Post, error) {
	flag := 0
	if archived {
		flag = 1
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+postColumns+" FROM posts WHERE archived = ? ORDER BY publish_at", flag)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	return scanPosts(rows)
}

// ScheduledBetween returns the slots of posts scheduled in [start, end), ascending.
func (s *Store) ScheduledBetween(ctx context.Context, start, end time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT scheduled_at FROM posts WHERE scheduled_at >= ? AND scheduled_at < ? ORDER BY scheduled_at",
		start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("query scheduled posts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var slots []time.Time
	for rows.Next() {
		var unix int64
		if err := rows.Scan(&unix); err != nil {
			return nil, fmt.Errorf("scan scheduled post: %w", err)
		}
		slots = append(slots, time.Unix(unix, 0).UTC())
	}
	return slots, rows.Err()
}

// CountPublishedBetween counts posts whose publish time is in [start, end).
// Reactivated posts count on the day they came back.
func (s *Store) CountPublishedBetween(ctx context.Context, start, end time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM posts WHERE publish_at >= ? AND publish_at < ?",
		start.Unix(), end.Unix()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count posts by date: %w", err)
	}
	return n, nil
}

// CountArchived returns the number of archived posts.
func (s *Store) CountArchived(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM posts WHERE archived = 1").Scan(&n); err != nil {
		return 0, fmt.Errorf("count archived posts: %w", err)
	}
	return n, nil
}

// FingerprintLive reports whether any post still carries fingerprint.
func (s *Store) FingerprintLive(ctx context.Context, fingerprint string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM posts WHERE fingerprint = ? LIMIT 1", fingerprint).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query fingerprint: %w", err)
	}
	return true, nil
}

// PromoteDue flips future posts whose time has come to publish and returns them.
func (s *Store) PromoteDue(ctx context.Context, now time.Time) ([]deal.Post, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+postColumns+" FROM posts WHERE status = ? AND publish_at <= ? ORDER BY publish_at",
		string(deal.StatusFuture), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("query due posts: %w", err)
	}
	due, err := scanPosts(rows)
	if err != nil {
		return nil, err
	}

	var promoted []deal.Post
	for _, p := range due {
		res, err := s.db.ExecContext(ctx, "UPDATE posts SET status = ? WHERE id = ? AND status = ?",
			string(deal.StatusPublish), p.ID, string(deal.StatusFuture))
		if err != nil {
			return promoted, &deal.PersistError{Op: "promote", Err: err}
		}
		if n, _ := res.RowsAffected(); n == 1 {
			p.Status = deal.StatusPublish
			promoted = append(promoted, p)
		}
	}
	return promoted, nil
}

// Live returns published, non-archived posts with publish time at or before
// now, newest first.
func (s *Store) Live(ctx context.Context, now time.Time, limit int) ([]deal.Post, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+postColumns+" FROM posts WHERE archived = 0 AND publish_at <= ? ORDER BY publish_at DESC LIMIT ?",
		now.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query live posts: %w", err)
	}
	return scanPosts(rows)
}

// PublishedBetween returns posts whose publish time is in [start, end).
func (s *Store) PublishedBetween(ctx context.Context, start, end time.Time) ([]deal.Post, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+postColumns+" FROM posts WHERE publish_at >= ? AND publish_at < ? ORDER BY publish_at",
		start.Unix(), end.Unix())
	if err != nil {
		return nil, fmt.Errorf("query posts by date: %w", err)
	}
	return scanPosts(rows)
}

func scanPosts(rows *sql.Rows) ([]deal.Post, error) {
	defer func() { _ = rows.Close() }()

	var posts []deal.Post
	for rows.Next() {
		var p deal.Post
		var status string
		var archived int
		var archivedAt sql.NullInt64
		var publishAt, scheduledAt, createdAt int64
		err := rows.Scan(&p.ID, &p.ProductID, &p.Fingerprint, &p.TrackingLink, &p.Title, &p.Description,
			&p.ImageLink, &p.AdvertiserID, &p.AdvertiserName, &status, &p.Price, &p.SalePrice,
			&p.DiscountTag, &archived, &archivedAt, &publishAt, &scheduledAt, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		p.Status = deal.PostStatus(status)
		p.Archived = archived == 1
		if archivedAt.Valid {
			t := time.Unix(archivedAt.Int64, 0).UTC()
			p.ArchivedAt = &t
		}
		p.PublishAt = time.Unix(publishAt, 0).UTC()
		p.ScheduledAt = time.Unix(scheduledAt, 0).UTC()
		p.CreatedAt = time.Unix(createdAt, 0).UTC()
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}
