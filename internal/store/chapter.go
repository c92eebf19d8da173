package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ChapterStore is the CRUD surface for chapters.
type ChapterStore struct {
	pool *pgxpool.Pool
}

func NewChapterStore(pool *pgxpool.Pool) *ChapterStore {
	return &ChapterStore{pool: pool}
}

func (s *ChapterStore) Create(ctx context.Context, c *Chapter) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO chapters (novel_id, index, title, content, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, now(), now()) RETURNING id`,
		c.NovelID, c.Index, c.Title, c.Content,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: create chapter: %w", err)
	}
	return id, nil
}

func (s *ChapterStore) Get(ctx context.Context, id int64) (*Chapter, error) {
	var c Chapter
	err := s.pool.QueryRow(ctx,
		`SELECT id, novel_id, index, title, content, created_at, updated_at FROM chapters WHERE id = $1`, id,
	).Scan(&c.ID, &c.NovelID, &c.Index, &c.Title, &c.Content, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get chapter: %w", err)
	}
	return &c, nil
}

// ListByNovel returns a novel's chapters ordered by index, content
// omitted (callers fetch content per-chapter via Get to avoid loading
// an entire novel's text at once).
func (s *ChapterStore) ListByNovel(ctx context.Context, novelID int64) ([]*Chapter, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, novel_id, index, title, created_at, updated_at
		 FROM chapters WHERE novel_id = $1 ORDER BY index`, novelID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list chapters: %w", err)
	}
	defer rows.Close()

	var out []*Chapter
	for rows.Next() {
		var c Chapter
		if err := rows.Scan(&c.ID, &c.NovelID, &c.Index, &c.Title, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan chapter: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (s *ChapterStore) CountByNovel(ctx context.Context, novelID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM chapters WHERE novel_id = $1`, novelID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count chapters: %w", err)
	}
	return n, nil
}
