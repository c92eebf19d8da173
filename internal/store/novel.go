package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// NovelStore is the CRUD surface for novels.
type NovelStore struct {
	pool *pgxpool.Pool
}

func NewNovelStore(pool *pgxpool.Pool) *NovelStore {
	return &NovelStore{pool: pool}
}

func (s *NovelStore) Create(ctx context.Context, n *Novel) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO novels (title, author, created_at, updated_at)
		 VALUES ($1, $2, now(), now()) RETURNING id`,
		n.Title, n.Author,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("store: create novel: %w", err)
	}
	return id, nil
}

func (s *NovelStore) Get(ctx context.Context, id int64) (*Novel, error) {
	var n Novel
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, author, created_at, updated_at FROM novels WHERE id = $1`, id,
	).Scan(&n.ID, &n.Title, &n.Author, &n.CreatedAt, &n.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get novel: %w", err)
	}
	return &n, nil
}

func (s *NovelStore) List(ctx context.Context) ([]*Novel, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, title, author, created_at, updated_at FROM novels ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("store: list novels: %w", err)
	}
	defer rows.Close()

	var out []*Novel
	for rows.Next() {
		var n Novel
		if err := rows.Scan(&n.ID, &n.Title, &n.Author, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan novel: %w", err)
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}
