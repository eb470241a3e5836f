package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	"agentfs/internal/common"
	"agentfs/internal/util"
)

// BunDB wraps a Bun database instance for type-safe queries.
type BunDB struct {
	*bun.DB
}

// NewBunDB wraps an existing *sql.DB with Bun's type-safe query builder.
func NewBunDB(sqlDB *sql.DB) *BunDB {
	return &BunDB{DB: bun.NewDB(sqlDB, sqlitedialect.New())}
}

// sqliteSpill stores block payloads in a libsql database.
type sqliteSpill struct {
	db *BunDB
}

func openSQLiteSpill(ctx context.Context, path string) (*sqliteSpill, error) {
	sqlDB, err := sql.Open("libsql", BuildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to create spill database: %w", err)
	}
	if err := applyPragmas(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	db := NewBunDB(sqlDB)
	for _, model := range []any{(*SchemaInfoModel)(nil), (*SpillBlockModel)(nil)} {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create spill schema: %w", err)
		}
	}
	if _, err := db.NewInsert().
		Model(&SchemaInfoModel{Key: "version", Value: SchemaVersion}).
		On("CONFLICT (key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Exec(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to write schema info: %w", err)
	}
	return &sqliteSpill{db: db}, nil
}

func (s *sqliteSpill) put(ctx context.Context, id BlockID, payload []byte) error {
	return util.Retry(ctx, func() error {
		_, err := s.db.NewInsert().
			Model(&SpillBlockModel{
				ID:        int64(id),
				Payload:   payload,
				Size:      int64(len(payload)),
				CreatedAt: time.Now(),
			}).
			On("CONFLICT (id) DO UPDATE").
			Set("payload = EXCLUDED.payload").
			Set("size = EXCLUDED.size").
			Exec(ctx)
		return err
	}, util.DatabaseRetryOptions(ctx)...)
}

func (s *sqliteSpill) get(ctx context.Context, id BlockID) ([]byte, error) {
	return util.RetryWithResult(ctx, func() ([]byte, error) {
		var m SpillBlockModel
		err := s.db.NewSelect().
			Model(&m).
			Where("id = ?", int64(id)).
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.Invariant("spilled block %d missing from spill database", id)
		}
		if err != nil {
			return nil, err
		}
		return m.Payload, nil
	}, util.DatabaseRetryOptions(ctx)...)
}

func (s *sqliteSpill) del(ctx context.Context, id BlockID) error {
	return util.Retry(ctx, func() error {
		_, err := s.db.NewDelete().
			Model((*SpillBlockModel)(nil)).
			Where("id = ?", int64(id)).
			Exec(ctx)
		return err
	}, util.DatabaseRetryOptions(ctx)...)
}

func (s *sqliteSpill) close() error {
	return s.db.Close()
}
