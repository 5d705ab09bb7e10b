package postgres

import (
	"fmt"

	"github.com/linea-world-id/state-bridge-relayer/db"
	"github.com/linea-world-id/state-bridge-relayer/entity"
)

type basePostgresRepo struct {
	table string
	db    *db.DB
}

func newBasePostgresRepo(table string, db *db.DB) *basePostgresRepo {
	return &basePostgresRepo{
		table: table,
		db:    db,
	}
}

func persistenceError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", entity.ErrPersistence, op, err)
}
