package repository

import (
	"context"
	"fmt"

	"github.com/linea-world-id/state-bridge-relayer/config"
	"github.com/linea-world-id/state-bridge-relayer/db"
	"github.com/linea-world-id/state-bridge-relayer/entity"
	"github.com/linea-world-id/state-bridge-relayer/repository/leveldb"
	"github.com/linea-world-id/state-bridge-relayer/repository/postgres"
)

const messagesTable = "messages"

// OpenMessagesRepo opens the message ledger backend selected in the config.
// The postgres backend applies pending migrations before use.
func OpenMessagesRepo(ctx context.Context, cfg *config.Config) (entity.MessagesRepo, error) {
	switch cfg.Ledger.Driver {
	case config.LedgerDriverLevelDB:
		return leveldb.OpenMessagesRepo(cfg.Ledger.Path)
	case config.LedgerDriverPostgres:
		conn, err := db.ConnectToDBAndMigrate(ctx, cfg.DBConfig)
		if err != nil {
			return nil, err
		}
		return postgres.NewMessagesRepo(messagesTable, conn), nil
	default:
		return nil, fmt.Errorf("%w: unknown ledger driver %q", config.ErrInvalidConfig, cfg.Ledger.Driver)
	}
}
