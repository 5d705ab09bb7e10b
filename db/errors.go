package db

import (
	"github.com/linea-world-id/state-bridge-relayer/entity"
)

// ErrNotFound is returned by GetContext when no rows match.
var ErrNotFound = entity.ErrNotFound
