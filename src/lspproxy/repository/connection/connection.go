// Package connection is an entity-scoped repository of active bridge
// connections.
package connection

import (
	"context"
	"errors"
	"sync"

	"github.com/gofrs/uuid"
	tally "github.com/uber-go/tally/v4"

	"github.com/tridha643/constellagent-sub001/src/lspproxy/entity"
)

const _statActiveConnections = "active_connections"

// ErrNotFound reports that no connection exists for the given id.
var ErrNotFound = errors.New("connection not found")

// Repository is a key-value store of the currently attached connections.
type Repository interface {
	Get(ctx context.Context, id uuid.UUID) (*entity.Connection, error)
	Set(ctx context.Context, c *entity.Connection) error
	Delete(ctx context.Context, id uuid.UUID) error
	All(ctx context.Context) ([]*entity.Connection, error)
	Count(ctx context.Context) (int, error)
}

type repository struct {
	mu       sync.Mutex
	memstore map[uuid.UUID]*entity.Connection
	stats    tally.Scope
}

// New returns a repository backed by an in-memory map.
func New(stats tally.Scope) Repository {
	return &repository{
		memstore: make(map[uuid.UUID]*entity.Connection),
		stats:    stats,
	}
}

func (r *repository) Get(ctx context.Context, id uuid.UUID) (*entity.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.memstore[id]
	if !ok {
		return nil, ErrNotFound
	}
	return c, nil
}

func (r *repository) Set(ctx context.Context, c *entity.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c == nil {
		return errors.New("can't save nil connection")
	}
	r.memstore[c.UUID] = c
	r.stats.Gauge(_statActiveConnections).Update(float64(len(r.memstore)))
	return nil
}

func (r *repository) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.memstore, id)
	r.stats.Gauge(_statActiveConnections).Update(float64(len(r.memstore)))
	return nil
}

func (r *repository) All(ctx context.Context) ([]*entity.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]*entity.Connection, 0, len(r.memstore))
	for _, c := range r.memstore {
		all = append(all, c)
	}
	return all, nil
}

func (r *repository) Count(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.memstore), nil
}
