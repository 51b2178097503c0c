package connection

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/strata-data/strata/pkg/config"
	duck "github.com/strata-data/strata/pkg/duckdb"
	"github.com/strata-data/strata/pkg/merge"
	"github.com/strata-data/strata/pkg/postgres"
	"github.com/strata-data/strata/pkg/query"
	"github.com/strata-data/strata/pkg/snapshot"
)

// Connection is the tabular read/write surface a load runs against,
// regardless of the engine behind it.
type Connection interface {
	SelectExtract(ctx context.Context, q *query.Query) (*snapshot.Extract, error)
	TableColumns(ctx context.Context, table string) ([]string, error)
	Watermark(ctx context.Context, table, column string) (*time.Time, error)
	Begin(ctx context.Context) (merge.Tx, error)
}

type Manager struct {
	mutex       sync.RWMutex
	connections map[string]Connection
}

func NewManager() *Manager {
	return &Manager{connections: make(map[string]Connection)}
}

// NewManagerFromConfig instantiates a client per configured connection.
func NewManagerFromConfig(ctx context.Context, cfg *config.Config) (*Manager, error) {
	manager := NewManager()

	for _, conn := range cfg.Connections.DuckDB {
		client, err := duck.NewClient(duck.Config{Path: conn.Path})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open the duckdb connection '%s'", conn.Name)
		}
		manager.Add(conn.Name, client)
	}

	for _, conn := range cfg.Connections.Postgres {
		client, err := postgres.NewClient(ctx, postgres.Config{
			Username: conn.Username,
			Password: conn.Password,
			Host:     conn.Host,
			Port:     conn.Port,
			Database: conn.Database,
			Schema:   conn.Schema,
			SSLMode:  conn.SSLMode,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open the postgres connection '%s'", conn.Name)
		}
		manager.Add(conn.Name, client)
	}

	return manager, nil
}

func (m *Manager) Add(name string, conn Connection) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.connections[name] = conn
}

// GetConnection returns the named connection, or nil when it is not
// configured.
func (m *Manager) GetConnection(name string) Connection {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.connections[name]
}
