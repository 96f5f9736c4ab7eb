// Package store defines the durable backend contract for entity
// snapshots and provides MongoDB and in-memory implementations.
//
// The engine consumes exactly six primitives — upsert-by-id, bulk
// unordered upsert, find-by-id, delete-by-id, existence check and a
// connectivity probe — and never depends on a backend query language
// beyond them.
package store

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nuvalabs/playersync/types"
)

// Common errors
var (
	ErrNotFound    = errors.New("snapshot not found")
	ErrStoreClosed = errors.New("store is closed")
)

// Store is the backend contract. Implementations must be safe for
// concurrent use. BulkUpsert is unordered; when a batch carries several
// snapshots for the same id, the later entry wins.
type Store interface {
	// Upsert inserts or replaces the snapshot keyed by its id.
	Upsert(ctx context.Context, snap *types.Snapshot) error

	// BulkUpsert applies many upserts in one unordered backend call.
	BulkUpsert(ctx context.Context, snaps []*types.Snapshot) error

	// Find retrieves the snapshot for id, or ErrNotFound.
	Find(ctx context.Context, id types.EntityID) (*types.Snapshot, error)

	// Delete removes the snapshot for id. Missing ids are not an error.
	Delete(ctx context.Context, id types.EntityID) error

	// Exists reports whether a snapshot is stored for id.
	Exists(ctx context.Context, id types.EntityID) (bool, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close(ctx context.Context) error
}

// MongoConfig configures the MongoDB store.
type MongoConfig struct {
	// URI, when set, wins over the host/port/credential fields.
	URI string `yaml:"uri" json:"uri"`

	Host       string `yaml:"host" json:"host"`
	Port       int    `yaml:"port" json:"port"`
	Username   string `yaml:"username" json:"username"`
	Password   string `yaml:"password" json:"password"`
	AuthSource string `yaml:"auth_source" json:"auth_source"`

	Database   string `yaml:"database" json:"database"`
	Collection string `yaml:"collection" json:"collection"`

	MaxPoolSize uint64 `yaml:"max_pool_size" json:"max_pool_size"`
	MinPoolSize uint64 `yaml:"min_pool_size" json:"min_pool_size"`

	ConnectTimeout         time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
	ServerSelectionTimeout time.Duration `yaml:"server_selection_timeout" json:"server_selection_timeout"`
	SocketTimeout          time.Duration `yaml:"socket_timeout" json:"socket_timeout"`
	MaxConnIdleTime        time.Duration `yaml:"max_conn_idle_time" json:"max_conn_idle_time"`
}

// DefaultMongoConfig returns a configuration tuned for many small
// concurrent writes: a deep connection pool, short selection timeouts
// and zlib wire compression.
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		Host:                   "localhost",
		Port:                   27017,
		AuthSource:             "admin",
		Database:               "playersync",
		Collection:             "player_data",
		MaxPoolSize:            100,
		MinPoolSize:            20,
		ConnectTimeout:         5 * time.Second,
		ServerSelectionTimeout: 2 * time.Second,
		SocketTimeout:          20 * time.Second,
		MaxConnIdleTime:        15 * time.Second,
	}
}

// BuildURI assembles the connection string, URL-escaping credentials so
// special characters survive.
func (c MongoConfig) BuildURI() string {
	if c.URI != "" {
		return c.URI
	}

	var b strings.Builder
	b.WriteString("mongodb://")
	if c.Username != "" && c.Password != "" {
		b.WriteString(url.QueryEscape(c.Username))
		b.WriteByte(':')
		b.WriteString(url.QueryEscape(c.Password))
		b.WriteByte('@')
	}
	b.WriteString(c.Host)
	b.WriteByte(':')
	b.WriteString(strconv.Itoa(c.Port))
	b.WriteByte('/')
	b.WriteString(c.Database)
	if c.Username != "" && c.Password != "" {
		b.WriteString("?authSource=")
		b.WriteString(c.AuthSource)
	}
	return b.String()
}

// connectivityError wraps a backend failure in the engine taxonomy.
func connectivityError(op string, cause error) error {
	return types.NewError(types.ErrConnectivity, op+" failed").WithCause(cause).WithRetryable(true)
}
