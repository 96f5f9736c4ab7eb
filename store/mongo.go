package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readconcern"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"
	"go.uber.org/zap"

	"github.com/nuvalabs/playersync/types"
)

// MongoStore persists snapshots in a MongoDB collection, one document
// per entity keyed by the "uuid" field.
//
// The client is tuned for write throughput over strict durability:
// w=1 without journaling, primary-preferred reads, local read concern
// and zlib wire compression. Snapshots are small and frequently
// rewritten; losing the very last write on a primary crash is an
// accepted trade-off here (the engine's own crash supervisor narrows
// the window).
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	logger *zap.Logger
	closed atomic.Bool
}

// NewMongoStore connects to MongoDB and verifies connectivity with a ping.
func NewMongoStore(ctx context.Context, cfg MongoConfig, logger *zap.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	journal := false
	opts := options.Client().
		ApplyURI(cfg.BuildURI()).
		SetMaxPoolSize(cfg.MaxPoolSize).
		SetMinPoolSize(cfg.MinPoolSize).
		SetMaxConnIdleTime(cfg.MaxConnIdleTime).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ServerSelectionTimeout).
		SetTimeout(cfg.SocketTimeout).
		SetCompressors([]string{"zlib"}).
		SetWriteConcern(&writeconcern.WriteConcern{W: 1, Journal: &journal}).
		SetReadPreference(readpref.PrimaryPreferred()).
		SetReadConcern(readconcern.Local())

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, connectivityError("mongodb connect", err)
	}

	s := &MongoStore{
		client: client,
		coll:   client.Database(cfg.Database).Collection(cfg.Collection),
		logger: logger.With(zap.String("component", "mongo_store")),
	}

	if err := s.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	s.logger.Info("mongodb connected",
		zap.String("database", cfg.Database),
		zap.String("collection", cfg.Collection),
		zap.Uint64("max_pool_size", cfg.MaxPoolSize))

	return s, nil
}

// EnsureIndexes creates the query indexes: the primary unique id index,
// an id+last_updated compound for cleanup queries, and a sparse
// last_updated index for sweeps over recently active entities.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "uuid", Value: 1}},
			Options: options.Index().SetName("uuid_primary").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "uuid", Value: 1}, {Key: "last_updated", Value: -1}},
			Options: options.Index().SetName("uuid_lastupdate_compound"),
		},
		{
			Keys:    bson.D{{Key: "last_updated", Value: -1}},
			Options: options.Index().SetName("lastupdate_sparse").SetSparse(true),
		},
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, models); err != nil {
		return connectivityError("create indexes", err)
	}
	return nil
}

// Upsert implements Store.
func (s *MongoStore) Upsert(ctx context.Context, snap *types.Snapshot) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	_, err := s.coll.ReplaceOne(ctx,
		bson.D{{Key: "uuid", Value: string(snap.ID)}},
		snap,
		options.Replace().SetUpsert(true))
	if err != nil {
		return connectivityError("upsert", err)
	}
	return nil
}

// BulkUpsert implements Store. The bulk call is unordered for speed;
// callers must have already collapsed duplicate ids to the latest
// snapshot.
func (s *MongoStore) BulkUpsert(ctx context.Context, snaps []*types.Snapshot) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if len(snaps) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, 0, len(snaps))
	for _, snap := range snaps {
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "uuid", Value: string(snap.ID)}}).
			SetReplacement(snap).
			SetUpsert(true))
	}

	if _, err := s.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		return connectivityError(fmt.Sprintf("bulk upsert of %d snapshots", len(snaps)), err)
	}
	return nil
}

// Find implements Store.
func (s *MongoStore) Find(ctx context.Context, id types.EntityID) (*types.Snapshot, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	var snap types.Snapshot
	err := s.coll.FindOne(ctx, bson.D{{Key: "uuid", Value: string(id)}}).Decode(&snap)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, connectivityError("find", err)
	}
	return &snap, nil
}

// Delete implements Store.
func (s *MongoStore) Delete(ctx context.Context, id types.EntityID) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if _, err := s.coll.DeleteOne(ctx, bson.D{{Key: "uuid", Value: string(id)}}); err != nil {
		return connectivityError("delete", err)
	}
	return nil
}

// Exists implements Store.
func (s *MongoStore) Exists(ctx context.Context, id types.EntityID) (bool, error) {
	if s.closed.Load() {
		return false, ErrStoreClosed
	}
	n, err := s.coll.CountDocuments(ctx,
		bson.D{{Key: "uuid", Value: string(id)}},
		options.Count().SetLimit(1))
	if err != nil {
		return false, connectivityError("exists", err)
	}
	return n > 0, nil
}

// Ping implements Store.
func (s *MongoStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return connectivityError("ping", err)
	}
	return nil
}

// Close implements Store.
func (s *MongoStore) Close(ctx context.Context) error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.client.Disconnect(ctx); err != nil {
		s.logger.Warn("mongodb disconnect error", zap.Error(err))
		return err
	}
	s.logger.Info("mongodb connection closed")
	return nil
}
