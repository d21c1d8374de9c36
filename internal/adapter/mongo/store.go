// Package mongo persists the monitored precipitation document in a MongoDB
// collection, keyed by _id.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/precip-forecast-etl/internal/config"
	"github.com/couchcryptid/precip-forecast-etl/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Store implements pipeline.Store on a single collection.
type Store struct {
	client     *mongodrv.Client
	collection *mongodrv.Collection
	logger     *slog.Logger
}

// Connect opens a client for cfg.MongoURI, pings it, and returns a Store on the
// configured database and collection.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, cfg.MongoConnectTimeout)
	defer cancel()

	client, err := mongodrv.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	logger.Info("mongo connected", "database", cfg.MongoDatabase, "collection", cfg.MongoCollection)
	return &Store{
		client:     client,
		collection: client.Database(cfg.MongoDatabase).Collection(cfg.MongoCollection),
		logger:     logger,
	}, nil
}

// Replace upserts doc as the whole document id.
func (s *Store) Replace(ctx context.Context, id string, doc domain.Document) error {
	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": id},
		toBSON(doc),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo replace %s: %w", id, err)
	}
	return nil
}

// Merge upserts document id, setting only the given top-level fields.
func (s *Store) Merge(ctx context.Context, id string, fields domain.Document) error {
	_, err := s.collection.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": toBSON(fields)},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongo merge %s: %w", id, err)
	}
	return nil
}

// Get loads document id without its _id field.
func (s *Store) Get(ctx context.Context, id string) (domain.Document, bool, error) {
	var raw bson.M
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&raw)
	if errors.Is(err, mongodrv.ErrNoDocuments) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("mongo get %s: %w", id, err)
	}
	delete(raw, "_id")
	return fromBSON(raw), true, nil
}

// Ping checks that the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func toBSON(doc domain.Document) bson.M {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		if nested, ok := v.(domain.Document); ok {
			out[k] = toBSON(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func fromBSON(m bson.M) domain.Document {
	out := make(domain.Document, len(m))
	for k, v := range m {
		out[k] = fromBSONValue(v)
	}
	return out
}

func fromBSONValue(v any) any {
	switch t := v.(type) {
	case bson.M:
		return fromBSON(t)
	case bson.D:
		out := make(domain.Document, len(t))
		for _, e := range t {
			out[e.Key] = fromBSONValue(e.Value)
		}
		return out
	case int32:
		return int(t)
	case int64:
		return int(t)
	default:
		return v
	}
}
