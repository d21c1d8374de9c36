// Package redis persists the monitored precipitation document as a Redis hash.
// Scalars are stored as their plain text form; nested documents as JSON.
// Null fields are left out of the hash.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/couchcryptid/precip-forecast-etl/internal/config"
	"github.com/couchcryptid/precip-forecast-etl/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// Store implements pipeline.Store with one hash per document at keyPrefix+id.
type Store struct {
	client    *goredis.Client
	keyPrefix string
	logger    *slog.Logger
}

// Connect creates a client for cfg.RedisAddr and pings it.
func Connect(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	logger.Info("redis connected", "addr", cfg.RedisAddr, "db", cfg.RedisDB, "key_prefix", cfg.RedisKeyPrefix)
	return New(client, cfg.RedisKeyPrefix, logger), nil
}

// New wraps an existing client.
func New(client *goredis.Client, keyPrefix string, logger *slog.Logger) *Store {
	return &Store{client: client, keyPrefix: keyPrefix, logger: logger}
}

// Replace swaps the whole hash atomically.
func (s *Store) Replace(ctx context.Context, id string, doc domain.Document) error {
	set, _, err := encodeFields(doc)
	if err != nil {
		return err
	}
	key := s.key(id)
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(set) > 0 {
			pipe.HSet(ctx, key, set)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis replace %s: %w", key, err)
	}
	return nil
}

// Merge sets the given fields and removes those whose value is nil.
func (s *Store) Merge(ctx context.Context, id string, fields domain.Document) error {
	set, unset, err := encodeFields(fields)
	if err != nil {
		return err
	}
	key := s.key(id)
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if len(set) > 0 {
			pipe.HSet(ctx, key, set)
		}
		if len(unset) > 0 {
			pipe.HDel(ctx, key, unset...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis merge %s: %w", key, err)
	}
	return nil
}

// Get returns the raw hash for document id.
func (s *Store) Get(ctx context.Context, id string) (map[string]string, error) {
	values, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", s.key(id), err)
	}
	return values, nil
}

// Ping checks that the server is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(id string) string {
	return s.keyPrefix + id
}

func encodeFields(doc domain.Document) (map[string]any, []string, error) {
	set := make(map[string]any, len(doc))
	var unset []string
	for k, v := range doc {
		if v == nil {
			unset = append(unset, k)
			continue
		}
		s, err := encodeValue(v)
		if err != nil {
			return nil, nil, fmt.Errorf("encode field %s: %w", k, err)
		}
		set[k] = s
	}
	return set, unset, nil
}

func encodeValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}
