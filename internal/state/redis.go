package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/page-colorizer/internal/models"
	"github.com/feichai0017/page-colorizer/pkg/logger"
)

const defaultUpdateRetries = 10

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
	PoolSize int    `yaml:"pool_size" mapstructure:"pool_size"`
	Prefix   string `yaml:"prefix" mapstructure:"prefix"`
}

// RedisStore keeps one JSON document per id under <prefix>state:<id> and a
// set of known ids under <prefix>states.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	retries int
	logger  logger.Logger
	now     func() time.Time
}

// NewRedisClient connects and pings.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func NewRedisStore(client redis.UniversalClient, prefix string, log logger.Logger) *RedisStore {
	if prefix == "" {
		prefix = "colorizer:"
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		retries: defaultUpdateRetries,
		logger:  log,
		now:     time.Now,
	}
}

func (r *RedisStore) key(documentID string) string {
	return r.prefix + "state:" + documentID
}

func (r *RedisStore) indexKey() string {
	return r.prefix + "states"
}

func (r *RedisStore) Get(ctx context.Context, documentID string) (*models.ProcessingState, error) {
	data, err := r.client.Get(ctx, r.key(documentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get state from redis: %w", err)
	}
	return decodeState(data)
}

func (r *RedisStore) Put(ctx context.Context, s *models.ProcessingState) error {
	if err := validateForWrite(s); err != nil {
		return err
	}
	key := r.key(s.DocumentID)

	// keep the original creation time when overwriting
	if s.CreatedAt.IsZero() {
		if prev, err := r.Get(ctx, s.DocumentID); err == nil {
			s.CreatedAt = prev.CreatedAt
		}
	}
	stamp(s, r.now())

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		pipe.SAdd(ctx, r.indexKey(), s.DocumentID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save state to redis: %w", err)
	}
	return nil
}

// Update runs fn inside a WATCH/MULTI transaction and retries when another
// writer touched the key in between.
func (r *RedisStore) Update(ctx context.Context, documentID string, fn UpdateFunc) (*models.ProcessingState, error) {
	key := r.key(documentID)
	var result *models.ProcessingState

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get state from redis: %w", err)
		}

		s, err := decodeState(data)
		if err != nil {
			return err
		}
		if err := applyUpdate(s, documentID, fn); err != nil {
			return err
		}
		stamp(s, r.now())

		out, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("failed to marshal state: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = s
		return nil
	}

	for attempt := 0; attempt < r.retries; attempt++ {
		err := r.client.Watch(ctx, txf, key)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		r.logger.Debug("State update conflicted, retrying",
			logger.String("documentId", documentID),
			logger.Int("attempt", attempt+1),
		)
	}
	return nil, fmt.Errorf("failed to update state %s: too many concurrent writers", documentID)
}

func (r *RedisStore) Delete(ctx context.Context, documentID string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key(documentID))
		pipe.SRem(ctx, r.indexKey(), documentID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete state from redis: %w", err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context) ([]*models.ProcessingState, error) {
	ids, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list state ids: %w", err)
	}
	if len(ids) == 0 {
		return []*models.ProcessingState{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load states: %w", err)
	}

	out := make([]*models.ProcessingState, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// index entry without a value; a delete raced with the listing
			continue
		}
		s, err := decodeState([]byte(raw))
		if err != nil {
			r.logger.Warn("Skipping unreadable state",
				logger.String("documentId", ids[i]),
				logger.Error(err),
			)
			continue
		}
		out = append(out, s)
	}
	sortNewestFirst(out)
	return out, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func decodeState(data []byte) (*models.ProcessingState, error) {
	var s models.ProcessingState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &s, nil
}
