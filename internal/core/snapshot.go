package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/golang/snappy"
	"go.uber.org/zap"

	"github.com/breathsync/breathsync/internal/model"
)

// ErrCacheMiss means the key does not exist or has expired.
var ErrCacheMiss = errors.New("cache miss")

// KVStore is the key/value store history snapshots are written to.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// RedisKVStore is a KVStore on go-redis.
type RedisKVStore struct {
	client *redis.Client
}

func NewRedisKVStore(client *redis.Client) *RedisKVStore {
	return &RedisKVStore{client: client}
}

func (r *RedisKVStore) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", ErrCacheMiss
		}
		return "", err
	}
	return val, nil
}

func (r *RedisKVStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

const snapshotKeyPrefix = "breathsync:history:"

// SnapshotKey is the KV key of a profile's history snapshot.
func SnapshotKey(profileID string) string {
	if profileID == "" {
		profileID = "default"
	}
	return snapshotKeyPrefix + profileID
}

// HistorySnapshot is a stored copy of the cached history window.
type HistorySnapshot struct {
	ProfileID string             `json:"profile_id"`
	TakenAt   time.Time          `json:"taken_at"`
	Days      []model.HistoryDay `json:"days"`
}

// SnapshotManager writes the history window to the KV store after every
// refresh so other processes can read it without the encrypted store.
type SnapshotManager struct {
	kv     KVStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewSnapshotManager creates a snapshot manager. A zero ttl keeps snapshots forever.
func NewSnapshotManager(kv KVStore, ttl time.Duration, logger *zap.Logger) *SnapshotManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SnapshotManager{kv: kv, ttl: ttl, logger: logger}
}

// Save stores days as the snapshot for profileID.
func (sm *SnapshotManager) Save(ctx context.Context, profileID string, takenAt time.Time, days []model.HistoryDay) error {
	snap := HistorySnapshot{ProfileID: profileID, TakenAt: takenAt, Days: days}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	compressed := snappy.Encode(nil, data)
	if err := sm.kv.Set(ctx, SnapshotKey(profileID), string(compressed), sm.ttl); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}

	sm.logger.Debug("history snapshot stored",
		zap.String("profile_id", profileID),
		zap.Int("days", len(days)),
		zap.Int("bytes", len(compressed)))
	return nil
}

// Load returns the snapshot for profileID or ErrCacheMiss.
func (sm *SnapshotManager) Load(ctx context.Context, profileID string) (*HistorySnapshot, error) {
	val, err := sm.kv.Get(ctx, SnapshotKey(profileID))
	if err != nil {
		return nil, err
	}

	data, err := snappy.Decode(nil, []byte(val))
	if err != nil {
		return nil, fmt.Errorf("failed to decompress snapshot: %w", err)
	}
	var snap HistorySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}
