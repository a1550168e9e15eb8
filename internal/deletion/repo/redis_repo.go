package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ovaphlow/pitchfork/service-waitlist-go/internal/deletion/entity"
)

const keyPrefix = "waitlist:deletion:"

// RedisRepo keeps one key per token hash and lets Redis expire it, so pending
// deletions are shared by every instance and survive restarts.
type RedisRepo struct {
	client *redis.Client
	now    func() time.Time
}

func NewRedisRepo(client *redis.Client) *RedisRepo {
	return &RedisRepo{client: client, now: time.Now}
}

type redisRecord struct {
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (r *RedisRepo) Save(ctx context.Context, pd entity.PendingDeletion) error {
	ttl := pd.ExpiresAt.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	b, err := json.Marshal(redisRecord{Email: pd.Email, ExpiresAt: pd.ExpiresAt})
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, keyPrefix+pd.TokenHash, b, ttl).Err(); err != nil {
		return fmt.Errorf("save pending deletion: %w", err)
	}
	return nil
}

// Take uses GETDEL so a token can be consumed only once across instances.
func (r *RedisRepo) Take(ctx context.Context, tokenHash string, now time.Time) (*entity.PendingDeletion, error) {
	b, err := r.client.GetDel(ctx, keyPrefix+tokenHash).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("take pending deletion: %w", err)
	}
	var rec redisRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("decode pending deletion: %w", err)
	}
	pd := entity.PendingDeletion{TokenHash: tokenHash, Email: rec.Email, ExpiresAt: rec.ExpiresAt}
	if pd.Expired(now) {
		return nil, nil
	}
	return &pd, nil
}

// DeleteExpired is a no-op: keys carry their own TTL.
func (r *RedisRepo) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}
