package charging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"breakerpay/internal/models"
)

// SessionCache mirrors open charging sessions into redis so external
// dashboards can read them without hitting the ledger. Optional: a nil
// cache disables mirroring.
type SessionCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSessionCache connects the cache. ttl bounds how long a stale session
// survives if liquidation never removes it.
func NewSessionCache(client *redis.Client, ttl time.Duration) *SessionCache {
	return &SessionCache{client: client, ttl: ttl}
}

func (c *SessionCache) key(stationID, uid string) string {
	return fmt.Sprintf("charging:active:%s:%s", stationID, uid)
}

// Save caches one open session.
func (c *SessionCache) Save(ctx context.Context, stationID string, ses *models.Sesion) error {
	data, err := json.Marshal(ses)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(stationID, ses.UID), data, c.ttl).Err()
}

// Get returns a cached session, nil when absent.
func (c *SessionCache) Get(ctx context.Context, stationID, uid string) (*models.Sesion, error) {
	result, err := c.client.Get(ctx, c.key(stationID, uid)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ses models.Sesion
	if err := json.Unmarshal([]byte(result), &ses); err != nil {
		return nil, err
	}
	return &ses, nil
}

// Delete drops a liquidated or superseded session.
func (c *SessionCache) Delete(ctx context.Context, stationID, uid string) error {
	return c.client.Del(ctx, c.key(stationID, uid)).Err()
}
