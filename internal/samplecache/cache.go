// Package samplecache mirrors the latest sample of every ApiSource into
// Redis, so a new preview session can render immediately instead of
// waiting for its first poll.
package samplecache

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/redis.v5"

	"github.com/devscene/backend/internal/poller"
)

// Entry is what is stored per source.
type Entry struct {
	APIID     string          `json:"apiId"`
	Seq       uint64          `json:"seq"`
	FetchedAt time.Time       `json:"fetchedAt"`
	Body      json.RawMessage `json:"body"`
}

// Cache stores entries under devscene:sample:<device>:<api>.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Dial connects to Redis and checks the connection.
func Dial(opts Options) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		IdleTimeout:  5 * time.Minute,
	})
	if err := client.Ping().Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis %s: %w", opts.Addr, err)
	}
	return New(client, opts.TTL), nil
}

// New wraps an existing client. ttl 0 stores entries without expiry.
func New(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

// Key returns the Redis key of one source's entry.
func Key(deviceID, apiID string) string {
	return fmt.Sprintf("devscene:sample:%s:%s", deviceID, apiID)
}

// Put stores s as the latest sample of deviceID/s.APIID.
func (c *Cache) Put(deviceID string, s *poller.Sample) error {
	if s == nil {
		return nil
	}
	body := s.Raw
	if len(body) == 0 {
		var err error
		if body, err = json.Marshal(s.Body); err != nil {
			return fmt.Errorf("encoding sample body: %w", err)
		}
	}
	data, err := json.Marshal(Entry{APIID: s.APIID, Seq: s.Seq, FetchedAt: s.FetchedAt, Body: body})
	if err != nil {
		return err
	}
	return c.client.Set(Key(deviceID, s.APIID), data, c.ttl).Err()
}

// Get returns the cached entry, or false when there is none.
func (c *Cache) Get(deviceID, apiID string) (*Entry, bool, error) {
	v, err := c.client.Get(Key(deviceID, apiID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var e Entry
	if err := json.Unmarshal(v, &e); err != nil {
		return nil, false, fmt.Errorf("decoding cached sample %s: %w", Key(deviceID, apiID), err)
	}
	return &e, true, nil
}

// Invalidate drops the entries of the given sources.
func (c *Cache) Invalidate(deviceID string, apiIDs ...string) error {
	if len(apiIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(apiIDs))
	for _, id := range apiIDs {
		keys = append(keys, Key(deviceID, id))
	}
	return c.client.Del(keys...).Err()
}

// Close closes the connection pool.
func (c *Cache) Close() error {
	return c.client.Close()
}
