package keyspace

import (
	"context"
	"encoding/json"
	"time"
)

// GetJSON reads key and decodes it into dest. A missing key or an
// undecodable value both return ErrMiss: a corrupt record is treated the
// same as an absent one and left for TTL expiry to clean up.
func (c *Client) GetJSON(ctx context.Context, key string, dest interface{}) error {
	raw, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return ErrMiss
	}
	return nil
}

// SetJSON encodes v and writes it under key.
func (c *Client) SetJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return &Error{Kind: KindEncoding, Op: "setjson", Err: err}
	}
	return c.Set(ctx, key, string(raw), ttl)
}
