package valkey

import (
	"context"
	"fmt"
	"strings"

	"github.com/valkey-io/valkey-go"
)

const scanBatch = 500

// Store implements ports.KeyValueStore on Valkey (Redis-compatible).
// All keys live under an optional namespace prefix which is stripped
// from the keys it returns.
type Store struct {
	client valkey.Client
	prefix string
}

// New connects to a Valkey server. prefix may be empty.
func New(addr, prefix string) (*Store, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{addr},
	})
	if err != nil {
		return nil, fmt.Errorf("valkey connect: %w", err)
	}
	return NewWithClient(client, prefix), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client valkey.Client, prefix string) *Store {
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(k string) string { return s.prefix + k }

// Get retrieves a value by key. A missing key is not an error.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	resp := s.client.Do(ctx, s.client.B().Get().Key(s.key(key)).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("valkey get %s: %w", key, err)
	}
	v, err := resp.ToString()
	if err != nil {
		return "", false, fmt.Errorf("valkey get %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores a value without expiry.
func (s *Store) Set(ctx context.Context, key, value string) error {
	err := s.client.Do(ctx, s.client.B().Set().Key(s.key(key)).Value(value).Build()).Error()
	if err != nil {
		return fmt.Errorf("valkey set %s: %w", key, err)
	}
	return nil
}

// Remove deletes a key.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.key(key)).Build()).Error(); err != nil {
		return fmt.Errorf("valkey del %s: %w", key, err)
	}
	return nil
}

// GetAllKeys lists every key under the namespace using SCAN.
func (s *Store) GetAllKeys(ctx context.Context) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		entry, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(s.prefix+"*").Count(scanBatch).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("valkey scan: %w", err)
		}
		for _, k := range entry.Elements {
			keys = append(keys, strings.TrimPrefix(k, s.prefix))
		}
		if entry.Cursor == 0 {
			return keys, nil
		}
		cursor = entry.Cursor
	}
}

// MultiRemove deletes keys in a single DEL.
func (s *Store) MultiRemove(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.client.Do(ctx, s.client.B().Del().Key(full...).Build()).Error(); err != nil {
		return fmt.Errorf("valkey del: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

// Close releases the client.
func (s *Store) Close() {
	s.client.Close()
}
