package transition

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultBucket is the JetStream key-value bucket holding tracker state
const DefaultBucket = "occupancy_transitions"

// KVStore keeps state in a NATS JetStream key-value bucket so several
// service instances share it. Saves are conditional on the entry revision
// (Create or Update), so concurrent observers in different instances
// conflict instead of losing updates. The bucket TTL should match the
// tracker TTL; every Save rewrites the key and so restarts its age.
type KVStore struct {
	kv nats.KeyValue
}

// NewKVStore wraps an opened key-value bucket
func NewKVStore(kv nats.KeyValue) *KVStore {
	return &KVStore{kv: kv}
}

// Device ids are arbitrary strings; KV keys are restricted to a small
// character set.
func kvKey(deviceID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(deviceID))
}

// Load returns the entry for deviceID and its revision, 0 when missing
func (s *KVStore) Load(_ context.Context, deviceID string) (State, uint64, error) {
	entry, err := s.kv.Get(kvKey(deviceID))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return State{}, 0, nil
	}
	if err != nil {
		return State{}, 0, fmt.Errorf("failed to get key: %w", err)
	}

	var st State
	if err := json.Unmarshal(entry.Value(), &st); err != nil {
		return State{}, 0, fmt.Errorf("failed to decode state: %w", err)
	}
	return st, entry.Revision(), nil
}

// Save writes the entry for deviceID if it is still at revision
func (s *KVStore) Save(_ context.Context, deviceID string, state State, revision uint64) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	key := kvKey(deviceID)
	if revision == 0 {
		_, err = s.kv.Create(key, data)
	} else {
		_, err = s.kv.Update(key, data, revision)
	}
	if isRevisionConflict(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to put key: %w", err)
	}
	return nil
}

func isRevisionConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}
