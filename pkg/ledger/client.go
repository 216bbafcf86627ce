package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client provides namespace-scoped Redis operations for the ledger.
// All keys and channels are automatically namespaced with the deployment name.
// The client is thread-safe and can be used concurrently from multiple goroutines.
type Client struct {
	rdb       *redis.Client
	namespace string
}

// NewClient creates a new ledger client for the specified namespace.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - namespace: deployment identifier (must not be empty)
//
// Returns an error if namespace is empty.
func NewClient(redisOpts *redis.Options, namespace string) (*Client, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	return &Client{
		rdb:       redis.NewClient(redisOpts),
		namespace: namespace,
	}, nil
}

// Namespace returns the deployment namespace this client writes under.
func (c *Client) Namespace() string {
	return c.namespace
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity. Useful for health checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// LoadIdentity reads the identity record for a profile.
// Returns (Record{}, redis.Nil) if the profile has no record yet.
// Use IsNotFound() to check for not-found errors.
func (c *Client) LoadIdentity(ctx context.Context, profile string) (Record, error) {
	key := IdentityKey(c.namespace, profile)

	hashData, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return Record{}, fmt.Errorf("failed to read identity from Redis: %w", err)
	}

	// HGetAll returns an empty map for non-existent keys
	if len(hashData) == 0 {
		return Record{}, redis.Nil
	}

	record, err := HashToRecord(hashData)
	if err != nil {
		return Record{}, fmt.Errorf("failed to deserialize identity: %w", err)
	}

	return record, nil
}

// ListProfiles returns every profile with an identity record, sorted.
// Uses SCAN so large namespaces do not block the server.
func (c *Client) ListProfiles(ctx context.Context) ([]string, error) {
	prefix := IdentityKey(c.namespace, "")
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()

	var profiles []string
	for iter.Next(ctx) {
		profiles = append(profiles, strings.TrimPrefix(iter.Val(), prefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan identities: %w", err)
	}

	sort.Strings(profiles)
	return profiles, nil
}

// CompareAndSwapIdentity writes next as the profile's identity if and only if
// the stored generation still equals expected (0 meaning "no record yet").
//
// On success it returns the written record and true. When another writer got
// there first it returns the record currently stored and false, so the caller
// can adopt it. The check runs under WATCH/MULTI so the read and the write are
// atomic with respect to other clients.
func (c *Client) CompareAndSwapIdentity(ctx context.Context, profile string, expected uint64, next UnifiedIdentity) (Record, bool, error) {
	key := IdentityKey(c.namespace, profile)

	var (
		result  Record
		swapped bool
	)

	txf := func(tx *redis.Tx) error {
		current, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}

		if len(current) > 0 {
			stored, err := HashToRecord(current)
			if err != nil {
				return err
			}
			if stored.Generation != expected {
				result = stored
				return nil
			}
		} else if expected != 0 {
			// Record evicted since the caller read it
			return nil
		}

		candidate := Record{Identity: next, Generation: expected + 1}
		hash, err := RecordToHash(candidate)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, hash)
			return nil
		})
		if err != nil {
			return err
		}

		result = candidate
		swapped = true
		return nil
	}

	err := c.rdb.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Another writer committed between our read and EXEC
		current, loadErr := c.LoadIdentity(ctx, profile)
		if loadErr != nil && !IsNotFound(loadErr) {
			return Record{}, false, loadErr
		}
		return current, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("failed to compare-and-swap identity: %w", err)
	}

	return result, swapped, nil
}

// ClaimDedupKey atomically records an idempotency key for ttl.
// Returns true if the key was not present (first sighting in the window) and
// false if it was already recorded. Uses SET NX PX, so concurrent callers
// observe exactly one winner.
func (c *Client) ClaimDedupKey(ctx context.Context, idempotencyKey string, ttl time.Duration) (bool, error) {
	key := DedupKey(c.namespace, idempotencyKey)
	ok, err := c.rdb.SetNX(ctx, key, time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim dedup key: %w", err)
	}
	return ok, nil
}

// DedupKeyExists reports whether an idempotency key is still recorded.
func (c *Client) DedupKeyExists(ctx context.Context, idempotencyKey string) (bool, error) {
	key := DedupKey(c.namespace, idempotencyKey)
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check dedup key: %w", err)
	}
	return n > 0, nil
}

// MarkHandoffConsumed records that a handoff payload has been used.
// Returns false if it was already consumed. The marker lives for ttl, which
// callers set to the payload's remaining validity.
func (c *Client) MarkHandoffConsumed(ctx context.Context, sessionID string, issuedAt int64, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Second
	}
	key := HandoffKey(c.namespace, sessionID, issuedAt)
	ok, err := c.rdb.SetNX(ctx, key, time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark handoff consumed: %w", err)
	}
	return ok, nil
}

// PublishDispatchResult publishes a dispatch result to the namespace channel.
func (c *Client) PublishDispatchResult(ctx context.Context, result *DispatchResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch result: %w", err)
	}

	channel := DispatchEventsChannel(c.namespace)
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish dispatch result: %w", err)
	}

	return nil
}

// Subscription represents an active Pub/Sub subscription to dispatch results.
// Caller must call Close() when done to clean up resources.
type Subscription struct {
	events <-chan *DispatchResult
	errors <-chan error
	cancel func()
	once   sync.Once
}

// Events returns the channel of dispatch results.
// The channel will be closed when the subscription is closed or the context is cancelled.
func (s *Subscription) Events() <-chan *DispatchResult {
	return s.events
}

// Errors returns the channel of subscription errors.
// The subscription continues after errors - malformed messages are skipped.
func (s *Subscription) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription and cleans up resources. Implements io.Closer.
// Safe to call multiple times.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeDispatchResults subscribes to dispatch results for this namespace.
// Caller must call subscription.Close() when done.
//
// Results are delivered on a buffered channel (size 10). Redis Pub/Sub is
// at-most-once; a slow subscriber may miss results.
func (c *Client) SubscribeDispatchResults(ctx context.Context) (*Subscription, error) {
	channel := DispatchEventsChannel(c.namespace)
	pubsub := c.rdb.Subscribe(ctx, channel)

	// Wait for confirmation so publishes issued after return are not lost
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to dispatch results: %w", err)
	}

	eventsChan := make(chan *DispatchResult, 10)
	errorsChan := make(chan error, 10)

	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var result DispatchResult
				if err := json.Unmarshal([]byte(msg.Payload), &result); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal dispatch result: %w", err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &result:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

// IsNotFound returns true if the error is a Redis "key not found" error (redis.Nil).
func IsNotFound(err error) bool {
	return errors.Is(err, redis.Nil)
}
