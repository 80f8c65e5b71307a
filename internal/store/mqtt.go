package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/eduardogoldoni/controlesautomaticos/internal/infrastructure/mqtt"
)

// unsubscribeTimeout bounds the unsubscribe issued by Close.
const unsubscribeTimeout = 5 * time.Second

// MQTTClient is the part of the MQTT client MQTTStore uses.
// *mqtt.Client satisfies it.
type MQTTClient interface {
	PublishRetained(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	QoS() byte
}

// MQTTStore maps store paths onto retained MQTT topics.
//
// A single subscription on the root tree feeds a local cache of retained
// values; Get reads that cache and Watch is served from it, so overlapping
// subscriptions never deliver the same message twice. Set publishes a
// retained message, and an empty object publishes an empty payload, which
// clears the retained value on the broker.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Watch callbacks run on the MQTT delivery goroutine.
type MQTTStore struct {
	client MQTTClient
	topics mqtt.Topics
	root   string
	tree   *tree
	logger Logger

	mu     sync.RWMutex
	closed bool
}

// NewMQTT subscribes to every topic under root and returns the store.
//
// Parameters:
//   - ctx: Bounds the initial subscription
//   - client: Connected MQTT client
//   - root: Store root path, e.g. "/meg"
//
// Returns:
//   - *MQTTStore: Store following the broker's retained state
//   - error: ErrStore wrapping the subscription failure
func NewMQTT(ctx context.Context, client MQTTClient, root string) (*MQTTStore, error) {
	s := &MQTTStore{
		client: client,
		root:   cleanPath(root),
		tree:   newTree(),
		logger: noopLogger{},
	}
	if err := client.Subscribe(ctx, s.topics.Tree(s.root), client.QoS(), s.handleMessage); err != nil {
		return nil, fmt.Errorf("%w: subscribing to %s: %w", ErrStore, s.topics.Tree(s.root), err)
	}
	return s, nil
}

// SetLogger sets the logger for malformed payloads.
func (s *MQTTStore) SetLogger(logger Logger) {
	s.mu.Lock()
	s.logger = logger
	s.mu.Unlock()
}

func (s *MQTTStore) getLogger() Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logger
}

// handleMessage updates the cache and notifies watchers.
func (s *MQTTStore) handleMessage(topic string, payload []byte) error {
	value := json.RawMessage(payload)
	if len(payload) > 0 && !json.Valid(payload) {
		s.getLogger().Warn("ignoring non-JSON store message", "topic", topic)
		return nil
	}
	p := s.topics.PathOf(topic)
	s.tree.put(p, value)
	s.tree.notify(p, value)
	return nil
}

// Set publishes value as the retained message for path.
func (s *MQTTStore) Set(ctx context.Context, path string, value any) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.inRoot(path); err != nil {
		return err
	}
	raw, err := encode(value)
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %w", ErrStore, path, err)
	}

	payload := []byte(raw)
	if isEmptyValue(raw) {
		payload = []byte{}
	}
	if err := s.client.PublishRetained(ctx, s.topics.Path(path), payload); err != nil {
		return fmt.Errorf("%w: publishing %s: %w", ErrStore, path, err)
	}

	// The broker echoes the message back to our subscription, which notifies
	// watchers. Update the cache now so a Get right after Set sees the value.
	s.tree.put(path, raw)
	return nil
}

// Get decodes the cached retained value at path into dst.
func (s *MQTTStore) Get(ctx context.Context, path string, dst any) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, ok := s.tree.get(path)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, cleanPath(path))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: decoding %s: %w", ErrStore, path, err)
	}
	return nil
}

// Watch replays the cached children of path and follows later messages.
func (s *MQTTStore) Watch(ctx context.Context, path string, fn func(ChildEvent)) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.inRoot(path); err != nil {
		return err
	}
	s.tree.watch(ctx, path, fn)
	return nil
}

// Close drops the root subscription. The MQTT client stays open.
func (s *MQTTStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	if err := s.client.Unsubscribe(ctx, s.topics.Tree(s.root)); err != nil {
		return fmt.Errorf("%w: unsubscribing: %w", ErrStore, err)
	}
	return nil
}

func (s *MQTTStore) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// inRoot rejects paths the root subscription does not cover.
func (s *MQTTStore) inRoot(path string) error {
	p := cleanPath(path)
	if p == s.root || strings.HasPrefix(p, s.root+"/") {
		return nil
	}
	return fmt.Errorf("%w: path %s is outside %s", ErrStore, p, s.root)
}
