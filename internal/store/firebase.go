package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/jwt"

	"github.com/eduardogoldoni/controlesautomaticos/internal/infrastructure/config"
)

const (
	defaultRequestTimeout = 15 * time.Second
	defaultBackoffMin     = time.Second
	defaultBackoffMax     = 30 * time.Second

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 512
)

// firebaseScopes are the OAuth2 scopes the Realtime Database REST API accepts.
var firebaseScopes = []string{
	"https://www.googleapis.com/auth/firebase.database",
	"https://www.googleapis.com/auth/userinfo.email",
}

var (
	errStreamEnded = errors.New("event stream ended")
	errAuthRevoked = errors.New("event stream auth revoked")
)

// FirebaseStore talks to the Firebase Realtime Database REST API.
//
// Reads and writes are plain HTTP requests on {databaseURL}{path}.json.
// Watch holds a server-sent event stream open per watched path and
// reconnects with exponential backoff when the server cancels it, revokes
// its credentials or the connection drops. Every reconnect replays the
// current children, as the server sends the full node first.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Watch callbacks for one path run on that stream's goroutine, in order.
type FirebaseStore struct {
	baseURL string
	client  *http.Client
	logger  Logger

	requestTimeout time.Duration
	backoffMin     time.Duration
	backoffMax     time.Duration

	// ctx ends when the store is closed; every stream derives from it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewFirebase returns a store authorised with an OAuth2 access token.
//
// Explicit service-account fields in cfg take precedence; otherwise the
// ambient Google application default credentials are used. ctx must outlive
// the store, as token refreshes run under it.
func NewFirebase(ctx context.Context, cfg config.FirebaseConfig) (*FirebaseStore, error) {
	ts, err := firebaseTokenSource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewFirebaseWithClient(cfg.DatabaseURL, oauth2.NewClient(ctx, ts))
}

// NewFirebaseWithClient returns a store using client for every request.
// client must not set a Timeout, as event streams stay open indefinitely.
func NewFirebaseWithClient(databaseURL string, client *http.Client) (*FirebaseStore, error) {
	u, err := url.Parse(strings.TrimRight(databaseURL, "/"))
	if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid database URL %q", ErrStore, databaseURL)
	}
	if client == nil {
		client = &http.Client{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &FirebaseStore{
		baseURL:        u.String(),
		client:         client,
		logger:         noopLogger{},
		requestTimeout: defaultRequestTimeout,
		backoffMin:     defaultBackoffMin,
		backoffMax:     defaultBackoffMax,
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

func firebaseTokenSource(ctx context.Context, cfg config.FirebaseConfig) (oauth2.TokenSource, error) {
	if cfg.HasServiceAccount() {
		conf := &jwt.Config{
			Email:      cfg.ClientEmail,
			PrivateKey: []byte(cfg.PrivateKey),
			Scopes:     firebaseScopes,
			TokenURL:   google.JWTTokenURL,
		}
		return conf.TokenSource(ctx), nil
	}

	ts, err := google.DefaultTokenSource(ctx, firebaseScopes...)
	if err != nil {
		return nil, fmt.Errorf("%w: finding default credentials: %w", ErrStore, err)
	}
	return ts, nil
}

// SetLogger sets the logger for stream reconnects.
func (s *FirebaseStore) SetLogger(logger Logger) {
	s.mu.Lock()
	s.logger = logger
	s.mu.Unlock()
}

func (s *FirebaseStore) getLogger() Logger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logger
}

// Set writes value at path. An empty object deletes the node.
func (s *FirebaseStore) Set(ctx context.Context, path string, value any) error {
	if err := s.check(); err != nil {
		return err
	}
	raw, err := encode(value)
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %w", ErrStore, path, err)
	}

	method := http.MethodPut
	var body io.Reader = bytes.NewReader(raw)
	if isEmptyValue(raw) {
		method, body = http.MethodDelete, nil
	}

	resp, err := s.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for keep-alive
	return nil
}

// Get decodes the value at path into dst.
func (s *FirebaseStore) Get(ctx context.Context, path string, dst any) error {
	if err := s.check(); err != nil {
		return err
	}
	resp, err := s.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %w", ErrStore, path, err)
	}
	if isEmptyValue(raw) {
		return fmt.Errorf("%w: %s", ErrNotFound, cleanPath(path))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: decoding %s: %w", ErrStore, path, err)
	}
	return nil
}

// do sends one bounded REST request and rejects non-2xx responses.
func (s *FirebaseStore) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)

	req, err := http.NewRequestWithContext(ctx, method, s.endpoint(path), body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: building request: %w", ErrStore, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %s %s: %w", ErrStore, method, cleanPath(path), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer cancel()
		defer resp.Body.Close()
		return nil, fmt.Errorf("%w: %s %s: status %d: %s",
			ErrStore, method, cleanPath(path), resp.StatusCode, readErrorBody(resp.Body))
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// Watch opens the event stream for path and follows it until ctx ends or the
// store is closed. The first connection is made before Watch returns so
// configuration and permission errors surface to the caller.
func (s *FirebaseStore) Watch(ctx context.Context, path string, fn func(ChildEvent)) error {
	if err := s.check(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)

	resp, err := s.openStream(ctx, path)
	if err != nil {
		stop()
		cancel()
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stop()
		defer cancel()
		s.follow(ctx, path, resp, fn)
	}()
	return nil
}

// follow consumes the stream and reconnects until ctx ends.
func (s *FirebaseStore) follow(ctx context.Context, path string, resp *http.Response, fn func(ChildEvent)) {
	backoff := s.backoffMin
	for {
		err := s.consume(resp.Body, fn)
		resp.Body.Close()
		if ctx.Err() != nil {
			return
		}
		s.getLogger().Warn("store event stream interrupted, reconnecting",
			"path", cleanPath(path),
			"error", err,
			"backoff", backoff,
		)

		for {
			if !sleepCtx(ctx, backoff) {
				return
			}
			resp, err = s.openStream(ctx, path)
			if err == nil {
				backoff = s.backoffMin
				break
			}
			if ctx.Err() != nil {
				return
			}
			backoff = min(backoff*2, s.backoffMax)
			s.getLogger().Warn("store event stream reconnect failed",
				"path", cleanPath(path),
				"error", err,
				"backoff", backoff,
			)
		}
	}
}

func (s *FirebaseStore) openStream(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint(path), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building stream request: %w", ErrStore, err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: opening stream %s: %w", ErrStore, cleanPath(path), err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("%w: opening stream %s: status %d: %s",
			ErrStore, cleanPath(path), resp.StatusCode, readErrorBody(resp.Body))
	}
	return resp, nil
}

// consume dispatches stream events until the stream fails or is cancelled.
func (s *FirebaseStore) consume(body io.Reader, fn func(ChildEvent)) error {
	reader := newSSEReader(body)
	for {
		event, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errStreamEnded
			}
			return err
		}

		switch event.name {
		case "put", "patch":
			if err := dispatchStreamData(event.name, event.data, fn); err != nil {
				s.getLogger().Warn("ignoring malformed stream event", "event", event.name, "error", err)
			}
		case "keep-alive":
		case "cancel":
			return fmt.Errorf("event stream cancelled by server: %s", strings.TrimSpace(string(event.data)))
		case "auth_revoked":
			return errAuthRevoked
		}
	}
}

// dispatchStreamData turns a put or patch payload into child events.
//
// A put at "/" carries the watched node itself, so each of its members is
// a child. A put at "/{key}" replaces that child. A put deeper down,
// "/{key}/a/b", is delivered as the child {"a": {"b": data}}.
//
// Patch data keys are paths relative to the event path, so a multi-location
// update {"X1/command": "on"} at "/" is delivered as the child X1 with
// {"command": "on"}. Keys landing in the same child produce one event.
func dispatchStreamData(event string, data []byte, fn func(ChildEvent)) error {
	var msg struct {
		Path string          `json:"path"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}

	base := splitSegments(msg.Path)
	if event == "patch" {
		return dispatchPatch(base, msg.Data, fn)
	}

	if len(base) == 0 {
		var children map[string]json.RawMessage
		if isEmptyValue(msg.Data) || json.Unmarshal(msg.Data, &children) != nil {
			return nil
		}
		keys := make([]string, 0, len(children))
		for k := range children {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fn(ChildEvent{Key: k, Value: normalizeValue(children[k])})
		}
		return nil
	}

	value, err := nestValue(base[1:], msg.Data)
	if err != nil {
		return err
	}
	fn(ChildEvent{Key: base[0], Value: value})
	return nil
}

func dispatchPatch(base []string, data json.RawMessage, fn func(ChildEvent)) error {
	var updates map[string]json.RawMessage
	if err := json.Unmarshal(data, &updates); err != nil {
		return fmt.Errorf("patch data is not an object: %w", err)
	}

	root := patchTree{}
	for key, value := range updates {
		full := append(append([]string(nil), base...), splitSegments(key)...)
		if len(full) == 0 {
			continue
		}
		root.set(full, value)
	}

	keys := make([]string, 0, len(root))
	for k := range root {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		value, err := root.encode(k)
		if err != nil {
			return err
		}
		fn(ChildEvent{Key: k, Value: normalizeValue(value)})
	}
	return nil
}

// nestValue wraps value in one object per segment, outermost first.
func nestValue(segments []string, value json.RawMessage) (json.RawMessage, error) {
	value = normalizeValue(value)
	for i := len(segments) - 1; i >= 0; i-- {
		nested, err := json.Marshal(map[string]json.RawMessage{segments[i]: value})
		if err != nil {
			return nil, err
		}
		value = nested
	}
	return value, nil
}

// patchTree collects patch updates per child. Values are json.RawMessage
// leaves or nested patchTrees.
type patchTree map[string]any

func (t patchTree) set(segments []string, value json.RawMessage) {
	node := t
	for _, seg := range segments[:len(segments)-1] {
		next, ok := node[seg].(patchTree)
		if !ok {
			next = patchTree{}
			if raw, isRaw := node[seg].(json.RawMessage); isRaw {
				var members map[string]json.RawMessage
				if json.Unmarshal(raw, &members) == nil {
					for k, v := range members {
						next[k] = v
					}
				}
			}
			node[seg] = next
		}
		node = next
	}
	node[segments[len(segments)-1]] = normalizeValue(value)
}

func (t patchTree) encode(key string) (json.RawMessage, error) {
	switch v := t[key].(type) {
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}

func splitSegments(p string) []string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// Close ends every stream and waits for their goroutines.
func (s *FirebaseStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *FirebaseStore) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *FirebaseStore) endpoint(path string) string {
	return s.baseURL + cleanPath(path) + ".json"
}

// cancelOnClose releases a request context when its body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func normalizeValue(raw json.RawMessage) json.RawMessage {
	if isEmptyValue(raw) {
		return json.RawMessage("null")
	}
	return raw
}

func readErrorBody(r io.Reader) string {
	body, _ := io.ReadAll(io.LimitReader(r, maxErrorBody)) //nolint:errcheck // best effort
	return strings.TrimSpace(string(body))
}

// sleepCtx waits for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
