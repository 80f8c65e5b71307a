package ewelink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Defaults applied when Options leaves a field zero.
const (
	defaultRegion      = "us"
	defaultCountryCode = "+1"
	defaultTimeout     = 15 * time.Second
	defaultTokenTTL    = 24 * time.Hour

	// maxErrorBody bounds how much of a failed response body is kept.
	maxErrorBody = 4096
)

// Thing list item types.
const (
	itemTypeDevice       = 1
	itemTypeSharedDevice = 2
)

// PowerOn and PowerOff are the only accepted power states.
const (
	PowerOn  = "on"
	PowerOff = "off"
)

// Logger is the logging interface used by the client.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Client.
type Options struct {
	Email       string
	Password    string
	Region      string
	CountryCode string
	AppID       string
	AppSecret   string

	// BaseURL overrides the region-derived API base.
	BaseURL string

	// Timeout bounds each HTTP request.
	Timeout time.Duration

	// RateLimitPerMin is the request budget. Zero disables limiting.
	RateLimitPerMin int

	// TokenTTL is how long an access token is used before refreshing.
	TokenTTL time.Duration

	// HTTPClient is the underlying client. Nil uses a default client.
	HTTPClient *http.Client

	Logger Logger
}

// Client talks to the eWeLink cloud on behalf of one account.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Client struct {
	baseURL string
	appID   string
	timeout time.Duration
	http    *http.Client
	logger  Logger
	session *Session
}

// BaseURLForRegion returns the API base URL for a vendor region.
func BaseURLForRegion(region string) string {
	if region == "" {
		region = defaultRegion
	}
	return fmt.Sprintf("https://%s-apia.coolkit.cc", strings.ToLower(region))
}

// New creates a Client. No network traffic happens until the first call.
func New(opts Options) (*Client, error) {
	if opts.Email == "" || opts.Password == "" {
		return nil, fmt.Errorf("%w: email and password are required", ErrAuth)
	}
	if opts.AppID == "" || opts.AppSecret == "" {
		return nil, fmt.Errorf("%w: app id and app secret are required", ErrAuth)
	}
	if opts.CountryCode == "" {
		opts.CountryCode = defaultCountryCode
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = defaultTokenTTL
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	base := opts.BaseURL
	if base == "" {
		base = BaseURLForRegion(opts.Region)
	}

	c := &Client{
		baseURL: strings.TrimRight(base, "/"),
		appID:   opts.AppID,
		timeout: opts.Timeout,
		http:    wrapHTTP(opts.HTTPClient, opts.RateLimitPerMin, opts.Timeout),
		logger:  opts.Logger,
	}
	c.session = newSession(&authenticator{
		client: c,
		ttl:    opts.TokenTTL,
		creds: credentials{
			email:       opts.Email,
			password:    opts.Password,
			countryCode: opts.CountryCode,
			appID:       opts.AppID,
			appSecret:   opts.AppSecret,
		},
	})
	return c, nil
}

// Session returns the client's session manager.
func (c *Client) Session() *Session {
	return c.session
}

// EnsureSession establishes or refreshes the vendor session.
func (c *Client) EnsureSession(ctx context.Context) error {
	return c.session.EnsureSession(ctx)
}

type thingItem struct {
	ItemType int            `json:"itemType"`
	ItemData map[string]any `json:"itemData"`
}

type thingList struct {
	ThingList []thingItem `json:"thingList"`
	Total     int         `json:"total"`
}

func (l thingList) devices() []map[string]any {
	out := make([]map[string]any, 0, len(l.ThingList))
	for _, item := range l.ThingList {
		if item.ItemType != itemTypeDevice && item.ItemType != itemTypeSharedDevice {
			continue
		}
		if item.ItemData == nil {
			continue
		}
		out = append(out, item.ItemData)
	}
	return out
}

// ListDevices returns the raw record of every device on the account.
// Groups and scenes are skipped.
func (c *Client) ListDevices(ctx context.Context) ([]map[string]any, error) {
	var data thingList
	query := url.Values{"num": []string{"0"}}
	if err := c.call(ctx, http.MethodGet, "/v2/device/thing", query, nil, &data); err != nil {
		return nil, fmt.Errorf("%w: listing devices: %w", ErrFetch, err)
	}
	return data.devices(), nil
}

type thingRef struct {
	ItemType int    `json:"itemType"`
	ID       string `json:"id"`
}

type getThingsRequest struct {
	ThingList []thingRef `json:"thingList"`
}

// GetDevice returns the raw record of one device.
func (c *Client) GetDevice(ctx context.Context, id string) (map[string]any, error) {
	var data thingList
	req := getThingsRequest{ThingList: []thingRef{{ItemType: itemTypeDevice, ID: id}}}
	if err := c.call(ctx, http.MethodPost, "/v2/device/thing", nil, req, &data); err != nil {
		return nil, fmt.Errorf("%w: device %s: %w", ErrFetch, id, err)
	}
	devices := data.devices()
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: device %s not found", ErrFetch, id)
	}
	return devices[0], nil
}

type setStatusRequest struct {
	Type   int            `json:"type"`
	ID     string         `json:"id"`
	Params map[string]any `json:"params"`
}

// SetPowerState switches a device on or off. Multi-channel devices (those
// reporting a "switches" array) have their first outlet switched.
func (c *Client) SetPowerState(ctx context.Context, id, state string) error {
	if state != PowerOn && state != PowerOff {
		return fmt.Errorf("%w: %w: %q", ErrCommand, ErrInvalidState, state)
	}

	record, err := c.GetDevice(ctx, id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCommand, err)
	}

	req := setStatusRequest{
		Type:   itemTypeDevice,
		ID:     id,
		Params: powerParams(record, state),
	}
	if err := c.call(ctx, http.MethodPost, "/v2/device/thing/status", nil, req, nil); err != nil {
		return fmt.Errorf("%w: device %s: %w", ErrCommand, id, err)
	}
	return nil
}

// powerParams builds the status params for a device record.
func powerParams(record map[string]any, state string) map[string]any {
	params, _ := record["params"].(map[string]any)
	if params != nil {
		_, single := params["switch"]
		if _, multi := params["switches"]; multi && !single {
			return map[string]any{
				"switches": []map[string]any{{"switch": state, "outlet": 0}},
			}
		}
	}
	return map[string]any{"switch": state}
}

// call performs an authenticated request and decodes the envelope data into out.
func (c *Client) call(ctx context.Context, method, path string, query url.Values, payload any, out any) error {
	token, err := c.session.AccessToken(ctx)
	if err != nil {
		return err
	}

	var body []byte
	if payload != nil {
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	err = c.send(ctx, method, path, query, body, "Bearer "+token, out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.isAuthFailure() {
		c.logger.Warn("vendor rejected access token, invalidating session", "code", apiErr.Code)
		c.session.Invalidate()
	}
	return err
}

type envelope struct {
	Error int             `json:"error"`
	Msg   string          `json:"msg"`
	Data  json.RawMessage `json:"data"`
}

// send performs one HTTP exchange with the vendor.
func (c *Client) send(ctx context.Context, method, path string, query url.Values, body []byte, authz string, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("X-CK-Appid", c.appID)
	req.Header.Set("Authorization", authz)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return HTTPStatusError{Status: resp.StatusCode, Body: string(msg)}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if env.Error != 0 {
		return &APIError{Code: env.Error, Message: env.Msg}
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding data: %w", err)
	}
	return nil
}
