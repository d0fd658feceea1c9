// Package rocketchat is a client-side synchronization engine for a
// Rocket.Chat server.
//
// It owns one realtime (DDP) connection per login, multiplexes room and user
// topics over it, and reconciles the bulk room fetch, incremental delta syncs
// and realtime pushes into one deduplicated per-room message sequence with
// unread state and presence.
//
// Example:
//
//	client := rocketchat.NewClient("https://chat.example.com")
//	login, _ := client.Login(ctx, "alice", "secret")
//
//	sess := rocketchat.NewSession(client, rocketchat.SessionConfig{
//		Credentials: login.Credentials,
//		Self:        login.Me,
//	})
//	_ = sess.Open(ctx)
//	_ = sess.ConnectRealtime(ctx)
//	sess.On(rocketchat.EventMessagesChanged, func(event string, payload any) { ... })
//	_ = sess.Select(ctx, "GENERAL")
//	defer sess.Close()
package rocketchat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultHistoryCount = 50

	apiPrefix     = "/api/v1"
	maxUploadSize = 50 * 1024 * 1024
)

// ErrUnauthorized is returned (wrapped in *APIError) for 401/403 responses.
// It is never retried.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-success response from the request/response API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error (%d)", e.StatusCode)
	}
	return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
}

// Unwrap maps authorization failures onto ErrUnauthorized.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// API is the request/response surface the Session depends on. *Client
// implements it.
type API interface {
	Subscriptions(ctx context.Context) ([]Room, error)
	RoomHistory(ctx context.Context, roomID string, typ RoomType, count int) ([]Message, error)
	SyncMessages(ctx context.Context, roomID string, since time.Time) (*SyncResult, error)
	PostMessage(ctx context.Context, roomID, text string) (*Message, error)
	MarkAsRead(ctx context.Context, roomID string) error
	RoomMembers(ctx context.Context, roomID string, typ RoomType) ([]User, error)
	Presence(ctx context.Context, username string) (string, error)
	CreateDM(ctx context.Context, username string) (*Room, error)
	CreateChannel(ctx context.Context, name string) (*Room, error)
}

var _ API = (*Client)(nil)

// ============================================================================
// Client
// ============================================================================

// Client talks to the server's REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	retry      RetryPolicy
	logger     *zap.Logger

	mu    sync.RWMutex
	creds Credentials
}

type ClientOption func(*Client)

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithRetry(policy RetryPolicy) ClientOption {
	return func(c *Client) { c.retry = policy }
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

func WithCredentials(creds Credentials) ClientOption {
	return func(c *Client) { c.creds = creds }
}

// NewClient creates a client for the server at baseURL (http or https).
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		retry:  DefaultRetryPolicy,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server URL the client was created with.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// SetCredentials sets or replaces the token used on every request.
func (c *Client) SetCredentials(creds Credentials) {
	c.mu.Lock()
	c.creds = creds
	c.mu.Unlock()
}

// Credentials returns the credentials currently in use.
func (c *Client) Credentials() Credentials {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.creds
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body interface{}) ([]byte, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		payload = b
	}

	attempts := 1
	if method == http.MethodGet {
		attempts = c.retry.attempts()
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			d := c.retry.delay(attempt - 1)
			c.logger.Debug("retrying request",
				zap.String("path", path), zap.Int("attempt", attempt+1), zap.Duration("delay", d), zap.Error(lastErr))
			if err := sleepCtx(ctx, d); err != nil {
				return nil, err
			}
		}

		data, status, err := c.roundTrip(ctx, method, path, query, payload)
		if err == nil && status < 300 {
			if e := successFalse(status, data); e != nil {
				return nil, e
			}
			return data, nil
		}
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
		} else {
			lastErr = newAPIError(status, data)
		}
		if !retryable(status, err) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, payload []byte) ([]byte, int, error) {
	u := c.baseURL + apiPrefix + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	creds := c.Credentials()
	if creds.Token != "" {
		req.Header.Set("X-Auth-Token", creds.Token)
	}
	if creds.UserID != "" {
		req.Header.Set("X-User-Id", creds.UserID)
	}
}

func newAPIError(status int, data []byte) *APIError {
	msg := gjson.GetBytes(data, "error").String()
	if msg == "" {
		msg = gjson.GetBytes(data, "message").String()
	}
	return &APIError{StatusCode: status, Message: msg}
}

// successFalse turns a 2xx body carrying "success": false into an error.
func successFalse(status int, data []byte) error {
	s := gjson.GetBytes(data, "success")
	if s.Exists() && s.Type == gjson.False {
		return newAPIError(status, data)
	}
	return nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Authentication
// ============================================================================

// Login exchanges a username and password for credentials and installs them
// on the client.
func (c *Client) Login(ctx context.Context, user, password string) (*LoginData, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/login", nil, map[string]string{"user": user, "password": password})
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[struct {
		Data LoginData `json:"data"`
	}](data)
	if err != nil {
		return nil, err
	}
	if res.Data.Token == "" {
		return nil, &APIError{StatusCode: http.StatusUnauthorized, Message: "login returned no token"}
	}
	c.SetCredentials(res.Data.Credentials)
	return &res.Data, nil
}

// Logout invalidates the token server-side. Failures are returned but the
// local credentials are cleared regardless.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/logout", nil, map[string]string{})
	c.SetCredentials(Credentials{})
	return err
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*User, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/me", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// ============================================================================
// Rooms and messages
// ============================================================================

// Subscriptions is the bulk room-list fetch.
func (c *Client) Subscriptions(ctx context.Context) ([]Room, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/subscriptions.get", nil, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < 300 {
			return nil, fmt.Errorf("subscriptions: %w: %s", ErrUnauthorized, apiErr.Message)
		}
		return nil, err
	}
	res, err := decodeJSON[struct {
		Update []Room `json:"update"`
	}](data)
	if err != nil {
		return nil, err
	}
	return res.Update, nil
}

func historyEndpoint(typ RoomType) string {
	switch typ {
	case RoomDirect:
		return "/im.history"
	case RoomPrivate:
		return "/groups.history"
	default:
		return "/channels.history"
	}
}

func membersEndpoint(typ RoomType) string {
	switch typ {
	case RoomDirect:
		return "/im.members"
	case RoomPrivate:
		return "/groups.members"
	default:
		return "/channels.members"
	}
}

// RoomHistory fetches the latest count messages of a room, oldest first.
func (c *Client) RoomHistory(ctx context.Context, roomID string, typ RoomType, count int) ([]Message, error) {
	if count <= 0 {
		count = DefaultHistoryCount
	}
	q := url.Values{"roomId": {roomID}, "count": {strconv.Itoa(count)}}
	data, err := c.doRequest(ctx, http.MethodGet, historyEndpoint(typ), q, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[struct {
		Messages []Message `json:"messages"`
	}](data)
	if err != nil {
		return nil, err
	}
	msgs := res.Messages
	// The server returns newest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SyncMessages fetches messages added, updated or deleted since an instant.
func (c *Client) SyncMessages(ctx context.Context, roomID string, since time.Time) (*SyncResult, error) {
	q := url.Values{"roomId": {roomID}, "lastUpdate": {since.UTC().Format(time.RFC3339Nano)}}
	data, err := c.doRequest(ctx, http.MethodGet, "/chat.syncMessages", q, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[struct {
		SyncResult
		Result *SyncResult `json:"result"`
	}](data)
	if err != nil {
		return nil, err
	}
	out := res.SyncResult
	if res.Result != nil {
		out.Messages = append(out.Messages, res.Result.Messages...)
		out.Updated = append(out.Updated, res.Result.Updated...)
		out.Deleted = append(out.Deleted, res.Result.Deleted...)
	}
	return &out, nil
}

// PostMessage sends a message and returns the server's copy of it.
func (c *Client) PostMessage(ctx context.Context, roomID, text string) (*Message, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/chat.postMessage", nil, map[string]string{"roomId": roomID, "text": text})
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[struct {
		Message Message `json:"message"`
	}](data)
	if err != nil {
		return nil, err
	}
	return &res.Message, nil
}

// MarkAsRead moves the server-side read cursor of a room to now.
func (c *Client) MarkAsRead(ctx context.Context, roomID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/subscriptions.read", nil, map[string]string{"rid": roomID})
	return err
}

// CreateDM opens (or returns the existing) direct room with username.
func (c *Client) CreateDM(ctx context.Context, username string) (*Room, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/im.create", nil, map[string]string{"username": username})
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[struct {
		Room struct {
			ID  string   `json:"_id"`
			RID string   `json:"rid"`
			T   RoomType `json:"t"`
		} `json:"room"`
	}](data)
	if err != nil {
		return nil, err
	}
	room := &Room{ID: res.Room.RID, Type: RoomDirect, Name: username}
	if room.ID == "" {
		room.ID = res.Room.ID
	}
	return room, nil
}

// CreateChannel creates a public channel.
func (c *Client) CreateChannel(ctx context.Context, name string) (*Room, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/channels.create", nil, map[string]string{"name": name})
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[struct {
		Channel struct {
			ID    string   `json:"_id"`
			T     RoomType `json:"t"`
			Name  string   `json:"name"`
			FName string   `json:"fname"`
		} `json:"channel"`
	}](data)
	if err != nil {
		return nil, err
	}
	typ := res.Channel.T
	if typ == "" {
		typ = RoomChannel
	}
	return &Room{ID: res.Channel.ID, Type: typ, Name: res.Channel.Name, DisplayName: res.Channel.FName}, nil
}

// ============================================================================
// Users and members
// ============================================================================

// UserInfo looks a user up by username.
func (c *Client) UserInfo(ctx context.Context, username string) (*User, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/users.info", url.Values{"username": {username}}, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[struct {
		User User `json:"user"`
	}](data)
	if err != nil {
		return nil, err
	}
	return &res.User, nil
}

// ListUsers pages through the user directory.
func (c *Client) ListUsers(ctx context.Context, count, offset int) ([]User, error) {
	q := url.Values{"count": {strconv.Itoa(count)}, "offset": {strconv.Itoa(offset)}}
	data, err := c.doRequest(ctx, http.MethodGet, "/users.list", q, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[struct {
		Users []User `json:"users"`
	}](data)
	if err != nil {
		return nil, err
	}
	return res.Users, nil
}

// RoomMembers lists the members of a room.
func (c *Client) RoomMembers(ctx context.Context, roomID string, typ RoomType) ([]User, error) {
	data, err := c.doRequest(ctx, http.MethodGet, membersEndpoint(typ), url.Values{"roomId": {roomID}}, nil)
	if err != nil {
		return nil, err
	}
	res, err := decodeJSON[struct {
		Members []User `json:"members"`
	}](data)
	if err != nil {
		return nil, err
	}
	return res.Members, nil
}

// Invite adds a user to a channel or private group.
func (c *Client) Invite(ctx context.Context, roomID string, typ RoomType, userID string) error {
	var endpoint string
	switch typ {
	case RoomDirect:
		return fmt.Errorf("cannot invite to a direct message")
	case RoomPrivate:
		endpoint = "/groups.invite"
	default:
		endpoint = "/channels.invite"
	}
	_, err := c.doRequest(ctx, http.MethodPost, endpoint, nil, map[string]string{"roomId": roomID, "userId": userID})
	return err
}

// Presence returns a user's status ("online", "away", "busy", "offline").
// It falls back to the status on the user record when the presence endpoint
// reports nothing.
func (c *Client) Presence(ctx context.Context, username string) (string, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/users.presence", url.Values{"username": {username}}, nil)
	if err == nil {
		if p := gjson.GetBytes(data, "presence").String(); p != "" {
			return p, nil
		}
	} else if errors.Is(err, ErrUnauthorized) {
		return "", err
	}

	u, err := c.UserInfo(ctx, username)
	if err != nil {
		return StatusOffline, err
	}
	if u.Status == "" {
		return StatusOffline, nil
	}
	return u.Status, nil
}

// ============================================================================
// Files
// ============================================================================

// UploadOptions configures UploadFile.
type UploadOptions struct {
	FileName    string
	MimeType    string
	Description string
}

// UploadFile posts a file into a room as a message.
func (c *Client) UploadFile(ctx context.Context, roomID string, data []byte, opts *UploadOptions) (*UploadResult, error) {
	if opts == nil || opts.FileName == "" {
		return nil, fmt.Errorf("fileName is required when uploading bytes")
	}
	if len(data) > maxUploadSize {
		return nil, fmt.Errorf("file exceeds maximum size of 50 MB")
	}
	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(opts.FileName)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreatePart(map[string][]string{
		"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename=%q`, opts.FileName)},
		"Content-Type":        {mimeType},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	if opts.Description != "" {
		_ = w.WriteField("description", opts.Description)
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiPrefix+"/rooms.upload/"+url.PathEscape(roomID), &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, newAPIError(resp.StatusCode, body)
	}
	return decodeJSON[UploadResult](body)
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".webm": "video/webm",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
