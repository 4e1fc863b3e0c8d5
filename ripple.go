// Package ripple provides the official Go SDK for the Ripple social backend.
//
// Covers authentication, row operations, realtime change subscriptions,
// object storage, and a best-effort offline mode with replay-on-reconnect.
//
// Example:
//
//	client := ripple.NewClient("rp-token-...")
//
//	// Direct row access
//	res, _ := client.Rows.Select(ctx, "posts", ripple.Predicate{"user_id": "u-1"})
//
//	// Typed sub-clients
//	post, _ := client.Posts.Create(ctx, "hello world", "")
//	client.Messages.Send(ctx, "u-2", "hi!", "")
//
//	// Offline mode
//	store, _ := ripple.NewSQLiteStorage("ripple.db", logger)
//	offline := ripple.NewOfflineManager(store, client, nil)
//	offline.Init(ctx)
//	defer offline.Close()
package ripple

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL = "https://api.ripple.social"
	DefaultTimeout = 30 * time.Second
)

// Predicate is a set of equality filters applied to a row operation,
// encoded as query parameters.
type Predicate map[string]string

// ============================================================================
// Client
// ============================================================================

// Client talks to the Ripple backend over HTTP.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	Auth          *AuthClient
	Rows          *RowsClient
	Posts         *PostsClient
	Messages      *MessagesClient
	Friends       *FriendsClient
	Profiles      *ProfilesClient
	Notifications *NotificationsClient
	Storage       *StorageClient
	Realtime      *RealtimeFactory
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new Ripple client. token may be empty for endpoints
// that allow anonymous access.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Auth = &AuthClient{c: c}
	c.Rows = &RowsClient{c: c}
	c.Posts = &PostsClient{c: c}
	c.Messages = &MessagesClient{c: c}
	c.Friends = &FriendsClient{c: c}
	c.Profiles = &ProfilesClient{c: c}
	c.Notifications = &NotificationsClient{c: c}
	c.Storage = &StorageClient{c: c}
	c.Realtime = &RealtimeFactory{c: c}
	return c
}

// SetToken sets or updates the auth token, e.g. after a session refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health probes the backend. Used as the startup reachability check.
func (c *Client) Health(ctx context.Context) error {
	res, err := c.do(ctx, "GET", "/api/health", nil, nil)
	if err != nil {
		return err
	}
	return res.Err()
}

// ============================================================================
// Internal request helpers
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Result](data)
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ============================================================================
// Auth
// ============================================================================

// AuthClient handles session and identity.
type AuthClient struct{ c *Client }

// CurrentUser returns the authenticated user, or nil if the session is
// anonymous.
func (a *AuthClient) CurrentUser(ctx context.Context) (*User, error) {
	res, err := a.c.do(ctx, "GET", "/api/auth/user", nil, nil)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		if res.Error != nil && res.Error.Code == "UNAUTHENTICATED" {
			return nil, nil
		}
		return nil, res.Err()
	}
	if res.Data == nil || string(res.Data) == "null" {
		return nil, nil
	}
	var u User
	if err := res.Decode(&u); err != nil {
		return nil, err
	}
	return &u, nil
}

// ============================================================================
// Rows
// ============================================================================

// RowsClient exposes the generic row operations every table supports.
// Typed sub-clients delegate here.
type RowsClient struct{ c *Client }

// Insert adds a record to a table.
func (r *RowsClient) Insert(ctx context.Context, table string, record any) (*Result, error) {
	return r.c.do(ctx, "POST", "/api/rows/"+table, record, nil)
}

// Update patches every record matching the predicate.
func (r *RowsClient) Update(ctx context.Context, table string, predicate Predicate, patch any) (*Result, error) {
	return r.c.do(ctx, "PATCH", "/api/rows/"+table, patch, predicate)
}

// Select returns all records matching the predicate.
func (r *RowsClient) Select(ctx context.Context, table string, predicate Predicate) (*Result, error) {
	return r.c.do(ctx, "GET", "/api/rows/"+table, nil, predicate)
}

// Delete removes every record matching the predicate.
func (r *RowsClient) Delete(ctx context.Context, table string, predicate Predicate) (*Result, error) {
	return r.c.do(ctx, "DELETE", "/api/rows/"+table, nil, predicate)
}

// selectOne is a helper for point lookups by predicate.
func selectOne[T any](ctx context.Context, r *RowsClient, table string, predicate Predicate) (*T, error) {
	res, err := r.Select(ctx, table, predicate)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var rows []T
	if err := res.Decode(&rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// insertOne inserts a record and decodes the stored row from the response.
func insertOne[T any](ctx context.Context, r *RowsClient, table string, record any) (*T, error) {
	res, err := r.Insert(ctx, table, record)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var row T
	if err := res.Decode(&row); err != nil {
		return nil, err
	}
	return &row, nil
}

// ============================================================================
// Typed sub-clients
// ============================================================================

// PostsClient handles feed posts.
type PostsClient struct{ c *Client }

func (p *PostsClient) Create(ctx context.Context, content, imageURL string) (*Post, error) {
	return insertOne[Post](ctx, p.c.Rows, TablePosts, map[string]string{
		"content":  content,
		"imageUrl": imageURL,
	})
}

func (p *PostsClient) Get(ctx context.Context, postID string) (*Post, error) {
	return selectOne[Post](ctx, p.c.Rows, TablePosts, Predicate{"id": postID})
}

func (p *PostsClient) ByUser(ctx context.Context, userID string) ([]Post, error) {
	res, err := p.c.Rows.Select(ctx, TablePosts, Predicate{"user_id": userID})
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var posts []Post
	if err := res.Decode(&posts); err != nil {
		return nil, err
	}
	return posts, nil
}

func (p *PostsClient) Like(ctx context.Context, postID string) (*Like, error) {
	return insertOne[Like](ctx, p.c.Rows, TableLikes, map[string]string{"postId": postID})
}

func (p *PostsClient) Comment(ctx context.Context, postID, content string) (*Comment, error) {
	return insertOne[Comment](ctx, p.c.Rows, TableComments, map[string]string{
		"postId":  postID,
		"content": content,
	})
}

// MessagesClient handles direct messages.
type MessagesClient struct{ c *Client }

func (m *MessagesClient) Send(ctx context.Context, recipientID, content, attachmentURL string) (*Message, error) {
	return insertOne[Message](ctx, m.c.Rows, TableMessages, map[string]string{
		"recipientId":   recipientID,
		"content":       content,
		"attachmentUrl": attachmentURL,
	})
}

func (m *MessagesClient) With(ctx context.Context, userID string) ([]Message, error) {
	res, err := m.c.Rows.Select(ctx, TableMessages, Predicate{"with": userID})
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var msgs []Message
	if err := res.Decode(&msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (m *MessagesClient) MarkRead(ctx context.Context, messageID string) error {
	res, err := m.c.Rows.Update(ctx, TableMessages, Predicate{"id": messageID}, map[string]bool{"read": true})
	if err != nil {
		return err
	}
	return res.Err()
}

// FriendsClient handles friend requests and the friends list.
type FriendsClient struct{ c *Client }

func (f *FriendsClient) Request(ctx context.Context, addresseeID string) (*FriendRequest, error) {
	return insertOne[FriendRequest](ctx, f.c.Rows, TableFriendRequests, map[string]string{
		"addresseeId": addresseeID,
	})
}

func (f *FriendsClient) Accept(ctx context.Context, requestID string) error {
	res, err := f.c.Rows.Update(ctx, TableFriendRequests, Predicate{"id": requestID},
		map[string]string{"status": FriendAccepted})
	if err != nil {
		return err
	}
	return res.Err()
}

func (f *FriendsClient) Decline(ctx context.Context, requestID string) error {
	res, err := f.c.Rows.Update(ctx, TableFriendRequests, Predicate{"id": requestID},
		map[string]string{"status": FriendDeclined})
	if err != nil {
		return err
	}
	return res.Err()
}

func (f *FriendsClient) List(ctx context.Context) ([]User, error) {
	res, err := f.c.do(ctx, "GET", "/api/friends", nil, nil)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var friends []User
	if err := res.Decode(&friends); err != nil {
		return nil, err
	}
	return friends, nil
}

// ProfilesClient handles user profiles.
type ProfilesClient struct{ c *Client }

func (p *ProfilesClient) Get(ctx context.Context, userID string) (*User, error) {
	return selectOne[User](ctx, p.c.Rows, TableProfiles, Predicate{"id": userID})
}

func (p *ProfilesClient) Update(ctx context.Context, patch map[string]string) error {
	res, err := p.c.do(ctx, "PATCH", "/api/profile", patch, nil)
	if err != nil {
		return err
	}
	return res.Err()
}

// NotificationsClient reads and writes notification records. All reads
// exclude soft-deleted rows server-side.
type NotificationsClient struct{ c *Client }

func (n *NotificationsClient) Create(ctx context.Context, rec *NotificationRecord) (*NotificationRecord, error) {
	return insertOne[NotificationRecord](ctx, n.c.Rows, TableNotifications, rec)
}

func (n *NotificationsClient) List(ctx context.Context, userID string) ([]NotificationRecord, error) {
	res, err := n.c.Rows.Select(ctx, TableNotifications, Predicate{"user_id": userID})
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var recs []NotificationRecord
	if err := res.Decode(&recs); err != nil {
		return nil, err
	}
	// Soft-deleted records are filtered server-side, but never trust that
	// blindly at the boundary.
	active := recs[:0]
	for _, rec := range recs {
		if rec.DeletedAt == nil {
			active = append(active, rec)
		}
	}
	return active, nil
}

func (n *NotificationsClient) UnreadCount(ctx context.Context, userID string) (int, error) {
	recs, err := n.List(ctx, userID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, rec := range recs {
		if !rec.Read {
			count++
		}
	}
	return count, nil
}

func (n *NotificationsClient) MarkRead(ctx context.Context, notificationID string) error {
	res, err := n.c.Rows.Update(ctx, TableNotifications, Predicate{"id": notificationID},
		map[string]bool{"read": true})
	if err != nil {
		return err
	}
	return res.Err()
}

func (n *NotificationsClient) MarkAllRead(ctx context.Context, userID string) error {
	res, err := n.c.Rows.Update(ctx, TableNotifications, Predicate{"user_id": userID},
		map[string]bool{"read": true})
	if err != nil {
		return err
	}
	return res.Err()
}

// Delete soft-deletes a notification. The row is excluded from reads but
// not physically removed.
func (n *NotificationsClient) Delete(ctx context.Context, notificationID string) error {
	res, err := n.c.Rows.Update(ctx, TableNotifications, Predicate{"id": notificationID},
		map[string]string{"deletedAt": time.Now().UTC().Format(time.RFC3339Nano)})
	if err != nil {
		return err
	}
	return res.Err()
}

// ============================================================================
// Object storage
// ============================================================================

// StorageClient handles file uploads.
type StorageClient struct{ c *Client }

// Upload stores a blob under path and returns its public URL.
func (s *StorageClient) Upload(ctx context.Context, path string, data []byte) (*UploadResult, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	req, err := http.NewRequestWithContext(ctx, "POST", s.c.baseURL+"/api/storage/"+strings.TrimLeft(path, "/"), &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if s.c.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.c.token)
	}

	resp, err := s.c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("upload failed (%d): %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload response: %w", err)
	}
	res, err := decodeJSON[Result](body)
	if err != nil {
		return nil, err
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	var uploaded UploadResult
	if err := res.Decode(&uploaded); err != nil {
		return nil, err
	}
	if uploaded.PublicURL == "" {
		uploaded.PublicURL = s.PublicURL(uploaded.Path)
	}
	return &uploaded, nil
}

// PublicURL returns the public URL for a stored object. No request is made.
func (s *StorageClient) PublicURL(path string) string {
	return s.c.baseURL + "/storage/public/" + strings.TrimLeft(path, "/")
}

// ContentType guesses a MIME type from a file name.
func ContentType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
