package ripple

import (
	"encoding/json"
	"fmt"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a structured error returned by the Ripple backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// Err converts a non-OK result into an error. Returns nil for OK results.
func (r *Result) Err() error {
	if r.OK {
		return nil
	}
	if r.Error != nil {
		return r.Error
	}
	return fmt.Errorf("request failed")
}

// ============================================================================
// Row Types
// ============================================================================

// User is a registered account.
type User struct {
	ID          string `json:"id" db:"id"`
	Username    string `json:"username" db:"username"`
	DisplayName string `json:"displayName" db:"display_name"`
	AvatarURL   string `json:"avatarUrl,omitempty" db:"avatar_url"`
	CreatedAt   string `json:"createdAt,omitempty" db:"created_at"`
}

// Name returns the user's display name, falling back to the username.
func (u *User) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	return u.Username
}

// Post is a feed post.
type Post struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Content   string `json:"content"`
	ImageURL  string `json:"imageUrl,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// Message is a direct message between two users.
type Message struct {
	ID            string `json:"id"`
	SenderID      string `json:"senderId"`
	RecipientID   string `json:"recipientId"`
	Content       string `json:"content"`
	AttachmentURL string `json:"attachmentUrl,omitempty"`
	Read          bool   `json:"read"`
	CreatedAt     string `json:"createdAt,omitempty"`
}

// Like marks a post as liked by a user.
type Like struct {
	ID        string `json:"id"`
	PostID    string `json:"postId"`
	UserID    string `json:"userId"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// Comment is a comment on a post.
type Comment struct {
	ID        string `json:"id"`
	PostID    string `json:"postId"`
	UserID    string `json:"userId"`
	Content   string `json:"content"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// FriendRequest statuses.
const (
	FriendPending  = "pending"
	FriendAccepted = "accepted"
	FriendDeclined = "declined"
)

// FriendRequest is a pending or resolved friendship.
type FriendRequest struct {
	ID          string `json:"id"`
	RequesterID string `json:"requesterId"`
	AddresseeID string `json:"addresseeId"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt,omitempty"`
}

// ============================================================================
// Notifications
// ============================================================================

// NotificationType enumerates the tracked notification categories.
type NotificationType string

const (
	NotificationLike           NotificationType = "like"
	NotificationComment        NotificationType = "comment"
	NotificationFriendRequest  NotificationType = "friend_request"
	NotificationFriendAccepted NotificationType = "friend_accepted"
	NotificationMessage        NotificationType = "message"
	NotificationSystem         NotificationType = "system"
	NotificationAdmin          NotificationType = "admin"
)

// NotificationRecord is a materialized notification owned by a single user.
// Content is a rendered string, not a foreign-key bundle, so historical
// notifications stay readable even if the actor later renames themselves.
// DeletedAt is a soft-delete marker; nil means active.
type NotificationRecord struct {
	ID          string           `json:"id"`
	UserID      string           `json:"userId"`
	Type        NotificationType `json:"type"`
	Content     string           `json:"content"`
	ReferenceID string           `json:"referenceId,omitempty"`
	Read        bool             `json:"read"`
	CreatedAt   string           `json:"createdAt,omitempty"`
	DeletedAt   *time.Time       `json:"deletedAt,omitempty"`
}

// ============================================================================
// Change Events
// ============================================================================

// Change event kinds delivered by the realtime stream.
const (
	EventInsert = "insert"
	EventUpdate = "update"
	EventDelete = "delete"
)

// Table names of the remote collections the SDK observes.
const (
	TablePosts          = "posts"
	TableMessages       = "messages"
	TableLikes          = "likes"
	TableComments       = "comments"
	TableFriendRequests = "friend_requests"
	TableNotifications  = "notifications"
	TableProfiles       = "profiles"
)

// ChangeEvent is a single row change delivered by the realtime stream or a
// webhook. New holds the row after the change, Old the row before it (nil
// for inserts).
type ChangeEvent struct {
	Event string          `json:"event"`
	Table string          `json:"table"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// Record decodes the New row into the typed struct for the event's table and
// validates the fields the SDK relies on. Rows from tables the SDK does not
// model are rejected rather than passed through loosely typed.
func (e *ChangeEvent) Record() (any, error) {
	return decodeRow(e.Table, e.New)
}

// OldRecord decodes the Old row, if present.
func (e *ChangeEvent) OldRecord() (any, error) {
	if len(e.Old) == 0 {
		return nil, nil
	}
	return decodeRow(e.Table, e.Old)
}

func decodeRow(table string, raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty row for table %q", table)
	}
	switch table {
	case TableLikes:
		var v Like
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding %s row: %w", table, err)
		}
		if v.PostID == "" || v.UserID == "" {
			return nil, fmt.Errorf("like row missing postId or userId")
		}
		return &v, nil
	case TableComments:
		var v Comment
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding %s row: %w", table, err)
		}
		if v.PostID == "" || v.UserID == "" {
			return nil, fmt.Errorf("comment row missing postId or userId")
		}
		return &v, nil
	case TableFriendRequests:
		var v FriendRequest
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding %s row: %w", table, err)
		}
		if v.RequesterID == "" || v.AddresseeID == "" {
			return nil, fmt.Errorf("friend request row missing requesterId or addresseeId")
		}
		return &v, nil
	case TableMessages:
		var v Message
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding %s row: %w", table, err)
		}
		if v.SenderID == "" || v.RecipientID == "" {
			return nil, fmt.Errorf("message row missing senderId or recipientId")
		}
		return &v, nil
	case TablePosts:
		var v Post
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding %s row: %w", table, err)
		}
		if v.UserID == "" {
			return nil, fmt.Errorf("post row missing userId")
		}
		return &v, nil
	case TableNotifications:
		var v NotificationRecord
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding %s row: %w", table, err)
		}
		return &v, nil
	case TableProfiles:
		var v User
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decoding %s row: %w", table, err)
		}
		return &v, nil
	default:
		return nil, fmt.Errorf("unknown table %q", table)
	}
}

// ============================================================================
// Offline Queue Types
// ============================================================================

// SyncStatus is the lifecycle state of a queued offline write.
type SyncStatus string

const (
	StatusPending SyncStatus = "pending"
	StatusSynced  SyncStatus = "synced"
	StatusFailed  SyncStatus = "failed"
)

// Offline collections persisted in the local store.
const (
	CollectionPosts    = "posts"
	CollectionMessages = "messages"
)

// PendingItem is a post or message queued while offline. It is owned by the
// local store until it syncs; Failed items stay eligible for retry until
// they succeed or are cleared.
type PendingItem struct {
	ID            string     `json:"id" db:"id"`
	Collection    string     `json:"collection" db:"collection"`
	Content       string     `json:"content" db:"content"`
	AttachmentURL string     `json:"attachmentUrl,omitempty" db:"attachment_url"`
	RecipientID   string     `json:"recipientId,omitempty" db:"recipient_id"`
	Status        SyncStatus `json:"status" db:"status"`
	Error         string     `json:"error,omitempty" db:"error"`
	CreatedAt     time.Time  `json:"createdAt" db:"created_at"`
}

// ============================================================================
// Storage (file) Types
// ============================================================================

// UploadResult is returned after an object-storage upload.
type UploadResult struct {
	Path      string `json:"path"`
	PublicURL string `json:"publicUrl"`
	Size      int64  `json:"size"`
}
