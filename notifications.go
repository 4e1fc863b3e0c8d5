package ripple

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// NotificationListener translates remote change events into notification
// records for the current user, across five tracked categories: post likes,
// post comments, friend requests, friend-request acceptances, and direct
// messages.
//
// Each qualifying event produces exactly one record with a rendered content
// string and a referenceId pointing at the originating entity. Events the
// current user generated themselves never notify. Handler failures are
// logged per event and never tear down the subscription.
//
// The listener does not deduplicate: if the server delivers the same event
// twice (retry, reconnect-resubscribe), two records are created.
type NotificationListener struct {
	client *Client
	rt     *RealtimeClient
	logger *zap.Logger

	user *User
	subs []*Subscription
}

// NewNotificationListener creates a listener bound to a client and a
// realtime connection.
func NewNotificationListener(client *Client, rt *RealtimeClient) *NotificationListener {
	return &NotificationListener{
		client: client,
		rt:     rt,
		logger: client.logger,
	}
}

// Start resolves the current user and registers the change subscriptions.
// It fails if the session is anonymous.
func (l *NotificationListener) Start(ctx context.Context) error {
	user, err := l.client.Auth.CurrentUser(ctx)
	if err != nil {
		return fmt.Errorf("resolving current user: %w", err)
	}
	if user == nil {
		return fmt.Errorf("notification listener requires an authenticated user")
	}
	l.user = user

	l.subs = []*Subscription{
		l.rt.Subscribe(TableLikes, EventFilter{Event: EventInsert}, l.wrap(l.onLike)),
		l.rt.Subscribe(TableComments, EventFilter{Event: EventInsert}, l.wrap(l.onComment)),
		l.rt.Subscribe(TableFriendRequests, EventFilter{Event: EventInsert, Column: "addresseeId", Value: user.ID}, l.wrap(l.onFriendRequest)),
		l.rt.Subscribe(TableFriendRequests, EventFilter{Event: EventUpdate, Column: "requesterId", Value: user.ID}, l.wrap(l.onFriendAccepted)),
		l.rt.Subscribe(TableMessages, EventFilter{Event: EventInsert, Column: "recipientId", Value: user.ID}, l.wrap(l.onMessage)),
	}
	l.logger.Info("notification listener started", zap.String("user", user.ID))
	return nil
}

// Stop unsubscribes every change subscription. After Stop returns no handler
// runs again; an in-flight remote call is not aborted.
func (l *NotificationListener) Stop() {
	for _, sub := range l.subs {
		sub.Unsubscribe()
	}
	l.subs = nil
}

// HandleWebhook feeds a verified webhook-delivered change event through the
// same routing the realtime subscriptions use.
func (l *NotificationListener) HandleWebhook(ev ChangeEvent) {
	if l.user == nil {
		return
	}
	switch ev.Table {
	case TableLikes:
		l.wrap(l.onLike)(ev)
	case TableComments:
		l.wrap(l.onComment)(ev)
	case TableFriendRequests:
		if ev.Event == EventInsert {
			l.wrap(l.onFriendRequest)(ev)
		} else {
			l.wrap(l.onFriendAccepted)(ev)
		}
	case TableMessages:
		l.wrap(l.onMessage)(ev)
	}
}

// wrap adapts a fallible event handler into a ChangeHandler that logs
// failures instead of propagating them.
func (l *NotificationListener) wrap(h func(ctx context.Context, ev ChangeEvent) error) ChangeHandler {
	return func(ev ChangeEvent) {
		ctx := context.Background()
		if err := h(ctx, ev); err != nil {
			l.logger.Warn("notification handler failed",
				zap.String("table", ev.Table),
				zap.String("event", ev.Event),
				zap.Error(err))
		}
	}
}

// actorName fetches the actor's display name so the notification text stays
// readable even if the actor later renames themselves.
func (l *NotificationListener) actorName(ctx context.Context, userID string) string {
	profile, err := l.client.Profiles.Get(ctx, userID)
	if err != nil || profile == nil {
		l.logger.Debug("actor profile lookup failed", zap.String("user", userID))
		return "Someone"
	}
	return profile.Name()
}

func (l *NotificationListener) notify(ctx context.Context, typ NotificationType, content, referenceID string) error {
	_, err := l.client.Notifications.Create(ctx, &NotificationRecord{
		UserID:      l.user.ID,
		Type:        typ,
		Content:     content,
		ReferenceID: referenceID,
	})
	if err != nil {
		return fmt.Errorf("creating %s notification: %w", typ, err)
	}
	return nil
}

func (l *NotificationListener) onLike(ctx context.Context, ev ChangeEvent) error {
	rec, err := ev.Record()
	if err != nil {
		return err
	}
	like := rec.(*Like)

	post, err := l.client.Posts.Get(ctx, like.PostID)
	if err != nil {
		return fmt.Errorf("fetching liked post: %w", err)
	}
	if post == nil || post.UserID != l.user.ID {
		return nil
	}
	if like.UserID == post.UserID {
		return nil // self-likes never notify
	}

	name := l.actorName(ctx, like.UserID)
	return l.notify(ctx, NotificationLike, name+" liked your post", post.ID)
}

func (l *NotificationListener) onComment(ctx context.Context, ev ChangeEvent) error {
	rec, err := ev.Record()
	if err != nil {
		return err
	}
	comment := rec.(*Comment)

	post, err := l.client.Posts.Get(ctx, comment.PostID)
	if err != nil {
		return fmt.Errorf("fetching commented post: %w", err)
	}
	if post == nil || post.UserID != l.user.ID {
		return nil
	}
	if comment.UserID == post.UserID {
		return nil
	}

	name := l.actorName(ctx, comment.UserID)
	content := name + " commented on your post"
	if comment.Content != "" {
		content += ": " + snippet(comment.Content, 80)
	}
	return l.notify(ctx, NotificationComment, content, post.ID)
}

func (l *NotificationListener) onFriendRequest(ctx context.Context, ev ChangeEvent) error {
	rec, err := ev.Record()
	if err != nil {
		return err
	}
	req := rec.(*FriendRequest)

	if req.AddresseeID != l.user.ID || req.RequesterID == l.user.ID {
		return nil
	}

	name := l.actorName(ctx, req.RequesterID)
	return l.notify(ctx, NotificationFriendRequest, name+" sent you a friend request", req.ID)
}

func (l *NotificationListener) onFriendAccepted(ctx context.Context, ev ChangeEvent) error {
	rec, err := ev.Record()
	if err != nil {
		return err
	}
	req := rec.(*FriendRequest)

	if req.Status != FriendAccepted {
		return nil
	}
	if req.RequesterID != l.user.ID || req.AddresseeID == l.user.ID {
		return nil
	}

	// Only the pending -> accepted transition notifies; re-delivered
	// updates of an already-accepted row are indistinguishable without a
	// dedup key and will notify again.
	if old, err := ev.OldRecord(); err == nil && old != nil {
		if prev, ok := old.(*FriendRequest); ok && prev.Status == FriendAccepted {
			return nil
		}
	}

	name := l.actorName(ctx, req.AddresseeID)
	return l.notify(ctx, NotificationFriendAccepted, name+" accepted your friend request", req.ID)
}

func (l *NotificationListener) onMessage(ctx context.Context, ev ChangeEvent) error {
	rec, err := ev.Record()
	if err != nil {
		return err
	}
	msg := rec.(*Message)

	if msg.RecipientID != l.user.ID || msg.SenderID == l.user.ID {
		return nil
	}

	name := l.actorName(ctx, msg.SenderID)
	return l.notify(ctx, NotificationMessage, "New message from "+name, msg.SenderID)
}

func snippet(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
