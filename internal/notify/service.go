// Package notify records in-app notifications and mirrors them to email.
package notify

import (
	"context"
	"log"
	"strconv"
	"time"

	"tablero/api/internal/email"
	"tablero/api/internal/store"
)

// defaultListLimit caps the notification dropdown payload.
const defaultListLimit = 20

// Delivery is the outcome of the email mirror of a notification. It is
// logged for operators and never surfaced to API callers.
type Delivery int

const (
	DeliverySkipped Delivery = iota
	DeliveryDelivered
	DeliveryFailed
)

func (d Delivery) String() string {
	switch d {
	case DeliveryDelivered:
		return "delivered"
	case DeliveryFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// Store defines the storage interface for notifications.
type Store interface {
	InsertNotification(ctx context.Context, n store.Notification) (store.Notification, error)
	GetUserByID(ctx context.Context, id int64) (store.User, error)
	UnreadNotificationCount(ctx context.Context, userID int64) (int, error)
	ListNotifications(ctx context.Context, userID int64, limit int) ([]store.Notification, error)
	MarkNotificationRead(ctx context.Context, notificationID, userID int64) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, userID int64) error
}

// Mailer sends the email counterpart of a notification.
type Mailer interface {
	IsConfigured() bool
	SendNotificationEmail(to, userName string, data email.NotificationData) error
}

// Service records notifications. Recording is best effort: a failure to
// persist or deliver never propagates to the action that triggered it.
type Service struct {
	store   Store
	mailer  Mailer
	baseURL string
}

func NewService(store Store, mailer Mailer, baseURL string) *Service {
	return &Service{store: store, mailer: mailer, baseURL: baseURL}
}

// messageFor maps a notification type to the phrase shown after the
// actor's name.
func messageFor(notificationType string) string {
	switch notificationType {
	case "issue_created":
		return "created an issue"
	case "issue_updated":
		return "updated an issue"
	case "issue_assigned":
		return "assigned you an issue"
	case "comment_added":
		return "commented on an issue"
	case "page_created":
		return "created a wiki page"
	case "page_updated":
		return "updated a wiki page"
	default:
		return "updated an item"
	}
}

func (s *Service) entityURL(n store.Notification) string {
	if s.baseURL == "" {
		return ""
	}
	switch n.EntityType {
	case "issue":
		return s.baseURL + "/issues/" + strconv.FormatInt(n.EntityID, 10)
	case "page":
		return s.baseURL + "/wiki/" + strconv.FormatInt(n.EntityID, 10)
	default:
		return s.baseURL
	}
}

// Record persists a notification for one recipient and fires the email
// mirror in the background. Failures are logged and swallowed so the
// triggering action is never blocked.
func (s *Service) Record(ctx context.Context, n store.Notification) {
	saved, err := s.store.InsertNotification(ctx, n)
	if err != nil {
		log.Printf("notify: insert notification for user %d: %v", n.UserID, err)
		return
	}

	go s.deliverEmail(saved)
}

func (s *Service) deliverEmail(n store.Notification) {
	outcome := s.emailOutcome(n)
	log.Printf("notify: email for notification %d user %d: %s", n.ID, n.UserID, outcome)
}

func (s *Service) emailOutcome(n store.Notification) Delivery {
	if s.mailer == nil || !s.mailer.IsConfigured() {
		return DeliverySkipped
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	recipient, err := s.store.GetUserByID(ctx, n.UserID)
	if err != nil {
		log.Printf("notify: lookup recipient %d: %v", n.UserID, err)
		return DeliveryFailed
	}

	data := email.NotificationData{
		ActorName:   n.ActorName,
		Message:     messageFor(n.Type),
		EntityTitle: n.EntityTitle,
		EntityURL:   s.entityURL(n),
	}
	if err := s.mailer.SendNotificationEmail(recipient.Email, recipient.Name, data); err != nil {
		log.Printf("notify: send email to %s: %v", recipient.Email, err)
		return DeliveryFailed
	}
	return DeliveryDelivered
}

// UnreadCount returns the number of unread notifications for a user.
func (s *Service) UnreadCount(ctx context.Context, userID int64) (int, error) {
	return s.store.UnreadNotificationCount(ctx, userID)
}

// List returns the most recent notifications for a user, newest first.
func (s *Service) List(ctx context.Context, userID int64) ([]store.Notification, error) {
	items, err := s.store.ListNotifications(ctx, userID, defaultListLimit)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []store.Notification{}
	}
	return items, nil
}

// MarkRead marks one notification as read. Only the owner's rows are
// touched; repeating the call leaves the original read timestamp in
// place. Both the already-read and the not-yours case report success
// without changing anything.
func (s *Service) MarkRead(ctx context.Context, notificationID, userID int64) error {
	_, err := s.store.MarkNotificationRead(ctx, notificationID, userID)
	return err
}

// MarkAllRead marks every unread notification for a user as read.
func (s *Service) MarkAllRead(ctx context.Context, userID int64) error {
	return s.store.MarkAllNotificationsRead(ctx, userID)
}
