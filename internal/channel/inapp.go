package channel

import (
	"context"
	"errors"
	"time"

	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/repository"
)

// InApp places the notification in the user's inbox. Realtime push happens
// after the dispatcher records the success.
type InApp struct {
	inbox repository.InboxStore
	now   func() time.Time
}

// NewInApp creates the in-app adapter.
func NewInApp(inbox repository.InboxStore) *InApp {
	return &InApp{inbox: inbox, now: time.Now}
}

func (a *InApp) Deliver(ctx context.Context, entry *domain.DeliveryEntry, n *domain.Notification) Result {
	err := a.inbox.PutInboxItem(ctx, &domain.InboxItem{
		UserID:         n.UserID,
		NotificationID: n.ID,
		DeliveredAt:    a.now().UTC(),
	})
	if err != nil {
		return Transient("inbox write: %v", err)
	}
	return Delivered()
}

// lookupContacts resolves a user's destinations. A user without any is a
// permanent failure; a store error is transient.
func lookupContacts(ctx context.Context, store repository.ContactStore, userID string) (*domain.Contacts, *Result) {
	c, err := store.GetContacts(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		r := Permanent("no contact points for user")
		return nil, &r
	}
	if err != nil {
		r := Transient("contact lookup: %v", err)
		return nil, &r
	}
	return c, nil
}
