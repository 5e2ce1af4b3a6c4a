// Package memory is an in-process implementation of repository.Store.
// A single mutex serializes every operation, which gives ClaimDue the same
// exclusivity that SKIP LOCKED gives the postgres store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cardpilot.io/notifier/internal/domain"
	"cardpilot.io/notifier/internal/repository"
)

type onceKey struct {
	notificationID string
	action         domain.Action
}

type pairKey struct {
	a, b string
}

// Store keeps all state in maps guarded by one mutex.
type Store struct {
	mu sync.Mutex

	notifications map[string]*domain.Notification
	entries       map[string]*domain.DeliveryEntry
	entryOrder    []string
	preferences   map[string]*domain.Preferences
	contacts      map[string]*domain.Contacts
	inbox         map[pairKey]*domain.InboxItem
	events        []*domain.HistoryEvent
	onceIndex     map[onceKey]bool
	assignments   map[pairKey]*domain.Assignment
}

var _ repository.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		notifications: make(map[string]*domain.Notification),
		entries:       make(map[string]*domain.DeliveryEntry),
		preferences:   make(map[string]*domain.Preferences),
		contacts:      make(map[string]*domain.Contacts),
		inbox:         make(map[pairKey]*domain.InboxItem),
		onceIndex:     make(map[onceKey]bool),
		assignments:   make(map[pairKey]*domain.Assignment),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) CreateNotification(_ context.Context, n *domain.Notification, entries []*domain.DeliveryEntry, created *domain.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.notifications[n.ID]; ok {
		return fmt.Errorf("notification %s: %w", n.ID, repository.ErrConflict)
	}
	for _, e := range entries {
		if _, ok := s.entries[e.ID]; ok {
			return fmt.Errorf("entry %s: %w", e.ID, repository.ErrConflict)
		}
	}

	cp := *n
	s.notifications[n.ID] = &cp
	s.insertEntriesLocked(entries)
	if created != nil {
		s.appendLocked(created)
	}
	return nil
}

func (s *Store) GetNotification(_ context.Context, id string) (*domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok {
		return nil, fmt.Errorf("notification %s: %w", id, repository.ErrNotFound)
	}
	cp := *n
	return &cp, nil
}

func (s *Store) InsertEntries(_ context.Context, entries []*domain.DeliveryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if _, ok := s.notifications[e.NotificationID]; !ok {
			return fmt.Errorf("notification %s: %w", e.NotificationID, repository.ErrNotFound)
		}
		if _, ok := s.entries[e.ID]; ok {
			return fmt.Errorf("entry %s: %w", e.ID, repository.ErrConflict)
		}
	}
	s.insertEntriesLocked(entries)
	return nil
}

func (s *Store) insertEntriesLocked(entries []*domain.DeliveryEntry) {
	for _, e := range entries {
		cp := *e
		s.entries[e.ID] = &cp
		s.entryOrder = append(s.entryOrder, e.ID)
	}
}

func (s *Store) ClaimDue(_ context.Context, workerID string, now time.Time, lease time.Duration, limit int) ([]*domain.DeliveryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.DeliveryEntry
	for _, e := range s.entries {
		if e.Due(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return domain.DeliveryOrder(due[i], due[j]) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	expires := now.Add(lease)
	out := make([]*domain.DeliveryEntry, 0, len(due))
	for _, e := range due {
		e.Status = domain.StatusProcessing
		e.LeaseOwner = workerID
		e.LeaseExpiresAt = &expires
		e.UpdatedAt = now
		out = append(out, copyEntry(e))
	}
	return out, nil
}

func (s *Store) Resolve(_ context.Context, r domain.Resolution) (domain.DeliveryStatus, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[r.EntryID]
	if !ok {
		return "", fmt.Errorf("entry %s: %w", r.EntryID, repository.ErrNotFound)
	}
	if e.Status != domain.StatusProcessing || e.LeaseOwner != r.WorkerID {
		return "", fmt.Errorf("entry %s: %w", r.EntryID, repository.ErrLeaseLost)
	}

	status, lastErr := r.Status, r.LastError
	if status == domain.StatusPending && e.CancelRequested {
		status, lastErr = domain.StatusCancelled, domain.ReasonCancelled
	}

	e.Status = status
	e.Attempts = r.Attempts
	e.LastError = lastErr
	if r.AttemptedAt != nil {
		at := *r.AttemptedAt
		e.LastAttemptAt = &at
	}
	if status == domain.StatusPending {
		e.ScheduledAt = r.ScheduledAt
	}
	e.LeaseOwner = ""
	e.LeaseExpiresAt = nil
	e.UpdatedAt = r.At
	if r.Event != nil {
		s.appendLocked(r.Event)
	}
	return status, nil
}

func (s *Store) CancelNotification(_ context.Context, notificationID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	affected := 0
	for _, e := range s.entries {
		if e.NotificationID != notificationID {
			continue
		}
		switch e.Status {
		case domain.StatusPending:
			e.Status = domain.StatusCancelled
			e.LastError = domain.ReasonCancelled
			e.UpdatedAt = now
			affected++
		case domain.StatusProcessing:
			if !e.CancelRequested {
				e.CancelRequested = true
				e.UpdatedAt = now
				affected++
			}
		}
	}
	return affected, nil
}

func (s *Store) ListEntries(_ context.Context, notificationID string) ([]*domain.DeliveryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.DeliveryEntry
	for _, id := range s.entryOrder {
		if e := s.entries[id]; e.NotificationID == notificationID {
			out = append(out, copyEntry(e))
		}
	}
	return out, nil
}

func (s *Store) ExpirePending(_ context.Context, now time.Time, limit int) ([]*domain.DeliveryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.DeliveryEntry
	for _, id := range s.entryOrder {
		if limit > 0 && len(out) >= limit {
			break
		}
		e := s.entries[id]
		if e.Status != domain.StatusPending {
			continue
		}
		n := s.notifications[e.NotificationID]
		if n == nil || !n.Expired(now) {
			continue
		}
		e.Status = domain.StatusFailed
		e.LastError = domain.ReasonExpired
		e.UpdatedAt = now
		out = append(out, copyEntry(e))
	}
	return out, nil
}

func (s *Store) CountByStatus(context.Context) (map[domain.DeliveryStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[domain.DeliveryStatus]int)
	for _, e := range s.entries {
		out[e.Status]++
	}
	return out, nil
}

func (s *Store) GetPreferences(_ context.Context, userID string) (*domain.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.preferences[userID]
	if !ok {
		return nil, fmt.Errorf("preferences %s: %w", userID, repository.ErrNotFound)
	}
	return copyPreferences(p), nil
}

func (s *Store) PutPreferences(_ context.Context, p *domain.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences[p.UserID] = copyPreferences(p)
	return nil
}

func (s *Store) GetContacts(_ context.Context, userID string) (*domain.Contacts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[userID]
	if !ok {
		return nil, fmt.Errorf("contacts %s: %w", userID, repository.ErrNotFound)
	}
	cp := *c
	cp.DeviceTokens = append([]string(nil), c.DeviceTokens...)
	return &cp, nil
}

func (s *Store) PutContacts(_ context.Context, c *domain.Contacts) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	cp.DeviceTokens = append([]string(nil), c.DeviceTokens...)
	s.contacts[c.UserID] = &cp
	return nil
}

func (s *Store) PutInboxItem(_ context.Context, item *domain.InboxItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{item.UserID, item.NotificationID}
	if _, ok := s.inbox[key]; ok {
		return nil
	}
	cp := *item
	s.inbox[key] = &cp
	return nil
}

func (s *Store) ListUnacknowledged(_ context.Context, userID string, limit int) ([]domain.InboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.InboxEntry
	for key, item := range s.inbox {
		if key.a != userID || item.AcknowledgedAt != nil {
			continue
		}
		n, ok := s.notifications[key.b]
		if !ok {
			continue
		}
		out = append(out, domain.InboxEntry{Item: *item, Notification: *n})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Item.DeliveredAt.Equal(out[j].Item.DeliveredAt) {
			return out[i].Item.DeliveredAt.After(out[j].Item.DeliveredAt)
		}
		return out[i].Item.NotificationID > out[j].Item.NotificationID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) AcknowledgeInbox(_ context.Context, userID, notificationID string, action domain.Action, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.inbox[pairKey{userID, notificationID}]
	if !ok || item.AcknowledgedAt != nil {
		return false, nil
	}
	item.AcknowledgedAt = &at
	item.AckAction = action
	return true, nil
}

func (s *Store) AppendEvent(_ context.Context, e *domain.HistoryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendLocked(e)
	return nil
}

func (s *Store) AppendEventOnce(_ context.Context, e *domain.HistoryEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := onceKey{e.NotificationID, e.Action}
	if s.onceIndex[key] {
		return false, nil
	}
	s.appendLocked(e)
	return true, nil
}

func (s *Store) appendLocked(e *domain.HistoryEvent) {
	cp := *e
	s.events = append(s.events, &cp)
	if e.Action.Once() {
		s.onceIndex[onceKey{e.NotificationID, e.Action}] = true
	}
}

func (s *Store) ListEvents(_ context.Context, f repository.EventFilter) ([]*domain.HistoryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.HistoryEvent
	for _, e := range s.events {
		if !matches(e, f) {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(e *domain.HistoryEvent, f repository.EventFilter) bool {
	switch {
	case f.UserID != "" && e.UserID != f.UserID,
		f.NotificationID != "" && e.NotificationID != f.NotificationID,
		f.Category != "" && e.Category != f.Category,
		f.Channel != "" && e.Channel != f.Channel,
		!f.From.IsZero() && e.OccurredAt.Before(f.From),
		!f.To.IsZero() && !e.OccurredAt.Before(f.To):
		return false
	}
	if len(f.Actions) == 0 {
		return true
	}
	for _, a := range f.Actions {
		if a == e.Action {
			return true
		}
	}
	return false
}

func (s *Store) GetAssignment(_ context.Context, experimentID, userID string) (*domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[pairKey{experimentID, userID}]
	if !ok {
		return nil, fmt.Errorf("assignment %s/%s: %w", experimentID, userID, repository.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *Store) InsertAssignmentIfAbsent(_ context.Context, a *domain.Assignment) (*domain.Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey{a.ExperimentID, a.UserID}
	if existing, ok := s.assignments[key]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *a
	s.assignments[key] = &cp
	out := cp
	return &out, nil
}

func copyEntry(e *domain.DeliveryEntry) *domain.DeliveryEntry {
	cp := *e
	if e.LeaseExpiresAt != nil {
		t := *e.LeaseExpiresAt
		cp.LeaseExpiresAt = &t
	}
	if e.LastAttemptAt != nil {
		t := *e.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	return &cp
}

func copyPreferences(p *domain.Preferences) *domain.Preferences {
	cp := *p
	if p.Categories != nil {
		cp.Categories = make(map[domain.Category]domain.CategoryPreference, len(p.Categories))
		for k, v := range p.Categories {
			v.Channels = append([]domain.Channel(nil), v.Channels...)
			cp.Categories[k] = v
		}
	}
	if p.QuietHours != nil {
		q := *p.QuietHours
		cp.QuietHours = &q
	}
	return &cp
}
