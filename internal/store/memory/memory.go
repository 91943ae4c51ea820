// Package memory implements the store contracts on mutex-guarded maps. It
// backs development runs and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/billing-messenger/internal/models"
	"github.com/example/billing-messenger/internal/store"
	"github.com/example/billing-messenger/internal/util"
)

var (
	_ store.TemplateStore    = (*Store)(nil)
	_ store.RecipientStore   = (*Store)(nil)
	_ store.DeliveryLog      = (*Store)(nil)
	_ store.InteractionStore = (*Store)(nil)
)

// Store implements every store contract in memory.
type Store struct {
	mu           sync.RWMutex
	now          func() time.Time
	templates    map[string]models.Template
	recipients   map[string]models.Recipient
	entries      []models.DeliveryLogEntry
	entryIDs     map[string]struct{}
	interactions map[string]*models.Interaction
	order        []string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		now:          time.Now,
		templates:    make(map[string]models.Template),
		recipients:   make(map[string]models.Recipient),
		entryIDs:     make(map[string]struct{}),
		interactions: make(map[string]*models.Interaction),
	}
}

// Stores exposes s through the store.Stores bundle.
func (s *Store) Stores() store.Stores {
	return store.Stores{Templates: s, Recipients: s, Deliveries: s, Interactions: s}
}

// GetActive implements store.TemplateStore.
func (s *Store) GetActive(_ context.Context, code string) (*models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tpl, ok := s.templates[code]
	if !ok || !tpl.Active {
		return nil, store.ErrNotFound
	}
	return &tpl, nil
}

// UpsertTemplate implements store.TemplateStore.
func (s *Store) UpsertTemplate(_ context.Context, tpl *models.Template) error {
	if tpl == nil || strings.TrimSpace(tpl.Code) == "" {
		return fmt.Errorf("memory store: template code is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	cp := *tpl
	if prev, ok := s.templates[cp.Code]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.templates[cp.Code] = cp
	return nil
}

// ListTemplates implements store.TemplateStore.
func (s *Store) ListTemplates(_ context.Context) ([]models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Template, 0, len(s.templates))
	for _, tpl := range s.templates {
		out = append(out, tpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// GetRecipient implements store.RecipientStore.
func (s *Store) GetRecipient(_ context.Context, id string) (*models.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.recipients[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

// FindByPhoneSuffix implements store.RecipientStore. Candidates are scanned
// in id order so the first match is stable.
func (s *Store) FindByPhoneSuffix(_ context.Context, phone string, minDigits int) (*models.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.sortedRecipientIDs() {
		r := s.recipients[id]
		if util.SuffixMatch(phone, r.Phone, minDigits) {
			return &r, nil
		}
	}
	return nil, store.ErrNotFound
}

// ListMessagingEnabled implements store.RecipientStore.
func (s *Store) ListMessagingEnabled(_ context.Context) ([]models.Recipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Recipient
	for _, id := range s.sortedRecipientIDs() {
		if r := s.recipients[id]; r.MessagingEnabled {
			out = append(out, r)
		}
	}
	return out, nil
}

// UpdateStatus implements store.RecipientStore.
func (s *Store) UpdateStatus(_ context.Context, id string, status models.RecipientStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = status
	s.recipients[id] = r
	return nil
}

// UpsertRecipient implements store.RecipientStore.
func (s *Store) UpsertRecipient(_ context.Context, r *models.Recipient) error {
	if r == nil || strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("memory store: recipient id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipients[r.ID] = *r
	return nil
}

func (s *Store) sortedRecipientIDs() []string {
	ids := make([]string, 0, len(s.recipients))
	for id := range s.recipients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Append implements store.DeliveryLog.
func (s *Store) Append(_ context.Context, entry *models.DeliveryLogEntry) error {
	if entry == nil || entry.ID == "" {
		return fmt.Errorf("memory store: delivery entry id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.entryIDs[entry.ID]; dup {
		return store.ErrDuplicateID
	}
	s.entryIDs[entry.ID] = struct{}{}
	s.entries = append(s.entries, *entry)
	return nil
}

// ListDeliveries implements store.DeliveryLog.
func (s *Store) ListDeliveries(_ context.Context, f models.DeliveryFilter) ([]models.DeliveryLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DeliveryLogEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if !matches(e, f) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

// Summary implements store.DeliveryLog.
func (s *Store) Summary(_ context.Context, since time.Time) (models.DeliverySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total, ok, failed int
	for _, e := range s.entries {
		if e.CreatedAt.Before(since) {
			continue
		}
		total++
		switch e.Outcome {
		case models.OutcomeSuccess:
			ok++
		case models.OutcomeFailed:
			failed++
		}
	}
	return store.Summarize(total, ok, failed), nil
}

// LatestOutbound implements store.DeliveryLog.
func (s *Store) LatestOutbound(_ context.Context, recipientID string, since time.Time) (*models.DeliveryLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.entries) - 1; i >= 0; i-- {
		e := s.entries[i]
		if e.RecipientID != recipientID || e.Kind == models.KindIncoming || e.Outcome != models.OutcomeSuccess {
			continue
		}
		if e.CreatedAt.Before(since) {
			continue
		}
		return &e, nil
	}
	return nil, store.ErrNotFound
}

func matches(e models.DeliveryLogEntry, f models.DeliveryFilter) bool {
	switch {
	case f.RecipientID != "" && e.RecipientID != f.RecipientID:
		return false
	case f.Kind != "" && e.Kind != f.Kind:
		return false
	case f.Outcome != "" && e.Outcome != f.Outcome:
		return false
	case !f.Since.IsZero() && e.CreatedAt.Before(f.Since):
		return false
	}
	return true
}

// CreateInteraction implements store.InteractionStore.
func (s *Store) CreateInteraction(_ context.Context, in *models.Interaction) error {
	if in == nil || in.ID == "" {
		return fmt.Errorf("memory store: interaction id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.interactions[in.ID]; dup {
		return store.ErrDuplicateID
	}
	cp := *in
	s.interactions[in.ID] = &cp
	s.order = append(s.order, in.ID)
	return nil
}

// AttachNotes implements store.InteractionStore.
func (s *Store) AttachNotes(_ context.Context, id, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.interactions[id]
	if !ok {
		return store.ErrNotFound
	}
	if in.Notes != "" {
		return store.ErrNotesAlreadySet
	}
	in.Notes = notes
	return nil
}

// ListInteractions implements store.InteractionStore.
func (s *Store) ListInteractions(_ context.Context, recipientID string, limit int) ([]models.Interaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Interaction
	for i := len(s.order) - 1; i >= 0; i-- {
		in := s.interactions[s.order[i]]
		if recipientID != "" && in.RecipientID != recipientID {
			continue
		}
		out = append(out, *in)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
