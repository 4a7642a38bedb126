package messages

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/cwygoda/attachdl/internal/domain"
)

// mockStore implements Store for testing.
type mockStore struct {
	mu    sync.Mutex
	msgs  map[string]*domain.Message
	loads int
	saves int
}

func (m *mockStore) GetMessage(_ context.Context, id string) (*domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	msg, ok := m.msgs[id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	return msg.Clone(), nil
}

func (m *mockStore) SaveMessage(_ context.Context, msg *domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.msgs[msg.ID] = msg.Clone()
	return nil
}

func (m *mockStore) DeleteMessage(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.msgs, id)
	return nil
}

func newTestCache(t *testing.T) (*Cache, *mockStore) {
	store := &mockStore{msgs: map[string]*domain.Message{}}
	var atts []domain.Attachment
	for i := range 10 {
		atts = append(atts, domain.Attachment{Digest: fmt.Sprintf("d%d", i)})
	}
	store.msgs["m1"] = &domain.Message{
		ID:          "m1",
		Attachments: map[domain.AttachmentType][]domain.Attachment{domain.TypeAttachment: atts},
	}
	return NewCache(store, zaptest.NewLogger(t).Sugar()), store
}

func TestCache_AddAttachmentToMessage(t *testing.T) {
	c, store := newTestCache(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			att := domain.Attachment{Digest: fmt.Sprintf("d%d", i), Path: fmt.Sprintf("/p/%d", i)}
			if err := c.AddAttachmentToMessage(ctx, "m1", att, domain.AddAttachmentOptions{Type: domain.TypeAttachment}); err != nil {
				t.Errorf("AddAttachmentToMessage() error = %v", err)
			}
		}()
	}
	wg.Wait()

	msg, err := c.GetMessage(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	for i, att := range msg.Attachments[domain.TypeAttachment] {
		if want := fmt.Sprintf("/p/%d", i); att.Path != want {
			t.Errorf("attachment %d path = %q, want %q", i, att.Path, want)
		}
	}
	if store.loads != 1 {
		t.Errorf("store loads = %d, want 1", store.loads)
	}
	if store.saves != 0 {
		t.Errorf("store saves = %d before SaveMessage", store.saves)
	}

	if err := c.SaveMessage(ctx, "m1"); err != nil {
		t.Fatalf("SaveMessage() error = %v", err)
	}
	if store.msgs["m1"].Attachments[domain.TypeAttachment][3].Path != "/p/3" {
		t.Error("SaveMessage() did not persist cached state")
	}
}

func TestCache_Errors(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	err := c.AddAttachmentToMessage(ctx, "missing", domain.Attachment{Digest: "d0"}, domain.AddAttachmentOptions{Type: domain.TypeAttachment})
	if !errors.Is(err, domain.ErrMessageNotFound) {
		t.Errorf("error = %v, want %v", err, domain.ErrMessageNotFound)
	}

	err = c.AddAttachmentToMessage(ctx, "m1", domain.Attachment{Digest: "zz"}, domain.AddAttachmentOptions{Type: domain.TypeAttachment})
	if !errors.Is(err, domain.ErrAttachmentNotFound) {
		t.Errorf("error = %v, want %v", err, domain.ErrAttachmentNotFound)
	}

	if err := c.SaveMessage(ctx, "never-loaded"); err != nil {
		t.Errorf("SaveMessage() of uncached message error = %v", err)
	}
}

func TestCache_GetMessageReturnsCopy(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	msg, _ := c.GetMessage(ctx, "m1")
	msg.Attachments[domain.TypeAttachment][0].Path = "mutated"

	again, _ := c.GetMessage(ctx, "m1")
	if again.Attachments[domain.TypeAttachment][0].Path != "" {
		t.Error("GetMessage() leaked cached state")
	}
}

func TestCache_UpdateMessageNotifies(t *testing.T) {
	c, store := newTestCache(t)
	var seen []string
	c.OnChange = func(m *domain.Message) { seen = append(seen, m.ID) }

	msg := &domain.Message{ID: "m2", DeletedForEveryone: true}
	if err := c.UpdateMessage(context.Background(), msg); err != nil {
		t.Fatalf("UpdateMessage() error = %v", err)
	}
	if len(seen) != 1 || !store.msgs["m2"].DeletedForEveryone {
		t.Errorf("seen = %v, stored = %+v", seen, store.msgs["m2"])
	}
}

func TestCache_EvictsIdleEntries(t *testing.T) {
	c, store := newTestCache(t)
	ctx := context.Background()

	for range 3 {
		if _, err := c.GetMessage(ctx, "m1"); err != nil {
			t.Fatalf("GetMessage() error = %v", err)
		}
	}
	if _, err := c.GetMessage(ctx, "missing"); !errors.Is(err, domain.ErrMessageNotFound) {
		t.Errorf("error = %v, want %v", err, domain.ErrMessageNotFound)
	}
	if n := c.Len(); n != 0 {
		t.Errorf("entries after reads = %d, want 0", n)
	}
	if store.loads != 4 {
		t.Errorf("store loads = %d, want 4", store.loads)
	}

	att := domain.Attachment{Digest: "d1", Path: "/p/1"}
	if err := c.AddAttachmentToMessage(ctx, "m1", att, domain.AddAttachmentOptions{Type: domain.TypeAttachment}); err != nil {
		t.Fatalf("AddAttachmentToMessage() error = %v", err)
	}
	if n := c.Len(); n != 1 {
		t.Errorf("entries with unsaved changes = %d, want 1", n)
	}
	if err := c.SaveMessage(ctx, "m1"); err != nil {
		t.Fatalf("SaveMessage() error = %v", err)
	}
	if n := c.Len(); n != 0 {
		t.Errorf("entries after save = %d, want 0", n)
	}
	if store.msgs["m1"].Attachments[domain.TypeAttachment][1].Path != "/p/1" {
		t.Error("SaveMessage() did not persist cached state")
	}
}

func TestCache_DeleteMessage(t *testing.T) {
	c, store := newTestCache(t)
	ctx := context.Background()

	att := domain.Attachment{Digest: "d0", Pending: true}
	if err := c.AddAttachmentToMessage(ctx, "m1", att, domain.AddAttachmentOptions{Type: domain.TypeAttachment}); err != nil {
		t.Fatalf("AddAttachmentToMessage() error = %v", err)
	}
	if err := c.DeleteMessage(ctx, "m1"); err != nil {
		t.Fatalf("DeleteMessage() error = %v", err)
	}
	// A late flush from an in-flight download must not bring the row back.
	if err := c.SaveMessage(ctx, "m1"); err != nil {
		t.Fatalf("SaveMessage() error = %v", err)
	}
	if _, ok := store.msgs["m1"]; ok {
		t.Error("deleted message was written back")
	}
	if _, err := c.GetMessage(ctx, "m1"); !errors.Is(err, domain.ErrMessageNotFound) {
		t.Errorf("GetMessage() error = %v, want %v", err, domain.ErrMessageNotFound)
	}
	if n := c.Len(); n != 0 {
		t.Errorf("entries = %d, want 0", n)
	}
}
