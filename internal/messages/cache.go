// Package messages keeps an in-memory view of messages whose attachments are
// being downloaded and writes it through to durable storage.
package messages

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/cwygoda/attachdl/internal/domain"
)

// Store is the durable message table.
type Store interface {
	GetMessage(ctx context.Context, id string) (*domain.Message, error)
	SaveMessage(ctx context.Context, msg *domain.Message) error
	DeleteMessage(ctx context.Context, id string) error
}

// entry is dropped from the cache once no caller holds it and its message
// has no unsaved changes.
type entry struct {
	mu    sync.Mutex
	msg   *domain.Message
	refs  int
	dirty bool
}

// Cache serializes mutations per message. It implements domain.MessageStore.
type Cache struct {
	store Store
	log   *zap.SugaredLogger

	mu      sync.Mutex
	entries map[string]*entry
	// OnChange, if set, observes every attachment update.
	OnChange func(msg *domain.Message)
}

// NewCache creates a cache over store.
func NewCache(store Store, log *zap.SugaredLogger) *Cache {
	return &Cache{store: store, log: log, entries: make(map[string]*entry)}
}

// acquire returns the locked entry for id.
func (c *Cache) acquire(id string) *entry {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{}
		c.entries[id] = e
	}
	e.refs++
	c.mu.Unlock()

	e.mu.Lock()
	return e
}

// release unlocks e. c.mu is never held while waiting on an entry lock, so
// taking it here under e.mu cannot deadlock.
func (c *Cache) release(id string, e *entry) {
	c.mu.Lock()
	e.refs--
	if e.refs == 0 && !e.dirty {
		delete(c.entries, id)
	}
	c.mu.Unlock()
	e.mu.Unlock()
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// load returns the cached message. e.mu must be held.
func (c *Cache) load(ctx context.Context, id string, e *entry) (*domain.Message, error) {
	if e.msg != nil {
		return e.msg, nil
	}
	msg, err := c.store.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.Attachments == nil {
		msg.Attachments = make(map[domain.AttachmentType][]domain.Attachment)
	}
	e.msg = msg
	return msg, nil
}

// GetMessage returns a copy of the message.
func (c *Cache) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	e := c.acquire(id)
	defer c.release(id, e)

	msg, err := c.load(ctx, id, e)
	if err != nil {
		return nil, err
	}
	return msg.Clone(), nil
}

// UpdateMessage replaces the cached message and persists it.
func (c *Cache) UpdateMessage(ctx context.Context, msg *domain.Message) error {
	e := c.acquire(msg.ID)
	defer c.release(msg.ID, e)

	e.msg = msg.Clone()
	if e.msg.Attachments == nil {
		e.msg.Attachments = make(map[domain.AttachmentType][]domain.Attachment)
	}
	c.notify(e.msg)
	err := c.store.SaveMessage(ctx, e.msg)
	e.dirty = err != nil
	return err
}

// DeleteMessage removes the message from the store and the cache.
func (c *Cache) DeleteMessage(ctx context.Context, id string) error {
	e := c.acquire(id)
	defer c.release(id, e)

	if err := c.store.DeleteMessage(ctx, id); err != nil {
		return err
	}
	e.msg = nil
	e.dirty = false
	return nil
}

// AddAttachmentToMessage replaces the attachment matching att in the given
// slot of the cached message.
func (c *Cache) AddAttachmentToMessage(ctx context.Context, messageID string, att domain.Attachment, opts domain.AddAttachmentOptions) error {
	e := c.acquire(messageID)
	defer c.release(messageID, e)

	msg, err := c.load(ctx, messageID, e)
	if err != nil {
		return fmt.Errorf("%s: %w", opts.LogID, err)
	}
	if !msg.ReplaceAttachment(opts.Type, att) {
		c.log.Warnf("%s: no matching %s attachment on message", opts.LogID, opts.Type)
		return fmt.Errorf("%s: %w", opts.LogID, domain.ErrAttachmentNotFound)
	}
	e.dirty = true
	c.notify(msg)
	return nil
}

// SaveMessage writes the cached message to the store.
func (c *Cache) SaveMessage(ctx context.Context, id string) error {
	e := c.acquire(id)
	defer c.release(id, e)

	if e.msg == nil || !e.dirty {
		return nil
	}
	if err := c.store.SaveMessage(ctx, e.msg); err != nil {
		return err
	}
	e.dirty = false
	return nil
}

func (c *Cache) notify(msg *domain.Message) {
	if c.OnChange != nil {
		c.OnChange(msg.Clone())
	}
}
