package domain

import "time"

// MessageType is the kind of message owning attachments.
type MessageType string

const (
	MessageIncoming MessageType = "incoming"
	MessageOutgoing MessageType = "outgoing"
	MessageStory    MessageType = "story"
)

// Message holds the fields of a message the scheduler reads or writes.
type Message struct {
	ID                 string
	ConversationID     string
	Type               MessageType
	SentAt             time.Time
	DeletedForEveryone bool
	Attachments        map[AttachmentType][]Attachment
}

// Clone returns a deep copy so callers can mutate it freely.
func (m *Message) Clone() *Message {
	c := *m
	c.Attachments = make(map[AttachmentType][]Attachment, len(m.Attachments))
	for typ, list := range m.Attachments {
		c.Attachments[typ] = append([]Attachment(nil), list...)
	}
	return &c
}

// ReplaceAttachment swaps the attachment matching att in the slot for typ.
// It returns false if no attachment matched.
func (m *Message) ReplaceAttachment(typ AttachmentType, att Attachment) bool {
	list := m.Attachments[typ]
	for i := range list {
		if list[i].Matches(att) {
			list[i] = att
			return true
		}
	}
	return false
}

// FindAttachment returns the attachment in slot typ matching att.
func (m *Message) FindAttachment(typ AttachmentType, att Attachment) (Attachment, bool) {
	for _, existing := range m.Attachments[typ] {
		if existing.Matches(att) {
			return existing, true
		}
	}
	return Attachment{}, false
}
