// Package mailbox implements inter-agent mail on top of a store.MailStore.
package mailbox

import (
	"context"
	"fmt"

	"github.com/arborhq/arbor/internal/models"
	"github.com/arborhq/arbor/internal/store"
)

// MaxBodyLength bounds a mail body; callers should enforce this before
// calling Send so the rejection can be reported with the original text.
const MaxBodyLength = 4096

// Mailbox sends and reads inter-agent mail.
type Mailbox struct {
	mail store.MailStore
}

// New returns a Mailbox backed by mail.
func New(mail store.MailStore) *Mailbox {
	return &Mailbox{mail: mail}
}

// Send delivers body from `from` to `to`. The underlying store rejects
// sends to a non-running or unknown recipient with a referential-integrity
// error.
func (m *Mailbox) Send(ctx context.Context, sessionID int64, from, to, body string) (int64, error) {
	if body == "" {
		return 0, fmt.Errorf("mailbox: message body must not be empty")
	}
	if len(body) > MaxBodyLength {
		return 0, fmt.Errorf("mailbox: message body exceeds %d bytes", MaxBodyLength)
	}
	msg := &models.Mail{SessionID: sessionID, FromUUID: from, ToUUID: to, Body: body}
	return m.mail.InsertMail(ctx, msg)
}

// Inbox returns to's mail, unread-first then newest-first.
func (m *Mailbox) Inbox(ctx context.Context, sessionID int64, to string) ([]*models.Mail, error) {
	return m.mail.Inbox(ctx, sessionID, to)
}

// InboxFiltered returns to's mail from a single sender, same ordering as
// Inbox.
func (m *Mailbox) InboxFiltered(ctx context.Context, sessionID int64, to, from string) ([]*models.Mail, error) {
	return m.mail.InboxFiltered(ctx, sessionID, to, from)
}

// MarkRead marks a single mail item read.
func (m *Mailbox) MarkRead(ctx context.Context, mailID int64) error {
	return m.mail.MarkMailRead(ctx, mailID)
}

// Delete removes a mail item on behalf of recipient. Deleting a nonexistent
// id and deleting another agent's mail both fail with the store's
// authorization-opaque error, so a caller cannot distinguish "not found"
// from "not yours".
func (m *Mailbox) Delete(ctx context.Context, mailID int64, recipient string) error {
	return m.mail.DeleteMail(ctx, mailID, recipient)
}

// ResolveIndex maps a 1-based inbox position to a mail id, for the
// `/delete-mail <index>` command which addresses mail by its display
// position rather than its store id.
func ResolveIndex(inbox []*models.Mail, index int) (int64, error) {
	if index < 1 || index > len(inbox) {
		return 0, fmt.Errorf("mailbox: index %d out of range", index)
	}
	return inbox[index-1].ID, nil
}
