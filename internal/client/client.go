// Package client defines the protocol-client contracts of the sync
// engine: a retrieval capability (IMAP) and a submission capability
// (SMTP), both polymorphic over transport security and provider
// behavior. Provider quirks live in strategy objects (provider.go),
// never in type hierarchies.
package client

import (
	"context"

	"github.com/modernmail/engine/internal/model"
)

// DeltaKind tags one incremental change in a folder since the last
// cursor.
type DeltaKind int

const (
	// DeltaAdded introduces a message. Re-delivery of the same UID is
	// a no-op for the store.
	DeltaAdded DeltaKind = iota

	// DeltaFlagsChanged replaces the flag set of an existing message.
	DeltaFlagsChanged

	// DeltaRemoved tombstones a message.
	DeltaRemoved

	// DeltaCursorInvalidated signals that the stored cursor no longer
	// describes the folder; the store discards it and a full re-list
	// follows on the next pass.
	DeltaCursorInvalidated
)

// MessageDelta is one change record in a folder's delta stream.
// Header is set for Added; Flags for Added and FlagsChanged; UID for
// everything but CursorInvalidated.
type MessageDelta struct {
	Kind   DeltaKind
	UID    string
	Header *model.MessageHeader
	Flags  model.FlagSet
}

// FolderInfo describes one folder as listed by the server.
type FolderInfo struct {
	Name      string
	Delimiter string

	// NoSelect marks folders that exist only as hierarchy (cannot
	// hold messages).
	NoSelect bool
}

// Body is a fetched message body.
type Body struct {
	Text        string
	HTML        string
	Attachments []model.AttachmentInfo
}

// Retrieval is the mail-retrieval capability of an account session.
// Implementations hold at most one server conversation; callers
// serialize access.
type Retrieval interface {
	// ListFolders returns all selectable folders of the account.
	ListFolders(ctx context.Context) ([]FolderInfo, error)

	// FetchDelta returns the changes in folder since cursor, plus the
	// advanced cursor. An empty cursor, or one the server has
	// invalidated, produces a full listing (every message as Added).
	FetchDelta(ctx context.Context, folder string, cursor model.Cursor) (model.Cursor, []MessageDelta, error)

	// FetchBody retrieves the full body of one message.
	FetchBody(ctx context.Context, folder, uid string) (*Body, error)

	// UpdateFlags pushes a local flag change to the server.
	UpdateFlags(ctx context.Context, folder, uid string, flags model.FlagSet) error

	// Close releases the server connection, if any.
	Close() error
}

// Submission is the mail-submission capability of an account session.
type Submission interface {
	// Send submits a composed message. Attachment content above the
	// configured threshold is streamed, not buffered.
	Send(ctx context.Context, msg *model.ComposedMessage) error
}
