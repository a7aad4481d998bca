// Package store is the authoritative local cache of folders and
// messages per account. It is the single writer of mailbox state: sync
// passes submit delta batches through ApplyPass, which stages and
// commits them atomically, and every other component reads consistent
// snapshots or subscribes to post-commit change events.
package store

import "github.com/modernmail/engine/internal/model"

// MessageQuery controls filtering and pagination for message listings.
type MessageQuery struct {
	// UnreadOnly restricts the listing to unread messages.
	UnreadOnly bool

	// Limit caps the page size; 0 means no limit.
	Limit int

	// Offset skips that many messages from the newest end.
	Offset int
}

// EventKind tags a change notification.
type EventKind string

const (
	// EventPassApplied fires after a reconciliation pass commits.
	EventPassApplied EventKind = "pass_applied"

	// EventFoldersChanged fires when the folder set of an account
	// changes.
	EventFoldersChanged EventKind = "folders_changed"

	// EventOutboundUpdated fires when an outbound job changes state.
	EventOutboundUpdated EventKind = "outbound_updated"
)

// Event is one change notification. Events are delivered only after
// the triggering mutation has fully committed, so a subscriber reading
// back always observes at least the state the event describes.
type Event struct {
	Kind      EventKind
	AccountID string
	Folder    string
}

// persistence is the on-disk backend of one account's mailbox state.
// The sqlite implementation is the real one; tests substitute a no-op.
type persistence interface {
	// load returns the persisted folders, messages, and outbound jobs.
	load() ([]model.Folder, []model.Message, []model.OutboundJob, error)

	// commitPass durably writes one folder's post-pass state.
	commitPass(folder model.Folder, messages []model.Message) error

	// commitFolders durably writes the folder set after reconciliation.
	commitFolders(folders []model.Folder, removed []string) error

	// commitJob durably writes one outbound job.
	commitJob(job model.OutboundJob) error

	// purge deletes all persisted state for the account.
	purge() error

	close() error
}

// memoryPersistence is the no-op backend used by tests and by
// accounts whose state is intentionally ephemeral.
type memoryPersistence struct{}

func (memoryPersistence) load() ([]model.Folder, []model.Message, []model.OutboundJob, error) {
	return nil, nil, nil, nil
}
func (memoryPersistence) commitPass(model.Folder, []model.Message) error { return nil }
func (memoryPersistence) commitFolders([]model.Folder, []string) error   { return nil }
func (memoryPersistence) commitJob(model.OutboundJob) error              { return nil }
func (memoryPersistence) purge() error                                   { return nil }
func (memoryPersistence) close() error                                   { return nil }
