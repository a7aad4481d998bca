package model

import "time"

// Cursor is an opaque synchronization token for one folder. Its
// contents are private to the retrieval client that produced it; the
// store only persists and returns it. An empty cursor means the folder
// has never been synced and requires a full listing.
type Cursor string

// Folder is one mailbox folder within an account.
type Folder struct {
	// Name is the server-side folder path (e.g. "INBOX",
	// "[Gmail]/Sent Mail").
	Name string

	// Cursor marks sync progress. It only advances on a successful
	// pass; an invalidation clears it and forces a full re-list.
	Cursor Cursor

	// NeedsFullRelist is set after a cursor invalidation so the next
	// pass re-lists the folder from scratch.
	NeedsFullRelist bool

	// UnreadCount is the number of non-tombstoned messages without
	// the seen flag.
	UnreadCount int
}

// FlagSet holds the mutable per-message flags.
type FlagSet struct {
	Seen     bool
	Flagged  bool
	Answered bool
	Draft    bool
}

// MessageHeader holds the immutable envelope data of a message.
type MessageHeader struct {
	// MessageID is the RFC 5322 Message-ID, when the server provided one.
	MessageID string
	Subject   string
	From      string
	To        []string
	Date      time.Time
}

// AttachmentInfo describes one attachment of a stored message. The
// content itself is fetched lazily.
type AttachmentInfo struct {
	Filename    string
	Size        int64
	ContentType string
	Fetched     bool
}

// Message is one stored message. (AccountID, Folder, UID) is globally
// unique in the store. After the initial fetch only Flags mutate;
// a folder move re-keys the message.
type Message struct {
	// UID is the server-assigned identifier, unique within the folder.
	UID string

	AccountID string
	Folder    string

	Header MessageHeader
	Flags  FlagSet

	// BodyFetched reports whether the body has been retrieved and
	// cached locally.
	BodyFetched bool

	// TextBody and HTMLBody hold the cached body once fetched.
	TextBody string
	HTMLBody string

	Attachments []AttachmentInfo

	// Tombstoned marks a message removed on the server. Tombstones
	// are excluded from queries and unread counts.
	Tombstoned bool

	FetchedAt time.Time
}

// Unread reports whether the message counts toward the folder's
// unread total.
func (m Message) Unread() bool {
	return !m.Tombstoned && !m.Flags.Seen
}
