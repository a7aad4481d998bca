package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modernmail/engine/internal/client"
	"github.com/modernmail/engine/internal/model"
)

// localUIDPrefix marks messages recorded locally (sent-mail records)
// rather than listed by the server. Full re-lists leave them alone.
const localUIDPrefix = "local-"

// LocalUID derives the store UID for a locally recorded message.
func LocalUID(id string) string { return localUIDPrefix + id }

// canonicalMessageID strips whitespace and the optional angle brackets
// so locally assigned and server-reported Message-IDs compare equal.
func canonicalMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// Store owns the mailbox state of every attached account. Mutations go
// through the atomic-pass API; reads return consistent snapshots and
// may proceed concurrently with passes on other accounts.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*accountState
	hub      *Hub

	newPersistence func(accountID string) (persistence, error)
}

// accountState is the in-memory mailbox of one account. passMu admits
// one reconciliation pass at a time; mu guards the maps for readers.
type accountState struct {
	id     string
	passMu sync.Mutex
	mu     sync.RWMutex

	folders  map[string]*model.Folder
	messages map[string]map[string]model.Message // folder -> uid -> message
	jobs     map[string]model.OutboundJob

	db persistence
}

// Open creates a store persisting each account to a versioned sqlite
// file under dataDir.
func Open(dataDir string) *Store {
	return &Store{
		accounts: make(map[string]*accountState),
		hub:      NewHub(),
		newPersistence: func(accountID string) (persistence, error) {
			return openAccountDB(dataDir, accountID)
		},
	}
}

// OpenMemory creates a store with no on-disk persistence. Used by
// tests and ephemeral setups.
func OpenMemory() *Store {
	return &Store{
		accounts: make(map[string]*accountState),
		hub:      NewHub(),
		newPersistence: func(string) (persistence, error) {
			return memoryPersistence{}, nil
		},
	}
}

// Subscribe registers for change events on (account, folder); an
// empty folder covers the whole account.
func (s *Store) Subscribe(accountID, folder string) (<-chan Event, func()) {
	return s.hub.Subscribe(accountID, folder)
}

// AttachAccount opens (or creates) the account's persisted mailbox
// and loads it into memory. Attaching an already-attached account is
// a no-op.
func (s *Store) AttachAccount(accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[accountID]; ok {
		return nil
	}

	db, err := s.newPersistence(accountID)
	if err != nil {
		return fmt.Errorf("opening mailbox for account %s: %w", accountID, err)
	}

	folders, messages, jobs, err := db.load()
	if err != nil {
		_ = db.close()
		return fmt.Errorf("loading mailbox for account %s: %w", accountID, err)
	}

	st := &accountState{
		id:       accountID,
		folders:  make(map[string]*model.Folder),
		messages: make(map[string]map[string]model.Message),
		jobs:     make(map[string]model.OutboundJob),
		db:       db,
	}
	for i := range folders {
		f := folders[i]
		st.folders[f.Name] = &f
		st.messages[f.Name] = make(map[string]model.Message)
	}
	for _, m := range messages {
		if _, ok := st.messages[m.Folder]; !ok {
			st.messages[m.Folder] = make(map[string]model.Message)
		}
		st.messages[m.Folder][m.UID] = m
	}
	for _, j := range jobs {
		st.jobs[j.ID] = j
	}

	s.accounts[accountID] = st
	return nil
}

// DetachAccount closes the account's persistence without deleting
// anything. Used at shutdown.
func (s *Store) DetachAccount(accountID string) error {
	s.mu.Lock()
	st, ok := s.accounts[accountID]
	delete(s.accounts, accountID)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return st.db.close()
}

// PurgeAccount removes the account's mailbox entirely: in-memory
// state, persisted file, and subscriptions. Called on account removal.
func (s *Store) PurgeAccount(accountID string) error {
	s.mu.Lock()
	st, ok := s.accounts[accountID]
	delete(s.accounts, accountID)
	s.mu.Unlock()

	if !ok {
		return nil
	}

	// Wait out any in-flight pass so the purge does not race a commit.
	st.passMu.Lock()
	defer st.passMu.Unlock()

	err := st.db.purge()
	if closeErr := st.db.close(); err == nil {
		err = closeErr
	}
	s.hub.dropAccount(accountID)
	return err
}

// Close detaches every account.
func (s *Store) Close() error {
	s.mu.Lock()
	accounts := make([]*accountState, 0, len(s.accounts))
	for _, st := range s.accounts {
		accounts = append(accounts, st)
	}
	s.accounts = make(map[string]*accountState)
	s.mu.Unlock()

	var firstErr error
	for _, st := range accounts {
		if err := st.db.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) account(accountID string) (*accountState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s not attached", accountID)
	}
	return st, nil
}

// ReconcileFolders aligns the stored folder set with the server's
// listing: unknown names are added, stored folders missing from the
// listing are dropped along with their messages.
func (s *Store) ReconcileFolders(accountID string, names []string) error {
	st, err := s.account(accountID)
	if err != nil {
		return err
	}

	st.passMu.Lock()
	defer st.passMu.Unlock()

	listed := make(map[string]bool, len(names))
	for _, name := range names {
		listed[name] = true
	}

	st.mu.RLock()
	var added []model.Folder
	var removed []string
	for _, name := range names {
		if _, ok := st.folders[name]; !ok {
			added = append(added, model.Folder{Name: name})
		}
	}
	for name := range st.folders {
		if !listed[name] {
			removed = append(removed, name)
		}
	}
	allFolders := make([]model.Folder, 0, len(st.folders)+len(added))
	for _, f := range st.folders {
		if listed[f.Name] {
			allFolders = append(allFolders, *f)
		}
	}
	st.mu.RUnlock()

	if len(added) == 0 && len(removed) == 0 {
		return nil
	}

	allFolders = append(allFolders, added...)
	if err := st.db.commitFolders(allFolders, removed); err != nil {
		return fmt.Errorf("persisting folder set for account %s: %w", accountID, err)
	}

	st.mu.Lock()
	for i := range added {
		f := added[i]
		st.folders[f.Name] = &f
		st.messages[f.Name] = make(map[string]model.Message)
	}
	for _, name := range removed {
		delete(st.folders, name)
		delete(st.messages, name)
	}
	st.mu.Unlock()

	s.hub.Publish(Event{Kind: EventFoldersChanged, AccountID: accountID})
	return nil
}

// ApplyPass applies one folder's delta stream as a single atomic
// reconciliation pass. Deltas are staged against a copy of the folder,
// persisted, and only then swapped in, so concurrent readers observe
// either the pre-pass or the fully post-pass folder, never a partial
// application. Rules per delta:
//
//   - Added creates the message if absent; a duplicate is a no-op. An
//     Added whose Message-ID matches a locally recorded sent message
//     supersedes that local record.
//   - FlagsChanged updates an existing message; for an unknown UID it
//     is buffered until an Added with that UID arrives later in the
//     same pass, then applied on top of it.
//   - Removed tombstones the message immediately.
//   - CursorInvalidated discards the stored cursor and schedules a
//     full re-list; the pass does not advance the cursor.
//
// A pass over a folder with no usable cursor is a full re-list: its
// Added set is the authoritative folder contents. Added then replaces
// any stored message under the same UID (the UID may have been
// reassigned), and server messages absent from the listing are
// tombstoned. Locally recorded sent messages survive a re-list.
func (s *Store) ApplyPass(accountID, folderName string, newCursor model.Cursor, deltas []client.MessageDelta) error {
	st, err := s.account(accountID)
	if err != nil {
		return err
	}

	st.passMu.Lock()
	defer st.passMu.Unlock()

	st.mu.RLock()
	var folder model.Folder
	if f, ok := st.folders[folderName]; ok {
		folder = *f
	} else {
		folder = model.Folder{Name: folderName}
	}
	staged := make(map[string]model.Message, len(st.messages[folderName]))
	for uid, m := range st.messages[folderName] {
		staged[uid] = m
	}
	st.mu.RUnlock()

	relist := folder.NeedsFullRelist || folder.Cursor == ""

	// Sent records awaiting their server copy, keyed by Message-ID.
	placeholders := make(map[string]string)
	for uid, m := range staged {
		if !strings.HasPrefix(uid, localUIDPrefix) || m.Tombstoned {
			continue
		}
		if id := canonicalMessageID(m.Header.MessageID); id != "" {
			placeholders[id] = uid
		}
	}

	pendingFlags := make(map[string]model.FlagSet)
	relisted := make(map[string]bool)
	invalidated := false
	now := time.Now()

	for _, d := range deltas {
		switch d.Kind {
		case client.DeltaAdded:
			if relist {
				// The listing is authoritative; a reused UID may name
				// a different message now.
				relisted[d.UID] = true
			} else if _, ok := staged[d.UID]; ok {
				continue // retry duplication guard
			}
			msg := model.Message{
				UID:       d.UID,
				AccountID: accountID,
				Folder:    folderName,
				Flags:     d.Flags,
				FetchedAt: now,
			}
			if d.Header != nil {
				msg.Header = *d.Header
			}
			if flags, ok := pendingFlags[d.UID]; ok {
				msg.Flags = flags
				delete(pendingFlags, d.UID)
			}
			if id := canonicalMessageID(msg.Header.MessageID); id != "" {
				if localUID, ok := placeholders[id]; ok {
					// The server now carries its own copy of a message
					// we recorded locally after sending.
					delete(staged, localUID)
					delete(placeholders, id)
				}
			}
			staged[d.UID] = msg

		case client.DeltaFlagsChanged:
			if msg, ok := staged[d.UID]; ok {
				msg.Flags = d.Flags
				staged[d.UID] = msg
			} else {
				pendingFlags[d.UID] = d.Flags
			}

		case client.DeltaRemoved:
			if msg, ok := staged[d.UID]; ok {
				msg.Tombstoned = true
				staged[d.UID] = msg
			}

		case client.DeltaCursorInvalidated:
			invalidated = true
		}
	}

	if relist && !invalidated {
		for uid, m := range staged {
			if m.Tombstoned || relisted[uid] || strings.HasPrefix(uid, localUIDPrefix) {
				continue
			}
			// Absent from the authoritative listing: the message went
			// away while the cursor was unusable.
			m.Tombstoned = true
			staged[uid] = m
		}
	}

	if invalidated {
		folder.Cursor = ""
		folder.NeedsFullRelist = true
	} else {
		folder.Cursor = newCursor
		folder.NeedsFullRelist = false
	}

	unread := 0
	for _, m := range staged {
		if m.Unread() {
			unread++
		}
	}
	folder.UnreadCount = unread

	// Persist before swapping: a failed commit leaves the in-memory
	// view on the pre-pass state.
	if err := st.db.commitPass(folder, messageSlice(staged)); err != nil {
		return fmt.Errorf("persisting pass for %s/%s: %w", accountID, folderName, err)
	}

	st.mu.Lock()
	f := folder
	st.folders[folderName] = &f
	st.messages[folderName] = staged
	st.mu.Unlock()

	s.hub.Publish(Event{Kind: EventPassApplied, AccountID: accountID, Folder: folderName})
	return nil
}

// Folders returns the account's folders sorted by name.
func (s *Store) Folders(accountID string) ([]model.Folder, error) {
	st, err := s.account(accountID)
	if err != nil {
		return nil, err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	folders := make([]model.Folder, 0, len(st.folders))
	for _, f := range st.folders {
		folders = append(folders, *f)
	}
	sort.Slice(folders, func(i, j int) bool { return folders[i].Name < folders[j].Name })
	return folders, nil
}

// Folder returns one folder's current state.
func (s *Store) Folder(accountID, name string) (model.Folder, error) {
	st, err := s.account(accountID)
	if err != nil {
		return model.Folder{}, err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	f, ok := st.folders[name]
	if !ok {
		return model.Folder{}, fmt.Errorf("folder %q not found for account %s", name, accountID)
	}
	return *f, nil
}

// Messages returns a page of the folder's live (non-tombstoned)
// messages, newest first, plus the total live count.
func (s *Store) Messages(accountID, folder string, q MessageQuery) ([]model.Message, int, error) {
	st, err := s.account(accountID)
	if err != nil {
		return nil, 0, err
	}

	st.mu.RLock()
	all := make([]model.Message, 0, len(st.messages[folder]))
	for _, m := range st.messages[folder] {
		if m.Tombstoned {
			continue
		}
		if q.UnreadOnly && m.Flags.Seen {
			continue
		}
		all = append(all, m)
	}
	st.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].Header.Date.Equal(all[j].Header.Date) {
			return all[i].Header.Date.After(all[j].Header.Date)
		}
		return all[i].UID > all[j].UID
	})

	total := len(all)
	if q.Offset > 0 {
		if q.Offset >= len(all) {
			return nil, total, nil
		}
		all = all[q.Offset:]
	}
	if q.Limit > 0 && len(all) > q.Limit {
		all = all[:q.Limit]
	}
	return all, total, nil
}

// Message returns one message by UID, tombstoned or not.
func (s *Store) Message(accountID, folder, uid string) (*model.Message, error) {
	st, err := s.account(accountID)
	if err != nil {
		return nil, err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	m, ok := st.messages[folder][uid]
	if !ok {
		return nil, fmt.Errorf("message %s not found in %s/%s", uid, accountID, folder)
	}
	return &m, nil
}

// SetMessageBody caches a lazily fetched body on an existing message.
func (s *Store) SetMessageBody(accountID, folder, uid string, body client.Body) error {
	st, err := s.account(accountID)
	if err != nil {
		return err
	}

	st.passMu.Lock()
	defer st.passMu.Unlock()

	st.mu.RLock()
	msg, ok := st.messages[folder][uid]
	fol, folOK := st.folders[folder]
	var folderCopy model.Folder
	if folOK {
		folderCopy = *fol
	}
	staged := make(map[string]model.Message, len(st.messages[folder]))
	for k, v := range st.messages[folder] {
		staged[k] = v
	}
	st.mu.RUnlock()

	if !ok || !folOK {
		return fmt.Errorf("message %s not found in %s/%s", uid, accountID, folder)
	}

	msg.TextBody = body.Text
	msg.HTMLBody = body.HTML
	msg.Attachments = body.Attachments
	msg.BodyFetched = true
	staged[uid] = msg

	if err := st.db.commitPass(folderCopy, messageSlice(staged)); err != nil {
		return fmt.Errorf("persisting body for %s/%s/%s: %w", accountID, folder, uid, err)
	}

	st.mu.Lock()
	st.messages[folder] = staged
	st.mu.Unlock()

	return nil
}

// UpdateMessageFlags replaces one message's flags and refreshes the
// folder's unread count. This is the path for server-acknowledged
// local flag changes; sync passes carry flag changes through ApplyPass.
func (s *Store) UpdateMessageFlags(accountID, folder, uid string, flags model.FlagSet) error {
	st, err := s.account(accountID)
	if err != nil {
		return err
	}

	st.passMu.Lock()
	defer st.passMu.Unlock()

	st.mu.RLock()
	msg, ok := st.messages[folder][uid]
	fol, folOK := st.folders[folder]
	var folderCopy model.Folder
	if folOK {
		folderCopy = *fol
	}
	staged := make(map[string]model.Message, len(st.messages[folder]))
	for k, v := range st.messages[folder] {
		staged[k] = v
	}
	st.mu.RUnlock()

	if !ok || !folOK {
		return fmt.Errorf("message %s not found in %s/%s", uid, accountID, folder)
	}

	msg.Flags = flags
	staged[uid] = msg

	unread := 0
	for _, m := range staged {
		if m.Unread() {
			unread++
		}
	}
	folderCopy.UnreadCount = unread

	if err := st.db.commitPass(folderCopy, messageSlice(staged)); err != nil {
		return fmt.Errorf("persisting flags for %s/%s/%s: %w", accountID, folder, uid, err)
	}

	st.mu.Lock()
	f := folderCopy
	st.folders[folder] = &f
	st.messages[folder] = staged
	st.mu.Unlock()

	s.hub.Publish(Event{Kind: EventPassApplied, AccountID: accountID, Folder: folder})
	return nil
}

// RecordSent appends a locally sent message to the account's sent
// folder, creating the folder if the server listing has not delivered
// it yet. Idempotent per UID.
func (s *Store) RecordSent(accountID, folder string, msg model.Message) error {
	st, err := s.account(accountID)
	if err != nil {
		return err
	}

	st.passMu.Lock()
	defer st.passMu.Unlock()

	msg.AccountID = accountID
	msg.Folder = folder

	st.mu.RLock()
	var folderCopy model.Folder
	if f, ok := st.folders[folder]; ok {
		folderCopy = *f
	} else {
		folderCopy = model.Folder{Name: folder}
	}
	staged := make(map[string]model.Message, len(st.messages[folder])+1)
	for k, v := range st.messages[folder] {
		staged[k] = v
	}
	st.mu.RUnlock()

	if _, ok := staged[msg.UID]; ok {
		return nil
	}
	staged[msg.UID] = msg

	if err := st.db.commitPass(folderCopy, messageSlice(staged)); err != nil {
		return fmt.Errorf("recording sent message for %s: %w", accountID, err)
	}

	st.mu.Lock()
	f := folderCopy
	st.folders[folder] = &f
	st.messages[folder] = staged
	st.mu.Unlock()

	s.hub.Publish(Event{Kind: EventPassApplied, AccountID: accountID, Folder: folder})
	return nil
}

func messageSlice(m map[string]model.Message) []model.Message {
	out := make([]model.Message, 0, len(m))
	for _, msg := range m {
		out = append(out, msg)
	}
	return out
}
