package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"

	"github.com/modernmail/engine/internal/model"
)

// SecretFunc supplies the account secret for the duration of one
// connection attempt. The returned release func is called as soon as
// the secret has been used.
type SecretFunc func() (secret []byte, release func(), err error)

// IMAPRetrieval implements Retrieval over go-imap v2. Connections are
// per-operation; the session serializes operations so at most one
// server conversation exists at a time.
type IMAPRetrieval struct {
	endpoint model.Endpoint
	username string
	secret   SecretFunc
	provider Provider
}

// NewIMAPRetrieval creates a retrieval client for one account.
func NewIMAPRetrieval(endpoint model.Endpoint, username string, secret SecretFunc, provider Provider) *IMAPRetrieval {
	return &IMAPRetrieval{
		endpoint: endpoint,
		username: username,
		secret:   secret,
		provider: provider,
	}
}

// imapCursor is the decoded form of the opaque folder cursor. Seen
// carries every UID known at the last successful pass; diffing it
// against the server's UID listing is what lets a plain IMAP server
// express removals.
type imapCursor struct {
	UIDValidity uint32   `json:"uidvalidity"`
	LastUID     uint32   `json:"last_uid"`
	Seen        []uint32 `json:"seen"`
}

func decodeCursor(c model.Cursor) *imapCursor {
	if c == "" {
		return nil
	}
	var state imapCursor
	if err := json.Unmarshal([]byte(c), &state); err != nil {
		// An unreadable cursor is treated like an absent one; the
		// pass degrades to a full listing.
		return nil
	}
	return &state
}

func encodeCursor(state imapCursor) model.Cursor {
	sort.Slice(state.Seen, func(i, j int) bool { return state.Seen[i] < state.Seen[j] })
	raw, err := json.Marshal(state)
	if err != nil {
		return ""
	}
	return model.Cursor(raw)
}

// connect dials, authenticates, and returns a live client. The caller
// must Logout the returned client.
func (r *IMAPRetrieval) connect(ctx context.Context) (*imapclient.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxAuthError(r.username, err)
	}

	addr := net.JoinHostPort(r.endpoint.Host, strconv.Itoa(r.endpoint.Port))

	var c *imapclient.Client
	var err error
	switch r.endpoint.Security {
	case model.SecurityTLS:
		c, err = imapclient.DialTLS(addr, nil)
	case model.SecurityStartTLS:
		c, err = imapclient.DialStartTLS(addr, nil)
	default:
		c, err = imapclient.DialInsecure(addr, nil)
	}
	if err != nil {
		return nil, &AuthError{Kind: AuthNetworkUnreachable, Account: r.username, Err: fmt.Errorf("connecting to IMAP %s: %w", addr, err)}
	}

	secret, release, err := r.secret()
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("unlocking credential for %s: %w", r.username, err)
	}
	loginErr := c.Login(r.username, string(secret)).Wait()
	release()

	if loginErr != nil {
		_ = c.Logout().Wait()
		return nil, r.provider.ClassifyAuthFailure(r.username, loginErr)
	}

	return c, nil
}

// ListFolders returns the account's selectable folders, with
// provider-side pseudo folders filtered out.
func (r *IMAPRetrieval) ListFolders(ctx context.Context) ([]FolderInfo, error) {
	c, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Logout().Wait() }()

	listData, err := c.List("", "*", nil).Collect()
	if err != nil {
		return nil, wrapSyncError(ctx, "", fmt.Errorf("listing folders: %w", err))
	}

	var folders []FolderInfo
	for _, mbox := range listData {
		info := FolderInfo{
			Name:      mbox.Mailbox,
			Delimiter: string(mbox.Delim),
		}
		for _, attr := range mbox.Attrs {
			if attr == imap.MailboxAttrNoSelect {
				info.NoSelect = true
			}
		}
		if r.provider.SkipFolder(info) {
			continue
		}
		folders = append(folders, info)
	}

	return folders, nil
}

// FetchDelta computes the folder's change stream since cursor. A
// UIDVALIDITY change invalidates the cursor; an absent cursor lists
// the folder in full.
func (r *IMAPRetrieval) FetchDelta(ctx context.Context, folder string, cursor model.Cursor) (model.Cursor, []MessageDelta, error) {
	c, err := r.connect(ctx)
	if err != nil {
		return cursor, nil, err
	}
	defer func() { _ = c.Logout().Wait() }()

	sel, err := c.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return cursor, nil, wrapSyncError(ctx, folder, fmt.Errorf("selecting %s: %w", folder, err))
	}

	state := decodeCursor(cursor)
	if state != nil && state.UIDValidity != sel.UIDValidity {
		// The server reassigned UIDs; everything known is stale.
		return "", []MessageDelta{{Kind: DeltaCursorInvalidated}}, nil
	}

	serverFlags, err := r.fetchAllFlags(c, sel.NumMessages)
	if err != nil {
		return cursor, nil, wrapSyncError(ctx, folder, err)
	}

	seen := make(map[uint32]bool)
	if state != nil {
		for _, uid := range state.Seen {
			seen[uid] = true
		}
	}

	var added []uint32
	var deltas []MessageDelta
	for uid, flags := range serverFlags {
		if seen[uid] {
			deltas = append(deltas, MessageDelta{
				Kind:  DeltaFlagsChanged,
				UID:   formatUID(uid),
				Flags: flags,
			})
		} else {
			added = append(added, uid)
		}
	}
	for uid := range seen {
		if _, ok := serverFlags[uid]; !ok {
			deltas = append(deltas, MessageDelta{Kind: DeltaRemoved, UID: formatUID(uid)})
		}
	}

	if len(added) > 0 {
		addedDeltas, err := r.fetchEnvelopes(c, added, serverFlags)
		if err != nil {
			// Flag and removal deltas without the additions would
			// advance the cursor past unrecorded mail.
			return cursor, nil, &SyncError{Kind: SyncPartialFetchFailure, Folder: folder, Err: err}
		}
		deltas = append(deltas, addedDeltas...)
	}

	next := imapCursor{UIDValidity: sel.UIDValidity}
	for uid := range serverFlags {
		next.Seen = append(next.Seen, uid)
		if uid > next.LastUID {
			next.LastUID = uid
		}
	}

	return encodeCursor(next), deltas, nil
}

// fetchAllFlags retrieves the UID and flag set of every message in the
// selected folder.
func (r *IMAPRetrieval) fetchAllFlags(c *imapclient.Client, numMessages uint32) (map[uint32]model.FlagSet, error) {
	flags := make(map[uint32]model.FlagSet)
	if numMessages == 0 {
		return flags, nil
	}

	var seqSet imap.SeqSet
	seqSet.AddRange(1, 0) // 1:*

	fetchCmd := c.Fetch(seqSet, &imap.FetchOptions{UID: true, Flags: true})
	defer fetchCmd.Close()

	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			// A message missing from this map would be diffed as
			// Removed, so the whole pass has to fail instead.
			return nil, fmt.Errorf("collecting flags: %w", err)
		}
		flags[uint32(buf.UID)] = flagSetFromIMAP(buf.Flags)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetching flags: %w", err)
	}
	return flags, nil
}

// fetchEnvelopes retrieves envelopes for the given UIDs and returns
// them as Added deltas.
func (r *IMAPRetrieval) fetchEnvelopes(c *imapclient.Client, uids []uint32, flags map[uint32]model.FlagSet) ([]MessageDelta, error) {
	imapUIDs := make([]imap.UID, len(uids))
	for i, uid := range uids {
		imapUIDs[i] = imap.UID(uid)
	}
	uidSet := imap.UIDSetNum(imapUIDs...)

	fetchCmd := c.Fetch(uidSet, &imap.FetchOptions{Envelope: true, UID: true})
	defer fetchCmd.Close()

	var deltas []MessageDelta
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			// Skipping the message would still place its UID in the
			// next cursor, so it would never be offered again.
			return nil, fmt.Errorf("collecting envelope: %w", err)
		}
		uid := uint32(buf.UID)
		header := headerFromBuffer(buf)
		deltas = append(deltas, MessageDelta{
			Kind:   DeltaAdded,
			UID:    formatUID(uid),
			Header: &header,
			Flags:  flags[uid],
		})
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetching envelopes: %w", err)
	}
	return deltas, nil
}

// FetchBody retrieves and parses the full body of one message.
func (r *IMAPRetrieval) FetchBody(ctx context.Context, folder, uid string) (*Body, error) {
	numUID, err := parseUID(uid)
	if err != nil {
		return nil, err
	}

	c, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Logout().Wait() }()

	if _, err := c.Select(folder, nil).Wait(); err != nil {
		return nil, wrapSyncError(ctx, folder, fmt.Errorf("selecting %s: %w", folder, err))
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := c.Fetch(imap.UIDSetNum(imap.UID(numUID)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, wrapSyncError(ctx, folder, fmt.Errorf("message UID %s not found in %s", uid, folder))
	}

	buf, err := msg.Collect()
	if err != nil {
		return nil, wrapSyncError(ctx, folder, fmt.Errorf("collecting message data: %w", err))
	}

	body := &Body{}
	if raw := buf.FindBodySection(bodySection); raw != nil {
		body.Text, body.HTML, body.Attachments = parseMIMEBody(raw)
	}

	if err := fetchCmd.Close(); err != nil {
		return body, wrapSyncError(ctx, folder, fmt.Errorf("closing fetch: %w", err))
	}
	return body, nil
}

// UpdateFlags replaces the message's flag set on the server.
func (r *IMAPRetrieval) UpdateFlags(ctx context.Context, folder, uid string, flags model.FlagSet) error {
	numUID, err := parseUID(uid)
	if err != nil {
		return err
	}

	c, err := r.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.Logout().Wait() }()

	if _, err := c.Select(folder, nil).Wait(); err != nil {
		return wrapSyncError(ctx, folder, fmt.Errorf("selecting %s: %w", folder, err))
	}

	storeCmd := c.Store(imap.UIDSetNum(imap.UID(numUID)), &imap.StoreFlags{
		Op:     imap.StoreFlagsSet,
		Silent: true,
		Flags:  imapFlagsFromSet(flags),
	}, nil)

	if err := storeCmd.Close(); err != nil {
		return wrapSyncError(ctx, folder, fmt.Errorf("storing flags: %w", err))
	}
	return nil
}

// Close is a no-op: connections are per-operation.
func (r *IMAPRetrieval) Close() error { return nil }

// headerFromBuffer extracts a MessageHeader from a fetch buffer.
func headerFromBuffer(buf *imapclient.FetchMessageBuffer) model.MessageHeader {
	var header model.MessageHeader
	if buf.Envelope == nil {
		return header
	}

	header.MessageID = buf.Envelope.MessageID
	header.Subject = buf.Envelope.Subject
	header.Date = buf.Envelope.Date

	if len(buf.Envelope.From) > 0 {
		from := buf.Envelope.From[0]
		if from.Name != "" {
			header.From = from.Name
		} else {
			header.From = from.Addr()
		}
	}
	for _, to := range buf.Envelope.To {
		header.To = append(header.To, to.Addr())
	}
	return header
}

// parseMIMEBody parses a raw RFC 2822 body using go-message and
// extracts the text/plain body, text/html body, and attachment
// metadata.
func parseMIMEBody(raw []byte) (textBody, htmlBody string, attachments []model.AttachmentInfo) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// If parsing fails, treat the whole thing as plain text.
		return string(raw), "", nil
	}
	defer mr.Close()

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := h.ContentType()
			content, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/plain"):
				textBody = string(content)
			case strings.HasPrefix(contentType, "text/html"):
				htmlBody = string(content)
			}

		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			contentType, _, _ := h.ContentType()

			// Read to get size without storing content.
			content, readErr := io.ReadAll(part.Body)
			if readErr != nil {
				continue
			}
			attachments = append(attachments, model.AttachmentInfo{
				Filename:    filename,
				Size:        int64(len(content)),
				ContentType: contentType,
			})
		}
	}

	return textBody, htmlBody, attachments
}

// flagSetFromIMAP maps IMAP flags onto the model flag set.
func flagSetFromIMAP(flags []imap.Flag) model.FlagSet {
	var set model.FlagSet
	for _, flag := range flags {
		switch flag {
		case imap.FlagSeen:
			set.Seen = true
		case imap.FlagFlagged:
			set.Flagged = true
		case imap.FlagAnswered:
			set.Answered = true
		case imap.FlagDraft:
			set.Draft = true
		}
	}
	return set
}

// imapFlagsFromSet maps the model flag set onto IMAP flags.
func imapFlagsFromSet(set model.FlagSet) []imap.Flag {
	var flags []imap.Flag
	if set.Seen {
		flags = append(flags, imap.FlagSeen)
	}
	if set.Flagged {
		flags = append(flags, imap.FlagFlagged)
	}
	if set.Answered {
		flags = append(flags, imap.FlagAnswered)
	}
	if set.Draft {
		flags = append(flags, imap.FlagDraft)
	}
	return flags
}

// wrapSyncError classifies a retrieval failure, preferring a timeout
// classification when the context deadline expired.
func wrapSyncError(ctx context.Context, folder string, err error) *SyncError {
	if ctx.Err() == context.DeadlineExceeded {
		return &SyncError{Kind: SyncTimeout, Folder: folder, Err: err}
	}
	return &SyncError{Kind: SyncProtocolError, Folder: folder, Err: err}
}

// ctxAuthError maps a context failure onto the auth taxonomy.
func ctxAuthError(account string, err error) *AuthError {
	kind := AuthNetworkUnreachable
	if err == context.DeadlineExceeded {
		kind = AuthTimeout
	}
	return &AuthError{Kind: kind, Account: account, Err: err}
}

func parseUID(uid string) (uint32, error) {
	n, err := strconv.ParseUint(uid, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid message UID %q: %w", uid, err)
	}
	return uint32(n), nil
}

func formatUID(uid uint32) string {
	return strconv.FormatUint(uint64(uid), 10)
}
