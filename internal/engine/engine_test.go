package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modernmail/engine/internal/client"
	"github.com/modernmail/engine/internal/model"
	"github.com/modernmail/engine/internal/session"
	"github.com/modernmail/engine/internal/store"
	"github.com/modernmail/engine/internal/vault"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCreds is an in-memory credential store.
type fakeCreds struct {
	mu      sync.Mutex
	secrets map[string][]byte
}

func newFakeCreds() *fakeCreds {
	return &fakeCreds{secrets: make(map[string][]byte)}
}

func (f *fakeCreds) Store(accountID string, secret []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.secrets[accountID] = append([]byte(nil), secret...)
	return nil
}

func (f *fakeCreds) Unlock(string) (*vault.ScopedSecret, error) { return nil, nil }

func (f *fakeCreds) Erase(accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.secrets, accountID)
	return nil
}

func (f *fakeCreds) has(accountID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.secrets[accountID]
	return ok
}

// scriptedRetrieval serves canned folders and per-folder delta scripts.
type scriptedRetrieval struct {
	mu       sync.Mutex
	folders  []client.FolderInfo
	listErr  error
	deltas   map[string][][]client.MessageDelta // folder -> successive passes
	fetchErr map[string]error
	cursors  []model.Cursor // cursor arguments seen by FetchDelta
	bodies   int
}

func (f *scriptedRetrieval) ListFolders(context.Context) ([]client.FolderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.folders, f.listErr
}

func (f *scriptedRetrieval) FetchDelta(_ context.Context, folder string, cursor model.Cursor) (model.Cursor, []client.MessageDelta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cursors = append(f.cursors, cursor)
	if err := f.fetchErr[folder]; err != nil {
		return cursor, nil, err
	}
	script := f.deltas[folder]
	if len(script) == 0 {
		return cursor, nil, nil
	}
	batch := script[0]
	f.deltas[folder] = script[1:]
	return model.Cursor("c-" + folder), batch, nil
}

func (f *scriptedRetrieval) FetchBody(context.Context, string, string) (*client.Body, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bodies++
	return &client.Body{Text: "fetched body"}, nil
}

func (f *scriptedRetrieval) UpdateFlags(context.Context, string, string, model.FlagSet) error {
	return nil
}

func (f *scriptedRetrieval) Close() error { return nil }

// scriptedSubmission fails with the scripted errors in order, then
// succeeds.
type scriptedSubmission struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *scriptedSubmission) Send(context.Context, *model.ComposedMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *scriptedSubmission) sends() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type testRig struct {
	engine *Engine
	creds  *fakeCreds
	ret    map[string]*scriptedRetrieval
	sub    map[string]*scriptedSubmission
}

func newTestRig(t *testing.T, cfg model.EngineConfig) *testRig {
	t.Helper()
	rig := &testRig{
		creds: newFakeCreds(),
		ret:   make(map[string]*scriptedRetrieval),
		sub:   make(map[string]*scriptedSubmission),
	}
	rig.engine = New(cfg, rig.creds, store.OpenMemory(), discardLog())
	rig.engine.sendRetryDelay = time.Millisecond
	rig.engine.validate = func(context.Context, model.Account) error { return nil }
	rig.engine.newSession = func(a model.Account) *session.Session {
		ret, ok := rig.ret[a.ID]
		if !ok {
			ret = &scriptedRetrieval{}
			rig.ret[a.ID] = ret
		}
		sub, ok := rig.sub[a.ID]
		if !ok {
			sub = &scriptedSubmission{}
			rig.sub[a.ID] = sub
		}
		return session.NewWithClients(a, cfg, discardLog(), ret, sub)
	}
	t.Cleanup(func() { _ = rig.engine.store.Close() })
	return rig
}

func testAcct(id string) model.Account {
	return model.Account{
		ID:       id,
		Email:    id + "@example.com",
		Provider: model.ProviderGeneric,
		Enabled:  true,
	}
}

func addedDelta(uid, subject string) client.MessageDelta {
	return client.MessageDelta{
		Kind: client.DeltaAdded,
		UID:  uid,
		Header: &model.MessageHeader{
			Subject: subject,
			Date:    time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC),
		},
	}
}

func TestEngine_SyncPassPopulatesStore(t *testing.T) {
	rig := newTestRig(t, model.EngineConfig{})
	rig.ret["a1"] = &scriptedRetrieval{
		folders: []client.FolderInfo{
			{Name: "INBOX"},
			{Name: "Archive"},
			{Name: "[Hierarchy]", NoSelect: true},
		},
		deltas: map[string][][]client.MessageDelta{
			"INBOX":   {{addedDelta("1", "hello"), addedDelta("2", "world")}},
			"Archive": {{addedDelta("10", "old news")}},
		},
	}

	require.NoError(t, rig.engine.AddAccount(context.Background(), testAcct("a1"), []byte("pw")))
	require.NoError(t, rig.engine.syncAccount(context.Background(), "a1"))

	folders, err := rig.engine.Store().Folders("a1")
	require.NoError(t, err)
	require.Len(t, folders, 2, "NoSelect folders stay out of the store")

	_, total, err := rig.engine.Store().Messages("a1", "INBOX", store.MessageQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	st, ok := rig.engine.SyncState("a1")
	require.True(t, ok)
	assert.Equal(t, model.SyncIdle, st.Phase)
	assert.False(t, st.LastSuccess.IsZero())
	assert.Zero(t, st.Retries)
}

func TestEngine_FailureIsolation(t *testing.T) {
	rig := newTestRig(t, model.EngineConfig{})
	rig.ret["bad"] = &scriptedRetrieval{
		listErr: &client.AuthError{Kind: client.AuthNetworkUnreachable, Err: errors.New("no route")},
	}
	rig.ret["good"] = &scriptedRetrieval{
		folders: []client.FolderInfo{{Name: "INBOX"}},
		deltas: map[string][][]client.MessageDelta{
			"INBOX": {{addedDelta("1", "fine")}},
		},
	}

	require.NoError(t, rig.engine.AddAccount(context.Background(), testAcct("bad"), []byte("pw")))
	require.NoError(t, rig.engine.AddAccount(context.Background(), testAcct("good"), []byte("pw")))

	require.Error(t, rig.engine.syncAccount(context.Background(), "bad"))
	require.NoError(t, rig.engine.syncAccount(context.Background(), "good"))

	badState, _ := rig.engine.SyncState("bad")
	assert.Equal(t, model.SyncFailed, badState.Phase)
	assert.Equal(t, 1, badState.Retries)
	assert.NotEmpty(t, badState.Reason)

	goodState, _ := rig.engine.SyncState("good")
	assert.Equal(t, model.SyncIdle, goodState.Phase)
	assert.Zero(t, goodState.Retries)
	assert.Empty(t, goodState.Reason)
}

func TestEngine_FullRelistAfterInvalidation(t *testing.T) {
	rig := newTestRig(t, model.EngineConfig{})
	ret := &scriptedRetrieval{
		folders: []client.FolderInfo{{Name: "INBOX"}},
		deltas: map[string][][]client.MessageDelta{
			"INBOX": {
				{addedDelta("1", "first")},
				{{Kind: client.DeltaCursorInvalidated}},
				{addedDelta("1", "relisted")},
			},
		},
		fetchErr: map[string]error{},
	}
	rig.ret["a1"] = ret

	require.NoError(t, rig.engine.AddAccount(context.Background(), testAcct("a1"), []byte("pw")))

	require.NoError(t, rig.engine.syncAccount(context.Background(), "a1"))
	require.NoError(t, rig.engine.syncAccount(context.Background(), "a1"))
	require.NoError(t, rig.engine.syncAccount(context.Background(), "a1"))

	ret.mu.Lock()
	cursors := append([]model.Cursor(nil), ret.cursors...)
	ret.mu.Unlock()

	require.Len(t, cursors, 3)
	assert.Equal(t, model.Cursor(""), cursors[0], "first pass starts cold")
	assert.Equal(t, model.Cursor("c-INBOX"), cursors[1])
	assert.Equal(t, model.Cursor(""), cursors[2], "invalidation forces one full re-list")

	// The re-list replaces the folder contents: the reused UID carries
	// its new envelope and nothing stale survives.
	msgs, total, err := rig.engine.Store().Messages("a1", "INBOX", store.MessageQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, msgs, 1)
	assert.Equal(t, "1", msgs[0].UID)
	assert.Equal(t, "relisted", msgs[0].Header.Subject)
}

func TestEngine_FetchFailureDoesNotAdvanceCursor(t *testing.T) {
	rig := newTestRig(t, model.EngineConfig{})
	ret := &scriptedRetrieval{
		folders: []client.FolderInfo{{Name: "INBOX"}},
		deltas: map[string][][]client.MessageDelta{
			"INBOX": {
				{addedDelta("1", "first")},
				{addedDelta("2", "second")},
			},
		},
		fetchErr: map[string]error{},
	}
	rig.ret["a1"] = ret

	require.NoError(t, rig.engine.AddAccount(context.Background(), testAcct("a1"), []byte("pw")))
	require.NoError(t, rig.engine.syncAccount(context.Background(), "a1"))

	ret.mu.Lock()
	ret.fetchErr["INBOX"] = &client.SyncError{
		Kind:   client.SyncPartialFetchFailure,
		Folder: "INBOX",
		Err:    errors.New("collecting envelope: short read"),
	}
	ret.mu.Unlock()

	require.Error(t, rig.engine.syncAccount(context.Background(), "a1"))

	folder, err := rig.engine.Store().Folder("a1", "INBOX")
	require.NoError(t, err)
	assert.Equal(t, model.Cursor("c-INBOX"), folder.Cursor, "failed pass keeps the previous cursor")

	st, _ := rig.engine.SyncState("a1")
	assert.Equal(t, model.SyncFailed, st.Phase)

	// Once fetching recovers, the missed batch is offered again.
	ret.mu.Lock()
	delete(ret.fetchErr, "INBOX")
	ret.mu.Unlock()
	require.NoError(t, rig.engine.syncAccount(context.Background(), "a1"))

	_, total, err := rig.engine.Store().Messages("a1", "INBOX", store.MessageQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, total, "no message was skipped")
}

func TestEngine_SendRetriesThenSucceeds(t *testing.T) {
	rig := newTestRig(t, model.EngineConfig{SendRetryLimit: 3})
	timeout := &client.SendError{Kind: client.SendTimeout, Err: errors.New("deadline")}
	rig.sub["a1"] = &scriptedSubmission{errs: []error{timeout, timeout}}
	rig.ret["a1"] = &scriptedRetrieval{folders: []client.FolderInfo{{Name: "INBOX"}}}

	require.NoError(t, rig.engine.AddAccount(context.Background(), testAcct("a1"), []byte("pw")))

	jobID, err := rig.engine.Send("a1", model.ComposedMessage{
		From: "a1@example.com", To: []string{"dest@example.com"}, Subject: "retry me",
	})
	require.NoError(t, err)

	rig.engine.processOutbound(context.Background())

	job, err := rig.engine.Store().OutboundJob("a1", jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobSent, job.Status)
	assert.Equal(t, 2, job.Attempts, "two timeouts before the third attempt succeeded")
	assert.Equal(t, 3, rig.sub["a1"].sends())

	// The delivered message lands in the sent folder.
	msgs, total, err := rig.engine.Store().Messages("a1", "Sent", store.MessageQuery{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "retry me", msgs[0].Header.Subject)
	assert.True(t, msgs[0].Flags.Seen)
}

func TestEngine_SentRecordReplacedByServerCopy(t *testing.T) {
	rig := newTestRig(t, model.EngineConfig{SendRetryLimit: 3})
	ret := &scriptedRetrieval{
		folders: []client.FolderInfo{{Name: "Sent"}},
		deltas:  map[string][][]client.MessageDelta{},
	}
	rig.ret["a1"] = ret
	rig.sub["a1"] = &scriptedSubmission{}

	require.NoError(t, rig.engine.AddAccount(context.Background(), testAcct("a1"), []byte("pw")))

	jobID, err := rig.engine.Send("a1", model.ComposedMessage{
		From: "a1@example.com", To: []string{"dest@example.com"}, Subject: "hello again",
	})
	require.NoError(t, err)
	rig.engine.processOutbound(context.Background())

	// Delivery leaves a local record in the sent folder.
	msgs, total, err := rig.engine.Store().Messages("a1", "Sent", store.MessageQuery{})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	localUID := msgs[0].UID

	job, err := rig.engine.Store().OutboundJob("a1", jobID)
	require.NoError(t, err)
	require.NotEmpty(t, job.Message.MessageID, "queueing assigns a Message-ID")

	// The next sync lists the server's own copy of the message.
	ret.mu.Lock()
	ret.deltas["Sent"] = [][]client.MessageDelta{{{
		Kind: client.DeltaAdded,
		UID:  "77",
		Header: &model.MessageHeader{
			MessageID: "<" + job.Message.MessageID + ">",
			Subject:   "hello again",
			Date:      time.Now(),
		},
		Flags: model.FlagSet{Seen: true},
	}}}
	ret.mu.Unlock()

	require.NoError(t, rig.engine.syncAccount(context.Background(), "a1"))

	msgs, total, err = rig.engine.Store().Messages("a1", "Sent", store.MessageQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, total, "server copy supersedes the local record")
	require.Len(t, msgs, 1)
	assert.Equal(t, "77", msgs[0].UID)

	_, err = rig.engine.Store().Message("a1", "Sent", localUID)
	assert.Error(t, err, "local record is dropped outright")
}

func TestEngine_SendExhaustsRetries(t *testing.T) {
	rig := newTestRig(t, model.EngineConfig{SendRetryLimit: 3})
	timeout := &client.SendError{Kind: client.SendTimeout, Err: errors.New("deadline")}
	rig.sub["a1"] = &scriptedSubmission{errs: []error{timeout, timeout, timeout, timeout}}

	require.NoError(t, rig.engine.AddAccount(context.Background(), testAcct("a1"), []byte("pw")))

	jobID, err := rig.engine.Send("a1", model.ComposedMessage{From: "a1@example.com", To: []string{"x@y.z"}})
	require.NoError(t, err)
	rig.engine.processOutbound(context.Background())

	job, err := rig.engine.Store().OutboundJob("a1", jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.NotEmpty(t, job.Reason)
	assert.Equal(t, 3, rig.sub["a1"].sends())
}

func TestEngine_NonTransientSendFailsImmediately(t *testing.T) {
	rig := newTestRig(t, model.EngineConfig{SendRetryLimit: 3})
	rig.sub["a1"] = &scriptedSubmission{errs: []error{
		&client.SendError{Kind: client.SendRecipientRejected, Err: errors.New("550 no such user")},
	}}

	require.NoError(t, rig.engine.AddAccount(context.Background(), testAcct("a1"), []byte("pw")))

	jobID, err := rig.engine.Send("a1", model.ComposedMessage{From: "a1@example.com", To: []string{"x@y.z"}})
	require.NoError(t, err)
	rig.engine.processOutbound(context.Background())

	job, err := rig.engine.Store().OutboundJob("a1", jobID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailed, job.Status)
	assert.Zero(t, job.Attempts, "a rejection is not retried")
	assert.Equal(t, 1, rig.sub["a1"].sends())
}

func TestEngine_OversizedAttachmentRejectedBeforeQueueing(t *testing.T) {
	rig := newTestRig(t, model.EngineConfig{MaxAttachmentBytes: 1 << 20})

	require.NoError(t, rig.engine.AddAccount(context.Background(), testAcct("a1"), []byte("pw")))

	_, err := rig.engine.Send("a1", model.ComposedMessage{
		From: "a1@example.com",
		To:   []string{"x@y.z"},
		Attachments: []model.OutboundAttachment{
			{Filename: "huge.iso", Size: 50 << 20},
		},
	})
	sendErr, ok := client.AsSendError(err)
	require.True(t, ok)
	assert.Equal(t, client.SendAttachmentTooLarge, sendErr.Kind)

	pending, err := rig.engine.Store().PendingOutbound("a1")
	require.NoError(t, err)
	assert.Empty(t, pending, "nothing was queued")
	assert.Zero(t, rig.sub["a1"].sends(), "no network activity")
}

func TestEngine_AddAccountValidationFailure(t *testing.T) {
	rig := newTestRig(t, model.EngineConfig{})
	rig.engine.validate = func(context.Context, model.Account) error {
		return &client.AuthError{Kind: client.AuthNetworkUnreachable, Err: errors.New("refused")}
	}

	err := rig.engine.AddAccount(context.Background(), testAcct("a1"), []byte("pw"))
	require.Error(t, err)
	assert.False(t, rig.creds.has("a1"), "credential is not stored for unreachable endpoints")
	assert.Empty(t, rig.engine.Accounts())
}

func TestEngine_RemoveAccount(t *testing.T) {
	rig := newTestRig(t, model.EngineConfig{})
	rig.ret["a1"] = &scriptedRetrieval{
		folders: []client.FolderInfo{{Name: "INBOX"}},
		deltas: map[string][][]client.MessageDelta{
			"INBOX": {{addedDelta("1", "bye")}},
		},
	}

	require.NoError(t, rig.engine.AddAccount(context.Background(), testAcct("a1"), []byte("pw")))
	require.NoError(t, rig.engine.syncAccount(context.Background(), "a1"))

	require.NoError(t, rig.engine.RemoveAccount("a1"))

	assert.False(t, rig.creds.has("a1"), "credential erased")
	assert.Empty(t, rig.engine.Accounts())
	_, ok := rig.engine.SyncState("a1")
	assert.False(t, ok)
	_, err := rig.engine.Store().Folders("a1")
	assert.Error(t, err, "mailbox purged")
}

func TestEngine_FetchBodyCachesInStore(t *testing.T) {
	rig := newTestRig(t, model.EngineConfig{})
	ret := &scriptedRetrieval{
		folders: []client.FolderInfo{{Name: "INBOX"}},
		deltas: map[string][][]client.MessageDelta{
			"INBOX": {{addedDelta("1", "lazy body")}},
		},
	}
	rig.ret["a1"] = ret

	require.NoError(t, rig.engine.AddAccount(context.Background(), testAcct("a1"), []byte("pw")))
	require.NoError(t, rig.engine.syncAccount(context.Background(), "a1"))

	body, err := rig.engine.FetchBody(context.Background(), "a1", "INBOX", "1")
	require.NoError(t, err)
	assert.Equal(t, "fetched body", body.Text)

	// Second read is served from the cache.
	_, err = rig.engine.FetchBody(context.Background(), "a1", "INBOX", "1")
	require.NoError(t, err)
	ret.mu.Lock()
	fetches := ret.bodies
	ret.mu.Unlock()
	assert.Equal(t, 1, fetches)
}

func TestEngine_UpdateFlagsAppliesLocally(t *testing.T) {
	rig := newTestRig(t, model.EngineConfig{})
	rig.ret["a1"] = &scriptedRetrieval{
		folders: []client.FolderInfo{{Name: "INBOX"}},
		deltas: map[string][][]client.MessageDelta{
			"INBOX": {{addedDelta("1", "mark me")}},
		},
	}

	require.NoError(t, rig.engine.AddAccount(context.Background(), testAcct("a1"), []byte("pw")))
	require.NoError(t, rig.engine.syncAccount(context.Background(), "a1"))

	require.NoError(t, rig.engine.UpdateFlags(context.Background(), "a1", "INBOX", "1", model.FlagSet{Seen: true}))

	msg, err := rig.engine.Store().Message("a1", "INBOX", "1")
	require.NoError(t, err)
	assert.True(t, msg.Flags.Seen)

	folder, err := rig.engine.Store().Folder("a1", "INBOX")
	require.NoError(t, err)
	assert.Zero(t, folder.UnreadCount)
}

func TestEngine_DisabledAccountStaysPaused(t *testing.T) {
	rig := newTestRig(t, model.EngineConfig{})

	acct := testAcct("a1")
	acct.Enabled = false
	require.NoError(t, rig.engine.AddAccount(context.Background(), acct, []byte("pw")))

	st, ok := rig.engine.SyncState("a1")
	require.True(t, ok)
	assert.Equal(t, model.SyncPaused, st.Phase)
}
