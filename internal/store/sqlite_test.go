package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modernmail/engine/internal/client"
	"github.com/modernmail/engine/internal/model"
)

func TestSQLite_ReattachRestoresState(t *testing.T) {
	dir := t.TempDir()

	s := Open(dir)
	require.NoError(t, s.AttachAccount(testAccount))

	require.NoError(t, s.ReconcileFolders(testAccount, []string{"INBOX", "Sent"}))
	deltas := []client.MessageDelta{
		added("1", "persisted"),
		added("2", "also persisted"),
		flagsChanged("2", model.FlagSet{Seen: true}),
		added("3", "gone"),
		removed("3"),
	}
	require.NoError(t, s.ApplyPass(testAccount, "INBOX", "cursor-v1", deltas))

	job, err := s.EnqueueOutbound(testAccount, model.ComposedMessage{
		From:    "me@example.com",
		To:      []string{"you@example.com"},
		Subject: "queued",
		Body:    "body",
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// A fresh store over the same directory sees everything back.
	s2 := Open(dir)
	require.NoError(t, s2.AttachAccount(testAccount))
	defer s2.Close()

	folders, err := s2.Folders(testAccount)
	require.NoError(t, err)
	require.Len(t, folders, 2)

	inbox, err := s2.Folder(testAccount, "INBOX")
	require.NoError(t, err)
	assert.Equal(t, model.Cursor("cursor-v1"), inbox.Cursor)
	assert.Equal(t, 1, inbox.UnreadCount)

	msgs, total, err := s2.Messages(testAccount, "INBOX", MessageQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, msgs, 2)

	m2, err := s2.Message(testAccount, "INBOX", "2")
	require.NoError(t, err)
	assert.True(t, m2.Flags.Seen)
	assert.Equal(t, "also persisted", m2.Header.Subject)

	tomb, err := s2.Message(testAccount, "INBOX", "3")
	require.NoError(t, err)
	assert.True(t, tomb.Tombstoned)

	pending, err := s2.PendingOutbound(testAccount)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, job.ID, pending[0].ID)
	assert.Equal(t, []string{"you@example.com"}, pending[0].Message.To)
}

func TestSQLite_BodyPersisted(t *testing.T) {
	dir := t.TempDir()

	s := Open(dir)
	require.NoError(t, s.AttachAccount(testAccount))
	require.NoError(t, s.ApplyPass(testAccount, "INBOX", "c1", []client.MessageDelta{added("1", "m")}))
	require.NoError(t, s.SetMessageBody(testAccount, "INBOX", "1", client.Body{
		Text: "plain text",
		HTML: "<p>html</p>",
		Attachments: []model.AttachmentInfo{
			{Filename: "a.pdf", ContentType: "application/pdf", Size: 1234},
		},
	}))
	require.NoError(t, s.Close())

	s2 := Open(dir)
	require.NoError(t, s2.AttachAccount(testAccount))
	defer s2.Close()

	m, err := s2.Message(testAccount, "INBOX", "1")
	require.NoError(t, err)
	assert.True(t, m.BodyFetched)
	assert.Equal(t, "plain text", m.TextBody)
	assert.Equal(t, "<p>html</p>", m.HTMLBody)
	require.Len(t, m.Attachments, 1)
	assert.Equal(t, "a.pdf", m.Attachments[0].Filename)
}

func TestSQLite_SchemaMismatchWipes(t *testing.T) {
	dir := t.TempDir()

	db, err := openAccountDB(dir, testAccount)
	require.NoError(t, err)

	require.NoError(t, db.commitFolders([]model.Folder{{Name: "INBOX", Cursor: "c1"}}, nil))
	require.NoError(t, db.commitPass(
		model.Folder{Name: "INBOX", Cursor: "c1", UnreadCount: 1},
		[]model.Message{{
			Folder:    "INBOX",
			UID:       "1",
			Header:    model.MessageHeader{Subject: "old schema", Date: time.Now()},
			FetchedAt: time.Now(),
		}},
	))

	// Pretend the file was written by a different engine version.
	_, err = db.db.Exec("UPDATE schema_version SET version = ?", schemaVersion+1)
	require.NoError(t, err)
	require.NoError(t, db.close())

	db2, err := openAccountDB(dir, testAccount)
	require.NoError(t, err)
	defer db2.close()

	folders, messages, jobs, err := db2.load()
	require.NoError(t, err)
	assert.Empty(t, folders, "mismatched schema starts from scratch")
	assert.Empty(t, messages)
	assert.Empty(t, jobs)
}

func TestSQLite_PurgeRemovesFile(t *testing.T) {
	dir := t.TempDir()

	s := Open(dir)
	require.NoError(t, s.AttachAccount(testAccount))
	require.NoError(t, s.ApplyPass(testAccount, "INBOX", "c1", []client.MessageDelta{added("1", "m")}))
	require.NoError(t, s.PurgeAccount(testAccount))

	// Attaching again starts empty.
	require.NoError(t, s.AttachAccount(testAccount))
	defer s.Close()

	folders, err := s.Folders(testAccount)
	require.NoError(t, err)
	assert.Empty(t, folders)
}

func TestSQLite_FilenameSanitized(t *testing.T) {
	dir := t.TempDir()

	db, err := openAccountDB(dir, "user/with:odd chars@example.com")
	require.NoError(t, err)
	defer db.close()

	assert.NotContains(t, db.path, "/with")
	assert.NotContains(t, db.path, ":")
	assert.NotContains(t, db.path, " ")
}
