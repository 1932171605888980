package sync

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/chris17453/sheetbot365/internal/graph"
	"github.com/chris17453/sheetbot365/internal/message"
	"github.com/chris17453/sheetbot365/internal/persist"
	"github.com/chris17453/sheetbot365/internal/runlock"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMailbox is an in-memory Mailbox that records the remote calls
// the engine makes.
type fakeMailbox struct {
	msgs       []message.Message
	atts       map[string][]graph.Attachment
	reads      map[string]int
	deletes    map[string]int
	failDelete map[string]bool
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{
		atts:       make(map[string][]graph.Attachment),
		reads:      make(map[string]int),
		deletes:    make(map[string]int),
		failDelete: make(map[string]bool),
	}
}

func (f *fakeMailbox) ListMessages(ctx context.Context, unreadOnly bool, limit int) ([]message.Message, error) {
	if len(f.msgs) > limit {
		return f.msgs[:limit], nil
	}
	return f.msgs, nil
}

func (f *fakeMailbox) ListAttachments(ctx context.Context, id string) ([]graph.Attachment, error) {
	return f.atts[id], nil
}

func (f *fakeMailbox) MarkRead(ctx context.Context, id string) bool {
	f.reads[id]++
	return true
}

func (f *fakeMailbox) Delete(ctx context.Context, id string) bool {
	if f.failDelete[id] {
		return false
	}
	f.deletes[id]++
	return true
}

type fixture struct {
	engine  *Engine
	mailbox *fakeMailbox
	db      *persist.DB
	dbPath  string
	lock    *runlock.Lock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	l := logrus.New()
	l.SetOutput(io.Discard)

	dbPath := filepath.Join(dir, "bot.db")
	db, err := persist.Open(context.Background(), persist.ConnConfig{Path: dbPath}, l)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mailbox := newFakeMailbox()
	lock := runlock.New(filepath.Join(dir, "bot.lock"), l)
	return &fixture{
		engine:  &Engine{Mailbox: mailbox, DB: db, Lock: lock, Log: l},
		mailbox: mailbox,
		db:      db,
		dbPath:  dbPath,
		lock:    lock,
	}
}

// queryInt runs a scalar query against the committed database state.
func (f *fixture) queryInt(t *testing.T, query string, args ...interface{}) int {
	t.Helper()
	db, err := sql.Open("sqlite3", f.dbPath)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(query, args...).Scan(&n))
	return n
}

func (f *fixture) queryString(t *testing.T, query string, args ...interface{}) string {
	t.Helper()
	db, err := sql.Open("sqlite3", f.dbPath)
	require.NoError(t, err)
	defer db.Close()
	var s string
	require.NoError(t, db.QueryRow(query, args...).Scan(&s))
	return s
}

// seed commits a message in the given status, timestamped by the
// store's current clock.
func (f *fixture) seed(t *testing.T, id string, status message.Status, attachments int) {
	t.Helper()
	ctx := context.Background()
	tx, err := f.db.Begin(ctx)
	require.NoError(t, err)
	defer tx.Rollback()
	_, err = tx.InsertEmail(ctx, &message.Message{
		ID: id, Sender: "alice@example.com", Recipient: "inbox@example.com",
		Subject: "seeded", Body: "body", ReceivedAt: time.Now(), Size: 10,
	})
	require.NoError(t, err)
	for i := 0; i < attachments; i++ {
		require.NoError(t, tx.InsertAttachment(ctx, &message.Attachment{
			MessageID: id, Name: "a.pdf", Size: 3, Data: []byte("pdf"),
		}))
	}
	if status != message.StatusDownloaded {
		_, err = tx.UpdateStatus(ctx, id, status)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
}

func unreadMessage(id string) message.Message {
	return message.Message{
		ID:         id,
		Sender:     "alice@example.com",
		Recipient:  "inbox@example.com",
		Subject:    "invoice " + id,
		Body:       "see attached",
		ReceivedAt: time.Date(2025, 5, 30, 9, 0, 0, 0, time.UTC),
		Size:       2048,
	}
}

func fileAttachment(name string, data []byte) graph.Attachment {
	return graph.Attachment{
		ODataType:    graph.FileAttachmentType,
		Name:         name,
		Size:         int64(len(data)),
		ContentBytes: base64.StdEncoding.EncodeToString(data),
	}
}

func TestScanIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mailbox.msgs = []message.Message{unreadMessage("m1")}
	f.mailbox.atts["m1"] = []graph.Attachment{fileAttachment("report.pdf", []byte("hello"))}

	opts := ScanOptions{Limit: 10}
	require.NoError(t, f.engine.Scan(ctx, opts))
	require.NoError(t, f.engine.Scan(ctx, opts))

	assert.Equal(t, 1, f.queryInt(t, `SELECT COUNT(*) FROM emails`))
	assert.Equal(t, 1, f.queryInt(t, `SELECT COUNT(*) FROM attachments`))
	assert.Equal(t, string(message.StatusProcessed),
		f.queryString(t, `SELECT status FROM emails WHERE message_id = 'm1'`))
	// Marked read on both passes.
	assert.Equal(t, 2, f.mailbox.reads["m1"])
}

func TestScanPartialAttachmentFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mailbox.msgs = []message.Message{unreadMessage("m1")}
	bad := fileAttachment("two.pdf", nil)
	bad.ContentBytes = "!!! not base64 !!!"
	f.mailbox.atts["m1"] = []graph.Attachment{
		fileAttachment("one.pdf", []byte("first")),
		bad,
		fileAttachment("three.pdf", []byte("third")),
	}

	require.NoError(t, f.engine.Scan(ctx, ScanOptions{Limit: 10}))

	// The undecodable payload is skipped; the rest land and the
	// message still reaches processed.
	assert.Equal(t, 2, f.queryInt(t, `SELECT COUNT(*) FROM attachments`))
	assert.Equal(t, 0, f.queryInt(t,
		`SELECT COUNT(*) FROM attachments WHERE file_name = 'two.pdf'`))
	assert.Equal(t, string(message.StatusProcessed),
		f.queryString(t, `SELECT status FROM emails WHERE message_id = 'm1'`))
	assert.Equal(t, 1, f.mailbox.reads["m1"])
}

func TestScanSkipsNonFileAttachments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mailbox.msgs = []message.Message{unreadMessage("m1")}
	f.mailbox.atts["m1"] = []graph.Attachment{
		{ODataType: "#microsoft.graph.itemAttachment", Name: "forwarded"},
		fileAttachment("real.pdf", []byte("data")),
	}

	require.NoError(t, f.engine.Scan(ctx, ScanOptions{Limit: 10}))

	assert.Equal(t, 1, f.queryInt(t, `SELECT COUNT(*) FROM attachments`))
	assert.Equal(t, "real.pdf",
		f.queryString(t, `SELECT file_name FROM attachments`))
}

func TestScanLockHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mailbox.msgs = []message.Message{unreadMessage("m1")}
	holder := strconv.Itoa(os.Getpid())
	require.NoError(t, os.WriteFile(f.lock.Path, []byte(holder), 0644))

	// A held lock is a clean no-op run, not an error.
	require.NoError(t, f.engine.Scan(ctx, ScanOptions{Limit: 10}))

	assert.Equal(t, 0, f.queryInt(t, `SELECT COUNT(*) FROM emails`))
	assert.Empty(t, f.mailbox.reads)
	content, err := os.ReadFile(f.lock.Path)
	require.NoError(t, err)
	assert.Equal(t, holder, string(content), "holder's lock file must survive")
}

func TestScanEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := bytes.Repeat([]byte("x"), 500)
	f.mailbox.msgs = []message.Message{unreadMessage("A"), unreadMessage("B")}
	f.mailbox.atts["B"] = []graph.Attachment{fileAttachment("data.bin", payload)}

	require.NoError(t, f.engine.Scan(ctx, ScanOptions{Limit: 10}))

	assert.Equal(t, 2, f.queryInt(t,
		`SELECT COUNT(*) FROM emails WHERE status = 'processed'`))
	assert.Equal(t, 1, f.queryInt(t, `SELECT COUNT(*) FROM attachments`))
	assert.Equal(t, 500, f.queryInt(t,
		`SELECT file_size FROM attachments WHERE message_id = 'B'`))
	assert.Equal(t, 1, f.mailbox.reads["A"])
	assert.Equal(t, 1, f.mailbox.reads["B"])
	_, err := os.Stat(f.lock.Path)
	assert.True(t, os.IsNotExist(err), "lock file must be gone after the run")
}

func TestScanMarkAged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	f.db.SetClock(func() time.Time { return now })

	f.seed(t, "aged", message.StatusProcessed, 0)
	now = t0.AddDate(0, 0, 31)
	f.mailbox.msgs = []message.Message{unreadMessage("new")}

	require.NoError(t, f.engine.Scan(ctx,
		ScanOptions{Limit: 10, MarkAged: true, AgedDays: 30}))

	assert.Equal(t, string(message.StatusDeleted),
		f.queryString(t, `SELECT status FROM emails WHERE message_id = 'aged'`))
	assert.Equal(t, string(message.StatusProcessed),
		f.queryString(t, `SELECT status FROM emails WHERE message_id = 'new'`))
}

func TestDeleteBoth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	f.db.SetClock(func() time.Time { return now })

	f.seed(t, "gone", message.StatusDeleted, 2)
	now = t0.AddDate(0, 0, 45)
	f.seed(t, "fresh", message.StatusDeleted, 1)

	require.NoError(t, f.engine.Delete(ctx,
		DeleteOptions{AgedDays: 30, Database: true, Inbox: true}))

	// Remote delete mirrored exactly once for the aged id.
	assert.Equal(t, map[string]int{"gone": 1}, f.mailbox.deletes)
	assert.Equal(t, 0, f.queryInt(t,
		`SELECT COUNT(*) FROM emails WHERE message_id = 'gone'`))
	assert.Equal(t, 0, f.queryInt(t,
		`SELECT COUNT(*) FROM attachments WHERE message_id = 'gone'`))
	// The fresh soft-deleted row is untouched on both sides.
	assert.Equal(t, 1, f.queryInt(t,
		`SELECT COUNT(*) FROM emails WHERE message_id = 'fresh'`))
	assert.Equal(t, 1, f.queryInt(t,
		`SELECT COUNT(*) FROM attachments WHERE message_id = 'fresh'`))
	_, err := os.Stat(f.lock.Path)
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteDatabaseOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	f.db.SetClock(func() time.Time { return now })

	f.seed(t, "gone", message.StatusDeleted, 1)
	now = t0.AddDate(0, 0, 45)

	require.NoError(t, f.engine.Delete(ctx,
		DeleteOptions{AgedDays: 30, Database: true}))

	assert.Empty(t, f.mailbox.deletes)
	assert.Equal(t, 0, f.queryInt(t, `SELECT COUNT(*) FROM emails`))
	assert.Equal(t, 0, f.queryInt(t, `SELECT COUNT(*) FROM attachments`))
}

func TestDeleteInboxOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	f.db.SetClock(func() time.Time { return now })

	f.seed(t, "gone", message.StatusDeleted, 1)
	now = t0.AddDate(0, 0, 45)

	require.NoError(t, f.engine.Delete(ctx,
		DeleteOptions{AgedDays: 30, Inbox: true}))

	assert.Equal(t, map[string]int{"gone": 1}, f.mailbox.deletes)
	// Database side untouched.
	assert.Equal(t, 1, f.queryInt(t, `SELECT COUNT(*) FROM emails`))
	assert.Equal(t, 1, f.queryInt(t, `SELECT COUNT(*) FROM attachments`))
}

func TestDeleteRemoteFailureContinues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	t0 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	f.db.SetClock(func() time.Time { return now })

	f.seed(t, "bad", message.StatusDeleted, 0)
	f.seed(t, "good", message.StatusDeleted, 0)
	now = t0.AddDate(0, 0, 45)
	f.mailbox.failDelete["bad"] = true

	require.NoError(t, f.engine.Delete(ctx,
		DeleteOptions{AgedDays: 30, Inbox: true}))

	// One refused remote deletion does not stop the rest.
	assert.Equal(t, map[string]int{"good": 1}, f.mailbox.deletes)
}

func TestStatusOutput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, "m1", message.StatusDownloaded, 0)
	f.seed(t, "m2", message.StatusProcessed, 0)

	var buf bytes.Buffer
	require.NoError(t, f.engine.Status(ctx, &buf, true))

	out := buf.String()
	assert.Contains(t, out, "downloaded: 1")
	assert.Contains(t, out, "processed: 1")
	assert.Contains(t, out, "Total emails: 2")
	assert.Contains(t, out, "Unique senders: 1")
}
