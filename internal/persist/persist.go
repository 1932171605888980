// Copyright 2025 Chris Watkins
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package persist is the relational record store for ingested
// messages and their attachment payloads.
package persist

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/chris17453/sheetbot365/internal/message"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var (
	createTableSql = []string{
		// The emails table holds one row per ingested mailbox
		// message.
		//
		// Field: message_id
		//
		//   Graph API: message resource "id" field. Opaque,
		//   unique within the mailbox, immutable. At most one
		//   row per message_id ever exists.
		//
		// Field: status
		//
		//   Lifecycle state: 'downloaded', 'processed' or
		//   'deleted', in that order and never backward. Each
		//   status has a matching *_date column recording when
		//   the row entered it; downloaded_date is written at
		//   insert together with status = 'downloaded'.
		//
		// Field: deleted_date
		//
		//   Set when the row is soft deleted. Rows whose
		//   deleted_date has aged past the purge threshold are
		//   physically removed, attachments first.
		`
CREATE TABLE IF NOT EXISTS emails (
message_id TEXT NOT NULL PRIMARY KEY,
sender TEXT NOT NULL,
recipient TEXT NOT NULL,
subject TEXT NOT NULL,
body TEXT NOT NULL,
received_date TIMESTAMP,
size INTEGER NOT NULL,
downloaded_date TIMESTAMP NOT NULL,
processed_date TIMESTAMP,
deleted_date TIMESTAMP,
status TEXT NOT NULL
);`,
		// The attachments table holds the raw payload of every
		// file attached to a message in emails.
		//
		// Rows are only written in the same pass that first
		// inserted the owning message; a message observed again
		// on a later pass never re-adds attachments. Rows are
		// removed in bulk, before their message row, when the
		// message is purged.
		`
CREATE TABLE IF NOT EXISTS attachments (
message_id TEXT NOT NULL,
file_name TEXT NOT NULL,
file_size INTEGER NOT NULL,
file_data BLOB NOT NULL,
FOREIGN KEY (message_id) REFERENCES emails (message_id)
);`,
	}
)

// ConnConfig carries everything needed to open the store. Connection
// settings travel here explicitly rather than through the process
// environment.
type ConnConfig struct {
	// Path of the SQLite database file.
	Path string

	// BusyTimeout bounds how long SQLite polls a locked database
	// before giving up. Zero selects a 5 minute default.
	BusyTimeout time.Duration
}

// DB is an open record store.
type DB struct {
	db  *sql.DB
	log *logrus.Logger
	now func() time.Time
}

// Tx is a single store transaction. Every pass runs all of its
// mutations inside one transaction and commits them together.
type Tx struct {
	tx *sql.Tx
	db *DB
}

func dsnFromPath(path string, addValues url.Values) (string, error) {
	var u *url.URL
	if !strings.HasPrefix(path, "file:") {
		u = &url.URL{Scheme: "file", Path: path}
	} else {
		var err error
		u, err = url.Parse(path)
		if err != nil {
			return "", err
		}
	}
	values := u.Query()
	for k, v := range addValues {
		for _, item := range v {
			values.Add(k, item)
		}
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Open opens the store at cfg.Path, creating the schema if needed.
func Open(ctx context.Context, cfg ConnConfig, log *logrus.Logger) (*DB, error) {
	busyTimeout := cfg.BusyTimeout
	if busyTimeout == 0 {
		// The default of 5 seconds is too short in practice
		// when a scan and a delete pass race on the same file;
		// go with 5 minutes.
		busyTimeout = 5 * time.Minute
	}

	dsn, err := dsnFromPath(cfg.Path, url.Values{
		"_busy_timeout": {fmt.Sprintf("%d", int(busyTimeout/time.Millisecond))}})
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not form a DB DSN from the given path",
			cfg.Path)
	}
	log.WithField("dsn", dsn).Debug("opening database")
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not open database at %q", cfg.Path, dsn)
	}

	if err = initSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrapf(err,
			"Open(%q) failed: could not initialize the database schema",
			cfg.Path)
	}

	return &DB{db: db, log: log, now: time.Now}, nil
}

// SetClock overrides the store's time source. Intended for tests.
func (db *DB) SetClock(now func() time.Time) {
	db.now = now
}

func (db *DB) Close() error {
	return db.db.Close()
}

// Ping verifies connectivity by reading the store's current time and
// logging it, before a pass does any real work.
func (db *DB) Ping(ctx context.Context) error {
	var now string
	row := db.db.QueryRowContext(ctx, `SELECT datetime('now')`)
	if err := row.Scan(&now); err != nil {
		return errors.Wrap(err, "store connectivity check failed")
	}
	db.log.WithField("server_time", now).Info("database connection successful")
	return nil
}

func (db *DB) Begin(ctx context.Context) (*Tx, error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction failed")
	}
	return &Tx{tx: tx, db: db}, nil
}

func (tx *Tx) Commit() error {
	return tx.tx.Commit()
}

func (tx *Tx) Rollback() error {
	return tx.tx.Rollback()
}

func initSchema(ctx context.Context, db *sql.DB) error {
	for _, sql := range createTableSql {
		if _, err := db.ExecContext(ctx, sql); err != nil {
			return errors.Wrapf(err, "while executing %q", sql)
		}
	}
	return nil
}

// InsertOutcome reports what InsertEmail did.
type InsertOutcome int

const (
	// Inserted means a new row was written with status
	// 'downloaded'.
	Inserted InsertOutcome = iota

	// AlreadyExists means a row for the message id was already
	// present and nothing was written.
	AlreadyExists
)

// InsertEmail records a message with status 'downloaded' and the
// current store time as downloaded_date, unless a row for the same
// message id already exists. The insert-if-absent is a single
// statement, so two passes racing on one id cannot both observe
// Inserted.
func (tx *Tx) InsertEmail(ctx context.Context, msg *message.Message) (InsertOutcome, error) {
	const q = `
INSERT INTO emails
(message_id, sender, recipient, subject, body, received_date, size, downloaded_date, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (message_id) DO NOTHING`
	res, err := tx.tx.ExecContext(ctx, q,
		msg.ID, msg.Sender, msg.Recipient, msg.Subject, msg.Body,
		msg.ReceivedAt, msg.Size, tx.db.now(), string(message.StatusDownloaded))
	if err != nil {
		return AlreadyExists, errors.Wrap(err, "db insert failed for emails")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return AlreadyExists, errors.Wrap(err, "db rows affected failed for emails insert")
	}
	if n == 0 {
		return AlreadyExists, nil
	}
	return Inserted, nil
}

// Exists reports whether a row for the message id is present.
func (tx *Tx) Exists(ctx context.Context, id string) (bool, error) {
	row := tx.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM emails WHERE message_id = $1`, id)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, errors.Wrap(err, "db exists check failed")
	}
	return n > 0, nil
}

// InsertAttachment stores one attachment payload. Callers only invoke
// this for a message that was newly inserted in the same pass.
func (tx *Tx) InsertAttachment(ctx context.Context, att *message.Attachment) error {
	const q = `
INSERT INTO attachments (message_id, file_name, file_size, file_data)
VALUES ($1, $2, $3, $4)`
	if _, err := tx.tx.ExecContext(ctx, q, att.MessageID, att.Name, att.Size, att.Data); err != nil {
		return errors.Wrapf(err, "db insert failed for attachment %q", att.Name)
	}
	return nil
}

// UpdateStatus advances a message to the given status and stamps the
// status-named date column with the current store time. Returns false
// when no row matched the id.
func (tx *Tx) UpdateStatus(ctx context.Context, id string, status message.Status) (bool, error) {
	q := fmt.Sprintf(
		`UPDATE emails SET status = $1, %s = $2 WHERE message_id = $3`,
		status.TimestampColumn())
	res, err := tx.tx.ExecContext(ctx, q, string(status), tx.db.now(), id)
	if err != nil {
		return false, errors.Wrapf(err, "db status update failed for %v", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "db rows affected failed for status update")
	}
	return n > 0, nil
}

// MarkAged soft-deletes every processed message whose processed_date
// is strictly older than thresholdDays, setting status 'deleted' and
// deleted_date to the current store time. Rows that already carry a
// deleted_date are never touched. Returns the number of rows changed.
func (tx *Tx) MarkAged(ctx context.Context, thresholdDays int) (int, error) {
	const q = `
UPDATE emails
SET status = $1, deleted_date = $2
WHERE status = $3
  AND processed_date < $4
  AND deleted_date IS NULL`
	now := tx.db.now()
	cutoff := now.AddDate(0, 0, -thresholdDays)
	res, err := tx.tx.ExecContext(ctx, q,
		string(message.StatusDeleted), now, string(message.StatusProcessed), cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "db aged mark failed")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "db rows affected failed for aged mark")
	}
	return int(n), nil
}

// PurgeAged permanently removes messages soft deleted strictly more
// than thresholdDays ago, and their attachments. Attachments go first
// so an interrupted purge can never leave attachment rows without
// their message.
func (tx *Tx) PurgeAged(ctx context.Context, thresholdDays int) (emails, attachments int, err error) {
	cutoff := tx.db.now().AddDate(0, 0, -thresholdDays)

	res, err := tx.tx.ExecContext(ctx, `
DELETE FROM attachments
WHERE message_id IN (
    SELECT message_id FROM emails
    WHERE status = $1 AND deleted_date < $2
)`, string(message.StatusDeleted), cutoff)
	if err != nil {
		return 0, 0, errors.Wrap(err, "db purge failed for attachments")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, 0, errors.Wrap(err, "db rows affected failed for attachments purge")
	}
	attachments = int(n)

	res, err = tx.tx.ExecContext(ctx,
		`DELETE FROM emails WHERE status = $1 AND deleted_date < $2`,
		string(message.StatusDeleted), cutoff)
	if err != nil {
		return 0, attachments, errors.Wrap(err, "db purge failed for emails")
	}
	n, err = res.RowsAffected()
	if err != nil {
		return 0, attachments, errors.Wrap(err, "db rows affected failed for emails purge")
	}
	emails = int(n)

	return emails, attachments, nil
}

// ListAgedMessageIDs calls handler with every message id matching the
// purge predicate, for mirroring the deletion to the remote inbox.
func (tx *Tx) ListAgedMessageIDs(ctx context.Context, thresholdDays int, handler func(id string) error) error {
	const q = `
SELECT message_id FROM emails
WHERE status = $1 AND deleted_date < $2`
	cutoff := tx.db.now().AddDate(0, 0, -thresholdDays)
	rows, err := tx.tx.QueryContext(ctx, q, string(message.StatusDeleted), cutoff)
	if err != nil {
		return errors.Wrap(err, "db query failed in ListAgedMessageIDs")
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return errors.Wrap(err, "db scan failed in ListAgedMessageIDs")
		}
		if err := handler(id); err != nil {
			return err
		}
	}
	return rows.Err()
}

// StatusCounts returns the number of messages in each status.
func (tx *Tx) StatusCounts(ctx context.Context) (map[message.Status]int, error) {
	const q = `
SELECT status, COUNT(*)
FROM emails
GROUP BY status
ORDER BY status`
	rows, err := tx.tx.QueryContext(ctx, q)
	if err != nil {
		return nil, errors.Wrap(err, "db query failed in StatusCounts")
	}
	defer rows.Close()

	counts := make(map[message.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "db scan failed in StatusCounts")
		}
		counts[message.Status(status)] = n
	}
	return counts, rows.Err()
}

// Stats are the aggregate figures shown by the verbose status
// command. Oldest and Newest are the raw stored received_date values;
// both are empty when the store has no messages.
type Stats struct {
	Total         int
	Oldest        string
	Newest        string
	UniqueSenders int
}

// Stats returns aggregate statistics over all stored messages.
func (tx *Tx) Stats(ctx context.Context) (*Stats, error) {
	const q = `
SELECT COUNT(*), MIN(received_date), MAX(received_date), COUNT(DISTINCT sender)
FROM emails`
	row := tx.tx.QueryRowContext(ctx, q)
	var stats Stats
	var oldest, newest sql.NullString
	if err := row.Scan(&stats.Total, &oldest, &newest, &stats.UniqueSenders); err != nil {
		return nil, errors.Wrap(err, "db scan failed in Stats")
	}
	stats.Oldest = oldest.String
	stats.Newest = newest.String
	return &stats, nil
}
