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

// Package sync drives the scan and delete passes that keep the remote
// mailbox and the local store converged.
package sync

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/chris17453/sheetbot365/internal/graph"
	"github.com/chris17453/sheetbot365/internal/message"
	"github.com/chris17453/sheetbot365/internal/persist"
	"github.com/chris17453/sheetbot365/internal/runlock"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Engine orchestrates one pass at a time over the remote mailbox and
// the local store, serialized across process invocations by the run
// lock. All remote and store calls within a pass are sequential; the
// store mutations of a pass commit as one transaction.
type Engine struct {
	Mailbox Mailbox
	DB      *persist.DB
	Lock    *runlock.Lock
	Log     *logrus.Logger
}

// ScanOptions control one scan pass.
type ScanOptions struct {
	// Limit bounds how many unread messages are fetched.
	Limit int

	// MarkAged additionally soft-deletes processed messages whose
	// processed date is older than AgedDays, at the end of the
	// pass.
	MarkAged bool
	AgedDays int
}

// Scan ingests unread mailbox messages into the store, advances their
// status to processed and mirrors the read flag back to the mailbox.
//
// Ingestion is idempotent: a message already stored gets no new row
// and no attachment work, only another best-effort mark-read so a
// previously seen but unread message converges. One failing message
// never aborts the batch.
func (e *Engine) Scan(ctx context.Context, opts ScanOptions) error {
	outcome, err := e.Lock.Acquire()
	if err != nil {
		return err
	}
	if outcome == runlock.HeldByOther {
		return nil
	}
	defer e.release()

	if err := e.DB.Ping(ctx); err != nil {
		return err
	}

	msgs, err := e.Mailbox.ListMessages(ctx, true, opts.Limit)
	if err != nil {
		return errors.Wrap(err, "listing unread messages")
	}
	if len(msgs) == 0 {
		e.Log.Info("no unread messages to process")
		return nil
	}

	tx, err := e.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, msg := range msgs {
		e.Log.WithFields(logrus.Fields{
			"subject": msg.Subject,
			"sender":  msg.Sender,
		}).Infof("processing %d of %d", i+1, len(msgs))
		if err := e.ingest(ctx, tx, msg); err != nil {
			e.Log.WithError(err).WithField("message_id", msg.ID).
				Error("error processing message")
		}
	}

	if opts.MarkAged {
		n, err := tx.MarkAged(ctx, opts.AgedDays)
		if err != nil {
			return err
		}
		e.Log.WithField("count", n).Info("marked aged messages as deleted")
	}

	counts, err := tx.StatusCounts(ctx)
	if err != nil {
		return err
	}
	e.Log.WithField("counts", counts).Info("message status counts")

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing scan pass")
	}
	e.Log.Info("all messages processed and committed")
	return nil
}

// ingest handles one message. Failures stay inside this boundary; the
// caller logs them and moves on to the next message.
func (e *Engine) ingest(ctx context.Context, tx *persist.Tx, msg message.Message) error {
	outcome, err := tx.InsertEmail(ctx, &msg)
	if err != nil {
		return err
	}
	if outcome == persist.AlreadyExists {
		e.Log.WithField("message_id", msg.ID).
			Info("message already stored, skipping attachments")
		e.Mailbox.MarkRead(ctx, msg.ID)
		return nil
	}

	atts, err := e.Mailbox.ListAttachments(ctx, msg.ID)
	if err != nil {
		return err
	}
	e.Log.WithField("count", len(atts)).Info("found attachments")
	for _, att := range atts {
		if att.ODataType != graph.FileAttachmentType {
			continue
		}
		if err := e.storeAttachment(ctx, tx, msg.ID, att); err != nil {
			e.Log.WithError(err).WithField("file_name", att.Name).
				Error("error processing attachment")
		}
	}

	// The message counts as processed even when individual
	// attachments were skipped above.
	if _, err := tx.UpdateStatus(ctx, msg.ID, message.StatusProcessed); err != nil {
		return err
	}
	e.Mailbox.MarkRead(ctx, msg.ID)
	return nil
}

func (e *Engine) storeAttachment(ctx context.Context, tx *persist.Tx, msgID string, att graph.Attachment) error {
	data, err := base64.StdEncoding.DecodeString(att.ContentBytes)
	if err != nil {
		return errors.Wrapf(err, "decoding attachment %q", att.Name)
	}
	err = tx.InsertAttachment(ctx, &message.Attachment{
		MessageID: msgID,
		Name:      att.Name,
		Size:      att.Size,
		Data:      data,
	})
	if err != nil {
		return err
	}
	e.Log.WithFields(logrus.Fields{
		"file_name": att.Name,
		"file_size": att.Size,
	}).Info("saved attachment")
	return nil
}

// DeleteOptions control one delete pass. At least one of Database or
// Inbox must be set; the CLI validates that before dispatch.
type DeleteOptions struct {
	// AgedDays is the soft-delete age beyond which rows are
	// purged.
	AgedDays int

	// Database requests physical removal of aged rows from the
	// store.
	Database bool

	// Inbox requests deletion of the same messages from the
	// remote mailbox.
	Inbox bool
}

// Delete purges messages that have been soft deleted for longer than
// the threshold. When both sides are requested, the inbox is
// processed first, while the database still holds the list of ids to
// mirror; purging the database first would lose that list.
func (e *Engine) Delete(ctx context.Context, opts DeleteOptions) error {
	outcome, err := e.Lock.Acquire()
	if err != nil {
		return err
	}
	if outcome == runlock.HeldByOther {
		return nil
	}
	defer e.release()

	tx, err := e.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if opts.Inbox {
		var ids []string
		err := tx.ListAgedMessageIDs(ctx, opts.AgedDays, func(id string) error {
			ids = append(ids, id)
			return nil
		})
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			e.Log.Info("no messages to delete from inbox")
		} else {
			deleted := 0
			for _, id := range ids {
				if e.Mailbox.Delete(ctx, id) {
					deleted++
				}
			}
			e.Log.Infof("deleted %d of %d messages from inbox", deleted, len(ids))
		}
	}

	if opts.Database {
		emails, attachments, err := tx.PurgeAged(ctx, opts.AgedDays)
		if err != nil {
			return err
		}
		e.Log.WithFields(logrus.Fields{
			"emails":      emails,
			"attachments": attachments,
		}).Info("deleted aged rows from database")
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing delete pass")
	}
	return nil
}

// Status writes the per-status message counts to w, plus aggregate
// statistics when verbose is set. Status takes no lock; it performs
// no mutation.
func (e *Engine) Status(ctx context.Context, w io.Writer, verbose bool) error {
	tx, err := e.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	counts, err := tx.StatusCounts(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "\nEmail Status Counts:\n")
	fmt.Fprintf(w, "=====================\n")
	for _, status := range []message.Status{
		message.StatusDownloaded,
		message.StatusProcessed,
		message.StatusDeleted,
	} {
		if n, ok := counts[status]; ok {
			fmt.Fprintf(w, "%s: %d\n", status, n)
		}
	}
	fmt.Fprintln(w)

	if verbose {
		stats, err := tx.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Additional Statistics:\n")
		fmt.Fprintf(w, "======================\n")
		fmt.Fprintf(w, "Total emails: %d\n", stats.Total)
		fmt.Fprintf(w, "Oldest email: %s\n", stats.Oldest)
		fmt.Fprintf(w, "Newest email: %s\n", stats.Newest)
		fmt.Fprintf(w, "Unique senders: %d\n", stats.UniqueSenders)
		fmt.Fprintln(w)
	}
	return nil
}

func (e *Engine) release() {
	if err := e.Lock.Release(); err != nil {
		e.Log.WithError(err).Error("failed to remove lock file")
	}
}
