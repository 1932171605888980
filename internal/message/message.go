package message

// This file provides the common data objects used by the rest of the
// program.

import "time"

// Status is the lifecycle state of a stored message. Transitions are
// forward only: downloaded -> processed -> deleted. A deleted row is
// later purged from the store entirely.
type Status string

const (
	// StatusDownloaded is set atomically with insertion.
	StatusDownloaded Status = "downloaded"

	// StatusProcessed means the message's attachments have been
	// handled.
	StatusProcessed Status = "processed"

	// StatusDeleted marks a row soft deleted, awaiting purge.
	StatusDeleted Status = "deleted"
)

// TimestampColumn returns the emails table column that records when a
// message entered this status.
func (s Status) TimestampColumn() string {
	return string(s) + "_date"
}

// Message defines the metadata for one ingested mail item. ID is the
// permanent, opaque identifier assigned by the remote mailbox.
type Message struct {
	ID         string
	Sender     string
	Recipient  string
	Subject    string
	Body       string
	ReceivedAt time.Time
	Size       int64
}

// Attachment is one file attached to a Message, with its raw payload.
type Attachment struct {
	MessageID string
	Name      string
	Size      int64
	Data      []byte
}
