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

package sync

// This file defines the narrow interfaces the engine needs from the
// remote mailbox.

import (
	"context"

	"github.com/chris17453/sheetbot365/internal/graph"
	"github.com/chris17453/sheetbot365/internal/message"
)

// MessageLister fetches message metadata from the remote mailbox.
// A short or empty result means the mailbox had nothing matching or
// the listing degraded partway; neither is fatal.
type MessageLister interface {
	ListMessages(ctx context.Context, unreadOnly bool, limit int) ([]message.Message, error)
}

// AttachmentLister fetches the attachment records for one message.
type AttachmentLister interface {
	ListAttachments(ctx context.Context, id string) ([]graph.Attachment, error)
}

// MessageMarker flags a remote message as read.
type MessageMarker interface {
	MarkRead(ctx context.Context, id string) bool
}

// MessageDeleter removes a message from the remote mailbox.
type MessageDeleter interface {
	Delete(ctx context.Context, id string) bool
}

// Mailbox provides all remote mailbox actions the engine performs.
type Mailbox interface {
	MessageLister
	AttachmentLister
	MessageMarker
	MessageDeleter
}
