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

// Package graph accesses a Microsoft 365 mailbox through the Graph
// REST API.
//
// Failure policy: listing calls degrade to whatever was fetched so
// far (or an empty result) on any non-success response, and the
// mutation calls report plain success or failure. Callers decide what
// degraded data means; nothing in this package aborts a run.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/chris17453/sheetbot365/internal/message"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://graph.microsoft.com/v1.0"

	// Graph throttles mailbox access per application per mailbox;
	// stay comfortably under the documented 4 requests per second.
	rateLimitPerSecond = 3
	rateLimitBurst     = 4

	// maxPageSize is the Graph $top ceiling.
	maxPageSize = 1000
)

// FileAttachmentType identifies attachment records that carry an
// inline payload. Other types (item, reference) have no bytes to
// store and are skipped at ingestion.
const FileAttachmentType = "#microsoft.graph.fileAttachment"

// Attachment is one attachment record as returned by the Graph API.
// ContentBytes stays base64 encoded here; decoding happens at
// ingestion so one corrupt payload only affects that file.
type Attachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	Size         int64  `json:"size"`
	ContentBytes string `json:"contentBytes"`
}

type attachmentsResponse struct {
	Value []Attachment `json:"value"`
}

type wireMessage struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	From    struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	Body struct {
		Content string `json:"content"`
	} `json:"body"`
	ReceivedDateTime string `json:"receivedDateTime"`
	Size             int64  `json:"size"`
}

type listResponse struct {
	Value    []wireMessage `json:"value"`
	NextLink string        `json:"@odata.nextLink"`
}

// Service provides access to messages stored in one Microsoft 365
// mailbox.
type Service struct {
	client  *http.Client
	baseURL string
	user    string
	limiter *rate.Limiter
	log     *logrus.Logger
}

// New returns a Service for the given mailbox user. The client must
// already attach credentials to every request.
func New(client *http.Client, user string, log *logrus.Logger) *Service {
	return &Service{
		client:  client,
		baseURL: defaultBaseURL,
		user:    user,
		limiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
		log:     log,
	}
}

// SetBaseURL points the service at a different Graph endpoint.
// National-cloud deployments and tests use non-default endpoints.
func (s *Service) SetBaseURL(u string) {
	s.baseURL = strings.TrimRight(u, "/")
}

// ListMessages returns up to limit inbox messages, following
// continuation links until the mailbox is exhausted or limit is
// reached. A non-success response mid-pagination stops the walk and
// returns whatever was accumulated, so the result may be incomplete;
// callers must not treat a short list as fatal.
func (s *Service) ListMessages(ctx context.Context, unreadOnly bool, limit int) ([]message.Message, error) {
	top := limit
	if top > maxPageSize {
		top = maxPageSize
	}
	q := url.Values{}
	q.Set("$top", strconv.Itoa(top))
	if unreadOnly {
		q.Set("$filter", "isRead eq false")
	}
	next := fmt.Sprintf("%s/users/%s/mailFolders/Inbox/messages?%s",
		s.baseURL, url.PathEscape(s.user), q.Encode())

	var all []message.Message
	for next != "" && len(all) < limit {
		if err := s.limiter.Wait(ctx); err != nil {
			return all, err
		}
		var page listResponse
		if !s.getJSON(ctx, next, &page) {
			break
		}
		if len(page.Value) == 0 {
			break
		}
		for _, w := range page.Value {
			all = append(all, s.convert(w))
		}
		next = page.NextLink
	}
	if len(all) > limit {
		all = all[:limit]
	}
	if len(all) == 0 {
		s.log.Warn("no matching messages found in inbox")
		return nil, nil
	}
	s.log.WithField("count", len(all)).Info("listed inbox messages")
	return all, nil
}

// ListAttachments fetches the attachment records for one message. Any
// failure yields an empty list, never an error.
func (s *Service) ListAttachments(ctx context.Context, id string) ([]Attachment, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/users/%s/messages/%s/attachments",
		s.baseURL, url.PathEscape(s.user), url.PathEscape(id))
	var out attachmentsResponse
	if !s.getJSON(ctx, u, &out) {
		return nil, nil
	}
	return out.Value, nil
}

// MarkRead flags a message as read in the mailbox. Best effort: a
// refused call reports false and is not retried. Marking an already
// read message again is harmless.
func (s *Service) MarkRead(ctx context.Context, id string) bool {
	ok := s.mutate(ctx, http.MethodPatch, s.messageURL(id),
		strings.NewReader(`{"isRead": true}`))
	if !ok {
		s.log.WithField("message_id", id).Warn("failed to mark message as read")
	}
	return ok
}

// Delete removes a message from the mailbox. Best effort, and
// idempotent against a message that is already gone.
func (s *Service) Delete(ctx context.Context, id string) bool {
	ok := s.mutate(ctx, http.MethodDelete, s.messageURL(id), nil)
	if !ok {
		s.log.WithField("message_id", id).Warn("failed to delete message from inbox")
	}
	return ok
}

func (s *Service) messageURL(id string) string {
	return fmt.Sprintf("%s/users/%s/messages/%s",
		s.baseURL, url.PathEscape(s.user), url.PathEscape(id))
}

// getJSON performs a GET and decodes the body into out. All failures
// are logged and reported as false.
func (s *Service) getJSON(ctx context.Context, urlStr string, out interface{}) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		s.log.WithError(err).Error("building graph request")
		return false
	}
	req.Header.Set("Accept", "application/json")
	// Ask for plain text bodies rather than HTML.
	req.Header.Set("Prefer", `outlook.body-content-type="text"`)

	resp, err := s.client.Do(req)
	if err != nil {
		s.log.WithError(err).Error("graph request failed")
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		s.log.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"body":   string(body),
		}).Error("graph request rejected")
		return false
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		s.log.WithError(err).Error("decoding graph response")
		return false
	}
	return true
}

func (s *Service) mutate(ctx context.Context, method, urlStr string, body io.Reader) bool {
	if err := s.limiter.Wait(ctx); err != nil {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		s.log.WithError(err).Error("building graph request")
		return false
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.log.WithError(err).Error("graph request failed")
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent
}

func (s *Service) convert(w wireMessage) message.Message {
	received, err := time.Parse(time.RFC3339, w.ReceivedDateTime)
	if err != nil {
		s.log.WithField("message_id", w.ID).Debug("unparseable receivedDateTime")
	}
	return message.Message{
		ID:         w.ID,
		Sender:     w.From.EmailAddress.Address,
		Recipient:  s.user,
		Subject:    w.Subject,
		Body:       w.Body.Content,
		ReceivedAt: received,
		Size:       w.Size,
	}
}
