// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pings

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/antimetal/telemetry/internal/events"
	"github.com/antimetal/telemetry/pkg/debug"
	"github.com/antimetal/telemetry/pkg/storage"
	"github.com/antimetal/telemetry/pkg/uploader"
)

var (
	seqPath      = storage.Path{"events-meta", "seq"}
	lastSentPath = storage.Path{"events-meta", "last-sent"}
	pendingPath  = storage.Path{"events-meta", "pending"}
)

// pendingDoc is a spooled submission awaiting delivery. Documents stay
// spooled until the endpoint accepts or permanently rejects them.
type pendingDoc struct {
	URL     string            `json:"url"`
	Body    json.RawMessage   `json:"body"`
	Headers map[string]string `json:"headers"`
}

// Assembler drains event buffers into ping documents and delivers them.
// Submit runs on the dispatch queue; delivery happens off it so a slow
// endpoint never stalls recording.
type Assembler struct {
	logger   logr.Logger
	store    storage.Store
	events   *events.Database
	uploader uploader.Uploader
	opts     *debug.Options

	appID    string
	endpoint string
	client   ClientInfo

	now func() time.Time

	wg sync.WaitGroup
}

var _ events.Submitter = (*Assembler)(nil)

// NewAssembler wires the assembler to its collaborators. endpoint is the
// base submission URL without a trailing slash.
func NewAssembler(logger logr.Logger, store storage.Store, eventsDB *events.Database,
	up uploader.Uploader, opts *debug.Options, appID, endpoint string, client ClientInfo) *Assembler {
	return &Assembler{
		logger:   logger.WithName("pings"),
		store:    store,
		events:   eventsDB,
		uploader: up,
		opts:     opts,
		appID:    appID,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   client,
		now:      time.Now,
	}
}

// Submit drains ping's event buffer, assembles the document, spools it, and
// starts delivery. A ping with no events is not sent. Must be called from
// the dispatch queue.
func (a *Assembler) Submit(ping, reason string) error {
	drained := a.events.Snapshot(ping, true)
	if len(drained) == 0 {
		a.logger.V(1).Info("nothing to send", "ping", ping, "reason", reason)
		return nil
	}

	now := a.now().UTC()
	payload := Payload{
		PingInfo: PingInfo{
			Seq:       a.nextSequence(ping),
			StartTime: a.windowStart(ping, now),
			EndTime:   now.Format(time.RFC3339),
			Reason:    reason,
		},
		ClientInfo: a.client,
		Events:     drained,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding ping %q: %w", ping, err)
	}

	docID := uuid.NewString()
	doc := pendingDoc{
		URL:     fmt.Sprintf("%s/submit/%s/%s/%s/%s", a.endpoint, a.appID, ping, SchemaVersion, docID),
		Body:    body,
		Headers: a.headers(now),
	}

	if a.opts.LogPings() {
		a.logPayload(ping, docID, payload)
	}

	if err := a.spool(docID, doc); err != nil {
		a.logger.Error(err, "failed to spool ping, sending anyway", "ping", ping, "doc_id", docID)
	}

	a.logger.V(1).Info("ping assembled",
		"ping", ping, "reason", reason, "doc_id", docID, "events", len(drained))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.deliver(context.Background(), docID, doc)
	}()
	return nil
}

// FlushPending retries every spooled document. Called at startup so pings
// that could not be delivered in an earlier lifetime get another chance.
func (a *Assembler) FlushPending(ctx context.Context) {
	raw, ok, err := a.store.Get(pendingPath)
	if err != nil {
		a.logger.Error(err, "failed to read pending pings")
		return
	}
	if !ok {
		return
	}

	var docs map[string]pendingDoc
	if err := json.Unmarshal(raw, &docs); err != nil {
		a.logger.Error(err, "pending ping spool is unreadable, discarding")
		if err := a.store.Delete(pendingPath); err != nil {
			a.logger.Error(err, "failed to discard pending ping spool")
		}
		return
	}

	for docID, doc := range docs {
		select {
		case <-ctx.Done():
			return
		default:
		}
		a.deliver(ctx, docID, doc)
	}
}

// Wait blocks until in-flight deliveries finish. Shutdown API.
func (a *Assembler) Wait() {
	a.wg.Wait()
}

func (a *Assembler) deliver(ctx context.Context, docID string, doc pendingDoc) {
	result := a.uploader.Upload(ctx, uploader.Request{
		URL:     doc.URL,
		Body:    doc.Body,
		Headers: doc.Headers,
	})
	switch result {
	case uploader.ResultOK, uploader.ResultUnrecoverable:
		a.unspool(docID)
	case uploader.ResultRecoverable:
		a.logger.V(1).Info("delivery deferred, ping stays spooled", "doc_id", docID)
	}
}

func (a *Assembler) headers(now time.Time) map[string]string {
	headers := map[string]string{
		"Content-Type": "application/json; charset=utf-8",
		"Date":         now.Format(http.TimeFormat),
	}
	if tag := a.opts.DebugViewTag(); tag != "" {
		headers["X-Debug-ID"] = tag
	}
	if tags := a.opts.SourceTags(); len(tags) > 0 {
		headers["X-Source-Tags"] = strings.Join(tags, ",")
	}
	return headers
}

// nextSequence advances and returns the per-ping submission counter.
func (a *Assembler) nextSequence(ping string) int64 {
	var seq int64
	err := a.store.Update(append(seqPath, ping), func(current json.RawMessage) (json.RawMessage, error) {
		if current != nil {
			if err := json.Unmarshal(current, &seq); err != nil {
				a.logger.Error(err, "sequence counter is unreadable, resetting", "ping", ping)
				seq = 0
			}
		}
		seq++
		return json.Marshal(seq)
	})
	if err != nil {
		a.logger.Error(err, "failed to advance sequence counter", "ping", ping)
	}
	return seq
}

// windowStart returns the end time of the previous submission of ping, or
// now for the first one, and persists now as the next window's start.
func (a *Assembler) windowStart(ping string, now time.Time) string {
	start := now.Format(time.RFC3339)
	err := a.store.Update(append(lastSentPath, ping), func(current json.RawMessage) (json.RawMessage, error) {
		if current != nil {
			var prev string
			if err := json.Unmarshal(current, &prev); err == nil && prev != "" {
				start = prev
			}
		}
		return json.Marshal(now.Format(time.RFC3339))
	})
	if err != nil {
		a.logger.Error(err, "failed to persist submission time", "ping", ping)
	}
	return start
}

func (a *Assembler) spool(docID string, doc pendingDoc) error {
	return a.store.Update(append(pendingPath, docID), func(json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(doc)
	})
}

func (a *Assembler) unspool(docID string) {
	if err := a.store.Delete(append(pendingPath, docID)); err != nil {
		a.logger.Error(err, "failed to remove delivered ping from spool", "doc_id", docID)
	}
}

func (a *Assembler) logPayload(ping, docID string, payload Payload) {
	pretty, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		a.logger.Error(err, "failed to pretty-print ping", "ping", ping)
		return
	}
	a.logger.Info("ping payload", "ping", ping, "doc_id", docID, "payload", string(pretty))
}
