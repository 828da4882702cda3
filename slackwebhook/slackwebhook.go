// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package slackwebhook forwards ErrorLog entries to a Slack incoming
// webhook (spec §6, §7). Slack's incoming-webhook API is a single JSON
// POST with no SDK-mandated client in this corpus, so the forwarder talks
// to it directly over net/http -- the same bare-bones authenticated-POST
// shape peers.Registry already uses against another Librarian's endpoints,
// pointed at Slack instead.
package slackwebhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/scidata-fed/librarian/config"
	"github.com/scidata-fed/librarian/core"
	"github.com/scidata-fed/librarian/metadatadb"
)

// Forwarder polls metadatadb for new ErrorLog entries and posts the ones
// matching its configured severity/category filters to a Slack webhook.
type Forwarder struct {
	db         *metadatadb.DB
	webhookURL string
	client     *http.Client

	severities map[core.LogSeverity]bool
	categories map[core.LogCategory]bool

	since time.Time
}

// New constructs a Forwarder from the parsed slack_webhook config section,
// reading the webhook URL out of the file it names -- the same
// secret-lives-in-a-file-not-the-config-document convention
// EncryptionKeyFile and peers.LoadKeyRing use. It returns (nil, nil) if
// Slack forwarding isn't enabled, so callers can unconditionally try to
// construct one and only start it when non-nil.
func New(db *metadatadb.DB) (*Forwarder, error) {
	if !config.Slack.Enable {
		return nil, nil
	}
	if config.Slack.URLFile == "" {
		return nil, fmt.Errorf("slack_webhook_enable is set but slack_webhook_url_file is empty")
	}
	data, err := os.ReadFile(config.Slack.URLFile)
	if err != nil {
		return nil, fmt.Errorf("reading slack webhook url file: %w", err)
	}
	url := strings.TrimSpace(string(data))
	if url == "" {
		return nil, fmt.Errorf("slack webhook url file %s is empty", config.Slack.URLFile)
	}

	f := &Forwarder{
		db:         db,
		webhookURL: url,
		client:     &http.Client{Timeout: 10 * time.Second},
		since:      time.Now().UTC(),
	}
	if len(config.Slack.PostErrorSeverity) > 0 {
		f.severities = make(map[core.LogSeverity]bool, len(config.Slack.PostErrorSeverity))
		for _, s := range config.Slack.PostErrorSeverity {
			f.severities[core.LogSeverity(s)] = true
		}
	}
	if len(config.Slack.PostErrorCategory) > 0 {
		f.categories = make(map[core.LogCategory]bool, len(config.Slack.PostErrorCategory))
		for _, c := range config.Slack.PostErrorCategory {
			f.categories[core.LogCategory(c)] = true
		}
	}
	return f, nil
}

// Run polls for new ErrorLog entries every interval until stop is closed,
// posting each matching entry to the configured webhook. It's meant to run
// in its own goroutine, started alongside the scheduler and API server.
func (f *Forwarder) Run(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.tick()
		case <-stop:
			return
		}
	}
}

func (f *Forwarder) tick() {
	entries, err := f.db.ErrorLogsSince(f.since)
	if err != nil {
		slog.Error("slackwebhook: reading error log", "error", err)
		return
	}
	for _, e := range entries {
		if e.CreatedAt.After(f.since) {
			f.since = e.CreatedAt
		}
		if !f.matches(e) {
			continue
		}
		if err := f.post(e); err != nil {
			slog.Warn("slackwebhook: posting to webhook", "error", err, "entry", e.Id)
		}
	}
}

func (f *Forwarder) matches(e core.ErrorLog) bool {
	if f.severities != nil && !f.severities[e.Severity] {
		return false
	}
	if f.categories != nil && !f.categories[e.Category] {
		return false
	}
	return true
}

type slackMessage struct {
	Text string `json:"text"`
}

func (f *Forwarder) post(e core.ErrorLog) error {
	msg := slackMessage{
		Text: fmt.Sprintf("[%s/%s] %s: %s", e.Severity, e.Category, e.CreatedAt.Format(time.RFC3339), e.Message),
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	resp, err := f.client.Post(f.webhookURL, "application/json", bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}
