// Package watcher observes a drop directory for third-party conversation
// dumps and feeds them into a context log through the writer's public
// append contract. It never opens the log file directly: redaction, locking
// and atomic writes all come from the writer. Processed documents are
// remembered in a persisted id set so a restart does not re-ingest them.
package watcher

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/entrhq/ledger/pkg/grammar"
	"github.com/entrhq/ledger/pkg/logging"
	"github.com/entrhq/ledger/pkg/store"
)

// processedFileName is the id-set file kept inside the drop directory.
const processedFileName = ".ledger-processed"

// Watcher ingests structured conversation documents dropped into a
// directory. Only *.json files are considered.
type Watcher struct {
	dir      string
	target   string
	writer   *store.Writer
	interval time.Duration
	log      *logging.Logger

	processed     map[string]struct{}
	processedPath string
}

// New creates a watcher that appends ingested records to target via writer.
func New(dir, target string, writer *store.Writer, interval time.Duration, log *logging.Logger) (*Watcher, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("watcher: failed to create drop directory %s: %w", dir, err)
	}
	w := &Watcher{
		dir:           dir,
		target:        target,
		writer:        writer,
		interval:      interval,
		log:           log,
		processed:     make(map[string]struct{}),
		processedPath: filepath.Join(dir, processedFileName),
	}
	if err := w.loadProcessed(); err != nil {
		return nil, err
	}
	return w, nil
}

// Run polls the drop directory until ctx is canceled. Each cycle ingests
// every new document it finds; per-document failures are logged and do not
// stop the loop.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if _, err := w.Sweep(ctx); err != nil && w.log != nil {
			w.log.Errorf("sweep failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep performs one pass over the drop directory and returns how many
// documents were ingested. A document that fails to parse is skipped (and
// logged), not retried forever: its id still enters the processed set.
func (w *Watcher) Sweep(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, fmt.Errorf("watcher: failed to list %s: %w", w.dir, err)
	}

	ingested := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			if w.log != nil {
				w.log.Warnf("skipping unreadable document %s: %v", path, err)
			}
			continue
		}

		id := documentID(data, entry.Name())
		if _, done := w.processed[id]; done {
			continue
		}

		lines, ok := convert(data, id)
		if !ok {
			if w.log != nil {
				w.log.Warnf("skipping document %s: no recognizable conversation content", path)
			}
			w.markProcessed(id)
			continue
		}

		if _, err := w.writer.AppendLines(ctx, w.target, lines); err != nil {
			// Leave the id unprocessed: transient append failures
			// (lock timeouts, rate limits) should be retried on the
			// next sweep.
			if w.log != nil {
				w.log.Errorf("append for document %s failed: %v", path, err)
			}
			continue
		}
		w.markProcessed(id)
		ingested++
	}
	return ingested, nil
}

// documentID prefers the document's own id field and falls back to the
// file name, which is stable across sweeps.
func documentID(data []byte, name string) string {
	if id := gjson.GetBytes(data, "id").String(); id != "" {
		return id
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// convert extracts the messages of a conversation dump into grammar
// content lines, one CONVERSATION record per message. It tolerates the two
// dump shapes seen in the wild: a top-level messages array, or a bare array
// of message objects.
func convert(data []byte, id string) ([]string, bool) {
	messages := gjson.GetBytes(data, "messages")
	if !messages.Exists() {
		root := gjson.ParseBytes(data)
		if !root.IsArray() {
			return nil, false
		}
		messages = root
	}
	if !messages.IsArray() {
		return nil, false
	}

	var lines []string
	for _, msg := range messages.Array() {
		content := msg.Get("content").String()
		if content == "" {
			content = msg.Get("text").String()
		}
		if content == "" {
			continue
		}
		role := msg.Get("role").String()
		if role == "" {
			role = "unknown"
		}
		lines = append(lines,
			"@CONVERSATION:"+grammar.EscapeValue(id),
			"role="+grammar.EscapeValue(role),
			"content="+grammar.EscapeValue(content),
		)
		if ts := msg.Get("timestamp").String(); ts != "" {
			lines = append(lines, "time="+grammar.EscapeValue(ts))
		}
		lines = append(lines, "")
	}
	if len(lines) == 0 {
		return nil, false
	}
	return lines, true
}

// loadProcessed reads the persisted id set, one id per line.
func (w *Watcher) loadProcessed() error {
	f, err := os.Open(w.processedPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("watcher: failed to open processed set: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		id := strings.TrimSpace(scanner.Text())
		if id != "" {
			w.processed[id] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("watcher: failed to read processed set: %w", err)
	}
	return nil
}

// markProcessed records an id in memory and appends it to the persisted
// set. A failure to persist is logged but not fatal: the worst case is one
// duplicate ingest after a restart.
func (w *Watcher) markProcessed(id string) {
	w.processed[id] = struct{}{}
	f, err := os.OpenFile(w.processedPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		if w.log != nil {
			w.log.Warnf("failed to persist processed id %s: %v", id, err)
		}
		return
	}
	defer f.Close()
	if _, err := f.WriteString(id + "\n"); err != nil && w.log != nil {
		w.log.Warnf("failed to persist processed id %s: %v", id, err)
	}
}
