package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/htung0403/crm-web-sub002/internal/config"
	"github.com/htung0403/crm-web-sub002/internal/domain"
	"github.com/htung0403/crm-web-sub002/internal/engine"
)

const (
	defaultNotifyInterval = 2 * time.Second
	defaultNotifyTimeout  = 5 * time.Second
	defaultNotifyBatch    = 100
)

// notifier fans history entries out to configured targets (e.g. the Telegram
// bridge). It runs outside the engine: a transition is durable before any
// notification is attempted, and a failed delivery is retried from the cursor.
type notifier struct {
	engine  engine.Engine
	targets []config.NotificationTarget
	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

func startNotifier(e engine.Engine) {
	if e.Config == nil || len(e.Config.Notifications) == 0 {
		return
	}
	enabled := false
	for _, t := range e.Config.Notifications {
		if targetActive(t) {
			enabled = true
			break
		}
	}
	if !enabled {
		return
	}
	n := &notifier{
		engine:  e,
		targets: e.Config.Notifications,
		client:  &http.Client{Timeout: defaultNotifyTimeout},
		cursors: make(map[int]int64),
	}
	go n.run()
}

func targetActive(t config.NotificationTarget) bool {
	if t.Enabled != nil && !*t.Enabled {
		return false
	}
	return strings.TrimSpace(t.URL) != ""
}

func (n *notifier) run() {
	ticker := time.NewTicker(defaultNotifyInterval)
	defer ticker.Stop()
	for {
		n.dispatchAll()
		<-ticker.C
	}
}

func (n *notifier) dispatchAll() {
	for i, target := range n.targets {
		if !targetActive(target) {
			continue
		}
		n.dispatchTarget(i, target)
	}
}

func (n *notifier) dispatchTarget(idx int, target config.NotificationTarget) {
	ctx := context.Background()
	cursor := n.cursorFor(idx)
	entries, err := n.engine.Repo.EntriesAfter(ctx, defaultNotifyBatch, cursor)
	if err != nil {
		log.Printf("notify: fetch entries failed: %v", err)
		return
	}
	if len(entries) == 0 {
		return
	}
	wanted := filterByCategory(entries, target.Categories)
	if len(wanted) > 0 {
		if err := n.post(ctx, target, wanted); err != nil {
			log.Printf("notify: deliver to %s failed: %v", target.Name, err)
			return
		}
	}
	// cursor advances past filtered-out entries too
	n.setCursor(idx, entries[len(entries)-1].ID)
}

func filterByCategory(entries []domain.HistoryEntry, categories []string) []domain.HistoryEntry {
	if len(categories) == 0 {
		return entries
	}
	allowed := make(map[string]bool, len(categories))
	for _, c := range categories {
		allowed[c] = true
	}
	var out []domain.HistoryEntry
	for _, e := range entries {
		if allowed[string(e.Category)] {
			out = append(out, e)
		}
	}
	return out
}

func (n *notifier) post(ctx context.Context, target config.NotificationTarget, entries []domain.HistoryEntry) error {
	payload, err := json.Marshal(map[string]any{"entries": entries})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		log.Printf("notify: target %s responded %d", target.Name, res.StatusCode)
	}
	return nil
}

// cursorFor seeds a first-use cursor at the newest existing entry so a fresh
// start never replays the historical ledger to a target.
func (n *notifier) cursorFor(idx int) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.cursors[idx]; ok {
		return cur
	}
	cur, err := n.engine.Repo.LatestEntryID(context.Background())
	if err != nil {
		log.Printf("notify: init cursor failed: %v", err)
		cur = 0
	}
	n.cursors[idx] = cur
	return cur
}

func (n *notifier) setCursor(idx int, cursor int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cursors[idx] = cursor
}
