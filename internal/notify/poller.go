package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"fieldproof/internal/config"
	"fieldproof/internal/domain"
	"fieldproof/internal/repo"
)

const (
	defaultPollInterval = 2 * time.Second
	defaultPollBatch    = 100
)

// Poller tails the event log and delivers matching events to configured
// subscribers. The external report generator subscribes to order.approved
// through this feed.
type Poller struct {
	Repo        repo.Repo
	Subscribers []config.SubscriberConfig
	client      *http.Client
	mu          sync.Mutex
	cursors     map[int]int64
}

// Start launches the poll loop when subscribers are configured.
func Start(r repo.Repo, subs []config.SubscriberConfig) {
	if len(subs) == 0 {
		return
	}
	p := &Poller{
		Repo:        r,
		Subscribers: subs,
		client:      &http.Client{Timeout: defaultTimeout},
		cursors:     make(map[int]int64),
	}
	go p.run()
}

func (p *Poller) run() {
	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()
	for {
		p.dispatchAll()
		<-ticker.C
	}
}

func (p *Poller) dispatchAll() {
	for i, sub := range p.Subscribers {
		if sub.Enabled != nil && !*sub.Enabled {
			continue
		}
		if strings.TrimSpace(sub.URL) == "" {
			continue
		}
		p.dispatchSubscriber(i, sub)
	}
}

func (p *Poller) dispatchSubscriber(idx int, sub config.SubscriberConfig) {
	ctx := context.Background()
	cursor := p.cursorFor(idx)
	events, err := p.Repo.EventsAfter(ctx, defaultPollBatch, cursor)
	if err != nil {
		log.Printf("subscriber: fetch events failed: %v", err)
		return
	}
	filter := newEventFilter(sub.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			p.setCursor(idx, evt.ID)
			continue
		}
		if err := p.postEvent(ctx, sub, evt); err != nil {
			log.Printf("subscriber: deliver to %s failed: %v", sub.URL, err)
			return
		}
		p.setCursor(idx, evt.ID)
	}
}

func (p *Poller) cursorFor(idx int) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cur, ok := p.cursors[idx]; ok {
		return cur
	}
	cur, err := p.Repo.LatestEventID(context.Background())
	if err != nil {
		log.Printf("subscriber: init cursor failed: %v", err)
		cur = 0
	}
	p.cursors[idx] = cur
	return cur
}

func (p *Poller) setCursor(idx int, value int64) {
	p.mu.Lock()
	p.cursors[idx] = value
	p.mu.Unlock()
}

type feedEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	OrderID    string          `json:"order_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (p *Poller) postEvent(ctx context.Context, sub config.SubscriberConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	body := feedEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		OrderID:    evt.OrderID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	client := p.client
	if sub.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(sub.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fieldproof-Event", evt.Type)
	req.Header.Set("X-Fieldproof-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(sub.Secret) != "" {
		req.Header.Set("X-Fieldproof-Secret", sub.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
