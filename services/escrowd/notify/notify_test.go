package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	queue := NewQueue(WithCapacity(3), WithTTL(time.Minute), withClock(clock.Now))
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		queue.Enqueue(Message{ID: id})
	}
	pending := queue.Pending()
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	if pending[0].ID != "c" || pending[2].ID != "e" {
		t.Fatalf("unexpected order: %+v", pending)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	next, ok := queue.dequeue(ctx)
	if !ok || next.msg.ID != "c" {
		t.Fatalf("expected c, got %+v ok=%v", next.msg, ok)
	}
}

func TestQueueEvictsExpired(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	queue := NewQueue(WithTTL(time.Minute), withClock(clock.Now))
	queue.Enqueue(Message{ID: "old"})
	clock.Advance(2 * time.Minute)
	queue.Enqueue(Message{ID: "fresh"})
	pending := queue.Pending()
	if len(pending) != 1 || pending[0].ID != "fresh" {
		t.Fatalf("expected only fresh message, got %+v", pending)
	}
}

func TestRenderTemplates(t *testing.T) {
	text, err := Render(KindPaymentConfirmed, map[string]string{"role": "seller", "short_code": "BPABC123", "amount": "50"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(text, "The buyer has funded escrow BPABC123 with 50 USDC") {
		t.Fatalf("unexpected seller text: %q", text)
	}
	text, err = Render(KindDeliveryReminder, map[string]string{"short_code": "BPABC123", "description": "widget", "days_remaining": "5"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(text, "in 5 day(s)") {
		t.Fatalf("unexpected reminder text: %q", text)
	}
	if _, err := Render(Kind("bogus"), nil); err == nil {
		t.Fatalf("expected unknown template error")
	}
}

func TestGatewayDeliversSignedPayload(t *testing.T) {
	type received struct {
		body      map[string]any
		signature string
	}
	got := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		if r.Header.Get(SignatureHeader) != Sign("secret", raw) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		got <- received{body: body, signature: r.Header.Get(SignatureHeader)}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	gw, err := NewGateway(NewQueue(), GatewayConfig{BridgeURL: srv.URL, Secret: "secret"})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	handle, err := gw.Notify(context.Background(), "+15550001111", KindReleaseComplete, map[string]string{"short_code": "BPXYZ789"})
	if err != nil || handle == "" {
		t.Fatalf("notify: handle=%q err=%v", handle, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go gw.Run(ctx)

	select {
	case r := <-got:
		if r.body["to"] != "+15550001111" || r.body["id"] != handle {
			t.Fatalf("unexpected payload: %+v", r.body)
		}
		if !strings.Contains(r.body["body"].(string), "BPXYZ789") {
			t.Fatalf("body not rendered: %+v", r.body)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("message not delivered")
	}
}

func TestGatewayRequeuesFailedDelivery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	queue := NewQueue(withClock(clock.Now))
	gw, err := NewGateway(queue, GatewayConfig{BridgeURL: srv.URL, Now: clock.Now})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	gw.deliver(context.Background(), task{msg: Message{ID: "m1", Identity: "+1555", Kind: KindReleaseComplete}})
	if queue.Len() != 1 {
		t.Fatalf("expected retry to be queued, got %d", queue.Len())
	}
	queued, _ := queue.tasks.peek()
	if queued.attempt != 1 || !queued.notBefore.Equal(clock.Now().Add(time.Second)) {
		t.Fatalf("unexpected retry scheduling: %+v", queued)
	}

	gw.deliver(context.Background(), task{msg: Message{ID: "m2"}, attempt: maxDeliveryAttempts - 1})
	if queue.Len() != 1 {
		t.Fatalf("expected exhausted message to be dropped, got %d", queue.Len())
	}
}

func TestNewGatewayRejectsBadURL(t *testing.T) {
	if _, err := NewGateway(NewQueue(), GatewayConfig{BridgeURL: "not a url"}); err == nil {
		t.Fatalf("expected invalid url error")
	}
}

func TestQueueDeliversFreshMessageBeforeScheduledRetry(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	queue := NewQueue(withClock(clock.Now))
	queue.push(task{msg: Message{ID: "retry"}, attempt: 3, notBefore: clock.Now().Add(4 * time.Second)})
	queue.Enqueue(Message{ID: "fresh"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	next, ok := queue.dequeue(ctx)
	if !ok || next.msg.ID != "fresh" {
		t.Fatalf("expected fresh message first, got %+v ok=%v", next.msg, ok)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected scheduled retry to stay queued, got %d", queue.Len())
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer waitCancel()
	if _, ok := queue.dequeue(waitCtx); ok {
		t.Fatalf("retry delivered before its backoff elapsed")
	}

	clock.Advance(5 * time.Second)
	next, ok = queue.dequeue(ctx)
	if !ok || next.msg.ID != "retry" || next.attempt != 3 {
		t.Fatalf("expected retry after backoff, got %+v ok=%v", next, ok)
	}
}

func TestQueueEvictsExpiredBehindFreshMessage(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	queue := NewQueue(WithTTL(time.Minute), withClock(clock.Now))
	first := clock.Now()
	clock.Advance(50 * time.Second)
	queue.Enqueue(Message{ID: "fresh"})
	queue.push(task{msg: Message{ID: "stale"}, attempt: 1, enqueuedAt: first})
	clock.Advance(20 * time.Second)
	pending := queue.Pending()
	if len(pending) != 1 || pending[0].ID != "fresh" {
		t.Fatalf("expected only fresh, got %+v", pending)
	}
}
