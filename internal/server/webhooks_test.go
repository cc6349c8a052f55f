package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"testing"

	"taskgraph/internal/config"
)

type delivery struct {
	Event    string
	ID       string
	Secret   string
	Body     EventResponse
	Rejected bool
}

type webhookReceiver struct {
	mu         sync.Mutex
	deliveries []delivery
	failFirst  int
}

func (r *webhookReceiver) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var body EventResponse
	_ = json.NewDecoder(req.Body).Decode(&body)
	r.mu.Lock()
	defer r.mu.Unlock()
	d := delivery{
		Event:  req.Header.Get("X-Taskgraph-Event"),
		ID:     req.Header.Get("X-Taskgraph-Delivery"),
		Secret: req.Header.Get("X-Taskgraph-Secret"),
		Body:   body,
	}
	if r.failFirst > 0 {
		r.failFirst--
		d.Rejected = true
		r.deliveries = append(r.deliveries, d)
		http.Error(w, "try later", http.StatusServiceUnavailable)
		return
	}
	r.deliveries = append(r.deliveries, d)
	w.WriteHeader(http.StatusNoContent)
}

func (r *webhookReceiver) snapshot() []delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]delivery(nil), r.deliveries...)
}

func startReceiver(t *testing.T, r *webhookReceiver) string {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: r}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return "http://" + ln.Addr().String() + "/hook"
}

func TestNewWebhookDispatcherWithoutHooks(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	if d := NewWebhookDispatcher(srv.Engine, nil); d != nil {
		t.Fatalf("expected nil dispatcher without webhooks")
	}
}

func TestWebhookDeliversFilteredEvents(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	recv := &webhookReceiver{}
	srv.Engine.Config.Webhooks = []config.WebhookConfig{{
		URL:    startReceiver(t, recv),
		Events: []string{"TaskStatusChanged"},
		Secret: "s3cret",
	}}
	d := NewWebhookDispatcher(srv.Engine, nil)
	ctx := context.Background()
	d.DispatchAll(ctx)
	if got := recv.snapshot(); len(got) != 0 {
		t.Fatalf("history must not be replayed, got %+v", got)
	}

	task := createTask(t, srv, map[string]any{"title": "ship"})
	res, data := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v0/tasks/"+task.ID, map[string]any{"status": "in_progress"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %s", res.StatusCode, string(data))
	}
	d.DispatchAll(ctx)

	got := recv.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %+v", got)
	}
	if got[0].Event != "TaskStatusChanged" || got[0].Secret != "s3cret" || got[0].ID == "" {
		t.Fatalf("unexpected headers: %+v", got[0])
	}
	if got[0].Body.EntityID != task.ID || got[0].Body.Payload["to"] != "in_progress" {
		t.Fatalf("unexpected body: %+v", got[0].Body)
	}

	d.DispatchAll(ctx)
	if again := recv.snapshot(); len(again) != 1 {
		t.Fatalf("delivered twice: %+v", again)
	}
}

func TestWebhookRetriesFailedDelivery(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	recv := &webhookReceiver{failFirst: 1}
	srv.Engine.Config.Webhooks = []config.WebhookConfig{{
		URL:    startReceiver(t, recv),
		Events: []string{"task.created"},
	}}
	d := NewWebhookDispatcher(srv.Engine, nil)
	ctx := context.Background()
	d.DispatchAll(ctx)

	createTask(t, srv, map[string]any{"title": "retry me"})
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	got := recv.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected a rejected and a retried delivery, got %+v", got)
	}
	if !got[0].Rejected || got[1].Rejected || got[0].ID != got[1].ID {
		t.Fatalf("retry should resend the same event: %+v", got)
	}
}
