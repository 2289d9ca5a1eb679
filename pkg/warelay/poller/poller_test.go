package poller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/warelay/pkg/warelay/provider"
	"github.com/jholhewres/warelay/pkg/warelay/reply"
)

func testProvider(t *testing.T, body string, status int) *provider.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return provider.New(provider.Config{
		BaseURL:    srv.URL,
		AccountSID: "AC1",
		AuthToken:  "tok",
		From:       "whatsapp:+1",
	}, nil)
}

func TestSweep(t *testing.T) {
	t.Parallel()

	client := testProvider(t, `{"messages":[
		{"sid":"SM1","status":"delivered"},
		{"sid":"SM2","status":"failed","error_code":30008,"error_message":"Unknown error"},
		{"sid":"SM3","status":"undelivered"},
		{"sid":"SM4","status":"delivered"}
	]}`, http.StatusOK)

	p := New(Config{Limit: 10}, client, nil, nil)
	p.Sweep(context.Background())

	snap := p.Status()
	if snap.Sweeps != 1 {
		t.Errorf("sweeps = %d", snap.Sweeps)
	}
	if snap.Counts["delivered"] != 2 || snap.Counts["failed"] != 1 {
		t.Errorf("counts = %v", snap.Counts)
	}
	if len(snap.Failed) != 2 || snap.Failed[0] != "SM2" || snap.Failed[1] != "SM3" {
		t.Errorf("failed = %v", snap.Failed)
	}
	if snap.LastErr != "" {
		t.Errorf("unexpected error: %s", snap.LastErr)
	}
}

func TestSweep_APIError(t *testing.T) {
	t.Parallel()

	client := testProvider(t, `{"code":20003,"message":"Authentication Error"}`, http.StatusUnauthorized)

	p := New(Config{}, client, nil, nil)
	p.Sweep(context.Background())

	snap := p.Status()
	if snap.LastErr == "" {
		t.Error("expected error recorded in snapshot")
	}
	if snap.Sweeps != 1 {
		t.Errorf("sweeps = %d", snap.Sweeps)
	}
}

func TestSweep_InboundRecovery(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		inbound = `{"messages":[
			{"sid":"IN1","direction":"inbound","from":"whatsapp:+2","to":"whatsapp:+1","body":"old"}
		]}`
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("To") != "" {
			mu.Lock()
			defer mu.Unlock()
			w.Write([]byte(inbound))
			return
		}
		w.Write([]byte(`{"messages":[]}`))
	}))
	t.Cleanup(srv.Close)
	client := provider.New(provider.Config{
		BaseURL:    srv.URL,
		AccountSID: "AC1",
		AuthToken:  "tok",
		From:       "whatsapp:+1",
	}, nil)

	recovered := make(chan reply.MessageContext, 4)
	p := New(Config{Limit: 10}, client, func(_ context.Context, msg reply.MessageContext) {
		recovered <- msg
	}, nil)

	// First sweep primes the seen set without replaying history.
	p.Sweep(context.Background())
	select {
	case msg := <-recovered:
		t.Fatalf("priming sweep dispatched %q", msg.MessageID)
	default:
	}

	mu.Lock()
	inbound = `{"messages":[
		{"sid":"IN2","direction":"inbound","from":"whatsapp:+2","to":"whatsapp:+1","body":"missed"},
		{"sid":"IN1","direction":"inbound","from":"whatsapp:+2","to":"whatsapp:+1","body":"old"}
	]}`
	mu.Unlock()

	p.Sweep(context.Background())
	select {
	case msg := <-recovered:
		if msg.MessageID != "IN2" || msg.Body != "missed" {
			t.Errorf("recovered %q body %q", msg.MessageID, msg.Body)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("missed inbound message was not recovered")
	}
	select {
	case msg := <-recovered:
		t.Fatalf("already-seen message re-dispatched: %q", msg.MessageID)
	case <-time.After(50 * time.Millisecond):
	}

	if got := p.Status().Recovered; got != 1 {
		t.Errorf("recovered count = %d", got)
	}
}

func TestMarkSeen(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		inbound = `{"messages":[]}`
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("To") != "" {
			mu.Lock()
			defer mu.Unlock()
			w.Write([]byte(inbound))
			return
		}
		w.Write([]byte(`{"messages":[]}`))
	}))
	t.Cleanup(srv.Close)
	client := provider.New(provider.Config{
		BaseURL:    srv.URL,
		AccountSID: "AC1",
		AuthToken:  "tok",
		From:       "whatsapp:+1",
	}, nil)

	recovered := make(chan reply.MessageContext, 1)
	p := New(Config{Limit: 10}, client, func(_ context.Context, msg reply.MessageContext) {
		recovered <- msg
	}, nil)

	p.Sweep(context.Background()) // prime on an empty history

	// The webhook handles IN9 before the next sweep sees it.
	p.MarkSeen("IN9")
	mu.Lock()
	inbound = `{"messages":[
		{"sid":"IN9","direction":"inbound","from":"whatsapp:+2","to":"whatsapp:+1","body":"hi"}
	]}`
	mu.Unlock()
	p.Sweep(context.Background())

	select {
	case msg := <-recovered:
		t.Fatalf("webhook-handled message re-dispatched: %q", msg.MessageID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartDisabled(t *testing.T) {
	t.Parallel()

	p := New(Config{Enabled: false}, nil, nil, nil)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	p.Stop()
}
