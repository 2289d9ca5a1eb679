// Package poller periodically reconciles message state with the provider.
// Webhook callbacks can be lost; the poller catches outbound messages that
// silently failed and re-drives the pipeline for inbound messages the
// webhook never delivered.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jholhewres/warelay/pkg/warelay/provider"
	"github.com/jholhewres/warelay/pkg/warelay/reply"
)

// Handler receives inbound messages recovered by a sweep. It matches the
// gateway's dispatch target so both paths feed the same pipeline.
type Handler func(ctx context.Context, msg reply.MessageContext)

// Config holds poller settings.
type Config struct {
	// Enabled turns the poller on.
	Enabled bool `yaml:"enabled"`

	// Schedule is a cron spec, e.g. "@every 1m".
	Schedule string `yaml:"schedule"`

	// Limit is how many recent messages each sweep inspects.
	Limit int `yaml:"limit"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:  false,
		Schedule: "@every 1m",
		Limit:    50,
	}
}

// Snapshot summarizes the last reconciliation sweep.
type Snapshot struct {
	LastRun   time.Time      `json:"last_run"`
	Counts    map[string]int `json:"counts"`
	Failed    []string       `json:"failed"`
	LastErr   string         `json:"last_error,omitempty"`
	Sweeps    int            `json:"sweeps"`
	Failures  int            `json:"failures"`
	Recovered int            `json:"recovered"`
}

// Poller drives the reconciliation loop.
type Poller struct {
	cfg     Config
	client  *provider.Client
	handler Handler
	cron    *cron.Cron
	logger  *slog.Logger

	mu     sync.Mutex
	snap   Snapshot
	seen   map[string]struct{}
	primed bool
}

// New creates a poller over the given provider client. handler may be nil,
// which disables inbound recovery.
func New(cfg Config, client *provider.Client, handler Handler, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 50
	}
	return &Poller{
		cfg:     cfg,
		client:  client,
		handler: handler,
		logger:  logger.With("component", "poller"),
		seen:    make(map[string]struct{}),
	}
}

// MarkSeen records an inbound message SID as already handled, so a later
// sweep does not re-drive it. The gateway calls this for every webhook it
// dispatches.
func (p *Poller) MarkSeen(sid string) {
	if sid == "" {
		return
	}
	p.mu.Lock()
	p.seen[sid] = struct{}{}
	p.mu.Unlock()
}

// Start schedules the sweep. No-op when disabled.
func (p *Poller) Start(ctx context.Context) error {
	if !p.cfg.Enabled {
		p.logger.Debug("delivery poller disabled")
		return nil
	}

	p.cron = cron.New()
	if _, err := p.cron.AddFunc(p.cfg.Schedule, func() { p.Sweep(ctx) }); err != nil {
		return fmt.Errorf("scheduling poller: %w", err)
	}
	p.cron.Start()
	p.logger.Info("delivery poller started", "schedule", p.cfg.Schedule, "limit", p.cfg.Limit)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (p *Poller) Stop() {
	if p.cron == nil {
		return
	}
	<-p.cron.Stop().Done()
	p.logger.Info("delivery poller stopped")
}

// Sweep runs one reconciliation pass. Exported so the CLI can trigger it
// manually.
func (p *Poller) Sweep(ctx context.Context) {
	msgs, err := p.client.ListMessages(ctx, p.cfg.Limit)

	p.mu.Lock()
	p.snap.Sweeps++
	p.snap.LastRun = time.Now()
	if err != nil {
		p.snap.LastErr = err.Error()
		p.mu.Unlock()
		p.logger.Warn("delivery sweep failed", "error", err)
		return
	}
	p.snap.LastErr = ""

	counts := make(map[string]int, 4)
	var failed []string
	for _, m := range msgs {
		counts[m.Status]++
		if m.Status == "failed" || m.Status == "undelivered" {
			failed = append(failed, m.SID)
			p.snap.Failures++
			p.logger.Warn("outbound message not delivered",
				"sid", m.SID, "to", m.To, "status", m.Status,
				"error_code", errorCode(m), "error", m.ErrorMessage)
		}
	}
	p.snap.Counts = counts
	p.snap.Failed = failed
	p.mu.Unlock()

	p.logger.Debug("delivery sweep complete", "inspected", len(msgs), "failed", len(failed))

	if p.handler != nil {
		p.recoverInbound(ctx)
	}
}

// recoverInbound re-drives the pipeline for inbound messages the webhook
// never delivered. The first sweep only primes the seen set, so restarting
// the relay does not replay old conversations.
func (p *Poller) recoverInbound(ctx context.Context) {
	msgs, err := p.client.ListInbound(ctx, p.cfg.Limit)
	if err != nil {
		p.logger.Warn("inbound sweep failed", "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	priming := !p.primed
	p.primed = true

	for _, m := range msgs {
		if _, ok := p.seen[m.SID]; ok {
			continue
		}
		p.seen[m.SID] = struct{}{}
		if priming {
			continue
		}

		p.snap.Recovered++
		p.logger.Info("recovering missed inbound message", "sid", m.SID, "from", m.From)
		go p.handler(ctx, reply.MessageContext{
			Body:      m.Body,
			From:      m.From,
			To:        m.To,
			MessageID: m.SID,
		})
	}
}

// Status returns a copy of the latest snapshot.
func (p *Poller) Status() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := p.snap
	snap.Counts = copyCounts(p.snap.Counts)
	snap.Failed = append([]string{}, p.snap.Failed...)
	return snap
}

func errorCode(m provider.Message) int {
	if m.ErrorCode == nil {
		return 0
	}
	return *m.ErrorCode
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
