package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/vesaa/inventra/internal/config"
	"github.com/vesaa/inventra/internal/snapshot"
)

// Agent collects a snapshot, sends it, and falls back to a local backup.
type Agent struct {
	cfg       *config.Config
	collector *Collector
	sender    *Sender
	now       func() time.Time
}

// New builds an Agent for this machine.
func New(cfg *config.Config) *Agent {
	return &Agent{
		cfg:       cfg,
		collector: NewCollector(),
		sender:    NewSender(cfg),
		now:       time.Now,
	}
}

// Run performs one cycle when cfg.AgentInterval is zero (GPO / scheduled
// task), otherwise cycles on a ticker until ctx is cancelled.
func Run(ctx context.Context, cfg *config.Config) error {
	a := New(cfg)
	if cfg.AgentInterval <= 0 {
		return a.RunOnce(ctx)
	}

	log.Printf("[agent] reporting every %s. Press Ctrl+C to stop.", cfg.AgentInterval)
	if err := a.RunOnce(ctx); err != nil {
		log.Printf("[agent] cycle failed: %v", err)
	}

	ticker := time.NewTicker(cfg.AgentInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[agent] stopping")
			return nil
		case <-ticker.C:
			if err := a.RunOnce(ctx); err != nil {
				log.Printf("[agent] cycle failed: %v", err)
			}
		}
	}
}

// RunOnce collects and delivers a single snapshot.
func (a *Agent) RunOnce(ctx context.Context) error {
	start := a.now()
	doc, results := a.collector.Collect(ctx)
	machine := MachineName(doc)
	summarize(machine, results)
	log.Printf("[agent] collection took %s", a.now().Sub(start).Round(time.Millisecond))

	return a.Deliver(ctx, machine, doc)
}

// Deliver validates and sends doc. When the send fails the document is
// written to the backup directory; an unreachable server forces the backup
// even if backups are disabled.
func (a *Agent) Deliver(ctx context.Context, machine string, doc snapshot.Document) error {
	for _, w := range snapshot.Validate(doc) {
		log.Printf("[agent] warning: %s", w)
	}

	id, err := a.sender.Send(ctx, doc)
	if err == nil {
		log.Printf("[agent] %s stored as machine %d", machine, id)
		return nil
	}

	if a.cfg.AgentBackupEnabled || errors.Is(err, ErrNetworkUnavailable) {
		path, berr := SaveBackup(a.cfg.AgentBackupDir, machine, doc, a.now())
		if berr != nil {
			log.Printf("[agent] backup failed: %v", berr)
		} else {
			log.Printf("[agent] backup saved: %s", path)
		}
	}
	return fmt.Errorf("sending snapshot for %s: %w", machine, err)
}

// MachineName picks the name a document will be stored under, for logs and
// backup file names.
func MachineName(doc snapshot.Document) string {
	return snapshot.Normalize(doc, time.Time{}).MachineName
}
