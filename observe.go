package hivemind

import (
	"context"
	"time"

	"github.com/BaSui01/hivemind/dispatcher"
)

func (o *Orchestrator) recordTask(ev dispatcher.Event) {
	te, ok := ev.(dispatcher.TaskEvent)
	if !ok {
		return
	}
	t := te.Task
	code := ""
	if t.Error != nil {
		code = string(t.Error.Code)
	}
	o.metrics.RecordTask(string(t.Capability), string(t.Status), code, t.CompletedAt.Sub(t.CreatedAt))
}

// registerFuncMetrics exports the bus and federation counters, which the
// components already keep, as scrape-time metrics.
func (o *Orchestrator) registerFuncMetrics() error {
	counters := []struct {
		name, help string
		fn         func() float64
	}{
		{"bus_messages_sent_total", "Direct messages sent on the bus", func() float64 { return float64(o.bus.Stats().Sent) }},
		{"bus_broadcasts_total", "Broadcasts sent on the bus", func() float64 { return float64(o.bus.Stats().Broadcasts) }},
		{"bus_messages_delivered_total", "Messages placed in worker inboxes", func() float64 { return float64(o.bus.Stats().Delivered) }},
		{"bus_messages_dropped_total", "Messages dropped on full inboxes", func() float64 { return float64(o.bus.Stats().Dropped) }},
		{"bus_rate_limited_total", "Broadcasts rejected by the per-sender limit", func() float64 { return float64(o.bus.Stats().RateLimited) }},
		{"bus_help_requests_total", "Help requests asked", func() float64 { return float64(o.bus.Stats().HelpRequests) }},
		{"bus_help_answered_total", "Help requests answered", func() float64 { return float64(o.bus.Stats().HelpAnswered) }},
		{"knowledge_hits_total", "Knowledge lookups that found an entry", func() float64 { return float64(o.bus.Stats().KnowledgeHits) }},
		{"knowledge_misses_total", "Knowledge lookups that found nothing", func() float64 { return float64(o.bus.Stats().KnowledgeMiss) }},
		{"federation_remote_completed_total", "Forwarded tasks completed by peers", func() float64 { return float64(o.gateway.Stats().RemoteCompleted) }},
		{"federation_remote_failed_total", "Forwarded tasks failed by peers", func() float64 { return float64(o.gateway.Stats().RemoteFailed) }},
		{"federation_remote_timeouts_total", "Forwarded tasks that got no answer in time", func() float64 { return float64(o.gateway.Stats().RemoteTimeouts) }},
		{"federation_executed_total", "Tasks received from peers and run here", func() float64 { return float64(o.gateway.Stats().Executed) }},
	}
	for _, c := range counters {
		if err := o.metrics.CounterFunc(c.name, c.help, c.fn); err != nil {
			return err
		}
	}
	if err := o.metrics.GaugeFunc("bus_members", "Workers joined to the bus", func() float64 {
		return float64(o.bus.Stats().Members)
	}); err != nil {
		return err
	}
	return o.metrics.GaugeFunc("federation_standalone", "1 when the hive runs without peers", func() float64 {
		if o.gateway.Stats().Standalone {
			return 1
		}
		return 0
	})
}

func (o *Orchestrator) refreshGauges() {
	ds := o.dispatcher.Stats()
	workers := make(map[string]int, len(ds.Workers))
	for status, n := range ds.Workers {
		workers[string(status)] = n
	}
	o.metrics.SetWorkers(workers)

	pending := make(map[string]int, len(ds.Pending))
	for c, n := range ds.Pending {
		pending[string(c)] = n
	}
	o.metrics.SetPending(pending)

	fs := o.gateway.Stats()
	hives := make(map[string]int, len(fs.Hives))
	for status, n := range fs.Hives {
		hives[string(status)] = n
	}
	o.metrics.SetHives(hives)
	o.metrics.SetBugPatterns(len(o.miner.Patterns()))
}

func (o *Orchestrator) gaugeLoop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(gaugeRefreshInterval)
	defer ticker.Stop()

	o.refreshGauges()
	for {
		select {
		case <-ticker.C:
			o.refreshGauges()
		case <-ctx.Done():
			return
		}
	}
}
