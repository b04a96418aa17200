package miner

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/hivemind/types"
)

// Config configures a Miner.
type Config struct {
	// MaxSamples caps the report ids kept per pattern.
	MaxSamples int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{MaxSamples: 5}
}

// Option configures a Miner.
type Option func(*Miner)

// WithNormalizer replaces DefaultNormalizer.
func WithNormalizer(n Normalizer) Option {
	return func(m *Miner) {
		if n != nil {
			m.normalizer = n
		}
	}
}

// WithRepository persists every change write-through.
func WithRepository(r Repository) Option {
	return func(m *Miner) { m.repo = r }
}

// WithExporter mirrors events to e.
func WithExporter(e Exporter) Option {
	return func(m *Miner) { m.exporter = e }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Miner) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Miner) {
		if now != nil {
			m.now = now
		}
	}
}

// Miner ingests failure reports and folds recurring ones into patterns.
type Miner struct {
	cfg        Config
	normalizer Normalizer
	repo       Repository
	exporter   Exporter
	logger     *zap.Logger
	now        func() time.Time

	mu       sync.RWMutex
	bugs     map[string]*Bug
	order    []string
	patterns map[string]*Pattern
	bySig    map[string]*Pattern
	// unmatched holds, per signature, reports not yet part of a pattern.
	unmatched map[string][]string

	// persist orders repository writes the same way as the mutations.
	persist sync.Mutex
}

// New creates a miner.
func New(cfg Config, opts ...Option) *Miner {
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = DefaultConfig().MaxSamples
	}
	m := &Miner{
		cfg:        cfg,
		normalizer: DefaultNormalizer(),
		logger:     zap.NewNop(),
		now:        time.Now,
		bugs:       make(map[string]*Bug),
		patterns:   make(map[string]*Pattern),
		bySig:      make(map[string]*Pattern),
		unmatched:  make(map[string][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "pattern_miner"))
	return m
}

// pending collects what a mutation has to persist and mirror once the main
// lock is released.
type pending struct {
	bugs     []Bug
	patterns []Pattern
	events   []Event
}

func (m *Miner) event(p *pending, kind EventKind, at time.Time, b *Bug, pat *Pattern) {
	ev := Event{Kind: kind, At: at, Bug: cloneBug(b)}
	if pat != nil {
		c := clonePattern(pat)
		ev.Pattern = &c
	}
	p.events = append(p.events, ev)
}

// DetectBug stores a report and matches it against known patterns. A match
// bumps the pattern and marks the report duplicate. Otherwise the report is
// kept raw until a second report with the same signature arrives, at which
// point both form a new pattern.
func (m *Miner) DetectBug(ctx context.Context, r Report) (Bug, error) {
	if strings.TrimSpace(r.Description) == "" && strings.TrimSpace(r.Title) == "" {
		return Bug{}, types.NewValidationError("description or title is required")
	}
	sev, err := ParseSeverity(string(r.Severity))
	if err != nil {
		return Bug{}, err
	}
	if r.Type == "" {
		r.Type = "unknown"
	}
	sig := m.normalizer.Normalize(r.Description)
	if sig == "" {
		sig = m.normalizer.Normalize(r.Title)
	}

	now := m.now()
	b := &Bug{
		ID:          "bug-" + uuid.NewString(),
		Severity:    sev,
		Type:        r.Type,
		Title:       r.Title,
		Description: r.Description,
		Location:    r.Location,
		StackTrace:  r.StackTrace,
		Status:      StatusNew,
		DetectedAt:  now,
		Signature:   sig,
	}
	if r.Context != nil {
		b.Context = cloneBug(&Bug{Context: r.Context}).Context
	}

	var p pending
	m.mu.Lock()
	m.bugs[b.ID] = b
	m.order = append(m.order, b.ID)

	if pat, ok := m.bySig[sig]; ok {
		pat.Occurrences++
		pat.LastSeen = now
		if sev.rank() > pat.Severity.rank() {
			pat.Severity = sev
		}
		if len(pat.Samples) < m.cfg.MaxSamples {
			pat.Samples = append(pat.Samples, b.ID)
		}
		b.Duplicate = true
		b.PatternID = pat.ID
		p.bugs = append(p.bugs, cloneBug(b))
		p.patterns = append(p.patterns, clonePattern(pat))
		m.event(&p, EventDuplicate, now, b, pat)
	} else {
		ids := append(m.unmatched[sig], b.ID)
		if len(ids) < 2 {
			m.unmatched[sig] = ids
			p.bugs = append(p.bugs, cloneBug(b))
		} else {
			delete(m.unmatched, sig)
			pat := m.synthesizeLocked(sig, ids)
			for _, id := range ids {
				p.bugs = append(p.bugs, cloneBug(m.bugs[id]))
			}
			p.patterns = append(p.patterns, clonePattern(pat))
			m.event(&p, EventPatternCreated, now, b, pat)
		}
	}
	var detected pending
	m.event(&detected, EventDetected, now, b, m.bySig[sig])
	p.events = append(detected.events, p.events...)
	out := cloneBug(b)
	m.persist.Lock()
	m.mu.Unlock()

	m.flush(ctx, &p)
	return out, nil
}

// synthesizeLocked builds a pattern from the unmatched reports ids.
func (m *Miner) synthesizeLocked(sig string, ids []string) *Pattern {
	first := m.bugs[ids[0]]
	pat := &Pattern{
		ID:          "pattern-" + uuid.NewString(),
		Signature:   sig,
		Severity:    first.Severity,
		Type:        first.Type,
		Occurrences: len(ids),
		FirstSeen:   first.DetectedAt,
	}
	for _, id := range ids {
		b := m.bugs[id]
		b.PatternID = pat.ID
		if b.Severity.rank() > pat.Severity.rank() {
			pat.Severity = b.Severity
		}
		if b.DetectedAt.After(pat.LastSeen) {
			pat.LastSeen = b.DetectedAt
		}
		if len(pat.Samples) < m.cfg.MaxSamples {
			pat.Samples = append(pat.Samples, id)
		}
	}
	m.patterns[pat.ID] = pat
	m.bySig[sig] = pat
	return pat
}

// MarkBugFixed moves a bug from new to fixed.
func (m *Miner) MarkBugFixed(ctx context.Context, id, by string) (Bug, error) {
	var p pending
	m.mu.Lock()
	b, ok := m.bugs[id]
	if !ok {
		m.mu.Unlock()
		return Bug{}, types.NewNotFoundError("bug", id)
	}
	if b.Status == StatusFixed {
		m.mu.Unlock()
		return Bug{}, types.NewError(types.ErrInvalidTransition, "bug "+id+" is already fixed")
	}
	b.Status = StatusFixed
	b.FixedAt = m.now()
	b.AssignedTo = by
	p.bugs = append(p.bugs, cloneBug(b))
	m.event(&p, EventFixed, b.FixedAt, b, nil)
	out := cloneBug(b)
	m.persist.Lock()
	m.mu.Unlock()

	m.flush(ctx, &p)
	return out, nil
}

// MarkFalsePositive flags a bug as not being a real defect. Flagging twice
// is a no-op.
func (m *Miner) MarkFalsePositive(ctx context.Context, id string) (Bug, error) {
	var p pending
	m.mu.Lock()
	b, ok := m.bugs[id]
	if !ok {
		m.mu.Unlock()
		return Bug{}, types.NewNotFoundError("bug", id)
	}
	if !b.FalsePositive {
		b.FalsePositive = true
		p.bugs = append(p.bugs, cloneBug(b))
		m.event(&p, EventFalsePositive, m.now(), b, nil)
	}
	out := cloneBug(b)
	m.persist.Lock()
	m.mu.Unlock()

	m.flush(ctx, &p)
	return out, nil
}

// flush writes pending changes and mirrors events. The caller holds persist;
// it is released before the exporter runs.
func (m *Miner) flush(ctx context.Context, p *pending) {
	if m.repo != nil {
		for _, b := range p.bugs {
			if err := m.repo.SaveBug(ctx, b); err != nil {
				m.logger.Warn("persisting bug failed", zap.String("bug_id", b.ID), zap.Error(err))
			}
		}
		for _, pat := range p.patterns {
			if err := m.repo.SavePattern(ctx, pat); err != nil {
				m.logger.Warn("persisting pattern failed", zap.String("pattern_id", pat.ID), zap.Error(err))
			}
		}
	}
	m.persist.Unlock()

	for _, ev := range p.events {
		m.mirror(ctx, ev)
	}
}

// mirror logs ev with a fresh trace id and hands it to the exporter.
func (m *Miner) mirror(ctx context.Context, ev Event) {
	ev.TraceID = uuid.NewString()
	fields := []zap.Field{
		zap.String("trace_id", ev.TraceID),
		zap.String("event", string(ev.Kind)),
		zap.String("bug_id", ev.Bug.ID),
		zap.String("severity", string(ev.Bug.Severity)),
		zap.String("type", ev.Bug.Type),
	}
	if ev.Pattern != nil {
		fields = append(fields,
			zap.String("pattern_id", ev.Pattern.ID),
			zap.Int("occurrences", ev.Pattern.Occurrences),
		)
	}
	m.logger.Info("bug event", fields...)

	if m.exporter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("bug exporter panicked", zap.String("trace_id", ev.TraceID), zap.Any("recover", r))
		}
	}()
	if err := m.exporter.Export(ctx, ev); err != nil {
		m.logger.Warn("bug export failed", zap.String("trace_id", ev.TraceID), zap.Error(err))
	}
}

// Bug returns one report.
func (m *Miner) Bug(id string) (Bug, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bugs[id]
	if !ok {
		return Bug{}, types.NewNotFoundError("bug", id)
	}
	return cloneBug(b), nil
}

// Bugs returns the reports matching f in detection order.
func (m *Miner) Bugs(f Filter) []Bug {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Bug, 0, len(m.order))
	for _, id := range m.order {
		if b := m.bugs[id]; f.match(b) {
			out = append(out, cloneBug(b))
		}
	}
	return out
}

// Patterns returns the known patterns, most frequent first.
func (m *Miner) Patterns() []Pattern {
	m.mu.RLock()
	out := make([]Pattern, 0, len(m.patterns))
	for _, p := range m.patterns {
		out = append(out, clonePattern(p))
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Occurrences != out[j].Occurrences {
			return out[i].Occurrences > out[j].Occurrences
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})
	return out
}

// Stats aggregates all stored reports.
func (m *Miner) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{
		Total:      len(m.bugs),
		BySeverity: make(map[Severity]int),
		ByType:     make(map[string]int),
		ByStatus:   make(map[Status]int),
		Patterns:   len(m.patterns),
	}
	var (
		resolved       time.Duration
		fixed          int
		falsePositives int
	)
	for _, b := range m.bugs {
		s.BySeverity[b.Severity]++
		s.ByType[b.Type]++
		s.ByStatus[b.Status]++
		if b.Duplicate {
			s.Duplicates++
		}
		if b.FalsePositive {
			falsePositives++
		}
		if b.Status == StatusFixed {
			resolved += b.FixedAt.Sub(b.DetectedAt)
			fixed++
		}
	}
	if fixed > 0 {
		s.MeanResolution = resolved / time.Duration(fixed)
	}
	if s.Total > 0 {
		s.DuplicateRate = float64(s.Duplicates) / float64(s.Total)
		s.FalsePositiveRate = float64(falsePositives) / float64(s.Total)
	}
	return s
}

// Restore reloads bugs and patterns from the repository, replacing the
// in-memory state.
func (m *Miner) Restore(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	bugs, err := m.repo.LoadBugs(ctx)
	if err != nil {
		return types.WrapError(err, types.ErrInternalError)
	}
	patterns, err := m.repo.LoadPatterns(ctx)
	if err != nil {
		return types.WrapError(err, types.ErrInternalError)
	}

	sort.SliceStable(bugs, func(i, j int) bool { return bugs[i].DetectedAt.Before(bugs[j].DetectedAt) })

	m.mu.Lock()
	defer m.mu.Unlock()
	m.bugs = make(map[string]*Bug, len(bugs))
	m.order = make([]string, 0, len(bugs))
	m.patterns = make(map[string]*Pattern, len(patterns))
	m.bySig = make(map[string]*Pattern, len(patterns))
	m.unmatched = make(map[string][]string)

	for i := range patterns {
		p := patterns[i]
		m.patterns[p.ID] = &p
		m.bySig[p.Signature] = &p
	}
	for i := range bugs {
		b := bugs[i]
		m.bugs[b.ID] = &b
		m.order = append(m.order, b.ID)
		if b.PatternID == "" {
			m.unmatched[b.Signature] = append(m.unmatched[b.Signature], b.ID)
		}
	}
	m.logger.Info("bug history restored",
		zap.Int("bugs", len(bugs)),
		zap.Int("patterns", len(patterns)),
	)
	return nil
}
