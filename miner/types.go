package miner

import (
	"context"
	"time"

	"github.com/BaSui01/hivemind/types"
)

// Severity ranks a bug report.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ParseSeverity validates s; an empty value defaults to medium.
func ParseSeverity(s string) (Severity, error) {
	if s == "" {
		return SeverityMedium, nil
	}
	sev := Severity(s)
	if sev.rank() == 0 {
		return "", types.NewValidationError("unknown severity %q", s)
	}
	return sev, nil
}

// Status is the lifecycle state of a bug.
type Status string

const (
	StatusNew   Status = "new"
	StatusFixed Status = "fixed"
)

// Report is a failure handed to the miner by calling code.
type Report struct {
	Severity    Severity       `json:"severity,omitempty"`
	Type        string         `json:"type,omitempty"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Location    string         `json:"location,omitempty"`
	StackTrace  string         `json:"stackTrace,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// Bug is a stored report.
type Bug struct {
	ID          string         `json:"id"`
	Severity    Severity       `json:"severity"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Location    string         `json:"location,omitempty"`
	StackTrace  string         `json:"stackTrace,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	Status      Status         `json:"status"`
	DetectedAt  time.Time      `json:"detectedAt"`
	FixedAt     time.Time      `json:"fixedAt,omitzero"`
	AssignedTo  string         `json:"assignedTo,omitempty"`
	Signature   string         `json:"signature"`
	PatternID   string         `json:"patternId,omitempty"`
	// Duplicate is set when the report matched an existing pattern.
	Duplicate     bool `json:"duplicate"`
	FalsePositive bool `json:"falsePositive"`
}

// Pattern groups reports sharing a normalized signature.
type Pattern struct {
	ID          string    `json:"id"`
	Signature   string    `json:"signature"`
	Severity    Severity  `json:"severity"`
	Type        string    `json:"type"`
	Occurrences int       `json:"occurrenceCount"`
	FirstSeen   time.Time `json:"firstSeen"`
	LastSeen    time.Time `json:"lastSeen"`
	// Samples holds the ids of the first reports of the pattern.
	Samples []string `json:"samples"`
}

// Filter narrows Bugs. Empty fields match everything.
type Filter struct {
	Severity Severity
	Type     string
	Status   Status
}

func (f Filter) match(b *Bug) bool {
	return (f.Severity == "" || b.Severity == f.Severity) &&
		(f.Type == "" || b.Type == f.Type) &&
		(f.Status == "" || b.Status == f.Status)
}

// Stats aggregates the stored reports.
type Stats struct {
	Total      int              `json:"total"`
	BySeverity map[Severity]int `json:"bySeverity"`
	ByType     map[string]int   `json:"byType"`
	ByStatus   map[Status]int   `json:"byStatus"`
	Patterns   int              `json:"patterns"`
	Duplicates int              `json:"duplicates"`
	// MeanResolution is the mean of FixedAt-DetectedAt over fixed bugs.
	MeanResolution    time.Duration `json:"meanResolutionNs"`
	DuplicateRate     float64       `json:"duplicateRate"`
	FalsePositiveRate float64       `json:"falsePositiveRate"`
}

// EventKind names a side-channel event.
type EventKind string

const (
	EventDetected       EventKind = "detected"
	EventDuplicate      EventKind = "duplicate"
	EventPatternCreated EventKind = "pattern_created"
	EventFixed          EventKind = "fixed"
	EventFalsePositive  EventKind = "false_positive"
)

// Event is mirrored to the Exporter.
type Event struct {
	Kind    EventKind `json:"kind"`
	TraceID string    `json:"traceId"`
	At      time.Time `json:"at"`
	Bug     Bug       `json:"bug"`
	Pattern *Pattern  `json:"pattern,omitempty"`
}

// Exporter receives miner events. Errors and panics are logged and never
// reach the caller of DetectBug.
type Exporter interface {
	Export(ctx context.Context, ev Event) error
}

// ExporterFunc adapts a function to Exporter.
type ExporterFunc func(ctx context.Context, ev Event) error

// Export implements Exporter.
func (f ExporterFunc) Export(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// Repository persists bugs and patterns.
type Repository interface {
	SaveBug(ctx context.Context, b Bug) error
	SavePattern(ctx context.Context, p Pattern) error
	LoadBugs(ctx context.Context) ([]Bug, error)
	LoadPatterns(ctx context.Context) ([]Pattern, error)
}

func cloneBug(b *Bug) Bug {
	c := *b
	if b.Context != nil {
		c.Context = make(map[string]any, len(b.Context))
		for k, v := range b.Context {
			c.Context[k] = v
		}
	}
	return c
}

func clonePattern(p *Pattern) Pattern {
	c := *p
	c.Samples = append([]string(nil), p.Samples...)
	return c
}
