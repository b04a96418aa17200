package miner

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// BugRecord is the table row of a Bug.
type BugRecord struct {
	ID            string `gorm:"primaryKey;size:64"`
	Severity      string `gorm:"size:16;index"`
	Type          string `gorm:"size:64;index"`
	Title         string `gorm:"size:512"`
	Description   string `gorm:"type:text"`
	Location      string `gorm:"size:512"`
	StackTrace    string `gorm:"type:text"`
	Context       string `gorm:"type:text"`
	Status        string `gorm:"size:16;index"`
	DetectedAt    time.Time
	FixedAt       *time.Time
	AssignedTo    string `gorm:"size:128"`
	Signature     string `gorm:"size:1024;index"`
	PatternID     string `gorm:"size:64;index"`
	Duplicate     bool
	FalsePositive bool
}

// TableName specifies the table name.
func (BugRecord) TableName() string { return "hivemind_bugs" }

// PatternRecord is the table row of a Pattern.
type PatternRecord struct {
	ID          string `gorm:"primaryKey;size:64"`
	Signature   string `gorm:"size:1024;index"`
	Severity    string `gorm:"size:16"`
	Type        string `gorm:"size:64"`
	Occurrences int
	FirstSeen   time.Time
	LastSeen    time.Time
	Samples     string `gorm:"type:text"`
}

// TableName specifies the table name.
func (PatternRecord) TableName() string { return "hivemind_bug_patterns" }

// GormRepository stores bugs and patterns in any gorm-supported database.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository creates a repository on db.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Migrate creates or updates the tables.
func (r *GormRepository) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&BugRecord{}, &PatternRecord{}); err != nil {
		return fmt.Errorf("failed to auto migrate: %w", err)
	}
	return nil
}

func (r *GormRepository) SaveBug(ctx context.Context, b Bug) error {
	rec, err := toBugRecord(b)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Save(&rec).Error
}

func (r *GormRepository) SavePattern(ctx context.Context, p Pattern) error {
	samples, err := json.Marshal(p.Samples)
	if err != nil {
		return fmt.Errorf("encode samples of %s: %w", p.ID, err)
	}
	rec := PatternRecord{
		ID:          p.ID,
		Signature:   p.Signature,
		Severity:    string(p.Severity),
		Type:        p.Type,
		Occurrences: p.Occurrences,
		FirstSeen:   p.FirstSeen,
		LastSeen:    p.LastSeen,
		Samples:     string(samples),
	}
	return r.db.WithContext(ctx).Save(&rec).Error
}

func (r *GormRepository) LoadBugs(ctx context.Context) ([]Bug, error) {
	var recs []BugRecord
	if err := r.db.WithContext(ctx).Order("detected_at").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]Bug, 0, len(recs))
	for _, rec := range recs {
		b, err := rec.toBug()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func (r *GormRepository) LoadPatterns(ctx context.Context) ([]Pattern, error) {
	var recs []PatternRecord
	if err := r.db.WithContext(ctx).Order("first_seen").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]Pattern, 0, len(recs))
	for _, rec := range recs {
		p := Pattern{
			ID:          rec.ID,
			Signature:   rec.Signature,
			Severity:    Severity(rec.Severity),
			Type:        rec.Type,
			Occurrences: rec.Occurrences,
			FirstSeen:   rec.FirstSeen,
			LastSeen:    rec.LastSeen,
		}
		if rec.Samples != "" {
			if err := json.Unmarshal([]byte(rec.Samples), &p.Samples); err != nil {
				return nil, fmt.Errorf("decode samples of %s: %w", rec.ID, err)
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func toBugRecord(b Bug) (BugRecord, error) {
	rec := BugRecord{
		ID:            b.ID,
		Severity:      string(b.Severity),
		Type:          b.Type,
		Title:         b.Title,
		Description:   b.Description,
		Location:      b.Location,
		StackTrace:    b.StackTrace,
		Status:        string(b.Status),
		DetectedAt:    b.DetectedAt,
		AssignedTo:    b.AssignedTo,
		Signature:     b.Signature,
		PatternID:     b.PatternID,
		Duplicate:     b.Duplicate,
		FalsePositive: b.FalsePositive,
	}
	if !b.FixedAt.IsZero() {
		at := b.FixedAt
		rec.FixedAt = &at
	}
	if len(b.Context) > 0 {
		raw, err := json.Marshal(b.Context)
		if err != nil {
			return BugRecord{}, fmt.Errorf("encode context of %s: %w", b.ID, err)
		}
		rec.Context = string(raw)
	}
	return rec, nil
}

func (rec BugRecord) toBug() (Bug, error) {
	b := Bug{
		ID:            rec.ID,
		Severity:      Severity(rec.Severity),
		Type:          rec.Type,
		Title:         rec.Title,
		Description:   rec.Description,
		Location:      rec.Location,
		StackTrace:    rec.StackTrace,
		Status:        Status(rec.Status),
		DetectedAt:    rec.DetectedAt,
		AssignedTo:    rec.AssignedTo,
		Signature:     rec.Signature,
		PatternID:     rec.PatternID,
		Duplicate:     rec.Duplicate,
		FalsePositive: rec.FalsePositive,
	}
	if rec.FixedAt != nil {
		b.FixedAt = *rec.FixedAt
	}
	if rec.Context != "" {
		if err := json.Unmarshal([]byte(rec.Context), &b.Context); err != nil {
			return Bug{}, fmt.Errorf("decode context of %s: %w", rec.ID, err)
		}
	}
	return b, nil
}
