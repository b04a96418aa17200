package miner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/BaSui01/hivemind/dispatcher"
	"github.com/BaSui01/hivemind/types"
)

// TaskFailureType is the bug type of reports raised for failed tasks.
const TaskFailureType = "task_failure"

// TaskFailed records a failed task as a bug report, so the miner can be
// installed as the dispatcher's and the gateway's FailureSink.
func (m *Miner) TaskFailed(ctx context.Context, t dispatcher.Task) {
	code := types.ErrTaskFailed
	desc := "task failed"
	if t.Error != nil {
		code = t.Error.Code
		desc = t.Error.Message
	}

	location := "capability:" + string(t.Capability)
	if t.HiveID != "" {
		location += "@" + t.HiveID
	}
	r := Report{
		Severity:    severityFor(code),
		Type:        TaskFailureType,
		Title:       fmt.Sprintf("%s task failed with %s", t.Capability, code),
		Description: string(code) + ": " + desc,
		Location:    location,
		Context: map[string]any{
			"task_id":   t.ID,
			"code":      string(code),
			"priority":  t.Priority.String(),
			"worker_id": t.AssignedWorkerID,
		},
	}
	if t.HiveID != "" {
		r.Context["hive_id"] = t.HiveID
	}
	if t.RequesterID != "" {
		r.Context["requester_id"] = t.RequesterID
	}

	if _, err := m.DetectBug(ctx, r); err != nil {
		m.logger.Warn("recording task failure failed", zap.String("task_id", t.ID), zap.Error(err))
	}
}

func severityFor(code types.ErrorCode) Severity {
	switch code {
	case types.ErrValidation:
		return SeverityLow
	case types.ErrTimeout, types.ErrRateLimited:
		return SeverityMedium
	case types.ErrInternalError, types.ErrWorkerGone, types.ErrServiceUnavailable, types.ErrExhaustedFallback:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}
