package engine

import (
	"context"
	"fmt"

	"github.com/awields/conveyor/internal/models"
)

// BulkOperation identifies what a bulk request does to each item.
type BulkOperation string

const (
	BulkAdd    BulkOperation = "add"
	BulkRemove BulkOperation = "remove"
	BulkRetry  BulkOperation = "retry"
)

// BulkJobItem is one element of a bulk request. Add items use Type, Payload,
// and Options; remove/retry items use ID.
type BulkJobItem struct {
	ID      string            `json:"id,omitempty"`
	Type    string            `json:"type,omitempty"`
	Payload map[string]any    `json:"payload,omitempty"`
	Options models.JobOptions `json:"options,omitempty"`
}

// BulkItemResult reports the outcome of one item. Exactly one of JobID and
// Error is meaningful for add items.
type BulkItemResult struct {
	Index int    `json:"index"`
	OK    bool   `json:"ok"`
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error,omitempty"`
}

// BulkResult summarizes a whole bulk call.
type BulkResult struct {
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Items     []BulkItemResult `json:"items"`
}

// Bulk applies op to every item independently. A failing item never aborts
// the batch; its error lands in the per-item result instead.
func (e *Engine) Bulk(ctx context.Context, queue string, op BulkOperation, items []BulkJobItem) (BulkResult, error) {
	if _, err := e.store.GetQueueConfig(ctx, queue); err != nil {
		return BulkResult{}, err
	}
	res := BulkResult{Items: make([]BulkItemResult, 0, len(items))}
	for i, item := range items {
		var (
			jobID string
			err   error
		)
		switch op {
		case BulkAdd:
			var job models.Job
			job, err = e.AddJob(ctx, queue, item.Type, item.Payload, item.Options)
			jobID = job.ID
		case BulkRemove:
			err = e.RemoveJob(ctx, queue, item.ID)
		case BulkRetry:
			err = e.RetryJob(ctx, queue, item.ID)
		default:
			err = fmt.Errorf("%w: unknown bulk operation %q", models.ErrInvalidConfig, op)
		}
		if err != nil {
			res.Failed++
			res.Items = append(res.Items, BulkItemResult{Index: i, Error: err.Error()})
			continue
		}
		res.Succeeded++
		res.Items = append(res.Items, BulkItemResult{Index: i, OK: true, JobID: jobID})
	}
	return res, nil
}
