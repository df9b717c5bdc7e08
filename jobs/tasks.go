package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerReconcile compares every aggregate with the sum of its movements.
	TaskLedgerReconcile = "ledger:reconcile"
)

// LedgerReconcilePayload narrows a reconciliation run to one subject kind.
// An empty kind reconciles products and accounts.
type LedgerReconcilePayload struct {
	Kind string `json:"kind,omitempty"`
}

// NewLedgerReconcileTask constructs an Asynq task for reconciliation.
func NewLedgerReconcileTask(kind string) (*asynq.Task, error) {
	body, err := json.Marshal(LedgerReconcilePayload{Kind: kind})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerReconcile, body, asynq.Queue(QueueDefault)), nil
}
