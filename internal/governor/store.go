package governor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/attachehq/attache/pkg/models"
)

// TransitionUpdate carries the fields stamped onto a record as it moves
// state. Nil and empty fields leave the stored values untouched.
type TransitionUpdate struct {
	DecidedBy    string
	Instruction  string
	Params       json.RawMessage // reviewer-edited params, applied on approve
	Result       json.RawMessage
	ErrorMessage string
}

// Store persists tool execution records.
type Store interface {
	Create(ctx context.Context, exec *models.ToolExecution) error
	Get(ctx context.Context, id string) (*models.ToolExecution, error)

	// Transition moves a record to next, applying the update. It refuses
	// moves the state graph does not allow with ErrInvalidTransition and
	// returns the record as stored after the move.
	Transition(ctx context.Context, id string, next models.ExecutionState, update TransitionUpdate) (*models.ToolExecution, error)

	// Pending lists a tenant's proposed records, oldest first.
	Pending(ctx context.Context, tenantID string) ([]*models.ToolExecution, error)

	// PendingOlderThan lists proposed records across all tenants created
	// before the cutoff. Used by the expiry sweep.
	PendingOlderThan(ctx context.Context, cutoff time.Time) ([]*models.ToolExecution, error)
}

// transitionFrom maps each reachable state to the single state it may be
// entered from. The graph gives every target exactly one predecessor.
var transitionFrom = map[models.ExecutionState]models.ExecutionState{
	models.ExecutionApproved:  models.ExecutionProposed,
	models.ExecutionRejected:  models.ExecutionProposed,
	models.ExecutionExecuting: models.ExecutionApproved,
	models.ExecutionCompleted: models.ExecutionExecuting,
	models.ExecutionFailed:    models.ExecutionExecuting,
}
