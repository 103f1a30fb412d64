package orchestrator

import (
	"time"

	"github.com/scanforge/orchestrator-core/pkg/orchtypes"
)

// StageSpec is the caller-supplied description of one DAG node; the
// Orchestrator fills in the computed fields (Status, AttemptCount, ...) of
// the resulting orchtypes.Stage.
type StageSpec struct {
	ID                  string
	Order               int
	Type                string
	Inputs              map[string]any
	Prereqs             []string
	Conditions          []string
	Timeout             time.Duration
	RetryPolicy         orchtypes.RetryPolicy
	QualityChecksNeeded bool
	Mandatory           bool
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	Name              string
	Type              orchtypes.OrchestrationType
	Mode              orchtypes.Mode
	Priority          orchtypes.Priority
	Submitter         string
	Targets           []orchtypes.Target
	Stages            []StageSpec
	Budget            *orchtypes.Budget
	MaxRuntime        time.Duration
	Deadline          time.Time
	RequiredApprovals []string
	MaxRetries        int
	RetryBackoff      orchtypes.RetryBackoff

	// BulkDependsOn names other requests in the same BulkCreate batch (by
	// their index into the submitted slice) that must be created before
	// this one, when the batch runs in BulkModeHybrid. Ignored in parallel
	// and sequential modes, where order is already fully determined.
	BulkDependsOn []int
}

// BulkMode selects how BulkCreate orders and parallelizes the requests in
// one batch, per spec.md §6 "Bulk creation semantics."
type BulkMode string

const (
	// BulkModeParallel creates every request concurrently, bounded by
	// maxConcurrent.
	BulkModeParallel BulkMode = "parallel"
	// BulkModeSequential creates requests one at a time, in slice order.
	BulkModeSequential BulkMode = "sequential"
	// BulkModeHybrid orders requests by their BulkDependsOn declarations:
	// a request only starts once every request it depends on has finished
	// (successfully or not), and any requests with no unfinished
	// dependencies run concurrently.
	BulkModeHybrid BulkMode = "hybrid"
)

// maxBulkCreateRequests is spec.md §6's "up to 100 requests" cap.
const maxBulkCreateRequests = 100
