package activework

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/latitude-dev/latitude-llm-sub007/pkg/kv"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/registry"
)

// ActiveEvaluation is one evaluation workflow generated for an issue.
// WorkflowUUID is its identity; EvaluationUUID is only known once the
// workflow has produced the evaluation.
type ActiveEvaluation struct {
	WorkflowUUID   string     `json:"workflowUuid"`
	EvaluationUUID string     `json:"evaluationUuid,omitempty"`
	IssueID        int64      `json:"issueId"`
	QueuedAt       time.Time  `json:"queuedAt"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	Error          string     `json:"error,omitempty"`
}

func (e ActiveEvaluation) ItemID() string         { return e.WorkflowUUID }
func (e ActiveEvaluation) QueuedTime() time.Time  { return e.QueuedAt }
func (e ActiveEvaluation) StartedTime() time.Time { return derefTime(e.StartedAt) }

func (e ActiveEvaluation) WithID(id string) ActiveEvaluation {
	e.WorkflowUUID = id
	return e
}

// Ended reports whether the workflow finished, successfully or not.
func (e ActiveEvaluation) Ended() bool {
	return e.EndedAt != nil
}

// Failed reports whether the workflow ended with an error.
func (e ActiveEvaluation) Failed() bool {
	return e.Error != ""
}

// EvaluationPatch lists the evaluation fields an update may set.
type EvaluationPatch struct {
	EvaluationUUID *string    `json:"evaluationUuid,omitempty"`
	StartedAt      *time.Time `json:"startedAt,omitempty"`
	EndedAt        *time.Time `json:"endedAt,omitempty"`
	Error          *string    `json:"error,omitempty"`
}

// ProjectEvaluations tracks active evaluations per project.
type ProjectEvaluations = registry.Registry[ProjectScope, ActiveEvaluation]

// NewProjectEvaluations builds the evaluation registry.
func NewProjectEvaluations(client *kv.Client, cfg registry.Config, logger log.FieldLogger) (*ProjectEvaluations, error) {
	cfg.Name = "project-evaluations"
	cfg.Prefix = kv.ActiveEvaluationsPrefix()
	return registry.New[ProjectScope, ActiveEvaluation](client, cfg, logger)
}
