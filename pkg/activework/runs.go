package activework

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/latitude-dev/latitude-llm-sub007/pkg/kv"
	"github.com/latitude-dev/latitude-llm-sub007/pkg/registry"
)

// RunSource tells where a run was triggered from.
type RunSource string

const (
	RunSourceAPI          RunSource = "api"
	RunSourcePlayground   RunSource = "playground"
	RunSourceExperiment   RunSource = "experiment"
	RunSourceEvaluation   RunSource = "evaluation"
	RunSourceSharedPrompt RunSource = "shared_prompt"
	RunSourceAgentAsTool  RunSource = "agent_as_tool"
	RunSourceTrigger      RunSource = "trigger"
)

// ActiveRun is one prompt run that is queued or executing.
type ActiveRun struct {
	UUID         string     `json:"uuid"`
	QueuedAt     time.Time  `json:"queuedAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	Source       RunSource  `json:"source"`
	DocumentUUID string     `json:"documentUuid,omitempty"`
	CommitUUID   string     `json:"commitUuid,omitempty"`
	Caption      string     `json:"caption,omitempty"`
}

func (r ActiveRun) ItemID() string         { return r.UUID }
func (r ActiveRun) QueuedTime() time.Time  { return r.QueuedAt }
func (r ActiveRun) StartedTime() time.Time { return derefTime(r.StartedAt) }

func (r ActiveRun) WithID(id string) ActiveRun {
	r.UUID = id
	return r
}

// Running reports whether the run has left the queue.
func (r ActiveRun) Running() bool {
	return r.StartedAt != nil
}

// RunPatch lists the run fields an update may set. Nil fields are left as
// stored.
type RunPatch struct {
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	CommitUUID *string    `json:"commitUuid,omitempty"`
	Caption    *string    `json:"caption,omitempty"`
}

// ProjectRuns tracks active runs per project.
type ProjectRuns = registry.Registry[ProjectScope, ActiveRun]

// DocumentRuns tracks active runs per document.
type DocumentRuns = registry.Registry[DocumentScope, ActiveRun]

// NewProjectRuns builds the project-level run registry. Name and Prefix of
// cfg are fixed by this package.
func NewProjectRuns(client *kv.Client, cfg registry.Config, logger log.FieldLogger) (*ProjectRuns, error) {
	cfg.Name = "project-runs"
	cfg.Prefix = kv.ActiveRunsPrefix()
	return registry.New[ProjectScope, ActiveRun](client, cfg, logger)
}

// NewDocumentRuns builds the document-level run registry.
func NewDocumentRuns(client *kv.Client, cfg registry.Config, logger log.FieldLogger) (*DocumentRuns, error) {
	cfg.Name = "document-runs"
	cfg.Prefix = kv.ActiveRunsPrefix()
	return registry.New[DocumentScope, ActiveRun](client, cfg, logger)
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
