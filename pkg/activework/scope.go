package activework

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/latitude-dev/latitude-llm-sub007/pkg/kv"
)

// ProjectScope groups active work by workspace and project.
type ProjectScope struct {
	WorkspaceID int64 `json:"workspaceId"`
	ProjectID   int64 `json:"projectId"`
}

func (s ProjectScope) KeyParts() []string {
	return []string{kv.FormatID(s.WorkspaceID), kv.FormatID(s.ProjectID)}
}

func (s ProjectScope) Validate() error {
	if s.WorkspaceID <= 0 {
		return errors.Errorf("workspace id must be positive, got %d", s.WorkspaceID)
	}
	if s.ProjectID <= 0 {
		return errors.Errorf("project id must be positive, got %d", s.ProjectID)
	}
	return nil
}

// DocumentScope narrows a project scope to one document.
type DocumentScope struct {
	WorkspaceID  int64  `json:"workspaceId"`
	ProjectID    int64  `json:"projectId"`
	DocumentUUID string `json:"documentUuid"`
}

func (s DocumentScope) KeyParts() []string {
	return append(s.Project().KeyParts(), s.DocumentUUID)
}

func (s DocumentScope) Validate() error {
	if err := s.Project().Validate(); err != nil {
		return err
	}
	if s.DocumentUUID == "" {
		return errors.New("document uuid cannot be empty")
	}
	if strings.Contains(s.DocumentUUID, ":") {
		return errors.Errorf("document uuid %q cannot contain ':'", s.DocumentUUID)
	}
	return nil
}

// Project returns the enclosing project scope.
func (s DocumentScope) Project() ProjectScope {
	return ProjectScope{WorkspaceID: s.WorkspaceID, ProjectID: s.ProjectID}
}
