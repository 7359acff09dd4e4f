package kv

import (
	"strconv"
	"strings"
)

// Key naming
//
// All coordination keys are built here so the layout stays in one place:
//
//	lock:{lockKey}
//	runs:active:{workspaceId}:{projectId}[:{documentUuid}]
//	evaluations:active:{workspaceId}:{projectId}
//	{namespace}:{channelId}:logs

const (
	lockPrefix              = "lock"
	activeRunsPrefix        = "runs:active"
	activeEvaluationsPrefix = "evaluations:active"
	streamSuffix            = "logs"
)

// Key joins key segments with ':'. Empty segments are dropped so optional
// trailing parts (like a document uuid) do not leave a dangling separator.
func Key(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ":")
}

// LockKey returns the marker key for a distributed lock.
// Pattern: lock:{lockKey}
func LockKey(lockKey string) string {
	return Key(lockPrefix, lockKey)
}

// ActiveRunsPrefix is the key prefix shared by both run registries.
func ActiveRunsPrefix() string {
	return activeRunsPrefix
}

// ActiveEvaluationsPrefix is the key prefix of the evaluation registry.
func ActiveEvaluationsPrefix() string {
	return activeEvaluationsPrefix
}

// ActiveRunsKey returns the hash key holding active runs for a scope.
// Pattern: runs:active:{workspaceId}:{projectId}[:{documentUuid}]
func ActiveRunsKey(workspaceID, projectID int64, documentUUID string) string {
	return Key(activeRunsPrefix, FormatID(workspaceID), FormatID(projectID), documentUUID)
}

// ActiveEvaluationsKey returns the hash key holding active evaluations.
// Pattern: evaluations:active:{workspaceId}:{projectId}
func ActiveEvaluationsKey(workspaceID, projectID int64) string {
	return Key(activeEvaluationsPrefix, FormatID(workspaceID), FormatID(projectID))
}

// StreamKey returns the key of a capped event stream.
// Pattern: {namespace}:{channelId}:logs
func StreamKey(namespace, channelID string) string {
	return Key(namespace, channelID, streamSuffix)
}

// FormatID renders a numeric id as a key segment.
func FormatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
