// Package activework defines the items and scopes of the active-work
// registries and wires them onto the generic registry:
//
//	runs:active:{workspaceId}:{projectId}                 active runs of a project
//	runs:active:{workspaceId}:{projectId}:{documentUuid}  active runs of a document
//	evaluations:active:{workspaceId}:{projectId}          active evaluations
//
// A run is usually tracked in both run registries at once so the project
// overview and the document view can each list it with one hash read.
package activework
