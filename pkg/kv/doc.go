// Package kv wraps the shared Redis store used by the coordination layer.
//
// The store is the only shared resource between worker processes. Every
// component (locks, active-work registries, event streams) receives a *Client
// from its constructor; the process that creates the client owns its
// lifecycle and closes it on shutdown.
//
// # Key layout
//
//	lock:{lockKey}                                      string, token
//	runs:active:{workspaceId}:{projectId}[:{document}]  hash, id -> JSON
//	evaluations:active:{workspaceId}:{projectId}        hash, id -> JSON
//	{namespace}:{channelId}:logs                        stream, field "event"
//
// Correctness relies on per-command atomicity of the store plus the
// MULTI/EXEC and WATCH transactions used explicitly by the registries.
package kv
