// Package codelink implements an editor-side gateway that lets a local
// AI-assistant process drive an editor session over JSON-RPC 2.0, layered on
// WebSocket framing and modeled after the Model Context Protocol (MCP).
//
// A Server instance binds a loopback WebSocket endpoint, advertises itself
// through a discovery lock file, authenticates clients with a per-instance
// token, and dispatches tool calls through a bounded, rate-limited request
// queue backed by an LRU response cache. Tool handlers may issue requests
// back to the connected client (for example, presenting a diff and waiting
// for the user to accept or reject it) and block on the reply.
package codelink
