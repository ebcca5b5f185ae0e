package codelink

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// RequestID identifies a request-response pair. JSON-RPC 2.0 allows ids to be
// strings or numbers; RequestID preserves the original form so that an id
// arriving as a number is echoed back as a number.
//
// The zero value means "no id" and marks a message as a notification.
type RequestID struct {
	// Value holds the id rendered as a string.
	Value string
	// Number records that the id arrived as a JSON number and must be
	// emitted as one.
	Number bool
}

// IsZero reports whether the id is absent.
func (r RequestID) IsZero() bool {
	return r.Value == "" && !r.Number
}

// String returns the id rendered as a string, for logging and map keys.
func (r RequestID) String() string {
	return r.Value
}

// UnmarshalJSON implements json.Unmarshaler, accepting both string and
// numeric ids.
func (r *RequestID) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case nil:
		*r = RequestID{}
	case string:
		*r = RequestID{Value: v}
	case float64:
		*r = RequestID{Value: strconv.FormatFloat(v, 'f', -1, 64), Number: true}
	default:
		return fmt.Errorf("invalid id type: %T", v)
	}

	return nil
}

// MarshalJSON implements json.Marshaler, emitting the id in the form it
// arrived in.
func (r RequestID) MarshalJSON() ([]byte, error) {
	if r.IsZero() {
		return []byte("null"), nil
	}
	if r.Number {
		return []byte(r.Value), nil
	}
	return json.Marshal(r.Value)
}

// RPCError is the error object carried by JSON-RPC 2.0 error responses.
type RPCError struct {
	// Code indicates the error type that occurred.
	// Uses the reserved JSON-RPC codes or custom codes outside that range.
	Code int `json:"code"`

	// Message provides a short description of the error.
	Message string `json:"message"`

	// Data contains additional unstructured information about the error.
	Data map[string]any `json:"data,omitempty"`
}

func (e RPCError) Error() string {
	return fmt.Sprintf("request error, code: %d, message: %s, data %v", e.Code, e.Message, e.Data)
}

// Info identifies an implementation taking part in a session, exchanged
// during the initialize handshake.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities advertises the optional protocol features this server
// supports, included in the initialize result.
type ServerCapabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
}

// ToolsCapability signals tool support and whether the server emits
// notifications when its tool list changes.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ResourcesCapability signals resource support and whether the server emits
// notifications when its resource list changes.
type ResourcesCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ClientCapabilities describes the optional features the connecting client
// supports. The server records them but does not require any.
type ClientCapabilities struct {
	Roots *RootsCapability `json:"roots,omitempty"`
}

// RootsCapability signals that the client can report workspace roots.
type RootsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// Tool describes a callable tool: its name, a human-readable description,
// and a JSON Schema (draft-07) constraining its arguments.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult is the result payload of a tools/list request.
type ListToolsResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// CallToolParams carries the tool name and arguments of a tools/call request.
type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallToolResult is the result payload of a tools/call request. Content
// holds typed blocks; IsError marks a tool-level failure that is reported
// as a result rather than a protocol error.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// ContentType discriminates content blocks in tool results.
type ContentType string

// Content block types.
const (
	ContentTypeText ContentType = "text"
)

// Content is one typed block inside a tool result.
type Content struct {
	Type ContentType `json:"type"`
	Text string      `json:"text,omitempty"`
}

// TextContent builds a single-element text content slice, the common shape
// of tool results.
func TextContent(text string) []Content {
	return []Content{{Type: ContentTypeText, Text: text}}
}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ClientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

type notificationsCancelledParams struct {
	RequestID RequestID `json:"requestId"`
	Reason    string    `json:"reason"`
}

// Reserved JSON-RPC error codes, plus the implementation-specific code
// returned when a method is called before the initialize handshake has
// completed.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
	ErrCodeNotInitialized = -32002
)

const (
	// JSONRPCVersion specifies the JSON-RPC protocol version used for communication.
	JSONRPCVersion = "2.0"

	// MethodToolsList is the method name for retrieving a list of available tools.
	MethodToolsList = "tools/list"
	// MethodToolsCall is the method name for invoking a specific tool.
	MethodToolsCall = "tools/call"

	protocolVersion = "2024-11-05"

	methodPing       = "ping"
	methodInitialize = "initialize"

	methodNotificationsInitialized      = "notifications/initialized"
	methodNotificationsCancelled        = "notifications/cancelled"
	methodNotificationsToolsListChanged = "notifications/tools/list_changed"

	errMsgNotInitialized = "Server not initialized"
	errMsgInternalError  = "Internal error"
)
