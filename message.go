package codelink

import (
	"encoding/json"
	"fmt"
)

// Message is the tagged union of JSON-RPC 2.0 message kinds exchanged on a
// session: Request, Notification, Response, and ErrorResponse. Values are
// produced by ParseMessage, which validates the envelope, so the rest of the
// package never sees a structurally invalid message.
type Message interface {
	rpc()
}

// Request is a method call expecting a reply correlated by ID.
type Request struct {
	ID     RequestID
	Method string
	Params json.RawMessage
}

func (Request) rpc() {}

// Notification is a method call that never receives a reply.
type Notification struct {
	Method string
	Params json.RawMessage
}

func (Notification) rpc() {}

// Response is a successful reply to the request with the same ID.
type Response struct {
	ID     RequestID
	Result json.RawMessage
}

func (Response) rpc() {}

// ErrorResponse is a failed reply. Its ID may be absent when the failing
// request's id could not be recovered, in which case it is emitted as null.
type ErrorResponse struct {
	ID  RequestID
	Err RPCError
}

func (ErrorResponse) rpc() {}

// wireMessage is the on-the-wire JSON-RPC envelope shared by all message
// kinds.
type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// ParseMessage deserializes and validates one JSON-RPC 2.0 message.
//
// Malformed JSON yields an RPCError with ErrCodeParse. A structurally valid
// JSON object that is not a well-formed JSON-RPC 2.0 message (wrong version,
// both result and error, a method combined with a result, or none of the
// discriminating members) yields an RPCError with ErrCodeInvalidRequest.
func ParseMessage(data []byte) (Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, RPCError{
			Code:    ErrCodeParse,
			Message: "Parse error",
			Data:    map[string]any{"error": err.Error()},
		}
	}

	if wire.JSONRPC != JSONRPCVersion {
		return nil, invalidRequest("jsonrpc version must be " + JSONRPCVersion)
	}

	var id RequestID
	if len(wire.ID) > 0 {
		if err := json.Unmarshal(wire.ID, &id); err != nil {
			return nil, invalidRequest("id must be a string or a number")
		}
	}

	hasResult := len(wire.Result) > 0
	hasError := wire.Error != nil

	switch {
	case wire.Method != "":
		if hasResult || hasError {
			return nil, invalidRequest("method cannot be combined with result or error")
		}
		if id.IsZero() {
			return Notification{Method: wire.Method, Params: wire.Params}, nil
		}
		return Request{ID: id, Method: wire.Method, Params: wire.Params}, nil
	case hasResult && hasError:
		return nil, invalidRequest("result and error are mutually exclusive")
	case hasError:
		return ErrorResponse{ID: id, Err: *wire.Error}, nil
	case hasResult:
		if id.IsZero() {
			return nil, invalidRequest("response requires an id")
		}
		return Response{ID: id, Result: wire.Result}, nil
	default:
		return nil, invalidRequest("message has neither method nor result nor error")
	}
}

// EncodeMessage serializes a Message to its canonical wire form. Encoding a
// parsed message yields bytes that parse back to the same message.
func EncodeMessage(msg Message) ([]byte, error) {
	wire := wireMessage{JSONRPC: JSONRPCVersion}

	switch m := msg.(type) {
	case Request:
		if m.ID.IsZero() {
			return nil, fmt.Errorf("request requires an id")
		}
		wire.ID = mustMarshalID(m.ID)
		wire.Method = m.Method
		wire.Params = m.Params
	case Notification:
		wire.Method = m.Method
		wire.Params = m.Params
	case Response:
		if m.ID.IsZero() {
			return nil, fmt.Errorf("response requires an id")
		}
		wire.ID = mustMarshalID(m.ID)
		wire.Result = m.Result
		if len(wire.Result) == 0 {
			wire.Result = json.RawMessage("null")
		}
	case ErrorResponse:
		err := m.Err
		wire.ID = mustMarshalID(m.ID)
		wire.Error = &err
	default:
		return nil, fmt.Errorf("unknown message type: %T", msg)
	}

	return json.Marshal(wire)
}

// mustMarshalID renders an id; RequestID.MarshalJSON cannot fail.
func mustMarshalID(id RequestID) json.RawMessage {
	raw, _ := id.MarshalJSON()
	return raw
}

func invalidRequest(detail string) RPCError {
	return RPCError{
		Code:    ErrCodeInvalidRequest,
		Message: "Invalid request",
		Data:    map[string]any{"error": detail},
	}
}
