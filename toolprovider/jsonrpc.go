package toolprovider

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 framing used on the provider's stdio, one message per line.

const jsonRPCVersion = "2.0"

// codeMethodNotFound is the JSON-RPC code for a method the peer does not serve.
const codeMethodNotFound = -32601

// request is a JSON-RPC request or, when ID is nil, a notification.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// message is any inbound frame: a response to one of our requests, or a
// request/notification initiated by the server.
type message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// reply is an outbound response to a server-initiated request.
type reply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (m *message) isResponse() bool { return m.Method == "" && len(m.ID) > 0 }

func (m *message) isServerRequest() bool { return m.Method != "" && len(m.ID) > 0 }

// idKey normalises a JSON id so responses route to the request that sent it.
func idKey(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func encodeFrame(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return append(data, '\n'), nil
}

func decodeMessage(line []byte) (*message, error) {
	var m message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, err
	}
	if m.JSONRPC != jsonRPCVersion {
		return nil, fmt.Errorf("invalid JSON-RPC version %q", m.JSONRPC)
	}
	return &m, nil
}
