// Package command implements the local control plane: a JSON-RPC 2.0
// server on a Unix domain socket, the matching client used by the CLI,
// and the command handlers.
package command

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/weft/internal/log"
)

// NodeAPI is what the handlers need from the running daemon.
type NodeAPI interface {
	Status() StatusResult
	Peers(rootsOnly bool) []PeerInfo
	Paths() []PathInfo
	Shutdown()
}

// StatusResult is the daemon status snapshot.
type StatusResult struct {
	Address  string         `json:"address"`
	Uptime   string         `json:"uptime"`
	Peers    int            `json:"peers"`
	Roots    int            `json:"roots"`
	Networks []string       `json:"networks"`
	Switch   map[string]int `json:"switch"`
	Dispatch map[string]any `json:"dispatch"`
}

// PeerInfo describes one peer for the CLI.
type PeerInfo struct {
	Address   string   `json:"address"`
	Root      bool     `json:"root"`
	Direct    bool     `json:"direct"`
	LatencyMS int64    `json:"latency_ms"`
	Paths     []string `json:"paths"`
}

// PathInfo describes one canonical path.
type PathInfo struct {
	LocalSocket int64  `json:"local_socket"`
	Remote      string `json:"remote"`
}

// Command is one control plane request.
type Command struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	ID     string          `json:"id"`
}

// Response is a command response.
type Response struct {
	ID     string      `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo carries a JSON-RPC error.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// JSON-RPC 2.0 error codes.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
)

// Handler routes control plane commands to the daemon.
type Handler struct {
	node NodeAPI
}

// NewHandler creates a command handler.
func NewHandler(node NodeAPI) *Handler {
	return &Handler{node: node}
}

// PeersParams filters the peers command.
type PeersParams struct {
	RootsOnly bool `mapstructure:"roots_only"`
}

// Handle processes one command.
func (h *Handler) Handle(ctx context.Context, cmd Command) Response {
	log.GetLogger().Debugf("handling command %s (id %s)", cmd.Method, cmd.ID)

	switch cmd.Method {
	case "status":
		return Response{ID: cmd.ID, Result: h.node.Status()}

	case "peers":
		var p PeersParams
		if err := decodeParams(cmd.Params, &p); err != nil {
			return errorResponse(cmd.ID, ErrCodeInvalidParams, err.Error())
		}
		return Response{ID: cmd.ID, Result: h.node.Peers(p.RootsOnly)}

	case "paths":
		return Response{ID: cmd.ID, Result: h.node.Paths()}

	case "stop":
		h.node.Shutdown()
		return Response{ID: cmd.ID, Result: "stopping"}

	default:
		return errorResponse(cmd.ID, ErrCodeMethodNotFound, fmt.Sprintf("method %q not found", cmd.Method))
	}
}

// decodeParams decodes loosely typed JSON params into a typed struct.
func decodeParams(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("invalid params: %v", err)
	}
	if err := mapstructure.Decode(m, out); err != nil {
		return fmt.Errorf("invalid params: %v", err)
	}
	return nil
}

func errorResponse(id string, code int, msg string) Response {
	return Response{ID: id, Error: &ErrorInfo{Code: code, Message: msg}}
}
