package scan

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
)

// Remote is a Scanner speaking newline-delimited JSON-RPC 2.0 to an external
// vulnerability scanner over a unix socket.
type Remote struct {
	socketPath string
}

// NewRemote creates a scanner client for the daemon at socketPath.
func NewRemote(socketPath string) *Remote {
	return &Remote{socketPath: socketPath}
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
	ID      int            `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type scanResult struct {
	Findings []Finding `json:"findings"`
}

// Scan asks the external daemon for the image's findings.
func (r *Remote) Scan(ctx context.Context, imageRef string) ([]Finding, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", r.socketPath)
	if err != nil {
		return nil, fmt.Errorf("could not connect to scanner socket at %s: %w", r.socketPath, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	request := rpcRequest{
		JSONRPC: "2.0",
		Method:  "scan.image",
		Params:  map[string]any{"image_ref": imageRef},
		ID:      1,
	}
	reqBytes, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON-RPC request: %w", err)
	}

	// The scanner expects newline-delimited requests.
	if _, err = conn.Write(append(reqBytes, '\n')); err != nil {
		return nil, fmt.Errorf("failed to write to scanner socket: %w", err)
	}

	resBytes, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read response from scanner socket: %w", err)
	}

	var response rpcResponse
	if err := json.Unmarshal(resBytes, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON-RPC response: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("scanner error: %s (code: %d)", response.Error.Message, response.Error.Code)
	}

	var result scanResult
	if err := json.Unmarshal(response.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal scan result: %w", err)
	}
	return result.Findings, nil
}
