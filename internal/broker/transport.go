package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/turnpipe/turnpipe/internal/dialogue"
	"github.com/turnpipe/turnpipe/internal/tenant"
)

// TransportResult is one transport attempt's raw outcome, before the
// broker's retry/circuit-breaker logic interprets it.
type TransportResult struct {
	StatusCode       int
	Payload          map[string]interface{}
	RetryAfterHeader string
}

// Transport dispatches one Tool Call to its backing service. A returned
// error means the attempt never produced an HTTP-style result at all
// (network failure, context deadline) and is always treated as a
// transport-level retryable failure by the broker (subject to
// retry_safe). A non-nil TransportResult with no error means the tool
// was reached; StatusCode governs retryability.
type Transport interface {
	Invoke(ctx context.Context, call dialogue.ToolCall, policy tenant.ToolPolicy) (*TransportResult, error)
}

// HTTPTransport dispatches tool calls as JSON-over-HTTP POST requests,
// per spec.md's header/credential and body-size-guardrail contract.
type HTTPTransport struct {
	client       *http.Client
	maxBodyBytes int64
}

// NewHTTPTransport builds an HTTP transport. maxBodyBytes bounds both
// the outbound request body and the inbound response body.
func NewHTTPTransport(client *http.Client, maxBodyBytes int64) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{client: client, maxBodyBytes: maxBodyBytes}
}

func (t *HTTPTransport) Invoke(ctx context.Context, call dialogue.ToolCall, policy tenant.ToolPolicy) (*TransportResult, error) {
	if policy.EndpointURL == "" {
		return nil, fmt.Errorf("http transport: no endpoint configured for tool %s", call.ToolName)
	}

	body, err := json.Marshal(call.Args)
	if err != nil {
		return nil, fmt.Errorf("http transport: encoding args for %s: %w", call.ToolName, err)
	}
	if int64(len(body)) > t.maxBodyBytes {
		return &TransportResult{StatusCode: http.StatusRequestEntityTooLarge}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, policy.EndpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("http transport: building request for %s: %w", call.ToolName, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tool-Name", call.ToolName)
	req.Header.Set("X-Tool-Retry-Safe", strconv.FormatBool(call.RetrySafe))
	if policy.CredentialHeader != "" {
		req.Header.Set(policy.CredentialHeader, policy.CredentialValue)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("http transport: reading response from %s: %w", call.ToolName, err)
	}
	if int64(len(raw)) > t.maxBodyBytes {
		return &TransportResult{StatusCode: http.StatusRequestEntityTooLarge}, nil
	}

	var payload map[string]interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			payload = map[string]interface{}{"raw": string(raw)}
		}
	}

	return &TransportResult{
		StatusCode:       resp.StatusCode,
		Payload:          payload,
		RetryAfterHeader: resp.Header.Get("Retry-After"),
	}, nil
}

// RPCHandler is an in-process tool implementation, for tools that are
// internal services rather than HTTP endpoints.
type RPCHandler func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)

// RPCTransport dispatches tool calls to registered in-process handlers.
// An application error from the handler is treated like a 5xx: eligible
// for retry if the tool is retry-safe.
type RPCTransport struct {
	handlers map[string]RPCHandler
}

// NewRPCTransport creates an empty RPC transport; register handlers
// with Register before use.
func NewRPCTransport() *RPCTransport {
	return &RPCTransport{handlers: make(map[string]RPCHandler)}
}

// Register binds toolName to handler.
func (t *RPCTransport) Register(toolName string, handler RPCHandler) {
	t.handlers[toolName] = handler
}

func (t *RPCTransport) Invoke(ctx context.Context, call dialogue.ToolCall, policy tenant.ToolPolicy) (*TransportResult, error) {
	handler, ok := t.handlers[call.ToolName]
	if !ok {
		return nil, fmt.Errorf("rpc transport: no handler registered for tool %s", call.ToolName)
	}
	payload, err := handler(ctx, call.Args)
	if err != nil {
		return &TransportResult{StatusCode: http.StatusInternalServerError, Payload: map[string]interface{}{"error": err.Error()}}, nil
	}
	return &TransportResult{StatusCode: http.StatusOK, Payload: payload}, nil
}
