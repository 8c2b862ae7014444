// Package providers holds the concrete Model Client implementations:
// bedrock, openai, and a mock used by the model, extractor, planner and
// nlg unit tests so they never touch the network, grounded on the teacher framework's
// ai/providers/mock convention of the same name.
package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/turnpipe/turnpipe/internal/model"
)

// MockClient returns a caller-scripted sequence of responses and an
// error once the script is exhausted. Used by extractor/planner/nlg unit
// tests.
type MockClient struct {
	responses []mockResponse
	calls     int
}

type mockResponse struct {
	data json.RawMessage
	err  error
}

// NewMockClient creates an empty mock; use WithResponse/WithError to
// script it before passing to a stage under test.
func NewMockClient() *MockClient {
	return &MockClient{}
}

// WithResponse appends a successful response to the script.
func (m *MockClient) WithResponse(data string) *MockClient {
	m.responses = append(m.responses, mockResponse{data: json.RawMessage(data)})
	return m
}

// WithError appends a failing response to the script.
func (m *MockClient) WithError(err error) *MockClient {
	m.responses = append(m.responses, mockResponse{err: err})
	return m
}

// Generate returns the next scripted response, or a "no scripted
// response" error once the script is exhausted.
func (m *MockClient) Generate(ctx context.Context, prompt model.Prompt) (json.RawMessage, error) {
	if m.calls >= len(m.responses) {
		return nil, fmt.Errorf("mock client: no scripted response for call %d", m.calls+1)
	}
	resp := m.responses[m.calls]
	m.calls++
	if resp.err != nil {
		return nil, resp.err
	}
	return resp.data, nil
}

// CallCount reports how many times Generate has been invoked, used by
// tests asserting the two-strikes retry behavior.
func (m *MockClient) CallCount() int { return m.calls }
