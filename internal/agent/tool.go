package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/smilemakc/flowkernel/internal/domain"
)

// ToolSpec is one tool's static configuration: the HTTP endpoint it calls
// and the parameters it requires, grounded on the teacher's
// HTTPRequestExecutor (application/executor/node_executors.go) — same
// method/URL/headers shape, adapted from a per-node-type executor into a
// by-id registry entry.
type ToolSpec struct {
	Method          string
	URL             string
	Headers         map[string]string
	RequiredParams  []string
}

// HTTPToolInvoker is the default domain.ToolInvoker: every tool id resolves
// to a ToolSpec, and invocation is one HTTP round trip with the node's
// resolved parameters marshaled as the JSON body.
type HTTPToolInvoker struct {
	client *http.Client

	mu    sync.RWMutex
	specs map[string]ToolSpec
}

func NewHTTPToolInvoker() *HTTPToolInvoker {
	return &HTTPToolInvoker{
		client: &http.Client{Timeout: 30 * time.Second},
		specs:  make(map[string]ToolSpec),
	}
}

func (t *HTTPToolInvoker) Register(toolID string, spec ToolSpec) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.specs[toolID] = spec
}

func (t *HTTPToolInvoker) lookup(toolID string) (ToolSpec, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	spec, ok := t.specs[toolID]
	return spec, ok
}

// ValidateParameters implements domain.ToolInvoker: every name in the tool's
// RequiredParams must be present in parameters.
func (t *HTTPToolInvoker) ValidateParameters(ctx context.Context, toolID string, parameters map[string]any) []error {
	spec, ok := t.lookup(toolID)
	if !ok {
		return []error{domain.NewKernelError(domain.KindNotFound, "no such tool: "+toolID, nil)}
	}
	var errs []error
	for _, name := range spec.RequiredParams {
		if _, ok := parameters[name]; !ok {
			errs = append(errs, domain.NewValidationError(fmt.Sprintf("tool %s: missing required parameter %q", toolID, name)))
		}
	}
	return errs
}

// InvokeTool implements domain.ToolInvoker.
func (t *HTTPToolInvoker) InvokeTool(ctx context.Context, toolID string, parameters map[string]any) (map[string]any, error) {
	spec, ok := t.lookup(toolID)
	if !ok {
		return nil, domain.NewKernelError(domain.KindNotFound, "no such tool: "+toolID, nil)
	}

	method := spec.Method
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if len(parameters) > 0 {
		raw, err := json.Marshal(parameters)
		if err != nil {
			return nil, domain.NewValidationError("tool " + toolID + ": failed to marshal parameters: " + err.Error())
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, spec.URL, body)
	if err != nil {
		return nil, domain.NewNodeExecutionError(toolID, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, domain.NewNodeExecutionError(toolID, "tool request failed", err)
	}
	defer resp.Body.Close()
	latency := time.Since(start)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.NewNodeExecutionError(toolID, "failed to read tool response", err)
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		decoded = string(raw)
	}

	return map[string]any{
		"statusCode": resp.StatusCode,
		"body":       decoded,
		"latencyMs":  latency.Milliseconds(),
	}, nil
}
