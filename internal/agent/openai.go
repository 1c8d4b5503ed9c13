// Package agent supplies the default domain.AgentInvoker/domain.ToolInvoker
// implementations the Coordinator's Agent/Tool nodes delegate to (spec §4.4,
// §6). It is grounded on the teacher's
// application/executor.OpenAICompletionExecutor: the same API-key
// resolution order (per-agent config, then execution variable, then a
// process-wide default) and the same sashabaranov/go-openai client, adapted
// from a per-node-type NodeExecutor into the kernel's by-id AgentInvoker
// shape — an Agent node's config only ever names an agentID, so resolution
// happens against an AgentSpec registry rather than the node's own config
// bag.
package agent

import (
	"context"
	"fmt"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/smilemakc/flowkernel/internal/domain"
)

// Spec is one agent's static configuration: the model it runs, its system
// prompt, and an optional per-agent API key override.
type Spec struct {
	Model        string
	SystemPrompt string
	APIKey       string
	Temperature  float32
	MaxTokens    int
}

// OpenAIInvoker is the default domain.AgentInvoker: every agent id resolves
// to a Spec in its registry, and invocation is one OpenAI chat completion
// call per Agent node execution.
type OpenAIInvoker struct {
	defaultAPIKey string

	mu    sync.RWMutex
	specs map[string]Spec
}

// NewOpenAIInvoker builds an invoker with a fallback API key used by any
// agent whose own Spec.APIKey is empty (spec §6's "API key can be provided
// ... as default during construction").
func NewOpenAIInvoker(defaultAPIKey string) *OpenAIInvoker {
	return &OpenAIInvoker{defaultAPIKey: defaultAPIKey, specs: make(map[string]Spec)}
}

// Register adds or replaces an agent's Spec.
func (o *OpenAIInvoker) Register(agentID string, spec Spec) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.specs[agentID] = spec
}

// InvokeAgent implements domain.AgentInvoker. The node's resolved input is
// expected to carry a "prompt" (or "message") string — reference-expression
// resolution already ran upstream in the Coordinator, so this call never
// does its own ${...} substitution.
func (o *OpenAIInvoker) InvokeAgent(ctx context.Context, agentID string, input map[string]any, execCtx *domain.ExecutionContext) (map[string]any, error) {
	o.mu.RLock()
	spec, ok := o.specs[agentID]
	o.mu.RUnlock()
	if !ok {
		return nil, domain.NewKernelError(domain.KindNotFound, "no such agent: "+agentID, nil)
	}

	apiKey := spec.APIKey
	if apiKey == "" {
		if v, ok := execCtx.Variable("openai_api_key"); ok {
			if s, ok := v.(string); ok && s != "" {
				apiKey = s
			}
		}
	}
	if apiKey == "" {
		apiKey = o.defaultAPIKey
	}
	if apiKey == "" {
		return nil, domain.NewValidationError("agent " + agentID + ": no OpenAI API key resolved from spec, context, or default")
	}

	prompt, _ := input["prompt"].(string)
	if prompt == "" {
		prompt, _ = input["message"].(string)
	}
	if prompt == "" {
		return nil, domain.NewValidationError("agent " + agentID + ": resolved input has no 'prompt' or 'message'")
	}

	model := spec.Model
	if model == "" {
		model = "gpt-4o"
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if spec.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: spec.SystemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	client := openai.NewClient(apiKey)
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: spec.Temperature,
		MaxTokens:   spec.MaxTokens,
	})
	if err != nil {
		return nil, domain.NewNodeExecutionError(agentID, fmt.Sprintf("openai completion failed: %v", err), err)
	}
	if len(resp.Choices) == 0 {
		return nil, domain.NewNodeExecutionError(agentID, "openai returned no choices", nil)
	}

	return map[string]any{
		"output":           resp.Choices[0].Message.Content,
		"finishReason":     string(resp.Choices[0].FinishReason),
		"promptTokens":     resp.Usage.PromptTokens,
		"completionTokens": resp.Usage.CompletionTokens,
	}, nil
}
