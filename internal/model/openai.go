// ABOUTME: OpenAI-backed Generator driving the chat-completions tool loop.
// ABOUTME: Bridges connected MCP backends' tools into the model as callable functions.

package model

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/2389/mcp-slackbot/internal/agent"
	"github.com/2389/mcp-slackbot/internal/config"
	"github.com/2389/mcp-slackbot/internal/conversation"
)

// systemInstructions pins the assistant to Slack-renderable output.
const systemInstructions = "You are a helpful Slack bot assistant. When responding, you must " +
	"strictly use Slack's mrkdwn formatting syntax only. Do not generate headings (#), tables, " +
	"or any other Markdown features not supported by Slack. Keep your responses readable and concise."

// maxToolRounds bounds the generate/execute loop so a misbehaving model
// cannot spin tool calls forever.
const maxToolRounds = 10

// chatClient is the slice of the OpenAI client the generator uses.
// Substituted in tests.
type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Generator implements agent.Generator on the OpenAI chat-completions API.
// Construction happens exactly once at startup; there is no hidden cache.
type Generator struct {
	client      chatClient
	model       string
	temperature float32
	logger      *slog.Logger
}

// NewGenerator builds a generator from the model configuration. Azure is used
// when azure_endpoint is set; otherwise plain OpenAI, optionally through the
// configured proxy base URL.
func NewGenerator(cfg config.ModelConfig, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}

	var clientCfg openai.ClientConfig
	switch {
	case cfg.AzureEndpoint != "":
		clientCfg = openai.DefaultAzureConfig(cfg.APIKey, cfg.AzureEndpoint)
		if cfg.APIVersion != "" {
			clientCfg.APIVersion = cfg.APIVersion
		}
		logger.Info("using Azure OpenAI endpoint", "endpoint", cfg.AzureEndpoint)
	default:
		clientCfg = openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = cfg.BaseURL
			logger.Info("using OpenAI proxy base URL", "base_url", cfg.BaseURL)
		}
	}

	return &Generator{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Name,
		temperature: cfg.Temperature,
		logger:      logger.With("component", "model"),
	}
}

// boundTool ties an advertised function name back to the backend that owns it.
type boundTool struct {
	provider agent.ToolProvider
	name     string
}

// Generate runs the tool loop: advertise every connected backend's tools,
// let the model call them, and return its final text answer.
func (g *Generator) Generate(ctx context.Context, history []conversation.Message, providers []agent.ToolProvider) (string, error) {
	tools, bindings := g.collectTools(ctx, providers)
	messages := g.buildMessages(history)

	for round := 0; round < maxToolRounds; round++ {
		req := openai.ChatCompletionRequest{
			Model:    g.model,
			Messages: messages,
			Tools:    tools,
		}
		// o3-mini rejects a temperature parameter.
		if g.model != "o3-mini" {
			req.Temperature = g.temperature
		}

		resp, err := g.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return "", fmt.Errorf("chat completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", fmt.Errorf("chat completion returned no choices")
		}

		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			return msg.Content, nil
		}

		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			messages = append(messages, g.executeToolCall(ctx, call, bindings))
		}
	}

	return "", fmt.Errorf("tool loop exceeded %d rounds without a final answer", maxToolRounds)
}

// collectTools gathers tool definitions from every provider. On a name
// collision the first backend wins; the loser is logged and skipped.
// A provider whose listing fails contributes nothing — it stays connected
// but has no tools this turn.
func (g *Generator) collectTools(ctx context.Context, providers []agent.ToolProvider) ([]openai.Tool, map[string]boundTool) {
	var tools []openai.Tool
	bindings := make(map[string]boundTool)

	for _, p := range providers {
		mcpTools, err := p.Tools(ctx)
		if err != nil {
			g.logger.Error("listing backend tools failed", "backend", p.ID(), "error", err)
			continue
		}
		for _, t := range mcpTools {
			if prior, taken := bindings[t.Name]; taken {
				g.logger.Warn("tool name collision, keeping first",
					"tool", t.Name,
					"kept", prior.provider.ID(),
					"skipped", p.ID(),
				)
				continue
			}
			bindings[t.Name] = boundTool{provider: p, name: t.Name}
			tools = append(tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.InputSchema,
				},
			})
		}
	}

	return tools, bindings
}

// buildMessages converts windowed history into the wire format, prefixed with
// the fixed system instructions.
func (g *Generator) buildMessages(history []conversation.Message) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemInstructions,
	})

	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Role == conversation.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: m.Content,
		})
	}
	return messages
}

// executeToolCall runs one model-requested tool call against its backend and
// shapes the outcome as a tool message. Failures are reported back to the
// model as content rather than aborting the turn.
func (g *Generator) executeToolCall(ctx context.Context, call openai.ToolCall, bindings map[string]boundTool) openai.ChatCompletionMessage {
	result := func(content string) openai.ChatCompletionMessage {
		return openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			ToolCallID: call.ID,
			Name:       call.Function.Name,
			Content:    content,
		}
	}

	bound, ok := bindings[call.Function.Name]
	if !ok {
		return result(fmt.Sprintf("error: unknown tool %q", call.Function.Name))
	}

	var args map[string]any
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return result(fmt.Sprintf("error: invalid tool arguments: %v", err))
		}
	}

	g.logger.Debug("executing tool call",
		"tool", call.Function.Name,
		"backend", bound.provider.ID(),
	)

	output, isError, err := bound.provider.CallTool(ctx, bound.name, args)
	if err != nil {
		return result(fmt.Sprintf("error: tool call failed: %v", err))
	}
	if isError {
		return result("tool error: " + output)
	}
	return result(output)
}
