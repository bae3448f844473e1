package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	openai "github.com/sashabaranov/go-openai"

	"github.com/msageha/foreman/internal/events"
	"github.com/msageha/foreman/internal/model"
)

const systemPrompt = "You are a software implementation worker. You are given " +
	"one unit of work at a time with its plan context and acceptance criteria. " +
	"Use the available tools to inspect and change the project. When the work " +
	"is done, reply with a plain-text summary and no tool calls."

// Toolset exposes callable tools to the worker. Invoke receives the raw JSON
// argument payload as produced by the model.
type Toolset interface {
	Specs() []openai.Tool
	Invoke(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// NoTools is a Toolset with nothing in it. The worker then answers every
// task in a single text turn.
type NoTools struct{}

func (NoTools) Specs() []openai.Tool { return nil }

func (NoTools) Invoke(_ context.Context, name string, _ json.RawMessage) (string, error) {
	return "", fmt.Errorf("no such tool: %s", name)
}

// OpenAIWorker is the production Worker backed by an OpenAI-compatible
// chat-completion endpoint.
type OpenAIWorker struct {
	client *openai.Client
	model  string
	pacer  *Pacer
	tools  Toolset
}

// NewOpenAIWorker builds a worker from config. The API key is read from the
// environment variable named in cfg; base_url overrides the endpoint for
// self-hosted OpenAI-compatible servers.
func NewOpenAIWorker(cfg model.WorkerConfig, pacer *Pacer, tools Toolset) (*OpenAIWorker, error) {
	apiKey := os.Getenv(cfg.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("worker API key: environment variable %s not set", cfg.APIKeyEnv)
	}
	if tools == nil {
		tools = NoTools{}
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIWorker{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		pacer:  pacer,
		tools:  tools,
	}, nil
}

// Open implements Worker.
func (w *OpenAIWorker) Open(_ context.Context, runID string) (Session, error) {
	return &openAISession{worker: w, runID: runID}, nil
}

type openAISession struct {
	worker   *OpenAIWorker
	runID    string
	messages []openai.ChatCompletionMessage
	closed   bool
}

// Stream implements Session. Each call starts a fresh conversation for the
// task; the message history stays on the session for Final.
func (s *openAISession) Stream(ctx context.Context, task string, maxSteps int) (*Stream, error) {
	if s.closed {
		return nil, fmt.Errorf("session closed")
	}

	s.messages = []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
		{Role: openai.ChatMessageRoleUser, Content: task},
	}

	ch := make(chan events.Record, 16)
	st, fail := NewStream(ch)

	go func() {
		defer close(ch)
		if err := s.runLoop(ctx, ch, maxSteps); err != nil {
			fail(err)
		}
	}()

	return st, nil
}

// runLoop drives the tool-calling conversation until the model answers with
// no tool calls, the step budget runs out, or the context ends.
func (s *openAISession) runLoop(ctx context.Context, ch chan<- events.Record, maxSteps int) error {
	w := s.worker

	for step := 1; maxSteps <= 0 || step <= maxSteps; step++ {
		if err := w.pacer.Wait(ctx); err != nil {
			return classify("pace", err)
		}

		resp, err := w.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    w.model,
			Messages: s.messages,
			Tools:    w.tools.Specs(),
		})
		if err != nil {
			return classify("chat completion", err)
		}
		if len(resp.Choices) == 0 {
			return classify("chat completion", fmt.Errorf("empty choices in response"))
		}

		msg := resp.Choices[0].Message
		s.messages = append(s.messages, msg)

		if msg.Content != "" {
			rec := events.New(events.KindText)
			rec.RunID = s.runID
			rec.Step = step
			rec.Text = msg.Content
			if !send(ctx, ch, rec) {
				return classify("stream", ctx.Err())
			}
		}

		if len(msg.ToolCalls) == 0 {
			return nil
		}

		for _, tc := range msg.ToolCalls {
			if err := s.runTool(ctx, ch, step, tc); err != nil {
				return err
			}
		}
	}

	return &Error{Op: "stream", Err: ErrStepCeiling}
}

// runTool emits the tool_call record, invokes the tool, appends the tool
// message to the history, and emits the tool_result record. Tool failures
// are reported back to the model rather than terminating the stream.
func (s *openAISession) runTool(ctx context.Context, ch chan<- events.Record, step int, tc openai.ToolCall) error {
	name := tc.Function.Name
	args := json.RawMessage(tc.Function.Arguments)

	call := events.New(events.KindToolCall)
	call.RunID = s.runID
	call.Step = step
	call.Tool = name
	call.Payload = decodeArgs(tc.Function.Arguments)
	if !send(ctx, ch, call) {
		return classify("stream", ctx.Err())
	}

	output, err := s.worker.tools.Invoke(ctx, name, args)
	result := events.New(events.KindToolResult)
	result.RunID = s.runID
	result.Step = step
	result.Tool = name
	if err != nil {
		output = fmt.Sprintf("tool error: %v", err)
		result.Payload = map[string]any{"error": err.Error()}
	} else {
		result.Payload = map[string]any{"output": output}
	}
	if !send(ctx, ch, result) {
		return classify("stream", ctx.Err())
	}

	s.messages = append(s.messages, openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		Content:    output,
		ToolCallID: tc.ID,
	})
	return nil
}

// Final implements Session. It asks for the final result on top of the
// session's accumulated conversation, with tools withheld.
func (s *openAISession) Final(ctx context.Context, task string) (string, error) {
	if s.closed {
		return "", fmt.Errorf("session closed")
	}
	if err := s.worker.pacer.Wait(ctx); err != nil {
		return "", classify("pace", err)
	}

	messages := append(append([]openai.ChatCompletionMessage{}, s.messages...),
		openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: task,
		})

	resp, err := s.worker.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    s.worker.model,
		Messages: messages,
	})
	if err != nil {
		return "", classify("final", err)
	}
	if len(resp.Choices) == 0 {
		return "", classify("final", fmt.Errorf("empty choices in response"))
	}
	return resp.Choices[0].Message.Content, nil
}

// Close implements Session.
func (s *openAISession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.messages = nil
	return nil
}

func send(ctx context.Context, ch chan<- events.Record, rec events.Record) bool {
	select {
	case ch <- rec:
		return true
	case <-ctx.Done():
		return false
	}
}

func decodeArgs(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return map[string]any{"raw_args": raw}
	}
	return payload
}
