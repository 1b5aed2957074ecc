package provider

import (
	"context"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"llmctl/internal/errors"
	"llmctl/internal/logging"
)

// MessagesClient is the subset of the Anthropic SDK the adapter uses. It is
// satisfied by *sdk.MessageService, so tests can substitute a mock.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicAdapter dispatches to the Claude Messages API.
type AnthropicAdapter struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
	logger       logging.Logger
}

const defaultAnthropicMaxTokens = 8192

// NewAnthropicAdapter builds an adapter over an existing messages client.
func NewAnthropicAdapter(msg MessagesClient, defaultModel string, maxTokens int) (*AnthropicAdapter, error) {
	if msg == nil {
		return nil, errors.New(errors.CodeValidation, "anthropic messages client is required")
	}
	if defaultModel == "" {
		return nil, errors.New(errors.CodeValidation, "anthropic default model is required")
	}
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &AnthropicAdapter{
		msg:          msg,
		defaultModel: defaultModel,
		maxTokens:    maxTokens,
		logger:       logging.NewComponentLogger("AnthropicAdapter"),
	}, nil
}

// NewAnthropicAdapterFromAPIKey constructs the adapter with a real SDK client.
func NewAnthropicAdapterFromAPIKey(apiKey, defaultModel string, maxTokens int) (*AnthropicAdapter, error) {
	if apiKey == "" {
		return nil, errors.New(errors.CodeValidation, "anthropic api key is required")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropicAdapter(&client.Messages, defaultModel, maxTokens)
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

// Dispatch sends the envelope as one user turn. The system contract and
// agent profile travel as system blocks; the remaining sections become the
// user message body.
func (a *AnthropicAdapter) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	if req.Envelope == nil {
		return nil, errors.New(errors.CodeValidation, "anthropic dispatch requires an envelope")
	}
	if err := req.Envelope.Validate(); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = a.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = a.maxTokens
	}

	var system []sdk.TextBlockParam
	if req.Envelope.SystemContract != "" {
		system = append(system, sdk.TextBlockParam{Text: req.Envelope.SystemContract})
	}
	if req.Envelope.AgentProfile != "" {
		system = append(system, sdk.TextBlockParam{Text: req.Envelope.AgentProfile})
	}

	var user strings.Builder
	if req.Envelope.TaskContext != "" {
		user.WriteString(req.Envelope.TaskContext)
		user.WriteString("\n\n")
	}
	user.WriteString(req.Envelope.UserRequest)
	if req.Envelope.OutputContract != "" {
		user.WriteString("\n\n")
		user.WriteString(req.Envelope.OutputContract)
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Model:     sdk.Model(model),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(user.String()))},
	}
	if len(system) > 0 {
		params.System = system
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	started := time.Now()
	msg, err := a.msg.New(ctx, params)
	finished := time.Now()
	if err != nil {
		code := errors.ClassifyProvider(err)
		a.logger.Warn("dispatch %s failed as %s: %v", req.DispatchID, code, err)
		return nil, errors.Wrap(code, err, "anthropic dispatch %s", req.DispatchID)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &Result{
		ContractVersion: ContractVersion,
		Status:          StatusSuccess,
		ExitCode:        0,
		StartedAt:       started,
		FinishedAt:      finished,
		Stdout:          text.String(),
		Provider:        a.Name(),
		Model:           model,
		InputTokens:     msg.Usage.InputTokens,
		OutputTokens:    msg.Usage.OutputTokens,
		StopReason:      string(msg.StopReason),
		Metadata: map[string]any{
			"provider_dispatch_id": req.DispatchID,
			"message_id":           msg.ID,
		},
	}, nil
}
