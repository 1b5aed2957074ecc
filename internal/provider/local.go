package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"llmctl/internal/errors"
	"llmctl/internal/logging"
)

// LocalAdapter dispatches to an OpenAI-compatible local inference server
// (llama.cpp server, vLLM, Ollama's compat endpoint).
type LocalAdapter struct {
	baseURL      string
	defaultModel string
	httpClient   *http.Client
	logger       logging.Logger
}

// NewLocalAdapter builds an adapter for the given base URL.
func NewLocalAdapter(baseURL, defaultModel string, httpClient *http.Client) (*LocalAdapter, error) {
	if baseURL == "" {
		return nil, errors.New(errors.CodeValidation, "local adapter base url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &LocalAdapter{
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		httpClient:   httpClient,
		logger:       logging.NewComponentLogger("LocalAdapter"),
	}, nil
}

func (a *LocalAdapter) Name() string { return "local" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Stream    bool          `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// Dispatch sends the envelope as a system+user chat completion.
func (a *LocalAdapter) Dispatch(ctx context.Context, req *Request) (*Result, error) {
	if req.Envelope == nil {
		return nil, errors.New(errors.CodeValidation, "local dispatch requires an envelope")
	}
	if err := req.Envelope.Validate(); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = a.defaultModel
	}

	var msgs []chatMessage
	system := strings.TrimSpace(req.Envelope.SystemContract + "\n" + req.Envelope.AgentProfile)
	if system != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: system})
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
	msgs = append(msgs, chatMessage{Role: "user", Content: user.String()})

	body, err := json.Marshal(chatRequest{
		Model:     model,
		Messages:  msgs,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := a.httpClient.Do(httpReq)
	finished := time.Now()
	if err != nil {
		code := errors.ClassifyProvider(err)
		a.logger.Warn("dispatch %s failed as %s: %v", req.DispatchID, code, err)
		return nil, errors.Wrap(code, err, "local dispatch %s", req.DispatchID)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, errors.Wrap(errors.CodeProviderUnavailable, err, "read local response")
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("local server returned %d: %s", resp.StatusCode, truncateForLog(payload))
		return nil, errors.Wrap(errors.ClassifyProvider(err), err, "local dispatch %s", req.DispatchID)
	}

	var parsed chatResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, errors.Wrap(errors.CodeInternal, err, "decode local response")
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.New(errors.CodeInternal, "local response has no choices")
	}

	return &Result{
		ContractVersion: ContractVersion,
		Status:          StatusSuccess,
		ExitCode:        0,
		StartedAt:       started,
		FinishedAt:      finished,
		Stdout:          parsed.Choices[0].Message.Content,
		Provider:        a.Name(),
		Model:           model,
		InputTokens:     parsed.Usage.PromptTokens,
		OutputTokens:    parsed.Usage.CompletionTokens,
		StopReason:      parsed.Choices[0].FinishReason,
		Metadata: map[string]any{
			"provider_dispatch_id": req.DispatchID,
		},
	}, nil
}

func truncateForLog(b []byte) string {
	const max = 300
	if len(b) > max {
		b = b[:max]
	}
	return string(b)
}
