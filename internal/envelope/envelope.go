// Package envelope defines the prompt envelope exchanged with providers: a
// five-section JSON object serialized with sorted keys and two-space
// indentation so identical envelopes are byte-identical.
package envelope

import (
	"bytes"
	"encoding/json"
	"strings"

	"llmctl/internal/errors"
)

// Section names, in canonical (sorted) order.
const (
	KeyAgentProfile   = "agent_profile"
	KeyOutputContract = "output_contract"
	KeySystemContract = "system_contract"
	KeyTaskContext    = "task_context"
	KeyUserRequest    = "user_request"
)

// Envelope is the structured prompt. Empty sections are omitted from the
// serialized form.
type Envelope struct {
	SystemContract string `json:"system_contract,omitempty"`
	AgentProfile   string `json:"agent_profile,omitempty"`
	TaskContext    string `json:"task_context,omitempty"`
	UserRequest    string `json:"user_request,omitempty"`
	OutputContract string `json:"output_contract,omitempty"`
}

// Validate requires a user request; everything else is optional.
func (e *Envelope) Validate() error {
	if strings.TrimSpace(e.UserRequest) == "" {
		return errors.New(errors.CodeValidation, "envelope user_request is required")
	}
	return nil
}

// Marshal serializes the envelope canonically: sorted keys, two-space
// indentation, trailing newline. encoding/json sorts map keys, which is what
// makes the output stable.
func (e *Envelope) Marshal() ([]byte, error) {
	sections := map[string]string{}
	put := func(key, value string) {
		if value != "" {
			sections[key] = value
		}
	}
	put(KeySystemContract, e.SystemContract)
	put(KeyAgentProfile, e.AgentProfile)
	put(KeyTaskContext, e.TaskContext)
	put(KeyUserRequest, e.UserRequest)
	put(KeyOutputContract, e.OutputContract)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(sections); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Parse interprets a prompt. A JSON object is read as an envelope, accepting
// "prompt" as a legacy alias for user_request; anything else is treated as the
// raw user request.
func Parse(prompt string) (*Envelope, error) {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return nil, errors.New(errors.CodeValidation, "empty prompt")
	}

	if strings.HasPrefix(trimmed, "{") {
		var sections map[string]json.RawMessage
		if err := json.Unmarshal([]byte(trimmed), &sections); err == nil {
			env := &Envelope{}
			read := func(key string) string {
				raw, ok := sections[key]
				if !ok {
					return ""
				}
				var s string
				if err := json.Unmarshal(raw, &s); err == nil {
					return s
				}
				// Non-string sections pass through as compact JSON.
				return string(raw)
			}
			env.SystemContract = read(KeySystemContract)
			env.AgentProfile = read(KeyAgentProfile)
			env.TaskContext = read(KeyTaskContext)
			env.UserRequest = read(KeyUserRequest)
			env.OutputContract = read(KeyOutputContract)
			if env.UserRequest == "" {
				env.UserRequest = read("prompt")
			}
			if env.UserRequest != "" {
				return env, nil
			}
		}
	}

	return &Envelope{UserRequest: trimmed}, nil
}
