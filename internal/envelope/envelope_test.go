package envelope

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeysAndOmitsEmptySections(t *testing.T) {
	env := &Envelope{
		SystemContract: "be terse",
		UserRequest:    "say ping",
		OutputContract: "one word",
	}
	out, err := env.Marshal()
	require.NoError(t, err)

	text := string(out)
	require.NotContains(t, text, KeyAgentProfile)
	require.NotContains(t, text, KeyTaskContext)

	// Sorted order: output_contract < system_contract < user_request.
	require.Less(t, strings.Index(text, KeyOutputContract), strings.Index(text, KeySystemContract))
	require.Less(t, strings.Index(text, KeySystemContract), strings.Index(text, KeyUserRequest))
	require.True(t, strings.HasSuffix(text, "\n"))
	require.Contains(t, text, "  \"user_request\": \"say ping\"")
}

func TestMarshalIsDeterministic(t *testing.T) {
	env := &Envelope{
		SystemContract: "s",
		AgentProfile:   "a",
		TaskContext:    "t",
		UserRequest:    "u",
		OutputContract: "o",
	}
	first, err := env.Marshal()
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := env.Marshal()
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestParseRoundTripIdentity(t *testing.T) {
	env := &Envelope{
		SystemContract: "contract",
		AgentProfile:   "profile",
		TaskContext:    "context",
		UserRequest:    "request",
		OutputContract: "output",
	}
	out, err := env.Marshal()
	require.NoError(t, err)

	parsed, err := Parse(string(out))
	require.NoError(t, err)
	require.Equal(t, env, parsed)

	again, err := parsed.Marshal()
	require.NoError(t, err)
	require.Equal(t, out, again)
}

func TestParseRawTextBecomesUserRequest(t *testing.T) {
	env, err := Parse("  summarize the report  ")
	require.NoError(t, err)
	require.Equal(t, "summarize the report", env.UserRequest)
	require.Empty(t, env.SystemContract)
}

func TestParseLegacyPromptKey(t *testing.T) {
	env, err := Parse(`{"prompt": "hello", "system_contract": "sc"}`)
	require.NoError(t, err)
	require.Equal(t, "hello", env.UserRequest)
	require.Equal(t, "sc", env.SystemContract)
}

func TestParseJSONWithoutRequestFallsBackToRaw(t *testing.T) {
	raw := `{"unrelated": true}`
	env, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, raw, env.UserRequest)
}

func TestParseEmptyPromptFails(t *testing.T) {
	_, err := Parse("   ")
	require.Error(t, err)
}

func TestValidateRequiresUserRequest(t *testing.T) {
	require.Error(t, (&Envelope{SystemContract: "x"}).Validate())
	require.NoError(t, (&Envelope{UserRequest: "x"}).Validate())
}
