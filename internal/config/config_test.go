package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fakeEnv(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(WithEnvLookup(fakeEnv(nil)))
	require.NoError(t, err)
	require.Equal(t, DefaultQueueName, cfg.Queue.Default)
	require.Equal(t, DefaultTimeoutSeconds, cfg.DefaultNodeTimeoutSeconds)
	require.Equal(t, DefaultHistoryPercent, cfg.Budget.HistoryPercent)
	require.Equal(t, DefaultDispatchTTL, cfg.DispatchTTL)
	require.True(t, cfg.FallbackEnabled)
}

func TestBudgetDefaults(t *testing.T) {
	cfg, err := Load(WithEnvLookup(fakeEnv(nil)))
	require.NoError(t, err)
	require.Equal(t, 16000, cfg.Budget.ContextWindowTokens)
	require.Equal(t, 1.0, cfg.Budget.CompactionTrigger)
	require.Equal(t, 0.85, cfg.Budget.CompactionTarget)
	require.Equal(t, 4, cfg.Budget.PreserveRecentTurns)
	require.Equal(t, DefaultSnippetChars, cfg.Budget.SnippetChars)
}

func TestLoadFileThenEnvPrecedence(t *testing.T) {
	file := []byte(`
redis_addr: "file-redis:6379"
queue:
  concurrency: 8
budget:
  history_percent: 70
`)
	cfg, err := Load(
		WithPath("llmctl.yaml"),
		WithFileReader(func(string) ([]byte, error) { return file, nil }),
		WithEnvLookup(fakeEnv(map[string]string{
			"LLMCTL_REDIS_ADDR": "env-redis:6379",
		})),
	)
	require.NoError(t, err)
	require.Equal(t, "env-redis:6379", cfg.RedisAddr, "env wins over file")
	require.Equal(t, 8, cfg.Queue.Concurrency)
	require.Equal(t, 70, cfg.Budget.HistoryPercent)
}

func TestNormalizeClampsBadValues(t *testing.T) {
	cfg, err := Load(WithEnvLookup(fakeEnv(map[string]string{
		"LLMCTL_NODE_TIMEOUT_SECONDS": "-5",
		"LLMCTL_QUEUE_CONCURRENCY":    "0",
		"LLMCTL_RAG_TOP_K":            "-1",
	})))
	require.NoError(t, err)
	require.Equal(t, DefaultTimeoutSeconds, cfg.DefaultNodeTimeoutSeconds)
	require.Equal(t, DefaultWorkerConcurrency, cfg.Queue.Concurrency)
	require.Equal(t, DefaultRAGTopK, cfg.RAG.TopK)
}

func TestCompactionTargetMustStayBelowTrigger(t *testing.T) {
	file := []byte(`
budget:
  compaction_trigger: 0.8
  compaction_target: 0.9
`)
	cfg, err := Load(
		WithPath("llmctl.yaml"),
		WithFileReader(func(string) ([]byte, error) { return file, nil }),
		WithEnvLookup(fakeEnv(nil)),
	)
	require.NoError(t, err)
	require.Less(t, cfg.Budget.CompactionTarget, cfg.Budget.CompactionTrigger)
}
