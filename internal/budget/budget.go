// Package budget allocates the model context window between conversation
// history, retrieved snippets, and MCP tool context, and compacts history
// when it outgrows its share. All packing is deterministic: the same inputs
// always produce the same prompt content.
package budget

import (
	"context"
	"fmt"
	"strings"

	"llmctl/internal/logging"
	"llmctl/internal/retrieval"
	"llmctl/internal/store"
	"llmctl/internal/token"
)

// Percentages is the window split. Values are percent of the usable window.
type Percentages struct {
	History int
	RAG     int
	MCP     int
}

// DefaultPercentages is the 60/25/15 split.
func DefaultPercentages() Percentages {
	return Percentages{History: 60, RAG: 25, MCP: 15}
}

// Normalize forces the split into its legal ranges: history within [10,90],
// rag within [0,80], history+rag at most 95 (rag yields), and mcp taking the
// remainder so the three always sum to 100.
func Normalize(p Percentages) Percentages {
	if p.History == 0 && p.RAG == 0 && p.MCP == 0 {
		return DefaultPercentages()
	}
	if p.History < 10 {
		p.History = 10
	}
	if p.History > 90 {
		p.History = 90
	}
	if p.RAG < 0 {
		p.RAG = 0
	}
	if p.RAG > 80 {
		p.RAG = 80
	}
	if p.History+p.RAG > 95 {
		p.RAG = 95 - p.History
	}
	p.MCP = 100 - p.History - p.RAG
	return p
}

// Budgeter computes per-section token budgets and performs compaction.
type Budgeter struct {
	windowTokens    int
	pct             Percentages
	trigger         float64
	target          float64
	preserveRecent  int
	maxSummaryChars int
	snippetChars    int
	logger          logging.Logger
}

// Config configures a Budgeter. Zero values fall back to defaults.
type Config struct {
	WindowTokens        int
	Percentages         Percentages
	CompactionTrigger   float64
	CompactionTarget    float64
	PreserveRecentTurns int
	MaxSummaryChars     int
	SnippetChars        int
}

// New constructs a Budgeter with normalized percentages and a target strictly
// below the trigger. Compaction fires at the full window by default and
// compacts down to 85% of it.
func New(cfg Config) *Budgeter {
	if cfg.WindowTokens <= 0 {
		cfg.WindowTokens = 16000
	}
	if cfg.CompactionTrigger <= 0 || cfg.CompactionTrigger > 1 {
		cfg.CompactionTrigger = 1.0
	}
	if cfg.CompactionTarget <= 0 || cfg.CompactionTarget >= cfg.CompactionTrigger {
		cfg.CompactionTarget = cfg.CompactionTrigger * 0.85
	}
	if cfg.PreserveRecentTurns <= 0 {
		cfg.PreserveRecentTurns = 4
	}
	if cfg.MaxSummaryChars <= 0 {
		cfg.MaxSummaryChars = 2400
	}
	if cfg.SnippetChars <= 0 {
		cfg.SnippetChars = 1200
	}
	return &Budgeter{
		windowTokens:    cfg.WindowTokens,
		pct:             Normalize(cfg.Percentages),
		trigger:         cfg.CompactionTrigger,
		target:          cfg.CompactionTarget,
		preserveRecent:  cfg.PreserveRecentTurns,
		maxSummaryChars: cfg.MaxSummaryChars,
		snippetChars:    cfg.SnippetChars,
		logger:          logging.NewComponentLogger("Budgeter"),
	}
}

// Budgets returns the token allowance per section. fixedTokens is the cost of
// the envelope parts that are never compacted (system contract, agent profile,
// user request); the split applies to what remains of the window.
func (b *Budgeter) Budgets(fixedTokens int) (history, rag, mcp int) {
	usable := b.windowTokens - fixedTokens
	if usable < 0 {
		usable = 0
	}
	history = usable * b.pct.History / 100
	rag = usable * b.pct.RAG / 100
	mcp = usable * b.pct.MCP / 100
	return history, rag, mcp
}

// HistoryTokens counts the tokens a message list occupies, including the
// role prefix each message is rendered with.
func HistoryTokens(msgs []*store.ChatMessage) int {
	total := 0
	for _, msg := range msgs {
		total += token.Count(msg.Role+": "+msg.Content) + 1
	}
	return total
}

// NeedsCompaction reports whether the projected envelope, fixed parts plus
// full history, has crossed the trigger share of the window.
func (b *Budgeter) NeedsCompaction(msgs []*store.ChatMessage, fixedTokens int) bool {
	return float64(fixedTokens+HistoryTokens(msgs)) > b.trigger*float64(b.windowTokens)
}

// Summarizer condenses dropped turns into summary text. Implementations may
// call a model; the deterministic fallback never does.
type Summarizer func(ctx context.Context, dropped []*store.ChatMessage) (string, error)

// Compact drops the oldest turns until fixed parts plus history fit the
// target share of the window, keeping at least the configured recent turns,
// and folds the dropped turns into a summary capped at the configured length.
// The input is unchanged.
func (b *Budgeter) Compact(ctx context.Context, msgs []*store.ChatMessage, priorSummary string, fixedTokens int, summarize Summarizer) (kept []*store.ChatMessage, summary string, err error) {
	historyBudget, _, _ := b.Budgets(fixedTokens)
	targetTokens := int(b.target*float64(b.windowTokens)) - fixedTokens
	if targetTokens > historyBudget {
		targetTokens = historyBudget
	}
	if targetTokens < 0 {
		targetTokens = 0
	}

	keepFrom := 0
	for keepFrom < len(msgs)-b.preserveRecent {
		if HistoryTokens(msgs[keepFrom:]) <= targetTokens {
			break
		}
		keepFrom++
	}

	dropped := msgs[:keepFrom]
	kept = msgs[keepFrom:]
	if len(dropped) == 0 {
		return kept, priorSummary, nil
	}

	if summarize == nil {
		summarize = FallbackSummarizer
	}
	text, err := summarize(ctx, dropped)
	if err != nil {
		// Summarization failure degrades to the deterministic fallback
		// rather than blocking the dispatch.
		b.logger.Warn("summarizer failed, using fallback: %v", err)
		text, _ = FallbackSummarizer(ctx, dropped)
	}

	if priorSummary != "" {
		text = priorSummary + "\n" + text
	}
	if len(text) > b.maxSummaryChars {
		text = text[:b.maxSummaryChars]
	}
	b.logger.Debug("compacted %d turns into %d summary chars, %d turns kept", len(dropped), len(text), len(kept))
	return kept, text, nil
}

// FallbackSummarizer produces a plain text digest of the dropped turns with
// no model call.
func FallbackSummarizer(_ context.Context, dropped []*store.ChatMessage) (string, error) {
	var b strings.Builder
	for _, msg := range dropped {
		content := strings.TrimSpace(msg.Content)
		if len(content) > 120 {
			content = content[:120]
		}
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, content)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// PackHistory renders the newest messages that fit the history budget, oldest
// first, with the summary (when present) always leading.
func (b *Budgeter) PackHistory(msgs []*store.ChatMessage, summary string, fixedTokens int) string {
	historyBudget, _, _ := b.Budgets(fixedTokens)
	remaining := historyBudget

	var lines []string
	if summary != "" {
		header := "summary: " + summary
		remaining -= token.Count(header) + 1
		lines = append(lines, header)
	}

	start := len(msgs)
	for start > 0 {
		line := msgs[start-1].Role + ": " + msgs[start-1].Content
		cost := token.Count(line) + 1
		if cost > remaining {
			break
		}
		remaining -= cost
		start--
	}

	for _, msg := range msgs[start:] {
		lines = append(lines, msg.Role+": "+msg.Content)
	}
	return strings.Join(lines, "\n")
}

// PackSnippets renders retrieved snippets in order as numbered blocks until
// the rag budget is spent. Each block is "[i] <source>" followed by the
// document text capped at the snippet character limit; the block that crosses
// the budget is truncated to the remaining tokens rather than dropped.
func (b *Budgeter) PackSnippets(snippets []retrieval.Snippet, fixedTokens int) string {
	_, ragBudget, _ := b.Budgets(fixedTokens)
	remaining := ragBudget

	var blocks []string
	for i, snip := range snippets {
		if remaining <= 0 {
			break
		}
		content := snip.Content
		if len(content) > b.snippetChars {
			content = content[:b.snippetChars]
		}
		block := fmt.Sprintf("[%d] %s\n%s", i+1, snip.Annotation(), content)
		cost := token.Count(block) + 1
		if cost > remaining {
			block = token.Truncate(block, remaining)
			cost = remaining
		}
		if block == "" {
			break
		}
		remaining -= cost
		blocks = append(blocks, block)
	}
	return strings.Join(blocks, "\n\n")
}

// PackMCP truncates tool context to the mcp budget.
func (b *Budgeter) PackMCP(text string, fixedTokens int) string {
	_, _, mcpBudget := b.Budgets(fixedTokens)
	return token.Truncate(text, mcpBudget)
}
