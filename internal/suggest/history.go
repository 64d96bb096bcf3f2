package suggest

import (
	"context"
	"sort"
	"strings"

	"github.com/entl/termhub/internal/storage"
)

// searchLimit is how many logged commands are considered per request.
const searchLimit = 50

// CommandSearcher finds logged commands by prefix, most recent first.
type CommandSearcher interface {
	SearchCommands(ctx context.Context, prefix string, limit int) ([]*storage.Command, error)
}

// HistoryProvider provides command suggestions based on command history.
type HistoryProvider struct {
	commands CommandSearcher
}

// NewHistoryProvider creates a new history suggestion provider.
func NewHistoryProvider(commands CommandSearcher) *HistoryProvider {
	return &HistoryProvider{
		commands: commands,
	}
}

// Name returns the provider name.
func (p *HistoryProvider) Name() string {
	return "history"
}

// Suggest returns history-based suggestions matching the prefix.
func (p *HistoryProvider) Suggest(ctx context.Context, prefix string) ([]Suggestion, error) {
	if prefix == "" {
		return nil, nil
	}

	commands, err := p.commands.SearchCommands(ctx, prefix, searchLimit)
	if err != nil {
		return nil, err
	}

	// Deduplicate and score suggestions
	seen := make(map[string]struct{})
	var suggestions []Suggestion

	for i, cmd := range commands {
		cmdText := cmd.CommandText
		if _, exists := seen[cmdText]; exists {
			continue
		}
		seen[cmdText] = struct{}{}

		// Skip exact matches (no point suggesting what's already typed)
		if cmdText == prefix {
			continue
		}

		suggestions = append(suggestions, Suggestion{
			Text:   cmdText,
			Source: "history",
			Score:  calculateHistoryScore(cmdText, prefix, i, len(commands)),
		})
	}

	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Score > suggestions[j].Score
	})

	if len(suggestions) > MaxSuggestions {
		suggestions = suggestions[:MaxSuggestions]
	}

	return suggestions, nil
}

// calculateHistoryScore computes a relevance score for a history entry.
func calculateHistoryScore(cmdText, input string, index, total int) float32 {
	var score float32 = 0.7 // Base score for history (higher than static)

	// Recency boost: newer commands get higher scores
	// Index 0 is most recent
	if total > 1 {
		recencyFactor := float32(total-index) / float32(total)
		score += recencyFactor * 0.15
	}

	// Prefix match quality boost
	lowerCmd := strings.ToLower(cmdText)
	lowerInput := strings.ToLower(input)

	if strings.HasPrefix(lowerCmd, lowerInput) {
		// Better match = higher score
		matchRatio := float32(len(input)) / float32(len(cmdText))
		score += matchRatio * 0.1

		// Exact case match bonus
		if strings.HasPrefix(cmdText, input) {
			score += 0.05
		}
	}

	return score
}
