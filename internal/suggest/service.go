// Package suggest offers command-line completions drawn from the command
// log and a list of common commands.
package suggest

import (
	"context"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// MaxSuggestions caps the number of suggestions returned.
const MaxSuggestions = 20

// Suggestion is a single completion candidate.
type Suggestion struct {
	Text   string  `json:"text"`
	Source string  `json:"source"`
	Score  float32 `json:"score"`
}

// Provider is an interface for suggestion sources (history, static, etc.)
type Provider interface {
	Suggest(ctx context.Context, prefix string) ([]Suggestion, error)
	Name() string
}

// Service merges suggestions from its providers.
type Service struct {
	providers []Provider
	logger    zerolog.Logger
}

// NewService creates a suggestion service with the given providers.
func NewService(logger zerolog.Logger, providers ...Provider) *Service {
	return &Service{
		providers: providers,
		logger:    logger.With().Str("component", "suggest").Logger(),
	}
}

// Suggest returns the best suggestions for prefix across all providers.
// A failing provider is skipped.
func (s *Service) Suggest(ctx context.Context, prefix string) []Suggestion {
	var all []Suggestion
	for _, provider := range s.providers {
		suggestions, err := provider.Suggest(ctx, prefix)
		if err != nil {
			s.logger.Warn().Err(err).Str("provider", provider.Name()).Msg("provider failed")
			continue
		}
		all = append(all, suggestions...)
	}

	deduped := deduplicateSuggestions(all)
	if len(deduped) > MaxSuggestions {
		deduped = deduped[:MaxSuggestions]
	}
	return deduped
}

// deduplicateSuggestions removes duplicate suggestions, keeping the one with highest score.
func deduplicateSuggestions(suggestions []Suggestion) []Suggestion {
	seen := make(map[string]int)
	result := make([]Suggestion, 0, len(suggestions))
	for _, s := range suggestions {
		if i, ok := seen[s.Text]; ok {
			if s.Score > result[i].Score {
				result[i] = s
			}
			continue
		}
		seen[s.Text] = len(result)
		result = append(result, s)
	}

	// Stable so equal scores keep provider order
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Score > result[j].Score
	})
	return result
}

// StaticProvider suggests common shell commands for the first word.
type StaticProvider struct{}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{}
}

func (p *StaticProvider) Name() string {
	return "static"
}

func (p *StaticProvider) Suggest(_ context.Context, prefix string) ([]Suggestion, error) {
	if prefix == "" || strings.ContainsAny(prefix, " \t") {
		return nil, nil
	}

	// Common shell commands
	commonCommands := []string{
		"ls", "cd", "pwd", "cat", "grep", "find", "echo", "mkdir", "rm", "cp", "mv",
		"chmod", "chown", "ps", "kill", "top", "htop", "df", "du", "tar", "zip",
		"git", "docker", "npm", "yarn", "python", "node", "go", "cargo", "make",
		"clear",
	}

	var suggestions []Suggestion
	lowerInput := strings.ToLower(prefix)

	for _, cmd := range commonCommands {
		if strings.HasPrefix(cmd, lowerInput) && cmd != prefix {
			score := float32(len(lowerInput)) / float32(len(cmd))
			suggestions = append(suggestions, Suggestion{
				Text:   cmd,
				Source: "static",
				Score:  score * 0.5, // Lower priority than history
			})
		}
	}

	return suggestions, nil
}
