package handlers

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"github.com/pcurie/loquax/internal/conv"
)

// phoneticConfidence is recorded on mentions found by the metaphone pass
// rather than an exact match.
const phoneticConfidence = 0.8

// AliasMapper supplies the full alias map, lowercased alias text to user id.
// Implemented by the postgres alias repo.
type AliasMapper interface {
	Map(ctx context.Context) (map[string]string, error)
}

// Alias detects spoken references to other speakers in idea text by matching
// word tokens against the alias table. Purely rule-based.
type Alias struct {
	aliases AliasMapper

	// phonetic enables a second, metaphone-based pass for tokens with no
	// exact match. Off by default.
	phonetic bool
}

var _ Handler = (*Alias)(nil)

// NewAlias creates the alias detection handler.
func NewAlias(aliases AliasMapper, phonetic bool) *Alias {
	return &Alias{aliases: aliases, phonetic: phonetic}
}

func (h *Alias) TaskType() string { return conv.TaskAliasDetection }

func (h *Alias) TargetTypes() []conv.TargetType { return []conv.TargetType{conv.TargetIdea} }

func (h *Alias) ModelID() string { return "" }

func (h *Alias) BatchSize() int { return 10 }

// Process matches each idea's tokens against the alias map, skipping
// self-references and deduplicating by resolved user.
func (h *Alias) Process(ctx context.Context, items []Item) ([]Result, error) {
	aliasMap, err := h.aliases.Map(ctx)
	if err != nil {
		return nil, fmt.Errorf("alias handler: load alias map: %w", err)
	}

	var phonetics map[string]string
	if h.phonetic {
		phonetics = phoneticIndex(aliasMap)
	}

	results := make([]Result, len(items))
	for i, item := range items {
		if item.Idea == nil {
			results[i] = Result{Err: fmt.Errorf("alias handler: task %s targets no idea", item.Task.ID)}
			continue
		}
		mentions := h.detect(item.Idea, aliasMap, phonetics)
		results[i] = Result{Fields: map[string]any{"mentions": mentions}}
	}
	return results, nil
}

// detect returns the mentions found in one idea's text.
func (h *Alias) detect(idea *conv.Idea, aliasMap, phonetics map[string]string) []conv.Mention {
	seen := make(map[string]struct{})
	mentions := []conv.Mention{}
	for _, token := range tokenize(idea.Text) {
		lower := strings.ToLower(token)
		userID, confidence := "", 1.0
		if id, ok := aliasMap[lower]; ok {
			userID = id
		} else if phonetics != nil {
			if id, ok := phonetics[metaphone(lower)]; ok {
				userID = id
				confidence = phoneticConfidence
			}
		}
		if userID == "" || userID == idea.UserID {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		mentions = append(mentions, conv.Mention{
			Alias:          lower,
			ResolvedUserID: userID,
			Confidence:     confidence,
		})
	}
	return mentions
}

// tokenize splits text into word tokens, keeping apostrophes inside words.
func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r) && r != '\''
	})
}

// phoneticIndex maps each alias's metaphone code to its user id. Code
// collisions between different users are rare enough that one of them wins.
func phoneticIndex(aliasMap map[string]string) map[string]string {
	idx := make(map[string]string, len(aliasMap))
	for alias, userID := range aliasMap {
		code := metaphone(alias)
		if code == "" {
			continue
		}
		if _, ok := idx[code]; !ok {
			idx[code] = userID
		}
	}
	return idx
}

// metaphone returns the primary double-metaphone code for a token.
func metaphone(token string) string {
	primary, _ := matchr.DoubleMetaphone(token)
	return primary
}
