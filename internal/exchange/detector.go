// Package exchange groups related ideas into exchanges: same-speaker
// temporal joins, multi-speaker response chains, and a final flush at
// session end. Each exchange is embedded, written to the knowledge store,
// and queued for topic extraction.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pcurie/loquax/internal/conv"
	"github.com/pcurie/loquax/internal/observe"
	"github.com/pcurie/loquax/pkg/provider/embeddings"
)

// ExchangeWriter persists detected exchanges. Implemented by
// knowledge.Exchanges.
type ExchangeWriter interface {
	Create(ctx context.Context, x conv.Exchange, vector []float32) error
}

// TaskQueue enqueues enrichment work.
type TaskQueue interface {
	Enqueue(ctx context.Context, targetType conv.TargetType, targetID, taskType string, priority int) (string, error)
}

// Config holds the grouping rule thresholds.
type Config struct {
	// TemporalGap is the maximum silence between two same-speaker ideas for
	// a temporal join.
	TemporalGap time.Duration

	// TemporalSpan caps the total duration of a temporal join.
	TemporalSpan time.Duration

	// SemanticGap is the maximum silence inside a multi-speaker response
	// chain.
	SemanticGap time.Duration

	// WindowSize bounds the per-session idea window.
	WindowSize int
}

// DefaultConfig returns the standard rule thresholds.
func DefaultConfig() Config {
	return Config{
		TemporalGap:  5 * time.Second,
		TemporalSpan: 30 * time.Second,
		SemanticGap:  10 * time.Second,
		WindowSize:   10,
	}
}

// Detector holds the sliding idea window per session. All methods are safe
// for concurrent use.
type Detector struct {
	cfg       Config
	exchanges ExchangeWriter
	queue     TaskQueue
	embedder  embeddings.Provider
	metrics   *observe.Metrics

	mu      sync.Mutex
	windows map[string][]conv.Idea // keyed by session id
}

// NewDetector creates an exchange detector. metrics may be nil.
func NewDetector(cfg Config, exchanges ExchangeWriter, queue TaskQueue, embedder embeddings.Provider, metrics *observe.Metrics) *Detector {
	if cfg.WindowSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Detector{
		cfg:       cfg,
		exchanges: exchanges,
		queue:     queue,
		embedder:  embedder,
		metrics:   metrics,
		windows:   make(map[string][]conv.Idea),
	}
}

// IdeaCreated appends the idea to its session's window and evaluates the
// grouping rules against the window tail.
func (d *Detector) IdeaCreated(ctx context.Context, idea conv.Idea) {
	d.mu.Lock()
	defer d.mu.Unlock()

	window := append(d.windows[idea.SessionID], idea)
	if len(window) > d.cfg.WindowSize {
		window = window[len(window)-d.cfg.WindowSize:]
	}
	d.windows[idea.SessionID] = window

	if group := d.temporalTail(window); len(group) >= 2 {
		d.commit(ctx, idea.SessionID, conv.ExchangeTemporal, group)
		return
	}
	if group := d.semanticTail(window); len(group) >= 2 {
		d.commit(ctx, idea.SessionID, conv.ExchangeSemantic, group)
	}
}

// SessionEnded flushes the session's remaining window as one final exchange
// when it still holds two or more ideas.
func (d *Detector) SessionEnded(ctx context.Context, s conv.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()

	window := d.windows[s.ID]
	if len(window) >= 2 {
		d.commit(ctx, s.ID, conv.ExchangeSessionEnd, window)
	}
	delete(d.windows, s.ID)
}

// WindowLen reports the current idea window length for one session.
func (d *Detector) WindowLen(sessionID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.windows[sessionID])
}

// temporalTail returns the longest window suffix that is one speaker's
// temporally joined run: every gap within TemporalGap and the whole run
// within TemporalSpan.
func (d *Detector) temporalTail(window []conv.Idea) []conv.Idea {
	last := window[len(window)-1]
	start := len(window) - 1
	for i := len(window) - 2; i >= 0; i-- {
		prev, next := window[i], window[i+1]
		if prev.UserID != last.UserID {
			break
		}
		if gap(prev, next) > d.cfg.TemporalGap {
			break
		}
		if last.EndedAt.Sub(prev.StartedAt) > d.cfg.TemporalSpan {
			break
		}
		start = i
	}
	return window[start:]
}

// semanticTail returns the longest window suffix forming a response chain:
// every gap under SemanticGap with at least two distinct speakers.
func (d *Detector) semanticTail(window []conv.Idea) []conv.Idea {
	start := len(window) - 1
	for i := len(window) - 2; i >= 0; i-- {
		if gap(window[i], window[i+1]) >= d.cfg.SemanticGap {
			break
		}
		start = i
	}
	tail := window[start:]
	speakers := make(map[string]struct{})
	for _, idea := range tail {
		speakers[idea.UserID] = struct{}{}
	}
	if len(speakers) < 2 {
		return nil
	}
	return tail
}

// gap is the silence between two consecutive ideas; negative overlap counts
// as zero.
func gap(prev, next conv.Idea) time.Duration {
	g := next.StartedAt.Sub(prev.EndedAt)
	if g < 0 {
		return 0
	}
	return g
}

// commit writes one exchange from the grouped ideas and removes them from
// the session window. On error the window is left untouched so a later idea
// retries the grouping. Callers hold d.mu.
func (d *Detector) commit(ctx context.Context, sessionID string, exchangeType conv.ExchangeType, group []conv.Idea) {
	x, err := d.write(ctx, sessionID, exchangeType, group)
	if err != nil {
		slog.Error("exchange: commit failed",
			"session_id", sessionID, "type", exchangeType, "ideas", len(group), "error", err)
		return
	}

	window := d.windows[sessionID]
	consumed := make(map[string]struct{}, len(group))
	for _, idea := range group {
		consumed[idea.ID] = struct{}{}
	}
	remaining := window[:0]
	for _, idea := range window {
		if _, ok := consumed[idea.ID]; !ok {
			remaining = append(remaining, idea)
		}
	}
	if len(remaining) == 0 {
		delete(d.windows, sessionID)
	} else {
		d.windows[sessionID] = remaining
	}

	if d.metrics != nil {
		d.metrics.RecordExchange(ctx, string(exchangeType))
	}
	slog.Debug("exchange: committed",
		"exchange_id", x.ID, "session_id", sessionID, "type", exchangeType, "ideas", len(x.IdeaIDs))
}

// write embeds and persists the exchange and enqueues topic extraction.
func (d *Detector) write(ctx context.Context, sessionID string, exchangeType conv.ExchangeType, group []conv.Idea) (conv.Exchange, error) {
	ideaIDs := make([]string, len(group))
	texts := make([]string, len(group))
	var participants []string
	seen := make(map[string]struct{})
	startedAt, endedAt := group[0].StartedAt, group[0].EndedAt
	for i, idea := range group {
		ideaIDs[i] = idea.ID
		texts[i] = idea.Text
		if _, ok := seen[idea.UserID]; !ok {
			seen[idea.UserID] = struct{}{}
			participants = append(participants, idea.UserID)
		}
		if idea.StartedAt.Before(startedAt) {
			startedAt = idea.StartedAt
		}
		if idea.EndedAt.After(endedAt) {
			endedAt = idea.EndedAt
		}
	}

	x := conv.Exchange{
		ID:           uuid.NewString(),
		SessionID:    sessionID,
		Type:         exchangeType,
		IdeaIDs:      ideaIDs,
		Participants: participants,
		Text:         strings.Join(texts, " "),
		StartedAt:    startedAt,
		EndedAt:      endedAt,
		EnrichmentStatus: map[string]conv.EnrichmentState{
			conv.TaskTopicExtraction: conv.EnrichmentPending,
		},
	}

	vector, err := d.embedder.Embed(ctx, x.Text)
	if err != nil {
		if d.metrics != nil {
			d.metrics.RecordProviderError(ctx, d.embedder.ModelID(), "embeddings")
		}
		return conv.Exchange{}, fmt.Errorf("embed: %w", err)
	}
	if err := d.exchanges.Create(ctx, x, vector); err != nil {
		return conv.Exchange{}, err
	}
	if _, err := d.queue.Enqueue(ctx, conv.TargetExchange, x.ID, conv.TaskTopicExtraction, conv.DefaultEnrichmentPriority); err != nil {
		return conv.Exchange{}, fmt.Errorf("enqueue %s: %w", conv.TaskTopicExtraction, err)
	}
	if d.metrics != nil {
		d.metrics.RecordTask(ctx, conv.TaskTopicExtraction, "enqueued")
	}
	return x, nil
}
