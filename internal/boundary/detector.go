// Package boundary segments each speaker's utterance stream into ideas. An
// idea is a contiguous run of one speaker's utterances closed off by one of
// the promotion rules; promotion embeds the joined text, writes the idea to
// the knowledge store, and enqueues its enrichment tasks.
package boundary

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

// Promotion rule labels, recorded on metrics and logs.
const (
	RuleMaxDuration   = "max_duration"
	RuleMidDuration   = "mid_duration"
	RuleMaxPending    = "max_pending"
	RuleSpeakerChange = "speaker_change"
	RuleSessionEnd    = "session_end"
)

// ideaTaskTypes are the enrichment tasks enqueued for every new idea.
var ideaTaskTypes = []string{
	conv.TaskAliasDetection,
	conv.TaskProsodyInterpret,
	conv.TaskResponseMapping,
	conv.TaskIntentKeywords,
}

// IdeaWriter persists promoted ideas. Implemented by knowledge.Ideas.
type IdeaWriter interface {
	Create(ctx context.Context, idea conv.Idea, vector []float32) error
}

// TaskQueue enqueues enrichment work. Implemented by the postgres queue
// repo.
type TaskQueue interface {
	Enqueue(ctx context.Context, targetType conv.TargetType, targetID, taskType string, priority int) (string, error)
}

// IdeaObserver is notified after each committed idea, in promotion order.
// Implemented by the exchange detector.
type IdeaObserver interface {
	IdeaCreated(ctx context.Context, idea conv.Idea)
}

// Config holds the promotion rule thresholds.
type Config struct {
	// MaxDuration promotes a run spanning at least this long unconditionally.
	MaxDuration time.Duration

	// MidDuration promotes a run spanning at least this long once it holds
	// two or more utterances.
	MidDuration time.Duration

	// MaxPending promotes a run holding this many utterances.
	MaxPending int

	// SpeakerSilence is the minimum gap between one speaker's last utterance
	// and another speaker's next before the first speaker's run is promoted.
	SpeakerSilence time.Duration
}

// DefaultConfig returns the standard rule thresholds.
func DefaultConfig() Config {
	return Config{
		MaxDuration:    60 * time.Second,
		MidDuration:    15 * time.Second,
		MaxPending:     3,
		SpeakerSilence: 800 * time.Millisecond,
	}
}

// speakerKey addresses one speaker's pending run within one session.
type speakerKey struct {
	sessionID string
	userID    string
}

// Detector accumulates per-speaker pending utterances and promotes them to
// ideas. All methods are safe for concurrent use; promotion and appending
// are serialised under one lock so rule evaluation always sees a consistent
// run.
type Detector struct {
	cfg      Config
	ideas    IdeaWriter
	queue    TaskQueue
	embedder embeddings.Provider
	observer IdeaObserver
	metrics  *observe.Metrics

	mu      sync.Mutex
	pending map[speakerKey][]conv.Utterance
}

// NewDetector creates a boundary detector. observer and metrics may be nil.
func NewDetector(cfg Config, ideas IdeaWriter, queue TaskQueue, embedder embeddings.Provider, observer IdeaObserver, metrics *observe.Metrics) *Detector {
	if cfg.MaxPending <= 0 {
		cfg = DefaultConfig()
	}
	return &Detector{
		cfg:      cfg,
		ideas:    ideas,
		queue:    queue,
		embedder: embedder,
		observer: observer,
		metrics:  metrics,
		pending:  make(map[speakerKey][]conv.Utterance),
	}
}

// UtteranceAdded feeds one committed utterance through the rules. The
// speaker-change rule is checked against other speakers' runs before the
// utterance joins its own run, so a reply always closes the idea it answers.
func (d *Detector) UtteranceAdded(ctx context.Context, u conv.Utterance) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.checkSpeakerChange(ctx, u)

	key := speakerKey{sessionID: u.SessionID, userID: u.UserID}
	d.pending[key] = append(d.pending[key], u)

	run := d.pending[key]
	span := run[len(run)-1].EndedAt.Sub(run[0].StartedAt)
	switch {
	case span >= d.cfg.MaxDuration:
		d.promote(ctx, key, RuleMaxDuration)
	case span >= d.cfg.MidDuration && len(run) >= 2:
		d.promote(ctx, key, RuleMidDuration)
	case len(run) >= d.cfg.MaxPending:
		d.promote(ctx, key, RuleMaxPending)
	}
}

// SessionEnded promotes every remaining run of the session. Registered with
// the session manager; runs before the exchange detector's flush.
func (d *Detector) SessionEnded(ctx context.Context, s conv.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.pending {
		if key.sessionID == s.ID {
			d.promote(ctx, key, RuleSessionEnd)
		}
	}
}

// PendingCount reports the number of utterances pending for one speaker.
func (d *Detector) PendingCount(sessionID, userID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending[speakerKey{sessionID: sessionID, userID: userID}])
}

// checkSpeakerChange promotes other speakers' runs in the session when the
// incoming utterance starts at least SpeakerSilence after they stopped.
// Callers hold d.mu.
func (d *Detector) checkSpeakerChange(ctx context.Context, u conv.Utterance) {
	for key, run := range d.pending {
		if key.sessionID != u.SessionID || key.userID == u.UserID || len(run) == 0 {
			continue
		}
		if u.StartedAt.Sub(run[len(run)-1].EndedAt) >= d.cfg.SpeakerSilence {
			d.promote(ctx, key, RuleSpeakerChange)
		}
	}
}

// promote turns one speaker's run into an idea. The run is cleared only
// after the idea and its tasks are committed; on error it stays pending so a
// later trigger retries. Callers hold d.mu.
func (d *Detector) promote(ctx context.Context, key speakerKey, rule string) {
	run := d.pending[key]
	if len(run) == 0 {
		return
	}
	idea, err := d.commit(ctx, run)
	if err != nil {
		slog.Error("boundary: idea promotion failed",
			"session_id", key.sessionID, "user_id", key.userID, "rule", rule, "error", err)
		return
	}
	delete(d.pending, key)

	if d.metrics != nil {
		d.metrics.RecordIdea(ctx, rule)
	}
	slog.Debug("boundary: idea promoted",
		"idea_id", idea.ID, "session_id", idea.SessionID, "user_id", idea.UserID,
		"rule", rule, "utterances", len(idea.UtteranceIDs))

	if d.observer != nil {
		d.observer.IdeaCreated(ctx, idea)
	}
}

// commit embeds and writes the idea, then enqueues its enrichment tasks.
func (d *Detector) commit(ctx context.Context, run []conv.Utterance) (conv.Idea, error) {
	texts := make([]string, len(run))
	ids := make([]int64, len(run))
	for i, u := range run {
		texts[i] = u.Text
		ids[i] = u.ID
	}

	status := make(map[string]conv.EnrichmentState, len(ideaTaskTypes))
	for _, taskType := range ideaTaskTypes {
		status[taskType] = conv.EnrichmentPending
	}
	idea := conv.Idea{
		ID:               uuid.NewString(),
		SessionID:        run[0].SessionID,
		UserID:           run[0].UserID,
		DisplayName:      run[0].DisplayName,
		UtteranceIDs:     ids,
		Text:             strings.Join(texts, " "),
		StartedAt:        run[0].StartedAt,
		EndedAt:          run[len(run)-1].EndedAt,
		EnrichmentStatus: status,
	}

	vector, err := d.embedder.Embed(ctx, idea.Text)
	if err != nil {
		if d.metrics != nil {
			d.metrics.RecordProviderError(ctx, d.embedder.ModelID(), "embeddings")
		}
		return conv.Idea{}, fmt.Errorf("embed: %w", err)
	}
	if err := d.ideas.Create(ctx, idea, vector); err != nil {
		return conv.Idea{}, err
	}
	for _, taskType := range ideaTaskTypes {
		if _, err := d.queue.Enqueue(ctx, conv.TargetIdea, idea.ID, taskType, conv.DefaultEnrichmentPriority); err != nil {
			return conv.Idea{}, fmt.Errorf("enqueue %s: %w", taskType, err)
		}
		if d.metrics != nil {
			d.metrics.RecordTask(ctx, taskType, "enqueued")
		}
	}
	return idea, nil
}
