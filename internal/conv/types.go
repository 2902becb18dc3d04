// Package conv defines the core conversation domain types shared across the
// transcription pipeline: sessions, participants, utterances, ideas,
// exchanges, speaker aliases, and enrichment tasks.
//
// The relational store owns sessions, participants, utterances, messages,
// aliases, and the enrichment queue. The vector store owns ideas and
// exchanges. The two sides reference each other only through opaque ids.
package conv

import "time"

// SessionStatus is the lifecycle state of a voice session.
type SessionStatus string

const (
	// SessionActive means the session has at least one participant and is
	// receiving audio or messages.
	SessionActive SessionStatus = "active"

	// SessionEnded means the channel emptied and the session closed normally.
	SessionEnded SessionStatus = "ended"

	// SessionAbandoned means the idle timeout fired with no activity.
	SessionAbandoned SessionStatus = "abandoned"
)

// Session is one voice-channel recording session. A session starts when the
// first speaker joins a tracked channel and ends when the channel empties or
// the idle timeout fires.
type Session struct {
	ID          string
	ChannelID   string
	ChannelName string
	GuildID     string
	StartedAt   time.Time
	EndedAt     *time.Time
	Status      SessionStatus
}

// Participant records one user's presence in a session. Rows are appended on
// join and never deleted; LeftAt is set when the user leaves.
type Participant struct {
	SessionID   string
	UserID      string
	Username    string
	DisplayName string
	JoinedAt    time.Time
	LeftAt      *time.Time
}

// Prosody holds acoustic features extracted from the audio of one utterance.
// Slopes are measured over the final 500 ms of the utterance.
type Prosody struct {
	// PitchMeanHz is the mean fundamental frequency over voiced frames.
	PitchMeanHz float64 `json:"pitch_mean_hz"`

	// FinalPitchSlope is the pitch trend in Hz/s over the utterance tail.
	// Rising pitch suggests a question.
	FinalPitchSlope float64 `json:"final_pitch_slope"`

	// IntensityMeanDB is the mean intensity in dB relative to full scale,
	// shifted into a speech-typical positive range.
	IntensityMeanDB float64 `json:"intensity_mean_db"`

	// FinalIntensitySlope is the intensity trend in dB/s over the tail.
	FinalIntensitySlope float64 `json:"final_intensity_slope"`

	// Jitter is the mean cycle-to-cycle pitch period variation (unitless).
	Jitter float64 `json:"jitter"`

	// HNRDB approximates the harmonics-to-noise ratio in dB.
	HNRDB float64 `json:"hnr_db"`
}

// Utterance is a single transcription unit produced from one drain of one
// speaker's buffer. Utterances are immutable once written.
type Utterance struct {
	ID          int64
	SessionID   string
	UserID      string
	Username    string
	DisplayName string
	Text        string
	StartedAt   time.Time
	EndedAt     time.Time

	// Confidence is the provider's transcription confidence in [0, 1].
	Confidence float64

	// AudioDuration is the drained audio length in seconds.
	AudioDuration float64

	// SequenceNum is monotone and unique within the session.
	SequenceNum int

	// Prosody is present when acoustic feature extraction succeeded.
	Prosody *Prosody
}

// Message is a text-channel message observed while a session was active.
type Message struct {
	ID        int64
	SessionID string
	UserID    string
	Username  string
	Content   string
	SentAt    time.Time
}

// AliasType classifies where a speaker alias came from.
type AliasType string

const (
	AliasUsername    AliasType = "username"
	AliasDisplayName AliasType = "display_name"
	AliasNickname    AliasType = "nickname"
	AliasMention     AliasType = "mention"
)

// Alias maps a spoken name to a user id. Aliases are case-insensitively
// unique per user.
type Alias struct {
	ID         int64
	UserID     string
	Alias      string
	Type       AliasType
	Confidence float64

	// CreatedBy is the user id that added a manual alias; empty for
	// auto-seeded rows.
	CreatedBy string
	CreatedAt time.Time
}

// Mention is a reference in an idea's text that resolved through the alias
// map to another speaker's user id.
type Mention struct {
	Alias          string  `json:"alias"`
	ResolvedUserID string  `json:"resolved_user_id"`
	Confidence     float64 `json:"confidence"`
}

// EnrichmentState is the per-task-type progress recorded on an idea or
// exchange.
type EnrichmentState string

const (
	EnrichmentPending  EnrichmentState = "pending"
	EnrichmentComplete EnrichmentState = "complete"
	EnrichmentFailed   EnrichmentState = "failed"
)

// Idea is a contiguous run of one speaker's utterances promoted by the
// boundary detector. Core fields are immutable after creation; only
// Enrichments and EnrichmentStatus are updated by enrichment handlers.
type Idea struct {
	ID          string
	SessionID   string
	UserID      string
	DisplayName string

	// UtteranceIDs are nonempty, same-speaker, and contiguous in
	// sequence_num within the session.
	UtteranceIDs []int64

	// Text is the space-joined text of the constituent utterances.
	Text      string
	StartedAt time.Time
	EndedAt   time.Time

	// Enrichments holds sparse handler output keyed by field group, e.g.
	// "mentions", "intent", "keywords", "prosody_interpretation",
	// "response_mapping".
	Enrichments map[string]any

	// EnrichmentStatus tracks handler progress keyed by task type.
	EnrichmentStatus map[string]EnrichmentState
}

// ExchangeType records which grouping rule produced an exchange.
type ExchangeType string

const (
	// ExchangeTemporal is a same-speaker temporal join.
	ExchangeTemporal ExchangeType = "temporal"

	// ExchangeSemantic is a multi-speaker response chain.
	ExchangeSemantic ExchangeType = "semantic"

	// ExchangeSessionEnd is the final flush of the idea window at session
	// end.
	ExchangeSessionEnd ExchangeType = "session_end"
)

// Exchange groups two or more temporally close ideas.
type Exchange struct {
	ID        string
	SessionID string
	Type      ExchangeType

	// IdeaIDs are time-ordered; len >= 2.
	IdeaIDs []string

	// Participants is the union of the constituent ideas' user ids.
	Participants []string

	Text      string
	StartedAt time.Time
	EndedAt   time.Time

	Enrichments      map[string]any
	EnrichmentStatus map[string]EnrichmentState
}

// TargetType identifies what an enrichment task operates on.
type TargetType string

const (
	TargetIdea     TargetType = "idea"
	TargetExchange TargetType = "exchange"
	TargetSession  TargetType = "session"
)

// TaskStatus is the lifecycle state of an enrichment task. Complete and
// failed are terminal.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskComplete   TaskStatus = "complete"
	TaskFailed     TaskStatus = "failed"
)

// Well-known enrichment task types.
const (
	TaskAliasDetection       = "alias_detection"
	TaskProsodyInterpret     = "prosody_interpretation"
	TaskResponseMapping      = "response_mapping"
	TaskIntentKeywords       = "intent_keywords"
	TaskTopicExtraction      = "topic_extraction"
	DefaultEnrichmentPriority = 2
)

// Task is one row of the durable enrichment queue. The triple
// (TargetType, TargetID, TaskType) is unique; re-enqueueing it is idempotent.
type Task struct {
	ID         string
	TargetType TargetType
	TargetID   string
	TaskType   string

	// Priority orders claiming; lower is more urgent.
	Priority int

	Status      TaskStatus
	Attempts    int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       string
}

// SessionStats is an aggregate view over one session's utterances.
type SessionStats struct {
	SessionID      string
	UtteranceCount int
	WordCount      int
	Duration       time.Duration

	// TalkTime is seconds of attributed audio per user id.
	TalkTime map[string]float64
}
