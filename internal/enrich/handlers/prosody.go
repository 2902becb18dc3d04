package handlers

import (
	"context"
	"fmt"

	"github.com/pcurie/loquax/internal/conv"
)

// UtteranceReader loads utterance rows by id. Implemented by the postgres
// utterance repo.
type UtteranceReader interface {
	ByIDs(ctx context.Context, ids []int64) ([]conv.Utterance, error)
}

// ProsodyThresholds are the rule cutoffs for interpreting acoustic features.
type ProsodyThresholds struct {
	// QuestionPitchSlope: a final pitch slope above this (Hz/s) reads as a
	// question contour.
	QuestionPitchSlope float64

	// CompletePitchSlope and CompleteIntensitySlope: a falling pitch below
	// the first together with falling intensity below the second reads as a
	// finished statement.
	CompletePitchSlope     float64
	CompleteIntensitySlope float64

	// ClearHNR: harmonics-to-noise ratio (dB) at or above this marks a
	// clear voice.
	ClearHNR float64

	// StableJitter: jitter below this marks a stable voice.
	StableJitter float64

	// LoudIntensity: mean intensity (dB) above this marks a loud voice.
	LoudIntensity float64
}

// DefaultProsodyThresholds returns the standard cutoffs.
func DefaultProsodyThresholds() ProsodyThresholds {
	return ProsodyThresholds{
		QuestionPitchSlope:     5,
		CompletePitchSlope:     -5,
		CompleteIntensitySlope: -1,
		ClearHNR:               15,
		StableJitter:           0.02,
		LoudIntensity:          65,
	}
}

// Prosody interprets the acoustic features of an idea's final utterance into
// discourse signals. Purely rule-based.
type Prosody struct {
	utterances UtteranceReader
	thresholds ProsodyThresholds
}

var _ Handler = (*Prosody)(nil)

// NewProsody creates the prosody interpretation handler.
func NewProsody(utterances UtteranceReader, thresholds ProsodyThresholds) *Prosody {
	return &Prosody{utterances: utterances, thresholds: thresholds}
}

func (h *Prosody) TaskType() string { return conv.TaskProsodyInterpret }

func (h *Prosody) TargetTypes() []conv.TargetType { return []conv.TargetType{conv.TargetIdea} }

func (h *Prosody) ModelID() string { return "" }

func (h *Prosody) BatchSize() int { return 10 }

// Process interprets each idea's last utterance. Ideas whose final utterance
// carries no prosody features complete with empty fields.
func (h *Prosody) Process(ctx context.Context, items []Item) ([]Result, error) {
	results := make([]Result, len(items))
	for i, item := range items {
		if item.Idea == nil {
			results[i] = Result{Err: fmt.Errorf("prosody handler: task %s targets no idea", item.Task.ID)}
			continue
		}
		results[i] = h.interpret(ctx, item.Idea)
	}
	return results, nil
}

// interpret reads the idea's final utterance and applies the rules.
func (h *Prosody) interpret(ctx context.Context, idea *conv.Idea) Result {
	if len(idea.UtteranceIDs) == 0 {
		return Result{Err: fmt.Errorf("prosody handler: idea %s has no utterances", idea.ID)}
	}
	lastID := idea.UtteranceIDs[len(idea.UtteranceIDs)-1]
	utts, err := h.utterances.ByIDs(ctx, []int64{lastID})
	if err != nil {
		return Result{Err: fmt.Errorf("prosody handler: load utterance %d: %w", lastID, err)}
	}
	if len(utts) == 0 {
		return Result{Err: fmt.Errorf("prosody handler: utterance %d not found", lastID)}
	}
	p := utts[0].Prosody
	if p == nil {
		return Result{Fields: map[string]any{}}
	}

	t := h.thresholds
	return Result{Fields: map[string]any{
		"prosody_interpretation": map[string]any{
			"is_question_prosody": p.FinalPitchSlope > t.QuestionPitchSlope,
			"is_complete":         p.FinalPitchSlope < t.CompletePitchSlope && p.FinalIntensitySlope < t.CompleteIntensitySlope,
			"clear_voice":         p.HNRDB >= t.ClearHNR,
			"stable_voice":        p.Jitter < t.StableJitter,
			"loud_voice":          p.IntensityMeanDB > t.LoudIntensity,
		},
	}}
}
