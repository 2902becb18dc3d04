// Package knowledge stores ideas and exchanges in the vector store. Each
// record is one point: the text embedding plus a JSON payload carrying the
// domain fields. Core fields are written once at creation; enrichment
// handlers later merge their output into the payload via read-modify-write.
package knowledge

import (
	"fmt"
	"strings"
	"time"

	"github.com/pcurie/loquax/internal/conv"
)

// payloadTime is the timestamp encoding used inside point payloads.
const payloadTime = time.RFC3339Nano

// setPath merges value into m at a dot-separated path, creating intermediate
// maps as needed. "intent.name" writes m["intent"]["name"].
func setPath(m map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

// stringOf reads a string field, tolerating absence.
func stringOf(payload map[string]any, key string) string {
	s, _ := payload[key].(string)
	return s
}

// timeOf parses a payload timestamp; zero when absent or malformed.
func timeOf(payload map[string]any, key string) time.Time {
	s, ok := payload[key].(string)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(payloadTime, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// stringsOf reads a []string field. JSON round-trips lists as []any.
func stringsOf(payload map[string]any, key string) []string {
	switch v := payload[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// int64sOf reads an []int64 field. JSON round-trips numbers as float64.
func int64sOf(payload map[string]any, key string) []int64 {
	switch v := payload[key].(type) {
	case []int64:
		return append([]int64(nil), v...)
	case []any:
		out := make([]int64, 0, len(v))
		for _, item := range v {
			switch n := item.(type) {
			case int64:
				out = append(out, n)
			case float64:
				out = append(out, int64(n))
			}
		}
		return out
	}
	return nil
}

// mapOf reads a nested object field, returning an empty map when absent.
func mapOf(payload map[string]any, key string) map[string]any {
	if m, ok := payload[key].(map[string]any); ok {
		return m
	}
	return make(map[string]any)
}

// statusMapOf reads the enrichment status object.
func statusMapOf(payload map[string]any, key string) map[string]conv.EnrichmentState {
	out := make(map[string]conv.EnrichmentState)
	for task, state := range mapOf(payload, key) {
		if s, ok := state.(string); ok {
			out[task] = conv.EnrichmentState(s)
		}
	}
	return out
}

// statusPayload encodes an enrichment status map for storage.
func statusPayload(status map[string]conv.EnrichmentState) map[string]any {
	out := make(map[string]any, len(status))
	for task, state := range status {
		out[task] = string(state)
	}
	return out
}

// mergeEnrichments applies handler output fields (dot paths allowed) and the
// status transition to a point payload in place.
func mergeEnrichments(payload map[string]any, fields map[string]any, taskType string, state conv.EnrichmentState) {
	enrichments := mapOf(payload, "enrichments")
	for path, value := range fields {
		setPath(enrichments, path, value)
	}
	payload["enrichments"] = enrichments

	status := mapOf(payload, "enrichment_status")
	status[taskType] = string(state)
	payload["enrichment_status"] = status
}

// notFoundErr builds the shared missing-point error.
func notFoundErr(kind, id string) error {
	return fmt.Errorf("knowledge: %s %s: %w", kind, id, ErrNotFound)
}
