// Package mock provides an in-memory vectorstore.Store for tests. Search
// uses exact cosine distance over all stored points.
package mock

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/pcurie/loquax/pkg/vectorstore"
)

// Compile-time interface check.
var _ vectorstore.Store = (*Store)(nil)

type record struct {
	point vectorstore.Point
	seq   int
}

// Store is an in-memory implementation of vectorstore.Store.
// All methods are safe for concurrent use.
type Store struct {
	mu          sync.Mutex
	collections map[string]map[string]record
	dims        map[string]int
	nextSeq     int
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		collections: make(map[string]map[string]record),
		dims:        make(map[string]int),
	}
}

// EnsureCollection implements vectorstore.Store.
func (s *Store) EnsureCollection(_ context.Context, name string, dimensions int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; !ok {
		s.collections[name] = make(map[string]record)
		s.dims[name] = dimensions
	}
	return nil
}

// Upsert implements vectorstore.Store. Payloads are deep-copied so later
// caller mutation does not leak into the store.
func (s *Store) Upsert(_ context.Context, collection string, p vectorstore.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[collection]
	if !ok {
		return fmt.Errorf("mock vectorstore: unknown collection %q", collection)
	}
	seq := s.nextSeq
	if prev, ok := col[p.ID]; ok {
		seq = prev.seq // keep insertion order stable across upserts
	} else {
		s.nextSeq++
	}
	col[p.ID] = record{point: copyPoint(p), seq: seq}
	return nil
}

// Retrieve implements vectorstore.Store.
func (s *Store) Retrieve(_ context.Context, collection string, ids []string) ([]vectorstore.Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("mock vectorstore: unknown collection %q", collection)
	}
	var out []vectorstore.Point
	for _, id := range ids {
		if rec, ok := col[id]; ok {
			out = append(out, copyPoint(rec.point))
		}
	}
	return out, nil
}

// Search implements vectorstore.Store with exact cosine distance.
func (s *Store) Search(_ context.Context, collection string, vector []float32, limit int, filter vectorstore.Filter) ([]vectorstore.Hit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("mock vectorstore: unknown collection %q", collection)
	}
	var hits []vectorstore.Hit
	for _, rec := range col {
		if !matches(rec.point.Payload, filter) {
			continue
		}
		hits = append(hits, vectorstore.Hit{
			Point: copyPoint(rec.point),
			Score: cosineDistance(vector, rec.point.Vector),
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score < hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Scroll implements vectorstore.Store in insertion order.
func (s *Store) Scroll(_ context.Context, collection string, filter vectorstore.Filter, limit int) ([]vectorstore.Point, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("mock vectorstore: unknown collection %q", collection)
	}
	recs := make([]record, 0, len(col))
	for _, rec := range col {
		if matches(rec.point.Payload, filter) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]vectorstore.Point, len(recs))
	for i, rec := range recs {
		out[i] = copyPoint(rec.point)
	}
	return out, nil
}

// Len reports the number of points in a collection.
func (s *Store) Len(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.collections[collection])
}

func matches(payload map[string]any, filter vectorstore.Filter) bool {
	for k, want := range filter {
		got, ok := payload[k]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

func cosineDistance(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 1
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

func copyPoint(p vectorstore.Point) vectorstore.Point {
	out := vectorstore.Point{ID: p.ID}
	out.Vector = append([]float32(nil), p.Vector...)
	if p.Payload != nil {
		out.Payload = deepCopyMap(p.Payload)
	}
	return out
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = deepCopyMap(nested)
			continue
		}
		if slice, ok := v.([]any); ok {
			out[k] = append([]any(nil), slice...)
			continue
		}
		out[k] = v
	}
	return out
}
