package index

import (
	"context"
	"sort"
	"sync"

	"github.com/jllopis/fabrica/pkg/embedding"
)

// InMemory is a brute-force cosine-similarity vector store. It is the default
// backend for tests and single-process deployments; larger installations use
// the qdrant adapter behind the same interface.
type InMemory struct {
	mu          sync.RWMutex
	collections map[string]map[string]Point
}

// NewInMemory creates an empty in-memory vector store.
func NewInMemory() *InMemory {
	return &InMemory{collections: make(map[string]map[string]Point)}
}

// EnsureCollection creates the collection if it doesn't exist.
func (s *InMemory) EnsureCollection(_ context.Context, name string, _ uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; !ok {
		s.collections[name] = make(map[string]Point)
	}
	return nil
}

// Upsert adds or replaces points keyed by id.
func (s *InMemory) Upsert(_ context.Context, collection string, points []Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]Point)
		s.collections[collection] = coll
	}
	for _, p := range points {
		coll[p.ID] = p
	}
	return nil
}

// Search scans the collection and returns the top matches by cosine similarity.
func (s *InMemory) Search(_ context.Context, collection string, vector []float32, limit int, scoreThreshold float32) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coll := s.collections[collection]
	results := make([]SearchResult, 0, len(coll))
	for _, p := range coll {
		score := float32(embedding.Cosine(vector, p.Vector))
		if score < scoreThreshold {
			continue
		}
		results = append(results, SearchResult{ID: p.ID, Score: score, Payload: p.Payload})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score == results[j].Score {
			return results[i].ID < results[j].ID
		}
		return results[i].Score > results[j].Score
	})
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Delete removes points by id. Unknown ids are ignored.
func (s *InMemory) Delete(_ context.Context, collection string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	coll, ok := s.collections[collection]
	if !ok {
		return nil
	}
	for _, id := range ids {
		delete(coll, id)
	}
	return nil
}
