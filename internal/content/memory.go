package content

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

type termKey struct {
	taxonomy string
	id       int64
}

// MemoryStore is an in-process Store used for local development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	entities    map[int64]Entity
	byPath      map[string]int64
	terms       map[termKey]Term
	taxonomies  map[string]Taxonomy
	entityTerms map[int64][]termKey
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:    make(map[int64]Entity),
		byPath:      make(map[string]int64),
		terms:       make(map[termKey]Term),
		taxonomies:  make(map[string]Taxonomy),
		entityTerms: make(map[int64][]termKey),
	}
}

// PutTaxonomy registers or replaces a taxonomy.
func (s *MemoryStore) PutTaxonomy(t Taxonomy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taxonomies[t.Name] = t
}

// PutTerm registers or replaces a term.
func (s *MemoryStore) PutTerm(t Term) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terms[termKey{t.Taxonomy, t.ID}] = t
}

// PutEntity registers or replaces an entity and its term associations.
func (s *MemoryStore) PutEntity(e Entity, terms ...Term) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entities[e.ID]; ok {
		delete(s.byPath, normalizePath(old.Path))
	}
	s.entities[e.ID] = e
	if p := normalizePath(e.Path); p != "" {
		s.byPath[p] = e.ID
	}
	keys := make([]termKey, 0, len(terms))
	for _, t := range terms {
		keys = append(keys, termKey{t.Taxonomy, t.ID})
	}
	s.entityTerms[e.ID] = keys
}

// Touch sets an entity's modified timestamp, as an edit in the host would.
func (s *MemoryStore) Touch(id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return fmt.Errorf("touch entity %d: %w", id, ErrNotFound)
	}
	e.ModifiedAt = at
	s.entities[id] = e
	return nil
}

// Entity implements Store.
func (s *MemoryStore) Entity(_ context.Context, id int64) (Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return Entity{}, ErrNotFound
	}
	return e, nil
}

// EntityByPath implements Store.
func (s *MemoryStore) EntityByPath(_ context.Context, path string) (Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPath[normalizePath(path)]
	if !ok {
		return Entity{}, ErrNotFound
	}
	return s.entities[id], nil
}

// Term implements Store.
func (s *MemoryStore) Term(_ context.Context, taxonomy string, id int64) (Term, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.terms[termKey{taxonomy, id}]
	if !ok {
		return Term{}, ErrNotFound
	}
	return t, nil
}

// TermBySlug implements Store.
func (s *MemoryStore) TermBySlug(_ context.Context, taxonomy, slug string) (Term, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, t := range s.terms {
		if k.taxonomy == taxonomy && t.Slug == slug {
			return t, nil
		}
	}
	return Term{}, ErrNotFound
}

// Taxonomy implements Store.
func (s *MemoryStore) Taxonomy(_ context.Context, name string) (Taxonomy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.taxonomies[name]
	if !ok {
		return Taxonomy{}, ErrNotFound
	}
	return t, nil
}

// EntityTerms implements Store.
func (s *MemoryStore) EntityTerms(_ context.Context, entityID int64) ([]Term, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Term
	for _, k := range s.entityTerms[entityID] {
		if t, ok := s.terms[k]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

// ChildTerms implements Store.
func (s *MemoryStore) ChildTerms(_ context.Context, taxonomy string, parentID int64) ([]Term, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Term
	for k, t := range s.terms {
		if k.taxonomy == taxonomy && t.ParentID == parentID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListPublished implements Store.
func (s *MemoryStore) ListPublished(_ context.Context, q ListQuery) ([]Entity, int, error) {
	s.mu.RLock()
	matches := s.matching(q)
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].PublishedAt.Equal(matches[j].PublishedAt) {
			return matches[i].PublishedAt.After(matches[j].PublishedAt)
		}
		return matches[i].ID > matches[j].ID
	})
	total := len(matches)
	start := min(max(q.Offset, 0), total)
	end := total
	if q.Limit > 0 {
		end = min(start+q.Limit, total)
	}
	return matches[start:end], total, nil
}

// LatestModified implements Store.
func (s *MemoryStore) LatestModified(_ context.Context, q ListQuery) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest time.Time
	for _, e := range s.matching(q) {
		if e.ModifiedAt.After(latest) {
			latest = e.ModifiedAt
		}
	}
	return latest, nil
}

// matching must be called with the read lock held.
func (s *MemoryStore) matching(q ListQuery) []Entity {
	var out []Entity
	for _, e := range s.entities {
		if !e.Published() {
			continue
		}
		if len(q.Types) > 0 && !slices.Contains(q.Types, e.Type) {
			continue
		}
		if q.TermID > 0 && !slices.Contains(s.entityTerms[e.ID], termKey{q.Taxonomy, q.TermID}) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func normalizePath(p string) string {
	return strings.Trim(p, "/")
}
