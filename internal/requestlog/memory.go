package requestlog

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// TitleFunc resolves an entity title for listing; it returns "" when unknown.
type TitleFunc func(ctx context.Context, entityID int64) string

// MemoryStore is an in-process Store for local development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	entries []Entry
	title   TitleFunc
}

// NewMemoryStore creates an empty store. title may be nil.
func NewMemoryStore(title TitleFunc) *MemoryStore {
	if title == nil {
		title = func(context.Context, int64) string { return "" }
	}
	return &MemoryStore{title: title}
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, e Entry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e.ID = s.nextID
	e.Title = ""
	s.entries = append(s.entries, e)
	return e.ID, nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context, f Filter) ([]Entry, int, error) {
	if err := f.Validate(); err != nil {
		return nil, 0, err
	}
	s.mu.RLock()
	snapshot := append([]Entry(nil), s.entries...)
	s.mu.RUnlock()

	search := strings.ToLower(f.Search)
	var matches []Entry
	for _, e := range snapshot {
		if f.BotType != "" && e.BotType != f.BotType {
			continue
		}
		if f.BotName != "" && e.BotName != f.BotName {
			continue
		}
		if f.Method != "" && e.Method != f.Method {
			continue
		}
		if f.EntityID > 0 && e.EntityID != f.EntityID {
			continue
		}
		e.Title = s.title(ctx, e.EntityID)
		if search != "" && !strings.Contains(strings.ToLower(e.Title), search) {
			continue
		}
		matches = append(matches, e)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if f.Ascending {
			a, b = b, a
		}
		switch f.OrderBy {
		case OrderTokens:
			if a.Tokens != b.Tokens {
				return a.Tokens > b.Tokens
			}
		default:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
		}
		return a.ID > b.ID
	})

	total := len(matches)
	start := min(f.Offset, total)
	end := total
	if f.Limit > 0 {
		end = min(start+f.Limit, total)
	}
	return matches[start:end], total, nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.entries)), nil
}

// TrimTo implements Store.
func (s *MemoryStore) TrimTo(_ context.Context, maxRows int64) (int64, error) {
	if maxRows <= 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	excess := int64(len(s.entries)) - maxRows
	if excess <= 0 {
		return 0, nil
	}
	// entries are kept in id order, so the head is the oldest
	s.entries = append([]Entry(nil), s.entries[excess:]...)
	return excess, nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	return nil
}

// BotCounts implements Store.
func (s *MemoryStore) BotCounts(_ context.Context) ([]BotCount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type key struct{ name, typ string }
	agg := make(map[key]*BotCount)
	for _, e := range s.entries {
		k := key{e.BotName, e.BotType}
		b, ok := agg[k]
		if !ok {
			b = &BotCount{BotName: e.BotName, BotType: e.BotType}
			agg[k] = b
		}
		b.Requests++
		b.Tokens += int64(e.Tokens)
	}
	out := make([]BotCount, 0, len(agg))
	for _, b := range agg {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Requests != out[j].Requests {
			return out[i].Requests > out[j].Requests
		}
		return out[i].BotName < out[j].BotName
	})
	return out, nil
}

// TokenSummary implements Store.
func (s *MemoryStore) TokenSummary(_ context.Context) (TokenSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ts TokenSummary
	for _, e := range s.entries {
		ts.Requests++
		ts.Total += int64(e.Tokens)
		ts.Max = max(ts.Max, int64(e.Tokens))
	}
	if ts.Requests > 0 {
		ts.Average = float64(ts.Total) / float64(ts.Requests)
	}
	return ts, nil
}

// TopEntities implements Store.
func (s *MemoryStore) TopEntities(ctx context.Context, limit int) ([]TopEntity, error) {
	if limit <= 0 {
		limit = 10
	}
	s.mu.RLock()
	agg := make(map[int64]*TopEntity)
	for _, e := range s.entries {
		if e.EntityID <= 0 {
			continue
		}
		te, ok := agg[e.EntityID]
		if !ok {
			te = &TopEntity{EntityID: e.EntityID}
			agg[e.EntityID] = te
		}
		te.Requests++
		te.Tokens += int64(e.Tokens)
	}
	s.mu.RUnlock()

	out := make([]TopEntity, 0, len(agg))
	for _, te := range agg {
		te.Title = s.title(ctx, te.EntityID)
		out = append(out, *te)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Requests != out[j].Requests {
			return out[i].Requests > out[j].Requests
		}
		return out[i].EntityID < out[j].EntityID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
