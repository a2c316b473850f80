package content

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

type fixtureFile struct {
	Taxonomies []Taxonomy      `yaml:"taxonomies"`
	Terms      []Term          `yaml:"terms"`
	Entities   []fixtureEntity `yaml:"entities"`
}

type fixtureEntity struct {
	Entity `yaml:",inline"`
	Terms  []fixtureTermRef `yaml:"terms"`
}

type fixtureTermRef struct {
	Taxonomy string `yaml:"taxonomy"`
	ID       int64  `yaml:"id"`
}

// LoadFixtures reads a YAML content snapshot from path into a new MemoryStore.
func LoadFixtures(path string) (*MemoryStore, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixtures: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file
	return DecodeFixtures(f)
}

// DecodeFixtures reads a YAML content snapshot from r into a new MemoryStore.
func DecodeFixtures(r io.Reader) (*MemoryStore, error) {
	var ff fixtureFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&ff); err != nil {
		return nil, fmt.Errorf("decode fixtures: %w", err)
	}

	store := NewMemoryStore()
	for _, tax := range ff.Taxonomies {
		store.PutTaxonomy(tax)
	}
	known := make(map[termKey]Term, len(ff.Terms))
	for _, t := range ff.Terms {
		if _, ok := store.taxonomies[t.Taxonomy]; !ok {
			return nil, fmt.Errorf("term %d references unknown taxonomy %q", t.ID, t.Taxonomy)
		}
		store.PutTerm(t)
		known[termKey{t.Taxonomy, t.ID}] = t
	}
	for _, fe := range ff.Entities {
		if fe.Status == "" {
			fe.Status = StatusPublish
		}
		if fe.ModifiedAt.IsZero() {
			fe.ModifiedAt = fe.PublishedAt
		}
		terms := make([]Term, 0, len(fe.Terms))
		for _, ref := range fe.Terms {
			t, ok := known[termKey{ref.Taxonomy, ref.ID}]
			if !ok {
				return nil, fmt.Errorf("entity %d references unknown term %s/%d", fe.ID, ref.Taxonomy, ref.ID)
			}
			terms = append(terms, t)
		}
		store.PutEntity(fe.Entity, terms...)
	}
	return store, nil
}
