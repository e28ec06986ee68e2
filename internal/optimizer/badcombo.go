package optimizer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// BadCombo is one parameter set that landed in the worst decile of a past
// training run. The sampler refuses to propose these again.
type BadCombo struct {
	Params   map[string]float64 `json:"params"`
	Score    float64            `json:"score"`
	TaggedAt time.Time          `json:"tagged_at"`
}

// BadComboStore is the persistent bad-combo memory, a JSON object keyed by
// vector hash. An empty path keeps the store in memory only.
type BadComboStore struct {
	path string
	set  map[string]BadCombo
}

// LoadBadCombos reads the store at path. A missing file yields an empty
// store; a corrupt file is an error so a typo'd path does not silently wipe
// the memory on the next save.
func LoadBadCombos(path string) (*BadComboStore, error) {
	s := &BadComboStore{path: path, set: make(map[string]BadCombo)}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bad-combo store: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.set); err != nil {
		return nil, fmt.Errorf("parse bad-combo store %s: %w", path, err)
	}
	return s, nil
}

// Len returns the number of remembered combos.
func (s *BadComboStore) Len() int { return len(s.set) }

// Skip returns the hash set the sampler consults. The returned map is a copy.
func (s *BadComboStore) Skip() map[string]bool {
	out := make(map[string]bool, len(s.set))
	for h := range s.set {
		out[h] = true
	}
	return out
}

// Record tags the worst decile of the run's trials. Runs with fewer than ten
// trials are ignored, a decile of nothing tags nothing. Returns how many new
// combos were added.
func (s *BadComboStore) Record(trials []trial, now time.Time) int {
	if len(trials) < 10 {
		return 0
	}
	ordered := make([]trial, len(trials))
	copy(ordered, trials)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].score < ordered[j].score })

	added := 0
	for _, t := range ordered[:len(ordered)/10] {
		h := t.vec.Hash()
		if _, ok := s.set[h]; ok {
			continue
		}
		s.set[h] = BadCombo{Params: t.vec.Params(), Score: t.score, TaggedAt: now.UTC()}
		added++
	}
	return added
}

// Save writes the store atomically via a temp file rename. A store with an
// empty path saves nothing.
func (s *BadComboStore) Save() error {
	if s.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(s.set, "", "  ")
	if err != nil {
		return fmt.Errorf("encode bad-combo store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create bad-combo dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write bad-combo store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace bad-combo store: %w", err)
	}
	return nil
}
