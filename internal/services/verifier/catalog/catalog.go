// Package catalog looks up quest definitions for the verifier.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/louisbranch/questgate/internal/services/verifier/evaluator"
)

// ErrNotFound is returned for unknown quest ids.
var ErrNotFound = errors.New("quest not found")

// Quest is the part of a quest definition verification needs.
type Quest struct {
	ID     string `json:"id" yaml:"id"`
	Title  string `json:"title,omitempty" yaml:"title,omitempty"`
	Points int64  `json:"points" yaml:"points"`
	// Bonus quests also add to the Group star collection when granted.
	Bonus     bool             `json:"bonus,omitempty" yaml:"bonus,omitempty"`
	Group     string           `json:"group,omitempty" yaml:"group,omitempty"`
	Evaluator evaluator.Config `json:"evaluator" yaml:"evaluator"`
}

// Catalog finds quests by id.
type Catalog interface {
	FindQuest(ctx context.Context, id string) (Quest, error)
}

// Static is an in-memory catalog.
type Static struct {
	quests map[string]Quest
}

// NewStatic validates quests and indexes them by id.
func NewStatic(quests []Quest) (*Static, error) {
	if err := Validate(quests); err != nil {
		return nil, err
	}
	index := make(map[string]Quest, len(quests))
	for _, quest := range quests {
		quest.ID = strings.TrimSpace(quest.ID)
		index[quest.ID] = quest
	}
	return &Static{quests: index}, nil
}

// FindQuest implements Catalog.
func (s *Static) FindQuest(_ context.Context, id string) (Quest, error) {
	if s == nil {
		return Quest{}, ErrNotFound
	}
	quest, ok := s.quests[strings.TrimSpace(id)]
	if !ok {
		return Quest{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return quest, nil
}

// Quests returns every quest ordered by id.
func (s *Static) Quests() []Quest {
	if s == nil {
		return nil
	}
	out := make([]Quest, 0, len(s.quests))
	for _, quest := range s.quests {
		out = append(out, quest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type fileFormat struct {
	Quests []Quest `json:"quests" yaml:"quests"`
}

// Load reads a catalog file. YAML and JSON are both accepted since JSON is
// valid YAML.
func Load(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a catalog document.
func Parse(data []byte) (*Static, error) {
	var doc fileFormat
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return NewStatic(doc.Quests)
}

// Validate checks ids are present and unique and points are not negative.
func Validate(quests []Quest) error {
	seen := make(map[string]struct{}, len(quests))
	var errs []error
	for i, quest := range quests {
		id := strings.TrimSpace(quest.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("quest %d: id is required", i))
			continue
		case quest.Points < 0:
			errs = append(errs, fmt.Errorf("quest %s: points must not be negative", id))
		case quest.Bonus && strings.TrimSpace(quest.Group) == "":
			errs = append(errs, fmt.Errorf("quest %s: bonus quests need a group", id))
		}
		if _, ok := seen[id]; ok {
			errs = append(errs, fmt.Errorf("quest %s: duplicate id", id))
		}
		seen[id] = struct{}{}
	}
	return errors.Join(errs...)
}
