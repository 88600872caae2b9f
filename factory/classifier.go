/*
Package factory builds classifiers from keyword table files.

PURPOSE:
  The competition and training keyword sets change more often than the
  code (new race names, new category codes). They live in a versioned
  table file that the factory parses, validates and turns into a
  rewards.Classifier. No keyword is hard-coded at a call site.

FILE FORMAT (YAML; JSON is accepted too):
  version: "2024-03"
  competition_keywords: ["比赛", "马拉松", "铁人三项", "race", "70.3"]
  competition_race_types: ["marathon", "triathlon", "ironman_70_3"]
  training_categories: ["training", "camp"]

KEY FEATURES:
  - Validates version and non-empty keyword sets
  - Trims, lowercases and de-duplicates entries
  - Falls back to rewards.DefaultKeywordTable when no path is configured

USAGE:
  f := factory.NewClassifierFactory()
  classifier, err := f.LoadFile("keywords.yaml")

SEE ALSO:
  - rewards/classifier.go: Classifier semantics
  - config/config.go: keyword_table setting
*/
package factory

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/warp/points-engine/rewards"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// CLASSIFIER FACTORY
// =============================================================================

// ClassifierFactory converts keyword table files to classifiers.
type ClassifierFactory struct{}

// NewClassifierFactory creates a new classifier factory.
func NewClassifierFactory() *ClassifierFactory {
	return &ClassifierFactory{}
}

// Parse parses a YAML or JSON keyword table into a Classifier.
func (f *ClassifierFactory) Parse(data []byte) (*rewards.Classifier, error) {
	table, err := f.ParseTable(data)
	if err != nil {
		return nil, err
	}
	return rewards.NewClassifier(table), nil
}

// ParseTable parses and validates a keyword table without building a
// classifier.
func (f *ClassifierFactory) ParseTable(data []byte) (rewards.KeywordTable, error) {
	var table rewards.KeywordTable
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&table); err != nil {
		return rewards.KeywordTable{}, fmt.Errorf("failed to parse keyword table: %w", err)
	}
	return f.FromTable(table)
}

// FromTable normalizes and validates a table.
func (f *ClassifierFactory) FromTable(table rewards.KeywordTable) (rewards.KeywordTable, error) {
	table.Version = strings.TrimSpace(table.Version)
	if table.Version == "" {
		return rewards.KeywordTable{}, fmt.Errorf("keyword table requires a version")
	}
	table.CompetitionKeywords = normalize(table.CompetitionKeywords)
	table.CompetitionRaceTypes = normalize(table.CompetitionRaceTypes)
	table.TrainingCategories = normalize(table.TrainingCategories)

	if len(table.CompetitionKeywords) == 0 && len(table.CompetitionRaceTypes) == 0 {
		return rewards.KeywordTable{}, fmt.Errorf("keyword table %s has no competition keywords or race types", table.Version)
	}
	if len(table.TrainingCategories) == 0 {
		return rewards.KeywordTable{}, fmt.Errorf("keyword table %s has no training categories", table.Version)
	}
	return table, nil
}

// LoadFile reads a keyword table from path. An empty path yields the
// built-in default table.
func (f *ClassifierFactory) LoadFile(path string) (*rewards.Classifier, error) {
	if path == "" {
		return rewards.NewClassifier(rewards.DefaultKeywordTable()), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keyword table: %w", err)
	}
	return f.Parse(data)
}

// ToYAML renders a table in the file format accepted by Parse.
func (f *ClassifierFactory) ToYAML(table rewards.KeywordTable) ([]byte, error) {
	return yaml.Marshal(table)
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func normalize(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
