package rewards

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/warp/points-engine/generic"
)

// =============================================================================
// KEYWORD TABLE
// =============================================================================

// KeywordTable is the versioned data behind the Classifier.
// Tables are loaded from YAML/JSON by factory.ClassifierFactory.
type KeywordTable struct {
	Version              string   `yaml:"version" json:"version"`
	CompetitionKeywords  []string `yaml:"competition_keywords" json:"competition_keywords"`
	CompetitionRaceTypes []string `yaml:"competition_race_types" json:"competition_race_types"`
	TrainingCategories   []string `yaml:"training_categories" json:"training_categories"`
}

// DefaultKeywordTable is used when no table file is configured.
func DefaultKeywordTable() KeywordTable {
	return KeywordTable{
		Version: "2024-03",
		CompetitionKeywords: []string{
			"比赛", "赛事", "马拉松", "半马", "全马", "铁人三项", "铁三", "越野",
			"公路赛", "场地赛", "游泳赛", "骑行赛", "两项赛",
			"race", "marathon", "triathlon", "ironman", "70.3", "duathlon",
			"competition", "gran fondo", "trail run",
		},
		CompetitionRaceTypes: []string{
			"marathon", "half_marathon", "triathlon", "ironman", "ironman_70_3",
			"duathlon", "trail", "road_race", "cycling_race", "swim_race", "aquathlon",
		},
		TrainingCategories: []string{"training", "camp"},
	}
}

// =============================================================================
// CLASSIFIER
// =============================================================================

// ClassifierFields are the text fields a competition match looks at.
type ClassifierFields struct {
	CategoryName  string
	RaceTypeLabel string
	Description   string
	RaceType      string
}

// FieldsOf extracts the classification fields of a ledger entry.
func FieldsOf(e generic.LedgerEntry) ClassifierFields {
	return ClassifierFields{
		CategoryName:  e.Category.Name,
		RaceTypeLabel: e.Category.RaceTypeLabel,
		Description:   e.Category.Description,
		RaceType:      e.Category.RaceType,
	}
}

// Classifier decides competition and training membership of entries.
// It is immutable after construction and safe for concurrent use.
type Classifier struct {
	version   string
	keywords  []string
	raceTypes map[string]bool
	training  map[string]bool
}

// NewClassifier lowercases and indexes a keyword table.
func NewClassifier(t KeywordTable) *Classifier {
	c := &Classifier{
		version:   t.Version,
		raceTypes: make(map[string]bool),
		training:  make(map[string]bool),
	}
	for _, k := range t.CompetitionKeywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			c.keywords = append(c.keywords, k)
		}
	}
	for _, r := range t.CompetitionRaceTypes {
		if r = strings.ToLower(strings.TrimSpace(r)); r != "" {
			c.raceTypes[r] = true
		}
	}
	for _, cat := range t.TrainingCategories {
		if cat = strings.ToLower(strings.TrimSpace(cat)); cat != "" {
			c.training[cat] = true
		}
	}
	return c
}

func (c *Classifier) Version() string { return c.version }

// IsCompetition reports whether any text field contains a competition
// keyword (case-insensitive) or the race type code is a competition code.
func (c *Classifier) IsCompetition(f ClassifierFields) bool {
	if c.raceTypes[strings.ToLower(strings.TrimSpace(f.RaceType))] {
		return true
	}
	for _, text := range []string{f.CategoryName, f.RaceTypeLabel, f.Description} {
		if text == "" {
			continue
		}
		lower := strings.ToLower(text)
		for _, k := range c.keywords {
			if strings.Contains(lower, k) {
				return true
			}
		}
	}
	return false
}

// IsTraining reports whether an entry feeds the training rollup:
// its category code is a training category, or it carries a positive
// duration signal in its activity metadata.
func (c *Classifier) IsTraining(e generic.LedgerEntry) bool {
	if c.training[strings.ToLower(strings.TrimSpace(e.Category.Code))] {
		return true
	}
	return hasDurationSignal(e.Meta)
}

// QualifiesForUnlock is the per-entry part of the auto-unlock scan.
func (c *Classifier) QualifiesForUnlock(e generic.LedgerEntry) bool {
	return e.Kind == generic.KindEarn &&
		e.Status == generic.StatusApproved &&
		e.Points > 0 &&
		c.IsCompetition(FieldsOf(e))
}

func hasDurationSignal(meta []byte) bool {
	if len(meta) == 0 || !gjson.ValidBytes(meta) {
		return false
	}
	for _, path := range append(hoursPaths, minutesPaths...) {
		if r := gjson.GetBytes(meta, path); r.Exists() && r.Float() > 0 {
			return true
		}
	}
	return false
}
