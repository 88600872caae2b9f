package factory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/points-engine/generic"
	"github.com/warp/points-engine/rewards"
)

const tableYAML = `
version: "2025-01"
competition_keywords: ["  Gran Fondo ", "比赛", "比赛"]
competition_race_types: ["Ironman_70_3"]
training_categories: ["training", "camp", "Clinic"]
`

func TestParseTable_Normalizes(t *testing.T) {
	// GIVEN: a table with padding, mixed case and a duplicate
	f := NewClassifierFactory()

	// WHEN: parsed
	table, err := f.ParseTable([]byte(tableYAML))

	// THEN: entries are trimmed, lowercased and de-duplicated
	require.NoError(t, err)
	assert.Equal(t, "2025-01", table.Version)
	assert.Equal(t, []string{"gran fondo", "比赛"}, table.CompetitionKeywords)
	assert.Equal(t, []string{"ironman_70_3"}, table.CompetitionRaceTypes)
	assert.Equal(t, []string{"training", "camp", "clinic"}, table.TrainingCategories)
}

func TestParse_AcceptsJSON(t *testing.T) {
	f := NewClassifierFactory()
	c, err := f.Parse([]byte(`{"version":"j1","competition_keywords":["duathlon"],"training_categories":["training"]}`))
	require.NoError(t, err)
	assert.Equal(t, "j1", c.Version())
	assert.True(t, c.IsCompetition(rewards.ClassifierFields{Description: "Spring Duathlon"}))
}

func TestParseTable_Rejects(t *testing.T) {
	f := NewClassifierFactory()

	tests := []struct {
		name string
		data string
	}{
		{"missing version", `competition_keywords: [race]
training_categories: [training]`},
		{"no competition signal", `version: v
training_categories: [training]`},
		{"no training categories", `version: v
competition_keywords: [race]`},
		{"unknown field", `version: v
competition_keywords: [race]
training_categories: [training]
colour: blue`},
		{"not yaml", `version: [`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ParseTable([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	f := NewClassifierFactory()

	t.Run("empty path uses default table", func(t *testing.T) {
		c, err := f.LoadFile("")
		require.NoError(t, err)
		assert.Equal(t, rewards.DefaultKeywordTable().Version, c.Version())
	})

	t.Run("reads a file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "keywords.yaml")
		require.NoError(t, os.WriteFile(path, []byte(tableYAML), 0o600))

		c, err := f.LoadFile(path)
		require.NoError(t, err)
		assert.True(t, c.IsCompetition(rewards.ClassifierFields{RaceType: "IRONMAN_70_3"}))
		assert.True(t, c.IsTraining(generic.LedgerEntry{Category: generic.Category{Code: "clinic"}}))
		assert.False(t, c.IsCompetition(rewards.ClassifierFields{CategoryName: "easy ride"}))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := f.LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestToYAML_RoundTrips(t *testing.T) {
	f := NewClassifierFactory()
	out, err := f.ToYAML(rewards.DefaultKeywordTable())
	require.NoError(t, err)

	table, err := f.ParseTable(out)
	require.NoError(t, err)
	assert.Equal(t, rewards.DefaultKeywordTable().Version, table.Version)
}
