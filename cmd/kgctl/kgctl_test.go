package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) map[string]any {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())

	var body map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &body), out.String())
	return body
}

func TestIngestThenAnalyze(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("KGENGINE_SQLITE_PATH", filepath.Join(dir, "kg.db"))

	batch := `{
		"source_content_id": "course-42",
		"entities": [
			{"ref": "sql", "entity_type": "knowledge_concept", "name": "SQL", "confidence_score": 0.9},
			{"ref": "join", "entity_type": "knowledge_concept", "name": "Joins", "confidence_score": 0.8}
		],
		"relationships": [
			{"source": "sql", "target": "join", "relationship_type": "prerequisite", "confidence_score": 0.9, "strength": 0.8}
		]
	}`
	file := filepath.Join(dir, "batch.json")
	require.NoError(t, os.WriteFile(file, []byte(batch), 0o644))

	res := execute(t, "ingest", file)
	assert.EqualValues(t, 2, res["entities_created"])
	ids := res["entity_ids"].(map[string]any)

	stats := execute(t, "stats")
	assert.EqualValues(t, 2, stats["total_entities"])
	assert.EqualValues(t, 1, stats["total_relationships"])

	paths := execute(t, "paths", ids["sql"].(string), ids["join"].(string), "--max-depth", "3")
	assert.Len(t, paths["paths"], 1)

	gaps := execute(t, "gaps", "--depth", "shallow")
	assert.Contains(t, gaps, "overall_completeness")
}
