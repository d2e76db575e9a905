package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kgengine/backend/internal/kg/builder"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.json>",
	Short: "Write an extraction batch",
	Long: `Write an extraction batch to the graph.

The file holds one batch: a source_content_id, entities addressed by a
batch-local "ref", and relationships whose endpoints name refs or existing
entity ids. Invalid items are reported and skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read batch: %w", err)
	}
	var batch builder.Batch
	if err := json.Unmarshal(data, &batch); err != nil {
		return fmt.Errorf("decode batch %s: %w", args[0], err)
	}

	e, err := openEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	b, release, err := e.builder(cmd.Context())
	if err != nil {
		return err
	}
	defer release()

	res, err := b.Ingest(cmd.Context(), &batch)
	if err != nil {
		return fmt.Errorf("ingest: %w", err)
	}
	return printJSON(cmd, res)
}
