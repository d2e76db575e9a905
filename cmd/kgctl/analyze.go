package main

import (
	"github.com/spf13/cobra"

	"github.com/kgengine/backend/internal/kg/cluster"
	"github.com/kgengine/backend/internal/kg/gaps"
	"github.com/kgengine/backend/internal/kg/stats"
	"github.com/kgengine/backend/internal/kg/traversal"
)

var (
	gapsDepth       string
	gapsDomains     []string
	pathsMaxDepth   int
	pathsMinConf    float64
	clusterAlgo     string
	clusterMinSize  int
	clusterMaxCount int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print graph statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		snap, err := e.engine.Snapshot(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, stats.Compute(snap))
	},
}

var gapsCmd = &cobra.Command{
	Use:   "gaps",
	Short: "Report knowledge gaps",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.engine.AnalyzeGaps(cmd.Context(), gaps.Request{
			Depth:              gaps.Depth(gapsDepth),
			FocusDomains:       gapsDomains,
			IncludeSuggestions: true,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var pathsCmd = &cobra.Command{
	Use:   "paths <start-entity-id> <end-entity-id>",
	Short: "Discover ranked paths between two entities",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.engine.DiscoverPaths(cmd.Context(), traversal.Request{
			StartEntityID: args[0],
			EndEntityID:   args[1],
			MaxDepth:      pathsMaxDepth,
			MinConfidence: pathsMinConf,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var clustersCmd = &cobra.Command{
	Use:   "clusters",
	Short: "Group entities into clusters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv()
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.engine.Cluster(cmd.Context(), cluster.Request{
			Algorithm:      cluster.Algorithm(clusterAlgo),
			MinClusterSize: clusterMinSize,
			MaxClusters:    clusterMaxCount,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

func init() {
	gapsCmd.Flags().StringVar(&gapsDepth, "depth", string(gaps.DepthStandard), "shallow, standard or comprehensive")
	gapsCmd.Flags().StringSliceVar(&gapsDomains, "domain", nil, "restrict gaps to these domains")

	pathsCmd.Flags().IntVar(&pathsMaxDepth, "max-depth", 0, "maximum hops (default from config)")
	pathsCmd.Flags().Float64Var(&pathsMinConf, "min-confidence", 0, "ignore relationships below this confidence")

	clustersCmd.Flags().StringVar(&clusterAlgo, "algorithm", string(cluster.AlgorithmSemantic), "semantic, structural or hybrid")
	clustersCmd.Flags().IntVar(&clusterMinSize, "min-size", 0, "minimum cluster size")
	clustersCmd.Flags().IntVar(&clusterMaxCount, "max-clusters", 0, "maximum number of clusters")

	rootCmd.AddCommand(statsCmd, gapsCmd, pathsCmd, clustersCmd)
}
