package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/PulseAI-Platform/kash-stash/internal/endpoint"
	"github.com/PulseAI-Platform/kash-stash/internal/jobs"
	"github.com/PulseAI-Platform/kash-stash/internal/podapi"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the job configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Fetch, parse and print the job configuration from the pod",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger(logLevel)

		f, err := endpoint.Load(endpointPath)
		if err != nil {
			return err
		}
		ep, err := f.Current()
		if err != nil {
			return err
		}
		if ep.ConfigDigestID == "" {
			return fmt.Errorf("endpoint %q has no config digest id", ep.Name)
		}

		pod := podapi.New(endpoint.Static(ep), logger)
		content, err := pod.FetchByID(cmd.Context(), ep.ConfigDigestID, ep.ConfigSearchTags(), podapi.CacheNever)
		if err != nil {
			return err
		}
		cfg, err := jobs.ParseConfig([]byte(content))
		if err != nil {
			return err
		}

		names := make([]string, 0, len(cfg))
		for name := range cfg {
			names = append(names, name)
		}
		sort.Strings(names)

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "endpoint: %s  config digest: %s  jobs: %d\n", ep.Name, ep.ConfigDigestID, len(cfg))
		for _, name := range names {
			job, err := cfg[name].Normalize(name)
			if err != nil {
				fmt.Fprintf(out, "  %s: INVALID (%v)\n", name, err)
				continue
			}
			switch job.Class {
			case jobs.ClassQueue:
				fmt.Fprintf(out, "  %s: queue lang=%s threads=%d queue_tag=%s lookback=%s timeout=%s\n",
					name, job.Language, job.Threads, job.QueueTag, job.Lookback, job.Timeout)
			case jobs.ClassTask:
				fmt.Fprintf(out, "  %s: task lang=%s threads=%d interval=%s timeout=%s\n",
					name, job.Language, job.Threads, job.Interval, job.Timeout)
			default:
				fmt.Fprintf(out, "  %s: %s lang=%s timeout=%s\n", name, job.Class, job.Language, job.Timeout)
			}
		}
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the agent version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "agent %s (%s)\n", version, commit)
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}
