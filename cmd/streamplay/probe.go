package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

type probeReport struct {
	Start     string   `json:"start"`
	End       string   `json:"end"`
	TopicsN   int      `json:"topic_count"`
	TopicList []string `json:"topics"`
}

func newProbeCmd(configPath *string, mock *bool) *cobra.Command {
	var asJSON bool
	c := &cobra.Command{
		Use:   "probe <recording>",
		Short: "Print a recording's time bounds and topic list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			opened, err := openRecording(ctx, args[0], cfg, *mock)
			if err != nil {
				return err
			}
			defer opened.Close()

			res, err := opened.src.Initialize(ctx)
			if err != nil {
				return err
			}

			names := make([]string, len(res.Topics))
			for i, t := range res.Topics {
				names[i] = t.Name
			}
			report := probeReport{
				Start:     res.Start.String(),
				End:       res.End.String(),
				TopicsN:   len(res.Topics),
				TopicList: names,
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "start:  %s\nend:    %s\ntopics: %d\n", report.Start, report.End, report.TopicsN)
			for _, n := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", n)
			}
			return nil
		},
	}
	c.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return c
}
