package main

import (
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"
)

func newListTopicsCmd(configPath *string, mock *bool) *cobra.Command {
	c := &cobra.Command{
		Use:   "list-topics <recording>",
		Short: "List the topics a recording contains",
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

			glob, _ := cmd.Flags().GetString("glob")
			for _, t := range res.Topics {
				if glob != "" && !doublestar.MatchUnvalidated(glob, t.Name) {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", t.Name, t.Schema)
			}
			return nil
		},
	}
	c.Flags().String("glob", "", "only list topics matching this doublestar pattern")
	return c
}
