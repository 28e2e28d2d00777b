// Command patternintelctl is a thin operator CLI demonstrating the core's
// operations; it is not part of the module's public API. Grounded on the
// teacher's cmd/sqvect cobra wiring.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/patterncore/intel/pkg/boundary"
	"github.com/patterncore/intel/pkg/pattern"
	"github.com/patterncore/intel/pkg/patterncore"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "patternintelctl",
		Short: "Operate a pattern intelligence core store",
	}
	root.AddCommand(addPatternCmd())
	root.AddCommand(searchCmd())
	root.AddCommand(statsCmd())
	return root
}

func addPatternCmd() *cobra.Command {
	var title, content, domain string
	var tags []string

	cmd := &cobra.Command{
		Use:   "add-pattern",
		Short: "Create and index a new pattern",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			core, err := patterncore.Open(ctx)
			if err != nil {
				return err
			}
			defer core.Close()

			p, err := core.Library.Create(ctx, pattern.Builder{
				Title:    title,
				Content:  content,
				Tags:     tags,
				Metadata: pattern.Metadata{Domain: domain},
			})
			if err != nil {
				return err
			}
			if err := core.Index.IndexPattern(ctx, p); err != nil {
				return err
			}
			fmt.Printf("indexed pattern %s\n", p.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "pattern title")
	cmd.Flags().StringVar(&content, "content", "", "pattern content")
	cmd.Flags().StringVar(&domain, "domain", "", "pattern domain")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "comma-separated tags")
	return cmd
}

func searchCmd() *cobra.Command {
	var query string

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Match a problem description against the pattern library",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			core, err := patterncore.Open(ctx)
			if err != nil {
				return err
			}
			defer core.Close()

			sol, err := core.Solve(ctx, boundary.Problem{Description: query}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("recommendation: %s\nconfidence: %.2f\n", sol.Recommendation, sol.Confidence)
			return nil
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "problem description to match")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print hash cache freshness statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			core, err := patterncore.Open(ctx)
			if err != nil {
				return err
			}
			defer core.Close()

			fresh, total := core.HashCache.Stats()
			fmt.Printf("hash cache: %d/%d fresh\n", fresh, total)
			return nil
		},
	}
}
