package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/agentmem/internal/vectorstore"
)

func newAddCmd(flags *globalFlags) *cobra.Command {
	var meta []string

	cmd := &cobra.Command{
		Use:   "add [text]",
		Short: "Embed and store one document",
		Long: `Embed text and store it with optional metadata. The new document ID is
printed on stdout. With no argument, or "-", the text is read from stdin.

Examples:
  agentmem add "Swarms agents collaborate." --meta source=notes --meta page=3
  cat notes.txt | agentmem add -`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readText(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			md, err := parsePairs(meta)
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				id, err := a.adapter.Add(ctx, text, vectorstore.Metadata(md))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVarP(&meta, "meta", "m", nil, "metadata as key=value (repeatable)")
	return cmd
}

func newQueryCmd(flags *globalFlags) *cobra.Command {
	var (
		nResults int
		filter   []string
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "query <text>",
		Short: "Return the stored documents closest to text",
		Long: `Return at most n documents ordered from most to least relevant.

Examples:
  agentmem query "agents" -n 3
  agentmem query "agents" --filter source=notes --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := parsePairs(filter)
			if err != nil {
				return err
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				n := nResults
				if n == 0 {
					n = a.cfg.NResults
				}
				results, err := a.adapter.Query(ctx, args[0], n, vectorstore.Filter(f))
				if err != nil {
					return err
				}
				return printResults(cmd.OutOrStdout(), results, asJSON)
			})
		},
	}
	cmd.Flags().IntVarP(&nResults, "n-results", "n", 0, "maximum number of results (default n_results)")
	cmd.Flags().StringArrayVarP(&filter, "filter", "f", nil, "exact metadata match as key=value (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print results as JSON")
	return cmd
}

func newIngestCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <dir>",
		Short: "Chunk and store every text file under a directory",
		Long: `Walk dir, split each eligible file into chunks of at most limit_tokens
tokens and store every chunk with source, chunk_index and chunk_count
metadata. Files that cannot be read are reported and skipped.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				report, err := a.adapter.TraverseDirectory(ctx, args[0])
				if err != nil {
					return err
				}
				for _, w := range report.Warnings {
					fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", w)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ingested %d chunks from %d files (%d skipped)\n",
					report.Chunks, report.Files, len(report.Warnings))
				return nil
			})
		},
	}
}

func newCountCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "count",
		Short: "Print the number of stored documents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				n, err := a.adapter.Count(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	}
}

func newDeleteCmd(flags *globalFlags) *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "delete [id...]",
		Short: "Remove documents by ID or by source",
		Long: `Remove documents by ID, or every chunk ingested from one source file.

Examples:
  agentmem delete 3f2c... 9a1b...
  agentmem delete --source guides/setup.md`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (source == "") {
				return fmt.Errorf("pass either document IDs or --source")
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				if source != "" {
					return a.adapter.DeleteWhere(ctx, vectorstore.Filter{"source": source})
				}
				return a.adapter.Delete(ctx, args...)
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "delete every chunk whose source matches")
	return cmd
}

func readText(stdin io.Reader, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read from stdin: %w", err)
	}
	return string(b), nil
}

// parsePairs turns key=value flags into scalar metadata. Values that parse
// as an integer, float or bool keep that type. Single quotes force a
// string, as in page='3'.
func parsePairs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", p)
		}
		out[k] = parseScalar(v)
	}
	return out, nil
}

func parseScalar(v string) any {
	if len(v) >= 2 && v[0] == '\'' && v[len(v)-1] == '\'' {
		return v[1 : len(v)-1]
	}
	if i, err := strconv.ParseInt(v, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return v
}

func printResults(w io.Writer, results []vectorstore.QueryResult, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}
	if len(results) == 0 {
		fmt.Fprintln(w, "no results")
		return nil
	}
	for i, r := range results {
		fmt.Fprintf(w, "%d. [%.4f] %s\n", i+1, r.Distance, r.ID)
		if src, ok := r.Metadata["source"]; ok {
			fmt.Fprintf(w, "   source: %v\n", src)
		}
		fmt.Fprintf(w, "   %s\n", oneLine(r.Text, 200))
	}
	return nil
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max]) + "..."
	}
	return s
}
