package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"google.golang.org/genai"

	"shellmind/internal/llm"
	"shellmind/internal/logging"
	"shellmind/internal/memory"
	"shellmind/internal/store"
)

var searchLimit int

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect and rebuild conversation memory",
}

var memorySearchCmd = &cobra.Command{
	Use:   "search <text...>",
	Short: "Show the past conversations most similar to text",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, svc, err := openMemory(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		snippets, err := svc.Query(ctx, strings.Join(args, " "), searchLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(snippets) == 0 {
			fmt.Fprintln(out, mutedStyle.Render("No similar conversations."))
			return nil
		}
		for _, s := range snippets {
			fmt.Fprintf(out, "%s %s\n", headerStyle.Render(fmt.Sprintf("#%d %s", s.ConversationID, s.Metadata["title"])),
				mutedStyle.Render(fmt.Sprintf("similarity %.3f", s.Similarity)))
			fmt.Fprintf(out, "  %s\n", s.Metadata["query"])
		}
		return nil
	},
}

var memoryReindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Index every finished conversation again",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, svc, err := openMemory(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		convs, err := st.ListConversations(ctx, 0)
		if err != nil {
			return err
		}
		ix := memory.NewIndexer(st, svc)
		var indexed, failed int
		for _, c := range convs {
			if !c.Finalized {
				continue
			}
			if err := ix.Index(ctx, c.ID); err != nil {
				logging.MemoryWarn("Reindex of conversation %d failed: %v", c.ID, err)
				failed++
				continue
			}
			indexed++
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d conversations (%d failed, %d documents total)\n", indexed, failed, svc.Count())
		return nil
	},
}

// openMemory opens the store and the vector collection for the memory
// subcommands. Unlike a run, a broken memory setup is an error here.
func openMemory(ctx context.Context) (*store.Store, *memory.ChromemService, error) {
	if !cfg.Memory.Enabled {
		return nil, nil, fmt.Errorf("memory is disabled in %s", resolvedConfigPath())
	}

	var client *genai.Client
	if cfg.Memory.Embedding.Provider == "genai" {
		c, err := llm.NewClient(ctx, cfg.LLM.APIKey)
		if err != nil {
			return nil, nil, err
		}
		client = c
	}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	_, svc, err := buildMemory(cfg, st, client, nil)
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return st, svc, nil
}
