// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-stage/internal/logging"
	"github.com/jeranaias/rigrun-stage/internal/memory"
	"github.com/jeranaias/rigrun-stage/internal/ollama"
	"github.com/jeranaias/rigrun-stage/internal/util"
)

// =============================================================================
// MEMORY COMMANDS
// =============================================================================

var (
	memoryLimit  int
	memoryOutput string
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Manage long-term memories",
	Long: `Store and recall long-term memories.

Memories are embedded with memory.embed_model on the configured Ollama server
and recalled by cosine similarity. Only matches scoring at least
memory.min_score are shown.`,
}

var memoryAddCmd = &cobra.Command{
	Use:   "add <text...>",
	Short: "Remember a piece of text",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMemory(cmd.Context(), func(ctx context.Context, r *memory.Recaller, _ *memory.Store) error {
			rec, err := r.Remember(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s remembered %s\n", SuccessStyle.Render("[OK]"), rec.ID)
			return nil
		})
	},
}

var memorySearchCmd = &cobra.Command{
	Use:   "search <query...>",
	Short: "Recall memories similar to a query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMemory(cmd.Context(), func(ctx context.Context, r *memory.Recaller, _ *memory.Store) error {
			matches, err := r.Recall(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(matches) == 0 {
				fmt.Fprintln(out, "no matching memories")
				return nil
			}
			for _, m := range matches {
				fmt.Fprintln(out, RenderField(fmt.Sprintf("%.3f  ", m.Score), m.Content))
			}
			return nil
		})
	},
}

var memoryCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of stored memories",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMemory(cmd.Context(), func(ctx context.Context, _ *memory.Recaller, s *memory.Store) error {
			n, err := s.Count(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		})
	},
}

var memoryClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every memory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMemory(cmd.Context(), func(ctx context.Context, _ *memory.Recaller, s *memory.Store) error {
			if err := s.Clear(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("memories cleared"))
			return nil
		})
	},
}

var memoryBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Write every memory as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withMemory(cmd.Context(), func(ctx context.Context, _ *memory.Recaller, s *memory.Store) error {
			records, err := s.Backup(ctx)
			if err != nil {
				return err
			}
			if records == nil {
				records = []memory.Record{}
			}
			data, err := json.MarshalIndent(records, "", "  ")
			if err != nil {
				return err
			}
			if memoryOutput == "" || memoryOutput == "-" {
				_, err = cmd.OutOrStdout().Write(append(data, '\n'))
				return err
			}
			if err := util.AtomicWriteFile(memoryOutput, data, 0o600); err != nil {
				return fmt.Errorf("write backup: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render(
				fmt.Sprintf("backed up %d memories to %s", len(records), memoryOutput)))
			return nil
		})
	},
}

var memoryRestoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Load a backup into an empty memory store",
	Long: `Load a JSON backup written by "memory backup".

The store must be empty; run "memory clear" first to replace it. Entries
whose embedding width differs from memory.dims are skipped. Use "-" to
read from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if args[0] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return fmt.Errorf("read backup: %w", err)
		}
		var records []memory.Record
		if err := json.Unmarshal(data, &records); err != nil {
			return fmt.Errorf("decode backup: %w", err)
		}

		return withMemory(cmd.Context(), func(ctx context.Context, _ *memory.Recaller, s *memory.Store) error {
			kept, err := s.Restore(ctx, records)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render(
				fmt.Sprintf("restored %d of %d memories", kept, len(records))))
			return nil
		})
	},
}

func init() {
	memorySearchCmd.Flags().IntVarP(&memoryLimit, "limit", "n", 0, "maximum matches (default memory.limit)")
	memoryBackupCmd.Flags().StringVarP(&memoryOutput, "output", "o", "", "output file (default stdout)")

	memoryCmd.AddCommand(memoryAddCmd, memorySearchCmd, memoryCountCmd,
		memoryClearCmd, memoryBackupCmd, memoryRestoreCmd)
	rootCmd.AddCommand(memoryCmd)
}

// withMemory opens the memory store and an Ollama-backed recaller and runs
// fn. It does not need a channel or a chat model.
func withMemory(ctx context.Context, fn func(context.Context, *memory.Recaller, *memory.Store) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	logger, logCloser, err := logging.New(logging.Options{
		JSONFile: cfg.Log.File,
		Level:    cfg.Log.Level,
	})
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	path, err := cfg.MemoryPath()
	if err != nil {
		return err
	}
	store, err := memory.Open(path, memory.Options{Dims: cfg.Memory.Dims, Logger: logger})
	if err != nil {
		return err
	}
	defer store.Close()

	client := ollama.NewClient(ollama.ClientConfig{
		BaseURL:       cfg.Ollama.URL,
		StreamTimeout: cfg.Ollama.Timeout(),
		DefaultModel:  cfg.Memory.EmbedModel,
		Logger:        logger,
	})
	embedder := memory.EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		return client.Embed(ctx, cfg.Memory.EmbedModel, text)
	})

	limit := cfg.Memory.Limit
	if memoryLimit > 0 {
		limit = memoryLimit
	}
	r := memory.NewRecaller(store, embedder, memory.RecallOptions{
		MinScore: cfg.Memory.MinScore,
		Limit:    limit,
	})
	return fn(ctx, r, store)
}
