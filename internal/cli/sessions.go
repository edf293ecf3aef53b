// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-stage/internal/model"
	"github.com/jeranaias/rigrun-stage/internal/persona"
	"github.com/jeranaias/rigrun-stage/internal/session"
	"github.com/jeranaias/rigrun-stage/internal/storage"
	"github.com/jeranaias/rigrun-stage/internal/util"
)

var (
	exportFormat  string
	exportOutput  string
	exportSystem  bool
	resetAll      bool
	importReplace bool
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "Manage saved chat sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessions(cmd.Context(), func(store *session.Store, _ storage.Backend) error {
			metas := storage.Summarize(storage.Capture(store))
			fmt.Fprintln(cmd.OutOrStdout(), storage.FormatSessionList(metas))
			return nil
		})
	},
}

var sessionsExportCmd = &cobra.Command{
	Use:   "export [session-id...]",
	Short: "Export sessions as JSON or Markdown",
	Long: `Export sessions as a JSON snapshot (re-importable) or a Markdown transcript.

Without session ids every session is exported.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSessions(cmd.Context(), func(store *session.Store, _ storage.Backend) error {
			snap := storage.Capture(store)

			var (
				data []byte
				err  error
			)
			switch exportFormat {
			case "json":
				if len(args) > 0 {
					snap, err = selectSessions(snap, args)
					if err != nil {
						return err
					}
				}
				data, err = json.MarshalIndent(snap, "", "  ")
			case "md", "markdown":
				data, err = storage.ExportMarkdown(snap, storage.MarkdownOptions{
					SessionIDs:        args,
					IncludeSystem:     exportSystem,
					IncludeTimestamps: true,
					AssistantName:     assistantName(),
				})
			default:
				return fmt.Errorf("unknown format %q (use json or md)", exportFormat)
			}
			if err != nil {
				return err
			}

			if exportOutput == "" || exportOutput == "-" {
				_, err = cmd.OutOrStdout().Write(append(data, '\n'))
				return err
			}
			if err := util.AtomicWriteFile(exportOutput, data, 0o600); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("exported to "+exportOutput))
			return nil
		})
	},
}

var sessionsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a JSON snapshot",
	Long: `Import a JSON snapshot written by "sessions export".

Imported sessions replace sessions with the same id. With --replace every
existing session is dropped first. Use "-" to read from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := readSnapshot(cmd.InOrStdin(), args[0])
		if err != nil {
			return err
		}
		return withSessions(cmd.Context(), func(store *session.Store, b storage.Backend) error {
			sessions := snap.Sessions
			if !importReplace {
				sessions = store.GetAllSessions()
				for id, entries := range snap.Sessions {
					sessions[id] = entries
				}
			}
			store.ReplaceSessions(sessions)
			if snap.ActiveSession != "" {
				store.SetActiveSession(snap.ActiveSession)
			}
			if err := storage.SaveFunc(b)(cmd.Context(), store); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render(
				fmt.Sprintf("imported %d session(s)", len(snap.Sessions))))
			return nil
		})
	},
}

var sessionsResetCmd = &cobra.Command{
	Use:   "reset [session-id]",
	Short: "Clear a session, or all sessions with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !resetAll && len(args) == 0 {
			return fmt.Errorf("name a session or pass --all")
		}
		return withSessions(cmd.Context(), func(store *session.Store, b storage.Backend) error {
			if resetAll {
				store.ResetAllSessions()
			} else {
				store.CleanupMessages(args[0])
			}
			if err := storage.SaveFunc(b)(cmd.Context(), store); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("sessions reset"))
			return nil
		})
	},
}

func init() {
	sessionsExportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "output format: json or md")
	sessionsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default stdout)")
	sessionsExportCmd.Flags().BoolVar(&exportSystem, "system", false, "include system primers in Markdown")
	sessionsImportCmd.Flags().BoolVar(&importReplace, "replace", false, "drop existing sessions first")
	sessionsResetCmd.Flags().BoolVar(&resetAll, "all", false, "reset every session")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsExportCmd, sessionsImportCmd, sessionsResetCmd)
	rootCmd.AddCommand(sessionsCmd)
}

// withSessions opens the configured backend, restores it into a store and
// runs fn. It does not need a model or a channel.
func withSessions(ctx context.Context, fn func(*session.Store, storage.Backend) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	path, err := cfg.StoragePath()
	if err != nil {
		return err
	}
	b, err := storage.Open(cfg.Storage.Kind, path)
	if err != nil {
		return err
	}
	defer b.Close()

	store := session.NewStore(session.Options{SystemPrompt: systemPrompt()})
	if err := storage.Restore(ctx, b, store); err != nil {
		return err
	}
	return fn(store, b)
}

func selectSessions(snap storage.Snapshot, ids []string) (storage.Snapshot, error) {
	out := storage.Snapshot{Sessions: make(map[string][]model.ChatEntry, len(ids)), SavedAt: snap.SavedAt}
	for _, id := range ids {
		entries, ok := snap.Sessions[id]
		if !ok {
			return storage.Snapshot{}, fmt.Errorf("unknown session %q", id)
		}
		out.Sessions[id] = entries
		if id == snap.ActiveSession {
			out.ActiveSession = id
		}
	}
	return out, nil
}

func readSnapshot(stdin io.Reader, path string) (storage.Snapshot, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return storage.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}

	var snap storage.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return storage.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if len(snap.Sessions) == 0 {
		return storage.Snapshot{}, fmt.Errorf("snapshot has no sessions")
	}
	return snap, nil
}

// systemPrompt is the persona prompt when a card is configured, else the
// configured default.
func systemPrompt() string {
	if cfg.Persona.Path != "" {
		if card, err := persona.LoadCard(cfg.Persona.Path); err == nil {
			return card.Prompt()
		}
	}
	return cfg.Pipeline.SystemPrompt
}

func assistantName() string {
	if cfg.Persona.Path != "" {
		if card, err := persona.LoadCard(cfg.Persona.Path); err == nil && card.Name != "" {
			return card.Name
		}
	}
	return ""
}
