// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-stage/internal/logging"
	"github.com/jeranaias/rigrun-stage/internal/transcription"
)

var (
	transcribeURL        string
	transcribeAppKey     string
	transcribeSampleRate int
	transcribeSend       bool
)

var transcribeCmd = &cobra.Command{
	Use:   "transcribe <audio-file|->",
	Short: "Transcribe raw PCM audio with a websocket recognizer",
	Long: `Stream raw 16-bit PCM audio to a websocket speech recognizer and print
the transcript. With --send the transcript is sent to the character as a
chat message.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if transcribeURL == "" {
			return fmt.Errorf("--url is required")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var audio io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open audio: %w", err)
			}
			defer f.Close()
			audio = f
		}

		text, err := transcribe(ctx, cmd, audio)
		if err != nil {
			return err
		}
		if !transcribeSend || strings.TrimSpace(text) == "" {
			return nil
		}

		rt, err := NewRuntime(ctx, cfg, RuntimeOptions{LogWriter: cmd.ErrOrStderr()})
		if err != nil {
			return err
		}
		defer rt.Close()

		s := newChatSession(rt, cmd.OutOrStdout(), "")
		defer s.close()
		return s.send(ctx, text, nil)
	},
}

func init() {
	transcribeCmd.Flags().StringVar(&transcribeURL, "url", os.Getenv("STAGE_TRANSCRIBE_URL"), "recognizer websocket URL")
	transcribeCmd.Flags().StringVar(&transcribeAppKey, "app-key", os.Getenv("STAGE_TRANSCRIBE_APP_KEY"), "recognizer app key")
	transcribeCmd.Flags().IntVar(&transcribeSampleRate, "sample-rate", transcription.DefaultSampleRate, "audio sample rate (Hz)")
	transcribeCmd.Flags().BoolVar(&transcribeSend, "send", false, "send the transcript as a chat message")
	rootCmd.AddCommand(transcribeCmd)
}

// transcribe runs one recognition task and returns the full transcript.
// Sentences are printed as they complete.
func transcribe(ctx context.Context, cmd *cobra.Command, audio io.Reader) (string, error) {
	logger, closer, err := logging.New(logging.Options{
		Writer: cmd.ErrOrStderr(),
		Level:  cfg.Log.Level,
	})
	if err != nil {
		return "", err
	}
	defer closer.Close()

	sess, err := transcription.Start(ctx, audio, transcription.Options{
		URL:    transcribeURL,
		AppKey: transcribeAppKey,
		Start:  transcription.StartPayload{SampleRate: transcribeSampleRate},
		Logger: logger,
	})
	if err != nil {
		return "", fmt.Errorf("start transcription: %w", err)
	}
	defer sess.Close()

	out := cmd.OutOrStdout()
	var sentences []string
	err = transcription.ReadDeltas(sess.Output(), func(d transcription.Delta) error {
		if d.Type == transcription.DeltaText && d.Delta != "" {
			sentences = append(sentences, d.Delta)
			fmt.Fprintln(out, d.Delta)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	<-sess.Done()
	if err := sess.Err(); err != nil {
		return "", err
	}
	return strings.Join(sentences, " "), nil
}
