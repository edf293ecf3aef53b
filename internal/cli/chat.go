// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-stage/internal/config"
	"github.com/jeranaias/rigrun-stage/internal/model"
	"github.com/jeranaias/rigrun-stage/internal/pipeline"
	"github.com/jeranaias/rigrun-stage/internal/segment"
	"github.com/jeranaias/rigrun-stage/internal/storage"
	"github.com/jeranaias/rigrun-stage/internal/util"
)

var (
	chatModel     string
	chatSessionID string
	chatImages    []string
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Chat with the character in the terminal",
	Long: `Chat with the character in the terminal.

With a message argument, sends it once and prints the reply. Without one,
starts an interactive session with line editing and history. Type /help
inside the session for commands.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
		defer stop()

		rt, err := NewRuntime(ctx, cfg, RuntimeOptions{LogWriter: cmd.ErrOrStderr()})
		if err != nil {
			return err
		}
		defer rt.Close()
		rt.Start(ctx)

		if chatSessionID != "" {
			rt.Store.SetActiveSession(chatSessionID)
		}

		s := newChatSession(rt, cmd.OutOrStdout(), chatModel)
		defer s.close()

		if len(args) > 0 {
			attachments, err := loadImages(chatImages)
			if err != nil {
				return err
			}
			return s.send(ctx, strings.Join(args, " "), attachments)
		}
		return s.repl(ctx, newLineReader(cmd.InOrStdin()))
	},
}

func init() {
	chatCmd.Flags().StringVarP(&chatModel, "model", "m", "", "model name (overrides ollama.model)")
	chatCmd.Flags().StringVarP(&chatSessionID, "session", "s", "", "session to chat in")
	chatCmd.Flags().StringSliceVar(&chatImages, "image", nil, "image file to attach (one-shot mode)")
	rootCmd.AddCommand(chatCmd)
}

// =============================================================================
// LINE INPUT
// =============================================================================

// lineReader reads one line of user input.
type lineReader interface {
	ReadLine(prompt string) (string, error)
	Close()
}

// newLineReader uses liner on a terminal and a plain scanner otherwise.
func newLineReader(in io.Reader) lineReader {
	if f, ok := in.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		return newLinerInput()
	}
	return &scannerInput{sc: bufio.NewScanner(in)}
}

// linerInput provides history and line editing.
type linerInput struct {
	line        *liner.State
	historyFile string
}

func newLinerInput() *linerInput {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	in := &linerInput{line: line, historyFile: filepath.Join(dir, "chat_history")}
	if f, err := os.Open(in.historyFile); err == nil {
		in.line.ReadHistory(f)
		f.Close()
	}
	return in
}

func (in *linerInput) ReadLine(prompt string) (string, error) {
	text, err := in.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) != "" {
		in.line.AppendHistory(text)
	}
	return text, nil
}

// Close saves history with owner-only permissions and restores the terminal.
func (in *linerInput) Close() {
	if err := config.EnsureConfigDir(); err == nil {
		if f, err := os.OpenFile(in.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			in.line.WriteHistory(f)
			f.Close()
		}
	}
	in.line.Close()
}

type scannerInput struct {
	sc *bufio.Scanner
}

func (in *scannerInput) ReadLine(string) (string, error) {
	if !in.sc.Scan() {
		if err := in.sc.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}
	return in.sc.Text(), nil
}

func (in *scannerInput) Close() {}

// =============================================================================
// CHAT SESSION
// =============================================================================

type chatSession struct {
	rt    *Runtime
	out   io.Writer
	model string

	mu       sync.Mutex
	emotions []segment.Emotion

	turns     int
	started   time.Time
	disposers []func()
}

func newChatSession(rt *Runtime, out io.Writer, modelName string) *chatSession {
	if modelName == "" {
		modelName = rt.Config.Ollama.Model
	}
	s := &chatSession{rt: rt, out: out, model: modelName, started: time.Now()}

	s.disposers = append(s.disposers,
		rt.Pipeline.OnTokenLiteral(func(_ context.Context, token string) error {
			if text := visibleText(token); text != "" {
				fmt.Fprint(out, text)
			}
			return nil
		}),
		rt.Speech.OnEmotion(func(e segment.Emotion) {
			s.mu.Lock()
			s.emotions = append(s.emotions, e)
			s.mu.Unlock()
		}),
	)
	return s
}

func (s *chatSession) close() {
	for _, d := range s.disposers {
		d()
	}
}

// send streams one reply. SIGINT while streaming cancels the reply instead of
// exiting.
func (s *chatSession) send(ctx context.Context, text string, attachments []pipeline.Attachment) error {
	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
			fmt.Fprintln(s.out, "\n"+WarningStyle.Render("[Cancelled]"))
		case <-sendCtx.Done():
		}
	}()

	s.mu.Lock()
	s.emotions = nil
	s.mu.Unlock()

	fmt.Fprint(s.out, PromptStyle.Render(s.speakerName()+": "))
	err := s.rt.Pipeline.Send(sendCtx, text, pipeline.SendOptions{
		Model:       s.model,
		Attachments: attachments,
	})
	fmt.Fprintln(s.out)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			s.rt.Speech.Interrupt()
			return nil
		}
		return err
	}
	s.turns++

	drainCtx, drainCancel := context.WithTimeout(ctx, 30*time.Second)
	defer drainCancel()
	if err := s.rt.Speech.Drain(drainCtx); err != nil {
		s.rt.Logger.Debug("speech drain", "error", err)
	}

	s.mu.Lock()
	emotions := s.emotions
	s.mu.Unlock()
	if len(emotions) > 0 {
		names := make([]string, len(emotions))
		for i, e := range emotions {
			names[i] = string(e)
		}
		fmt.Fprintln(s.out, EmotionStyle.Render("("+strings.Join(names, ", ")+")"))
	}
	if s.rt.Ollama != nil {
		if stats := s.rt.Ollama.LastStats(); stats != nil {
			fmt.Fprintln(s.out, DimStyle.Render(stats.Format()))
		}
	}
	return nil
}

func (s *chatSession) speakerName() string {
	if s.rt.Persona != nil {
		if name := s.rt.Persona.Card().Name; name != "" {
			return name
		}
	}
	return model.RoleAssistant.DisplayName()
}

// repl reads lines until EOF, Ctrl+C at the prompt or /quit.
func (s *chatSession) repl(ctx context.Context, in lineReader) error {
	defer in.Close()
	s.printWelcome()

	for {
		if ctx.Err() != nil {
			break
		}
		line, err := in.ReadLine("stage> ")
		if err != nil {
			if !errors.Is(err, liner.ErrPromptAborted) && !errors.Is(err, io.EOF) {
				return err
			}
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.EqualFold(line, "exit") || strings.EqualFold(line, "quit") {
			break
		}
		if strings.HasPrefix(line, "/") {
			cont, err := s.handleCommand(ctx, line)
			if err != nil {
				fmt.Fprintf(s.out, "%s %v\n", ErrorStyle.Render("[Error]"), err)
			}
			if !cont {
				break
			}
			continue
		}

		if err := s.send(ctx, line, nil); err != nil {
			fmt.Fprintf(s.out, "%s %v\n", ErrorStyle.Render("[Error]"), err)
		}
	}

	s.printExitSummary()
	return nil
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

func (s *chatSession) handleCommand(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	name, args := strings.ToLower(fields[0]), fields[1:]
	store := s.rt.Store

	switch name {
	case "/quit", "/exit", "/q":
		return false, nil

	case "/help", "/?":
		s.printHelp()

	case "/session":
		if len(args) == 0 {
			fmt.Fprintln(s.out, RenderField("Session:", store.ActiveSessionID()))
			return true, nil
		}
		store.SetActiveSession(args[0])
		fmt.Fprintln(s.out, SuccessStyle.Render("switched to "+store.ActiveSessionID()))

	case "/sessions":
		fmt.Fprintln(s.out, storage.FormatSessionList(storage.Summarize(storage.Capture(store))))

	case "/history":
		s.printHistory()

	case "/clear", "/reset":
		store.CleanupMessages("")
		fmt.Fprintln(s.out, SuccessStyle.Render("session cleared"))

	case "/model":
		if len(args) == 0 {
			fmt.Fprintln(s.out, RenderField("Model:", s.model))
			return true, nil
		}
		s.model = args[0]
		fmt.Fprintln(s.out, SuccessStyle.Render("model set to "+s.model))

	case "/save":
		if err := s.rt.Save(ctx); err != nil {
			return true, fmt.Errorf("save: %w", err)
		}
		fmt.Fprintln(s.out, SuccessStyle.Render("saved"))

	case "/status":
		s.printStatus()

	default:
		return true, fmt.Errorf("unknown command %s (try /help)", name)
	}
	return true, nil
}

func (s *chatSession) printWelcome() {
	fmt.Fprintln(s.out, TitleStyle.Render("stage chat"))
	fmt.Fprintln(s.out, RenderSeparator())
	fmt.Fprintln(s.out, RenderField("Character:", s.speakerName()))
	fmt.Fprintln(s.out, RenderField("Model:", s.model))
	fmt.Fprintln(s.out, RenderField("Session:", s.rt.Store.ActiveSessionID()))
	fmt.Fprintln(s.out, DimStyle.Render("Type /help for commands, Ctrl+D to exit."))
	fmt.Fprintln(s.out)
}

func (s *chatSession) printHelp() {
	cmds := [][2]string{
		{"/session [id]", "show or switch the active session"},
		{"/sessions", "list sessions"},
		{"/history", "show the active session"},
		{"/clear", "clear the active session"},
		{"/model [name]", "show or set the model"},
		{"/save", "save sessions now"},
		{"/status", "show runtime status"},
		{"/quit", "exit"},
	}
	for _, c := range cmds {
		fmt.Fprintln(s.out, RenderField(c[0], c[1]))
	}
}

func (s *chatSession) printHistory() {
	for _, e := range s.rt.Store.Messages() {
		if e.Role == model.RoleSystem {
			continue
		}
		label := e.Role.DisplayName()
		if e.Role == model.RoleAssistant {
			label = s.speakerName()
		}
		fmt.Fprintf(s.out, "%s %s\n",
			LabelStyle.Render(label+":"),
			util.TruncateRunes(util.OneLine(e.Content.String()), 200))
	}
}

func (s *chatSession) printStatus() {
	rt := s.rt
	fmt.Fprintln(s.out, RenderField("Session:", rt.Store.ActiveSessionID()))
	fmt.Fprintln(s.out, RenderField("Sessions:", fmt.Sprint(len(rt.Store.SessionIDs()))))
	fmt.Fprintln(s.out, RenderField("Model:", s.model))
	fmt.Fprintln(s.out, RenderField("Storage:", rt.Config.Storage.Kind))
	fmt.Fprintln(s.out, RenderField("Unsaved changes:", fmt.Sprint(rt.Store.IsDirty())))
	channelState := DimStyle.Render("disabled")
	if rt.Channel != nil {
		channelState = fmt.Sprintf("%s (%d pending)", rt.Channel.State(), rt.Channel.Pending())
	}
	fmt.Fprintln(s.out, RenderField("Channel:", channelState))
}

func (s *chatSession) printExitSummary() {
	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, RenderSeparator())
	fmt.Fprintln(s.out, RenderField("Turns:", fmt.Sprint(s.turns)))
	fmt.Fprintln(s.out, RenderField("Duration:", time.Since(s.started).Round(time.Second).String()))
}

// =============================================================================
// ATTACHMENTS
// =============================================================================

// loadImages reads image files as attachments.
func loadImages(paths []string) ([]pipeline.Attachment, error) {
	var out []pipeline.Attachment
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
		out = append(out, pipeline.Attachment{
			Type:     pipeline.AttachmentImage,
			MimeType: mimeTypeFor(p),
			Data:     base64.StdEncoding.EncodeToString(data),
		})
	}
	return out, nil
}

func mimeTypeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/png"
	}
}
