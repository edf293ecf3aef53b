// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jeranaias/rigrun-stage/internal/model"
	"github.com/jeranaias/rigrun-stage/internal/session"
)

// =============================================================================
// FIXTURES
// =============================================================================

func populatedStore() *session.Store {
	store := session.NewStore(session.Options{SystemPrompt: "be kind"})
	store.Append(session.DefaultSessionID, model.ChatEntry{
		Role:    model.RoleUser,
		Content: model.TextContent("Hello"),
		Context: model.NewMessageContext(session.DefaultSessionID, model.SourceText),
	})
	store.Append(session.DefaultSessionID, model.ChatEntry{
		Role:    model.RoleAssistant,
		Content: model.TextContent("Hi there"),
		Slices:  []model.Slice{model.TextSlice("Hi there")},
		Context: model.NewMessageContext(session.DefaultSessionID, model.SourceLLM),
	})

	store.SetActiveSession("work")
	store.Append("work", model.ChatEntry{
		Role:    model.RoleUser,
		Content: model.PartsContent(model.TextPart("look"), model.ImagePart("image/png", "AAAA")),
		Context: model.NewMessageContext("work", model.SourceText),
	})
	return store
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()

	sqlite, err := Open(KindSQLite, filepath.Join(dir, "sessions.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlite.Close() })

	file, err := Open(KindJSON, filepath.Join(dir, "sessions.json"))
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	return map[string]Backend{"sqlite": sqlite, "json": file}
}

// =============================================================================
// BACKEND TESTS
// =============================================================================

func TestBackend_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			store := populatedStore()
			want := Capture(store)

			if err := b.Save(ctx, want); err != nil {
				t.Fatalf("Save failed: %v", err)
			}
			got, err := b.Load(ctx)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}

			if got.ActiveSession != "work" {
				t.Errorf("ActiveSession = %q, want %q", got.ActiveSession, "work")
			}
			if len(got.Sessions) != 2 {
				t.Fatalf("Sessions count = %d, want 2", len(got.Sessions))
			}
			if n := len(got.Sessions[session.DefaultSessionID]); n != 3 {
				t.Errorf("default session length = %d, want 3", n)
			}
			work := got.Sessions["work"]
			if len(work) != 2 || !work[1].Content.IsParts() {
				t.Errorf("work session lost its part content: %+v", work)
			}
			if got.SavedAt.IsZero() {
				t.Error("SavedAt not restored")
			}
		})
	}
}

func TestBackend_SaveReplacesPrevious(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := b.Save(ctx, Capture(populatedStore())); err != nil {
				t.Fatalf("first Save failed: %v", err)
			}

			small := session.NewStore(session.Options{})
			if err := b.Save(ctx, Capture(small)); err != nil {
				t.Fatalf("second Save failed: %v", err)
			}

			got, err := b.Load(ctx)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if len(got.Sessions) != 1 {
				t.Errorf("Sessions count = %d, want 1", len(got.Sessions))
			}
		})
	}
}

func TestBackend_LoadNotFound(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Load(context.Background())
			if !errors.Is(err, ErrSnapshotNotFound) {
				t.Errorf("Load error = %v, want ErrSnapshotNotFound", err)
			}
			if !IsNotFound(err) {
				t.Error("IsNotFound should be true")
			}
		})
	}
}

func TestOpen_UnknownKind(t *testing.T) {
	if _, err := Open("redis", t.TempDir()); err == nil {
		t.Error("expected error for unknown kind")
	}
}

// =============================================================================
// SESSION STORE BINDING TESTS
// =============================================================================

func TestRestore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			src := populatedStore()
			if err := SaveFunc(b)(ctx, src); err != nil {
				t.Fatalf("save: %v", err)
			}
			if src.IsDirty() {
				t.Error("store should be clean after save")
			}

			dst := session.NewStore(session.Options{SystemPrompt: "be kind"})
			if err := Restore(ctx, b, dst); err != nil {
				t.Fatalf("Restore failed: %v", err)
			}
			if dst.ActiveSessionID() != "work" {
				t.Errorf("active = %q, want work", dst.ActiveSessionID())
			}

			want, got := src.GetAllSessions(), dst.GetAllSessions()
			for id, entries := range want {
				if len(got[id]) != len(entries) {
					t.Fatalf("session %s length = %d, want %d", id, len(got[id]), len(entries))
				}
				for i := range entries {
					if got[id][i].Content.String() != entries[i].Content.String() {
						t.Errorf("%s[%d] content = %q, want %q", id, i, got[id][i].Content.String(), entries[i].Content.String())
					}
					if got[id][i].Context.TS != entries[i].Context.TS {
						t.Errorf("%s[%d] ts changed", id, i)
					}
				}
			}
			if dst.IsDirty() {
				t.Error("restored store should be clean")
			}
		})
	}
}

func TestRestore_EmptyBackendLeavesStore(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileStore(filepath.Join(t.TempDir(), "none.json"))
	if err != nil {
		t.Fatal(err)
	}
	store := session.NewStore(session.Options{})
	store.SetActiveSession("keep")

	if err := Restore(ctx, b, store); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if store.ActiveSessionID() != "keep" {
		t.Errorf("active = %q, want keep", store.ActiveSessionID())
	}
}

func TestAutoSaver_UsesBackend(t *testing.T) {
	ctx := context.Background()
	b, err := OpenSQLite(filepath.Join(t.TempDir(), "auto.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	store := populatedStore()
	saver := session.NewAutoSaver(store, SaveFunc(b), session.AutoSaveConfig{Enabled: true, Interval: time.Millisecond}, nil)
	if err := saver.Flush(ctx); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	snap, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(snap.Sessions) != 2 {
		t.Errorf("Sessions count = %d, want 2", len(snap.Sessions))
	}
}

// =============================================================================
// LISTING TESTS
// =============================================================================

func TestSummarize(t *testing.T) {
	metas := Summarize(Capture(populatedStore()))
	if len(metas) != 2 {
		t.Fatalf("metas = %d, want 2", len(metas))
	}
	if metas[0].ID != session.DefaultSessionID || metas[0].Preview != "Hello" {
		t.Errorf("first meta = %+v", metas[0])
	}
	if !metas[1].Active {
		t.Error("work should be active")
	}
}

func TestFormatSessionList(t *testing.T) {
	if got := FormatSessionList(nil); got != "No sessions found." {
		t.Errorf("empty list = %q", got)
	}
	out := FormatSessionList(Summarize(Capture(populatedStore())))
	if !strings.Contains(out, "*work") {
		t.Errorf("active session not marked:\n%s", out)
	}
	if !strings.Contains(out, "Hello") {
		t.Errorf("preview missing:\n%s", out)
	}
}

// =============================================================================
// MARKDOWN EXPORT TESTS
// =============================================================================

func TestExportMarkdown(t *testing.T) {
	snap := Capture(populatedStore())

	out, err := ExportMarkdown(snap, MarkdownOptions{AssistantName: "Airi"})
	if err != nil {
		t.Fatalf("ExportMarkdown failed: %v", err)
	}
	md := string(out)

	for _, want := range []string{
		"active_session: work",
		"messages: 5",
		"# Session default",
		"# Session work",
		"### You",
		"### Airi",
		"Hi there",
		"*[image attached]*",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("export missing %q:\n%s", want, md)
		}
	}
	if strings.Contains(md, "be kind") {
		t.Error("system primer exported without IncludeSystem")
	}
}

func TestExportMarkdown_SelectedSession(t *testing.T) {
	snap := Capture(populatedStore())

	out, err := ExportMarkdown(snap, MarkdownOptions{SessionIDs: []string{"work"}, IncludeSystem: true})
	if err != nil {
		t.Fatalf("ExportMarkdown failed: %v", err)
	}
	if strings.Contains(string(out), "# Session default") {
		t.Error("unselected session exported")
	}
	if !strings.Contains(string(out), "be kind") {
		t.Error("system primer missing with IncludeSystem")
	}

	if _, err := ExportMarkdown(snap, MarkdownOptions{SessionIDs: []string{"nope"}}); err == nil {
		t.Error("expected error for unknown session")
	}
}
