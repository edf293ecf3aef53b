// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeranaias/rigrun-stage/internal/model"
)

// =============================================================================
// MARKDOWN EXPORT
// =============================================================================

// MarkdownOptions configures ExportMarkdown.
type MarkdownOptions struct {
	// SessionIDs limits the export. Empty exports every session.
	SessionIDs []string

	// IncludeSystem keeps system primers in the transcript.
	IncludeSystem bool

	// IncludeTimestamps adds entry times to headings.
	IncludeTimestamps bool

	// AssistantName labels assistant entries. Defaults to "Assistant".
	AssistantName string
}

type frontmatter struct {
	Active   string    `yaml:"active_session"`
	Sessions []string  `yaml:"sessions"`
	Messages int       `yaml:"messages"`
	Saved    time.Time `yaml:"saved,omitempty"`
	Exported time.Time `yaml:"exported"`
}

// ExportMarkdown renders snap as a Markdown transcript with YAML frontmatter.
// Unknown session ids are reported as an error.
func ExportMarkdown(snap Snapshot, opts MarkdownOptions) ([]byte, error) {
	ids := opts.SessionIDs
	if len(ids) == 0 {
		for id := range snap.Sessions {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}
	for _, id := range ids {
		if _, ok := snap.Sessions[id]; !ok {
			return nil, fmt.Errorf("unknown session %q", id)
		}
	}
	if opts.AssistantName == "" {
		opts.AssistantName = model.RoleAssistant.DisplayName()
	}

	fm := frontmatter{
		Active:   snap.ActiveSession,
		Sessions: ids,
		Saved:    snap.SavedAt,
		Exported: time.Now().UTC().Truncate(time.Second),
	}
	for _, id := range ids {
		fm.Messages += len(snap.Sessions[id])
	}
	head, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("encode frontmatter: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(head)
	sb.WriteString("---\n\n")

	for _, id := range ids {
		fmt.Fprintf(&sb, "# Session %s\n\n", id)
		first := true
		for _, e := range snap.Sessions[id] {
			if e.Role == model.RoleSystem && !opts.IncludeSystem {
				continue
			}
			if !first {
				sb.WriteString("---\n\n")
			}
			first = false
			writeEntry(&sb, e, opts)
		}
	}
	return []byte(sb.String()), nil
}

func writeEntry(sb *strings.Builder, e model.ChatEntry, opts MarkdownOptions) {
	label := e.Role.DisplayName()
	if e.Role == model.RoleAssistant {
		label = opts.AssistantName
	}
	if opts.IncludeTimestamps && e.Context != nil && e.Context.TS > 0 {
		ts := time.UnixMilli(e.Context.TS).UTC().Format("2006-01-02 15:04:05")
		fmt.Fprintf(sb, "### %s <sub>%s</sub>\n\n", label, ts)
	} else {
		fmt.Fprintf(sb, "### %s\n\n", label)
	}

	if text := e.Content.String(); text != "" {
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}
	if e.Content.IsParts() {
		for _, p := range e.Content.Parts {
			if p.Type == model.PartImageURL {
				sb.WriteString("*[image attached]*\n\n")
			}
		}
	}

	for _, s := range e.Slices {
		if s.Type != model.SliceToolCall || s.ToolCall == nil {
			continue
		}
		fmt.Fprintf(sb, "**Tool**: `%s`\n\n```json\n%s\n```\n\n", s.ToolCall.ToolName, s.ToolCall.Args)
	}
	for _, r := range e.ToolResults {
		body, err := json.MarshalIndent(r.Result, "", "  ")
		if err != nil {
			body = []byte(fmt.Sprint(r.Result))
		}
		fmt.Fprintf(sb, "**Result** `%s`:\n```json\n%s\n```\n\n", r.ID, body)
	}
}
