// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transcription

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Delta record types.
const (
	DeltaText = "transcript.text.delta"
	DeltaDone = "transcript.text.done"
)

// Delta is one record of the transcript stream.
type Delta struct {
	Delta string `json:"delta"`
	Type  string `json:"type"`
}

// writeSSE writes d as a single server-sent event.
func writeSSE(w io.Writer, d Delta) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}

// ReadDeltas decodes the event stream produced by a Session and calls fn for
// every record. It returns nil at end of stream.
func ReadDeltas(r io.Reader, fn func(Delta) error) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var d Delta
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			return fmt.Errorf("decode delta: %w", err)
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return sc.Err()
}
