// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package segment

import (
	"regexp"
	"strconv"
	"time"

	"github.com/jeranaias/rigrun-stage/internal/tasks"
)

// EventDelay is emitted with the parsed time.Duration before a delay sleeps.
const EventDelay = "delay"

var delayPattern = regexp.MustCompile(`(?i)<\|DELAY:(\d+)\|>`)

// ParseDelay finds the first <|DELAY:n|> directive in s. A zero delay is
// still reported as found.
func ParseDelay(s string) (time.Duration, bool) {
	m := delayPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil || secs <= 0 {
		return 0, true
	}
	return time.Duration(secs * float64(time.Second)), true
}

// NewDelayQueue returns a queue that pauses for every delay directive it
// sees. Clearing the queue cuts a running pause short.
func NewDelayQueue(opts tasks.Options) *tasks.Queue[string] {
	if opts.Name == "" {
		opts.Name = "delay"
	}
	return tasks.New(opts, func(c *tasks.Context[string]) error {
		d, ok := ParseDelay(c.Data)
		if !ok {
			return nil
		}
		c.Emit(EventDelay, d)
		if d <= 0 {
			return nil
		}

		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-c.Done():
		}
		return nil
	})
}
