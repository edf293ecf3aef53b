// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package segment

import (
	"strings"

	"github.com/jeranaias/rigrun-stage/internal/tasks"
)

// EventEmotion is emitted with the detected Emotion.
const EventEmotion = "emotion"

// Emotion is an expression the character can switch to.
type Emotion string

const (
	EmotionHappy     Emotion = "happy"
	EmotionSad       Emotion = "sad"
	EmotionAngry     Emotion = "angry"
	EmotionThink     Emotion = "think"
	EmotionSurprised Emotion = "surprised"
	EmotionAwkward   Emotion = "awkward"
	EmotionQuestion  Emotion = "question"
	EmotionCurious   Emotion = "curious"
	EmotionNeutral   Emotion = "neutral"
)

// Emotions lists every known emotion in match order.
var Emotions = []Emotion{
	EmotionHappy,
	EmotionSad,
	EmotionAngry,
	EmotionThink,
	EmotionSurprised,
	EmotionAwkward,
	EmotionQuestion,
	EmotionCurious,
	EmotionNeutral,
}

// Marker returns the special token that selects e, e.g. <|EMOTE_HAPPY|>.
func (e Emotion) Marker() string {
	return "<|EMOTE_" + strings.ToUpper(string(e)) + "|>"
}

// FindEmotion returns the first emotion whose marker appears in s.
func FindEmotion(s string) (Emotion, bool) {
	for _, e := range Emotions {
		if strings.Contains(s, e.Marker()) {
			return e, true
		}
	}
	return "", false
}

// NewEmotionQueue returns a queue that scans text for emotion markers,
// emits each match and forwards it to sink. A nil sink only emits.
func NewEmotionQueue(opts tasks.Options, sink *tasks.Queue[Emotion]) *tasks.Queue[string] {
	if opts.Name == "" {
		opts.Name = "emotion"
	}
	return tasks.New(opts, func(c *tasks.Context[string]) error {
		e, ok := FindEmotion(c.Data)
		if !ok {
			return nil
		}
		c.Emit(EventEmotion, e)
		if sink != nil {
			sink.Enqueue(e)
		}
		return nil
	})
}
