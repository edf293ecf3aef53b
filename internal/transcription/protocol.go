// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transcription

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Namespace of every transcription command and event.
const Namespace = "SpeechTranscriber"

// Command names.
const (
	CommandStart = "StartTranscription"
	CommandStop  = "StopTranscription"
)

// Server event names.
const (
	EventStarted       = "TranscriptionStarted"
	EventSentenceBegin = "SentenceBegin"
	EventResultChanged = "TranscriptionResultChanged"
	EventSentenceEnd   = "SentenceEnd"
	EventCompleted     = "TranscriptionCompleted"
	EventTaskFailed    = "TaskFailed"
)

// Header is shared by commands and events.
type Header struct {
	Name       string `json:"name"`
	Namespace  string `json:"namespace"`
	MessageID  string `json:"message_id"`
	TaskID     string `json:"task_id"`
	AppKey     string `json:"appkey,omitempty"`
	Status     int    `json:"status,omitempty"`
	StatusText string `json:"status_text,omitempty"`
}

// Event is one server message. Payload is decoded on demand.
type Event struct {
	Header  Header          `json:"header"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StartPayload configures recognition.
type StartPayload struct {
	Format                      string `json:"format"`
	SampleRate                  int    `json:"sample_rate"`
	EnableIntermediateResult    bool   `json:"enable_intermediate_result"`
	EnablePunctuationPrediction bool   `json:"enable_punctuation_prediction"`
	EnableITN                   bool   `json:"enable_inverse_text_normalization,omitempty"`
}

// SentenceEndPayload is the final result for one sentence.
type SentenceEndPayload struct {
	Index      int     `json:"index"`
	Time       int     `json:"time"`
	BeginTime  int     `json:"begin_time"`
	Result     string  `json:"result"`
	Confidence float64 `json:"confidence"`
}

type command struct {
	Header  Header `json:"header"`
	Payload any    `json:"payload,omitempty"`
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func newCommand(name, taskID, appKey string, payload any) command {
	return command{
		Header: Header{
			Name:      name,
			Namespace: Namespace,
			MessageID: newID(),
			TaskID:    taskID,
			AppKey:    appKey,
		},
		Payload: payload,
	}
}
