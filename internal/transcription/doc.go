// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transcription streams microphone audio to a websocket speech
// recognizer and returns the transcript as server-sent events.
//
// A Session sends StartTranscription, waits for TranscriptionStarted, then
// forwards audio frames until the reader ends. Each SentenceEnd becomes a
// transcript.text.delta record followed by transcript.text.done. Closing the
// session, canceling its context or a transport failure all end it the same
// way: the audio reader is closed, the task is stopped if the socket is still
// open, and OnTerminated runs once.
package transcription
