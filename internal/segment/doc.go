// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package segment cuts the assistant's token stream into chunks that are
// ready for speech synthesis.
//
// The pipeline's literal and special token hooks feed a Queue. Chunks end at
// a special token, at the flush instruction the pipeline sends after every
// reply, or at sentence punctuation once a chunk is long enough. A special
// token is reported right after the chunk it closed.
//
// NewDelayQueue and NewEmotionQueue consume special tokens: one pauses for
// <|DELAY:n|>, the other maps <|EMOTE_*|> markers to an Emotion.
package segment
