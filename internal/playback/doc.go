// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package playback plays synthesized speech one utterance at a time.
//
// The queue owns the single audible source. Each item stops whatever is
// still playing before it starts, so overlapping audio cannot happen even when
// items arrive back to back. Started hooks see the item's text; finished hooks
// see its special token and only run when the source ends on its own.
package playback
