// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bridge synchronizes session state and stream lifecycle events
// between a pipeline, a remote channel server, and sibling contexts.
//
// Outbound envelopes are routed by origin:
//
//	origin      remote  siblings
//	local       yes     yes
//	ws          no      yes
//	broadcast   no      no
//
// Inbound envelopes are deduplicated by id, switch the active session when
// needed, and are ingested into the session store. Envelopes from the remote
// channel are re-published with origin ws so siblings see them too.
//
// Stream events from siblings are replayed one at a time through the
// pipeline's Emit methods. Hooks fired by a replay are never mirrored back.
//
// Each Bridge is an owned instance; independent bridges can coexist.
package bridge
