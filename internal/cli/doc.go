// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the stage command line.
//
// Commands:
//
//	stage serve                 run the channel server with a stage attached
//	stage chat [message]        chat in the terminal, or send one message
//	stage sessions list         list saved sessions
//	stage sessions export       export as a JSON snapshot or Markdown
//	stage sessions import FILE  import a JSON snapshot
//	stage sessions reset [ID]   clear one session, or all with --all
//	stage transcribe FILE       transcribe PCM audio, optionally --send it
//
// Every command that talks to the model builds a Runtime, which owns the
// session store, persona, persistence, pipeline, bridge and speech chain for
// one process.
package cli
