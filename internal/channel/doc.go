// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package channel is the websocket client for the remote channel server.
//
// A Client announces itself, waits for module:authenticated, and then relays
// context updates both ways. Sends made while disconnected are queued and
// flushed in order once the connection is authenticated.
package channel
