// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server hosts the channel server that stage modules connect to.
//
// Modules dial /ws, announce themselves with module:announce and, once the
// server answers module:authenticated, every event they send is relayed to
// all other authenticated modules. The sender never receives its own event.
//
// Middleware (applied in order):
//   - Panic recovery with stack logging
//   - Request logging with status and duration
//   - Per-IP token bucket rate limiting (optional)
//   - IP allowlist and bearer token (websocket and health exempt from the token)
//
// Example:
//
//	srv := server.New(server.Config{Port: 6121, Token: os.Getenv("STAGE_TOKEN")})
//	go srv.Start()
//	defer srv.Shutdown(ctx)
package server
