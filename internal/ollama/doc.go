// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for the Ollama API and the
// pipeline.Streamer that feeds model output into the streaming pipeline.
//
// # Key Types
//
//   - Client: HTTP client for /api/chat (NDJSON streaming) and /api/tags
//   - StreamReader: line-by-line decoder for streamed chat responses
//   - Streamer: adapts the client to pipeline.Streamer
//
// # Usage
//
//	client := ollama.NewClient(ollama.ClientConfig{BaseURL: "http://127.0.0.1:11434"})
//	p := pipeline.New(pipeline.Config{
//	    Store:    store,
//	    Streamer: ollama.NewStreamer(client, nil),
//	})
package ollama
