// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipeline drives a model token stream through the marker parser into
// session history and lifecycle hooks.
//
// # Send
//
// A Send appends the user turn, streams the model reply, and appends the
// assistant turn:
//
//	p := pipeline.New(pipeline.Config{Store: store, Streamer: client})
//	p.OnTokenLiteral(func(ctx context.Context, lit string) error {
//	    fmt.Print(lit)
//	    return nil
//	})
//	err := p.Send(ctx, "Hello", pipeline.SendOptions{Model: "qwen2.5"})
//
// Literal text reaches token-literal hooks in runs of at least
// marker.DefaultMinLiteralEmitLength runes, except at end of stream. Special
// tokens of the form <|...|> go to token-special hooks unbuffered. After every
// reply a marker.FlushSignal literal tells downstream segmenters to cut.
//
// # Hooks
//
// Every On* method returns a disposer bound to that registration. Lifecycle
// hooks run in registration order and the first error aborts Send. Publish
// hooks are isolated from each other.
package pipeline
