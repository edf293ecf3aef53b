// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package broadcast links sibling contexts that live in the same process.
//
// A Hub holds named channels. Each context opens its own Endpoint on a
// channel; a Post reaches every other endpoint on that name but never the
// poster's own listeners. Delivery is asynchronous and ordered per receiver.
//
//	hub := broadcast.NewHub(logger)
//	a := broadcast.Open[model.Envelope](hub, model.ContextChannelName)
//	b := broadcast.Open[model.Envelope](hub, model.ContextChannelName)
//	b.OnMessage(func(env model.Envelope) { ... })
//	a.Post(env)
package broadcast
