// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package marker

// Reserved sequences shared by the streaming pipeline and the text
// segmentation queue. Both are zero-width characters so they never collide
// with visible model output.
const (
	// FlushInstruction tells segmentation to cut the current chunk. The
	// pipeline emits it doubled as a synthetic literal at end of stream.
	FlushInstruction = "\u200b"

	// SpecialSentinel marks where a special token sat in the literal stream.
	SpecialSentinel = "\u2063"
)

// FlushSignal is the doubled flush instruction emitted after a response.
const FlushSignal = FlushInstruction + FlushInstruction
