// stage - companion chat stage: streaming pipeline and context sync.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import "github.com/jeranaias/rigrun-stage/internal/cli"

func main() {
	cli.Execute()
}
