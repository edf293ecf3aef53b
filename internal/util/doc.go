// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across rigrun-stage.
//
//   - AtomicWriteFile: crash-safe file writing with fsync
//   - TruncateRunes, OneLine: UTF-8 safe display helpers
package util
