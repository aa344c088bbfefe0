// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import "errors"

var (
	// ErrBlockNotFound is returned when no block covers a requested ID.
	ErrBlockNotFound = errors.New("block not found")

	// ErrEntryNotFound is returned when a map entry does not exist.
	ErrEntryNotFound = errors.New("map entry not found")

	// ErrMetaNotFound is returned when a metadata key does not exist.
	ErrMetaNotFound = errors.New("metadata not found")

	// ErrHashCollision is returned when two distinct strings intern to
	// the same 32-bit hash. The document cannot represent both names.
	ErrHashCollision = errors.New("interned string hash collision")

	// ErrCorrupt is returned when a stored record fails to parse.
	ErrCorrupt = errors.New("corrupt store record")

	// ErrClockExhausted is returned when a client's 32-bit clock space
	// cannot fit the requested allocation.
	ErrClockExhausted = errors.New("client clock space exhausted")
)
