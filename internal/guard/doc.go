// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package guard enforces at most one in-flight backend request per
// participant.
//
// A participant holds a marker from the moment a request is admitted until
// its pipeline ends. Markers older than the staleness threshold are treated
// as abandoned and may be reclaimed by the next request.
//
// # Usage
//
//	g := guard.New(guard.DefaultStaleAfter)
//	lease, ok := g.TryAcquire(participantID)
//	if !ok {
//	    return errBusy
//	}
//	defer g.Release(lease)
package guard
