// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream drives one streaming backend call and accumulates its
// fragments into a deliverable result.
//
// Nothing is returned until the backend signals completion: an error or
// cancellation mid-stream discards everything received so far.
//
// # Usage
//
//	agg := stream.NewAggregator(client)
//	res, err := agg.Run(ctx, turns, model.VariantReasoner)
//	if err != nil {
//	    return err
//	}
//	text := res.Payload(model.VariantReasoner)
package stream
