// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry provides token counting and cost accounting.
//
// Everything here is pure: token estimates are computed locally and costs
// come from a per-variant price table. Nothing is transmitted.
//
// # Key Types
//
//   - Pricing: Input and output price per million tokens
//   - PriceTable: Variant to Pricing lookup with cost calculation
//   - Direction: Input (prompt) or output (completion) side of a request
//
// # Usage
//
//	tokens := telemetry.CountTokens(turns, model.VariantChat)
//	cost, err := telemetry.DefaultPrices().Cost(model.VariantChat, tokens, telemetry.Input)
package telemetry
