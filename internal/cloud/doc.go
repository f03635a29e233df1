// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud implements the generation backend: an OpenAI-compatible
// streaming chat completions client (DeepSeek by default).
//
// Reasoning models stream delta.reasoning_content before delta.content;
// both are surfaced as tagged fragments on a channel.
//
// # Key Types
//
//   - Client: HTTP client with retry, backoff, and request pacing
//   - APIError: Error returned by the API with status and code
//   - SSEReader: Server-Sent Events parser
//
// # Usage
//
//	client := cloud.NewClient(apiKey).WithBaseURL(cloud.DefaultBaseURL)
//	frags, err := client.StreamCompletion(ctx, model.VariantChat, turns)
//	for f := range frags {
//	    if f.Err != nil {
//	        return f.Err
//	    }
//	    fmt.Print(f.Text)
//	}
//
// # Security
//
// API keys are never logged. Requests log only method, path, status and
// duration.
package cloud
