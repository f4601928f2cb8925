// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud is the completion client for OpenAI-compatible providers.
//
// The client speaks two protocols behind one contract. Requests go to
// {apiUrl}/responses first; a 404 there triggers exactly one retry against
// the older {apiUrl}/chat/completions endpoint. Both success envelopes are
// normalised into a single Completion value.
//
// # Key Types
//
//   - Client: reads Settings on every call and dispatches requests
//   - Params: per-call generation parameters (zero values fall back to Settings)
//   - Completion: normalised whole-response result
//   - StreamEvent: one delta or terminal event of an incremental response
//   - Model: provider model metadata
//
// # Usage
//
//	client := cloud.NewClient(store, cloud.WithTimeout(30*time.Second))
//	resp, err := client.Complete(ctx, []cloud.ChatMessage{
//	    cloud.NewUserMessage("Hello"),
//	}, cloud.Params{})
//
// Streaming:
//
//	for ev := range client.Stream(ctx, conv, cloud.Params{}) {
//	    switch {
//	    case ev.Err != nil:
//	        // failed
//	    case ev.Done:
//	        // finished, ev.Usage may be set
//	    default:
//	        fmt.Print(ev.Delta)
//	    }
//	}
//
// Credentials are sent only in the Authorization header and never logged.
package cloud
