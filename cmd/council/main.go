// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

// Command council runs the multi-model deliberation service.
package main

import "axonflow/council/orchestrator"

func main() {
	orchestrator.Run()
}
