// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package council

import (
	"fmt"

	"axonflow/council/orchestrator/roster"
)

// QuorumNotMetError terminates a session whose expert stage produced fewer
// successful answers than the configured quorum.
type QuorumNotMetError struct {
	Dispatched int
	Succeeded  int
	Quorum     int
}

// Error implements the error interface.
func (e *QuorumNotMetError) Error() string {
	return fmt.Sprintf("quorum not met: %d of %d experts succeeded, need %d",
		e.Succeeded, e.Dispatched, e.Quorum)
}

// FallbackExhaustedError reports a call that failed every model in its
// fallback chain.
type FallbackExhaustedError struct {
	Role  roster.Role
	Stage int

	// Tried lists the model keys attempted, in order.
	Tried []string

	// LastErr is the error from the final attempt.
	LastErr error
}

// Error implements the error interface.
func (e *FallbackExhaustedError) Error() string {
	return fmt.Sprintf("fallback chain exhausted for role %s in stage %d after %d models: %v",
		e.Role, e.Stage, len(e.Tried), e.LastErr)
}

// Unwrap returns the final attempt's error.
func (e *FallbackExhaustedError) Unwrap() error {
	return e.LastErr
}
