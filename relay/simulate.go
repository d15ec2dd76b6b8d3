package relay

import (
	"fmt"
	"strings"

	"github.com/halyardhq/halyard/wire"
)

// simulate synthesizes a successful execution locally. It emits the same
// callback sequence a live execution would: output chunks in order, then a
// terminal result. The result is always successful and clearly marked as
// simulated; tokens are estimated from prompt length.
func (f *Facade) simulate(req wire.ExecuteRequest, cb *Callbacks) *wire.ExecutionResult {
	chunks := []string{
		fmt.Sprintf("[simulated] Execution started for agent %s.\n", req.AgentID),
		fmt.Sprintf("[simulated] Processing prompt (%d chars).\n", len(req.Prompt)),
		"[simulated] Execution finished. No remote server was reached.\n",
	}

	var output strings.Builder
	for _, chunk := range chunks {
		output.WriteString(chunk)
		cb.emitOutput(req.ExecutionID, chunk)
	}

	return &wire.ExecutionResult{
		Success:    true,
		Output:     output.String(),
		TokensUsed: simulatedTokens(req.Prompt),
	}
}

// simulatedTokens approximates a token count at four characters per token,
// so downstream accounting sees a plausible non-zero figure.
func simulatedTokens(prompt string) int {
	tokens := len(prompt) / 4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}
