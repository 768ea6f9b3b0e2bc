package agentloop

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// maxLoopPeriod is the longest repeating cycle of tool calls DetectLoop looks for.
const maxLoopPeriod = 3

// callSignature identifies a tool call by name and a hash of its arguments.
// Arguments are canonicalised through ArgsAsMap when possible, so a JSON
// string and the equivalent map hash equally.
func callSignature(tc ToolCallPart) string {
	var raw []byte
	if m, err := tc.ArgsAsMap(); err == nil {
		raw, _ = json.Marshal(m)
	} else {
		raw = []byte(fmt.Sprint(tc.Args))
	}
	h := sha256.Sum256(raw)
	return fmt.Sprintf("%s:%x", tc.ToolName, h[:8])
}

// recentCallSignatures returns the signatures of the last n tool calls in
// history, oldest first, or nil when fewer than n calls were made.
func recentCallSignatures(history []Turn, n int) []string {
	var sigs []string
	for _, turn := range history {
		if turn.Kind != TurnAssistant || turn.Assistant == nil {
			continue
		}
		for _, tc := range turn.Assistant.ToolCalls {
			sigs = append(sigs, callSignature(tc))
		}
	}
	if len(sigs) < n {
		return nil
	}
	return sigs[len(sigs)-n:]
}

// DetectLoop reports whether the last window tool calls are one cycle of up
// to three calls repeated.
func DetectLoop(history []Turn, window int) bool {
	if window <= 0 {
		return false
	}
	sigs := recentCallSignatures(history, window)
	if sigs == nil {
		return false
	}
	for period := 1; period <= maxLoopPeriod; period++ {
		if window%period == 0 && repeats(sigs, period) {
			return true
		}
	}
	return false
}

func repeats(sigs []string, period int) bool {
	for i := period; i < len(sigs); i++ {
		if sigs[i] != sigs[i-period] {
			return false
		}
	}
	return true
}
