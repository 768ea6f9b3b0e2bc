package agentloop

import (
	"encoding/json"
	"time"

	"github.com/martinemde/sherlog/unifiedllm"
)

// TurnKind discriminates between turn types.
type TurnKind string

const (
	TurnUser        TurnKind = "user"
	TurnAssistant   TurnKind = "assistant"
	TurnToolResults TurnKind = "tool_results"
	TurnSteering    TurnKind = "steering"
)

// Turn is a single entry in a run's conversation history.
type Turn struct {
	Kind        TurnKind         `json:"kind"`
	Timestamp   time.Time        `json:"timestamp"`
	User        *UserTurn        `json:"user,omitempty"`
	Assistant   *AssistantTurn   `json:"assistant,omitempty"`
	ToolResults *ToolResultsTurn `json:"tool_results,omitempty"`
	Steering    *SteeringTurn    `json:"steering,omitempty"`
}

// UserTurn holds user input.
type UserTurn struct {
	Content string `json:"content"`
}

// AssistantTurn holds the model's response.
type AssistantTurn struct {
	Content    string           `json:"content"`
	ToolCalls  []ToolCallPart   `json:"tool_calls,omitempty"`
	Usage      unifiedllm.Usage `json:"usage"`
	ResponseID string           `json:"response_id,omitempty"`
}

// ToolResult is what the model sees for one executed tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error"`
}

// ToolResultsTurn holds tool execution results.
type ToolResultsTurn struct {
	Results []ToolResult `json:"results"`
}

// SteeringTurn holds an injected steering message.
type SteeringTurn struct {
	Content string `json:"content"`
}

// NewUserTurn creates a Turn wrapping user input.
func NewUserTurn(content string) Turn {
	return Turn{
		Kind:      TurnUser,
		Timestamp: time.Now(),
		User:      &UserTurn{Content: content},
	}
}

// NewAssistantTurn creates a Turn wrapping an assistant response.
func NewAssistantTurn(content string, toolCalls []ToolCallPart, usage unifiedllm.Usage, responseID string) Turn {
	return Turn{
		Kind:      TurnAssistant,
		Timestamp: time.Now(),
		Assistant: &AssistantTurn{
			Content:    content,
			ToolCalls:  toolCalls,
			Usage:      usage,
			ResponseID: responseID,
		},
	}
}

// NewToolResultsTurn creates a Turn wrapping tool results.
func NewToolResultsTurn(results []ToolResult) Turn {
	return Turn{
		Kind:        TurnToolResults,
		Timestamp:   time.Now(),
		ToolResults: &ToolResultsTurn{Results: results},
	}
}

// NewSteeringTurn creates a Turn wrapping a steering message.
func NewSteeringTurn(content string) Turn {
	return Turn{
		Kind:      TurnSteering,
		Timestamp: time.Now(),
		Steering:  &SteeringTurn{Content: content},
	}
}

// ConvertHistoryToMessages converts the turn-based history into LLM messages.
func ConvertHistoryToMessages(history []Turn) []unifiedllm.Message {
	var messages []unifiedllm.Message
	for _, turn := range history {
		switch turn.Kind {
		case TurnUser:
			if turn.User != nil {
				messages = append(messages, unifiedllm.UserMessage(turn.User.Content))
			}
		case TurnAssistant:
			if turn.Assistant != nil {
				msg := unifiedllm.Message{Role: unifiedllm.RoleAssistant}
				if turn.Assistant.Content != "" {
					msg.Content = append(msg.Content, unifiedllm.TextPart(turn.Assistant.Content))
				}
				for _, tc := range turn.Assistant.ToolCalls {
					part := unifiedllm.ToolCallPart(tc.ToolCallID, tc.ToolName, nil)
					if s, ok := tc.Args.(string); ok {
						part.ToolCall.RawArguments = s
					} else if tc.Args != nil {
						part.ToolCall.Arguments, _ = json.Marshal(tc.Args)
					}
					msg.Content = append(msg.Content, part)
				}
				messages = append(messages, msg)
			}
		case TurnToolResults:
			if turn.ToolResults != nil {
				for _, r := range turn.ToolResults.Results {
					messages = append(messages,
						unifiedllm.ToolResultMessage(r.ToolCallID, r.ToolName, r.Content, r.IsError))
				}
			}
		case TurnSteering:
			// Steering turns are sent as user messages so the model treats
			// them as additional instructions.
			if turn.Steering != nil {
				messages = append(messages, unifiedllm.UserMessage(turn.Steering.Content))
			}
		}
	}
	return messages
}
