// Package orchestrator turns natural-language conversation turns into task
// queue mutations. It resolves the session, runs a bounded tool-calling loop
// against the oracle, gates every tool call through the authorization guard,
// and appends the turn's messages to the session log in one atomic write.
package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/complyline/complyline/runtime/session"
)

type (
	// Oracle is the opaque tool-calling model. Implementations wrap an LLM
	// provider; the orchestrator only depends on this contract and never on
	// a provider wire format.
	//
	// Contract:
	// - A result carries either a final textual reply, tool calls, or both
	//   (a reply accompanying tool calls is treated as interim commentary).
	// - Implementations must be safe for concurrent calls across sessions;
	//   the orchestrator already serializes calls within one session.
	Oracle interface {
		Converse(ctx context.Context, in ConverseInput) (ConverseResult, error)
	}

	// ConverseInput is the oracle's view of one reasoning step.
	ConverseInput struct {
		// Messages is the full conversation history, oldest first, including
		// the tool-result messages from earlier rounds of this turn.
		Messages []session.Message
		// Tools lists the task types the acting role may request.
		Tools []string
	}

	// ConverseResult is the oracle's decision: reply, call tools, or both.
	ConverseResult struct {
		// Reply is the textual response when the oracle is done (or interim
		// commentary alongside tool calls).
		Reply string
		// ToolCalls lists requested task creations, in order.
		ToolCalls []ToolCall
	}

	// ToolCall is one requested tool invocation.
	ToolCall struct {
		// Name is the task type to create.
		Name string
		// Arguments is the structured task payload.
		Arguments json.RawMessage
	}
)
