package llm

// History is the ordered message log for one conversation.
//
// A History is owned by exactly one Backend, which in turn is owned by one
// agent or one request; it is not safe for concurrent use and does not need
// to be.
type History struct {
	msgs []Message
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{}
}

// SetSystem installs the system prompt as the first message, replacing any
// previously set system message. Non-system messages are preserved.
func (h *History) SetSystem(prompt string) {
	kept := h.msgs[:0]
	for _, m := range h.msgs {
		if m.Role != RoleSystem {
			kept = append(kept, m)
		}
	}
	h.msgs = append([]Message{{Role: RoleSystem, Content: prompt}}, kept...)
}

// Append adds messages to the end of the history.
func (h *History) Append(msgs ...Message) {
	h.msgs = append(h.msgs, msgs...)
}

// Messages returns a snapshot copy of the history.
func (h *History) Messages() []Message {
	out := make([]Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Len returns the number of messages, system prompt included.
func (h *History) Len() int {
	return len(h.msgs)
}

// Clear drops all messages except system messages.
func (h *History) Clear() {
	kept := h.msgs[:0]
	for _, m := range h.msgs {
		if m.Role == RoleSystem {
			kept = append(kept, m)
		}
	}
	h.msgs = kept
}

// Last returns the most recent message and true, or a zero message and
// false when the history is empty.
func (h *History) Last() (Message, bool) {
	if len(h.msgs) == 0 {
		return Message{}, false
	}
	return h.msgs[len(h.msgs)-1], true
}

// Window returns a snapshot bounded by an estimated token budget: system
// messages always survive, then the newest messages that fit. A budget of
// zero or less returns the full history.
//
// The estimate is the usual four characters per token; the point is to
// stop runaway context growth, not to bill accurately.
func (h *History) Window(maxTokens int) []Message {
	if maxTokens <= 0 {
		return h.Messages()
	}

	budget := maxTokens
	var system []Message
	for _, m := range h.msgs {
		if m.Role == RoleSystem {
			system = append(system, m)
			budget -= estimateTokens(m)
		}
	}

	// Walk backwards collecting the newest non-system messages that fit.
	cut := len(h.msgs)
	for i := len(h.msgs) - 1; i >= 0; i-- {
		m := h.msgs[i]
		if m.Role == RoleSystem {
			continue
		}
		cost := estimateTokens(m)
		if cost > budget {
			break
		}
		budget -= cost
		cut = i
	}

	out := make([]Message, 0, len(h.msgs))
	out = append(out, system...)
	for _, m := range h.msgs[cut:] {
		if m.Role != RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

// estimateTokens approximates the token footprint of one message.
func estimateTokens(m Message) int {
	chars := len(m.Content)
	for _, call := range m.ToolCalls {
		chars += len(call.Name) + 32*len(call.Arguments)
	}
	return chars/4 + 4
}
