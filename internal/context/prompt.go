package context

// Build orders one model request: persona prompt, trimmed history, then
// the incoming user text. An empty system prompt is omitted.
func Build(system string, history []Message, user string) []Message {
	messages := make([]Message, 0, len(history)+2)
	if system != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}
	messages = append(messages, history...)
	return append(messages, Message{Role: RoleUser, Content: user})
}

// AppendTurn returns a copy of history extended by one exchange. Tool
// round trips are not part of the stored history.
func AppendTurn(history []Message, user, answer string) []Message {
	out := make([]Message, 0, len(history)+2)
	out = append(out, history...)
	return append(out,
		Message{Role: RoleUser, Content: user},
		Message{Role: RoleAssistant, Content: answer},
	)
}
