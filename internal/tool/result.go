package tool

import "encoding/json"

// Result is the strict output envelope for tool execution.
type Result struct {
	OK        bool           `json:"ok"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Truncated bool           `json:"truncated,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Failure builds a non-OK result from err.
func Failure(err error) Result {
	return Result{OK: false, Error: err.Error()}
}

// Content renders the result as the text fed back to the model.
func (r Result) Content() string {
	b, err := json.Marshal(r)
	if err != nil {
		return `{"ok":false,"error":"unencodable tool result"}`
	}
	return string(b)
}
