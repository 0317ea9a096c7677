package matrix

import (
	"strings"

	"github.com/bdobrica/feelix/internal/feelix/transport"
)

// renderKeyboard appends a keyboard to a message body as plain text.
// Matrix has no bot keyboards, so users answer by typing a label.
func renderKeyboard(text string, kb *transport.Keyboard) string {
	if kb == nil || len(kb.Rows) == 0 {
		return text
	}
	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n")
	for _, row := range kb.Rows {
		labels := make([]string, 0, len(row))
		for _, btn := range row {
			labels = append(labels, "["+btn.Label+"]")
		}
		b.WriteString("\n")
		b.WriteString(strings.Join(labels, " "))
	}
	return b.String()
}

// match finds the button whose label equals text, ignoring case and
// surrounding brackets.
func match(kb *transport.Keyboard, text string) (transport.Button, bool) {
	if kb == nil {
		return transport.Button{}, false
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(strings.TrimPrefix(text, "["), "]")
	for _, row := range kb.Rows {
		for _, btn := range row {
			if strings.EqualFold(btn.Label, text) {
				return btn, true
			}
		}
	}
	return transport.Button{}, false
}
