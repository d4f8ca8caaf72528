package model

import (
	"bytes"
	"encoding/json"
)

// FormatMessage renders the exact wire text stored as a User
// ConversationEntry's Message field. With no attachments the body is just
// the task block; attachments, when present, precede it inside their own
// block, serialized as pretty-printed JSON in receipt order.
func FormatMessage(content string, attachments []Attachment) (string, error) {
	if len(attachments) == 0 {
		return "<MAIN_TASK>\n" + content + "\n</MAIN_TASK>", nil
	}
	encoded, err := prettyJSON(attachments)
	if err != nil {
		return "", err
	}
	return "<ADDITIONAL_CONTEXT>\n" + encoded + "\n</ADDITIONAL_CONTEXT>\n\n<MAIN_TASK>\n" + content + "\n</MAIN_TASK>", nil
}

// prettyJSON renders v as canonical 2-space-indented JSON, matching the
// formatting rule in the wire-format section of the design: attachments are
// never re-sorted, only serialized in the order the caller supplied them.
func prettyJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
