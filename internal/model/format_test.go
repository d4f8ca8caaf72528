package model

import "testing"

func TestFormatMessageLawNoAttachments(t *testing.T) {
	got, err := FormatMessage("What is 2+2?", nil)
	if err != nil {
		t.Fatalf("FormatMessage: %v", err)
	}
	want := "<MAIN_TASK>\nWhat is 2+2?\n</MAIN_TASK>"
	if got != want {
		t.Errorf("FormatMessage = %q, want %q", got, want)
	}
}

func TestFormatMessageWithOneTextAttachment(t *testing.T) {
	attachments := []Attachment{{Title: "Doc", Kind: AttachmentText, Text: &TextAttachment{Content: "Hello"}}}
	got, err := FormatMessage("Summarize", attachments)
	if err != nil {
		t.Fatalf("FormatMessage: %v", err)
	}
	want := "<ADDITIONAL_CONTEXT>\n" +
		"[\n  {\n    \"title\": \"Doc\",\n    \"kind\": {\n      \"Text\": {\n        \"content\": \"Hello\"\n      }\n    }\n  }\n]" +
		"\n</ADDITIONAL_CONTEXT>\n\n<MAIN_TASK>\nSummarize\n</MAIN_TASK>"
	if got != want {
		t.Errorf("FormatMessage mismatch:\ngot:  %q\nwant: %q", got, want)
	}
}

func TestFormatMessagePreservesAttachmentOrder(t *testing.T) {
	attachments := []Attachment{
		{Title: "First", Kind: AttachmentText, Text: &TextAttachment{Content: "1"}},
		{Title: "Second", Kind: AttachmentText, Text: &TextAttachment{Content: "2"}},
	}
	got, err := FormatMessage("go", attachments)
	if err != nil {
		t.Fatalf("FormatMessage: %v", err)
	}
	firstIdx := indexOf(got, "First")
	secondIdx := indexOf(got, "Second")
	if firstIdx < 0 || secondIdx < 0 || firstIdx > secondIdx {
		t.Errorf("attachments were not serialized in receipt order: %q", got)
	}
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
