package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Sender identifies who produced a ConversationEntry.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
	SenderTool  Sender = "tool"
)

// AttachmentKind tags the variant carried by an Attachment.
type AttachmentKind string

const (
	AttachmentText  AttachmentKind = "text"
	AttachmentPDF   AttachmentKind = "pdf"
	AttachmentImage AttachmentKind = "image"
)

// Attachment is a tagged union over the content kinds a turn may carry.
// Exactly one of the Kind-named fields is populated, matching Kind. Its
// wire representation is externally tagged — {"kind":{"Text":{...}}} —
// via the custom MarshalJSON/UnmarshalJSON below, not the flat
// {"kind":"text","text":{...}} shape plain struct tags would produce.
type Attachment struct {
	Title string
	Kind  AttachmentKind

	Text  *TextAttachment
	PDF   *PDFAttachment
	Image *ImageAttachment
}

type TextAttachment struct {
	Content string `json:"content"`
}

type PDFAttachment struct {
	Bytes    []byte `json:"bytes"`
	Filename string `json:"filename,omitempty"`
}

type ImageAttachment struct {
	URI  string `json:"uri"`
	MIME string `json:"mime"`
}

// attachmentVariantTag maps an AttachmentKind to the externally-tagged
// JSON object key its payload nests under, matching the PascalCase enum
// variant names (Text, Pdf, Image) the original Rust attachment type
// serializes under serde's default external tagging.
var attachmentVariantTag = map[AttachmentKind]string{
	AttachmentText:  "Text",
	AttachmentPDF:   "Pdf",
	AttachmentImage: "Image",
}

var attachmentKindByTag = map[string]AttachmentKind{
	"Text":  AttachmentText,
	"Pdf":   AttachmentPDF,
	"Image": AttachmentImage,
}

func (a Attachment) MarshalJSON() ([]byte, error) {
	tag, ok := attachmentVariantTag[a.Kind]
	if !ok {
		return nil, fmt.Errorf("model: attachment has unknown kind %q", a.Kind)
	}
	var payload any
	switch a.Kind {
	case AttachmentText:
		payload = a.Text
	case AttachmentPDF:
		payload = a.PDF
	case AttachmentImage:
		payload = a.Image
	}
	wire := struct {
		Title string         `json:"title,omitempty"`
		Kind  map[string]any `json:"kind"`
	}{Title: a.Title, Kind: map[string]any{tag: payload}}
	return json.Marshal(wire)
}

func (a *Attachment) UnmarshalJSON(data []byte) error {
	var wire struct {
		Title string                     `json:"title"`
		Kind  map[string]json.RawMessage `json:"kind"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if len(wire.Kind) != 1 {
		return fmt.Errorf("model: attachment kind must carry exactly one variant, got %d", len(wire.Kind))
	}
	a.Title = wire.Title
	for tag, raw := range wire.Kind {
		kind, ok := attachmentKindByTag[tag]
		if !ok {
			return fmt.Errorf("model: unknown attachment kind %q", tag)
		}
		a.Kind = kind
		switch kind {
		case AttachmentText:
			a.Text = &TextAttachment{}
			return json.Unmarshal(raw, a.Text)
		case AttachmentPDF:
			a.PDF = &PDFAttachment{}
			return json.Unmarshal(raw, a.PDF)
		case AttachmentImage:
			a.Image = &ImageAttachment{}
			return json.Unmarshal(raw, a.Image)
		}
	}
	return nil
}

// ToolChoice is one action an agent turn requested: a tool name plus its
// parameters, still in generic structured form until the catalog looks up
// the tool's concrete parameter type and decodes into it.
type ToolChoice struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// ToolResponse carries both representations a tool invocation produces:
// Full for LLM context, User for what the client is shown. They may differ
// arbitrarily; nothing about Full is ever shown to the end user directly.
type ToolResponse struct {
	Full  any    `json:"full"`
	User  string `json:"user"`
	Error string `json:"error,omitempty"`
}

// ConversationEntry is one append-only turn in a session's history.
type ConversationEntry struct {
	ID           string
	ParentID     string // empty if none
	Depth        int
	Sender       Sender
	Message      string
	Timestamp    time.Time
	Attachments  []Attachment
	ToolChoice   *ToolChoice   // set iff Sender == SenderAgent and a tool was requested
	ToolResponse *ToolResponse // set iff Sender == SenderTool
}

func (e ConversationEntry) clone() ConversationEntry {
	out := e
	out.Attachments = append([]Attachment(nil), e.Attachments...)
	if e.ToolChoice != nil {
		tc := *e.ToolChoice
		out.ToolChoice = &tc
	}
	if e.ToolResponse != nil {
		tr := *e.ToolResponse
		out.ToolResponse = &tr
	}
	return out
}

// AgentResponse is the typed contract the dispatcher decodes every LLM
// agent turn into. IsFinal=true implies Actions is empty and Title is set;
// the loop driver enforces this as a decode-time invariant, not just a
// convention.
type AgentResponse struct {
	Reasoning  string       `json:"reasoning" jsonschema_description:"Internal reasoning, never shown to the user directly."`
	UserAnswer string       `json:"user_answer" jsonschema_description:"The user-visible progress or final answer text."`
	Title      string       `json:"title,omitempty" jsonschema_description:"Set when is_final is true; a short title for the completed session."`
	IsFinal    bool         `json:"is_final"`
	Actions    []ToolChoice `json:"actions"`
}

// Validate enforces the IsFinal invariant from the Agent Response contract.
func (r AgentResponse) Validate() error {
	if r.IsFinal && len(r.Actions) != 0 {
		return errInvalidFinalResponse
	}
	if r.IsFinal && r.Title == "" {
		return errMissingTitle
	}
	return nil
}
