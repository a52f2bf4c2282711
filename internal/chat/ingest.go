package chat

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chatforge/chatforge/internal/ai"
)

// WireMessage is the client-submitted shape. Content is either a plain
// string or an array of typed parts; the ambiguity is resolved exactly once
// here, everything downstream works on ai.Message.
type WireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type wirePart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"` // base64 or data URI
	MimeType string `json:"mime_type,omitempty"`
}

func (w WireMessage) Resolve() (ai.Message, error) {
	role := strings.TrimSpace(w.Role)
	switch role {
	case "user", "assistant", "system":
	default:
		return ai.Message{}, fmt.Errorf("chat: unsupported role %q", w.Role)
	}

	var text string
	if err := json.Unmarshal(w.Content, &text); err == nil {
		return ai.TextMessage(role, text), nil
	}

	var raw []wirePart
	if err := json.Unmarshal(w.Content, &raw); err != nil {
		return ai.Message{}, fmt.Errorf("chat: message content must be a string or a part array")
	}

	parts := make([]ai.Part, 0, len(raw))
	for _, p := range raw {
		switch p.Type {
		case "text":
			parts = append(parts, ai.Part{Type: ai.PartText, Text: p.Text})
		case "image", "file":
			data, mime, err := decodePartData(p.Data, p.MimeType)
			if err != nil {
				return ai.Message{}, fmt.Errorf("chat: bad %s part: %w", p.Type, err)
			}
			t := ai.PartImage
			if p.Type == "file" {
				t = ai.PartFile
			}
			parts = append(parts, ai.Part{Type: t, Data: data, MimeType: mime})
		default:
			return ai.Message{}, fmt.Errorf("chat: unknown part type %q", p.Type)
		}
	}
	return ai.Message{Role: role, Parts: parts}, nil
}

// ResolveWireMessages converts the submitted batch, rejecting malformed
// entries outright rather than silently dropping them.
func ResolveWireMessages(in []WireMessage) ([]ai.Message, error) {
	out := make([]ai.Message, 0, len(in))
	for i, w := range in {
		m, err := w.Resolve()
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// decodePartData accepts either a bare base64 payload or a full data URI.
func decodePartData(data, mimeType string) ([]byte, string, error) {
	if strings.HasPrefix(data, "data:") {
		return decodeDataURI(data)
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, "", err
	}
	return raw, mimeType, nil
}

func decodeDataURI(uri string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return nil, "", fmt.Errorf("not a data URI")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", fmt.Errorf("malformed data URI")
	}
	mime, _, _ := strings.Cut(meta, ";")
	if strings.Contains(meta, ";base64") {
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, "", err
		}
		return raw, mime, nil
	}
	return []byte(payload), mime, nil
}
