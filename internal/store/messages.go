package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Content part type tags. The store writes exactly one canonical shape but
// the parser accepts every historical shape that ever hit the messages table.
const (
	PartText               = "text"
	PartThinking           = "thinking"
	PartRedactedThinking   = "redacted_thinking"
	PartImage              = "image"
	PartToolRequest        = "tool_request"
	PartToolResponse       = "tool_response"
	PartActionRequired     = "action_required"
	PartSystemNotification = "system_notification"
)

// ContentPart is the tagged union for one slice of message content.
// Exactly the fields relevant to Type are set.
type ContentPart struct {
	Type string `json:"type"`

	// PartText, PartThinking, PartRedactedThinking, PartSystemNotification.
	Text string `json:"text,omitempty"`

	// PartImage.
	ImageURL  string `json:"image_url,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	ImageData string `json:"image_data,omitempty"` // base64 when inline

	// PartToolRequest and PartToolResponse.
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Arguments  json.RawMessage `json:"arguments,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`

	// PartActionRequired.
	ActionKind string `json:"action_kind,omitempty"` // tool_confirmation, elicitation, elicitation_response
	Prompt     string `json:"prompt,omitempty"`
}

// Message is one entry in a session's append-only history.
type Message struct {
	ID               int64         `json:"id"`
	SessionID        string        `json:"session_id"`
	Role             string        `json:"role"`
	Parts            []ContentPart `json:"parts"`
	ParentToolCallID string        `json:"parent_tool_call_id,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
}

// AppendMessage appends one message to a session's history. The sequence is
// append-only; existing rows are never rewritten.
func (s *Store) AppendMessage(ctx context.Context, msg Message) (int64, error) {
	role := strings.ToLower(strings.TrimSpace(msg.Role))
	switch role {
	case "system", "user", "assistant", "tool":
	default:
		return 0, fmt.Errorf("invalid role %q", msg.Role)
	}
	content, err := json.Marshal(msg.Parts)
	if err != nil {
		return 0, fmt.Errorf("encode content parts: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO messages (session_id, role, content, parent_tool_call_id)
			VALUES (?, ?, ?, ?);
		`, msg.SessionID, role, string(content), nullable(msg.ParentToolCallID))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		_, err = s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, msg.SessionID)
		return err
	})
	return id, err
}

// ListMessages returns a session's messages in insertion order.
func (s *Store) ListMessages(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > 5000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, COALESCE(parent_tool_call_id, ''), created_at
		FROM messages WHERE session_id = ?
		ORDER BY id ASC LIMIT ?;
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var msg Message
		var content string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &content, &msg.ParentToolCallID, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		parts, err := ParseContent([]byte(content))
		if err != nil {
			return nil, fmt.Errorf("parse message %d content: %w", msg.ID, err)
		}
		msg.Parts = parts
		out = append(out, msg)
	}
	return out, rows.Err()
}

// ParseContent decodes a stored content document into canonical parts.
// Rows written by older builds used several shapes: a bare string, an object
// with nested {"Text": ...}, camelCase "toolRequest"/"toolResponse" tags, and
// "input_image"/"image_url" image entries. All of them decode losslessly;
// re-encoding always yields the canonical shape.
func ParseContent(raw []byte) ([]ContentPart, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil, nil
	}

	// Oldest shape: plain string content.
	if trimmed[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		return []ContentPart{{Type: PartText, Text: text}}, nil
	}

	// Single object instead of an array.
	if trimmed[0] == '{' {
		part, err := parseLoosePart(raw)
		if err != nil {
			return nil, err
		}
		return []ContentPart{part}, nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, err
	}
	parts := make([]ContentPart, 0, len(elems))
	for _, elem := range elems {
		et := strings.TrimSpace(string(elem))
		if et == "" {
			continue
		}
		if et[0] == '"' {
			var text string
			if err := json.Unmarshal(elem, &text); err != nil {
				return nil, err
			}
			parts = append(parts, ContentPart{Type: PartText, Text: text})
			continue
		}
		part, err := parseLoosePart(elem)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	return parts, nil
}

// parseLoosePart decodes one part object in any historical shape.
func parseLoosePart(raw []byte) (ContentPart, error) {
	var loose struct {
		Type string `json:"type"`

		Text     json.RawMessage `json:"text"`
		Thinking string          `json:"thinking"`

		// Nested legacy wrapper: {"Text": {"text": "..."}} or {"Text": "..."}.
		NestedText json.RawMessage `json:"Text"`

		ImageURL  string `json:"image_url,omitempty"`
		URL       string `json:"url,omitempty"`
		MimeType  string `json:"mime_type,omitempty"`
		ImageData string `json:"data,omitempty"`

		ID         string          `json:"id,omitempty"`
		ToolCallID string          `json:"tool_call_id,omitempty"`
		ToolName   string          `json:"tool_name,omitempty"`
		Name       string          `json:"name,omitempty"`
		Arguments  json.RawMessage `json:"arguments,omitempty"`
		Input      json.RawMessage `json:"input,omitempty"`
		Result     json.RawMessage `json:"result,omitempty"`
		Output     json.RawMessage `json:"output,omitempty"`
		IsError    bool            `json:"is_error,omitempty"`

		ActionKind string `json:"action_kind,omitempty"`
		Prompt     string `json:"prompt,omitempty"`
	}
	if err := json.Unmarshal(raw, &loose); err != nil {
		return ContentPart{}, err
	}

	part := ContentPart{
		MimeType:   loose.MimeType,
		IsError:    loose.IsError,
		ActionKind: loose.ActionKind,
		Prompt:     loose.Prompt,
	}
	part.ToolCallID = firstNonEmpty(loose.ToolCallID, loose.ID)
	part.ToolName = firstNonEmpty(loose.ToolName, loose.Name)
	part.Arguments = firstRaw(loose.Arguments, loose.Input)
	part.Result = firstRaw(loose.Result, loose.Output)
	part.ImageURL = firstNonEmpty(loose.ImageURL, loose.URL)
	part.ImageData = loose.ImageData
	part.Text = decodeTextField(loose.Text)
	if part.Text == "" {
		part.Text = decodeTextField(loose.NestedText)
	}

	switch loose.Type {
	case PartText, "":
		part.Type = PartText
	case PartThinking:
		part.Type = PartThinking
		if part.Text == "" {
			part.Text = loose.Thinking
		}
	case PartRedactedThinking, "redactedThinking":
		part.Type = PartRedactedThinking
	case PartImage, "input_image", "image_url":
		part.Type = PartImage
	case PartToolRequest, "toolRequest", "tool_use", "tool_call":
		part.Type = PartToolRequest
	case PartToolResponse, "toolResponse", "tool_result":
		part.Type = PartToolResponse
	case PartActionRequired, "actionRequired", "tool_confirmation_request", "frontend_tool_request":
		part.Type = PartActionRequired
		if part.ActionKind == "" {
			part.ActionKind = "tool_confirmation"
		}
	case PartSystemNotification, "systemNotification":
		part.Type = PartSystemNotification
	default:
		return ContentPart{}, fmt.Errorf("unknown content part type %q", loose.Type)
	}
	return part, nil
}

// decodeTextField accepts "...", {"text": "..."} and null.
func decodeTextField(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var text string
	if json.Unmarshal(raw, &text) == nil {
		return text
	}
	var wrapper struct {
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &wrapper) == nil {
		return wrapper.Text
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstRaw(vals ...json.RawMessage) json.RawMessage {
	for _, v := range vals {
		if len(v) > 0 && string(v) != "null" {
			return v
		}
	}
	return nil
}
