package agent

import (
	"encoding/json"

	"github.com/lyqf/proxycast/internal/store"
)

// Convert maps one internal event to its external events. A KindMessage
// expands to exactly one external event per content part, in part order;
// every other kind maps one-to-one.
func Convert(ev AgentEvent) []ExternalEvent {
	switch ev.Kind {
	case KindMessage:
		if ev.Message == nil {
			return nil
		}
		out := make([]ExternalEvent, 0, len(ev.Message.Parts))
		for _, part := range ev.Message.Parts {
			out = append(out, convertPart(part))
		}
		return out
	case KindContextTrace:
		return []ExternalEvent{{Type: ExtContextTrace, Steps: ev.Trace}}
	case KindModelChange:
		return []ExternalEvent{{Type: ExtModelChange, Model: ev.Model, Mode: ev.Mode}}
	case KindMcpNotification:
		var params json.RawMessage
		if ev.Notification != nil {
			params = ev.Notification.Params
		}
		return []ExternalEvent{{Type: ExtMcpNotification, Server: ev.Server, Notification: params}}
	case KindHistoryReplaced:
		return []ExternalEvent{{Type: ExtHistoryReplaced, History: ev.History}}
	case KindDone:
		return []ExternalEvent{{Type: ExtDone, Usage: ev.Usage}}
	case KindFinalDone:
		return []ExternalEvent{{Type: ExtFinalDone, Usage: ev.Usage}}
	case KindError:
		msg := "internal error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		return []ExternalEvent{{Type: ExtError, Error: msg}}
	default:
		return nil
	}
}

func convertPart(part store.ContentPart) ExternalEvent {
	switch part.Type {
	case store.PartText:
		return ExternalEvent{Type: ExtTextDelta, Text: part.Text}
	case store.PartThinking, store.PartRedactedThinking:
		return ExternalEvent{Type: ExtThinkingDelta, Text: part.Text}
	case store.PartToolRequest:
		return ExternalEvent{
			Type:       ExtToolStart,
			ToolCallID: part.ToolCallID,
			ToolName:   part.ToolName,
			Arguments:  part.Arguments,
		}
	case store.PartToolResponse:
		ev := ExternalEvent{
			Type:       ExtToolEnd,
			ToolCallID: part.ToolCallID,
			ToolName:   part.ToolName,
			Result:     part.Result,
			IsError:    part.IsError,
		}
		ev.Images = scanImages(part.Result)
		return ev
	case store.PartActionRequired:
		return ExternalEvent{
			Type:       ExtActionRequired,
			ActionKind: part.ActionKind,
			ToolCallID: part.ToolCallID,
			ToolName:   part.ToolName,
			Prompt:     part.Prompt,
		}
	case store.PartImage:
		return ExternalEvent{Type: ExtToolEnd, Images: []Image{{
			Src:      part.ImageURL,
			MimeType: part.MimeType,
			Data:     part.ImageData,
		}}}
	case store.PartSystemNotification:
		return ExternalEvent{Type: ExtTextDelta, Text: part.Text}
	default:
		return ExternalEvent{Type: ExtError, Error: "unknown content part " + part.Type}
	}
}
