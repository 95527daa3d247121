package agent

import (
	"encoding/json"
	"testing"
)

func TestExtractText_ProbesKeysInOrder(t *testing.T) {
	raw := json.RawMessage(`{"error":"boom","content":"first","stdout":"second"}`)
	got := ExtractText(raw)
	if got != "first\nsecond\nboom" {
		t.Fatalf("ExtractText = %q", got)
	}
}

func TestExtractText_TraversesArrays(t *testing.T) {
	raw := json.RawMessage(`{"content":[{"text":"a"},{"text":"b"},"c"]}`)
	if got := ExtractText(raw); got != "a\nb\nc" {
		t.Fatalf("ExtractText = %q", got)
	}
}

func TestExtractText_DedupesPreservingOrder(t *testing.T) {
	raw := json.RawMessage(`{"content":["x","y","x"],"output":"y"}`)
	if got := ExtractText(raw); got != "x\ny" {
		t.Fatalf("ExtractText = %q", got)
	}
}

func TestExtractText_PlainString(t *testing.T) {
	if got := ExtractText(json.RawMessage(`"hello"`)); got != "hello" {
		t.Fatalf("ExtractText = %q", got)
	}
}

func TestExtractText_NonJSONFallsBackToRaw(t *testing.T) {
	if got := ExtractText(json.RawMessage("not json")); got != "not json" {
		t.Fatalf("ExtractText = %q", got)
	}
}

func TestExtractText_IgnoresUnprobedKeys(t *testing.T) {
	raw := json.RawMessage(`{"metadata":"skip me","value":"keep me"}`)
	if got := ExtractText(raw); got != "keep me" {
		t.Fatalf("ExtractText = %q", got)
	}
}

func TestScanImages_DataURI(t *testing.T) {
	raw := json.RawMessage(`{"content":"see data:image/png;base64,iVBORw0KGgo= inline"}`)
	imgs := scanImages(raw)
	if len(imgs) != 1 {
		t.Fatalf("images = %d, want 1", len(imgs))
	}
	if imgs[0].MimeType != "image/png" || imgs[0].Data != "iVBORw0KGgo=" {
		t.Fatalf("image = %+v", imgs[0])
	}
}

func TestScanImages_InlineImageDict(t *testing.T) {
	raw := json.RawMessage(`{"content":[{"type":"image","url":"https://example.com/a.png","mime_type":"image/png"}]}`)
	imgs := scanImages(raw)
	if len(imgs) != 1 || imgs[0].Src != "https://example.com/a.png" {
		t.Fatalf("images = %+v", imgs)
	}
}

func TestScanImages_DedupesBySrc(t *testing.T) {
	raw := json.RawMessage(`{
		"a": {"type":"image","url":"https://example.com/x.png"},
		"b": {"type":"image","url":"https://example.com/x.png"},
		"c": "data:image/jpeg;base64,AAAA data:image/jpeg;base64,AAAA"
	}`)
	imgs := scanImages(raw)
	if len(imgs) != 2 {
		t.Fatalf("images = %+v, want 2 unique", imgs)
	}
}

func TestScanImages_NoneFound(t *testing.T) {
	if imgs := scanImages(json.RawMessage(`{"content":"plain text"}`)); imgs != nil {
		t.Fatalf("images = %+v, want none", imgs)
	}
}
