package agent

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

// probeKeys is the fixed order in which object nodes are searched for text.
var probeKeys = []string{"content", "value", "text", "output", "stdout", "stderr", "message", "error"}

// ExtractText collects every string reachable from a tool result by the
// traversal rules: strings are taken as-is, arrays element-wise, objects
// through the probe keys in order. Duplicate segments are dropped while
// preserving first-seen order.
func ExtractText(result json.RawMessage) string {
	var node any
	if err := json.Unmarshal(result, &node); err != nil {
		return strings.TrimSpace(string(result))
	}
	var segments []string
	collectText(node, &segments)

	seen := make(map[string]bool, len(segments))
	var out []string
	for _, seg := range segments {
		if seg == "" || seen[seg] {
			continue
		}
		seen[seg] = true
		out = append(out, seg)
	}
	return strings.Join(out, "\n")
}

func collectText(node any, out *[]string) {
	switch v := node.(type) {
	case string:
		*out = append(*out, v)
	case []any:
		for _, elem := range v {
			collectText(elem, out)
		}
	case map[string]any:
		for _, key := range probeKeys {
			if child, ok := v[key]; ok {
				collectText(child, out)
			}
		}
	}
}

var dataImageRe = regexp.MustCompile(`data:image/[a-zA-Z0-9.+-]+;base64,[A-Za-z0-9+/=]+`)

// scanImages finds embedded data-URI payloads and inline image objects in a
// tool result. Images are deduplicated by source, first occurrence wins.
func scanImages(result json.RawMessage) []Image {
	if len(result) == 0 {
		return nil
	}
	var found []Image

	var node any
	if err := json.Unmarshal(result, &node); err == nil {
		collectImages(node, &found)
	}
	for _, match := range dataImageRe.FindAllString(string(result), -1) {
		found = append(found, imageFromDataURI(match))
	}

	seen := make(map[string]bool, len(found))
	var out []Image
	for _, img := range found {
		if img.Src == "" || seen[img.Src] {
			continue
		}
		seen[img.Src] = true
		out = append(out, img)
	}
	return out
}

func collectImages(node any, out *[]Image) {
	switch v := node.(type) {
	case []any:
		for _, elem := range v {
			collectImages(elem, out)
		}
	case map[string]any:
		if img, ok := imageFromDict(v); ok {
			*out = append(*out, img)
			return
		}
		for _, child := range v {
			collectImages(child, out)
		}
	}
}

// imageFromDict recognizes {"type":"image", ...} dictionaries with a url,
// src, or inline data field.
func imageFromDict(m map[string]any) (Image, bool) {
	if t, _ := m["type"].(string); t != "image" {
		return Image{}, false
	}
	mime, _ := m["mime_type"].(string)
	for _, key := range []string{"url", "src", "source", "image_url"} {
		if s, ok := m[key].(string); ok && s != "" {
			if strings.HasPrefix(s, "data:image/") {
				return imageFromDataURI(s), true
			}
			return Image{Src: s, MimeType: mime}, true
		}
	}
	if data, ok := m["data"].(string); ok && data != "" {
		return Image{Src: "data:inline;" + shortHash(data), MimeType: mime, Data: data}, true
	}
	return Image{}, false
}

func imageFromDataURI(uri string) Image {
	mime := ""
	data := ""
	if rest, ok := strings.CutPrefix(uri, "data:"); ok {
		if m, payload, found := strings.Cut(rest, ";base64,"); found {
			mime = m
			data = payload
		}
	}
	return Image{Src: uri, MimeType: mime, Data: data}
}

// shortHash keys inline payloads without storing the full blob twice.
func shortHash(s string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%016x", h.Sum64())
}
