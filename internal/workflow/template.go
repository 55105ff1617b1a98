package workflow

import (
	"container/list"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// templateCacheSize bounds the compiled-template LRU shared across
// executions.
const templateCacheSize = 1000

// segment is one piece of a compiled template: literal text or a context
// path reference.
type segment struct {
	literal string
	path    string
}

type compiledTemplate struct {
	segments []segment
}

// Renderer interpolates {{ path.segments }} references against an execution
// context. Compiled templates are cached in an LRU keyed by source text.
type Renderer struct {
	mu    sync.Mutex
	cache map[string]*list.Element
	order *list.List
}

type cacheEntry struct {
	source   string
	compiled *compiledTemplate
}

// NewRenderer creates a renderer with an empty cache.
func NewRenderer() *Renderer {
	return &Renderer{
		cache: make(map[string]*list.Element),
		order: list.New(),
	}
}

// Interpolate recursively renders every string in v that contains a
// template reference. Maps and slices recurse; other values pass through.
func (r *Renderer) Interpolate(v any, ectx *execContext) (any, error) {
	switch val := v.(type) {
	case string:
		if !strings.Contains(val, "{{") {
			return val, nil
		}
		return r.Render(val, ectx)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			rendered, err := r.Interpolate(item, ectx)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rendered, err := r.Interpolate(item, ectx)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// Render evaluates one template string. A rendered result that begins with
// "{" or "[" is treated as JSON and returned parsed when it decodes;
// this is load-bearing for steps that pass a prior step's object output
// onward as a value rather than a string.
func (r *Renderer) Render(source string, ectx *execContext) (any, error) {
	tmpl, err := r.compile(source)
	if err != nil {
		return nil, err
	}

	// A template that is exactly one reference returns the raw value,
	// preserving numbers and booleans without a stringify round trip.
	// String values still get the JSON parse attempt below.
	if len(tmpl.segments) == 1 && tmpl.segments[0].path != "" {
		v, ok := ectx.lookup(tmpl.segments[0].path)
		if !ok {
			return nil, fmt.Errorf("template references unknown path %q", tmpl.segments[0].path)
		}
		if s, isStr := v.(string); isStr {
			return autoParse(s), nil
		}
		return v, nil
	}

	var b strings.Builder
	for _, seg := range tmpl.segments {
		if seg.path == "" {
			b.WriteString(seg.literal)
			continue
		}
		v, ok := ectx.lookup(seg.path)
		if !ok {
			return nil, fmt.Errorf("template references unknown path %q", seg.path)
		}
		b.WriteString(stringify(v))
	}

	return autoParse(b.String()), nil
}

// autoParse decodes a rendered string that looks like a JSON object or array;
// anything else, including malformed JSON, comes back unchanged.
func autoParse(s string) any {
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed
		}
	}
	return s
}

func (r *Renderer) compile(source string) (*compiledTemplate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if el, ok := r.cache[source]; ok {
		r.order.MoveToFront(el)
		return el.Value.(*cacheEntry).compiled, nil
	}

	tmpl, err := parseTemplate(source)
	if err != nil {
		return nil, err
	}

	el := r.order.PushFront(&cacheEntry{source: source, compiled: tmpl})
	r.cache[source] = el
	if r.order.Len() > templateCacheSize {
		oldest := r.order.Back()
		r.order.Remove(oldest)
		delete(r.cache, oldest.Value.(*cacheEntry).source)
	}
	return tmpl, nil
}

func parseTemplate(source string) (*compiledTemplate, error) {
	var segments []segment
	rest := source
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			if rest != "" {
				segments = append(segments, segment{literal: rest})
			}
			break
		}
		if open > 0 {
			segments = append(segments, segment{literal: rest[:open]})
		}
		closeIdx := strings.Index(rest[open:], "}}")
		if closeIdx < 0 {
			return nil, fmt.Errorf("unterminated template reference in %q", source)
		}
		path := strings.TrimSpace(rest[open+2 : open+closeIdx])
		if path == "" {
			return nil, fmt.Errorf("empty template reference in %q", source)
		}
		segments = append(segments, segment{path: path})
		rest = rest[open+closeIdx+2:]
	}
	return &compiledTemplate{segments: segments}, nil
}

// stringify renders a context value into template output. Non-strings are
// JSON-encoded so objects survive the audit trail and re-parse downstream.
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
