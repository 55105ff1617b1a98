package workflow

import (
	"strings"
	"sync"
)

// stepRecord is what a completed step leaves behind in the execution
// context for later steps to reference.
type stepRecord struct {
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// execContext is the mutable state threaded through one execution. Template
// paths resolve against its three roots: input, steps, env.
type execContext struct {
	mu    sync.Mutex
	input map[string]any
	steps map[string]*stepRecord
	env   map[string]string
}

func newExecContext(input map[string]any, env map[string]string) *execContext {
	if input == nil {
		input = map[string]any{}
	}
	if env == nil {
		env = map[string]string{}
	}
	return &execContext{
		input: input,
		steps: map[string]*stepRecord{},
		env:   env,
	}
}

func (c *execContext) setOutput(step string, output any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps[step] = &stepRecord{Output: output}
}

func (c *execContext) setError(step string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps[step] = &stepRecord{Error: err.Error()}
}

// lookup resolves a dotted path like "steps.fetch.output.temp" to a value.
func (c *execContext) lookup(path string) (any, bool) {
	segments := strings.Split(path, ".")
	if len(segments) == 0 {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var current any
	switch segments[0] {
	case "input":
		current = c.input
	case "steps":
		if len(segments) < 2 {
			return nil, false
		}
		rec, ok := c.steps[segments[1]]
		if !ok {
			return nil, false
		}
		return descendRecord(rec, segments[2:])
	case "env":
		if len(segments) != 2 {
			return nil, false
		}
		v, ok := c.env[segments[1]]
		return v, ok
	default:
		return nil, false
	}
	return descend(current, segments[1:])
}

func descendRecord(rec *stepRecord, segments []string) (any, bool) {
	if len(segments) == 0 {
		return rec, true
	}
	switch segments[0] {
	case "output":
		return descend(rec.Output, segments[1:])
	case "error":
		if rec.Error == "" {
			return nil, false
		}
		return descend(rec.Error, segments[1:])
	default:
		return nil, false
	}
}

// descend walks the remaining segments through nested maps.
func descend(current any, segments []string) (any, bool) {
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
