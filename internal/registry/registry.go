// Package registry maintains the capability indexes of the gateway: which
// tools, resources, and prompts each connected upstream offers, and an
// optional embedding-backed semantic search over all of them.
package registry

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/conduit/pkg/models"
)

// Kind discriminates the three capability registries.
type Kind string

const (
	KindTool     Kind = "tool"
	KindResource Kind = "resource"
	KindPrompt   Kind = "prompt"
)

// Entry is one indexed capability. Tools and prompts are keyed by qualified
// name ("<serverName>/<localName>"); resources by URI.
type Entry struct {
	Kind         Kind            `json:"kind"`
	Key          string          `json:"key"`
	LocalName    string          `json:"local_name"`
	ServerID     string          `json:"server_id"`
	ServerName   string          `json:"server_name"`
	Description  string          `json:"description,omitempty"`
	Schema       json.RawMessage `json:"schema,omitempty"`
	Tags         []string        `json:"tags,omitempty"`
	Category     string          `json:"category,omitempty"`
	RegisteredAt time.Time       `json:"registered_at"`
	UsageCount   int64           `json:"usage_count"`
}

// QualifiedName builds the system-wide identifier for a named capability.
func QualifiedName(serverName, localName string) string {
	return serverName + "/" + localName
}

// Registry is one keyed capability index with by-server, by-category and
// by-tag lookups. Safe for concurrent use.
type Registry struct {
	kind Kind

	mu         sync.RWMutex
	entries    map[string]*Entry
	byServer   map[string]map[string]struct{}
	byCategory map[string]map[string]struct{}
	byTag      map[string]map[string]struct{}
}

// NewRegistry creates an empty registry of the given kind.
func NewRegistry(kind Kind) *Registry {
	return &Registry{
		kind:       kind,
		entries:    make(map[string]*Entry),
		byServer:   make(map[string]map[string]struct{}),
		byCategory: make(map[string]map[string]struct{}),
		byTag:      make(map[string]map[string]struct{}),
	}
}

// RegisterServer atomically replaces all of a server's entries with the
// given set.
func (r *Registry) RegisterServer(server *models.Server, entries []*Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeServerLocked(server.ID)

	now := time.Now().UTC()
	for _, e := range entries {
		e.Kind = r.kind
		e.ServerID = server.ID
		e.ServerName = server.Name
		if e.RegisteredAt.IsZero() {
			e.RegisteredAt = now
		}
		if e.Category == "" {
			e.Category = server.Metadata.Category
		}
		if len(e.Tags) == 0 {
			e.Tags = server.Metadata.Tags
		}
		r.entries[e.Key] = e
		addIndex(r.byServer, server.ID, e.Key)
		if e.Category != "" {
			addIndex(r.byCategory, e.Category, e.Key)
		}
		for _, tag := range e.Tags {
			addIndex(r.byTag, tag, e.Key)
		}
	}
}

// UnregisterServer removes every entry belonging to the server.
func (r *Registry) UnregisterServer(serverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeServerLocked(serverID)
}

func (r *Registry) removeServerLocked(serverID string) {
	for key := range r.byServer[serverID] {
		if e, ok := r.entries[key]; ok {
			if e.Category != "" {
				removeIndex(r.byCategory, e.Category, key)
			}
			for _, tag := range e.Tags {
				removeIndex(r.byTag, tag, key)
			}
		}
		delete(r.entries, key)
	}
	delete(r.byServer, serverID)
}

// Find returns the entry for a key, or nil.
func (r *Registry) Find(key string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[key]; ok {
		clone := *e
		return &clone
	}
	return nil
}

// FindByServer returns all entries of one server, sorted by key.
func (r *Registry) FindByServer(serverID string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byServer[serverID])
}

// FindByCategory returns all entries in a category, sorted by key.
func (r *Registry) FindByCategory(category string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byCategory[category])
}

// FindByTag returns all entries carrying a tag, sorted by key.
func (r *Registry) FindByTag(tag string) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byTag[tag])
}

// All returns every entry, sorted by key.
func (r *Registry) All() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		clone := *e
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Count returns the number of entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// RecordUsage increments the in-memory usage counter for a key.
func (r *Registry) RecordUsage(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.UsageCount++
	}
}

func (r *Registry) collect(keys map[string]struct{}) []*Entry {
	out := make([]*Entry, 0, len(keys))
	for key := range keys {
		if e, ok := r.entries[key]; ok {
			clone := *e
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func addIndex(idx map[string]map[string]struct{}, bucket, key string) {
	if idx[bucket] == nil {
		idx[bucket] = make(map[string]struct{})
	}
	idx[bucket][key] = struct{}{}
}

func removeIndex(idx map[string]map[string]struct{}, bucket, key string) {
	if m, ok := idx[bucket]; ok {
		delete(m, key)
		if len(m) == 0 {
			delete(idx, bucket)
		}
	}
}

// Set bundles the three capability registries.
type Set struct {
	Tools     *Registry
	Resources *Registry
	Prompts   *Registry
}

// NewSet creates the three registries.
func NewSet() *Set {
	return &Set{
		Tools:     NewRegistry(KindTool),
		Resources: NewRegistry(KindResource),
		Prompts:   NewRegistry(KindPrompt),
	}
}

// RegisterServer indexes a server's full capability catalog.
func (s *Set) RegisterServer(server *models.Server, tools []models.ToolDescriptor,
	resources []models.ResourceDescriptor, prompts []models.PromptDescriptor) {

	toolEntries := make([]*Entry, 0, len(tools))
	for _, t := range tools {
		toolEntries = append(toolEntries, &Entry{
			Key:         QualifiedName(server.Name, t.Name),
			LocalName:   t.Name,
			Description: t.Description,
			Schema:      t.InputSchema,
		})
	}
	s.Tools.RegisterServer(server, toolEntries)

	resourceEntries := make([]*Entry, 0, len(resources))
	for _, res := range resources {
		resourceEntries = append(resourceEntries, &Entry{
			Key:         res.URI,
			LocalName:   res.Name,
			Description: res.Description,
		})
	}
	s.Resources.RegisterServer(server, resourceEntries)

	promptEntries := make([]*Entry, 0, len(prompts))
	for _, pr := range prompts {
		promptEntries = append(promptEntries, &Entry{
			Key:         QualifiedName(server.Name, pr.Name),
			LocalName:   pr.Name,
			Description: pr.Description,
		})
	}
	s.Prompts.RegisterServer(server, promptEntries)
}

// UnregisterServer removes the server from all three registries.
func (s *Set) UnregisterServer(serverID string) {
	s.Tools.UnregisterServer(serverID)
	s.Resources.UnregisterServer(serverID)
	s.Prompts.UnregisterServer(serverID)
}

// ByKind returns the registry for a kind, or nil.
func (s *Set) ByKind(kind Kind) *Registry {
	switch kind {
	case KindTool:
		return s.Tools
	case KindResource:
		return s.Resources
	case KindPrompt:
		return s.Prompts
	}
	return nil
}
