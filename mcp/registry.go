package mcp

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"gopkg.in/yaml.v3"
)

// ToolAnnotations carries the optional hints MCP clients use to decide how
// to surface a tool (destructive, idempotent, read-only, ...).
type ToolAnnotations struct {
	Title           string `json:"title,omitempty"`
	ReadOnlyHint    bool   `json:"readOnlyHint,omitempty"`
	DestructiveHint bool   `json:"destructiveHint,omitempty"`
	IdempotentHint  bool   `json:"idempotentHint,omitempty"`
}

// ToolHandler executes a tool call. args is the raw, schema-validated
// argument object; the returned structuredContent (if any) is attached to
// the tools/call result alongside the free-form content blocks the handler
// produces.
type ToolHandler func(ctx context.Context, args map[string]interface{}) (content []ContentBlock, structuredContent interface{}, err error)

// ContentBlock is one element of a tools/call result's content array.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// TextContent builds a ContentBlock of type "text".
func TextContent(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// Tool is one entry in the tool registry.
type Tool struct {
	Name         string               `json:"name" yaml:"name"`
	Description  string               `json:"description,omitempty" yaml:"description,omitempty"`
	InputSchema  *jsonschema.Schema   `json:"inputSchema,omitempty" yaml:"inputSchema,omitempty"`
	OutputSchema *jsonschema.Schema   `json:"outputSchema,omitempty" yaml:"outputSchema,omitempty"`
	Annotations  *ToolAnnotations     `json:"annotations,omitempty" yaml:"annotations,omitempty"`
	Handler      ToolHandler          `json:"-" yaml:"-"`
	resolvedIn   *jsonschema.Resolved `json:"-" yaml:"-"`
	resolvedOut  *jsonschema.Resolved `json:"-" yaml:"-"`
}

func (t *Tool) resolve() error {
	if t.InputSchema != nil && t.resolvedIn == nil {
		r, err := t.InputSchema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("mcp: resolve input schema for tool %q: %w", t.Name, err)
		}
		t.resolvedIn = r
	}
	if t.OutputSchema != nil && t.resolvedOut == nil {
		r, err := t.OutputSchema.Resolve(nil)
		if err != nil {
			return fmt.Errorf("mcp: resolve output schema for tool %q: %w", t.Name, err)
		}
		t.resolvedOut = r
	}
	return nil
}

// ValidateInput checks args against the tool's declared input schema. A
// tool with no input schema accepts anything.
func (t *Tool) ValidateInput(args map[string]interface{}) error {
	if t.resolvedIn == nil {
		return nil
	}
	return t.resolvedIn.Validate(args)
}

// ValidateOutput checks a handler's structuredContent against the tool's
// declared output schema, when one is declared.
func (t *Tool) ValidateOutput(structuredContent interface{}) error {
	if t.resolvedOut == nil {
		return nil
	}
	return t.resolvedOut.Validate(structuredContent)
}

// HasOutputSchema reports whether the tool declares an output schema, which
// obliges its handler to populate structuredContent.
func (t *Tool) HasOutputSchema() bool {
	return t.OutputSchema != nil
}

// Resource is a static, non-templated resource entry.
type Resource struct {
	URI         string `json:"uri" yaml:"uri"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty" yaml:"mimeType,omitempty"`
}

// ResourceTemplate is a URI-templated resource entry.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate" yaml:"uriTemplate"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty" yaml:"mimeType,omitempty"`
}

// PromptArgument describes one named argument a prompt accepts.
type PromptArgument struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// Prompt is a static prompt template entry.
type Prompt struct {
	Name        string           `json:"name" yaml:"name"`
	Description string           `json:"description,omitempty" yaml:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty" yaml:"arguments,omitempty"`
}

// Manifest is the optional on-disk registry format: a flat YAML document
// listing tools, resources, resource templates, and prompts. Tool handlers
// are never loaded from the manifest; a manifest-defined tool must be bound
// to a handler with Registry.BindHandler before it can be called.
type Manifest struct {
	Tools             []Tool             `yaml:"tools"`
	Resources         []Resource         `yaml:"resources"`
	ResourceTemplates []ResourceTemplate `yaml:"resourceTemplates"`
	Prompts           []Prompt           `yaml:"prompts"`
}

// LoadManifest parses a YAML registry manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mcp: read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("mcp: parse manifest: %w", err)
	}
	return &m, nil
}

// Registry holds the static tool, resource, and prompt catalog the
// dispatcher serves tools/list, resources/list, resources/templates/list,
// and prompts/list from.
type Registry struct {
	mu                sync.RWMutex
	tools             []*Tool
	toolsByName       map[string]*Tool
	resources         []Resource
	resourceTemplates []ResourceTemplate
	prompts           []Prompt
	promptsByName     map[string]*Prompt
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		toolsByName:   make(map[string]*Tool),
		promptsByName: make(map[string]*Prompt),
	}
}

// RegisterTool adds a tool, resolving its schemas eagerly so a malformed
// schema fails at startup rather than on the first tools/call.
func (r *Registry) RegisterTool(t Tool) error {
	if err := t.resolve(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tool := t
	r.tools = append(r.tools, &tool)
	r.toolsByName[tool.Name] = &tool
	return nil
}

// BindHandler attaches a handler to a tool previously registered (typically
// from a manifest, which carries no handler of its own).
func (r *Registry) BindHandler(name string, handler ToolHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.toolsByName[name]
	if !ok {
		return fmt.Errorf("mcp: bind handler: unknown tool %q", name)
	}
	t.Handler = handler
	return nil
}

// Tool returns the named tool, or nil if unregistered.
func (r *Registry) Tool(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.toolsByName[name]
}

// ListTools returns every registered tool, in registration order.
func (r *Registry) ListTools() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, len(r.tools))
	copy(out, r.tools)
	return out
}

// RegisterResource adds a static resource.
func (r *Registry) RegisterResource(res Resource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources = append(r.resources, res)
}

// ListResources returns a page of resources starting at cursor.
func (r *Registry) ListResources(cursor string) ([]Resource, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return paginate(r.resources, cursor, ResourceTemplatesPageSize)
}

// RegisterResourceTemplate adds a URI-templated resource.
func (r *Registry) RegisterResourceTemplate(tmpl ResourceTemplate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resourceTemplates = append(r.resourceTemplates, tmpl)
}

// ListResourceTemplates returns a page of resource templates starting at
// cursor.
func (r *Registry) ListResourceTemplates(cursor string) ([]ResourceTemplate, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return paginate(r.resourceTemplates, cursor, ResourceTemplatesPageSize)
}

// RegisterPrompt adds a static prompt.
func (r *Registry) RegisterPrompt(p Prompt) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prompt := p
	r.prompts = append(r.prompts, prompt)
	r.promptsByName[prompt.Name] = &prompt
}

// Prompt returns the named prompt, or nil if unregistered.
func (r *Registry) Prompt(name string) *Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.promptsByName[name]
}

// ListPrompts returns a page of prompts starting at cursor.
func (r *Registry) ListPrompts(cursor string) ([]Prompt, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return paginate(r.prompts, cursor, PromptsPageSize)
}

// LoadManifestInto registers every entry from a parsed Manifest into r.
// Tools load with nil handlers; call BindHandler afterward for each one the
// process actually implements.
func (r *Registry) LoadManifestInto(m *Manifest) error {
	for _, t := range m.Tools {
		if err := r.RegisterTool(t); err != nil {
			return err
		}
	}
	for _, res := range m.Resources {
		r.RegisterResource(res)
	}
	for _, tmpl := range m.ResourceTemplates {
		r.RegisterResourceTemplate(tmpl)
	}
	for _, p := range m.Prompts {
		r.RegisterPrompt(p)
	}
	return nil
}
