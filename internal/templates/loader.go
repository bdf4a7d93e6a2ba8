package templates

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/cognitionflow/orchestrator/internal/domain"
)

// TaskTemplate is a pre-built task definition users can run by id.
type TaskTemplate struct {
	ID          string   `yaml:"id"`
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Prompt      string   `yaml:"prompt"`
	OutputFiles []string `yaml:"output_files"`
}

// Option is one selectable catalog entry (model, agent mode, output format).
type Option struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// roleMeta holds frontmatter metadata for role prompt files.
type roleMeta struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Catalog holds the parsed task/model catalogs and role prompts with
// override support.
type Catalog struct {
	overrideDirs []string

	templates []TaskTemplate
	byID      map[string]*TaskTemplate
	models    []Option
	modes     []Option
	formats   []Option
	modelIDs  map[string]struct{}

	roleCache map[string]string
	mu        sync.RWMutex
}

// Load parses the embedded catalogs, applying overrides from the given
// directories. Directories are checked in order; first match wins.
func Load(overrideDirs ...string) (*Catalog, error) {
	c := &Catalog{
		overrideDirs: overrideDirs,
		byID:         make(map[string]*TaskTemplate),
		modelIDs:     make(map[string]struct{}),
		roleCache:    make(map[string]string),
	}

	if err := c.loadTasks(); err != nil {
		return nil, err
	}
	if err := c.loadOptions(); err != nil {
		return nil, err
	}
	return c, nil
}

// Default creates a catalog with the standard override path
// ~/.config/cognitionflow/templates.
func Default() (*Catalog, error) {
	home, _ := os.UserHomeDir()
	return Load(filepath.Join(home, ".config", "cognitionflow", "templates"))
}

// loadContent loads raw content from override dirs or the embedded FS.
func (c *Catalog) loadContent(path string) ([]byte, error) {
	for _, dir := range c.overrideDirs {
		fullPath := filepath.Join(dir, path)
		if data, err := os.ReadFile(fullPath); err == nil {
			return data, nil
		}
	}
	return fs.ReadFile(embeddedFS, path)
}

func (c *Catalog) loadTasks() error {
	data, err := c.loadContent("catalog/tasks.yaml")
	if err != nil {
		return fmt.Errorf("load task catalog: %w", err)
	}

	var doc struct {
		Templates []TaskTemplate `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse task catalog: %w", err)
	}

	c.templates = doc.Templates
	for i := range c.templates {
		tmpl := &c.templates[i]
		if tmpl.ID == "" || tmpl.Prompt == "" {
			return fmt.Errorf("task template %d missing id or prompt", i)
		}
		c.byID[tmpl.ID] = tmpl
	}
	return nil
}

func (c *Catalog) loadOptions() error {
	data, err := c.loadContent("catalog/models.yaml")
	if err != nil {
		return fmt.Errorf("load model catalog: %w", err)
	}

	var doc struct {
		Models  []Option `yaml:"models"`
		Modes   []Option `yaml:"modes"`
		Formats []Option `yaml:"formats"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse model catalog: %w", err)
	}

	c.models = doc.Models
	c.modes = doc.Modes
	c.formats = doc.Formats
	for _, m := range c.models {
		c.modelIDs[m.ID] = struct{}{}
	}
	return nil
}

// Template returns the task template for the given id.
func (c *Catalog) Template(id string) (*TaskTemplate, bool) {
	t, ok := c.byID[id]
	return t, ok
}

// Templates returns all task templates in catalog order.
func (c *Catalog) Templates() []TaskTemplate { return c.templates }

// Models returns the selectable model list.
func (c *Catalog) Models() []Option { return c.models }

// Modes returns the agent mode list.
func (c *Catalog) Modes() []Option { return c.modes }

// Formats returns the output format list.
func (c *Catalog) Formats() []Option { return c.formats }

// KnownModel reports whether the model id is in the catalog.
func (c *Catalog) KnownModel(id string) bool {
	_, ok := c.modelIDs[id]
	return ok
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*roleMeta, string, error) {
	str := string(content)

	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil
	}

	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil
	}

	frontmatter := str[4 : 4+end]
	body := str[4+end+5:]

	var meta roleMeta
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}

	return &meta, body, nil
}

// RolePrompt loads the system prompt body for a role file, e.g. "reviewer".
func (c *Catalog) RolePrompt(name string) (string, error) {
	c.mu.RLock()
	if body, ok := c.roleCache[name]; ok {
		c.mu.RUnlock()
		return body, nil
	}
	c.mu.RUnlock()

	content, err := c.loadContent(filepath.Join("roles", name+".md"))
	if err != nil {
		return "", fmt.Errorf("load role prompt %s: %w", name, err)
	}

	_, body, err := parseFrontmatter(content)
	if err != nil {
		return "", fmt.Errorf("parse role prompt %s: %w", name, err)
	}
	body = strings.TrimSpace(body)

	c.mu.Lock()
	c.roleCache[name] = body
	c.mu.Unlock()

	return body, nil
}

// EngineerPrompt returns the engineer system prompt for the agent mode,
// falling back to standard for unknown modes.
func (c *Catalog) EngineerPrompt(mode domain.AgentMode) (string, error) {
	if !mode.Valid() {
		mode = domain.ModeStandard
	}
	return c.RolePrompt("engineer_" + string(mode))
}

// ReviewerPrompt returns the reviewer system prompt.
func (c *Catalog) ReviewerPrompt() (string, error) {
	return c.RolePrompt("reviewer")
}

// ExecutorPrompt returns the executor framing prompt.
func (c *Catalog) ExecutorPrompt() (string, error) {
	return c.RolePrompt("executor")
}
