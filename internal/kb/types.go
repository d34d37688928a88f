// Package kb maintains the capabilities knowledge base: the inventory of
// known entities, services, and scripts, plus user-taught hints and notes.
// The base is persisted as a YAML file and mutated only additively through
// the learn/commit protocol or a full inventory refresh.
package kb

// Hint is a user note attached to an entity id.
type Hint struct {
	Note    string `yaml:"note" json:"note"`
	Updated string `yaml:"updated" json:"updated"`
}

// ScriptHint describes a known script with an optional learned purpose.
type ScriptHint struct {
	EntityID string `yaml:"entity_id" json:"entity_id"`
	Purpose  string `yaml:"purpose,omitempty" json:"purpose,omitempty"`
	Note     string `yaml:"note,omitempty" json:"note,omitempty"`
	Updated  string `yaml:"updated,omitempty" json:"updated,omitempty"`
}

// ContextHint is a tagged free-text fact learned from conversation.
type ContextHint struct {
	Note    string   `yaml:"note" json:"note"`
	Tags    []string `yaml:"tags" json:"tags"`
	Updated string   `yaml:"updated" json:"updated"`
}

// EntityInfo is one inventory row.
type EntityInfo struct {
	EntityID string `yaml:"entity_id" json:"entity_id"`
	Name     string `yaml:"name,omitempty" json:"name,omitempty"`
	State    string `yaml:"state,omitempty" json:"state,omitempty"`
}

// Inventory is the refresh-from-store portion of the knowledge base.
type Inventory struct {
	Entities     []EntityInfo   `yaml:"entities,omitempty" json:"entities,omitempty"`
	UsedEntities []string       `yaml:"used_entities,omitempty" json:"used_entities,omitempty"`
	Services     []string       `yaml:"services,omitempty" json:"services,omitempty"`
	Scripts      []ScriptHint   `yaml:"scripts,omitempty" json:"scripts,omitempty"`
	Counts       map[string]int `yaml:"counts,omitempty" json:"counts,omitempty"`
}

// UserContext holds facts the user taught explicitly.
type UserContext struct {
	EntityHints map[string]Hint `yaml:"entity_hints,omitempty" json:"entity_hints,omitempty"`
	Notes       []Hint          `yaml:"notes,omitempty" json:"notes,omitempty"`
}

// LearnedContext holds facts inferred from conversation notes.
type LearnedContext struct {
	Entities map[string][]string `yaml:"entities,omitempty" json:"entities,omitempty"`
	Hints    []ContextHint       `yaml:"hints,omitempty" json:"hints,omitempty"`
}

// Capabilities is the full persisted knowledge base.
type Capabilities struct {
	Inventory      Inventory      `yaml:"inventory,omitempty" json:"inventory,omitempty"`
	Scripts        []ScriptHint   `yaml:"scripts,omitempty" json:"scripts,omitempty"`
	UserContext    UserContext    `yaml:"user_context,omitempty" json:"user_context,omitempty"`
	LearnedContext LearnedContext `yaml:"learned_context,omitempty" json:"learned_context,omitempty"`
}

// Empty reports whether the base carries no inventory at all. An empty base
// produces "no report" from validation lookups instead of flagging every
// token as unknown.
func (c *Capabilities) Empty() bool {
	if c == nil {
		return true
	}
	return len(c.Inventory.Entities) == 0 &&
		len(c.Inventory.UsedEntities) == 0 &&
		len(c.Inventory.Scripts) == 0 &&
		len(c.UserContext.EntityHints) == 0
}

// KnownEntities collects every entity id the base knows about.
func (c *Capabilities) KnownEntities() map[string]struct{} {
	known := make(map[string]struct{})
	for _, item := range c.Inventory.Entities {
		if item.EntityID != "" {
			known[item.EntityID] = struct{}{}
		}
	}
	for _, eid := range c.Inventory.UsedEntities {
		if eid != "" {
			known[eid] = struct{}{}
		}
	}
	for _, item := range c.Inventory.Scripts {
		if item.EntityID != "" {
			known[item.EntityID] = struct{}{}
		}
	}
	for _, item := range c.Scripts {
		if item.EntityID != "" {
			known[item.EntityID] = struct{}{}
		}
	}
	for eid := range c.UserContext.EntityHints {
		known[eid] = struct{}{}
	}
	return known
}

// KnownServices collects every service name the base knows about.
func (c *Capabilities) KnownServices() map[string]struct{} {
	known := make(map[string]struct{}, len(c.Inventory.Services))
	for _, svc := range c.Inventory.Services {
		if svc != "" {
			known[svc] = struct{}{}
		}
	}
	return known
}
