package event

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Category is the coarse class a syscall belongs to, used for downstream
// filtering. Classification lives here so the emitters stay class-agnostic.
type Category string

const (
	CategoryProcess Category = "process"
	CategoryFile    Category = "file"
	CategoryNetwork Category = "network"
	CategorySignal  Category = "signal"
	CategoryIPC     Category = "ipc"
	CategoryMemory  Category = "memory"
	CategoryDesc    Category = "desc"
	CategoryOther   Category = "other"
)

// categoryPriority resolves syscalls that the tracer places in more than one
// class (execve is both %file and %process, kill both %process and %signal).
// The first listed category wins.
var categoryPriority = []Category{
	CategoryProcess,
	CategoryFile,
	CategoryNetwork,
	CategorySignal,
	CategoryIPC,
	CategoryMemory,
	CategoryDesc,
}

//go:embed categories.yaml
var categoriesYAML []byte

// CategoryTable maps syscall names to categories.
type CategoryTable struct {
	byName map[string]Category
}

// LoadCategories parses the embedded classification table.
func LoadCategories() (*CategoryTable, error) {
	var raw map[string][]string
	if err := yaml.Unmarshal(categoriesYAML, &raw); err != nil {
		return nil, fmt.Errorf("parsing syscall category table: %w", err)
	}

	byName := make(map[string]Category)
	for _, cat := range categoryPriority {
		names, ok := raw[string(cat)]
		if !ok {
			return nil, fmt.Errorf("syscall category table missing %q", cat)
		}
		for _, name := range names {
			if _, seen := byName[name]; !seen {
				byName[name] = cat
			}
		}
		delete(raw, string(cat))
	}
	for key := range raw {
		return nil, fmt.Errorf("syscall category table has unknown category %q", key)
	}
	return &CategoryTable{byName: byName}, nil
}

// Lookup returns the category for a syscall name, CategoryOther when the
// table does not list it.
func (t *CategoryTable) Lookup(name string) Category {
	if cat, ok := t.byName[name]; ok {
		return cat
	}
	return CategoryOther
}

// DefaultFilter is the category set traced by default: file access and
// process lifecycle, mirroring the tracer's own trace=%file,%process classes.
func DefaultFilter() map[Category]bool {
	return map[Category]bool{
		CategoryFile:    true,
		CategoryProcess: true,
	}
}
