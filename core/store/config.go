package store

import "fmt"

// CollectionConfig registers one collection namespace, "/{Name}".
type CollectionConfig struct {
	Name string `json:"name"`
	// SchemaID, if non-empty, names a schema registered with the Store's
	// validator; PUT/POST bodies for this collection are validated against
	// it before being written.
	SchemaID string `json:"schema_id,omitempty"`
}

// ViewConfig registers one secondary index observing a single collection.
type ViewConfig struct {
	// Name is the view's own URI segment, "/{Name}".
	Name string `json:"name"`
	// Observes is the name of the collection this view indexes.
	Observes string `json:"observes"`
	// Keys are the JSON document fields extracted into the view's table. A
	// document missing any key is not indexed by this view.
	Keys []string `json:"keys"`
}

// Config is the complete set of collections and views a Store serves. It
// unmarshals directly from JSON, the way the teacher's backend.Builder
// accepts a JSON configuration document.
type Config struct {
	Collections []CollectionConfig `json:"collections"`
	Views       []ViewConfig       `json:"views,omitempty"`
}

// validate checks collection and view identifiers are single path segments,
// per Open Question (b): configuration-time validation, not classifier
// leniency.
func (c Config) validate() error {
	seen := map[string]bool{}
	for _, col := range c.Collections {
		if err := validateIdentifier(col.Name); err != nil {
			return fmt.Errorf("collection %q: %w", col.Name, err)
		}
		if seen[col.Name] {
			return fmt.Errorf("collection %q registered more than once", col.Name)
		}
		seen[col.Name] = true
	}
	observed := map[string]bool{}
	for _, col := range c.Collections {
		observed[col.Name] = true
	}
	viewNames := map[string]bool{}
	for _, v := range c.Views {
		if err := validateIdentifier(v.Name); err != nil {
			return fmt.Errorf("view %q: %w", v.Name, err)
		}
		if seen[v.Name] || viewNames[v.Name] {
			return fmt.Errorf("view %q collides with another collection or view name", v.Name)
		}
		viewNames[v.Name] = true
		if !observed[v.Observes] {
			return fmt.Errorf("view %q observes unknown collection %q", v.Name, v.Observes)
		}
		if len(v.Keys) == 0 {
			return fmt.Errorf("view %q: at least one key is required", v.Name)
		}
	}
	return nil
}

func validateIdentifier(name string) error {
	if name == "" {
		return fmt.Errorf("empty identifier")
	}
	for _, r := range name {
		if r == '/' || r == '.' {
			return fmt.Errorf("identifier %q must not contain '/' or '.'", name)
		}
	}
	if name == metaURI {
		return fmt.Errorf("identifier %q is reserved", name)
	}
	return nil
}
