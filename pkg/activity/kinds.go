package activity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// MetaProvider returns the open key-value map attached to an event.
type MetaProvider interface {
	Meta(ctx context.Context, kind, relatedType string, relatedID *int64, relatedSlug *string) (map[string]interface{}, error)
}

type MetaProviderFunc func(ctx context.Context, kind, relatedType string, relatedID *int64, relatedSlug *string) (map[string]interface{}, error)

func (f MetaProviderFunc) Meta(ctx context.Context, kind, relatedType string, relatedID *int64, relatedSlug *string) (map[string]interface{}, error) {
	return f(ctx, kind, relatedType, relatedID, relatedSlug)
}

type KindSpec struct {
	Name    string                 `yaml:"name" json:"name"`
	Meta    map[string]interface{} `yaml:"meta" json:"meta"`
	Enabled *bool                  `yaml:"enabled" json:"enabled"`
}

// KindCatalog lists the activity kinds a deployment accepts. An empty catalog
// accepts every kind.
type KindCatalog struct {
	Kinds []KindSpec `yaml:"kinds" json:"kinds"`
}

func LoadKinds(path string) (KindCatalog, error) {
	if path == "" {
		return KindCatalog{}, nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return KindCatalog{}, err
	}

	var catalog KindCatalog
	if err := yaml.Unmarshal(content, &catalog); err != nil {
		return KindCatalog{}, err
	}
	for _, k := range catalog.Kinds {
		if strings.TrimSpace(k.Name) == "" {
			return KindCatalog{}, errors.New("activity kind without a name")
		}
	}
	return catalog, nil
}

func (c KindCatalog) lookup(kind string) (KindSpec, bool) {
	for _, k := range c.Kinds {
		if k.Name == kind {
			return k, true
		}
	}
	return KindSpec{}, false
}

// Allowed reports whether kind may be recorded.
func (c KindCatalog) Allowed(kind string) bool {
	if len(c.Kinds) == 0 {
		return true
	}
	spec, ok := c.lookup(kind)
	return ok && (spec.Enabled == nil || *spec.Enabled)
}

// Provider layers the catalog's static meta under next. Keys returned by next
// win.
func (c KindCatalog) Provider(next MetaProvider) MetaProvider {
	return MetaProviderFunc(func(ctx context.Context, kind, relatedType string, relatedID *int64, relatedSlug *string) (map[string]interface{}, error) {
		out := make(map[string]interface{})
		if spec, ok := c.lookup(kind); ok {
			for k, v := range spec.Meta {
				out[k] = v
			}
		}
		if next == nil {
			return out, nil
		}
		dynamic, err := next.Meta(ctx, kind, relatedType, relatedID, relatedSlug)
		if err != nil {
			return nil, err
		}
		for k, v := range dynamic {
			out[k] = v
		}
		return out, nil
	})
}
