package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"sourceflow/config"
	"sourceflow/logger"
	"sourceflow/models"
)

// LoadError is fatal: a structurally ambiguous catalog (duplicate ids, or an
// unreadable file) must refuse to start rather than silently drop entries.
type LoadError struct {
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("registry load: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("registry load: %s", e.Reason)
}

func (e *LoadError) Unwrap() error { return e.Err }

// catalog is one immutable generation of the registry. Hot reload swaps the
// whole catalog atomically so readers never observe a partial update.
type catalog struct {
	byID        map[string]*models.Resource
	byCategory  map[models.Category][]*models.Resource
	order       []string
	quarantined int
}

// Registry is the read-only resource catalog. All query methods operate on
// the current catalog generation; Reload replaces it atomically.
type Registry struct {
	path    string
	log     *logger.Log
	current atomic.Pointer[catalog]
}

// Load reads and validates the resource catalog at path. Invalid entries are
// quarantined individually with a logged warning; duplicate ids abort the
// whole load.
func Load(path string) (*Registry, error) {
	file, err := config.LoadResourceFile(path)
	if err != nil {
		return nil, &LoadError{Reason: "reading catalog", Err: err}
	}
	r := &Registry{path: path, log: logger.GetLogger()}
	cat, err := r.build(file.Resources)
	if err != nil {
		return nil, err
	}
	r.current.Store(cat)
	r.log.WithComponent("registry").WithFields(logger.Fields{
		"path":        path,
		"resources":   len(cat.order),
		"quarantined": cat.quarantined,
	}).Info("registry loaded")
	return r, nil
}

// FromEntries builds a registry directly from catalog entries. Tests and
// embedded callers use this to skip the file layer.
func FromEntries(entries []config.ResourceEntry) (*Registry, error) {
	r := &Registry{log: logger.GetLogger()}
	cat, err := r.build(entries)
	if err != nil {
		return nil, err
	}
	r.current.Store(cat)
	return r, nil
}

// Reload re-reads the catalog file and swaps the current generation
// atomically. On any load error the previous generation stays visible.
func (r *Registry) Reload() error {
	if r.path == "" {
		return &LoadError{Reason: "registry was not loaded from a file"}
	}
	file, err := config.LoadResourceFile(r.path)
	if err != nil {
		return &LoadError{Reason: "reading catalog", Err: err}
	}
	cat, err := r.build(file.Resources)
	if err != nil {
		return err
	}
	r.current.Store(cat)
	r.log.WithComponent("registry").WithFields(logger.Fields{
		"resources":   len(cat.order),
		"quarantined": cat.quarantined,
	}).Info("registry reloaded")
	return nil
}

func (r *Registry) build(entries []config.ResourceEntry) (*catalog, error) {
	cat := &catalog{
		byID:       make(map[string]*models.Resource, len(entries)),
		byCategory: make(map[models.Category][]*models.Resource),
	}

	for i, entry := range entries {
		res, err := convert(entry)
		if err != nil {
			// A malformed entry is quarantined; the rest of the
			// catalog still loads.
			cat.quarantined++
			r.log.WithComponent("registry").WithFields(logger.Fields{
				"index": i,
				"id":    entry.ID,
			}).WithError(err).Warn("quarantined invalid catalog entry")
			continue
		}
		if _, dup := cat.byID[res.ID]; dup {
			return nil, &LoadError{Reason: fmt.Sprintf("duplicate resource id %q", res.ID)}
		}
		cat.byID[res.ID] = res
		cat.byCategory[res.Category] = append(cat.byCategory[res.Category], res)
		cat.order = append(cat.order, res.ID)
	}

	// Within a category, order by priority tier; insertion order breaks
	// ties so the catalog file controls intra-tier ordering.
	for _, resources := range cat.byCategory {
		sort.SliceStable(resources, func(i, j int) bool {
			return resources[i].Tier < resources[j].Tier
		})
	}

	return cat, nil
}

// convert applies the strict parse-then-validate step producing an immutable
// typed resource for a loosely-typed catalog entry.
func convert(entry config.ResourceEntry) (*models.Resource, error) {
	id := strings.TrimSpace(entry.ID)
	if id == "" {
		return nil, fmt.Errorf("missing id")
	}
	if strings.TrimSpace(entry.BaseURL) == "" {
		return nil, fmt.Errorf("missing base_url")
	}
	if strings.TrimSpace(entry.EndpointTemplate) == "" {
		return nil, fmt.Errorf("missing endpoint_template")
	}

	category, err := models.ParseCategory(entry.Category)
	if err != nil {
		return nil, err
	}
	tier, err := models.ParseTier(entry.PriorityTier)
	if err != nil {
		return nil, err
	}
	auth, err := convertAuth(entry.Auth)
	if err != nil {
		return nil, err
	}
	if entry.RateLimitHint < 0 {
		return nil, fmt.Errorf("negative rate_limit_hint")
	}

	name := strings.TrimSpace(entry.Name)
	if name == "" {
		name = id
	}

	return &models.Resource{
		ID:               id,
		Name:             name,
		Category:         category,
		Tier:             tier,
		BaseURL:          strings.TrimRight(strings.TrimSpace(entry.BaseURL), "/"),
		EndpointTemplate: strings.TrimSpace(entry.EndpointTemplate),
		Auth:             auth,
		RateLimitHint:    entry.RateLimitHint,
		ValuePath:        strings.TrimSpace(entry.ValuePath),
		Mirrors:          entry.Mirrors,
	}, nil
}

func convertAuth(entry config.AuthEntry) (models.Auth, error) {
	kind := models.AuthKind(strings.ToLower(strings.TrimSpace(entry.Kind)))
	if kind == "" {
		kind = models.AuthNone
	}
	switch kind {
	case models.AuthNone:
		return models.Auth{Kind: models.AuthNone}, nil
	case models.AuthQueryKey, models.AuthHeaderKey:
		if strings.TrimSpace(entry.Name) == "" {
			return models.Auth{}, fmt.Errorf("auth kind %s requires a parameter name", kind)
		}
		if strings.TrimSpace(entry.Env) == "" {
			return models.Auth{}, fmt.Errorf("auth kind %s requires an env variable", kind)
		}
		return models.Auth{Kind: kind, Name: entry.Name, EnvVar: entry.Env}, nil
	case models.AuthPathKey:
		if strings.TrimSpace(entry.Env) == "" {
			return models.Auth{}, fmt.Errorf("auth kind %s requires an env variable", kind)
		}
		return models.Auth{Kind: kind, EnvVar: entry.Env}, nil
	default:
		return models.Auth{}, fmt.Errorf("unknown auth kind %q", entry.Kind)
	}
}

// ResourcesFor returns the resources serving a category, ordered by priority
// tier with catalog order inside a tier. Callers must not mutate the slice.
func (r *Registry) ResourcesFor(category models.Category) []*models.Resource {
	return r.current.Load().byCategory[category]
}

// Lookup finds a resource by id.
func (r *Registry) Lookup(id string) (*models.Resource, bool) {
	res, ok := r.current.Load().byID[id]
	return res, ok
}

// IDs returns every resource id in catalog order.
func (r *Registry) IDs() []string {
	order := r.current.Load().order
	out := make([]string, len(order))
	copy(out, order)
	return out
}

// IDsFor returns the ids of resources serving a category, in chain order.
func (r *Registry) IDsFor(category models.Category) []string {
	resources := r.ResourcesFor(category)
	out := make([]string, 0, len(resources))
	for _, res := range resources {
		out = append(out, res.ID)
	}
	return out
}

// Len reports how many resources the current catalog carries.
func (r *Registry) Len() int {
	return len(r.current.Load().order)
}
