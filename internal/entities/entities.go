// Package entities describes the synchronized data domains of a tenant:
// their keys, load tier, persistence mode and default values.
package entities

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

type Tier int

const (
	TierBootstrap Tier = iota
	TierSecondary
	TierAdmin
)

func (t Tier) String() string {
	switch t {
	case TierBootstrap:
		return "bootstrap"
	case TierSecondary:
		return "secondary"
	case TierAdmin:
		return "admin"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

type Mode int

const (
	ModeImmediate Mode = iota
	ModeDebounced
)

func (m Mode) String() string {
	if m == ModeDebounced {
		return "debounced"
	}
	return "immediate"
}

const (
	Products        = "products"
	Orders          = "orders"
	ThemeConfig     = "theme_config"
	WebsiteConfig   = "website_config"
	Logo            = "logo"
	DeliveryConfig  = "delivery_config"
	Categories      = "categories"
	SubCategories   = "sub_categories"
	ChildCategories = "child_categories"
	Brands          = "brands"
	Tags            = "tags"
	LandingPages    = "landing_pages"
	ChatMessages    = "chat_messages"
	Roles           = "roles"
	Users           = "users"
	CourierConfig   = "courier_config"
	PixelConfig     = "pixel_config"
)

// Spec describes one synchronized entity key.
type Spec struct {
	Key  string
	Tier Tier
	Mode Mode
	// Collection values are guarded against being replaced by an empty
	// collection unless the replacement is confirmed.
	Collection bool
	// Catalog entities are fetched with GetCatalog rather than Get.
	Catalog bool
	// Cached entities are mirrored into the tenant-scoped local cache.
	Cached  bool
	Default json.RawMessage
	// Schema is an optional JSON schema the value must satisfy before it is
	// persisted.
	Schema string
}

// Registry is a set of entity specs indexed by key.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

func NewRegistry(specs ...Spec) *Registry {
	r := &Registry{specs: map[string]Spec{}}
	for _, spec := range specs {
		_ = r.Register(spec)
	}
	return r
}

func (r *Registry) Register(spec Spec) error {
	spec.Key = strings.TrimSpace(spec.Key)
	if spec.Key == "" {
		return fmt.Errorf("entity key is required")
	}
	if len(spec.Default) == 0 {
		if spec.Collection {
			spec.Default = json.RawMessage(`[]`)
		} else {
			spec.Default = json.RawMessage(`null`)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Key] = spec
	return nil
}

func (r *Registry) Lookup(key string) (Spec, bool) {
	if r == nil {
		return Spec{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[key]
	return spec, ok
}

// Keys returns every registered key in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.specs))
	for key := range r.specs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// ByTier returns the specs of one tier sorted by key.
func (r *Registry) ByTier(tier Tier) []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0)
	for _, spec := range r.specs {
		if spec.Tier == tier {
			out = append(out, spec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

const themeConfigSchema = `{
	"type": "object",
	"properties": {
		"primaryColor": {"type": "string", "pattern": "^#[0-9a-fA-F]{3,8}$"},
		"secondaryColor": {"type": "string", "pattern": "^#[0-9a-fA-F]{3,8}$"},
		"fontFamily": {"type": "string"}
	}
}`

const collectionSchema = `{"type": "array"}`

// Default returns the storefront entity catalog.
func Default() *Registry {
	return NewRegistry(
		Spec{Key: Products, Tier: TierBootstrap, Mode: ModeImmediate, Collection: true, Cached: true, Schema: collectionSchema},
		Spec{Key: ThemeConfig, Tier: TierBootstrap, Mode: ModeImmediate, Cached: true, Default: json.RawMessage(`{"primaryColor":"#22c55e"}`), Schema: themeConfigSchema},
		Spec{Key: WebsiteConfig, Tier: TierBootstrap, Mode: ModeImmediate, Cached: true, Default: json.RawMessage(`{}`)},
		Spec{Key: Orders, Tier: TierSecondary, Mode: ModeDebounced, Collection: true, Cached: true, Schema: collectionSchema},
		Spec{Key: Logo, Tier: TierSecondary, Mode: ModeImmediate, Cached: true},
		Spec{Key: DeliveryConfig, Tier: TierSecondary, Mode: ModeDebounced, Default: json.RawMessage(`{}`)},
		Spec{Key: Categories, Tier: TierSecondary, Mode: ModeDebounced, Collection: true, Catalog: true, Cached: true},
		Spec{Key: SubCategories, Tier: TierSecondary, Mode: ModeDebounced, Collection: true, Catalog: true},
		Spec{Key: ChildCategories, Tier: TierSecondary, Mode: ModeDebounced, Collection: true, Catalog: true},
		Spec{Key: Brands, Tier: TierSecondary, Mode: ModeDebounced, Collection: true, Catalog: true},
		Spec{Key: Tags, Tier: TierSecondary, Mode: ModeDebounced, Collection: true, Catalog: true},
		Spec{Key: LandingPages, Tier: TierSecondary, Mode: ModeImmediate, Collection: true},
		Spec{Key: ChatMessages, Tier: TierSecondary, Mode: ModeDebounced, Collection: true},
		Spec{Key: Roles, Tier: TierAdmin, Mode: ModeImmediate, Collection: true},
		Spec{Key: Users, Tier: TierAdmin, Mode: ModeImmediate, Collection: true},
		Spec{Key: CourierConfig, Tier: TierAdmin, Mode: ModeImmediate, Default: json.RawMessage(`{}`)},
		Spec{Key: PixelConfig, Tier: TierAdmin, Mode: ModeImmediate, Default: json.RawMessage(`{}`)},
	)
}
