// Package pluginreg is the declared extension interface of §9's
// "dynamic plugin dispatch" redesign: built-in Source and Element kinds
// register themselves the same way third-party kinds loaded from a
// plugin would, on top of containerd/plugin's registry so both paths
// share one lookup and one dependency-ordering mechanism.
package pluginreg

import (
	"context"

	cplugin "github.com/containerd/plugin"
	"github.com/containerd/plugin/registry"

	"github.com/buildstream-go/bst/internal/bsterrors"
	"github.com/buildstream-go/bst/internal/element"
)

// Type names the two plugin kinds the core engine dispatches on.
type Type = cplugin.Type

const (
	TypeSource  Type = "bst.source"
	TypeElement Type = "bst.element"
)

// Register and Graph are the two registry operations the core engine
// needs: registering a kind at init time, and walking the registry
// (dependency-ordered, per Requires) to resolve one by ID.
var (
	register = registry.Register
	graph    = registry.Graph
)

// InitContext carries the per-instantiation configuration passed to a
// kind's constructor — the decoded element-description config block for
// that source/element entry.
type InitContext struct {
	Context context.Context
	Config  map[string]interface{}
}

// SourceFactory constructs one configured Source instance.
type SourceFactory func(ic *InitContext) (element.Source, error)

// ElementFactory constructs one configured ElementPlugin instance.
type ElementFactory func(ic *InitContext) (element.ElementPlugin, error)

// RegisterSource declares a Source kind under id, for either a built-in
// kind (registered from an init func in its own package) or a
// third-party kind loaded through a Go plugin calling this from its own
// init.
func RegisterSource(id string, requires []Type, factory SourceFactory) {
	register(&cplugin.Registration{
		Type:     TypeSource,
		ID:       id,
		Requires: requires,
		InitFn: func(ic *cplugin.InitContext) (interface{}, error) {
			cfg, _ := ic.Config.(map[string]interface{})
			return factory(&InitContext{Context: ic.Context, Config: cfg})
		},
	})
}

// RegisterElement declares an Element kind under id.
func RegisterElement(id string, requires []Type, factory ElementFactory) {
	register(&cplugin.Registration{
		Type:     TypeElement,
		ID:       id,
		Requires: requires,
		InitFn: func(ic *cplugin.InitContext) (interface{}, error) {
			cfg, _ := ic.Config.(map[string]interface{})
			return factory(&InitContext{Context: ic.Context, Config: cfg})
		},
	})
}

func findRegistration(typ Type, id string) (cplugin.Registration, bool) {
	for _, r := range graph(func(r *cplugin.Registration) bool { return r.Type == typ }) {
		if r.ID == id {
			return r, true
		}
	}
	return cplugin.Registration{}, false
}

// NewSource resolves and instantiates the Source kind registered under
// id, passing config through to its factory.
func NewSource(ctx context.Context, id string, config map[string]interface{}) (element.Source, error) {
	reg, ok := findRegistration(TypeSource, id)
	if !ok {
		return nil, bsterrors.New(bsterrors.DomainPlugin, bsterrors.ReasonMissing, "no source plugin registered: "+id)
	}
	v, err := reg.InitFn(&cplugin.InitContext{Context: ctx, Config: config})
	if err != nil {
		return nil, bsterrors.Wrap(err, bsterrors.DomainPlugin, bsterrors.ReasonMissing, "initializing source plugin "+id)
	}
	src, ok := v.(element.Source)
	if !ok {
		return nil, bsterrors.New(bsterrors.DomainPlugin, bsterrors.ReasonMissing, "source plugin does not implement Source: "+id)
	}
	return src, nil
}

// NewElement resolves and instantiates the Element kind registered
// under id.
func NewElement(ctx context.Context, id string, config map[string]interface{}) (element.ElementPlugin, error) {
	reg, ok := findRegistration(TypeElement, id)
	if !ok {
		return nil, bsterrors.New(bsterrors.DomainPlugin, bsterrors.ReasonMissing, "no element plugin registered: "+id)
	}
	v, err := reg.InitFn(&cplugin.InitContext{Context: ctx, Config: config})
	if err != nil {
		return nil, bsterrors.Wrap(err, bsterrors.DomainPlugin, bsterrors.ReasonMissing, "initializing element plugin "+id)
	}
	ep, ok := v.(element.ElementPlugin)
	if !ok {
		return nil, bsterrors.New(bsterrors.DomainPlugin, bsterrors.ReasonMissing, "element plugin does not implement ElementPlugin: "+id)
	}
	return ep, nil
}

// Kinds lists every registered ID of the given type, in registry order.
func Kinds(typ Type) []string {
	var out []string
	for _, r := range graph(func(r *cplugin.Registration) bool { return r.Type == typ }) {
		out = append(out, r.ID)
	}
	return out
}
