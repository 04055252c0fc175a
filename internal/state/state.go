// Package state implements the per-element state machine of §4.D: the
// nine-step update_state transition and its derived predicates
// (buildable, pull_pending, push_needed, tainted).
package state

import (
	"github.com/buildstream-go/bst/internal/cachekey"
	"github.com/buildstream-go/bst/internal/element"
)

// CacheQuerier is the narrow view of the artifact cache the state
// machine needs: whether a ref exists locally, and whether it exists on
// any remote. internal/artifact.Cache implements it.
type CacheQuerier interface {
	HasLocal(project, normalizedName, key string) bool
	HasRemote(project, normalizedName, key string) (bool, error)
}

// State tracks one element's position in the state machine of §4.D.
// BuildDepStates must be populated with this element's direct build
// dependencies' own States before UpdateState is called, since strict
// and strong keys roll up dependency keys.
type State struct {
	Element        *element.Element
	Project        string
	NormalizedName string
	Strict         bool

	// ContextKey/ProjectKey/OS/Arch/ArtifactVersion feed the cache-key
	// canonical dictionary of §3; UniqueKey comes from the element's
	// plugin, SourceKeys from its sources.
	ContextKey      string
	ProjectKey      string
	OS              string
	Arch            string
	ArtifactVersion int
	Plugin          element.ElementPlugin

	BuildDepStates map[string]*State

	WeakKey   string
	StrictKey string
	StrongKey string

	CachedLocalWeak    bool
	CachedLocalStrict  bool
	CachedRemoteWeak   bool
	CachedRemoteStrict bool

	AssembleScheduled bool
	AssembleDone      bool
	PullFailed        bool
	Tainted           bool

	// pulledStrongKey is set by LearnStrongKey once a pull resolves the
	// strong key from a fetched artifact's meta/artifact.yaml (§4.E
	// link_key, seed scenario S5).
	pulledStrongKey string

	cache CacheQuerier
}

// New constructs a State bound to a cache querier.
func New(e *element.Element, project, normalizedName string, strict bool, cache CacheQuerier) *State {
	return &State{
		Element:         e,
		Project:         project,
		NormalizedName:  normalizedName,
		Strict:          strict,
		ArtifactVersion: 1,
		BuildDepStates:  map[string]*State{},
		cache:           cache,
	}
}

// LearnStrongKey records a strong key read from a pulled artifact's
// meta/artifact.yaml, consumed by step 9 on the next UpdateState call.
func (s *State) LearnStrongKey(key string) {
	s.pulledStrongKey = key
}

func (s *State) sourceKeys() ([]interface{}, bool, error) {
	keys := make([]interface{}, 0, len(s.Element.Sources))
	for _, src := range s.Element.Sources {
		if src.Consistency() == element.Inconsistent {
			return nil, false, nil
		}
		k, err := src.UniqueKey()
		if err != nil {
			return nil, false, err
		}
		keys = append(keys, k)
	}
	return keys, true, nil
}

// cacheableEnvironment returns the element's Environment with every name
// in EnvironmentNoCache removed, per §3's environment(minus nocache).
func (s *State) cacheableEnvironment() map[string]string {
	if len(s.Element.EnvironmentNoCache) == 0 {
		return s.Element.Environment
	}
	out := make(map[string]string, len(s.Element.Environment))
	for k, v := range s.Element.Environment {
		out[k] = v
	}
	for _, k := range s.Element.EnvironmentNoCache {
		delete(out, k)
	}
	return out
}

func (s *State) uniqueKey() (interface{}, error) {
	if s.Plugin == nil {
		return s.Element.Kind, nil
	}
	return s.Plugin.UniqueKey()
}

func (s *State) baseInput(deps []string) (cachekey.Input, error) {
	sourceKeys, ok, err := s.sourceKeys()
	if err != nil {
		return cachekey.Input{}, err
	}
	if !ok {
		return cachekey.Input{}, errSourcesInconsistent
	}
	uk, err := s.uniqueKey()
	if err != nil {
		return cachekey.Input{}, err
	}
	return cachekey.Input{
		ArtifactVersion:  s.ArtifactVersion,
		ContextKey:       s.ContextKey,
		ProjectKey:       s.ProjectKey,
		ElementUniqueKey: uk,
		OS:               s.OS,
		Arch:             s.Arch,
		Environment:      s.cacheableEnvironment(),
		SourceKeys:       sourceKeys,
		Public:           s.Element.Public,
		CacheKind:        s.Element.Kind,
		Dependencies:     deps,
	}, nil
}

// UpdateState runs the nine-step transition of §4.D. It is idempotent:
// calling it repeatedly with unchanged inputs leaves every field
// unchanged.
func (s *State) UpdateState() error {
	// Step 1: each source's consistency is read fresh by every call
	// below (Source.Consistency() is not itself cached here).
	consistency := element.MinConsistency(s.Element.Sources)

	// Step 2.
	if consistency == element.Inconsistent {
		s.WeakKey, s.StrictKey, s.StrongKey = "", "", ""
		return nil
	}

	// Step 3: taint is recomputed here. Keys are not cleared: the weak
	// key is recomputed below on every call, and the strict key whenever
	// every build dependency's strict key is known.
	s.Tainted = s.computeTainted()

	// Step 4.
	weakDeps := s.Element.BuildDeps()
	weakInput, err := s.baseInput(weakDeps)
	if err == errSourcesInconsistent {
		return nil
	}
	if err != nil {
		return err
	}
	wk, err := weakInput.Compute()
	if err != nil {
		return err
	}
	s.WeakKey = wk

	// Step 5: non-strict mode only.
	if !s.Strict {
		s.CachedLocalWeak = s.cache.HasLocal(s.Project, s.NormalizedName, s.WeakKey)
		remoteWeak, err := s.cache.HasRemote(s.Project, s.NormalizedName, s.WeakKey)
		if err != nil {
			return err
		}
		s.CachedRemoteWeak = remoteWeak
		if !s.CachedLocalWeak && !s.CachedRemoteWeak && !s.AssembleScheduled {
			s.AssembleScheduled = true
		}
	}

	// Step 6: strict_key requires every build dep's strict_key.
	depStrictKeys := make([]string, 0, len(weakDeps))
	allKnown := true
	for _, name := range weakDeps {
		dep, ok := s.BuildDepStates[name]
		if !ok || dep.StrictKey == "" {
			allKnown = false
			break
		}
		depStrictKeys = append(depStrictKeys, dep.StrictKey)
	}
	if allKnown {
		strictInput, err := s.baseInput(depStrictKeys)
		if err == nil {
			sk, err := strictInput.Compute()
			if err != nil {
				return err
			}
			s.StrictKey = sk
		}
	}

	// Step 7: query cache with the effective key, updating all four
	// cached_* booleans. The strict key is always checked directly
	// against both local and remote once known; in strict mode this is
	// the sole determinant, in non-strict mode it augments the weak-key
	// check step 5 already performed.
	if s.StrictKey != "" {
		s.CachedLocalStrict = s.cache.HasLocal(s.Project, s.NormalizedName, s.StrictKey)
		remoteStrict, err := s.cache.HasRemote(s.Project, s.NormalizedName, s.StrictKey)
		if err != nil {
			return err
		}
		s.CachedRemoteStrict = remoteStrict
	}

	// Step 8.
	if !s.anyCached() && !s.AssembleScheduled {
		s.AssembleScheduled = true
	}

	// Step 9.
	switch {
	case s.Strict:
		s.StrongKey = s.StrictKey
	case s.pulledStrongKey != "":
		s.StrongKey = s.pulledStrongKey
	case s.Buildable():
		s.StrongKey = s.StrictKey
	}

	return nil
}

func (s *State) anyCached() bool {
	return s.CachedLocalStrict || s.CachedRemoteStrict || s.CachedLocalWeak || s.CachedRemoteWeak
}

func (s *State) computeTainted() bool {
	for _, src := range s.Element.Sources {
		if u, ok := src.(element.UnstableSource); ok && u.Unstable() {
			return true
		}
	}
	for _, name := range s.Element.BuildDeps() {
		if dep, ok := s.BuildDepStates[name]; ok && dep.Tainted {
			return true
		}
	}
	return false
}

// LocallyCached reports whether this element's artifact is present
// locally under either key strength.
func (s *State) LocallyCached() bool {
	return s.CachedLocalStrict || s.CachedLocalWeak
}

// Buildable implements the derived predicate of §4.D: every source
// Cached and every build dependency locally cached.
func (s *State) Buildable() bool {
	if element.MinConsistency(s.Element.Sources) != element.Cached {
		return false
	}
	for _, name := range s.Element.BuildDeps() {
		dep, ok := s.BuildDepStates[name]
		if !ok || !dep.LocallyCached() {
			return false
		}
	}
	return true
}

// PullPending implements the derived predicate of §4.D.
func (s *State) PullPending() bool {
	if s.PullFailed {
		return false
	}
	return (!s.CachedLocalStrict && s.CachedRemoteStrict) || (!s.CachedLocalWeak && s.CachedRemoteWeak)
}

// PushNeeded implements the derived predicate of §4.D. Whether any push
// remote is missing the strong key is determined by the caller (the
// artifact cache knows about remotes; state does not).
func (s *State) PushNeeded(anyPushRemoteMissingStrongKey bool) bool {
	return s.LocallyCached() && !s.Tainted && anyPushRemoteMissingStrongKey
}

var errSourcesInconsistent = &inconsistentSourcesError{}

type inconsistentSourcesError struct{}

func (*inconsistentSourcesError) Error() string { return "sources inconsistent" }
