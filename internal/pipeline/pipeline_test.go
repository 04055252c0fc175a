package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	"gotest.tools/v3/assert/cmp"

	"github.com/buildstream-go/bst/internal/artifact"
	"github.com/buildstream-go/bst/internal/bsterrors"
	"github.com/buildstream-go/bst/internal/cas"
	"github.com/buildstream-go/bst/internal/element"
	"github.com/buildstream-go/bst/internal/state"
	"github.com/buildstream-go/bst/internal/vdir"
)

func writeFile(root, name, content string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(root, name), []byte(content), 0o644)
}

type fakeSource struct {
	consistency element.Consistency
	ref         string
	trackRef    string
}

func (f *fakeSource) Configure(config map[string]interface{}) error              { return nil }
func (f *fakeSource) Preflight() error                                           { return nil }
func (f *fakeSource) UniqueKey() (interface{}, error)                            { return f.ref, nil }
func (f *fakeSource) Consistency() element.Consistency                           { return f.consistency }
func (f *fakeSource) LoadRef(config map[string]interface{}) error                { return nil }
func (f *fakeSource) Ref() string                                                { return f.ref }
func (f *fakeSource) SetRef(ref string, config map[string]interface{})           { f.ref = ref }
func (f *fakeSource) Track(ctx context.Context) (string, error) {
	f.consistency = element.Resolved
	return f.trackRef, nil
}
func (f *fakeSource) Fetch(ctx context.Context) error {
	f.consistency = element.Cached
	return nil
}
func (f *fakeSource) Stage(dir vdir.Directory) error { return nil }

var _ element.Source = (*fakeSource)(nil)

func newStore(t *testing.T) *cas.Store {
	t.Helper()
	store, err := cas.Open(t.TempDir())
	assert.NilError(t, err)
	return store
}

func elements(names map[string][]element.Dependency) map[string]*element.Element {
	out := map[string]*element.Element{}
	for name, deps := range names {
		out[name] = &element.Element{Name: name, Kind: "fake", Dependencies: deps}
	}
	return out
}

func TestDAGTopologicalOrderIsDeterministic(t *testing.T) {
	els := elements(map[string][]element.Dependency{
		"app":   {{Name: "libb", Kind: element.DepBuild}, {Name: "liba", Kind: element.DepBuild}},
		"liba":  {{Name: "libc", Kind: element.DepBuild}},
		"libb":  {{Name: "libc", Kind: element.DepBuild}},
		"libc":  nil,
	})
	dag, err := NewDAG(els)
	assert.NilError(t, err)

	pos := map[string]int{}
	for i, n := range dag.ordered {
		pos[n] = i
	}
	assert.Check(t, pos["libc"] < pos["liba"])
	assert.Check(t, pos["libc"] < pos["libb"])
	assert.Check(t, pos["liba"] < pos["app"])
	assert.Check(t, pos["libb"] < pos["app"])
}

func TestDAGDetectsCycle(t *testing.T) {
	els := elements(map[string][]element.Dependency{
		"a": {{Name: "b", Kind: element.DepBuild}},
		"b": {{Name: "a", Kind: element.DepBuild}},
	})
	_, err := NewDAG(els)
	assert.Check(t, err != nil)
	assert.Check(t, cmp.Equal(bsterrors.AsTaxonomy(err).Reason, bsterrors.ReasonCircularDependency))
}

func TestClosureScopes(t *testing.T) {
	els := elements(map[string][]element.Dependency{
		"app":     {{Name: "builder", Kind: element.DepBuild}, {Name: "libshared", Kind: element.DepRuntime}},
		"builder": {{Name: "libtool", Kind: element.DepRuntime}},
		"libtool": nil,
		"libshared": nil,
	})
	dag, err := NewDAG(els)
	assert.NilError(t, err)

	none, err := dag.Closure("app", ScopeNone)
	assert.NilError(t, err)
	assert.Check(t, cmp.DeepEqual(none, []string{"app"}))

	build, err := dag.Closure("app", ScopeBuild)
	assert.NilError(t, err)
	assert.Check(t, cmp.DeepEqual(build, []string{"libtool", "builder"}))

	run, err := dag.Closure("app", ScopeRun)
	assert.NilError(t, err)
	assert.Check(t, cmp.DeepEqual(run, []string{"libshared", "app"}))

	plan, err := dag.Closure("app", ScopePlan)
	assert.NilError(t, err)
	assert.Check(t, cmp.Len(plan, 4))
}

func TestClosureUnknownTarget(t *testing.T) {
	dag, err := NewDAG(elements(map[string][]element.Dependency{"a": nil}))
	assert.NilError(t, err)
	_, err = dag.Closure("missing", ScopeNone)
	assert.Check(t, err != nil)
}

func buildFnCommits(cache *artifact.Cache, roots map[string]string) BuildFunc {
	return func(ctx context.Context, st *state.State) error {
		root, ok := roots[st.NormalizedName]
		if !ok {
			root = ""
		}
		keys := []string{st.WeakKey}
		if st.StrictKey != "" {
			keys = append(keys, st.StrictKey)
		}
		if root == "" {
			return nil
		}
		_, err := cache.Commit(st.Project, st.NormalizedName, root, keys)
		return err
	}
}

func TestSchedulerRunsElementToLocallyCached(t *testing.T) {
	store := newStore(t)
	cache, err := artifact.Open(store, 1<<30)
	assert.NilError(t, err)

	leaf := &element.Element{Name: "leaf", Kind: "fake", Sources: []element.Source{&fakeSource{consistency: element.Cached, ref: "r1"}}}
	els := map[string]*element.Element{"leaf": leaf}
	dag, err := NewDAG(els)
	assert.NilError(t, err)

	st := state.New(leaf, "proj", "leaf", false, cache)
	states := map[string]*state.State{"leaf": st}

	root := t.TempDir()
	assert.NilError(t, writeFile(root, "payload", "hi"))

	sched := NewScheduler(dag, states, cache, QueueCaps{}, 0, OnErrorContinue, buildFnCommits(cache, map[string]string{"leaf": root}))
	closure, err := dag.Closure("leaf", ScopeAll)
	assert.NilError(t, err)
	assert.NilError(t, sched.Run(context.Background(), closure))
	assert.Check(t, st.LocallyCached())
}

func buildFnFailing(names map[string]bool) BuildFunc {
	return func(ctx context.Context, st *state.State) error {
		if names[st.NormalizedName] {
			return bsterrors.New(bsterrors.DomainElement, bsterrors.ReasonAssemblyFailed, "fake build failure")
		}
		return nil
	}
}

func TestSchedulerContinuePolicyBlocksDependents(t *testing.T) {
	store := newStore(t)
	cache, err := artifact.Open(store, 1<<30)
	assert.NilError(t, err)

	base := &element.Element{Name: "base", Kind: "fake", Sources: []element.Source{&fakeSource{consistency: element.Cached, ref: "r1"}}}
	top := &element.Element{Name: "top", Kind: "fake", Dependencies: []element.Dependency{{Name: "base", Kind: element.DepBuild}}, Sources: []element.Source{&fakeSource{consistency: element.Cached, ref: "r2"}}}
	els := map[string]*element.Element{"base": base, "top": top}
	dag, err := NewDAG(els)
	assert.NilError(t, err)

	baseState := state.New(base, "proj", "base", false, cache)
	topState := state.New(top, "proj", "top", false, cache)
	topState.BuildDepStates["base"] = baseState
	states := map[string]*state.State{"base": baseState, "top": topState}

	sched := NewScheduler(dag, states, cache, QueueCaps{}, 0, OnErrorContinue, buildFnFailing(map[string]bool{"base": true}))
	closure, err := dag.Closure("top", ScopeAll)
	assert.NilError(t, err)
	err = sched.Run(context.Background(), closure)
	assert.Check(t, err != nil)
	assert.Check(t, cmp.Equal(bsterrors.AsTaxonomy(err).Reason, bsterrors.ReasonScheduling))
	assert.Check(t, !topState.LocallyCached())
}

func TestSchedulerTerminatePolicyStopsOnFailure(t *testing.T) {
	store := newStore(t)
	cache, err := artifact.Open(store, 1<<30)
	assert.NilError(t, err)

	leaf := &element.Element{Name: "leaf", Kind: "fake", Sources: []element.Source{&fakeSource{consistency: element.Cached, ref: "r1"}}}
	els := map[string]*element.Element{"leaf": leaf}
	dag, err := NewDAG(els)
	assert.NilError(t, err)
	st := state.New(leaf, "proj", "leaf", false, cache)
	states := map[string]*state.State{"leaf": st}

	sched := NewScheduler(dag, states, cache, QueueCaps{}, 0, OnErrorTerminate, buildFnFailing(map[string]bool{"leaf": true}))
	closure, err := dag.Closure("leaf", ScopeAll)
	assert.NilError(t, err)
	err = sched.Run(context.Background(), closure)
	assert.Check(t, err != nil)
	assert.Check(t, cmp.Equal(bsterrors.AsTaxonomy(err).Reason, bsterrors.ReasonScheduling))
}
