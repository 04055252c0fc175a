package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/buildstream-go/bst/internal/artifact"
	"github.com/buildstream-go/bst/internal/bsterrors"
	"github.com/buildstream-go/bst/internal/element"
	"github.com/buildstream-go/bst/internal/state"
)

// OnErrorPolicy is the session's per-element failure mode of §4.G/§5.
type OnErrorPolicy string

const (
	OnErrorContinue  OnErrorPolicy = "continue"
	OnErrorQuit      OnErrorPolicy = "quit"
	OnErrorTerminate OnErrorPolicy = "terminate"
)

// QueueCaps bounds concurrency per queue, defaulting from context (§4.G).
type QueueCaps struct {
	Fetchers int
	Builders int
	Pushers  int
}

func (c QueueCaps) capFor(q string) int {
	switch q {
	case "fetch", "track":
		if c.Fetchers > 0 {
			return c.Fetchers
		}
	case "build":
		if c.Builders > 0 {
			return c.Builders
		}
	case "push", "pull":
		if c.Pushers > 0 {
			return c.Pushers
		}
	}
	return 1
}

// BuildFunc assembles st's element: stage, assemble, commit. Pipeline
// deliberately does not construct sandboxes itself, the same way
// internal/sandbox depends only on CommandRunner: sandbox/source wiring
// is session-specific and does not belong in the scheduler.
type BuildFunc func(ctx context.Context, st *state.State) error

// Scheduler drives every element in a closure through the five queues
// of §4.G to a terminal state (cached locally, or failed).
type Scheduler struct {
	dag            *DAG
	states         map[string]*state.State
	cache          *artifact.Cache
	caps           QueueCaps
	networkRetries int
	onError        OnErrorPolicy
	buildFn        BuildFunc
	log            *logrus.Entry

	mu      sync.Mutex
	failed  map[string]bool
	blocked map[string]bool
	done    map[string]bool
	draining bool
	cancel  context.CancelFunc
}

// NewScheduler constructs a Scheduler. states must contain one entry
// per element in dag, with BuildDepStates already wired to each
// element's build dependencies' State.
func NewScheduler(dag *DAG, states map[string]*state.State, cache *artifact.Cache, caps QueueCaps, networkRetries int, onError OnErrorPolicy, buildFn BuildFunc) *Scheduler {
	return &Scheduler{
		dag:            dag,
		states:         states,
		cache:          cache,
		caps:           caps,
		networkRetries: networkRetries,
		onError:        onError,
		buildFn:        buildFn,
		log:            logrus.WithField("component", "scheduler"),
		failed:         map[string]bool{},
		blocked:        map[string]bool{},
		done:           map[string]bool{},
	}
}

// Run drives every element of closure to a terminal state. At session
// start it computes the required artifact set (every element's weak
// and strict keys) and freezes it against eviction, per §4.G.
func (s *Scheduler) Run(ctx context.Context, closure []string) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	if err := s.updateStates(closure); err != nil {
		return err
	}
	s.cache.SetRequired(s.requiredRefs(closure))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.allTerminal(closure) {
			break
		}

		progressed, err := s.dispatchRound(ctx, closure)
		if err != nil {
			return err
		}
		if err := s.updateStates(closure); err != nil {
			return err
		}
		if s.allTerminal(closure) {
			break
		}
		if !progressed {
			return bsterrors.New(bsterrors.DomainApp, bsterrors.ReasonScheduling, "pipeline stalled: no element is ready")
		}
		if s.isDraining() {
			break
		}
	}

	if len(s.failed) > 0 {
		names := make([]string, 0, len(s.failed))
		for n := range s.failed {
			names = append(names, n)
		}
		return bsterrors.New(bsterrors.DomainApp, bsterrors.ReasonScheduling, fmt.Sprintf("elements failed: %v", names))
	}
	return nil
}

func (s *Scheduler) requiredRefs(closure []string) []string {
	var refs []string
	for _, name := range closure {
		st := s.states[name]
		if st.WeakKey != "" {
			refs = append(refs, artifact.RefName(st.Project, st.NormalizedName, st.WeakKey))
		}
		if st.StrictKey != "" {
			refs = append(refs, artifact.RefName(st.Project, st.NormalizedName, st.StrictKey))
		}
	}
	return refs
}

func (s *Scheduler) updateStates(closure []string) error {
	for _, name := range closure {
		if err := s.states[name].UpdateState(); err != nil {
			return bsterrors.Wrap(err, bsterrors.DomainElement, bsterrors.ReasonIO, "updating state of "+name)
		}
	}
	s.mu.Lock()
	for _, name := range closure {
		st := s.states[name]
		if st.LocallyCached() && !s.pushPending(st) {
			s.done[name] = true
		}
	}
	s.mu.Unlock()
	return nil
}

// pushPending reports whether st still needs a push to some configured
// remote before it can be treated as terminal, per §4.D's push_needed
// predicate. An element stays non-terminal until this is false, so the
// push queue (§4.G) always gets a chance to run before an element is
// marked done.
func (s *Scheduler) pushPending(st *state.State) bool {
	if st.StrongKey == "" {
		return false
	}
	return st.PushNeeded(s.cache.NeedsPush(st.Project, st.NormalizedName, st.StrongKey))
}

func (s *Scheduler) isDraining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

func (s *Scheduler) allTerminal(closure []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range closure {
		if !s.done[name] && !s.failed[name] && !s.blocked[name] {
			return false
		}
	}
	return true
}

// dispatchRound runs one pass over closure: every element currently
// ready for exactly one queue is dispatched concurrently, bounded by
// that queue's cap, in the DAG's deterministic order. It reports
// whether any job was dispatched.
func (s *Scheduler) dispatchRound(ctx context.Context, closure []string) (bool, error) {
	jobs := map[string][]string{"track": nil, "fetch": nil, "pull": nil, "build": nil, "push": nil}

	s.mu.Lock()
	for _, name := range closure {
		if s.done[name] || s.failed[name] || s.blocked[name] {
			continue
		}
		st := s.states[name]
		switch {
		case hasInconsistentSource(st):
			jobs["track"] = append(jobs["track"], name)
		case hasResolvedSource(st):
			jobs["fetch"] = append(jobs["fetch"], name)
		case st.PullPending():
			jobs["pull"] = append(jobs["pull"], name)
		case st.Buildable() && !st.LocallyCached():
			jobs["build"] = append(jobs["build"], name)
		case s.pushPending(st):
			jobs["push"] = append(jobs["push"], name)
		}
	}
	s.mu.Unlock()

	dispatched := false
	for _, q := range []string{"track", "fetch", "pull", "build", "push"} {
		names := jobs[q]
		if len(names) == 0 {
			continue
		}
		dispatched = true
		if err := s.runQueue(ctx, q, names); err != nil {
			return dispatched, err
		}
		if s.onError != OnErrorContinue && s.anyFailed() {
			return dispatched, nil
		}
	}
	return dispatched, nil
}

func (s *Scheduler) anyFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failed) > 0
}

func (s *Scheduler) runQueue(ctx context.Context, queue string, names []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.caps.capFor(queue))

	for _, name := range names {
		name := name
		g.Go(func() error {
			err := s.runJob(gctx, queue, name)
			if err != nil {
				s.onJobFailed(name, err)
			}
			return nil // job failures never abort sibling jobs in the same round
		})
	}
	return g.Wait()
}

func (s *Scheduler) onJobFailed(name string, err error) {
	s.log.WithError(err).WithField("element", name).Warn("job failed")
	s.mu.Lock()
	s.failed[name] = true
	s.mu.Unlock()
	s.blockDependents(name)

	switch s.onError {
	case OnErrorQuit:
		s.mu.Lock()
		s.draining = true
		s.mu.Unlock()
	case OnErrorTerminate:
		s.cancel()
	}
}

// blockDependents marks name's entire transitive reverse-dependent set
// as permanently blocked: none of them can ever become buildable again
// once an ancestor has failed.
func (s *Scheduler) blockDependents(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var walk func(n string)
	seen := map[string]bool{}
	walk = func(n string) {
		for _, dependent := range s.dag.ReverseDeps(n) {
			if seen[dependent] {
				continue
			}
			seen[dependent] = true
			s.blocked[dependent] = true
			walk(dependent)
		}
	}
	walk(name)
}

func (s *Scheduler) runJob(ctx context.Context, queue string, name string) error {
	st := s.states[name]
	var err error
	switch queue {
	case "track":
		err = s.runTrack(ctx, st)
	case "fetch":
		err = s.runFetch(ctx, st)
	case "pull":
		err = s.runPull(st)
	case "build":
		err = s.buildFn(ctx, st)
	case "push":
		err = s.runPush(st)
	}
	return err
}

func hasInconsistentSource(st *state.State) bool {
	for _, src := range st.Element.Sources {
		if src.Consistency() == element.Inconsistent {
			return true
		}
	}
	return false
}

func hasResolvedSource(st *state.State) bool {
	for _, src := range st.Element.Sources {
		if src.Consistency() == element.Resolved {
			return true
		}
	}
	return false
}

func (s *Scheduler) runTrack(ctx context.Context, st *state.State) error {
	for _, src := range st.Element.Sources {
		if src.Consistency() != element.Inconsistent {
			continue
		}
		ref, err := s.retryNetwork(func() (string, error) { return src.Track(ctx) })
		if err != nil {
			return bsterrors.Wrap(err, bsterrors.DomainSource, bsterrors.ReasonNetwork, "tracking "+st.NormalizedName)
		}
		if ref != "" {
			src.SetRef(ref, nil)
		}
	}
	return nil
}

func (s *Scheduler) runFetch(ctx context.Context, st *state.State) error {
	for _, src := range st.Element.Sources {
		if src.Consistency() != element.Resolved {
			continue
		}
		_, err := s.retryNetwork(func() (string, error) { return "", src.Fetch(ctx) })
		if err != nil {
			return bsterrors.Wrap(err, bsterrors.DomainSource, bsterrors.ReasonNetwork, "fetching "+st.NormalizedName)
		}
	}
	return nil
}

func (s *Scheduler) retryNetwork(fn func() (string, error)) (string, error) {
	var lastErr error
	attempts := s.networkRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	return "", lastErr
}

// pullKey selects the ref to request from Cache.Pull, matching whichever
// PullPending disjunct actually fired: the strict ref when it is the one
// missing locally but present remotely, the weak ref otherwise. A
// non-empty StrictKey does not by itself mean a remote has it (seed
// scenario S5: non-strict mode, remote holds only weak(E)).
func pullKey(st *state.State) string {
	if !st.CachedLocalStrict && st.CachedRemoteStrict {
		return st.StrictKey
	}
	return st.WeakKey
}

func (s *Scheduler) runPull(st *state.State) error {
	key := pullKey(st)
	strong, err := s.cache.Pull(st.Project, st.NormalizedName, key)
	if err != nil {
		st.PullFailed = true
		return bsterrors.Wrap(err, bsterrors.DomainArtifact, bsterrors.ReasonRemoteUnavailable, "pulling "+st.NormalizedName)
	}
	if strong != "" {
		st.LearnStrongKey(strong)
	}
	return nil
}

func (s *Scheduler) runPush(st *state.State) error {
	allKeys := []string{st.WeakKey}
	if st.StrictKey != "" {
		allKeys = append(allKeys, st.StrictKey)
	}
	_, err := s.cache.Push(st.Project, st.NormalizedName, st.StrongKey, allKeys)
	if err != nil {
		return bsterrors.Wrap(err, bsterrors.DomainArtifact, bsterrors.ReasonPushFailed, "pushing "+st.NormalizedName)
	}
	return nil
}
