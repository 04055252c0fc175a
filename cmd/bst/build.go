package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildstream-go/bst/internal/artifact"
	"github.com/buildstream-go/bst/internal/bsterrors"
	"github.com/buildstream-go/bst/internal/element"
	"github.com/buildstream-go/bst/internal/pipeline"
	"github.com/buildstream-go/bst/internal/state"
)

func scopeFromFlag(s string) pipeline.Scope {
	switch s {
	case "none":
		return pipeline.ScopeNone
	case "run":
		return pipeline.ScopeRun
	case "build":
		return pipeline.ScopeBuild
	case "all":
		return pipeline.ScopeAll
	default:
		return pipeline.ScopePlan
	}
}

func newBuildCmd(a *app) *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "build [element]",
		Short: "Build an element and its dependencies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]

			elements, err := loadElements(a)
			if err != nil {
				return err
			}
			cfg, err := a.loadUserConfig()
			if err != nil {
				return err
			}
			project, err := a.loadProjectConfig()
			if err != nil {
				return err
			}
			cache, err := a.openCache()
			if err != nil {
				return err
			}

			dag, err := pipeline.NewDAG(elements)
			if err != nil {
				return err
			}
			closure, err := dag.Closure(target, scopeFromFlag(scope))
			if err != nil {
				return err
			}

			states := buildStates(dag, closure, project.Name, a.strict, cache)
			sched := pipeline.NewScheduler(dag, states, cache, a.schedulerCaps(cfg.Scheduler), cfg.Scheduler.NetworkRetries, a.onErrorPolicy(cfg.Scheduler), assembleViaSandbox)
			if err := sched.Run(cmd.Context(), closure); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "built %s (%d elements staged)\n", target, len(closure))
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "plan", "closure scope: none, plan, run, build, all")
	return cmd
}

// buildStates constructs one state.State per element in closure, wiring
// each element's build dependencies' States before the scheduler's first
// UpdateState pass, per state.State's documented precondition.
func buildStates(dag *pipeline.DAG, closure []string, project string, strict bool, cache *artifact.Cache) map[string]*state.State {
	states := make(map[string]*state.State, len(closure))
	for _, name := range closure {
		e, _ := dag.Element(name)
		states[name] = state.New(e, project, name, strict, cache)
	}
	for _, name := range closure {
		for _, dep := range dag.DirectDeps(name, element.DepBuild) {
			states[name].BuildDepStates[dep] = states[dep]
		}
	}
	return states
}

// assembleViaSandbox is the pipeline.BuildFunc a real deployment
// supplies: stage the element's dependencies and sources into a sandbox,
// run its plugin's Assemble, and commit the result. Wiring a concrete
// CommandRunner (container/chroot executor) is an explicit Non-goal, so
// this reports that boundary rather than attempting a build.
func assembleViaSandbox(ctx context.Context, st *state.State) error {
	return bsterrors.New(bsterrors.DomainSandbox, bsterrors.ReasonMissing,
		"no sandbox command runner is wired into this build: "+st.NormalizedName+" cannot be assembled")
}
