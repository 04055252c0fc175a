package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/buildstream-go/bst/internal/pipeline"
)

func newShowCmd(a *app) *cobra.Command {
	var scope string
	var format string
	cmd := &cobra.Command{
		Use:   "show [element]",
		Short: "Show the dependency closure and cache state of an element",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]

			elements, err := loadElements(a)
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
			for _, name := range closure {
				st := states[name]
				if err := st.UpdateState(); err != nil {
					return err
				}
			}
			for _, name := range closure {
				st := states[name]
				switch format {
				case "json":
					fmt.Fprintf(cmd.OutOrStdout(), `{"name":%q,"weak":%q,"strict":%q,"cached":%t}`+"\n",
						name, st.WeakKey, st.StrictKey, st.LocallyCached())
				default:
					fmt.Fprintf(cmd.OutOrStdout(), "%-32s weak=%.8s strict=%.8s cached=%t\n",
						name, st.WeakKey, st.StrictKey, st.LocallyCached())
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "plan", "closure scope: none, plan, run, build, all")
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or json")
	return cmd
}
