package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/buildstream-go/bst/internal/artifact"
	"github.com/buildstream-go/bst/internal/bsterrors"
	"github.com/buildstream-go/bst/internal/casremote"
)

// bindRemotes constructs RemoteBindings for project from configuration
// and points the cache at them. Only the in-memory test double is
// wired to a concrete casremote.Remote here; a real deployment supplies
// its own client behind the same interface, per casremote's documented
// Non-goal of prescribing a wire protocol.
func (a *app) bindRemotes(project string) error {
	cfg, err := a.loadUserConfig()
	if err != nil {
		return err
	}
	cache, err := a.openCache()
	if err != nil {
		return err
	}
	var bindings []artifact.RemoteBinding
	for _, spec := range cfg.Remotes(project) {
		client := casremote.NewInMemoryRemote()
		if err := client.CheckRemote(spec); err != nil {
			return bsterrors.Wrap(err, bsterrors.DomainArtifact, bsterrors.ReasonRemoteUnavailable, "checking remote "+spec.URL)
		}
		bindings = append(bindings, artifact.RemoteBinding{Spec: spec, Client: client})
	}
	cache.SetRemotes(bindings)
	return nil
}

func newArtifactCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifact",
		Short: "Inspect and transfer cached artifacts directly by key",
	}
	cmd.AddCommand(
		newArtifactCheckoutCmd(a),
		newArtifactPullCmd(a),
		newArtifactPushCmd(a),
		newArtifactLogCmd(a),
	)
	return cmd
}

func newArtifactCheckoutCmd(a *app) *cobra.Command {
	var directory string
	cmd := &cobra.Command{
		Use:   "checkout [project] [element] [key]",
		Short: "Extract a cached artifact to a host directory",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, err := a.openCache()
			if err != nil {
				return err
			}
			dest, err := cache.Extract(args[0], args[1], args[2], a.layout.Extract)
			if err != nil {
				return err
			}
			if directory != "" {
				if err := os.Symlink(dest, directory); err != nil && !os.IsExist(err) {
					return bsterrors.Wrap(err, bsterrors.DomainApp, bsterrors.ReasonIO, "linking checkout destination")
				}
				fmt.Fprintln(cmd.OutOrStdout(), directory)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), dest)
			return nil
		},
	}
	cmd.Flags().StringVar(&directory, "directory", "", "symlink the extracted tree here instead of printing the CAS-side path")
	return cmd
}

func newArtifactPullCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "pull [project] [element] [key]",
		Short: "Pull a cached artifact from a configured remote",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.bindRemotes(args[0]); err != nil {
				return err
			}
			cache, err := a.openCache()
			if err != nil {
				return err
			}
			strong, err := cache.Pull(args[0], args[1], args[2])
			if err != nil {
				return err
			}
			if strong != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "pulled %s (strong key %s)\n", args[1], strong)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pulled %s\n", args[1])
			return nil
		},
	}
}

func newArtifactPushCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "push [project] [element] [strong-key] [weak-key]",
		Short: "Push a cached artifact to every configured push remote",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.bindRemotes(args[0]); err != nil {
				return err
			}
			cache, err := a.openCache()
			if err != nil {
				return err
			}
			keys := []string{args[2]}
			if len(args) == 4 {
				keys = append(keys, args[3])
			}
			changed, err := cache.Push(args[0], args[1], args[2], keys)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pushed %s: updated=%t\n", args[1], changed)
			return nil
		},
	}
}

func newArtifactLogCmd(a *app) *cobra.Command {
	var action string
	var pid int
	cmd := &cobra.Command{
		Use:   "log [project] [element] [key]",
		Short: "Print the build log for one element action",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.openCache(); err != nil {
				return err
			}
			path := a.layout.LogPath(args[0], args[1], args[2], action, pid)
			b, err := os.ReadFile(path)
			if err != nil {
				return bsterrors.Wrap(err, bsterrors.DomainApp, bsterrors.ReasonMissing, "reading log "+path)
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
	cmd.Flags().StringVar(&action, "action", "assemble", "action name: track, fetch, assemble")
	cmd.Flags().IntVar(&pid, "pid", os.Getpid(), "pid suffix of the log file")
	return cmd
}
