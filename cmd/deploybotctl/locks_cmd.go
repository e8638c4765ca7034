package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type listLocksOpts struct {
	*rootOpts
	repoID int64
}

func newListLocks(parent *rootOpts) *listLocksOpts {
	return &listLocksOpts{rootOpts: parent}
}

func (opts *listLocksOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "list-locks",
		Short:   "List the environments of a repository that are locked.",
		Example: makeExample("deploybotctl list-locks --repo-id=42"),
		RunE:    opts.RunE,
	}
	cmd.Flags().Int64VarP(&opts.repoID, "repo-id", "r", 0, "GitHub id of the repository")
	return cmd
}

func (opts *listLocksOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	if opts.repoID == 0 {
		return newUsageError("--repo-id is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	locks, err := opts.API.ListLocks(ctx, opts.repoID)
	if err != nil {
		return err
	}

	w := newTabwriter(cmd.OutOrStdout())
	fmt.Fprintf(w, "ENVIRONMENT\tLOCKED\n")
	for _, l := range locks {
		fmt.Fprintf(w, "%s\t%s\n", l.Env, l.Modified.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

// lockOpts serves both lock and unlock.
type lockOpts struct {
	*rootOpts
	repoID int64
	env    string
	unlock bool
}

func newLock(parent *rootOpts) *lockOpts {
	return &lockOpts{rootOpts: parent}
}

func newUnlock(parent *rootOpts) *lockOpts {
	return &lockOpts{rootOpts: parent, unlock: true}
}

func (opts *lockOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "lock",
		Short:   "Lock an environment, so it is not deployed to automatically.",
		Example: makeExample("deploybotctl lock --repo-id=42 --env=production"),
		RunE:    opts.RunE,
	}
	if opts.unlock {
		cmd.Use = "unlock"
		cmd.Short = "Unlock an environment, so it can be deployed to again."
		cmd.Example = makeExample("deploybotctl unlock --repo-id=42 --env=production")
	}
	cmd.Flags().Int64VarP(&opts.repoID, "repo-id", "r", 0, "GitHub id of the repository")
	cmd.Flags().StringVarP(&opts.env, "env", "e", "", "environment to lock")
	return cmd
}

func (opts *lockOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	if opts.repoID == 0 || opts.env == "" {
		return newUsageError("--repo-id and --env are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	if opts.unlock {
		if err := opts.API.Unlock(ctx, opts.repoID, opts.env); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "unlocked %s\n", opts.env)
		return nil
	}
	if err := opts.API.Lock(ctx, opts.repoID, opts.env); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "locked %s\n", opts.env)
	return nil
}
