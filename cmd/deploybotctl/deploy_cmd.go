package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/deliverybot/deploybot/pkg/github"
	"github.com/deliverybot/deploybot/pkg/http/server"
)

type deployOpts struct {
	*rootOpts
	repo           string
	installationID int64
	target         string
	ref            string
	sha            string
	force          bool
	task           string
}

func newDeploy(parent *rootOpts) *deployOpts {
	return &deployOpts{rootOpts: parent}
}

func (opts *deployOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a target of .github/deploy.yml now, without waiting for a push.",
		Example: makeExample(
			"deploybotctl deploy --repo=octo/app --installation-id=7 --target=production --ref=master",
			"deploybotctl deploy --repo=octo/app --installation-id=7 --target=canary --ref=master --sha=4f2a1c9 --force",
		),
		RunE: opts.RunE,
	}
	cmd.Flags().StringVarP(&opts.repo, "repo", "r", "", "repository, as owner/name")
	cmd.Flags().Int64Var(&opts.installationID, "installation-id", 0, "GitHub App installation the repository belongs to")
	cmd.Flags().StringVar(&opts.target, "target", "", "target in .github/deploy.yml")
	cmd.Flags().StringVar(&opts.ref, "ref", "", "branch or tag to deploy")
	cmd.Flags().StringVar(&opts.sha, "sha", "", "commit to deploy; defaults to the head of --ref")
	cmd.Flags().BoolVar(&opts.force, "force", false, "skip GitHub's required status checks")
	cmd.Flags().StringVar(&opts.task, "task", "", "deployment task; defaults to the target's")
	return cmd
}

func (opts *deployOpts) RunE(cmd *cobra.Command, args []string) error {
	if len(args) != 0 {
		return errorWantedNoArgs
	}
	parts := strings.Split(opts.repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return newUsageError("--repo must be given as owner/name")
	}
	if opts.target == "" || opts.ref == "" {
		return newUsageError("--target and --ref are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()

	d, err := opts.API.CreateDeployment(ctx, github.Repo{Owner: parts[0], Name: parts[1]}, server.DeploymentRequest{
		InstallationID: opts.installationID,
		Target:         opts.target,
		Ref:            opts.ref,
		SHA:            opts.sha,
		Force:          opts.force,
		Task:           opts.task,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created deployment %d of %s to %s\n", d.ID, opts.ref, d.Environment)
	return nil
}
