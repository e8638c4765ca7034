package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	transport "github.com/deliverybot/deploybot/pkg/http"
	"github.com/deliverybot/deploybot/pkg/http/client"
)

const (
	EnvVariableURL   = "DEPLOYBOT_URL"
	EnvVariableToken = "DEPLOYBOT_TOKEN"
)

type rootOpts struct {
	URL     string
	Token   string
	Timeout time.Duration
	API     *client.Client
}

func newRoot() *rootOpts {
	return &rootOpts{}
}

var rootLongHelp = strings.TrimSpace(`
deploybotctl talks to a deploybotd, to lock environments against
automatic deployments and to deploy by hand.

Workflow:
  deploybotctl list-locks --repo-id=42                                  # Which environments are locked?
  deploybotctl lock --repo-id=42 --env=production                       # Stop auto deploys to production.
  deploybotctl deploy --repo=octo/app --installation-id=7 --target=canary --ref=master
  deploybotctl unlock --repo-id=42 --env=production                     # Resume auto deploys.
`)

func (opts *rootOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "deploybotctl",
		Long:              rootLongHelp,
		SilenceUsage:      true,
		PersistentPreRunE: opts.PersistentPreRunE,
	}
	cmd.PersistentFlags().StringVarP(&opts.URL, "url", "u", "http://localhost:3030",
		fmt.Sprintf("base URL of the deploybotd API server; you can also set the environment variable %s", EnvVariableURL))
	cmd.PersistentFlags().StringVarP(&opts.Token, "token", "t", "",
		fmt.Sprintf("API token deploybotd was started with; you can also set the environment variable %s", EnvVariableToken))
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 60*time.Second, "global command timeout")

	cmd.AddCommand(
		newListLocks(opts).Command(),
		newLock(opts).Command(),
		newUnlock(opts).Command(),
		newDeploy(opts).Command(),
	)

	return cmd
}

func (opts *rootOpts) PersistentPreRunE(cmd *cobra.Command, _ []string) error {
	if opts.API != nil {
		return nil
	}
	setFromEnvIfNotSet(cmd.Flags(), "url", EnvVariableURL, &opts.URL)
	setFromEnvIfNotSet(cmd.Flags(), "token", EnvVariableToken, &opts.Token)

	opts.API = client.New(&http.Client{Timeout: opts.Timeout}, transport.NewAPIRouter(), opts.URL, client.Token(opts.Token))
	return nil
}

type changedFlags interface {
	Changed(name string) bool
}

func setFromEnvIfNotSet(flags changedFlags, flagName, envName string, value *string) {
	if flags.Changed(flagName) {
		return
	}
	if v := os.Getenv(envName); v != "" {
		*value = v
	}
}
