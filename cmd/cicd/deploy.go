package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/coolkev/cicd/internal/cluster"
	"github.com/coolkev/cicd/internal/deploy"
	"github.com/coolkev/cicd/internal/store"
)

// deployCommands builds the Deploy Coordinator's three operator-facing
// subcommands (§4.9). Each is a short-lived process: it opens its own
// client.Client and Persistence Store handle against the same kubeconfig and
// DATABASE_PATH the long-running `serve` process uses, issues the one call,
// and exits — there is no HTTP surface for these, since §1 scopes external
// write access out of internal/api.
func deployCommands() []*cobra.Command {
	deployCmd := &cobra.Command{
		Use:   "deploy <namespace> <name>",
		Short: "Set a DeployConfig's desired (artifactSha, configSha) and record history",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			artifactSha, _ := cmd.Flags().GetString("artifact-sha")
			configSha, _ := cmd.Flags().GetString("config-sha")
			return withCoordinator(cmd.Context(), func(ctx context.Context, co *deploy.Coordinator) error {
				return co.Deploy(ctx, args[0], args[1], artifactSha, configSha)
			})
		},
	}
	deployCmd.Flags().String("artifact-sha", "", "Artifact commit sha (required for artifactful configs)")
	deployCmd.Flags().String("config-sha", "", "Config commit sha")

	redeployCmd := &cobra.Command{
		Use:   "redeploy <namespace> <name>",
		Short: "Re-apply a previously-deployed (artifactSha, configSha) pair",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			artifactSha, _ := cmd.Flags().GetString("artifact-sha")
			configSha, _ := cmd.Flags().GetString("config-sha")
			return withCoordinator(cmd.Context(), func(ctx context.Context, co *deploy.Coordinator) error {
				return co.Redeploy(ctx, args[0], args[1], artifactSha, configSha)
			})
		},
	}
	redeployCmd.Flags().String("artifact-sha", "", "Artifact commit sha")
	redeployCmd.Flags().String("config-sha", "", "Config commit sha")

	undeployCmd := &cobra.Command{
		Use:   "undeploy <namespace> <name>",
		Short: "Clear a DeployConfig's desired tuple so the Reconciler prunes its children",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCoordinator(cmd.Context(), func(ctx context.Context, co *deploy.Coordinator) error {
				return co.Undeploy(ctx, args[0], args[1])
			})
		},
	}

	return []*cobra.Command{deployCmd, redeployCmd, undeployCmd}
}

func withCoordinator(ctx context.Context, fn func(context.Context, *deploy.Coordinator) error) error {
	restCfg := ctrl.GetConfigOrDie()
	c, err := client.New(restCfg, client.Options{Scheme: scheme})
	if err != nil {
		return fmt.Errorf("creating cluster client: %w", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close() //nolint:errcheck

	co := deploy.NewCoordinator(cluster.NewClient(c, "cicd-cli"), st)
	return fn(ctx, co)
}
