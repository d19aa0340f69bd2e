// Command cicd is the process entrypoint: it wires the Persistence Store,
// Source-Host Client, Cluster Client, Config Synchroniser, Namespace
// Provisioner, Reconciler, Webhook Ingest and read-only query API together
// and runs them under a controller-runtime manager, plus a handful of
// one-shot subcommands for the Deploy Coordinator's operator-facing actions.
//
// Grounded on operator/cmd/main.go for the manager bootstrap (scheme, flags,
// ctrl.NewManager, SetupSignalHandler) and on cmd/konftool/main.go for the
// spf13/cobra root-command shape.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	cicdv1alpha1 "github.com/coolkev/cicd/api/v1alpha1"
	"github.com/coolkev/cicd/internal/api"
	"github.com/coolkev/cicd/internal/cluster"
	"github.com/coolkev/cicd/internal/configsync"
	"github.com/coolkev/cicd/internal/controller/deployconfig"
	"github.com/coolkev/cicd/internal/githost"
	"github.com/coolkev/cicd/internal/ingest"
	"github.com/coolkev/cicd/internal/namespace"
	"github.com/coolkev/cicd/internal/store"
	"github.com/coolkev/cicd/pkg/logging"
)

var scheme = runtime.NewScheme()

func init() {
	utilruntime.Must(clientgoscheme.AddToScheme(scheme))
	utilruntime.Must(cicdv1alpha1.AddToScheme(scheme))
}

func main() {
	root := &cobra.Command{
		Use:   "cicd",
		Short: "Self-hosted continuous-deployment controller",
	}

	var metricsAddr, probeAddr string
	var enableLeaderElection, development bool

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the controller manager, webhook ingest, and read-only query API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), serveOptions{
				metricsAddr:          metricsAddr,
				probeAddr:            probeAddr,
				enableLeaderElection: enableLeaderElection,
				development:          development,
			})
		},
	}
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-bind-address", "0",
		"Address the metrics endpoint binds to; 0 disables it.")
	serveCmd.Flags().StringVar(&probeAddr, "health-probe-bind-address", ":8081",
		"Address the health probe endpoint binds to.")
	serveCmd.Flags().BoolVar(&enableLeaderElection, "leader-elect", false,
		"Enable leader election for controller manager.")
	serveCmd.Flags().BoolVar(&development, "development", false,
		"Enable development-mode (human-readable) logging.")

	root.AddCommand(serveCmd)
	root.AddCommand(deployCommands()...)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type serveOptions struct {
	metricsAddr          string
	probeAddr            string
	enableLeaderElection bool
	development          bool
}

func runServe(ctx context.Context, opts serveOptions) error {
	log := logging.Init(logging.Options{Development: opts.development})
	setupLog := log.WithName("setup")

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	mgr, err := ctrl.NewManager(ctrl.GetConfigOrDie(), ctrl.Options{
		Scheme:                 scheme,
		Metrics:                metricsserver.Options{BindAddress: opts.metricsAddr},
		HealthProbeBindAddress: opts.probeAddr,
		LeaderElection:         opts.enableLeaderElection,
		LeaderElectionID:       "cicd-controller-leader",
	})
	if err != nil {
		return fmt.Errorf("creating manager: %w", err)
	}

	st, err := store.Open(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	clusterClient := cluster.NewClient(mgr.GetClient(), "cicd-controller")
	provisioner := namespace.NewProvisioner(mgr.GetClient(), cfg.TemplateNamespace)

	credPool, err := loadCredentialPool(cfg)
	if err != nil {
		return fmt.Errorf("loading GitHub App credentials: %w", err)
	}
	ghClient := githost.NewClient(credPool)

	synchroniser := configsync.NewSynchroniser(ghClient, clusterClient, st)

	rec := deployconfig.NewReconciler(clusterClient, st, provisioner)
	kicks := make(chan event.GenericEvent, 32)
	if err := rec.SetupWithManager(mgr, kicks); err != nil {
		return fmt.Errorf("setting up reconciler: %w", err)
	}

	in := ingest.New(cfg.WebsocketURL, cfg.ClientSecret, st, clusterClient, synchroniser, kicks)
	if err := mgr.Add(in); err != nil {
		return fmt.Errorf("registering webhook ingest: %w", err)
	}

	queryAPI, err := api.Start(cfg.QueryAPIListenAddr, st)
	if err != nil {
		return fmt.Errorf("starting query API: %w", err)
	}
	defer func() {
		if err := queryAPI.Stop(); err != nil {
			setupLog.Error(err, "stopping query API")
		}
	}()
	setupLog.Info("query API listening", "addr", cfg.QueryAPIListenAddr)

	if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
		return fmt.Errorf("adding healthz check: %w", err)
	}
	if err := mgr.AddReadyzCheck("readyz", healthz.Ping); err != nil {
		return fmt.Errorf("adding readyz check: %w", err)
	}

	setupLog.Info("starting manager")
	return mgr.Start(ctrl.SetupSignalHandler())
}

func loadCredentialPool(cfg config) (*githost.CredentialPool, error) {
	if cfg.GitHubAppID == 0 {
		return githost.NewCredentialPool(0, nil, nil), nil
	}
	key, err := os.ReadFile(cfg.GitHubAppPrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading GITHUB_APP_PRIVATE_KEY_PATH: %w", err)
	}
	return githost.NewCredentialPool(cfg.GitHubAppID, key, cfg.GitHubAppInstallations), nil
}
