// Package deploy is the Deploy Coordinator (§4.9): the three public-facing
// operations — deploy, undeploy, redeploy — that set a DeployConfig's
// desired (wantedSha, wantedConfigSha) tuple, append a DeployHistory row,
// and then get out of the way for the Reconciler to converge.
//
// Grounded on internal/controller/deployconfig.Reconciler.converge, which
// already pairs one Cluster Client status patch with one Persistence Store
// history append for the same (dc, artifactSha, configSha, action, outcome)
// shape; the Coordinator is that same pairing run from the opposite
// direction — writing the desired tuple instead of the observed one.
package deploy

import (
	"context"
	"time"

	"github.com/google/uuid"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	cicdv1alpha1 "github.com/coolkev/cicd/api/v1alpha1"
	"github.com/coolkev/cicd/internal/cluster"
	"github.com/coolkev/cicd/internal/controller/deployconfig"
	"github.com/coolkev/cicd/internal/store"
)

// Coordinator is the Deploy Coordinator.
type Coordinator struct {
	Cluster *cluster.Client
	Store   *store.Store
}

// NewCoordinator builds a Deploy Coordinator over the process's shared
// Cluster Client and Persistence Store (§9 "Global state").
func NewCoordinator(cl *cluster.Client, st *store.Store) *Coordinator {
	return &Coordinator{Cluster: cl, Store: st}
}

// Deploy validates (artifactSha, configSha) against the DC's artifactful-ness
// (§3) and, if valid, writes it as the DC's desired tuple.
func (c *Coordinator) Deploy(ctx context.Context, ns, dcName, artifactSha, configSha string) error {
	return c.write(ctx, ns, dcName, artifactSha, configSha, store.HistoryActionDeploy)
}

// Redeploy re-applies a (possibly already-current) tuple, recording the
// history entry as a re-application rather than a fresh deploy — useful for
// rollback, where artifactSha/configSha name a previously-deployed pair.
func (c *Coordinator) Redeploy(ctx context.Context, ns, dcName, artifactSha, configSha string) error {
	return c.write(ctx, ns, dcName, artifactSha, configSha, store.HistoryActionRedeploy)
}

// Undeploy sets the target tuple to (None, None); the Reconciler's next pass
// applies an empty manifest set and prunes every owned child.
func (c *Coordinator) Undeploy(ctx context.Context, ns, dcName string) error {
	return c.write(ctx, ns, dcName, "", "", store.HistoryActionUndeploy)
}

func (c *Coordinator) write(ctx context.Context, ns, dcName, artifactSha, configSha string, action store.HistoryAction) error {
	dc, err := c.Cluster.GetDC(ctx, ns, dcName)
	if err != nil {
		return err
	}
	if dc.Status.Orphaned {
		logf.FromContext(ctx).Info("deploying to an orphaned DeployConfig", "namespace", ns, "name", dcName)
	}

	if err := deployconfig.ValidateStateTuple(dc.IsArtifactful(), artifactSha, configSha); err != nil {
		return err
	}

	patchErr := c.Cluster.PatchDCStatus(ctx, ns, dcName, func(s *cicdv1alpha1.DeployConfigStatus) {
		s.WantedSha = artifactSha
		s.WantedConfigSha = configSha
	})

	outcome := store.HistoryOutcomeSuccess
	errMsg := ""
	if patchErr != nil {
		outcome = store.HistoryOutcomeFailure
		errMsg = patchErr.Error()
	}

	if histErr := c.Store.AppendHistory(ctx, store.HistoryEntry{
		ID:          historyID(),
		DCNamespace: ns,
		DCName:      dcName,
		Ts:          time.Now().UTC(),
		ArtifactSha: artifactSha,
		ConfigSha:   configSha,
		Action:      action,
		Outcome:     outcome,
		Error:       errMsg,
	}); histErr != nil {
		return histErr
	}
	return patchErr
}

func historyID() string {
	return uuid.NewString()
}
