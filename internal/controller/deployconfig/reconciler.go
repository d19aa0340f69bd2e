// Package deployconfig is the Reconciler (§4.7): one logical state machine
// per DeployConfig, converging its applied children toward the target
// (artifactSha, configSha) tuple.
//
// Grounded on operator/internal/controller/konfluxui_controller.go's
// Reconcile shape (fetch → sequential sub-steps, each failure setting a
// status condition and returning early) and on orphan_cleanup.go's
// list-then-delete-missing pruning; the per-DC collapsing lock is
// golang.org/x/sync/singleflight, the same module operator/pkg/tracking
// pulls in (as errgroup) for its own concurrent-apply fan-out.
package deployconfig

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"k8s.io/apimachinery/pkg/runtime/schema"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/builder"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/event"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/predicate"
	"sigs.k8s.io/controller-runtime/pkg/source"

	cicdv1alpha1 "github.com/coolkev/cicd/api/v1alpha1"
	"github.com/coolkev/cicd/internal/cluster"
	"github.com/coolkev/cicd/internal/manifest"
	"github.com/coolkev/cicd/internal/namespace"
	"github.com/coolkev/cicd/internal/store"
	"github.com/coolkev/cicd/pkg/errkinds"
)

const (
	finalizerName = "cicd.coolkev.com/reconciler"

	requeueIdle    = 60 * time.Second
	requeueFailure = 15 * time.Second
	requeueSuccess = 5 * time.Minute
)

// childGVKs lists the kinds searched for owned children during
// listOwned-based pruning (§4.7 step 11). A child of any other kind that the
// Manifest Resolver produced is not listed here and so is never pruned.
var childGVKs = []schema.GroupVersionKind{
	{Group: "apps", Version: "v1", Kind: "Deployment"},
	{Group: "apps", Version: "v1", Kind: "StatefulSet"},
	{Group: "apps", Version: "v1", Kind: "DaemonSet"},
	{Group: "batch", Version: "v1", Kind: "CronJob"},
	{Group: "batch", Version: "v1", Kind: "Job"},
	{Group: "", Version: "v1", Kind: "ConfigMap"},
	{Group: "", Version: "v1", Kind: "Secret"},
	{Group: "", Version: "v1", Kind: "Service"},
}

// Reconciler drives DeployConfig objects toward their target state tuple.
type Reconciler struct {
	Cluster     *cluster.Client
	Store       *store.Store
	Provisioner *namespace.Provisioner

	locks singleflight.Group
}

// NewReconciler builds a Reconciler over the process's shared Cluster
// Client, Persistence Store and Namespace Provisioner (§9 "Global state").
func NewReconciler(cl *cluster.Client, st *store.Store, pv *namespace.Provisioner) *Reconciler {
	return &Reconciler{Cluster: cl, Store: st, Provisioner: pv}
}

// Reconcile implements reconcile.Reconciler. The body runs under a per-DC
// singleflight key so concurrent triggers for the same DC collapse into one
// execution (§5 "per-name single-flight map").
func (r *Reconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	key := req.Namespace + "/" + req.Name
	v, err, _ := r.locks.Do(key, func() (interface{}, error) {
		res, rerr := r.reconcileOnce(ctx, req.Namespace, req.Name)
		return res, rerr
	})
	if err != nil {
		return ctrl.Result{}, err
	}
	return v.(ctrl.Result), nil
}

func (r *Reconciler) reconcileOnce(ctx context.Context, ns, name string) (ctrl.Result, error) {
	log := logf.FromContext(ctx).WithValues("namespace", ns, "name", name)

	// Step 1: read the DC and its status.
	dc, err := r.Cluster.GetDC(ctx, ns, name)
	if err != nil {
		if errors.Is(err, errkinds.NotFound) {
			return ctrl.Result{}, nil
		}
		return ctrl.Result{}, err
	}

	// Step 2: tombstone handling.
	if !dc.DeletionTimestamp.IsZero() {
		return r.reconcileTombstone(ctx, dc, log)
	}

	if !controllerutil.ContainsFinalizer(dc, finalizerName) {
		controllerutil.AddFinalizer(dc, finalizerName)
		if err := r.Cluster.ApplyDC(ctx, dc); err != nil {
			return ctrl.Result{}, err
		}
	}

	// Step 3: latestSha from the Persistence Store.
	latestSha, latestChanged, err := r.computeLatestSha(ctx, dc)
	if err != nil {
		return ctrl.Result{}, err
	}

	// Steps 4-5: autodeploy promotion.
	wantedSha := dc.Status.WantedSha
	wantedConfigSha := dc.Status.WantedConfigSha
	artifactful := dc.IsArtifactful()

	if dc.Spec.Autodeploy && !dc.Status.Orphaned {
		fp, fpErr := r.Store.FingerprintForDC(ctx, ns, name)
		currentFingerprint := ""
		if fpErr == nil {
			currentFingerprint = fp.ConfigVersionHash
		} else if !errors.Is(fpErr, errkinds.NotFound) {
			return ctrl.Result{}, fpErr
		}

		switch {
		case artifactful:
			repoID, repoErr := r.repoID(ctx, dc)
			if repoErr != nil {
				return ctrl.Result{}, repoErr
			}
			newer, err := r.Store.IsNewerSuccessfulCommit(ctx, repoID, trackedBranch(dc), dc.Status.CurrentSha)
			if err != nil {
				return ctrl.Result{}, err
			}
			if newer {
				wantedSha = latestSha
				wantedConfigSha = currentFingerprint
			}
		default:
			if currentFingerprint != "" && currentFingerprint != dc.Status.CurrentConfigSha {
				wantedConfigSha = currentFingerprint
			}
		}
	}

	// Step 6: nothing to converge.
	if wantedSha == dc.Status.CurrentSha && wantedConfigSha == dc.Status.CurrentConfigSha {
		if latestChanged {
			if err := r.patchLatestSha(ctx, ns, name, latestSha); err != nil {
				return ctrl.Result{}, err
			}
		}
		return ctrl.Result{RequeueAfter: requeueIdle}, nil
	}

	// Step 7: validate the target tuple against §3's state table.
	if err := ValidateStateTuple(artifactful, wantedSha, wantedConfigSha); err != nil {
		if patchErr := r.Cluster.PatchDCStatus(ctx, ns, name, func(st *cicdv1alpha1.DeployConfigStatus) {
			st.LatestSha = latestSha
			st.LastError = err.Error()
		}); patchErr != nil {
			return ctrl.Result{}, patchErr
		}
		return ctrl.Result{RequeueAfter: requeueFailure}, nil
	}

	if err := r.converge(ctx, dc, wantedSha, wantedConfigSha, latestSha, log); err != nil {
		log.Error(err, "reconcile failed")
		return ctrl.Result{RequeueAfter: requeueFailure}, nil
	}
	return ctrl.Result{RequeueAfter: requeueSuccess}, nil
}

// converge runs steps 8-12: provision the namespace, resolve and apply the
// target manifest, prune stale children, then record the outcome.
func (r *Reconciler) converge(ctx context.Context, dc *cicdv1alpha1.DeployConfig, wantedSha, wantedConfigSha, latestSha string, log logr.Logger) error {
	ns, name := dc.Namespace, dc.Name

	applyErr := r.applyTarget(ctx, dc, wantedSha, log)

	historyOutcome := store.HistoryOutcomeSuccess
	lastError := ""
	if applyErr != nil {
		historyOutcome = store.HistoryOutcomeFailure
		lastError = applyErr.Error()
	}

	if err := r.Store.AppendHistory(ctx, store.HistoryEntry{
		ID:          historyID(),
		DCNamespace: ns,
		DCName:      name,
		Ts:          time.Now().UTC(),
		ArtifactSha: wantedSha,
		ConfigSha:   wantedConfigSha,
		Action:      store.HistoryActionDeploy,
		Outcome:     historyOutcome,
		Error:       lastError,
	}); err != nil {
		return err
	}

	statusErr := r.Cluster.PatchDCStatus(ctx, ns, name, func(st *cicdv1alpha1.DeployConfigStatus) {
		st.LatestSha = latestSha
		if applyErr != nil {
			st.LastError = lastError
			return
		}
		st.CurrentSha = wantedSha
		st.CurrentConfigSha = wantedConfigSha
		st.WantedSha = wantedSha
		st.WantedConfigSha = wantedConfigSha
		st.LastError = ""
	})
	if statusErr != nil {
		return statusErr
	}
	return applyErr
}

// applyTarget implements steps 8-11: provision the namespace, resolve the
// manifest at wantedSha, apply it, then prune any owned child not in the
// just-applied set.
func (r *Reconciler) applyTarget(ctx context.Context, dc *cicdv1alpha1.DeployConfig, wantedSha string, log logr.Logger) error {
	if err := r.Provisioner.Ensure(ctx, dc.Namespace); err != nil {
		return err
	}

	resources, err := manifest.Resolve(dc, wantedSha)
	if err != nil {
		return err
	}

	applied := make(map[string]bool, len(resources))
	for _, res := range resources {
		if err := r.Cluster.ApplyDynamic(ctx, res.GVK, dc.Namespace, res.Name, res.Manifest); err != nil {
			return err
		}
		applied[childKey(res.GVK, res.Name)] = true
	}

	owned, err := r.Cluster.ListOwned(ctx, childGVKs, dc.Namespace, dc.Name)
	if err != nil {
		return err
	}
	for _, obj := range owned {
		gvk := obj.GroupVersionKind()
		if applied[childKey(gvk, obj.GetName())] {
			continue
		}
		if err := r.Cluster.Delete(ctx, gvk, dc.Namespace, obj.GetName()); err != nil {
			log.Error(err, "failed to prune orphaned child", "kind", gvk.Kind, "name", obj.GetName())
			return err
		}
	}
	return nil
}

func (r *Reconciler) reconcileTombstone(ctx context.Context, dc *cicdv1alpha1.DeployConfig, log logr.Logger) (ctrl.Result, error) {
	if !controllerutil.ContainsFinalizer(dc, finalizerName) {
		return ctrl.Result{}, nil
	}

	owned, err := r.Cluster.ListOwned(ctx, childGVKs, dc.Namespace, dc.Name)
	if err != nil {
		return ctrl.Result{}, err
	}
	for _, obj := range owned {
		if err := r.Cluster.Delete(ctx, obj.GroupVersionKind(), dc.Namespace, obj.GetName()); err != nil {
			return ctrl.Result{}, err
		}
	}

	if err := r.Store.DeleteConfigFingerprint(ctx, dc.Namespace, dc.Name); err != nil {
		return ctrl.Result{}, err
	}

	controllerutil.RemoveFinalizer(dc, finalizerName)
	if err := r.Cluster.ApplyDC(ctx, dc); err != nil {
		return ctrl.Result{}, err
	}
	log.Info("deployconfig torn down")
	return ctrl.Result{}, nil
}

func (r *Reconciler) computeLatestSha(ctx context.Context, dc *cicdv1alpha1.DeployConfig) (string, bool, error) {
	if !dc.IsArtifactful() {
		return dc.Status.LatestSha, false, nil
	}
	repoID, err := r.repoID(ctx, dc)
	if err != nil {
		return "", false, err
	}
	commit, err := r.Store.LatestSuccessfulCommit(ctx, repoID, trackedBranch(dc))
	if err != nil {
		if errors.Is(err, errkinds.NotFound) {
			return dc.Status.LatestSha, false, nil
		}
		return "", false, err
	}
	return commit.Sha, commit.Sha != dc.Status.LatestSha, nil
}

func (r *Reconciler) patchLatestSha(ctx context.Context, ns, name, latestSha string) error {
	return r.Cluster.PatchDCStatus(ctx, ns, name, func(st *cicdv1alpha1.DeployConfigStatus) {
		st.LatestSha = latestSha
	})
}

func (r *Reconciler) repoID(ctx context.Context, dc *cicdv1alpha1.DeployConfig) (int64, error) {
	repo, err := r.Store.UpsertRepo(ctx, dc.Spec.Repo.Owner, dc.Spec.Repo.Repo)
	if err != nil {
		return 0, err
	}
	return repo.ID, nil
}

func trackedBranch(dc *cicdv1alpha1.DeployConfig) string {
	return dc.Spec.Repo.Branch
}

// ValidateStateTuple checks a target (artifactSha, configSha) tuple against
// §3's four shapes: (None,None) and (Sha,Sha)-for-artifactful are always
// valid; (None,Sha) is valid only for artifactless configs; (Sha,None) is
// always invalid. Shared with internal/deploy, which validates the same
// tuple before writing it as a DC's desired fields.
func ValidateStateTuple(artifactful bool, artifactSha, configSha string) error {
	switch {
	case artifactSha == "" && configSha == "":
		return nil
	case artifactSha == "" && configSha != "":
		if artifactful {
			return errkinds.Wrapf(errkinds.InvalidInput, "artifactful config cannot target (None, %s)", configSha)
		}
		return nil
	case artifactSha != "" && configSha == "":
		return errkinds.Wrapf(errkinds.InvalidInput, "invalid state tuple (%s, None)", artifactSha)
	default:
		if !artifactful {
			return errkinds.Wrapf(errkinds.InvalidInput, "artifactless config cannot target (%s, %s)", artifactSha, configSha)
		}
		return nil
	}
}

func childKey(gvk schema.GroupVersionKind, name string) string {
	return gvk.String() + "/" + name
}

func historyID() string {
	return uuid.NewString()
}

// SetupWithManager registers the Reconciler with mgr, watching DeployConfigs
// and requeueing on changes that bump metadata.generation (spec edits and
// deletion; finalizer-only and status-only updates are filtered out by
// GenerationChangedPredicate). Child resources are dynamically
// typed (unstructured), so they are pruned from within the reconcile body
// rather than watched via Owns. kicks, when non-nil, is the Webhook Ingest's
// build-completion channel (§4.8): a build landing on an autodeploy DC's
// tracked branch sends that DC as a GenericEvent so it reconciles without
// waiting for requeueIdle.
func (r *Reconciler) SetupWithManager(mgr ctrl.Manager, kicks <-chan event.GenericEvent) error {
	bldr := ctrl.NewControllerManagedBy(mgr).
		For(&cicdv1alpha1.DeployConfig{}, builder.WithPredicates(predicate.GenerationChangedPredicate{})).
		Named("deployconfig")
	if kicks != nil {
		bldr = bldr.WatchesRawSource(source.Channel(kicks, &handler.EnqueueRequestForObject{}))
	}
	return bldr.Complete(r)
}

// KickObject builds the sentinel object the Webhook Ingest sends on the kicks
// channel to request an out-of-band reconcile of ns/name.
func KickObject(ns, name string) client.Object {
	dc := &cicdv1alpha1.DeployConfig{}
	dc.Namespace, dc.Name = ns, name
	return dc
}
