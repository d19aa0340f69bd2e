// Package cluster is the Cluster Client (§4.3): a thin wrapper over the
// orchestrator's REST surface, operating on the DeployConfig custom resource
// by its typed Go type and on arbitrary child resources via the dynamic
// GVK-generic unstructured API.
//
// Grounded on operator/pkg/tracking.Client — the apply-and-track wrapper
// the teacher's reconciler embeds — adapted here without the tracking set
// (the Reconciler tracks its own applied set per reconcile) but keeping its
// server-side-apply-with-fixed-field-manager and owner-label-based cleanup
// shape.
package cluster

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"

	cicdv1alpha1 "github.com/coolkev/cicd/api/v1alpha1"
	"github.com/coolkev/cicd/pkg/errkinds"
)

const (
	// ManagedByLabel marks every child resource the Manifest Resolver
	// produces, regardless of which DC owns it.
	ManagedByLabel = "cicd.coolkev.com/managed-by"
	// ManagedByValue is the fixed value ManagedByLabel carries.
	ManagedByValue = "cicd"
	// DCLabel records which DeployConfig a child resource belongs to.
	DCLabel = "cicd.coolkev.com/dc"

	applyRetryAttempts = 3
)

var applyRetryDelays = [applyRetryAttempts]time.Duration{
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
}

// Client is the Cluster Client. It wraps a single controller-runtime client
// shared process-wide between the Config Synchroniser, the Deploy
// Coordinator, and the Reconciler (§9 "Global state").
type Client struct {
	c            client.Client
	fieldManager string
}

// NewClient builds a Cluster Client over c, identifying all of its
// server-side applies with fieldManager so repeated applies converge
// idempotently.
func NewClient(c client.Client, fieldManager string) *Client {
	return &Client{c: c, fieldManager: fieldManager}
}

// GetDC fetches a DeployConfig by namespace and name.
func (cl *Client) GetDC(ctx context.Context, ns, name string) (*cicdv1alpha1.DeployConfig, error) {
	var dc cicdv1alpha1.DeployConfig
	if err := cl.c.Get(ctx, client.ObjectKey{Namespace: ns, Name: name}, &dc); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, errkinds.Wrapf(errkinds.NotFound, "deployconfig %s/%s: %w", ns, name, err)
		}
		return nil, errkinds.Wrap(errkinds.ClusterFatal, err)
	}
	return &dc, nil
}

// ListDC lists DeployConfigs in ns, or across all namespaces when ns is empty.
func (cl *Client) ListDC(ctx context.Context, ns string) ([]cicdv1alpha1.DeployConfig, error) {
	var list cicdv1alpha1.DeployConfigList
	opts := []client.ListOption{}
	if ns != "" {
		opts = append(opts, client.InNamespace(ns))
	}
	if err := cl.c.List(ctx, &list, opts...); err != nil {
		return nil, errkinds.Wrap(errkinds.ClusterFatal, err)
	}
	return list.Items, nil
}

// ApplyDC server-side-applies a DeployConfig's spec fields. Status is not
// touched; use PatchDCStatus for that.
func (cl *Client) ApplyDC(ctx context.Context, dc *cicdv1alpha1.DeployConfig) error {
	dc.TypeMeta = metav1.TypeMeta{APIVersion: cicdv1alpha1.GroupVersion.String(), Kind: "DeployConfig"}
	err := cl.c.Patch(ctx, dc, client.Apply, client.FieldOwner(cl.fieldManager), client.ForceOwnership)
	if err != nil {
		return errkinds.Wrap(errkinds.ClusterFatal, err)
	}
	return nil
}

// PatchDCStatus applies mutate to the DC's current status and persists the
// result via the status subresource, using a merge patch so concurrent
// Reconciler and Deploy Coordinator writers don't clobber each other's spec
// changes.
func (cl *Client) PatchDCStatus(ctx context.Context, ns, name string, mutate func(*cicdv1alpha1.DeployConfigStatus)) error {
	dc, err := cl.GetDC(ctx, ns, name)
	if err != nil {
		return err
	}
	original := dc.DeepCopy()
	mutate(&dc.Status)
	if err := cl.c.Status().Patch(ctx, dc, client.MergeFrom(original)); err != nil {
		return errkinds.Wrap(errkinds.ClusterFatal, err)
	}
	return nil
}

// ApplyDynamic server-side-applies an arbitrary resource described by gvk,
// ns, name and manifest (everything below apiVersion/kind/metadata.name).
// Transient failures are retried up to 3 times with 0.5/1/2s delays (§4.3);
// all other kinds surface immediately.
func (cl *Client) ApplyDynamic(ctx context.Context, gvk schema.GroupVersionKind, ns, name string, manifest map[string]interface{}) error {
	obj := &unstructured.Unstructured{Object: manifest}
	obj.SetGroupVersionKind(gvk)
	obj.SetNamespace(ns)
	obj.SetName(name)

	var lastErr error
	for attempt := 0; attempt <= applyRetryAttempts; attempt++ {
		err := cl.c.Patch(ctx, obj, client.Apply, client.FieldOwner(cl.fieldManager), client.ForceOwnership)
		if err == nil {
			return nil
		}
		lastErr = err
		if ClassifyApplyError(err) != KindTransient {
			return classifyAndWrap(err)
		}
		if attempt == applyRetryAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(applyRetryDelays[attempt]):
		}
	}
	return classifyAndWrap(lastErr)
}

// ListOwned enumerates resources of the given GVKs labelled as belonging to
// dcName in ns.
func (cl *Client) ListOwned(ctx context.Context, gvks []schema.GroupVersionKind, ns, dcName string) ([]unstructured.Unstructured, error) {
	var owned []unstructured.Unstructured
	for _, gvk := range gvks {
		list := &unstructured.UnstructuredList{}
		list.SetGroupVersionKind(schema.GroupVersionKind{Group: gvk.Group, Version: gvk.Version, Kind: gvk.Kind + "List"})
		err := cl.c.List(ctx, list, client.InNamespace(ns), client.MatchingLabels{DCLabel: dcName})
		if err != nil {
			if isNoKindMatch(err) {
				continue
			}
			return nil, errkinds.Wrap(errkinds.ClusterFatal, err)
		}
		owned = append(owned, list.Items...)
	}
	return owned, nil
}

// Delete deletes a single resource identified by gvk/ns/name. A missing
// resource is not an error.
func (cl *Client) Delete(ctx context.Context, gvk schema.GroupVersionKind, ns, name string) error {
	obj := &unstructured.Unstructured{}
	obj.SetGroupVersionKind(gvk)
	obj.SetNamespace(ns)
	obj.SetName(name)
	if err := cl.c.Delete(ctx, obj); err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return errkinds.Wrap(errkinds.ClusterFatal, err)
	}
	return nil
}

// EnsureNamespace creates ns if it does not already exist. A pre-existing
// namespace is a no-op.
func (cl *Client) EnsureNamespace(ctx context.Context, name string) error {
	var ns corev1.Namespace
	err := cl.c.Get(ctx, client.ObjectKey{Name: name}, &ns)
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return errkinds.Wrap(errkinds.ClusterFatal, err)
	}
	ns = corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: name}}
	if err := cl.c.Create(ctx, &ns); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return errkinds.Wrap(errkinds.ClusterFatal, err)
	}
	return nil
}

func classifyAndWrap(err error) error {
	switch ClassifyApplyError(err) {
	case KindForbidden, KindSchemaInvalid:
		return errkinds.Wrap(errkinds.ClusterFatal, err)
	default:
		return errkinds.Wrap(errkinds.ClusterTransient, err)
	}
}

func isNoKindMatch(err error) bool {
	return meta.IsNoMatchError(err)
}
