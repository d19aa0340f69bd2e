// Package namespace is the Namespace Provisioner (§4.5): ensures a target
// namespace exists before any apply, optionally seeding it by copying the
// template namespace's resources of the kinds in TemplateGVKs (ConfigMap,
// Secret, ServiceAccount); namespaced resources of other kinds are not copied.
//
// Grounded on operator/pkg/tracking.Client's metadata-stripping approach to
// server-side apply (clear ownership/history fields before writing) and on
// cleanupOrphansForGVK's per-GVK unstructured listing; no teacher file
// copies resources between namespaces directly, so the copy loop itself is
// assembled from those two conventions rather than lifted whole.
package namespace

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"
	logf "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/coolkev/cicd/pkg/errkinds"
)

const (
	copiedFromTemplateLabel          = "cicd.coolkev.com/copied-from-template"
	copiedFromTemplateNamespaceAnnot = "cicd.coolkev.com/copied-from-template-namespace"
	copiedAtAnnot                    = "cicd.coolkev.com/copied-at"
)

// TemplateGVKs lists the namespaced resource kinds considered when copying
// a template namespace's contents. Cluster-scoped kinds must never appear
// here (§4.5 "Cluster-scoped resources are never copied").
var TemplateGVKs = []schema.GroupVersionKind{
	{Group: "", Version: "v1", Kind: "ConfigMap"},
	{Group: "", Version: "v1", Kind: "Secret"},
	{Group: "", Version: "v1", Kind: "ServiceAccount"},
}

// Provisioner ensures namespaces exist, optionally seeding new ones from a
// template namespace.
type Provisioner struct {
	c                 client.Client
	templateNamespace string
}

// NewProvisioner builds a Namespace Provisioner. templateNamespace may be
// empty, which disables template copying entirely.
func NewProvisioner(c client.Client, templateNamespace string) *Provisioner {
	return &Provisioner{c: c, templateNamespace: templateNamespace}
}

// Ensure creates ns if absent. A newly created namespace is seeded from the
// configured template namespace, if any. An already-existing namespace is a
// pure no-op, per-resource copy failures are logged and do not fail the
// call (§4.5 "namespace provisioning still reports success").
func (p *Provisioner) Ensure(ctx context.Context, ns string) error {
	log := logf.FromContext(ctx)

	var existing corev1.Namespace
	err := p.c.Get(ctx, client.ObjectKey{Name: ns}, &existing)
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return errkinds.Wrap(errkinds.ClusterFatal, err)
	}

	created := corev1.Namespace{}
	created.Name = ns
	if err := p.c.Create(ctx, &created); err != nil && !apierrors.IsAlreadyExists(err) {
		return errkinds.Wrap(errkinds.ClusterFatal, err)
	}

	if p.templateNamespace == "" {
		return nil
	}
	p.copyTemplateInto(ctx, log, ns)
	return nil
}

func (p *Provisioner) copyTemplateInto(ctx context.Context, log logr.Logger, ns string) {
	for _, gvk := range TemplateGVKs {
		list := &unstructured.UnstructuredList{}
		list.SetGroupVersionKind(schema.GroupVersionKind{Group: gvk.Group, Version: gvk.Version, Kind: gvk.Kind + "List"})
		if err := p.c.List(ctx, list, client.InNamespace(p.templateNamespace)); err != nil {
			log.Error(err, "failed to list template namespace resources", "gvk", gvk.String())
			continue
		}
		for i := range list.Items {
			item := list.Items[i].DeepCopy()
			sanitizeForCopy(item, p.templateNamespace, ns)
			if err := p.c.Create(ctx, item); err != nil {
				if apierrors.IsAlreadyExists(err) {
					continue
				}
				log.Error(err, "failed to copy template resource", "gvk", gvk.String(), "name", item.GetName())
			}
		}
	}
}

// sanitizeForCopy strips identity/history fields a cluster would reject on
// create, moves the object into ns, and stamps provenance labels/annotations.
func sanitizeForCopy(obj *unstructured.Unstructured, srcNamespace, ns string) {
	obj.SetResourceVersion("")
	obj.SetUID("")
	obj.SetCreationTimestamp(metav1.Time{})
	obj.SetSelfLink("")
	obj.SetOwnerReferences(nil)
	obj.SetManagedFields(nil)
	obj.SetNamespace(ns)

	labels := obj.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	labels[copiedFromTemplateLabel] = "true"
	obj.SetLabels(labels)

	annotations := obj.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	annotations[copiedFromTemplateNamespaceAnnot] = srcNamespace
	annotations[copiedAtAnnot] = nowRFC3339()
	obj.SetAnnotations(annotations)
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
