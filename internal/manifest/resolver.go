// Package manifest is the Manifest Resolver (§4.4): a pure, I/O-free
// function that turns one DeployConfig's opaque template tree into a ready
// to apply resource, substituting the target artifact SHA and stamping
// ownership metadata.
//
// Grounded on operator/pkg/manifests.parseManifests's multi-document/
// generic-decode shape, adapted from "parse a fixed set of embedded YAML
// files" to "deep-walk one already-parsed JSON tree and substitute tokens."
package manifest

import (
	"encoding/json"

	"github.com/google/go-containerregistry/pkg/name"
	"k8s.io/apimachinery/pkg/runtime/schema"

	cicdv1alpha1 "github.com/coolkev/cicd/api/v1alpha1"
	"github.com/coolkev/cicd/internal/cluster"
	"github.com/coolkev/cicd/pkg/errkinds"
)

const shaToken = "$SHA"

// workloadKinds lists the resource kinds whose pod template containers get
// their image references validated after substitution.
var workloadKinds = map[string]bool{
	"Deployment":  true,
	"StatefulSet": true,
	"DaemonSet":   true,
	"Job":         true,
	"CronJob":     true,
	"Pod":         true,
}

// Resource is one {gvk, name, manifest} triple ready for
// cluster.Client.ApplyDynamic.
type Resource struct {
	GVK      schema.GroupVersionKind
	Name     string
	Manifest map[string]interface{}
}

// Resolve produces the ordered (by GVK, then name — callers applying
// multiple resources must additionally sort across DCs) resource list for
// dc at targetSha. targetSha may be empty for artifactless configs.
func Resolve(dc *cicdv1alpha1.DeployConfig, targetSha string) ([]Resource, error) {
	specEmpty := dc.Spec.Spec == nil || len(dc.Spec.Spec.Raw) == 0
	if dc.Spec.ResourceType == "" && specEmpty {
		return nil, nil
	}
	if specEmpty {
		return nil, errkinds.Wrapf(errkinds.EmptyManifest, "deployconfig %s has a resourceType but no spec", dc.Name)
	}

	var tree interface{}
	if err := json.Unmarshal(dc.Spec.Spec.Raw, &tree); err != nil {
		return nil, errkinds.Wrapf(errkinds.InvalidInput, "deployconfig %s: invalid template spec: %w", dc.Name, err)
	}
	if tree == nil {
		return nil, errkinds.Wrapf(errkinds.EmptyManifest, "deployconfig %s: template spec parses to null", dc.Name)
	}

	if containsSHAToken(tree) && targetSha == "" {
		return nil, errkinds.Wrapf(errkinds.ArtifactRequired, "deployconfig %s references $SHA with no target artifact", dc.Name)
	}

	substituted := substitute(tree, targetSha)
	manifest, ok := substituted.(map[string]interface{})
	if !ok {
		return nil, errkinds.Wrapf(errkinds.InvalidInput, "deployconfig %s: template spec must be a JSON object", dc.Name)
	}

	name := dc.Name
	if metaBlock, ok := manifest["metadata"].(map[string]interface{}); ok {
		if n, ok := metaBlock["name"].(string); ok && n != "" {
			name = n
		}
	}

	applyOwnershipMetadata(manifest, dc, name)

	if err := validateWorkloadImages(dc.Spec.ResourceType, manifest); err != nil {
		return nil, err
	}

	return []Resource{{
		GVK:      resolveGVK(dc.Spec.ResourceType, manifest),
		Name:     name,
		Manifest: manifest,
	}}, nil
}

// knownGroupVersions maps the workload kinds likely to appear in a
// resourceType-only template to the GroupVersion that owns them, for the
// common case where the template omits an explicit apiVersion field.
var knownGroupVersions = map[string]string{
	"Deployment":  "apps/v1",
	"StatefulSet": "apps/v1",
	"DaemonSet":   "apps/v1",
	"ReplicaSet":  "apps/v1",
	"Job":         "batch/v1",
	"CronJob":     "batch/v1",
	"Pod":         "v1",
	"ConfigMap":   "v1",
	"Secret":      "v1",
	"Service":     "v1",
	"Namespace":   "v1",
}

func resolveGVK(resourceType string, manifest map[string]interface{}) schema.GroupVersionKind {
	if apiVersion, ok := manifest["apiVersion"].(string); ok && apiVersion != "" {
		return schema.FromAPIVersionAndKind(apiVersion, resourceType)
	}
	if gv, ok := knownGroupVersions[resourceType]; ok {
		return schema.FromAPIVersionAndKind(gv, resourceType)
	}
	return schema.FromAPIVersionAndKind("v1", resourceType)
}

func applyOwnershipMetadata(manifest map[string]interface{}, dc *cicdv1alpha1.DeployConfig, name string) {
	metaBlock, ok := manifest["metadata"].(map[string]interface{})
	if !ok {
		metaBlock = map[string]interface{}{}
	}
	metaBlock["name"] = name

	labels, ok := metaBlock["labels"].(map[string]interface{})
	if !ok {
		labels = map[string]interface{}{}
	}
	labels[cluster.ManagedByLabel] = cluster.ManagedByValue
	labels[cluster.DCLabel] = dc.Name
	metaBlock["labels"] = labels

	metaBlock["ownerReferences"] = []interface{}{
		map[string]interface{}{
			"apiVersion":         cicdv1alpha1.GroupVersion.String(),
			"kind":               "DeployConfig",
			"name":               dc.Name,
			"uid":                string(dc.UID),
			"controller":         true,
			"blockOwnerDeletion": true,
		},
	}
	manifest["metadata"] = metaBlock
}

// substitute walks node, returning a copy with every string value
// containing shaToken replaced by targetSha. Non-string leaves pass through
// unchanged.
func substitute(node interface{}, targetSha string) interface{} {
	switch v := node.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, val := range v {
			out[k] = substitute(val, targetSha)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, val := range v {
			out[i] = substitute(val, targetSha)
		}
		return out
	case string:
		return replaceSHAToken(v, targetSha)
	default:
		return v
	}
}

func containsSHAToken(node interface{}) bool {
	switch v := node.(type) {
	case map[string]interface{}:
		for _, val := range v {
			if containsSHAToken(val) {
				return true
			}
		}
	case []interface{}:
		for _, val := range v {
			if containsSHAToken(val) {
				return true
			}
		}
	case string:
		return stringContainsToken(v)
	}
	return false
}

func stringContainsToken(s string) bool {
	for i := 0; i+len(shaToken) <= len(s); i++ {
		if s[i:i+len(shaToken)] == shaToken {
			return true
		}
	}
	return false
}

func replaceSHAToken(s, targetSha string) string {
	if !stringContainsToken(s) {
		return s
	}
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); {
		if i+len(shaToken) <= len(s) && s[i:i+len(shaToken)] == shaToken {
			out = append(out, targetSha...)
			i += len(shaToken)
			continue
		}
		out = append(out, s[i])
		i++
	}
	return string(out)
}

// validateWorkloadImages checks that every container image reference under
// a known workload kind's pod template parses as a valid image reference,
// surfacing malformed $SHA substitutions (e.g. a trailing colon) before
// they ever reach the cluster.
func validateWorkloadImages(resourceType string, manifest map[string]interface{}) error {
	if !workloadKinds[resourceType] {
		return nil
	}
	images := collectImageRefs(manifest)
	for _, ref := range images {
		if _, err := name.ParseReference(ref); err != nil {
			return errkinds.Wrapf(errkinds.InvalidInput, "invalid image reference %q: %w", ref, err)
		}
	}
	return nil
}

// collectImageRefs walks node looking for "image" string fields, the
// convention every Kubernetes pod spec container uses.
func collectImageRefs(node interface{}) []string {
	var refs []string
	switch v := node.(type) {
	case map[string]interface{}:
		for k, val := range v {
			if k == "image" {
				if s, ok := val.(string); ok && s != "" {
					refs = append(refs, s)
					continue
				}
			}
			refs = append(refs, collectImageRefs(val)...)
		}
	case []interface{}:
		for _, val := range v {
			refs = append(refs, collectImageRefs(val)...)
		}
	}
	return refs
}
