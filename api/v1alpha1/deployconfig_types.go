/*
Copyright 2025 Konflux CI.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
)

// RepoRef identifies the source repository a DeployConfig tracks.
type RepoRef struct {
	// Owner is the GitHub organization or user that owns the repository.
	// +kubebuilder:validation:MinLength=1
	Owner string `json:"owner"`

	// Repo is the repository name.
	// +kubebuilder:validation:MinLength=1
	Repo string `json:"repo"`

	// Branch is the tracked branch. When empty, the repository's default
	// branch is tracked instead.
	// +optional
	Branch string `json:"branch,omitempty"`
}

// DeployConfigSpec defines the desired child-resource template for a
// DeployConfig. Spec is schema-less on purpose: it carries one resource's
// worth of manifest fields (everything below metadata/apiVersion/kind) with
// $SHA placeholders the Manifest Resolver substitutes at reconcile time.
type DeployConfigSpec struct {
	// Repo identifies the artifact source repository. Required for
	// artifactful configs; may be zero-valued for artifactless ones that
	// never reference $SHA.
	// +optional
	Repo RepoRef `json:"repo,omitempty"`

	// Autodeploy enables automatic promotion of the latest successful build
	// on the tracked branch to WantedSha.
	Autodeploy bool `json:"autodeploy,omitempty"`

	// ResourceType names the Kind of the single child resource this config
	// produces, e.g. "Deployment" or "CronJob". Empty together with an empty
	// Spec means the config produces zero child resources.
	// +optional
	ResourceType string `json:"resourceType,omitempty"`

	// Spec is the opaque template tree for the child resource (everything
	// that would sit under its own top-level `spec`, plus any metadata
	// overrides). $SHA tokens inside string values are substituted with the
	// target artifact SHA before apply.
	// +optional
	// +kubebuilder:pruning:PreserveUnknownFields
	Spec *runtime.RawExtension `json:"spec,omitempty"`
}

// DeployConfigStatus is owned exclusively by the Reconciler.
type DeployConfigStatus struct {
	// CurrentSha is the artifact SHA currently applied to the cluster.
	// +optional
	CurrentSha string `json:"currentSha,omitempty"`

	// WantedSha is the artifact SHA the Deploy Coordinator or autodeploy
	// logic wants applied.
	// +optional
	WantedSha string `json:"wantedSha,omitempty"`

	// LatestSha is the latest known successful-build SHA on the tracked
	// branch, independent of whether it has been deployed.
	// +optional
	LatestSha string `json:"latestSha,omitempty"`

	// CurrentConfigSha is the config_version_hash last successfully applied.
	// +optional
	CurrentConfigSha string `json:"currentConfigSha,omitempty"`

	// WantedConfigSha is the config_version_hash the Reconciler should
	// converge to.
	// +optional
	WantedConfigSha string `json:"wantedConfigSha,omitempty"`

	// Orphaned is true when the Config Synchroniser no longer finds a
	// `.deploy/` definition for this DeployConfig.
	// +optional
	Orphaned bool `json:"orphaned,omitempty"`

	// LastError carries the most recent reconciliation failure, verbatim,
	// for external read-only surfaces to render.
	// +optional
	LastError string `json:"lastError,omitempty"`

	// Conditions represent the latest available observations of state.
	// +optional
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Current",type=string,JSONPath=".status.currentSha",priority=0
// +kubebuilder:printcolumn:name="Wanted",type=string,JSONPath=".status.wantedSha",priority=0
// +kubebuilder:printcolumn:name="Latest",type=string,JSONPath=".status.latestSha",priority=1
// +kubebuilder:printcolumn:name="Orphaned",type=boolean,JSONPath=".status.orphaned",priority=0
// +kubebuilder:printcolumn:name="Error",type=string,JSONPath=".status.lastError",priority=1

// DeployConfig is the Schema for the deployconfigs API.
type DeployConfig struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   DeployConfigSpec   `json:"spec,omitempty"`
	Status DeployConfigStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// DeployConfigList contains a list of DeployConfig.
type DeployConfigList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []DeployConfig `json:"items"`
}

// GetConditions returns the conditions from the DeployConfig status.
func (d *DeployConfig) GetConditions() []metav1.Condition {
	return d.Status.Conditions
}

// SetConditions sets the conditions on the DeployConfig status.
func (d *DeployConfig) SetConditions(conditions []metav1.Condition) {
	d.Status.Conditions = conditions
}

// IsArtifactful reports whether the config's template references $SHA and
// therefore needs an artifact SHA to produce a manifest.
func (d *DeployConfig) IsArtifactful() bool {
	if d.Spec.ResourceType == "" || d.Spec.Spec == nil {
		return false
	}
	return rawContainsSHAToken(d.Spec.Spec.Raw)
}

func init() {
	SchemeBuilder.Register(&DeployConfig{}, &DeployConfigList{})
}
