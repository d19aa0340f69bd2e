// Package configsync is the Config Synchroniser (§4.6): for a tracked
// repository, walks `.deploy/` at the tracked branch's head and converges
// the cluster's DeployConfigs to match.
//
// Grounded on operator/pkg/manifests.parseManifests for the multi-document
// YAML stream shape (k8s.io/apimachinery/pkg/util/yaml.NewYAMLReader, one
// document at a time, skip blanks) and on cleanupOrphansForGVK's
// list-then-diff-against-desired-set orphan detection.
package configsync

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/cespare/xxhash/v2"
	"k8s.io/apimachinery/pkg/runtime"
	apimachyaml "k8s.io/apimachinery/pkg/util/yaml"
	sigsyaml "sigs.k8s.io/yaml"

	cicdv1alpha1 "github.com/coolkev/cicd/api/v1alpha1"
	"github.com/coolkev/cicd/internal/cluster"
	"github.com/coolkev/cicd/internal/githost"
	"github.com/coolkev/cicd/internal/store"
	"github.com/coolkev/cicd/pkg/errkinds"
)

const deployDir = ".deploy"

// SourceHost is the subset of the Source-Host Client the Synchroniser
// needs; satisfied by *githost.Client and, in tests, by a stub.
type SourceHost interface {
	ResolveBranch(ctx context.Context, owner, repo, branch string) (string, error)
	ListTree(ctx context.Context, owner, repo, sha, path string) ([]githost.TreeEntry, error)
	GetBlob(ctx context.Context, owner, repo, sha, path string) ([]byte, error)
}

// Warning is a non-fatal observation surfaced during a sync run (e.g. a
// null YAML document), kept distinct from errors so callers can log without
// treating the run as failed.
type Warning struct {
	File    string
	Message string
}

// Result summarises one Sync invocation.
type Result struct {
	DesiredCount  int
	OrphanedNames []string
	Warnings      []Warning
}

// Synchroniser is the Config Synchroniser.
type Synchroniser struct {
	gh      SourceHost
	cluster *cluster.Client
	store   *store.Store
}

// NewSynchroniser builds a Config Synchroniser over the shared Source-Host
// Client, Cluster Client, and Persistence Store handles (§9 "Global state").
func NewSynchroniser(gh SourceHost, cl *cluster.Client, st *store.Store) *Synchroniser {
	return &Synchroniser{gh: gh, cluster: cl, store: st}
}

// Sync converges the cluster's DeployConfigs sourced from (owner, repo) at
// trackedBranch's current head. It is re-entrant: running it twice over an
// unchanged repo produces no cluster diffs.
func (s *Synchroniser) Sync(ctx context.Context, owner, repo, trackedBranch string) (Result, error) {
	var result Result

	sha, err := s.gh.ResolveBranch(ctx, owner, repo, trackedBranch)
	if err != nil {
		if isNotFound(err) {
			return result, nil
		}
		return result, err
	}

	entries, err := s.gh.ListTree(ctx, owner, repo, sha, deployDir)
	if err != nil {
		if isNotFound(err) {
			entries = nil
		} else {
			return result, err
		}
	}

	var errs errkinds.List
	desired := map[string]*cicdv1alpha1.DeployConfig{}
	for _, entry := range entries {
		if entry.Type != "blob" || !isYAMLFile(entry.Path) {
			continue
		}
		raw, err := s.gh.GetBlob(ctx, owner, repo, sha, entry.Path)
		if errs.Add(err) != nil {
			continue
		}
		docs, warnings := splitDocuments(entry.Path, raw)
		result.Warnings = append(result.Warnings, warnings...)
		for _, doc := range docs {
			var dc cicdv1alpha1.DeployConfig
			if err := sigsyaml.Unmarshal(doc, &dc); err != nil {
				errs.Add(errkinds.Wrapf(errkinds.InvalidInput, "%s: %w", entry.Path, err))
				continue
			}
			if dc.Kind != "" && dc.Kind != "DeployConfig" {
				continue
			}
			if dc.Name == "" {
				continue
			}
			desired[dc.Name] = &dc
		}
	}

	existing, err := s.store.FingerprintsForRepo(ctx, owner, repo)
	if err != nil {
		return result, err
	}
	for _, fp := range existing {
		if _, stillDesired := desired[fp.Name]; stillDesired {
			continue
		}
		if err := s.cluster.PatchDCStatus(ctx, fp.Namespace, fp.Name, func(st *cicdv1alpha1.DeployConfigStatus) {
			st.Orphaned = true
		}); err != nil && !isNotFound(err) {
			errs.Add(err)
			continue
		}
		result.OrphanedNames = append(result.OrphanedNames, fp.Name)
	}

	for _, dc := range desired {
		dcBranch := dc.Spec.Repo.Branch
		if dcBranch == "" {
			dcBranch = trackedBranch
		}
		hash := configVersionHash(dc.Spec.Spec, dc.Spec.Repo.Owner+"/"+dc.Spec.Repo.Repo, dcBranch)
		if err := s.cluster.ApplyDC(ctx, dc); err != nil {
			errs.Add(errkinds.Wrapf(errkinds.ClusterFatal, "applying %s: %w", dc.Name, err))
			continue
		}
		if err := s.store.RecordConfigFingerprint(ctx, dc.Namespace, dc.Name, owner, repo, hash); err != nil {
			errs.Add(err)
			continue
		}
		result.DesiredCount++
	}

	return result, errs.Err()
}

func isYAMLFile(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}

// splitDocuments reads a multi-document YAML stream, skipping blank
// documents and reporting null documents as warnings (§4.6 rule 3).
func splitDocuments(file string, raw []byte) ([][]byte, []Warning) {
	var docs [][]byte
	var warnings []Warning

	reader := apimachyaml.NewYAMLReader(bufio.NewReader(bytes.NewReader(raw)))
	for {
		doc, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				break
			}
			warnings = append(warnings, Warning{File: file, Message: err.Error()})
			break
		}
		doc = bytes.TrimSpace(doc)
		if len(doc) == 0 {
			continue
		}
		var probe interface{}
		if err := sigsyaml.Unmarshal(doc, &probe); err == nil && probe == nil {
			warnings = append(warnings, Warning{File: file, Message: "null document"})
			continue
		}
		docs = append(docs, doc)
	}
	return docs, warnings
}

// configVersionHash computes a stable hash of (templateSpec, artifactRepo,
// trackedBranch) over canonical JSON with sorted keys (§4.6 rule 4).
func configVersionHash(templateSpec *runtime.RawExtension, artifactRepo, trackedBranch string) string {
	templateJSON := json.RawMessage("null")
	if templateSpec != nil && len(templateSpec.Raw) > 0 {
		templateJSON = json.RawMessage(templateSpec.Raw)
	}
	canonical, _ := json.Marshal(struct {
		ArtifactRepo  string          `json:"artifact_repo"`
		TemplateSpec  json.RawMessage `json:"template_spec"`
		TrackedBranch string          `json:"tracked_branch"`
	}{
		ArtifactRepo:  artifactRepo,
		TemplateSpec:  sortedJSON(templateJSON),
		TrackedBranch: trackedBranch,
	})
	sum := xxhash.Sum64(canonical)
	return formatHash(sum)
}

// sortedJSON re-marshals raw through a generic map so object keys come out
// sorted, matching encoding/json's map-key ordering guarantee.
func sortedJSON(raw json.RawMessage) json.RawMessage {
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return raw
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return raw
	}
	return out
}

func formatHash(v uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(buf)
}

func isNotFound(err error) bool {
	return errors.Is(err, errkinds.NotFound)
}
