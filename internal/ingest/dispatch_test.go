package ingest

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/event"

	cicdv1alpha1 "github.com/coolkev/cicd/api/v1alpha1"
	"github.com/coolkev/cicd/internal/cluster"
	"github.com/coolkev/cicd/internal/configsync"
	"github.com/coolkev/cicd/internal/githost"
	"github.com/coolkev/cicd/internal/store"
)

func TestIngest(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Ingest Suite")
}

type stubHost struct {
	head  string
	tree  []githost.TreeEntry
	blobs map[string][]byte
}

func (s *stubHost) ResolveBranch(ctx context.Context, owner, repo, branch string) (string, error) {
	return s.head, nil
}
func (s *stubHost) ListTree(ctx context.Context, owner, repo, sha, path string) ([]githost.TreeEntry, error) {
	return s.tree, nil
}
func (s *stubHost) GetBlob(ctx context.Context, owner, repo, sha, path string) ([]byte, error) {
	return s.blobs[path], nil
}

func newScheme() *runtime.Scheme {
	sc := runtime.NewScheme()
	Expect(clientgoscheme.AddToScheme(sc)).To(Succeed())
	Expect(cicdv1alpha1.AddToScheme(sc)).To(Succeed())
	return sc
}

var _ = Describe("Ingest dispatch", func() {
	var (
		ctx context.Context
		cl  *cluster.Client
		st  *store.Store
		in  *Ingest
	)

	BeforeEach(func() {
		ctx = context.Background()
		fc := fake.NewClientBuilder().
			WithScheme(newScheme()).
			WithStatusSubresource(&cicdv1alpha1.DeployConfig{}).
			Build()
		cl = cluster.NewClient(fc, "cicd-controller")

		var err error
		st, err = store.Open(ctx, filepath.Join(GinkgoT().TempDir(), "db.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { Expect(st.Close()).To(Succeed()) })
	})

	It("records commits and branch head, then syncs a tracked default-branch push", func() {
		dc := &cicdv1alpha1.DeployConfig{
			ObjectMeta: metav1.ObjectMeta{Namespace: "team-a", Name: "web"},
			Spec:       cicdv1alpha1.DeployConfigSpec{Repo: cicdv1alpha1.RepoRef{Owner: "alice", Repo: "web"}},
		}
		Expect(cl.ApplyDC(ctx, dc)).To(Succeed())

		host := &stubHost{
			head: "aaaa1",
			tree: []githost.TreeEntry{{Path: ".deploy/web.yaml", Type: "blob"}},
			blobs: map[string][]byte{
				".deploy/web.yaml": []byte("apiVersion: cicd.coolkev.com/v1\nkind: DeployConfig\nmetadata:\n  name: web\n  namespace: team-a\nspec:\n  autodeploy: true\n"),
			},
		}
		sync := configsync.NewSynchroniser(host, cl, st)
		in = New("", "", st, cl, sync, nil)

		push := PushEvent{
			Owner: "alice", Repo: "web", DefaultBranch: "main", Branch: "main", HeadSha: "aaaa1",
			Commits: []CommitPayload{{Sha: "aaaa1", Message: "init", Author: "a", Committer: "a"}},
		}
		Expect(in.handlePush(ctx, push)).To(Succeed())

		repo, err := st.UpsertRepo(ctx, "alice", "web")
		Expect(err).NotTo(HaveOccurred())
		branches, err := st.GetBranchesForCommit(ctx, repo.ID, "aaaa1")
		Expect(err).NotTo(HaveOccurred())
		Expect(branches).To(HaveLen(1))
		Expect(branches[0].Name).To(Equal("main"))

		Eventually(func() (bool, error) {
			fps, err := st.FingerprintsForRepo(ctx, "alice", "web")
			if err != nil {
				return false, err
			}
			return len(fps) == 1, nil
		}, time.Second, 10*time.Millisecond).Should(BeTrue())
	})

	It("does not sync a push to a non-default branch, even when that branch is tracked", func() {
		dc := &cicdv1alpha1.DeployConfig{
			ObjectMeta: metav1.ObjectMeta{Namespace: "team-a", Name: "web"},
			Spec: cicdv1alpha1.DeployConfigSpec{
				Repo: cicdv1alpha1.RepoRef{Owner: "alice", Repo: "web", Branch: "feature"},
			},
		}
		Expect(cl.ApplyDC(ctx, dc)).To(Succeed())

		host := &stubHost{head: "bbbb1"}
		sync := configsync.NewSynchroniser(host, cl, st)
		in = New("", "", st, cl, sync, nil)

		push := PushEvent{
			Owner: "alice", Repo: "web", DefaultBranch: "main", Branch: "feature", HeadSha: "bbbb1",
			Commits: []CommitPayload{{Sha: "bbbb1", Message: "wip", Author: "a", Committer: "a"}},
		}
		Expect(in.handlePush(ctx, push)).To(Succeed())

		Consistently(func() (int, error) {
			fps, err := st.FingerprintsForRepo(ctx, "alice", "web")
			return len(fps), err
		}, 100*time.Millisecond, 10*time.Millisecond).Should(Equal(0))
	})

	It("does not sync an untracked repository's push", func() {
		host := &stubHost{head: "aaaa1"}
		sync := configsync.NewSynchroniser(host, cl, st)
		in = New("", "", st, cl, sync, nil)

		push := PushEvent{Owner: "bob", Repo: "untracked", DefaultBranch: "main", Branch: "main", HeadSha: "aaaa1"}
		Expect(in.handlePush(ctx, push)).To(Succeed())

		Consistently(func() (int, error) {
			fps, err := st.FingerprintsForRepo(ctx, "bob", "untracked")
			return len(fps), err
		}, 100*time.Millisecond, 10*time.Millisecond).Should(Equal(0))
	})

	It("records a check outcome and kicks the Reconciler for an autodeploy DC at that head", func() {
		dc := &cicdv1alpha1.DeployConfig{
			ObjectMeta: metav1.ObjectMeta{Namespace: "team-a", Name: "web"},
			Spec: cicdv1alpha1.DeployConfigSpec{
				Repo:       cicdv1alpha1.RepoRef{Owner: "alice", Repo: "web"},
				Autodeploy: true,
			},
		}
		Expect(cl.ApplyDC(ctx, dc)).To(Succeed())

		repo, err := st.UpsertRepo(ctx, "alice", "web")
		Expect(err).NotTo(HaveOccurred())
		Expect(st.UpsertCommit(ctx, store.UpsertCommitInput{RepoID: repo.ID, Sha: "aaaa1"})).To(Succeed())
		_, err = st.UpsertBranch(ctx, repo.ID, "main", "aaaa1")
		Expect(err).NotTo(HaveOccurred())
		Expect(st.SetRepoMeta(ctx, repo.ID, "main", false, "go")).To(Succeed())

		kicks := make(chan event.GenericEvent, 1)
		sync := configsync.NewSynchroniser(&stubHost{}, cl, st)
		in = New("", "", st, cl, sync, kicks)

		check := CheckEvent{Owner: "alice", Repo: "web", Sha: "aaaa1", Status: "completed", Conclusion: "success"}
		Expect(in.handleCheck(ctx, check)).To(Succeed())

		got, err := st.GetBranchHead(ctx, repo.ID, "main")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.BuildStatus).To(Equal(store.BuildStatusSuccess))

		Eventually(kicks, time.Second).Should(Receive())
	})
})
