package configsync_test

import (
	"context"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	cicdv1alpha1 "github.com/coolkev/cicd/api/v1alpha1"
	"github.com/coolkev/cicd/internal/cluster"
	"github.com/coolkev/cicd/internal/configsync"
	"github.com/coolkev/cicd/internal/githost"
	"github.com/coolkev/cicd/internal/store"
	"github.com/coolkev/cicd/pkg/errkinds"
)

func TestConfigSync(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ConfigSync Suite")
}

type stubHost struct {
	head    string
	headErr error
	tree    []githost.TreeEntry
	treeErr error
	blobs   map[string][]byte
}

func (s *stubHost) ResolveBranch(ctx context.Context, owner, repo, branch string) (string, error) {
	return s.head, s.headErr
}
func (s *stubHost) ListTree(ctx context.Context, owner, repo, sha, path string) ([]githost.TreeEntry, error) {
	return s.tree, s.treeErr
}
func (s *stubHost) GetBlob(ctx context.Context, owner, repo, sha, path string) ([]byte, error) {
	return s.blobs[path], nil
}

func newScheme() *runtime.Scheme {
	s := runtime.NewScheme()
	Expect(clientgoscheme.AddToScheme(s)).To(Succeed())
	Expect(cicdv1alpha1.AddToScheme(s)).To(Succeed())
	return s
}

var _ = Describe("Synchroniser", func() {
	var (
		ctx context.Context
		cl  *cluster.Client
		st  *store.Store
	)

	BeforeEach(func() {
		ctx = context.Background()
		fakeClient := fake.NewClientBuilder().
			WithScheme(newScheme()).
			WithStatusSubresource(&cicdv1alpha1.DeployConfig{}).
			Build()
		cl = cluster.NewClient(fakeClient, "cicd-controller")

		var err error
		st, err = store.Open(ctx, filepath.Join(GinkgoT().TempDir(), "db.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { Expect(st.Close()).To(Succeed()) })
	})

	It("applies desired DCs parsed out of .deploy/*.yaml", func() {
		host := &stubHost{
			head: "aaaa1",
			tree: []githost.TreeEntry{{Path: ".deploy/web.yaml", Type: "blob"}},
			blobs: map[string][]byte{
				".deploy/web.yaml": []byte(
					"apiVersion: cicd.coolkev.com/v1\nkind: DeployConfig\nmetadata:\n  name: web\n  namespace: team-a\nspec:\n  autodeploy: true\n"),
			},
		}
		sync := configsync.NewSynchroniser(host, cl, st)

		result, err := sync.Sync(ctx, "alice", "web", "main")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.DesiredCount).To(Equal(1))

		dc, err := cl.GetDC(ctx, "team-a", "web")
		Expect(err).NotTo(HaveOccurred())
		Expect(dc.Spec.Autodeploy).To(BeTrue())

		fps, err := st.FingerprintsForRepo(ctx, "alice", "web")
		Expect(err).NotTo(HaveOccurred())
		Expect(fps).To(HaveLen(1))
	})

	It("returns with no error and zero DCs when the branch has no head", func() {
		host := &stubHost{headErr: errkinds.Wrapf(errkinds.NotFound, "no head")}
		sync := configsync.NewSynchroniser(host, cl, st)

		result, err := sync.Sync(ctx, "alice", "web", "main")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.DesiredCount).To(Equal(0))
	})

	It("marks a previously-desired DC orphaned once its file disappears", func() {
		dc := &cicdv1alpha1.DeployConfig{ObjectMeta: metav1.ObjectMeta{Namespace: "team-a", Name: "web"}}
		Expect(cl.ApplyDC(ctx, dc)).To(Succeed())
		Expect(st.RecordConfigFingerprint(ctx, "team-a", "web", "alice", "web", "oldhash")).To(Succeed())

		host := &stubHost{head: "aaaa1"}
		sync := configsync.NewSynchroniser(host, cl, st)

		result, err := sync.Sync(ctx, "alice", "web", "main")
		Expect(err).NotTo(HaveOccurred())
		Expect(result.OrphanedNames).To(ContainElement("web"))

		got, err := cl.GetDC(ctx, "team-a", "web")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status.Orphaned).To(BeTrue())
	})
})

