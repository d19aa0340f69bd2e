package deploy_test

import (
	"context"
	"encoding/json"
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
	"github.com/coolkev/cicd/internal/deploy"
	"github.com/coolkev/cicd/internal/store"
	"github.com/coolkev/cicd/pkg/errkinds"
)

func TestDeploy(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Deploy Coordinator Suite")
}

func newScheme() *runtime.Scheme {
	s := runtime.NewScheme()
	Expect(clientgoscheme.AddToScheme(s)).To(Succeed())
	Expect(cicdv1alpha1.AddToScheme(s)).To(Succeed())
	return s
}

var _ = Describe("Coordinator", func() {
	var (
		ctx context.Context
		cl  *cluster.Client
		st  *store.Store
		co  *deploy.Coordinator
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

		co = deploy.NewCoordinator(cl, st)
	})

	It("writes the wanted tuple for an artifactful deploy and records history", func() {
		dc := &cicdv1alpha1.DeployConfig{
			ObjectMeta: metav1.ObjectMeta{Namespace: "team-a", Name: "web"},
			Spec: cicdv1alpha1.DeployConfigSpec{
				ResourceType: "ConfigMap",
				Spec:         rawSpec(map[string]interface{}{"data": map[string]interface{}{"sha": "$SHA"}}),
			},
		}
		Expect(cl.ApplyDC(ctx, dc)).To(Succeed())

		sha := "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"
		Expect(co.Deploy(ctx, "team-a", "web", sha, "hash1")).To(Succeed())

		got, err := cl.GetDC(ctx, "team-a", "web")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status.WantedSha).To(Equal(sha))
		Expect(got.Status.WantedConfigSha).To(Equal("hash1"))

		hist, err := st.HistoryForDC(ctx, "team-a", "web", 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(hist).To(HaveLen(1))
		Expect(hist[0].Action).To(Equal(store.HistoryActionDeploy))
		Expect(hist[0].Outcome).To(Equal(store.HistoryOutcomeSuccess))
	})

	It("rejects a deploy that supplies an artifact sha for an artifactless config", func() {
		dc := &cicdv1alpha1.DeployConfig{ObjectMeta: metav1.ObjectMeta{Namespace: "team-a", Name: "cfg"}}
		Expect(cl.ApplyDC(ctx, dc)).To(Succeed())

		err := co.Deploy(ctx, "team-a", "cfg", "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2", "hash1")
		Expect(err).To(HaveOccurred())

		got, err2 := cl.GetDC(ctx, "team-a", "cfg")
		Expect(err2).NotTo(HaveOccurred())
		Expect(got.Status.WantedSha).To(BeEmpty())
	})

	It("clears the wanted tuple on undeploy and records an undeploy history entry", func() {
		dc := &cicdv1alpha1.DeployConfig{ObjectMeta: metav1.ObjectMeta{Namespace: "team-a", Name: "cfg"}}
		Expect(cl.ApplyDC(ctx, dc)).To(Succeed())
		Expect(cl.PatchDCStatus(ctx, "team-a", "cfg", func(s *cicdv1alpha1.DeployConfigStatus) {
			s.WantedConfigSha = "hash1"
		})).To(Succeed())

		Expect(co.Undeploy(ctx, "team-a", "cfg")).To(Succeed())

		got, err := cl.GetDC(ctx, "team-a", "cfg")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status.WantedSha).To(BeEmpty())
		Expect(got.Status.WantedConfigSha).To(BeEmpty())

		hist, err := st.HistoryForDC(ctx, "team-a", "cfg", 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(hist).To(HaveLen(1))
		Expect(hist[0].Action).To(Equal(store.HistoryActionUndeploy))
	})

	It("marks a redeploy's history entry distinctly from a deploy", func() {
		dc := &cicdv1alpha1.DeployConfig{ObjectMeta: metav1.ObjectMeta{Namespace: "team-a", Name: "cfg"}}
		Expect(cl.ApplyDC(ctx, dc)).To(Succeed())

		Expect(co.Redeploy(ctx, "team-a", "cfg", "", "hash1")).To(Succeed())

		hist, err := st.HistoryForDC(ctx, "team-a", "cfg", 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(hist).To(HaveLen(1))
		Expect(hist[0].Action).To(Equal(store.HistoryActionRedeploy))
	})

	It("returns NotFound for a DC that does not exist", func() {
		err := co.Deploy(ctx, "team-a", "missing", "", "")
		Expect(err).To(MatchError(errkinds.NotFound))
	})
})

func rawSpec(tpl map[string]interface{}) *runtime.RawExtension {
	b, err := json.Marshal(tpl)
	Expect(err).NotTo(HaveOccurred())
	return &runtime.RawExtension{Raw: b}
}
