package deployconfig_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	cicdv1alpha1 "github.com/coolkev/cicd/api/v1alpha1"
	"github.com/coolkev/cicd/internal/cluster"
	"github.com/coolkev/cicd/internal/controller/deployconfig"
	"github.com/coolkev/cicd/internal/namespace"
	"github.com/coolkev/cicd/internal/store"
)

const (
	requeueIdle    = 60 * time.Second
	requeueFailure = 15 * time.Second
	requeueSuccess = 5 * time.Minute
)

func TestReconciler(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Reconciler Suite")
}

func newScheme() *runtime.Scheme {
	s := runtime.NewScheme()
	Expect(clientgoscheme.AddToScheme(s)).To(Succeed())
	Expect(cicdv1alpha1.AddToScheme(s)).To(Succeed())
	return s
}

func rawSpec(tpl map[string]interface{}) *runtime.RawExtension {
	b, err := json.Marshal(tpl)
	Expect(err).NotTo(HaveOccurred())
	return &runtime.RawExtension{Raw: b}
}

var _ = Describe("Reconciler", func() {
	var (
		ctx context.Context
		fc  client.Client
		cl  *cluster.Client
		st  *store.Store
		rec *deployconfig.Reconciler
	)

	BeforeEach(func() {
		ctx = context.Background()
		fc = fake.NewClientBuilder().
			WithScheme(newScheme()).
			WithStatusSubresource(&cicdv1alpha1.DeployConfig{}).
			Build()
		cl = cluster.NewClient(fc, "cicd-controller")

		var err error
		st, err = store.Open(ctx, filepath.Join(GinkgoT().TempDir(), "db.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { Expect(st.Close()).To(Succeed()) })

		pv := namespace.NewProvisioner(fc, "")
		rec = deployconfig.NewReconciler(cl, st, pv)
	})

	reconcile := func(ns, name string) ctrl.Result {
		req := ctrl.Request{NamespacedName: client.ObjectKey{Namespace: ns, Name: name}}
		res, err := rec.Reconcile(ctx, req)
		Expect(err).NotTo(HaveOccurred())
		return res
	}

	It("adds a finalizer and requeues idle when there is nothing to converge", func() {
		dc := &cicdv1alpha1.DeployConfig{ObjectMeta: metav1.ObjectMeta{Namespace: "team-a", Name: "idle"}}
		Expect(cl.ApplyDC(ctx, dc)).To(Succeed())

		res := reconcile("team-a", "idle")
		Expect(res.RequeueAfter).To(Equal(requeueIdle))

		got, err := cl.GetDC(ctx, "team-a", "idle")
		Expect(err).NotTo(HaveOccurred())
		Expect(controllerutil.ContainsFinalizer(got, "cicd.coolkev.com/reconciler")).To(BeTrue())
	})

	It("applies the target manifest for an artifactful deploy and records success", func() {
		dc := &cicdv1alpha1.DeployConfig{
			ObjectMeta: metav1.ObjectMeta{Namespace: "team-a", Name: "web"},
			Spec: cicdv1alpha1.DeployConfigSpec{
				ResourceType: "ConfigMap",
				Spec: rawSpec(map[string]interface{}{
					"metadata": map[string]interface{}{"name": "web"},
					"data":     map[string]interface{}{"sha": "$SHA"},
				}),
			},
		}
		Expect(cl.ApplyDC(ctx, dc)).To(Succeed())
		Expect(cl.PatchDCStatus(ctx, "team-a", "web", func(s *cicdv1alpha1.DeployConfigStatus) {
			s.WantedSha = "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"
			s.WantedConfigSha = "hash1"
		})).To(Succeed())

		res := reconcile("team-a", "web")
		Expect(res.RequeueAfter).To(Equal(requeueSuccess))

		var cm corev1.ConfigMap
		Expect(fc.Get(ctx, client.ObjectKey{Namespace: "team-a", Name: "web"}, &cm)).To(Succeed())
		Expect(cm.Data["sha"]).To(Equal("a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"))

		got, err := cl.GetDC(ctx, "team-a", "web")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status.CurrentSha).To(Equal("a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"))
		Expect(got.Status.CurrentConfigSha).To(Equal("hash1"))

		hist, err := st.HistoryForDC(ctx, "team-a", "web", 10)
		Expect(err).NotTo(HaveOccurred())
		Expect(hist).To(HaveLen(1))
		Expect(hist[0].Outcome).To(Equal(store.HistoryOutcomeSuccess))
	})

	It("rejects an invalid (sha, none) target tuple without converging", func() {
		dc := &cicdv1alpha1.DeployConfig{ObjectMeta: metav1.ObjectMeta{Namespace: "team-a", Name: "bad"}}
		Expect(cl.ApplyDC(ctx, dc)).To(Succeed())
		Expect(cl.PatchDCStatus(ctx, "team-a", "bad", func(s *cicdv1alpha1.DeployConfigStatus) {
			s.WantedSha = "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4e5f6a1b2"
		})).To(Succeed())

		res := reconcile("team-a", "bad")
		Expect(res.RequeueAfter).To(Equal(requeueFailure))

		got, err := cl.GetDC(ctx, "team-a", "bad")
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Status.LastError).NotTo(BeEmpty())
		Expect(got.Status.CurrentSha).To(BeEmpty())
	})

	It("prunes children and clears the finalizer on tombstone", func() {
		dc := &cicdv1alpha1.DeployConfig{
			ObjectMeta: metav1.ObjectMeta{Namespace: "team-a", Name: "gone", Finalizers: []string{"cicd.coolkev.com/reconciler"}},
		}
		Expect(fc.Create(ctx, dc)).To(Succeed())

		cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{
			Namespace: "team-a",
			Name:      "gone",
			Labels:    map[string]string{cluster.DCLabel: "gone"},
		}}
		Expect(fc.Create(ctx, cm)).To(Succeed())

		Expect(fc.Delete(ctx, dc)).To(Succeed())

		res := reconcile("team-a", "gone")
		Expect(res).To(Equal(ctrl.Result{}))

		var gotCM corev1.ConfigMap
		err := fc.Get(ctx, client.ObjectKey{Namespace: "team-a", Name: "gone"}, &gotCM)
		Expect(err).To(HaveOccurred())
	})
})
