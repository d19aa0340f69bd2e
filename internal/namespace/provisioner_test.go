package namespace_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/coolkev/cicd/internal/namespace"
)

func TestNamespace(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Namespace Suite")
}

func newScheme() *runtime.Scheme {
	s := runtime.NewScheme()
	Expect(clientgoscheme.AddToScheme(s)).To(Succeed())
	return s
}

var _ = Describe("Provisioner", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("creates an absent namespace with no template configured", func() {
		fakeClient := fake.NewClientBuilder().WithScheme(newScheme()).Build()
		p := namespace.NewProvisioner(fakeClient, "")

		Expect(p.Ensure(ctx, "team-a")).To(Succeed())

		var ns corev1.Namespace
		Expect(fakeClient.Get(ctx, client.ObjectKey{Name: "team-a"}, &ns)).To(Succeed())
	})

	It("is a no-op when the namespace already exists", func() {
		existing := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "team-a"}}
		fakeClient := fake.NewClientBuilder().WithScheme(newScheme()).WithObjects(existing).Build()
		p := namespace.NewProvisioner(fakeClient, "infra")

		Expect(p.Ensure(ctx, "team-a")).To(Succeed())

		var cms corev1.ConfigMapList
		Expect(fakeClient.List(ctx, &cms, client.InNamespace("team-a"))).To(Succeed())
		Expect(cms.Items).To(BeEmpty())
	})

	It("copies template namespace resources into a newly created namespace", func() {
		cm := &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Namespace: "infra", Name: "defaults"},
			Data:       map[string]string{"k": "v"},
		}
		fakeClient := fake.NewClientBuilder().WithScheme(newScheme()).WithObjects(cm).Build()
		p := namespace.NewProvisioner(fakeClient, "infra")

		Expect(p.Ensure(ctx, "team-a")).To(Succeed())

		var copied corev1.ConfigMap
		Expect(fakeClient.Get(ctx, client.ObjectKey{Namespace: "team-a", Name: "defaults"}, &copied)).To(Succeed())
		Expect(copied.Labels["cicd.coolkev.com/copied-from-template"]).To(Equal("true"))
		Expect(copied.Annotations["cicd.coolkev.com/copied-from-template-namespace"]).To(Equal("infra"))
		Expect(copied.Data).To(Equal(map[string]string{"k": "v"}))
	})

	It("does not overwrite a resource that already exists in the target namespace", func() {
		cm := &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Namespace: "infra", Name: "defaults"},
			Data:       map[string]string{"k": "template"},
		}
		existingTarget := &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{Namespace: "team-a", Name: "defaults"},
			Data:       map[string]string{"k": "original"},
		}
		existingNs := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: "team-a"}}
		fakeClient := fake.NewClientBuilder().WithScheme(newScheme()).WithObjects(cm, existingTarget, existingNs).Build()
		p := namespace.NewProvisioner(fakeClient, "infra")

		Expect(p.Ensure(ctx, "team-a")).To(Succeed())

		var got corev1.ConfigMap
		Expect(fakeClient.Get(ctx, client.ObjectKey{Namespace: "team-a", Name: "defaults"}, &got)).To(Succeed())
		Expect(got.Data).To(Equal(map[string]string{"k": "original"}))
	})
})
