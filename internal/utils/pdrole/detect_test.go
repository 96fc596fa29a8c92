package pdrole

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

func makeDeployment(name string, labels map[string]string) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
			},
		},
	}
}

var _ = Describe("GetDeploymentPDRole", func() {
	var defaultConfig PDRoleLabelConfig

	BeforeEach(func() {
		defaultConfig = DefaultPDRoleLabelConfig()
	})

	Context("with nil deployment", func() {
		It("should return RoleUnknown", func() {
			Expect(GetDeploymentPDRole(nil, defaultConfig)).To(Equal(RoleUnknown))
		})
	})

	Context("with label-based detection", func() {
		It("should detect prefill from label", func() {
			deploy := makeDeployment("vllm-llama", map[string]string{DefaultRoleLabel: "prefill"})
			Expect(GetDeploymentPDRole(deploy, defaultConfig)).To(Equal(RolePrefill))
		})

		It("should detect decode from label", func() {
			deploy := makeDeployment("vllm-llama", map[string]string{DefaultRoleLabel: "decode"})
			Expect(GetDeploymentPDRole(deploy, defaultConfig)).To(Equal(RoleDecode))
		})

		It("should detect both from label", func() {
			deploy := makeDeployment("vllm-llama", map[string]string{DefaultRoleLabel: "both"})
			Expect(GetDeploymentPDRole(deploy, defaultConfig)).To(Equal(RoleBoth))
		})

		It("should return unknown for unrecognized label value", func() {
			deploy := makeDeployment("vllm-llama", map[string]string{DefaultRoleLabel: "invalid"})
			Expect(GetDeploymentPDRole(deploy, defaultConfig)).To(Equal(RoleUnknown))
		})
	})

	Context("without P/D label", func() {
		It("should return unknown even if name contains prefill", func() {
			deploy := makeDeployment("llama-prefill-a100", map[string]string{"app": "vllm"})
			Expect(GetDeploymentPDRole(deploy, defaultConfig)).To(Equal(RoleUnknown))
		})

		It("should return unknown with no labels at all", func() {
			deploy := makeDeployment("llama-prefill", nil)
			Expect(GetDeploymentPDRole(deploy, defaultConfig)).To(Equal(RoleUnknown))
		})
	})

	Context("with custom label config", func() {
		It("should honor a custom label key and values", func() {
			custom := PDRoleLabelConfig{
				LabelKey:      "serving.example.com/phase",
				PrefillValues: []string{"prompt"},
				DecodeValues:  []string{"generate"},
			}
			deploy := makeDeployment("vllm-llama", map[string]string{"serving.example.com/phase": "generate"})
			Expect(GetDeploymentPDRole(deploy, custom)).To(Equal(RoleDecode))
		})

		It("should return unknown with an empty label key", func() {
			deploy := makeDeployment("vllm-llama", map[string]string{DefaultRoleLabel: "prefill"})
			Expect(GetDeploymentPDRole(deploy, PDRoleLabelConfig{})).To(Equal(RoleUnknown))
		})
	})
})
