package pdrole

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
)

var _ = Describe("DiscoverRoleDeployments", func() {
	var defaultConfig PDRoleLabelConfig

	BeforeEach(func() {
		defaultConfig = DefaultPDRoleLabelConfig()
	})

	It("should map each role to its deployment", func() {
		client := fake.NewSimpleClientset(
			makeDeployment("vllm-prefill", map[string]string{DefaultRoleLabel: "prefill"}),
			makeDeployment("vllm-decode", map[string]string{DefaultRoleLabel: "decode"}),
		)

		roles, err := DiscoverRoleDeployments(context.Background(), client, "default", defaultConfig)
		Expect(err).NotTo(HaveOccurred())
		Expect(roles).To(HaveKeyWithValue(RolePrefill, "vllm-prefill"))
		Expect(roles).To(HaveKeyWithValue(RoleDecode, "vllm-decode"))
	})

	It("should ignore deployments without a role label", func() {
		client := fake.NewSimpleClientset(
			makeDeployment("vllm-decode", map[string]string{DefaultRoleLabel: "decode"}),
			makeDeployment("redis", map[string]string{"app": "redis"}),
		)

		roles, err := DiscoverRoleDeployments(context.Background(), client, "default", defaultConfig)
		Expect(err).NotTo(HaveOccurred())
		Expect(roles).To(HaveLen(1))
		Expect(roles).To(HaveKeyWithValue(RoleDecode, "vllm-decode"))
	})

	It("should keep the first deployment per role", func() {
		client := fake.NewSimpleClientset(
			makeDeployment("decode-a", map[string]string{DefaultRoleLabel: "decode"}),
			makeDeployment("decode-b", map[string]string{DefaultRoleLabel: "decode"}),
		)

		roles, err := DiscoverRoleDeployments(context.Background(), client, "default", defaultConfig)
		Expect(err).NotTo(HaveOccurred())
		Expect(roles).To(HaveLen(1))
		Expect(roles).To(HaveKey(RoleDecode))
	})

	It("should return an empty map for an empty namespace", func() {
		roles, err := DiscoverRoleDeployments(context.Background(), fake.NewSimpleClientset([]runtime.Object{}...), "default", defaultConfig)
		Expect(err).NotTo(HaveOccurred())
		Expect(roles).To(BeEmpty())
	})
})
