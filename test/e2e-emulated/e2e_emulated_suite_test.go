package e2eemulated

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/llm-d-incubation/inference-control-plane/internal/logging"
)

// TestEmulatedE2E runs the whole control plane in-process: static
// discovery, exact indexer fed by an event pump, scheduler, router, and
// the planning pipeline against replayed samples.
func TestEmulatedE2E(t *testing.T) {
	logging.NewTestLogger()
	RegisterFailHandler(Fail)
	RunSpecs(t, "Emulated Control Plane Suite")
}
