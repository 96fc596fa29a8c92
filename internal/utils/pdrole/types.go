// Package pdrole detects Prefill/Decode (P/D) disaggregation roles of
// deployments from their pod template labels, and discovers which
// deployment serves each role in a namespace.
package pdrole

// PDRole represents the Prefill/Decode role of a deployment in a P/D
// disaggregation setup.
type PDRole string

const (
	// RolePrefill indicates a prefill-only deployment (KV cache producer).
	RolePrefill PDRole = "prefill"
	// RoleDecode indicates a decode-only deployment (KV cache consumer).
	RoleDecode PDRole = "decode"
	// RoleBoth indicates a deployment serving both prefill and decode.
	RoleBoth PDRole = "both"
	// RoleUnknown indicates the P/D role could not be determined.
	RoleUnknown PDRole = "unknown"

	// DefaultRoleLabel is the well-known label key identifying P/D
	// roles on llm-d pods.
	DefaultRoleLabel = "llm-d.ai/role"
)

// PDRoleLabelConfig describes how to detect P/D roles from pod template
// labels. The LabelKey specifies which label to inspect, and the value
// slices define which label values correspond to which role.
type PDRoleLabelConfig struct {
	// LabelKey is the pod label key to check for P/D role.
	LabelKey string
	// PrefillValues are label values that indicate a prefill role.
	PrefillValues []string
	// DecodeValues are label values that indicate a decode role.
	DecodeValues []string
	// BothValues are label values that indicate both roles.
	BothValues []string
}

// DefaultPDRoleLabelConfig returns the standard P/D role label
// configuration using the well-known llm-d.ai/role label.
func DefaultPDRoleLabelConfig() PDRoleLabelConfig {
	return PDRoleLabelConfig{
		LabelKey:      DefaultRoleLabel,
		PrefillValues: []string{"prefill"},
		DecodeValues:  []string{"decode"},
		BothValues:    []string{"both"},
	}
}
