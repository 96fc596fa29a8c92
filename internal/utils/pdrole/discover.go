package pdrole

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"
)

// DiscoverRoleDeployments lists the deployments of a namespace and maps
// each P/D role to the deployment serving it, detected from pod
// template labels. Deployments without a recognized role label are
// ignored. When several deployments carry the same role the first by
// list order wins and the rest are logged and skipped; one deployment
// per role is the supported shape.
func DiscoverRoleDeployments(ctx context.Context, client kubernetes.Interface, namespace string, config PDRoleLabelConfig) (map[PDRole]string, error) {
	logger := ctrl.LoggerFrom(ctx).WithName("pdrole")

	deployments, err := client.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments in %q: %w", namespace, err)
	}

	roles := make(map[PDRole]string)
	for i := range deployments.Items {
		deploy := &deployments.Items[i]
		role := GetDeploymentPDRole(deploy, config)
		if role == RoleUnknown {
			continue
		}
		if existing, ok := roles[role]; ok {
			logger.Info("Multiple deployments carry the same role, keeping the first",
				"role", string(role), "kept", existing, "skipped", deploy.Name)
			continue
		}
		roles[role] = deploy.Name
	}
	return roles, nil
}
