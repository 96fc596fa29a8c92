/*
Copyright 2025 The llm-d Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package actuator asserts the planner's replica targets against the
// orchestration layer. Connectors are fire-and-forget: a target is
// handed off without blocking on rollout, and IsConverged tells the
// planner whether a prior change is still in flight.
package actuator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	ctrl "sigs.k8s.io/controller-runtime"

	"github.com/llm-d-incubation/inference-control-plane/internal/planner"
	"github.com/llm-d-incubation/inference-control-plane/internal/utils/pdrole"
	"github.com/llm-d-incubation/inference-control-plane/pkg/config"
)

// maxPatchAttempts bounds the retry of one scale patch. On exhaustion
// the target is dropped; the planner re-asserts next interval anyway.
const maxPatchAttempts = 5

// New creates the connector selected by cfg. Deployment names left
// unset are discovered from the namespace by the llm-d.ai/role pod
// template label.
func New(ctx context.Context, cfg config.ActuatorConfig, client kubernetes.Interface) (planner.Connector, error) {
	switch cfg.Mode {
	case config.ConnectorDeployment:
		if client == nil {
			return nil, fmt.Errorf("deployment connector requires a kubernetes client")
		}
		deployments := map[string]string{
			planner.RolePrefill: cfg.PrefillDeployment,
			planner.RoleDecode:  cfg.DecodeDeployment,
		}
		if cfg.PrefillDeployment == "" || cfg.DecodeDeployment == "" {
			discovered, err := pdrole.DiscoverRoleDeployments(ctx, client, cfg.Namespace, pdrole.DefaultPDRoleLabelConfig())
			if err != nil {
				return nil, fmt.Errorf("failed to discover role deployments: %w", err)
			}
			if deployments[planner.RolePrefill] == "" {
				deployments[planner.RolePrefill] = discovered[pdrole.RolePrefill]
			}
			if deployments[planner.RoleDecode] == "" {
				deployments[planner.RoleDecode] = discovered[pdrole.RoleDecode]
			}
		}
		for role, name := range deployments {
			if name == "" {
				return nil, fmt.Errorf("no deployment configured or discovered for role %q", role)
			}
		}
		return NewDeploymentConnector(client, cfg.Namespace, deployments), nil
	case config.ConnectorNotifier:
		return NewNotifierConnector(16), nil
	default:
		return nil, fmt.Errorf("unsupported connector mode: %q", cfg.Mode)
	}
}

// DeploymentConnector patches Deployment replica counts declaratively.
type DeploymentConnector struct {
	client      kubernetes.Interface
	namespace   string
	deployments map[string]string

	// retryInterval overrides the initial backoff interval; zero keeps
	// the backoff default.
	retryInterval time.Duration

	// inflight counts assertion goroutines still retrying a patch.
	inflight atomic.Int64
}

// NewDeploymentConnector creates a connector managing the given
// role-to-deployment mapping in one namespace.
func NewDeploymentConnector(client kubernetes.Interface, namespace string, deployments map[string]string) *DeploymentConnector {
	return &DeploymentConnector{
		client:      client,
		namespace:   namespace,
		deployments: deployments,
	}
}

// SetReplicas hands the target off to a background patch and returns
// immediately. Patch failures are retried with exponential backoff; an
// exhausted retry is reported and abandoned, since the planner asserts
// a fresh target every interval.
func (c *DeploymentConnector) SetReplicas(ctx context.Context, role string, replicas int) error {
	name, ok := c.deployments[role]
	if !ok || name == "" {
		return fmt.Errorf("no deployment configured for role %q", role)
	}
	if replicas < 0 {
		return fmt.Errorf("negative replica target %d for role %q", replicas, role)
	}
	logger := ctrl.LoggerFrom(ctx).WithName("actuator")

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Add(-1)

		eb := backoff.NewExponentialBackOff()
		if c.retryInterval > 0 {
			eb.InitialInterval = c.retryInterval
		}

		patch := fmt.Sprintf(`{"spec":{"replicas":%d}}`, replicas)
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			_, err := c.client.AppsV1().Deployments(c.namespace).Patch(
				ctx, name, types.MergePatchType, []byte(patch), metav1.PatchOptions{})
			return struct{}{}, err
		}, backoff.WithBackOff(eb), backoff.WithMaxTries(maxPatchAttempts))
		if err != nil {
			logger.Error(err, "Scale patch failed after retries, will re-assert next interval",
				"deployment", name, "role", role, "replicas", replicas)
			return
		}
		logger.Info("Asserted replica target", "deployment", name, "role", role, "replicas", replicas)
	}()
	return nil
}

// IsConverged reports whether every managed deployment has rolled out
// its last asserted target and no patch is still in flight. An API
// error reads as not converged, skipping a cycle rather than stacking
// scale operations on an unhealthy control plane.
func (c *DeploymentConnector) IsConverged(ctx context.Context) bool {
	if c.inflight.Load() > 0 {
		return false
	}
	logger := ctrl.LoggerFrom(ctx).WithName("actuator")

	for role, name := range c.deployments {
		if name == "" {
			continue
		}
		dep, err := c.client.AppsV1().Deployments(c.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			logger.Error(err, "Failed to read deployment status", "deployment", name, "role", role)
			return false
		}
		want := int32(1)
		if dep.Spec.Replicas != nil {
			want = *dep.Spec.Replicas
		}
		if dep.Status.ReadyReplicas != want || dep.Status.UpdatedReplicas != want {
			return false
		}
	}
	return true
}

// Target is one replica-count notification.
type Target struct {
	Role     string
	Replicas int
}

// NotifierConnector publishes targets on a channel instead of driving
// an orchestration API, for deployments where scaling is external. It
// is always converged; the subscriber owns rollout pacing.
type NotifierConnector struct {
	targets chan Target
}

// NewNotifierConnector creates a connector with the given buffer size.
func NewNotifierConnector(buffer int) *NotifierConnector {
	return &NotifierConnector{targets: make(chan Target, buffer)}
}

// Targets is the notification stream.
func (n *NotifierConnector) Targets() <-chan Target { return n.targets }

// SetReplicas publishes the target. If no subscriber is draining the
// channel the oldest pending notification is dropped; only the newest
// target per role matters.
func (n *NotifierConnector) SetReplicas(ctx context.Context, role string, replicas int) error {
	t := Target{Role: role, Replicas: replicas}
	for {
		select {
		case n.targets <- t:
			return nil
		default:
		}
		select {
		case <-n.targets:
		default:
		}
	}
}

// IsConverged always holds: notification delivery is the whole job.
func (n *NotifierConnector) IsConverged(context.Context) bool { return true }
