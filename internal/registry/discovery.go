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

package registry

import (
	"context"
	"fmt"
	"strconv"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
)

// DPRankAnnotation carries a pod's data-parallel rank, if any.
const DPRankAnnotation = "llm-d.ai/dp-rank"

// StaticDiscovery serves a fixed worker list for non-orchestrated
// deployments. Its watch stream stays open but never emits.
type StaticDiscovery struct {
	workers []WorkerRef
}

// NewStaticDiscovery creates a discovery backend from worker ids.
func NewStaticDiscovery(ids []string) *StaticDiscovery {
	workers := make([]WorkerRef, 0, len(ids))
	for _, id := range ids {
		workers = append(workers, WorkerRef{ID: id, DPRank: NoDPRank})
	}
	return &StaticDiscovery{workers: workers}
}

// List returns the configured worker set.
func (d *StaticDiscovery) List(_ context.Context) ([]WorkerRef, error) {
	out := make([]WorkerRef, len(d.workers))
	copy(out, d.workers)
	return out, nil
}

// Watch returns a stream that closes on ctx cancellation.
func (d *StaticDiscovery) Watch(ctx context.Context) (<-chan Event, error) {
	ch := make(chan Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// KubeDiscovery discovers workers from ready pods matching a label
// selector, via a shared informer.
type KubeDiscovery struct {
	client        kubernetes.Interface
	namespace     string
	labelSelector string
}

// NewKubeDiscovery creates a Kubernetes-backed discovery source.
func NewKubeDiscovery(client kubernetes.Interface, namespace, labelSelector string) *KubeDiscovery {
	return &KubeDiscovery{
		client:        client,
		namespace:     namespace,
		labelSelector: labelSelector,
	}
}

// List returns WorkerRefs for all currently ready matching pods.
func (d *KubeDiscovery) List(ctx context.Context) ([]WorkerRef, error) {
	pods, err := d.client.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: d.labelSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods: %w", err)
	}

	var out []WorkerRef
	for i := range pods.Items {
		if podReady(&pods.Items[i]) {
			out = append(out, workerFromPod(&pods.Items[i]))
		}
	}
	return out, nil
}

// Watch starts a pod informer and translates pod lifecycle into worker
// add/remove events. A pod turning unready is a removal; turning ready
// again is an add.
func (d *KubeDiscovery) Watch(ctx context.Context) (<-chan Event, error) {
	factory := informers.NewSharedInformerFactoryWithOptions(d.client, 0,
		informers.WithNamespace(d.namespace),
		informers.WithTweakListOptions(func(o *metav1.ListOptions) {
			o.LabelSelector = d.labelSelector
		}),
	)

	ch := make(chan Event, 256)
	emit := func(ev Event) {
		select {
		case ch <- ev:
		case <-ctx.Done():
		}
	}

	informer := factory.Core().V1().Pods().Informer()
	_, err := informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj any) {
			if pod, ok := obj.(*corev1.Pod); ok && podReady(pod) {
				emit(Event{Kind: WorkerAdded, Worker: workerFromPod(pod)})
			}
		},
		UpdateFunc: func(oldObj, newObj any) {
			oldPod, okOld := oldObj.(*corev1.Pod)
			newPod, okNew := newObj.(*corev1.Pod)
			if !okOld || !okNew {
				return
			}
			wasReady, isReady := podReady(oldPod), podReady(newPod)
			switch {
			case !wasReady && isReady:
				emit(Event{Kind: WorkerAdded, Worker: workerFromPod(newPod)})
			case wasReady && !isReady:
				emit(Event{Kind: WorkerRemoved, Worker: workerFromPod(newPod)})
			}
		},
		DeleteFunc: func(obj any) {
			pod, ok := obj.(*corev1.Pod)
			if !ok {
				tombstone, ok := obj.(cache.DeletedFinalStateUnknown)
				if !ok {
					return
				}
				pod, ok = tombstone.Obj.(*corev1.Pod)
				if !ok {
					return
				}
			}
			emit(Event{Kind: WorkerRemoved, Worker: workerFromPod(pod)})
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register pod event handler: %w", err)
	}

	factory.Start(ctx.Done())
	go func() {
		<-ctx.Done()
		close(ch)
	}()

	return ch, nil
}

func workerFromPod(pod *corev1.Pod) WorkerRef {
	ref := WorkerRef{ID: pod.Name, DPRank: NoDPRank}
	if v, ok := pod.Annotations[DPRankAnnotation]; ok {
		if rank, err := strconv.Atoi(v); err == nil {
			ref.DPRank = rank
		}
	}
	return ref
}

func podReady(pod *corev1.Pod) bool {
	if pod.Status.Phase != corev1.PodRunning || pod.DeletionTimestamp != nil {
		return false
	}
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}
