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

package collector

import (
	"sync"
	"time"
)

// Sample is one adjustment interval's observed workload: how many
// requests arrived and the average shape and latency they saw.
type Sample struct {
	// Timestamp is the end of the interval the sample covers.
	Timestamp time.Time

	// RequestCount is the number of requests observed in the interval.
	RequestCount float64

	// AvgInputLen and AvgOutputLen are mean token counts per request.
	AvgInputLen  float64
	AvgOutputLen float64

	// AvgTTFT is the mean time to first token, in seconds.
	AvgTTFT float64

	// AvgITL is the mean inter-token latency, in seconds.
	AvgITL float64
}

// Window is a bounded FIFO of the most recent samples. It is the
// predictor's training set: appending beyond capacity drops the oldest
// sample. Safe for one writer and concurrent readers.
type Window struct {
	mu      sync.RWMutex
	samples []Sample
	cap     int
}

// NewWindow creates a window holding at most capacity samples.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		capacity = 1
	}
	return &Window{cap: capacity}
}

// Append adds a sample, evicting the oldest when full.
func (w *Window) Append(s Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples = append(w.samples, s)
	if len(w.samples) > w.cap {
		w.samples = w.samples[len(w.samples)-w.cap:]
	}
}

// Samples returns a copy of the window, oldest first.
func (w *Window) Samples() []Sample {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]Sample, len(w.samples))
	copy(out, w.samples)
	return out
}

// RequestCounts returns just the request-count series, oldest first.
func (w *Window) RequestCounts() []float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]float64, len(w.samples))
	for i, s := range w.samples {
		out[i] = s.RequestCount
	}
	return out
}

// Latest returns the most recent sample and whether one exists.
func (w *Window) Latest() (Sample, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.samples) == 0 {
		return Sample{}, false
	}
	return w.samples[len(w.samples)-1], true
}

// Len returns the current sample count.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.samples)
}
