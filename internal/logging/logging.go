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

// Package logging configures the process-wide logger.
//
// All components log through logr backed by zap, wired via
// controller-runtime so that ctrl.Log and ctrl.LoggerFrom(ctx) work
// uniformly across the control plane.
package logging

import (
	"strings"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

// Verbosity levels used with logger.V(...). INFO is the default level;
// DEBUG and TRACE map to increasingly negative zap levels.
const (
	INFO  = 0
	DEBUG = 1
	TRACE = 2
)

// Setup installs the global logger. level is one of "info", "debug",
// "trace" (case-insensitive); anything else falls back to info.
// development enables console encoding with stack traces.
func Setup(level string, development bool) logr.Logger {
	v := INFO
	switch strings.ToLower(level) {
	case "debug":
		v = DEBUG
	case "trace":
		v = TRACE
	}

	logger := zap.New(
		zap.UseDevMode(development),
		zap.Level(zapcore.Level(-v)), //nolint:gosec // verbosity is 0..2
	)
	ctrl.SetLogger(logger)
	return logger
}

// NewTestLogger installs a development-mode logger at TRACE verbosity.
// Intended for test suites.
func NewTestLogger() logr.Logger {
	logger := zap.New(
		zap.UseDevMode(true),
		zap.Level(zapcore.Level(-TRACE)),
	)
	ctrl.SetLogger(logger)
	return logger
}
