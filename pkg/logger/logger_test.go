// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap/zapcore"

	"github.com/united-manufacturing-hub/gridsync/pkg/logger"
)

var _ = Describe("Logger", func() {
	Describe("New", func() {
		It("should honor the configured level", func() {
			verbose := logger.New("DEBUG", logger.FormatJSON)
			Expect(verbose.Core().Enabled(zapcore.DebugLevel)).To(BeTrue())

			quiet := logger.New("ERROR", logger.FormatJSON)
			Expect(quiet.Core().Enabled(zapcore.DebugLevel)).To(BeFalse())
			Expect(quiet.Core().Enabled(zapcore.ErrorLevel)).To(BeTrue())
		})

		It("should fall back to info on unknown levels", func() {
			log := logger.New("verbose-please", logger.FormatConsole)
			Expect(log.Core().Enabled(zapcore.DebugLevel)).To(BeFalse())
			Expect(log.Core().Enabled(zapcore.InfoLevel)).To(BeTrue())
		})

		It("should treat the production alias as info", func() {
			log := logger.New("PRODUCTION", logger.FormatJSON)
			Expect(log.Core().Enabled(zapcore.InfoLevel)).To(BeTrue())
			Expect(log.Core().Enabled(zapcore.DebugLevel)).To(BeFalse())
		})
	})

	Describe("global accessors", func() {
		It("should hand out initialized loggers", func() {
			Expect(logger.GetLogger()).NotTo(BeNil())
			Expect(logger.GetSugaredLogger()).NotTo(BeNil())
			Expect(logger.For(logger.ComponentSession)).NotTo(BeNil())
		})

		It("should survive a sync", func() {
			// Sync on stdout may legitimately fail on some platforms, only
			// the call itself must be safe
			Expect(func() { _ = logger.Sync() }).NotTo(Panic())
		})
	})
})
