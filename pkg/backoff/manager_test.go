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

package backoff_test

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/gridsync/pkg/backoff"
	"github.com/united-manufacturing-hub/gridsync/pkg/logger"
)

var _ = Describe("BackoffManager", func() {
	var manager *backoff.BackoffManager

	newManager := func(initial time.Duration, maxFailures int) *backoff.BackoffManager {
		config := backoff.DefaultConfig("test operation", logger.For("test"))
		config.InitialInterval = initial
		config.MaxConsecutiveFailures = maxFailures
		return backoff.NewBackoffManager(config)
	}

	It("should not skip a fresh manager", func() {
		manager = newManager(time.Hour, 3)

		Expect(manager.ShouldSkipOperation()).To(BeFalse())
		Expect(manager.IsPermanentlyFailed()).To(BeFalse())
		Expect(manager.GetLastError()).ToNot(HaveOccurred())
	})

	It("should suppress the operation for the backoff window after a failure", func() {
		manager = newManager(time.Hour, 3)

		manager.SetError(errors.New("disk unavailable")) //nolint:err113 // Test needs dynamic error

		Expect(manager.ShouldSkipOperation()).To(BeTrue())

		err := manager.GetBackoffError()
		Expect(backoff.IsTemporaryBackoffError(err)).To(BeTrue())
		Expect(backoff.IsPermanentFailureError(err)).To(BeFalse())
	})

	It("should allow the operation again once the window elapses", func() {
		manager = newManager(10*time.Millisecond, 5)

		manager.SetError(errors.New("disk unavailable")) //nolint:err113 // Test needs dynamic error
		Expect(manager.ShouldSkipOperation()).To(BeTrue())

		Eventually(manager.ShouldSkipOperation, "1s", "5ms").Should(BeFalse())
	})

	It("should escalate to a permanent failure after repeated errors", func() {
		manager = newManager(time.Millisecond, 3)

		for range 3 {
			manager.SetError(errors.New("disk unavailable")) //nolint:err113 // Test needs dynamic error
		}

		Expect(manager.IsPermanentlyFailed()).To(BeTrue())
		Expect(manager.ShouldSkipOperation()).To(BeTrue())

		err := manager.GetBackoffError()
		Expect(backoff.IsPermanentFailureError(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("disk unavailable"))
	})

	It("should recover fully after a reset", func() {
		manager = newManager(time.Hour, 2)

		manager.SetError(errors.New("disk unavailable")) //nolint:err113 // Test needs dynamic error
		manager.SetError(errors.New("disk unavailable")) //nolint:err113 // Test needs dynamic error
		Expect(manager.IsPermanentlyFailed()).To(BeTrue())

		manager.Reset()

		Expect(manager.ShouldSkipOperation()).To(BeFalse())
		Expect(manager.IsPermanentlyFailed()).To(BeFalse())
		Expect(manager.GetLastError()).ToNot(HaveOccurred())
	})

	It("should not back off on an ignored error", func() {
		manager = newManager(time.Hour, 3)

		ignored := backoff.NewIgnoredError(errors.New("server still starting")) //nolint:err113 // Test needs dynamic error
		manager.SetError(ignored)

		Expect(manager.ShouldSkipOperation()).To(BeFalse())
		Expect(manager.IsPermanentlyFailed()).To(BeFalse())
		Expect(manager.GetLastError()).ToNot(HaveOccurred())
	})

	It("should give up immediately on a permanent error", func() {
		manager = newManager(time.Hour, 10)

		permanent := backoff.NewPermanentError(errors.New("incompatible protocol")) //nolint:err113 // Test needs dynamic error
		manager.SetError(permanent)

		Expect(manager.IsPermanentlyFailed()).To(BeTrue())

		err := manager.GetBackoffError()
		Expect(backoff.IsPermanentFailureError(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("incompatible protocol"))
	})

	It("should treat uncategorized errors as transient", func() {
		manager = newManager(time.Hour, 3)

		manager.SetError(errors.New("disk unavailable")) //nolint:err113 // Test needs dynamic error

		Expect(backoff.IsTransientError(manager.GetLastError())).To(BeTrue())
		Expect(backoff.IsPermanentError(manager.GetLastError())).To(BeFalse())
		Expect(backoff.IsIgnoredError(manager.GetLastError())).To(BeFalse())
	})
})
