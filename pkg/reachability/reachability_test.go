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

package reachability_test

import (
	"github.com/h2non/gock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/gridsync/pkg/logger"
	"github.com/united-manufacturing-hub/gridsync/pkg/reachability"
)

var _ = Describe("Endpoint reachability", func() {
	var log *zap.SugaredLogger

	BeforeEach(func() {
		log = logger.For("ReachabilityTest")
	})

	AfterEach(func() {
		gock.OffAll()
	})

	When("the signaling endpoint answers its health check", func() {
		It("reports it reachable and probes over HTTP", func() {
			gock.InterceptClient(reachability.Client(false))
			gock.New("http://signal.grid.local:4444").
				Get("/healthz").
				Reply(200).
				BodyString("ok")

			Expect(reachability.Check(false, "ws://signal.grid.local:4444/ws", log)).To(BeTrue())
		})
	})

	When("the endpoint answers with an error status", func() {
		It("reports it unreachable", func() {
			gock.InterceptClient(reachability.Client(false))
			gock.New("http://relay.grid.local:4445").
				Get("/healthz").
				Reply(503)

			Expect(reachability.Check(false, "ws://relay.grid.local:4445", log)).To(BeFalse())
		})
	})

	When("a TLS endpoint answers without a TLS handshake", func() {
		It("reports it unreachable", func() {
			gock.InterceptClient(reachability.Client(false))
			gock.New("https://relay.grid.local").
				Get("/healthz").
				Reply(200)

			Expect(reachability.Check(false, "wss://relay.grid.local/ws", log)).To(BeFalse())
		})
	})

	When("nothing listens on the endpoint", func() {
		It("reports it unreachable", func() {
			Expect(reachability.Check(true, "ws://127.0.0.1:1/ws", log)).To(BeFalse())
		})
	})

	When("the endpoint is not a usable URL", func() {
		It("reports it unreachable", func() {
			Expect(reachability.Check(true, "not a url", log)).To(BeFalse())
			Expect(reachability.Check(true, "ftp://example.com", log)).To(BeFalse())
		})
	})
})
