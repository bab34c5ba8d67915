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

package transport_test

import (
	"context"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/gridsync/pkg/awareness"
	"github.com/united-manufacturing-hub/gridsync/pkg/crdt"
	"github.com/united-manufacturing-hub/gridsync/pkg/signalserver"
	"github.com/united-manufacturing-hub/gridsync/pkg/transport"
)

var _ = Describe("Primary", func() {
	var (
		srv       *signalserver.Server
		signalURL string
	)

	BeforeEach(func() {
		srv = signalserver.New(signalserver.Config{Addr: "127.0.0.1:0"})
		Expect(srv.Start()).To(Succeed())
		signalURL = "ws://" + srv.Addr()
	})

	AfterEach(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(srv.Shutdown(ctx)).To(Succeed())
	})

	newPrimary := func(room, participantID string, doc *crdt.Doc) *transport.Primary {
		tr, err := transport.NewPrimary(transport.Config{
			Room:          room,
			ParticipantID: participantID,
			DisplayName:   participantID,
			Doc:           doc,
			SignalingURL:  signalURL,
		})
		ExpectWithOffset(1, err).ToNot(HaveOccurred())
		tr.Awareness().SetLocalState(awareness.State{
			Identity: awareness.Identity{DisplayName: participantID, ColorToken: "crimson"},
		})
		return tr
	}

	connect := func(tr transport.Transport) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ExpectWithOffset(1, tr.Connect(ctx)).To(Succeed())
	}

	otherCount := func(tr transport.Transport) func() int {
		return func() int { return tr.Awareness().OtherCount() }
	}

	cell := func(doc *crdt.Doc, key string) func() string {
		return func() string {
			value, _ := doc.Map("cells").Get(key)
			return value
		}
	}

	It("reports connected once the signaling link is up", func() {
		tr := newPrimary("status-room", "part-status", crdt.NewDoc())
		defer tr.Destroy()

		var mu sync.Mutex
		var seen []transport.Status
		remove := tr.OnStatus(func(s transport.Status) {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		})
		defer remove()

		Expect(tr.Status()).To(Equal(transport.StatusConnecting))
		connect(tr)
		Expect(tr.Status()).To(Equal(transport.StatusConnected))

		mu.Lock()
		defer mu.Unlock()
		Expect(seen).To(Equal([]transport.Status{transport.StatusConnected}))
	})

	It("establishes peer presence between two participants", func() {
		a := newPrimary("presence-room", "part-a", crdt.NewDoc())
		defer a.Destroy()
		b := newPrimary("presence-room", "part-b", crdt.NewDoc())
		defer b.Destroy()

		connect(a)
		connect(b)

		Eventually(otherCount(a), "10s", "50ms").Should(Equal(1))
		Eventually(otherCount(b), "10s", "50ms").Should(Equal(1))
		Expect(a.Awareness().Others()).To(HaveKey("part-b"))
		Expect(b.Awareness().Others()).To(HaveKey("part-a"))
	})

	It("syncs edits across the mesh in both directions", func() {
		docA := crdt.NewDocWithNodeID("node-a")
		docB := crdt.NewDocWithNodeID("node-b")
		a := newPrimary("sync-room", "part-a", docA)
		defer a.Destroy()
		b := newPrimary("sync-room", "part-b", docB)
		defer b.Destroy()

		connect(a)
		connect(b)
		Eventually(otherCount(a), "10s", "50ms").Should(Equal(1))
		Eventually(otherCount(b), "10s", "50ms").Should(Equal(1))

		docA.Map("cells").Set("0:0", "alpha")
		Eventually(cell(docB, "0:0"), "5s", "50ms").Should(Equal("alpha"))

		docB.Map("cells").Set("4:2", "beta")
		Eventually(cell(docA, "4:2"), "5s", "50ms").Should(Equal("beta"))
	})

	It("hands the full document to a late joiner", func() {
		docA := crdt.NewDocWithNodeID("node-a")
		a := newPrimary("late-room", "part-a", docA)
		defer a.Destroy()
		docA.Map("cells").Set("1:1", "seeded")

		connect(a)

		docB := crdt.NewDocWithNodeID("node-b")
		b := newPrimary("late-room", "part-b", docB)
		defer b.Destroy()
		connect(b)

		Eventually(cell(docB, "1:1"), "10s", "50ms").Should(Equal("seeded"))
	})

	It("drops a leaving peer's presence", func() {
		a := newPrimary("leave-room", "part-a", crdt.NewDoc())
		defer a.Destroy()
		b := newPrimary("leave-room", "part-b", crdt.NewDoc())
		defer b.Destroy()

		connect(a)
		connect(b)
		Eventually(otherCount(a), "10s", "50ms").Should(Equal(1))

		b.Destroy()
		Eventually(otherCount(a), "10s", "50ms").Should(Equal(0))
	})

	It("rebuilds the mesh after a forced reconnect", func() {
		docA := crdt.NewDocWithNodeID("node-a")
		docB := crdt.NewDocWithNodeID("node-b")
		a := newPrimary("reconnect-room", "part-a", docA)
		defer a.Destroy()
		b := newPrimary("reconnect-room", "part-b", docB)
		defer b.Destroy()

		var mu sync.Mutex
		var seen []transport.Status
		a.OnStatus(func(s transport.Status) {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		})

		connect(a)
		connect(b)
		Eventually(otherCount(a), "10s", "50ms").Should(Equal(1))

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		Expect(a.Reconnect(ctx)).To(Succeed())

		Eventually(otherCount(a), "10s", "50ms").Should(Equal(1))
		docB.Map("cells").Set("2:2", "after")
		Eventually(cell(docA, "2:2"), "5s", "50ms").Should(Equal("after"))

		mu.Lock()
		defer mu.Unlock()
		Expect(seen).To(Equal([]transport.Status{
			transport.StatusConnected,
			transport.StatusConnecting,
			transport.StatusConnected,
		}))
	})

	It("reports disconnected when the signaling server is unreachable", func() {
		tr, err := transport.NewPrimary(transport.Config{
			Room:          "unreachable-room",
			ParticipantID: "part-x",
			Doc:           crdt.NewDoc(),
			SignalingURL:  "ws://127.0.0.1:1",
		})
		Expect(err).ToNot(HaveOccurred())
		defer tr.Destroy()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		Expect(tr.Connect(ctx)).ToNot(Succeed())
		Expect(tr.Status()).To(Equal(transport.StatusDisconnected))
	})

	It("rejects a config without a signaling url", func() {
		_, err := transport.NewPrimary(transport.Config{
			Room:          "any",
			ParticipantID: "part-x",
			Doc:           crdt.NewDoc(),
		})
		Expect(err).To(HaveOccurred())
	})
})
