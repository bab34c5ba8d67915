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

package crdt_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/gridsync/pkg/crdt"
)

var _ = Describe("Doc", func() {
	var doc *crdt.Doc

	BeforeEach(func() {
		doc = crdt.NewDoc()
	})

	Context("local writes", func() {
		It("stores and returns values", func() {
			m := doc.Map("gridsync")
			Expect(m.Name()).To(Equal("gridsync"))

			m.Set("title", "sunday puzzle")

			value, ok := m.Get("title")
			Expect(ok).To(BeTrue())
			Expect(value).To(Equal("sunday puzzle"))
		})

		It("returns absence for unknown keys", func() {
			_, ok := doc.Map("gridsync").Get("missing")
			Expect(ok).To(BeFalse())
		})

		It("lists keys in sorted order", func() {
			m := doc.Map("gridsync")
			m.Set("c", "3")
			m.Set("a", "1")
			m.Set("b", "2")

			Expect(m.Keys()).To(Equal([]string{"a", "b", "c"}))
			Expect(m.Len()).To(Equal(3))
		})

		It("publishes local writes with the local origin", func() {
			var origins []any

			unsubscribe := doc.OnUpdate(func(update []byte, origin any) {
				origins = append(origins, origin)
			})
			defer unsubscribe()

			doc.Map("gridsync").Set("k", "v")

			Expect(origins).To(HaveLen(1))
			Expect(origins[0]).To(BeIdenticalTo(crdt.OriginLocal))
		})
	})

	Context("update replication", func() {
		It("carries a write from one replica to another", func() {
			remote := crdt.NewDoc()

			var captured [][]byte

			unsubscribe := doc.OnUpdate(func(update []byte, origin any) {
				captured = append(captured, update)
			})
			defer unsubscribe()

			doc.Map("gridsync").Set("title", "shared")

			Expect(captured).To(HaveLen(1))
			Expect(remote.ApplyUpdate(captured[0], "transport-a")).To(Succeed())

			value, ok := remote.Map("gridsync").Get("title")
			Expect(ok).To(BeTrue())
			Expect(value).To(Equal("shared"))
		})

		It("passes the applying origin through to handlers", func() {
			remote := crdt.NewDoc()

			var captured [][]byte

			doc.OnUpdate(func(update []byte, origin any) {
				captured = append(captured, update)
			})
			doc.Map("gridsync").Set("k", "v")

			var seenOrigin any

			remote.OnUpdate(func(update []byte, origin any) {
				seenOrigin = origin
			})

			marker := &struct{ name string }{name: "transport"}
			Expect(remote.ApplyUpdate(captured[0], marker)).To(Succeed())
			Expect(seenOrigin).To(BeIdenticalTo(marker))
		})

		It("is idempotent, replays stay silent", func() {
			remote := crdt.NewDoc()

			var captured [][]byte

			doc.OnUpdate(func(update []byte, origin any) {
				captured = append(captured, update)
			})
			doc.Map("gridsync").Set("k", "v")

			applied := 0

			remote.OnUpdate(func(update []byte, origin any) {
				applied++
			})

			Expect(remote.ApplyUpdate(captured[0], nil)).To(Succeed())
			Expect(remote.ApplyUpdate(captured[0], nil)).To(Succeed())
			Expect(remote.ApplyUpdate(captured[0], nil)).To(Succeed())

			Expect(applied).To(Equal(1))

			value, _ := remote.Map("gridsync").Get("k")
			Expect(value).To(Equal("v"))
		})

		It("commutes, any application order converges", func() {
			writer := crdt.NewDoc()

			var updates [][]byte

			writer.OnUpdate(func(update []byte, origin any) {
				updates = append(updates, update)
			})

			m := writer.Map("gridsync")
			m.Set("a", "1")
			m.Set("b", "2")
			m.Set("a", "3")

			forward := crdt.NewDoc()
			for _, u := range updates {
				Expect(forward.ApplyUpdate(u, nil)).To(Succeed())
			}

			backward := crdt.NewDoc()
			for i := len(updates) - 1; i >= 0; i-- {
				Expect(backward.ApplyUpdate(updates[i], nil)).To(Succeed())
			}

			for _, key := range []string{"a", "b"} {
				fv, _ := forward.Map("gridsync").Get(key)
				bv, _ := backward.Map("gridsync").Get(key)
				Expect(fv).To(Equal(bv))
			}

			av, _ := forward.Map("gridsync").Get("a")
			Expect(av).To(Equal("3"))
		})

		It("breaks timestamp ties by node id on every replica", func() {
			low := crdt.NewDocWithNodeID("aaaa")
			high := crdt.NewDocWithNodeID("zzzz")

			var fromLow, fromHigh []byte

			low.OnUpdate(func(update []byte, origin any) { fromLow = update })
			high.OnUpdate(func(update []byte, origin any) { fromHigh = update })

			// Both replicas write the same key at the same logical time
			low.Map("gridsync").Set("winner", "low")
			high.Map("gridsync").Set("winner", "high")

			Expect(low.ApplyUpdate(fromHigh, nil)).To(Succeed())
			Expect(high.ApplyUpdate(fromLow, nil)).To(Succeed())

			lv, _ := low.Map("gridsync").Get("winner")
			hv, _ := high.Map("gridsync").Get("winner")
			Expect(lv).To(Equal("high"))
			Expect(hv).To(Equal("high"))
		})
	})

	Context("state encoding", func() {
		It("reconstructs a document from its encoded state", func() {
			m := doc.Map("gridsync")
			m.Set("title", "grid")
			m.Set("rows", "5")
			doc.Map("meta").Set("owner", "host")

			fresh := crdt.NewDoc()
			Expect(fresh.ApplyUpdate(doc.EncodeState(), nil)).To(Succeed())

			title, _ := fresh.Map("gridsync").Get("title")
			rows, _ := fresh.Map("gridsync").Get("rows")
			owner, _ := fresh.Map("meta").Get("owner")
			Expect(title).To(Equal("grid"))
			Expect(rows).To(Equal("5"))
			Expect(owner).To(Equal("host"))
		})
	})

	Context("subscriptions", func() {
		It("stops delivering after unsubscribe", func() {
			calls := 0
			unsubscribe := doc.OnUpdate(func(update []byte, origin any) {
				calls++
			})

			doc.Map("gridsync").Set("k", "1")
			unsubscribe()
			doc.Map("gridsync").Set("k", "2")

			Expect(calls).To(Equal(1))
		})

		It("notifies map subscribers for local and remote changes", func() {
			remote := crdt.NewDoc()

			var captured []byte

			remote.OnUpdate(func(update []byte, origin any) {})
			doc.OnUpdate(func(update []byte, origin any) { captured = update })

			type change struct{ key, value string }

			var changes []change

			stop := remote.Map("gridsync").Subscribe(func(key, value string) {
				changes = append(changes, change{key: key, value: value})
			})
			defer stop()

			remote.Map("gridsync").Set("local", "x")

			doc.Map("gridsync").Set("remote", "y")
			Expect(remote.ApplyUpdate(captured, nil)).To(Succeed())

			// A replayed update changes nothing and must stay silent
			Expect(remote.ApplyUpdate(captured, nil)).To(Succeed())

			Expect(changes).To(Equal([]change{
				{key: "local", value: "x"},
				{key: "remote", value: "y"},
			}))
		})
	})

	Context("compaction", func() {
		It("folds a backlog into one equivalent update", func() {
			writer := crdt.NewDoc()

			var backlog [][]byte

			writer.OnUpdate(func(update []byte, origin any) {
				backlog = append(backlog, update)
			})

			m := writer.Map("gridsync")
			for range 50 {
				m.Set("cell", "v")
			}
			m.Set("cell", "final")
			m.Set("other", "kept")

			compacted, err := crdt.CompactUpdates(backlog)
			Expect(err).ToNot(HaveOccurred())

			joiner := crdt.NewDoc()
			Expect(joiner.ApplyUpdate(compacted, nil)).To(Succeed())

			cell, _ := joiner.Map("gridsync").Get("cell")
			other, _ := joiner.Map("gridsync").Get("other")
			Expect(cell).To(Equal("final"))
			Expect(other).To(Equal("kept"))
		})

		It("rejects corrupt backlog entries", func() {
			_, err := crdt.CompactUpdates([][]byte{[]byte("not json")})
			Expect(err).To(HaveOccurred())
		})
	})

	Context("malformed updates", func() {
		It("rejects updates that fail to decode", func() {
			Expect(doc.ApplyUpdate([]byte("garbage"), nil)).ToNot(Succeed())
		})
	})
})
