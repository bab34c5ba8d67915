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

package awareness_test

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/united-manufacturing-hub/gridsync/pkg/awareness"
)

// changeLog collects awareness changes thread-safely for assertions.
type changeLog struct {
	mu      sync.Mutex
	changes []awareness.Change
}

func (l *changeLog) record(c awareness.Change) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.changes = append(l.changes, c)
}

func (l *changeLog) all() []awareness.Change {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]awareness.Change, len(l.changes))
	copy(out, l.changes)

	return out
}

func (l *changeLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.changes)
}

var _ = Describe("Awareness", func() {
	var aw *awareness.Awareness

	BeforeEach(func() {
		aw = awareness.NewWithTTL("local-1", time.Second)
	})

	AfterEach(func() {
		aw.Destroy()
	})

	Context("local state", func() {
		It("round-trips the local record", func() {
			aw.SetLocalState(awareness.State{
				Identity: awareness.Identity{DisplayName: "ada", ColorToken: "#F44336"},
				Pointer:  &awareness.PositionMarker{Row: 2, Col: 3},
			})

			state, ok := aw.LocalState()
			Expect(ok).To(BeTrue())
			Expect(state.Identity.DisplayName).To(Equal("ada"))
			Expect(state.Pointer).To(Equal(&awareness.PositionMarker{Row: 2, Col: 3}))
		})

		It("isolates snapshots from live state", func() {
			pointer := &awareness.PositionMarker{Row: 1, Col: 1}
			aw.SetLocalState(awareness.State{
				Identity: awareness.Identity{DisplayName: "ada"},
				Pointer:  pointer,
			})

			// Mutating the input after the call must not leak in
			pointer.Row = 99

			state, _ := aw.LocalState()
			Expect(state.Pointer.Row).To(Equal(1))

			// Mutating a returned snapshot must not leak back
			state.Pointer.Col = 42

			again, _ := aw.LocalState()
			Expect(again.Pointer.Col).To(Equal(1))
		})

		It("reports absence before the first set", func() {
			_, ok := aw.LocalState()
			Expect(ok).To(BeFalse())
		})
	})

	Context("remote frames", func() {
		It("adds and updates remote participants", func() {
			log := &changeLog{}
			stop := aw.OnChange(log.record)
			defer stop()

			aw.ApplyRemote([]byte(`{"participant_id":"peer-1","state":{"identity":{"display_name":"bob","color_token":"#2196F3"}}}`))

			Expect(aw.OtherCount()).To(Equal(1))
			Expect(log.all()).To(HaveLen(1))
			Expect(log.all()[0].Added).To(Equal([]string{"peer-1"}))

			aw.ApplyRemote([]byte(`{"participant_id":"peer-1","state":{"identity":{"display_name":"bob","color_token":"#4CAF50"}}}`))

			others := aw.Others()
			Expect(others["peer-1"].Identity.ColorToken).To(Equal("#4CAF50"))
			Expect(log.all()[1].Updated).To(Equal([]string{"peer-1"}))
		})

		It("removes a participant on a null state", func() {
			aw.ApplyRemote([]byte(`{"participant_id":"peer-1","state":{"identity":{"display_name":"bob"}}}`))
			Expect(aw.OtherCount()).To(Equal(1))

			aw.ApplyRemote([]byte(`{"participant_id":"peer-1","state":null}`))
			Expect(aw.OtherCount()).To(Equal(0))
		})

		It("treats malformed frames as absent", func() {
			aw.ApplyRemote([]byte(`not json at all`))
			aw.ApplyRemote([]byte(`{"no_participant":"x"}`))
			aw.ApplyRemote([]byte(`{"participant_id":"peer-1"}`))
			aw.ApplyRemote([]byte(`{"participant_id":"peer-1","state":{"identity":"should be an object"}}`))

			Expect(aw.OtherCount()).To(Equal(0))
		})

		It("ignores frames echoing the local id", func() {
			aw.ApplyRemote([]byte(`{"participant_id":"local-1","state":{"identity":{"display_name":"me"}}}`))

			Expect(aw.OtherCount()).To(Equal(0))
		})
	})

	Context("liveness", func() {
		It("culls remotes that stop republishing", func() {
			short := awareness.NewWithTTL("local-2", 80*time.Millisecond)
			defer short.Destroy()

			log := &changeLog{}
			stop := short.OnChange(log.record)
			defer stop()

			short.ApplyRemote([]byte(`{"participant_id":"peer-1","state":{"identity":{"display_name":"bob"}}}`))
			Expect(short.OtherCount()).To(Equal(1))

			Eventually(short.OtherCount, time.Second, 10*time.Millisecond).Should(Equal(0))

			var removed []string
			for _, c := range log.all() {
				removed = append(removed, c.Removed...)
			}
			Expect(removed).To(ContainElement("peer-1"))
		})

		It("keeps remotes alive while they republish", func() {
			short := awareness.NewWithTTL("local-3", 120*time.Millisecond)
			defer short.Destroy()

			frame := []byte(`{"participant_id":"peer-1","state":{"identity":{"display_name":"bob"}}}`)
			short.ApplyRemote(frame)

			// Republish well within the TTL a few times
			for range 4 {
				time.Sleep(40 * time.Millisecond)
				short.ApplyRemote(frame)
				Expect(short.OtherCount()).To(Equal(1))
			}
		})
	})

	Context("publication", func() {
		It("publishes local state through the registered publisher", func() {
			var frames [][]byte

			aw.SetPublisher(func(frame []byte) {
				frames = append(frames, frame)
			})

			aw.SetLocalState(awareness.State{Identity: awareness.Identity{DisplayName: "ada", ColorToken: "#F44336"}})

			Expect(frames).To(HaveLen(1))

			// A second instance must understand the published frame
			peer := awareness.NewWithTTL("peer-9", time.Second)
			defer peer.Destroy()

			peer.ApplyRemote(frames[0])
			Expect(peer.OtherCount()).To(Equal(1))
			Expect(peer.Others()["local-1"].Identity.DisplayName).To(Equal("ada"))
		})

		It("announces departure with a leave frame", func() {
			peer := awareness.NewWithTTL("peer-9", time.Second)
			defer peer.Destroy()

			aw.SetLocalState(awareness.State{Identity: awareness.Identity{DisplayName: "ada"}})
			peer.ApplyRemote(aw.EncodeLocalFrame())
			Expect(peer.OtherCount()).To(Equal(1))

			peer.ApplyRemote(aw.LeaveFrame())
			Expect(peer.OtherCount()).To(Equal(0))
		})
	})

	Context("destroy", func() {
		It("stays silent after destroy", func() {
			log := &changeLog{}
			aw.OnChange(log.record)

			aw.Destroy()

			aw.SetLocalState(awareness.State{Identity: awareness.Identity{DisplayName: "ghost"}})
			aw.ApplyRemote([]byte(`{"participant_id":"peer-1","state":{"identity":{"display_name":"bob"}}}`))

			Expect(log.count()).To(Equal(0))
			Expect(aw.OtherCount()).To(Equal(0))
		})

		It("tolerates repeated destroy", func() {
			aw.Destroy()
			Expect(aw.Destroy).NotTo(Panic())
		})
	})
})
