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

package session_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"

	"github.com/united-manufacturing-hub/gridsync/pkg/awareness"
	"github.com/united-manufacturing-hub/gridsync/pkg/crdt"
	"github.com/united-manufacturing-hub/gridsync/pkg/safejson"
	"github.com/united-manufacturing-hub/gridsync/pkg/session"
	"github.com/united-manufacturing-hub/gridsync/pkg/transport"
)

type fakeStore struct {
	ready chan struct{}
	doc   *crdt.Doc
}

func newFakeStore() *fakeStore {
	s := &fakeStore{ready: make(chan struct{}), doc: crdt.NewDoc()}
	close(s.ready)

	return s
}

func newPendingStore() *fakeStore {
	return &fakeStore{ready: make(chan struct{}), doc: crdt.NewDoc()}
}

func (s *fakeStore) Ready() <-chan struct{} { return s.ready }
func (s *fakeStore) Doc() *crdt.Doc         { return s.doc }

// fakeFactory builds FakeTransports and remembers what it built.
type fakeFactory struct {
	kind transport.Kind
	err  error

	mu    sync.Mutex
	built []*transport.FakeTransport
	cfgs  []transport.Config
}

func (f *fakeFactory) new(tc transport.Config) (transport.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}
	ft := transport.NewFakeTransport(f.kind, tc.ParticipantID)
	f.built = append(f.built, ft)
	f.cfgs = append(f.cfgs, tc)

	return ft, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.built)
}

func (f *fakeFactory) latest() *transport.FakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.built) == 0 {
		return nil
	}

	return f.built[len(f.built)-1]
}

func (f *fakeFactory) lastConfig() transport.Config {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.cfgs[len(f.cfgs)-1]
}

// recorder collects callback values without racing the session's goroutines.
type recorder[T any] struct {
	mu     sync.Mutex
	values []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.values = append(r.values, v)
}

func (r *recorder[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, len(r.values))
	copy(out, r.values)

	return out
}

func presenceFrame(id string) []byte {
	peer := awareness.New(id)
	defer peer.Destroy()
	peer.SetLocalState(awareness.State{Identity: awareness.Identity{DisplayName: id}})

	return peer.EncodeLocalFrame()
}

func seePeer(ft *transport.FakeTransport, id string) {
	ft.Awareness().ApplyRemote(presenceFrame(id))
}

func debugField(s *session.Session, path string) gjson.Result {
	return gjson.GetBytes(safejson.MustMarshal(s.GetDebugInfo()), path)
}

var _ = Describe("Session", func() {
	var (
		primaryFab  *fakeFactory
		fallbackFab *fakeFactory
	)

	BeforeEach(func() {
		primaryFab = &fakeFactory{kind: transport.KindPrimary}
		fallbackFab = &fakeFactory{kind: transport.KindFallback}
	})

	// quiet keeps the timers far away so specs only see what they trigger
	// themselves.
	quiet := func() session.Timings {
		return session.Timings{
			FallbackAfter:             5 * time.Second,
			ReconnectBase:             30 * time.Millisecond,
			ReconnectMax:              300 * time.Millisecond,
			HealthInterval:            5 * time.Second,
			HealthThreshold:           3,
			VisibilityExtraCheckDelay: 20 * time.Millisecond,
			FocusDwellThreshold:       80 * time.Millisecond,
		}
	}

	start := func(timings session.Timings) *session.Session {
		GinkgoHelper()
		s, err := session.Create(context.Background(), newFakeStore(), "grid-room", session.Config{
			DisplayName:     "tester",
			Timings:         timings,
			PrimaryFactory:  primaryFab.new,
			FallbackFactory: fallbackFab.new,
		})
		Expect(err).NotTo(HaveOccurred())

		return s
	}

	Describe("creation", func() {
		It("rejects a nil store", func() {
			_, err := session.Create(context.Background(), nil, "grid-room", session.Config{
				PrimaryFactory:  primaryFab.new,
				FallbackFactory: fallbackFab.new,
			})
			Expect(err).To(MatchError(ContainSubstring("store")))
		})

		It("rejects an empty room id", func() {
			_, err := session.Create(context.Background(), newFakeStore(), "", session.Config{
				PrimaryFactory:  primaryFab.new,
				FallbackFactory: fallbackFab.new,
			})
			Expect(err).To(MatchError(ContainSubstring("room")))
		})

		It("requires endpoints when no factories are injected", func() {
			_, err := session.Create(context.Background(), newFakeStore(), "grid-room", session.Config{})
			Expect(err).To(MatchError(ContainSubstring("signaling url")))

			_, err = session.Create(context.Background(), newFakeStore(), "grid-room", session.Config{
				SignalingURL: "ws://127.0.0.1:1/ws",
			})
			Expect(err).To(MatchError(ContainSubstring("relay url")))
		})

		It("waits for the store before building the transport", func() {
			store := newPendingStore()
			created := make(chan *session.Session, 1)

			go func() {
				defer GinkgoRecover()
				s, err := session.Create(context.Background(), store, "grid-room", session.Config{
					Timings:         quiet(),
					PrimaryFactory:  primaryFab.new,
					FallbackFactory: fallbackFab.new,
				})
				Expect(err).NotTo(HaveOccurred())
				created <- s
			}()

			Consistently(created, "200ms", "20ms").ShouldNot(Receive())
			Expect(primaryFab.count()).To(BeZero())

			close(store.ready)

			var s *session.Session
			Eventually(created, "2s", "20ms").Should(Receive(&s))
			defer s.Destroy()
			Expect(primaryFab.count()).To(Equal(1))
		})

		It("gives up when the context ends before the store is ready", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			_, err := session.Create(ctx, newPendingStore(), "grid-room", session.Config{
				PrimaryFactory:  primaryFab.new,
				FallbackFactory: fallbackFab.new,
			})
			Expect(err).To(MatchError(context.DeadlineExceeded))
			Expect(primaryFab.count()).To(BeZero())
		})

		It("derives a guest name when none is configured", func() {
			s, err := session.Create(context.Background(), newFakeStore(), "grid-room", session.Config{
				Timings:         quiet(),
				PrimaryFactory:  primaryFab.new,
				FallbackFactory: fallbackFab.new,
			})
			Expect(err).NotTo(HaveOccurred())
			defer s.Destroy()

			Expect(primaryFab.lastConfig().DisplayName).To(MatchRegexp(`^guest-[0-9a-f]{8}$`))
		})

		It("publishes a color identity for the local participant", func() {
			s := start(quiet())
			defer s.Destroy()

			aw := s.Awareness()
			Expect(aw).NotTo(BeNil())
			Eventually(func() string {
				state, ok := aw.LocalState()
				if !ok {
					return ""
				}

				return state.Identity.ColorToken
			}, "2s", "20ms").ShouldNot(BeEmpty())
		})
	})

	Describe("connection state", func() {
		It("starts connecting and reports connected once a participant is visible", func() {
			s := start(quiet())
			defer s.Destroy()

			var states recorder[session.State]
			unsub := s.OnConnectionChange(states.add)
			defer unsub()

			// The subscription delivers the current value synchronously.
			Expect(states.snapshot()).To(Equal([]session.State{session.StateConnecting}))

			seePeer(primaryFab.latest(), "peer-1")

			Eventually(s.State, "2s", "20ms").Should(Equal(session.StateConnected))
			Expect(states.snapshot()).To(Equal([]session.State{session.StateConnecting, session.StateConnected}))
			Expect(s.PeerCount()).To(Equal(1))
		})

		It("treats a live link without participants as still connecting", func() {
			s := start(quiet())
			defer s.Destroy()

			Eventually(primaryFab.latest().Status, "2s", "20ms").Should(Equal(transport.StatusConnected))
			Consistently(s.State, "300ms", "30ms").Should(Equal(session.StateConnecting))
		})

		It("stays connected when everyone else leaves", func() {
			s := start(quiet())
			defer s.Destroy()

			ft := primaryFab.latest()
			seePeer(ft, "peer-1")
			Eventually(s.State, "2s", "20ms").Should(Equal(session.StateConnected))

			ft.Awareness().RemoveRemote("peer-1")

			Eventually(s.PeerCount, "2s", "20ms").Should(BeZero())
			Consistently(s.State, "300ms", "30ms").Should(Equal(session.StateConnected))
		})

		It("walks connecting, connected, disconnected, connected through a drop and recovery", func() {
			s := start(quiet())
			defer s.Destroy()

			var states recorder[session.State]
			unsub := s.OnConnectionChange(states.add)
			defer unsub()

			ft := primaryFab.latest()
			seePeer(ft, "peer-1")
			Eventually(s.State, "2s", "20ms").Should(Equal(session.StateConnected))

			ft.SetStatus(transport.StatusDisconnected)
			Eventually(s.State, "2s", "20ms").Should(Equal(session.StateDisconnected))

			// The controller redials on its own; presence coming back is what
			// flips the state, not the link.
			Eventually(func() session.State {
				seePeer(ft, "peer-1")

				return s.State()
			}, "2s", "20ms").Should(Equal(session.StateConnected))

			Expect(states.snapshot()).To(Equal([]session.State{
				session.StateConnecting,
				session.StateConnected,
				session.StateDisconnected,
				session.StateConnected,
			}))
		})
	})

	Describe("reconnection backoff", func() {
		It("keeps retrying while the link stays down and goes quiet after recovery", func() {
			s := start(quiet())
			defer s.Destroy()

			ft := primaryFab.latest()
			seePeer(ft, "peer-1")
			Eventually(s.State, "2s", "20ms").Should(Equal(session.StateConnected))

			ft.FailConnects(errors.New("dial refused"))
			ft.SetStatus(transport.StatusDisconnected)

			Eventually(ft.ReconnectCalls, "3s", "20ms").Should(BeNumerically(">=", 3))
			Expect(debugField(s, "reconnect_attempts").Int()).To(BeNumerically(">=", 3))

			ft.FailConnects(nil)
			Eventually(func() session.State {
				seePeer(ft, "peer-1")

				return s.State()
			}, "3s", "20ms").Should(Equal(session.StateConnected))

			// Recovery resets the curve and cancels the pending attempt.
			Eventually(func() int64 { return debugField(s, "reconnect_attempts").Int() }, "2s", "20ms").Should(BeZero())
			calls := ft.ReconnectCalls()
			Consistently(ft.ReconnectCalls, "400ms", "40ms").Should(Equal(calls))
		})

		It("resets the backoff curve on a manual reconnect", func() {
			s := start(quiet())
			defer s.Destroy()

			ft := primaryFab.latest()
			seePeer(ft, "peer-1")
			Eventually(s.State, "2s", "20ms").Should(Equal(session.StateConnected))

			ft.FailConnects(errors.New("dial refused"))
			ft.SetStatus(transport.StatusDisconnected)
			Eventually(func() int64 { return debugField(s, "reconnect_attempts").Int() }, "3s", "20ms").Should(BeNumerically(">=", 2))

			s.Reconnect()

			// Attempts only ever grow between resets, so observing a smaller
			// number proves the manual reset took effect.
			Eventually(func() int64 { return debugField(s, "reconnect_attempts").Int() }, "2s", "20ms").Should(BeNumerically("<=", 1))
		})
	})

	Describe("fallback", func() {
		It("switches to the relay when nobody shows up in time", func() {
			timings := quiet()
			timings.FallbackAfter = 120 * time.Millisecond

			var kinds recorder[transport.Kind]
			var primaryGoneFirst recorder[bool]
			s, err := session.Create(context.Background(), newFakeStore(), "grid-room", session.Config{
				DisplayName:    "tester",
				Timings:        timings,
				PrimaryFactory: primaryFab.new,
				FallbackFactory: func(tc transport.Config) (transport.Transport, error) {
					primaryGoneFirst.add(primaryFab.latest().Destroyed())

					return fallbackFab.new(tc)
				},
			})
			Expect(err).NotTo(HaveOccurred())
			defer s.Destroy()

			unsub := s.OnTransportChange(kinds.add)
			defer unsub()

			Eventually(fallbackFab.count, "2s", "20ms").Should(Equal(1))
			Eventually(s.TransportKind, "2s", "20ms").Should(Equal(transport.KindFallback))

			Expect(primaryGoneFirst.snapshot()).To(Equal([]bool{true}))
			Expect(kinds.snapshot()).To(Equal([]transport.Kind{transport.KindPrimary, transport.KindFallback}))
		})

		It("hands the same identity to both transports", func() {
			timings := quiet()
			timings.FallbackAfter = 100 * time.Millisecond

			s := start(timings)
			defer s.Destroy()

			Eventually(fallbackFab.count, "2s", "20ms").Should(Equal(1))

			Expect(fallbackFab.lastConfig().ParticipantID).To(Equal(primaryFab.lastConfig().ParticipantID))
			Expect(fallbackFab.lastConfig().Room).To(Equal(primaryFab.lastConfig().Room))
			Expect(fallbackFab.lastConfig().DisplayName).To(Equal("tester"))
		})

		It("never falls back once a participant was seen", func() {
			timings := quiet()
			timings.FallbackAfter = 100 * time.Millisecond

			s := start(timings)
			defer s.Destroy()

			ft := primaryFab.latest()
			seePeer(ft, "peer-1")
			Eventually(s.State, "2s", "20ms").Should(Equal(session.StateConnected))

			ft.Awareness().RemoveRemote("peer-1")

			// Even with the room empty again the switch stays off for good.
			Consistently(fallbackFab.count, "400ms", "40ms").Should(BeZero())
			Expect(s.TransportKind()).To(Equal(transport.KindPrimary))
		})

		It("stays on the relay even when it is empty too", func() {
			timings := quiet()
			timings.FallbackAfter = 80 * time.Millisecond

			s := start(timings)
			defer s.Destroy()

			Eventually(fallbackFab.count, "2s", "20ms").Should(Equal(1))
			Consistently(fallbackFab.count, "400ms", "40ms").Should(Equal(1))
			Expect(s.TransportKind()).To(Equal(transport.KindFallback))
		})

		It("absorbs a fallback construction failure instead of surfacing it", func() {
			timings := quiet()
			timings.FallbackAfter = 80 * time.Millisecond
			fallbackFab.err = errors.New("relay unavailable")

			s := start(timings)
			defer s.Destroy()

			Eventually(func() bool { return primaryFab.latest().Destroyed() }, "2s", "20ms").Should(BeTrue())
			Consistently(s.TransportKind, "300ms", "30ms").Should(Equal(transport.KindPrimary))
			Expect(s.Awareness()).To(BeNil())
		})
	})

	Describe("health checking", func() {
		It("forces a reconnect after three empty probes on a connected session", func() {
			timings := quiet()
			timings.HealthInterval = 80 * time.Millisecond

			s := start(timings)
			defer s.Destroy()

			ft := primaryFab.latest()
			seePeer(ft, "peer-1")
			Eventually(s.State, "2s", "20ms").Should(Equal(session.StateConnected))
			ft.Awareness().RemoveRemote("peer-1")
			Eventually(s.PeerCount, "2s", "20ms").Should(BeZero())

			// One or two empty probes are not enough.
			Consistently(ft.ReconnectCalls, "100ms", "20ms").Should(BeZero())
			Eventually(ft.ReconnectCalls, "2s", "20ms").Should(BeNumerically(">=", 1))
		})

		It("leaves sessions with visible peers alone", func() {
			timings := quiet()
			timings.HealthInterval = 60 * time.Millisecond

			s := start(timings)
			defer s.Destroy()

			ft := primaryFab.latest()
			seePeer(ft, "peer-1")
			Eventually(s.State, "2s", "20ms").Should(Equal(session.StateConnected))

			Consistently(ft.ReconnectCalls, "500ms", "50ms").Should(BeZero())
		})

		It("does not probe a session that never connected", func() {
			timings := quiet()
			timings.HealthInterval = 60 * time.Millisecond

			s := start(timings)
			defer s.Destroy()

			Eventually(primaryFab.latest().Status, "2s", "20ms").Should(Equal(transport.StatusConnected))
			Consistently(primaryFab.latest().ReconnectCalls, "500ms", "50ms").Should(BeZero())
			Expect(s.State()).To(Equal(session.StateConnecting))
		})
	})

	Describe("environment signals", func() {
		var (
			s  *session.Session
			ft *transport.FakeTransport
		)

		BeforeEach(func() {
			s = start(quiet())
			ft = primaryFab.latest()
			seePeer(ft, "peer-1")
			Eventually(s.State, "2s", "20ms").Should(Equal(session.StateConnected))
		})

		AfterEach(func() {
			s.Destroy()
		})

		It("reconnects when the network comes back and only observes it going away", func() {
			s.Env().NotifyOnline(false)
			Consistently(ft.ReconnectCalls, "200ms", "20ms").Should(BeZero())

			s.Env().NotifyOnline(true)
			Eventually(ft.ReconnectCalls, "2s", "20ms").Should(Equal(1))
		})

		It("reconnects when the app becomes visible after having been hidden", func() {
			s.Env().NotifyVisibility(true)
			Consistently(ft.ReconnectCalls, "200ms", "20ms").Should(BeZero())

			s.Env().NotifyVisibility(false)
			Consistently(ft.ReconnectCalls, "200ms", "20ms").Should(BeZero())

			s.Env().NotifyVisibility(true)
			Eventually(ft.ReconnectCalls, "2s", "20ms").Should(Equal(1))
		})

		It("ignores brief focus flaps", func() {
			s.Env().NotifyFocus(false)
			time.Sleep(20 * time.Millisecond)
			s.Env().NotifyFocus(true)

			Consistently(ft.ReconnectCalls, "300ms", "30ms").Should(BeZero())
		})

		It("reconnects after a long unfocused spell", func() {
			s.Env().NotifyFocus(false)
			time.Sleep(120 * time.Millisecond)
			s.Env().NotifyFocus(true)

			Eventually(ft.ReconnectCalls, "2s", "20ms").Should(Equal(1))
		})

		It("reconnects after restoration from a freeze", func() {
			s.Env().NotifyRestored()
			Eventually(ft.ReconnectCalls, "2s", "20ms").Should(Equal(1))
		})
	})

	Describe("destroy", func() {
		It("is idempotent and silences every callback", func() {
			s := start(quiet())

			var states recorder[session.State]
			var counts recorder[int]
			s.OnConnectionChange(states.add)
			s.OnPeerCountChange(counts.add)

			ft := primaryFab.latest()
			seePeer(ft, "peer-1")
			Eventually(s.State, "2s", "20ms").Should(Equal(session.StateConnected))

			s.Destroy()
			s.Destroy()

			Expect(ft.Destroyed()).To(BeTrue())
			Expect(s.Awareness()).To(BeNil())

			statesBefore := states.snapshot()
			countsBefore := counts.snapshot()
			reconnectsBefore := ft.ReconnectCalls()

			// Nothing that happens afterwards reaches the consumer.
			ft.SetStatus(transport.StatusDisconnected)
			s.Reconnect()
			s.Env().NotifyOnline(true)
			s.Env().NotifyRestored()

			Consistently(func() []session.State { return states.snapshot() }, "300ms", "30ms").Should(Equal(statesBefore))
			Expect(counts.snapshot()).To(Equal(countsBefore))
			Expect(ft.ReconnectCalls()).To(Equal(reconnectsBefore))
		})

		It("registers no late subscriptions", func() {
			s := start(quiet())
			s.Destroy()

			called := false
			unsub := s.OnConnectionChange(func(session.State) { called = true })
			unsub()

			Expect(called).To(BeFalse())
		})
	})

	Describe("debug info", func() {
		It("exposes the session through the debug provider", func() {
			s := start(quiet())
			defer s.Destroy()

			seePeer(primaryFab.latest(), "peer-1")
			Eventually(s.State, "2s", "20ms").Should(Equal(session.StateConnected))

			Expect(debugField(s, "room").String()).To(Equal("grid-room"))
			Expect(debugField(s, "participant_id").String()).To(Equal(s.ParticipantID()))
			Expect(debugField(s, "state").String()).To(Equal("connected"))
			Expect(debugField(s, "transport").String()).To(Equal("primary"))
			Expect(debugField(s, "peers").Int()).To(Equal(int64(1)))
			Expect(debugField(s, "peer_names.0").String()).To(Equal("peer-1"))
		})
	})
})
