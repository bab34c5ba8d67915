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

package wsutil_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/gorilla/websocket"

	"github.com/united-manufacturing-hub/gridsync/pkg/protocol"
	"github.com/united-manufacturing-hub/gridsync/pkg/wsutil"
)

var _ = Describe("RoomURL", func() {
	It("should rewrite http to ws", func() {
		Expect(wsutil.RoomURL("http://signal.example:8081", "atlas")).
			To(Equal("ws://signal.example:8081/ws/atlas"))
	})

	It("should rewrite https to wss", func() {
		Expect(wsutil.RoomURL("https://signal.example", "atlas")).
			To(Equal("wss://signal.example/ws/atlas"))
	})

	It("should leave websocket schemes alone", func() {
		Expect(wsutil.RoomURL("wss://signal.example", "atlas")).
			To(Equal("wss://signal.example/ws/atlas"))
	})

	It("should default a bare host to ws", func() {
		Expect(wsutil.RoomURL("signal.example:8081", "atlas")).
			To(Equal("ws://signal.example:8081/ws/atlas"))
	})

	It("should tolerate a trailing slash", func() {
		Expect(wsutil.RoomURL("http://signal.example/", "atlas")).
			To(Equal("ws://signal.example/ws/atlas"))
	})
})

var _ = Describe("Handshake", func() {
	type helloResult struct {
		info protocol.PeerInfo
		err  error
	}

	var upgrader websocket.Upgrader

	// serveHello runs a one-connection server that answers the upgrade and
	// waits for the hello of the given room.
	serveHello := func(room string) (*httptest.Server, chan helloResult) {
		results := make(chan helloResult, 1)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				results <- helloResult{err: err}
				return
			}
			defer conn.Close()

			info, err := wsutil.AwaitHello(conn, room)
			results <- helloResult{info: info, err: err}

			// Hold the connection so the client side can keep writing
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}))

		return srv, results
	}

	It("should complete the hello handshake end to end", func() {
		srv, results := serveHello("atlas")
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// DialRoom gets the plain http URL, RoomURL inside rewrites it
		conn, err := wsutil.DialRoom(ctx, srv.URL, "atlas", protocol.PeerInfo{ID: "peer-1", DisplayName: "Ada"})
		Expect(err).ToNot(HaveOccurred())
		defer conn.Close()

		var got helloResult
		Eventually(results).Should(Receive(&got))
		Expect(got.err).ToNot(HaveOccurred())
		Expect(got.info.ID).To(Equal("peer-1"))
		Expect(got.info.DisplayName).To(Equal("Ada"))
	})

	It("should reject a hello for another room", func() {
		srv, results := serveHello("atlas")
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conn, err := wsutil.DialRoom(ctx, srv.URL, "borealis", protocol.PeerInfo{ID: "peer-1"})
		Expect(err).ToNot(HaveOccurred())
		defer conn.Close()

		var got helloResult
		Eventually(results).Should(Receive(&got))
		Expect(got.err).To(HaveOccurred())
		Expect(got.err.Error()).To(ContainSubstring("room"))
	})

	It("should carry frames written after the hello", func() {
		frames := make(chan protocol.Frame, 1)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer conn.Close()

			if _, err := wsutil.AwaitHello(conn, "atlas"); err != nil {
				return
			}
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			frame, err := protocol.Decode(raw)
			if err != nil {
				return
			}
			frames <- frame
		}))
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conn, err := wsutil.DialRoom(ctx, srv.URL, "atlas", protocol.PeerInfo{ID: "peer-1"})
		Expect(err).ToNot(HaveOccurred())
		defer conn.Close()

		Expect(wsutil.WriteFrame(conn, protocol.NewDocUpdateFrame("atlas", "peer-1", []byte("delta")))).To(Succeed())

		var got protocol.Frame
		Eventually(frames).Should(Receive(&got))
		Expect(got.Type).To(Equal(protocol.FrameTypeDocUpdate))
		Expect(got.From).To(Equal("peer-1"))
		Expect(got.Update).To(Equal([]byte("delta")))
	})
})
