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

// Package relayserver implements the fallback transport endpoint. Unlike
// the signaling server it moves payload: document updates and presence
// frames of a room are fanned out between all connected clients, updates
// are buffered so late joiners catch up, and the backlog is folded into a
// snapshot once it grows past the compaction threshold. A redis bridge
// spreads rooms across relay instances and a postgres archive carries
// snapshots across restarts; both are optional.
package relayserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/gridsync/pkg/constants"
	"github.com/united-manufacturing-hub/gridsync/pkg/logger"
	"github.com/united-manufacturing-hub/gridsync/pkg/metrics"
	"github.com/united-manufacturing-hub/gridsync/pkg/sentry"
	"github.com/united-manufacturing-hub/gridsync/pkg/wsutil"
)

const serverName = "relay"

// Config holds the relay server settings.
type Config struct {
	// Addr is the listen address. Empty means ":4445".
	Addr string
	// RedisAddr enables the cross-instance bridge when set.
	RedisAddr string
	// PostgresURL enables the snapshot archive when set.
	PostgresURL string
	// Logger overrides the default component logger. Mainly used by tests.
	Logger *zap.SugaredLogger
}

// Server is the relay server. Create it with New, bring it up with Start and
// tear it down with Shutdown.
type Server struct {
	logger       *zap.SugaredLogger
	hubs         map[string]*hub
	mu           sync.Mutex
	bridge       *bridge
	archive      *archive
	httpSrv      *http.Server
	listener     net.Listener
	upgrader     websocket.Upgrader
	shutdownOnce sync.Once
}

// New builds a stopped server and connects the optional redis bridge and
// postgres archive. Start must be called before clients can connect.
func New(cfg Config) (*Server, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.For(logger.ComponentRelayServer)
	}
	addr := cfg.Addr
	if addr == "" {
		addr = fmt.Sprintf(":%d", constants.DefaultRelayPort)
	}

	s := &Server{
		logger: log,
		hubs:   make(map[string]*hub),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	if cfg.RedisAddr != "" {
		br, err := newBridge(cfg.RedisAddr, log)
		if err != nil {
			return nil, err
		}
		s.bridge = br
	}
	if cfg.PostgresURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), constants.TransportDialTimeout)
		defer cancel()
		ar, err := newArchive(ctx, cfg.PostgresURL, log)
		if err != nil {
			if s.bridge != nil {
				s.bridge.close()
			}
			return nil, err
		}
		s.archive = ar
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debugf("%s %s %d %v", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	})
	router.GET("/healthz", s.handleHealthz)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
	router.GET("/api/v1/rooms", s.handleRooms)
	router.GET("/ws/:room", s.handleWS)

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: router,
	}
	return s, nil
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpSrv.Addr, err)
	}
	s.listener = ln
	s.logger.Infof("Relay server listening on %s", ln.Addr())
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssuef(sentry.IssueTypeFatal, s.logger, "Relay server failed: %s", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address. Only valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.httpSrv.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops all hubs, the HTTP server and the optional backends.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("Relay server shutting down")
		s.mu.Lock()
		hubs := make([]*hub, 0, len(s.hubs))
		for _, hb := range s.hubs {
			hubs = append(hubs, hb)
		}
		s.mu.Unlock()
		for _, hb := range hubs {
			hb.stop()
			select {
			case <-hb.stopped:
			case <-ctx.Done():
			}
		}
		err = s.httpSrv.Shutdown(ctx)
		if s.bridge != nil {
			s.bridge.close()
		}
		if s.archive != nil {
			s.archive.close()
		}
	})
	return err
}

// RoomStatus is one entry of the room listing endpoint.
type RoomStatus struct {
	Name    string `json:"name"`
	Members int    `json:"members"`
	Backlog int    `json:"backlog"`
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleRooms(c *gin.Context) {
	s.mu.Lock()
	statuses := make([]RoomStatus, 0, len(s.hubs))
	for name, hb := range s.hubs {
		statuses = append(statuses, RoomStatus{
			Name:    name,
			Members: int(hb.clientCount.Load()),
			Backlog: int(hb.backlogLen.Load()),
		})
	}
	s.mu.Unlock()
	c.JSON(http.StatusOK, statuses)
}

func (s *Server) handleWS(c *gin.Context) {
	roomName := c.Param("room")
	if roomName == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnf("Upgrade failed for room %s: %s", roomName, err)
		return
	}
	go s.serveClient(roomName, conn)
}

// serveClient runs the hello handshake and then the client pumps. It owns
// the connection for its whole lifetime.
func (s *Server) serveClient(roomName string, conn *websocket.Conn) {
	info, err := wsutil.AwaitHello(conn, roomName)
	if err != nil {
		s.logger.Infof("Rejecting connection to room %s: %s", roomName, err)
		conn.Close()
		return
	}

	c := newClient(conn, info)
	var hb *hub
	for {
		hb = s.getHub(roomName)
		if hb.add(c) {
			break
		}
	}
	s.logger.Infof("Client %s (%s) joined relay room %s", c.id, info.DisplayName, roomName)
	s.reportGauges()

	go c.writePump()
	c.readPump(hb, s.logger)

	hb.drop(c)
	s.logger.Infof("Client %s left relay room %s", c.id, roomName)
	s.reportGauges()
}

// getHub returns the live hub of the room, starting a fresh one when none
// exists or the previous one already wound down.
func (s *Server) getHub(room string) *hub {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hb, ok := s.hubs[room]; ok {
		select {
		case <-hb.stopped:
			// wound down between last leave and this join
		default:
			return hb
		}
	}
	hb := newHub(room, s.logger, s.bridge, s.archive)
	hb.onStop = func() { s.removeHub(room, hb) }
	s.hubs[room] = hb
	hb.start()
	return hb
}

func (s *Server) removeHub(room string, hb *hub) {
	s.mu.Lock()
	if current, ok := s.hubs[room]; ok && current == hb {
		delete(s.hubs, room)
	}
	s.mu.Unlock()
	s.reportGauges()
}

func (s *Server) reportGauges() {
	s.mu.Lock()
	rooms := len(s.hubs)
	clients := 0
	for _, hb := range s.hubs {
		clients += int(hb.clientCount.Load())
	}
	s.mu.Unlock()
	metrics.SetServerRooms(serverName, rooms)
	metrics.SetServerClients(serverName, clients)
}
