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

// Package signalserver implements the rendezvous endpoint of the primary
// transport. Clients connect to /ws/:room, announce themselves with a hello
// frame and receive the current roster back; from then on the server
// broadcasts peer-joined and peer-left frames so that every member can keep
// a full mesh of direct links. No document or presence payload ever passes
// through this server.
package signalserver

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
	"github.com/united-manufacturing-hub/gridsync/pkg/protocol"
	"github.com/united-manufacturing-hub/gridsync/pkg/sentry"
	"github.com/united-manufacturing-hub/gridsync/pkg/wsutil"
)

const serverName = "signaling"

// Config holds the signaling server settings.
type Config struct {
	// Addr is the listen address. Empty means ":4444".
	Addr string
	// Logger overrides the default component logger. Mainly used by tests.
	Logger *zap.SugaredLogger
}

// Server is the signaling server. Create it with New, bring it up with
// Start and tear it down with Shutdown.
type Server struct {
	logger       *zap.SugaredLogger
	rooms        *registry
	httpSrv      *http.Server
	listener     net.Listener
	upgrader     websocket.Upgrader
	shutdownOnce sync.Once
}

// New builds a stopped server. Start must be called before clients can
// connect.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = logger.For(logger.ComponentSignalServer)
	}
	addr := cfg.Addr
	if addr == "" {
		addr = fmt.Sprintf(":%d", constants.DefaultSignalPort)
	}

	s := &Server{
		logger: log,
		rooms:  newRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
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
	return s
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpSrv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpSrv.Addr, err)
	}
	s.listener = ln
	s.logger.Infof("Signaling server listening on %s", ln.Addr())
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			sentry.ReportIssuef(sentry.IssueTypeFatal, s.logger, "Signaling server failed: %s", err)
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

// Shutdown closes all member connections and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("Signaling server shutting down")
		s.rooms.closeAll()
		err = s.httpSrv.Shutdown(ctx)
	})
	return err
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleRooms(c *gin.Context) {
	c.JSON(http.StatusOK, s.rooms.snapshot())
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
	go s.serveMember(roomName, conn)
}

// serveMember runs the hello handshake and then the member pumps. It owns the
// connection for its whole lifetime.
func (s *Server) serveMember(roomName string, conn *websocket.Conn) {
	info, err := wsutil.AwaitHello(conn, roomName)
	if err != nil {
		s.logger.Infof("Rejecting connection to room %s: %s", roomName, err)
		conn.Close()
		return
	}

	m := newMember(conn, info)
	rm := s.rooms.get(roomName)

	old, others := rm.register(m)
	if old != nil {
		s.logger.Infof("Member %s rejoined room %s, evicting stale connection", m.id, roomName)
		old.conn.Close()
	}
	s.logger.Infof("Member %s (%s) joined room %s", m.id, info.DisplayName, roomName)
	s.reportGauges()

	go m.writePump()
	if rosterFrame, err := protocol.Encode(protocol.NewRosterFrame(roomName, others)); err == nil {
		m.send <- rosterFrame
	}
	if joined, err := protocol.Encode(protocol.NewPeerJoinedFrame(roomName, info)); err == nil {
		rm.broadcast(joined, m.id)
	}

	m.readPump(rm, s.logger)

	if rm.unregister(m) {
		s.logger.Infof("Member %s left room %s", m.id, roomName)
		if left, err := protocol.Encode(protocol.NewPeerLeftFrame(roomName, m.id)); err == nil {
			rm.broadcast(left, "")
		}
	}
	if rm.memberCount() == 0 {
		s.rooms.drop(roomName)
	}
	s.reportGauges()
}

func (s *Server) reportGauges() {
	rooms, clients := s.rooms.counts()
	metrics.SetServerRooms(serverName, rooms)
	metrics.SetServerClients(serverName, clients)
}
