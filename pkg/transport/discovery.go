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

package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/gridsync/pkg/constants"
	"github.com/united-manufacturing-hub/gridsync/pkg/protocol"
)

// lanDiscovery announces the local peer listener over mDNS and browses for
// other participants of the same room on the local network. It lets peers
// on one LAN find each other even when the signaling server is unreachable.
type lanDiscovery struct {
	server *zeroconf.Server
	cancel context.CancelFunc
	logger *zap.SugaredLogger
}

func startLANDiscovery(room, selfID string, port int, onPeer func(protocol.PeerInfo), log *zap.SugaredLogger) (*lanDiscovery, error) {
	server, err := zeroconf.Register(
		selfID,
		constants.DiscoveryService,
		constants.DiscoveryDomain,
		port,
		[]string{"room=" + room, "id=" + selfID},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		server.Shutdown()
		return nil, fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			info, ok := peerFromEntry(entry, room)
			if !ok || info.ID == selfID {
				continue
			}
			log.Debugf("Discovered LAN peer %s at %v", info.ID, info.Addrs)
			onPeer(info)
		}
	}()
	go func() {
		if err := resolver.Browse(ctx, constants.DiscoveryService, constants.DiscoveryDomain, entries); err != nil {
			log.Warnf("mDNS browse failed: %s", err)
		}
		<-ctx.Done()
	}()

	log.Infof("LAN discovery for room %s announcing on port %d", room, port)
	return &lanDiscovery{server: server, cancel: cancel, logger: log}, nil
}

func (d *lanDiscovery) stop() {
	d.cancel()
	d.server.Shutdown()
}

// peerFromEntry turns an mDNS service entry into a dialable peer. Entries
// for other rooms or without an id are skipped.
func peerFromEntry(entry *zeroconf.ServiceEntry, room string) (protocol.PeerInfo, bool) {
	var info protocol.PeerInfo
	entryRoom := ""
	for _, txt := range entry.Text {
		switch {
		case strings.HasPrefix(txt, "room="):
			entryRoom = strings.TrimPrefix(txt, "room=")
		case strings.HasPrefix(txt, "id="):
			info.ID = strings.TrimPrefix(txt, "id=")
		}
	}
	if entryRoom != room || info.ID == "" {
		return info, false
	}
	for _, ip := range entry.AddrIPv4 {
		info.Addrs = append(info.Addrs, fmt.Sprintf("%s:%d", ip, entry.Port))
	}
	return info, len(info.Addrs) > 0
}
