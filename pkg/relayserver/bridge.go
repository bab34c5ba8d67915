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

package relayserver

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/united-manufacturing-hub/gridsync/pkg/constants"
	"github.com/united-manufacturing-hub/gridsync/pkg/safejson"
)

// bridge fans frames out across relay instances through redis pub/sub, so
// clients of the same room may land on different relays behind a load
// balancer. Every published frame carries the instance ID of its origin;
// the subscriber side drops its own echoes.
type bridge struct {
	rdb        *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
}

type bridgeEnvelope struct {
	Src   string `json:"src"`
	Frame []byte `json:"frame"`
}

func newBridge(addr string, log *zap.SugaredLogger) (*bridge, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), constants.TransportDialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	log.Infof("Relay bridge connected to redis at %s", addr)
	return &bridge{
		rdb:        rdb,
		instanceID: uuid.New().String(),
		logger:     log,
	}, nil
}

func (b *bridge) channel(room string) string {
	return "gridsync:room:" + room
}

func (b *bridge) publish(room string, raw []byte) {
	env, err := safejson.Marshal(bridgeEnvelope{Src: b.instanceID, Frame: raw})
	if err != nil {
		b.logger.Errorf("Failed to marshal bridge envelope for room %s: %s", room, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), constants.TransportWriteTimeout)
	defer cancel()
	if err := b.rdb.Publish(ctx, b.channel(room), env).Err(); err != nil {
		b.logger.Warnf("Failed to publish frame for room %s to redis: %s", room, err)
	}
}

// subscribe starts forwarding frames other instances published for the room.
// The returned function stops the subscription.
func (b *bridge) subscribe(room string, deliver func([]byte)) func() {
	pubsub := b.rdb.Subscribe(context.Background(), b.channel(room))
	go func() {
		for msg := range pubsub.Channel() {
			var env bridgeEnvelope
			if err := safejson.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.logger.Debugf("Dropping malformed bridge message for room %s: %s", room, err)
				continue
			}
			if env.Src == b.instanceID {
				continue
			}
			deliver(env.Frame)
		}
	}()
	return func() {
		if err := pubsub.Close(); err != nil {
			b.logger.Debugf("Failed to close redis subscription for room %s: %s", room, err)
		}
	}
}

func (b *bridge) close() {
	if err := b.rdb.Close(); err != nil {
		b.logger.Debugf("Failed to close redis client: %s", err)
	}
}
