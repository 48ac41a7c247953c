package main

import (
	"chanmux/internal/bufpool"
	"chanmux/internal/capacity"
	"chanmux/internal/channelclient"
	"chanmux/internal/metrics"
	"chanmux/internal/pipeitem"
	"chanmux/internal/redchannel"

	"github.com/rs/zerolog"
)

// mainChannelType is this entrypoint's only channel type: a single
// byte-stream echo channel exercising the full fan-out/push/migration core.
// A production deployment would register one redchannel.Channel per real
// stream type (display, cursor, inputs); those are out of this core's
// scope, per spec.md §1.
const mainChannelType = 1

// pipeItemEcho is the one pipe item type this demo channel ever enqueues:
// the payload it just received, pushed straight back out.
const pipeItemEcho = 1

// buildMainChannelCallbacks wires the class-level callbacks a channel
// subclass supplies (spec.md §4.2/§6), grounded on the teacher's
// buffer.go/metrics.go for the alloc/release/instrumentation side and this
// core's own wsframe.Conn for the wire side.
func buildMainChannelCallbacks(pool *bufpool.Pool, guard *capacity.Guard, logger zerolog.Logger) redchannel.ChannelCallbacks {
	return redchannel.ChannelCallbacks{
		ConfigSocket: func(cc channelclient.ChannelClient) bool {
			return true
		},

		OnDisconnect: func(cc channelclient.ChannelClient) {
			guard.Release()
			metrics.RecordChannelClientDisconnected("main")
			logger.Debug().Uint64("client_id", cc.Client().ClientID()).Msg("channel-client disconnected")
		},

		AllocRecvBuf: func(cc channelclient.ChannelClient, typ int, size int) []byte {
			buf := pool.Get(size)
			return *buf
		},

		ReleaseRecvBuf: func(cc channelclient.ChannelClient, typ int, size int, buf []byte) {
			pool.Put(&buf)
		},

		SendItem: func(cc channelclient.ChannelClient, item pipeitem.Item) error {
			payload, _ := item.Payload.([]byte)
			stream, ok := cc.(streamer)
			if !ok {
				return nil
			}
			n, err := stream.Stream().Write(payload)
			metrics.RecordFrame("main", true, n)
			return err
		},

		HandleMessage: func(cc channelclient.ChannelClient, typ int, buf []byte) bool {
			metrics.RecordFrame("main", false, len(buf))

			echo := make([]byte, len(buf))
			copy(echo, buf)

			seq := cc.(*channelclient.Generic).NextSeq()
			_ = cc.PushItem(pipeitem.Item{Type: pipeItemEcho, Seq: seq, Payload: echo})
			return true
		},
	}
}

// streamer exposes the underlying wire stream, implemented by
// channelclient.Generic; SendItem type-asserts to it since
// channelclient.ChannelClient otherwise has no wire-level access (deliberately,
// per spec.md §4.3's "channel-client owns the stream" note — only a
// concrete implementation like Generic need expose it to its own channel's
// send_item).
type streamer interface {
	Stream() channelclient.Stream
}
