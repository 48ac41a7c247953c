package channelclient

const defaultRecvType = 0

// Generic is a minimal ChannelClient for channel types with no
// message-format-specific behavior: Receive reads raw bytes from the
// stream through the channel's alloc/release-recv-buf callbacks and hands
// them to HandleMessage; Send is a no-op beyond what Push already does,
// since this transport has no separate "flush" step distinct from writing
// each pipe item as it is sent.
type Generic struct {
	Base

	stream Stream
}

// NewGeneric constructs a Generic channel-client bound to stream, with
// refcount 1 and ack tracking sized windowSize (0 disables it).
func NewGeneric(channel Channel, client Client, stream Stream, windowSize int) *Generic {
	return &Generic{
		Base:   NewBase(channel, client, windowSize),
		stream: stream,
	}
}

// Receive reads one chunk of inbound bytes into a channel-supplied buffer
// and dispatches it to the channel's HandleMessage callback, returning the
// byte count consumed.
func (g *Generic) Receive() (int, error) {
	buf := g.channel.AllocRecvBuf(g, defaultRecvType, 4096)
	n, err := g.stream.Read(buf)
	if n <= 0 {
		g.channel.ReleaseRecvBuf(g, defaultRecvType, len(buf), buf)
		return 0, err
	}

	// An extra reference is held across the handler and the subsequent
	// release-recv-buf call: the handler may disconnect (and the last
	// unref may run) before release_recv_buf runs, per the re-entrancy
	// contract this core documents rather than enforces with RAII.
	g.Ref()
	g.channel.HandleMessage(g, defaultRecvType, buf[:n])
	g.channel.ReleaseRecvBuf(g, defaultRecvType, n, buf)
	g.Unref()

	return n, nil
}

// Send is a no-op for Generic: there is no channel-client-level write
// buffering distinct from the pipe Push already drains.
func (g *Generic) Send() error {
	return nil
}

// Push drains the pipe via the channel's SendItem callback.
func (g *Generic) Push() error {
	return g.Base.Push(g)
}

// Disconnect tears down this channel-client.
func (g *Generic) Disconnect() {
	g.Base.Disconnect(g)
}

// Stream returns the underlying byte stream, for a channel's send_item
// callback to write framed payloads onto.
func (g *Generic) Stream() Stream {
	return g.stream
}
