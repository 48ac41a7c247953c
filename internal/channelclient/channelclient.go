// Package channelclient defines the channel-client: the state held per
// (channel, client) pair. This package holds the interface and a Generic
// implementation sufficient for channels with no special per-message
// behavior; concrete channel types (display, cursor, inputs) are out of
// scope and would embed Base with their own message handling.
package channelclient

import (
	"errors"
	"sync"
	"sync/atomic"

	"chanmux/internal/ackwindow"
	"chanmux/internal/capset"
	"chanmux/internal/pipeitem"
)

// Channel is the subset of a channel's identity and class-level callbacks a
// channel-client needs. Declared here (not in redchannel) so this package
// has no dependency on redchannel, which itself depends on this package for
// its client list — redchannel.Channel implements this interface.
type Channel interface {
	ChannelType() int
	ChannelID() uint32
	SendItem(cc ChannelClient, item pipeitem.Item) error
	HandleMessage(cc ChannelClient, typ int, buf []byte) bool
	AllocRecvBuf(cc ChannelClient, typ int, size int) []byte
	ReleaseRecvBuf(cc ChannelClient, typ int, size int, buf []byte)
	OnDisconnect(cc ChannelClient)

	// ClientDisconnect and ClientMigrate invoke the user-facing client_cbs
	// registered at channel construction, letting a client (which only
	// holds channel-clients, not their concrete channels) drive
	// disconnect/migrate without an import cycle back to redchannel.
	ClientDisconnect(cc ChannelClient)
	ClientMigrate(cc ChannelClient)
}

// Client is the subset of a client's identity a channel-client references.
type Client interface {
	ClientID() uint64
}

// Stream is the byte-stream abstraction a channel-client reads/writes
// through; wsframe.Conn satisfies this.
type Stream interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) (int, error)
}

// ErrDestroying is returned by Push when the channel-client is already
// being torn down: new pipe items must not be pushed once destroying.
var ErrDestroying = errors.New("channelclient: pushed to a destroying channel-client")

// ChannelClient is the per-(channel,client) behavior the channel fans its
// operations out across.
type ChannelClient interface {
	Channel() Channel
	Client() Client
	Pipe() *pipeitem.Pipe
	AckWindow() *ackwindow.Window
	RemoteCaps() *capset.Pair

	IsConnected() bool
	IsDestroying() bool
	IsBlocked() bool

	Ref() int32
	Unref() int32

	Receive() (int, error)
	Send() error
	Push() error
	PushItem(item pipeitem.Item) error
	Disconnect()
	InitOutgoingMessagesWindow()

	SetMigrationSeamless() bool
	SemiSeamlessMigrationComplete()
}

// Base implements the reference counting, pipe, and flag bookkeeping shared
// by every concrete channel-client. It does not implement Receive/Send
// (those need a concrete Stream and message-handling policy); embed Base in
// a concrete type such as Generic.
type Base struct {
	mu sync.Mutex

	refcount   int32
	destroying bool
	blocked    bool
	connected  bool

	migrationSeamless bool

	channel Channel
	client  Client

	pipe      *pipeitem.Pipe
	ack       *ackwindow.Window
	remoteCaps capset.Pair
	seq       pipeitem.SequenceGenerator
}

// NewBase constructs a Base with refcount 1, matching the source's
// constructor convention. windowSize <= 0 disables ack tracking.
func NewBase(channel Channel, client Client, windowSize int) Base {
	return Base{
		refcount: 1,
		channel:  channel,
		client:   client,
		pipe:     pipeitem.New(),
		ack:      ackwindow.New(windowSize),
		connected: true,
	}
}

func (b *Base) Channel() Channel            { return b.channel }
func (b *Base) Client() Client              { return b.client }
func (b *Base) Pipe() *pipeitem.Pipe        { return b.pipe }
func (b *Base) AckWindow() *ackwindow.Window { return b.ack }

func (b *Base) RemoteCaps() *capset.Pair {
	return &b.remoteCaps
}

func (b *Base) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *Base) IsDestroying() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.destroying
}

func (b *Base) IsBlocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blocked
}

func (b *Base) setBlocked(v bool) {
	b.mu.Lock()
	b.blocked = v
	b.mu.Unlock()
}

// Ref increments the reference count, returning the new value.
func (b *Base) Ref() int32 {
	return atomic.AddInt32(&b.refcount, 1)
}

// Unref decrements the reference count, returning the new value. A caller
// observing 0 is the destructor's trigger; Base itself does not free
// anything (there's nothing to free in a GC'd language), it just reports
// the count so Generic/Client can decide whether to tear down the stream.
func (b *Base) Unref() int32 {
	return atomic.AddInt32(&b.refcount, -1)
}

// NextSeq returns the next pipe-item sequence number for this
// channel-client, for use by SendItem/Push callers.
func (b *Base) NextSeq() int64 {
	return b.seq.Next()
}

// SetMigrationSeamless marks this channel-client as having accepted
// seamless migration mode; returns true exactly once (on the first call),
// matching the source's "did this transition" contract used by the client
// to decide whether to increment its outstanding counter.
func (b *Base) SetMigrationSeamless() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.migrationSeamless {
		return false
	}
	b.migrationSeamless = true
	return true
}

// SemiSeamlessMigrationComplete is invoked on every channel-client when a
// client finishes semi-seamless migration. Base's default is a no-op;
// concrete channel-clients override behavior by shadowing this method on
// their embedding type.
func (b *Base) SemiSeamlessMigrationComplete() {}

// InitOutgoingMessagesWindow resets the ack window, realizing the
// fan-out operation of the same name.
func (b *Base) InitOutgoingMessagesWindow() {
	b.ack.Reset()
}

// Push drains the pipe, invoking the channel's SendItem callback for each
// queued item in FIFO order, stopping (and marking blocked) on the first
// error — matching a channel-client's contract that push delivers in
// enqueue order and halts rather than reordering around a stalled write.
// self must be the concrete ChannelClient embedding this Base, since
// SendItem's callback signature takes the channel-client, not the Base.
func (b *Base) Push(self ChannelClient) error {
	for {
		item, ok := b.pipe.Pop()
		if !ok {
			b.setBlocked(false)
			return nil
		}
		if err := b.channel.SendItem(self, item); err != nil {
			b.setBlocked(true)
			return err
		}
		b.ack.Push(item.Seq)
	}
}

// PushItem enqueues item onto the pipe, refusing once destroying.
func (b *Base) PushItem(item pipeitem.Item) error {
	if b.IsDestroying() {
		return ErrDestroying
	}
	b.pipe.Push(item)
	return nil
}

// Disconnect marks the channel-client as destroying and disconnected,
// invoking the channel's OnDisconnect callback. self is passed through for
// the same reason as Push.
func (b *Base) Disconnect(self ChannelClient) {
	b.mu.Lock()
	if b.destroying {
		b.mu.Unlock()
		return
	}
	b.destroying = true
	b.connected = false
	b.mu.Unlock()

	b.channel.OnDisconnect(self)
	b.pipe.Clear()
}
