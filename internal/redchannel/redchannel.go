// Package redchannel implements the channel core: a registry of connected
// channel-clients, fan-out operations across them, and the class-level
// callback table a concrete channel type supplies.
package redchannel

import (
	"errors"
	"sync"
	"time"

	"chanmux/internal/affinity"
	"chanmux/internal/capset"
	"chanmux/internal/channelclient"
	"chanmux/internal/pipeitem"

	"github.com/rs/zerolog/log"
)

// BlockedSleepDuration is the fixed interval WaitAllSent sleeps between
// fan-out attempts, matching the source's CHANNEL_BLOCKED_SLEEP_DURATION
// magnitude.
const BlockedSleepDuration = time.Millisecond

// Migration flags, OR'd into a channel's construction-time migration_flags.
const (
	MigrateNeedsFlushMark = 1 << iota
	MigrateNeedsDataTransfer
)

// ErrMissingCallback is returned by New when a required class-level
// callback is absent.
var ErrMissingCallback = errors.New("redchannel: channel missing required callback")

// ErrAdmissionDenied is returned by AddClient when an admission guard
// declines a new channel-client under load.
var ErrAdmissionDenied = errors.New("redchannel: admission denied")

// AdmissionGuard gates new channel-client admission, e.g. under CPU or
// connection-count pressure. Satisfied by internal/capacity.Guard.
type AdmissionGuard interface {
	Admit() bool
}

// ChannelCallbacks are the class-level callbacks a concrete channel type
// must supply. ConfigSocket, OnDisconnect, AllocRecvBuf, and
// ReleaseRecvBuf are required; HandleMigrateData is required iff
// MigrateNeedsDataTransfer is set.
type ChannelCallbacks struct {
	ConfigSocket           func(cc channelclient.ChannelClient) bool
	OnDisconnect           func(cc channelclient.ChannelClient)
	AllocRecvBuf           func(cc channelclient.ChannelClient, typ int, size int) []byte
	ReleaseRecvBuf         func(cc channelclient.ChannelClient, typ int, size int, buf []byte)
	SendItem               func(cc channelclient.ChannelClient, item pipeitem.Item) error
	HandleMessage          func(cc channelclient.ChannelClient, typ int, buf []byte) bool
	HandleParsed           func(cc channelclient.ChannelClient, size int, typ int, parsed any) bool
	Parser                 func(buf []byte) (any, error)
	HandleMigrateFlushMark func(cc channelclient.ChannelClient)
	HandleMigrateData      func(cc channelclient.ChannelClient, data []byte) bool
}

// ClientCallbacks are invoked by the user-facing connect/disconnect/migrate
// surface. Disconnect defaults to disconnecting the channel-client; Migrate
// defaults to logging a warning and doing nothing (the channel-client is not
// migrated); Connect defaults to returning a "not implemented" error.
type ClientCallbacks struct {
	Connect    func(ch *Channel, cc channelclient.ChannelClient) error
	Disconnect func(cc channelclient.ChannelClient)
	Migrate    func(cc channelclient.ChannelClient)
}

// Channel owns the set of connected channel-clients for one logical stream
// type and fans operations out across them.
type Channel struct {
	typ            int
	id             uint32
	handleAcks     bool
	migrationFlags int

	caps capset.Pair

	mu      sync.Mutex
	clients []channelclient.ChannelClient
	owner   affinity.ThreadID

	cbs       ChannelCallbacks
	clientCbs ClientCallbacks
	guard     AdmissionGuard
}

// New validates the required callbacks, captures the calling goroutine's
// thread id as owner, sets SPICE_COMMON_CAP_MINI_HEADER by default, and
// returns a ready Channel.
func New(typ int, id uint32, handleAcks bool, migrationFlags int, cbs ChannelCallbacks, clientCbs ClientCallbacks) (*Channel, error) {
	if cbs.ConfigSocket == nil || cbs.OnDisconnect == nil || cbs.AllocRecvBuf == nil || cbs.ReleaseRecvBuf == nil {
		return nil, ErrMissingCallback
	}
	if migrationFlags&MigrateNeedsDataTransfer != 0 && cbs.HandleMigrateData == nil {
		return nil, ErrMissingCallback
	}

	if clientCbs.Connect == nil {
		clientCbs.Connect = func(ch *Channel, cc channelclient.ChannelClient) error {
			return errors.New("redchannel: client_cbs.connect not implemented")
		}
	}
	if clientCbs.Disconnect == nil {
		clientCbs.Disconnect = func(cc channelclient.ChannelClient) { cc.Disconnect() }
	}
	if clientCbs.Migrate == nil {
		clientCbs.Migrate = func(cc channelclient.ChannelClient) {
			log.Warn().Int("channel_type", typ).Uint32("channel_id", id).
				Msg("redchannel: client_cbs.migrate not overridden, nothing to do")
		}
	}

	var caps capset.Pair
	caps.Common.Set(capset.CommonCapMiniHeader)

	return &Channel{
		typ:            typ,
		id:             id,
		handleAcks:     handleAcks,
		migrationFlags: migrationFlags,
		caps:           caps,
		owner:          affinity.Current(),
		cbs:            cbs,
		clientCbs:      clientCbs,
	}, nil
}

// SetAdmissionGuard wires an AdmissionGuard consulted by AddClient. Optional;
// a nil guard (the default) never declines admission.
func (ch *Channel) SetAdmissionGuard(guard AdmissionGuard) {
	ch.guard = guard
}

// ChannelType, ChannelID, SendItem, HandleMessage, AllocRecvBuf, and
// ReleaseRecvBuf implement channelclient.Channel, letting a channel-client
// call back into its owning channel without an import cycle.

func (ch *Channel) ChannelType() int { return ch.typ }
func (ch *Channel) ChannelID() uint32 { return ch.id }

func (ch *Channel) SendItem(cc channelclient.ChannelClient, item pipeitem.Item) error {
	return ch.cbs.SendItem(cc, item)
}

func (ch *Channel) HandleMessage(cc channelclient.ChannelClient, typ int, buf []byte) bool {
	if ch.cbs.HandleMessage == nil {
		return true
	}
	return ch.cbs.HandleMessage(cc, typ, buf)
}

func (ch *Channel) AllocRecvBuf(cc channelclient.ChannelClient, typ int, size int) []byte {
	return ch.cbs.AllocRecvBuf(cc, typ, size)
}

func (ch *Channel) ReleaseRecvBuf(cc channelclient.ChannelClient, typ int, size int, buf []byte) {
	ch.cbs.ReleaseRecvBuf(cc, typ, size, buf)
}

func (ch *Channel) OnDisconnect(cc channelclient.ChannelClient) {
	ch.cbs.OnDisconnect(cc)
}

// ClientDisconnect invokes the registered client_cbs.disconnect.
func (ch *Channel) ClientDisconnect(cc channelclient.ChannelClient) {
	ch.clientCbs.Disconnect(cc)
}

// ClientMigrate invokes the registered client_cbs.migrate.
func (ch *Channel) ClientMigrate(cc channelclient.ChannelClient) {
	ch.clientCbs.Migrate(cc)
}

// Connect invokes the registered client_cbs.connect.
func (ch *Channel) Connect(cc channelclient.ChannelClient) error {
	return ch.clientCbs.Connect(ch, cc)
}

// Caps returns the channel's locally-advertised capability pair.
func (ch *Channel) Caps() *capset.Pair {
	return &ch.caps
}

// RebindOwner re-captures the owner thread from the calling goroutine,
// matching the source's "thread_id ... can be re-bound explicitly".
func (ch *Channel) RebindOwner() {
	ch.owner = affinity.Current()
}

// AddClient attaches cc to the channel, subject to admission control. Must
// run on the channel's owner thread.
func (ch *Channel) AddClient(cc channelclient.ChannelClient) error {
	affinity.AssertOwner(ch.owner, "add_client")

	if ch.guard != nil && !ch.guard.Admit() {
		return ErrAdmissionDenied
	}
	if ch.cbs.ConfigSocket != nil && !ch.cbs.ConfigSocket(cc) {
		return errors.New("redchannel: config_socket declined channel-client")
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.clients = append(ch.clients, cc)
	return nil
}

// RemoveClient detaches cc. Must run on the channel's owner thread; a
// cross-thread call is warned about (via affinity.AssertOwner) but proceeds
// anyway, matching the source's lenient red_channel_remove_client.
func (ch *Channel) RemoveClient(cc channelclient.ChannelClient) {
	affinity.AssertOwner(ch.owner, "remove_client")

	ch.mu.Lock()
	defer ch.mu.Unlock()
	for i, existing := range ch.clients {
		if existing == cc {
			ch.clients = append(ch.clients[:i:i], ch.clients[i+1:]...)
			return
		}
	}
	log.Warn().Int("channel_type", ch.typ).Uint32("channel_id", ch.id).
		Msg("redchannel: remove_client called for a channel-client not in clients")
}

// snapshot copies the current client list so fan-out loops don't hold the
// channel mutex while invoking arbitrary callbacks.
func (ch *Channel) snapshot() []channelclient.ChannelClient {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	out := make([]channelclient.ChannelClient, len(ch.clients))
	copy(out, ch.clients)
	return out
}

// Receive invokes Receive on every connected channel-client.
func (ch *Channel) Receive() {
	for _, cc := range ch.snapshot() {
		cc.Receive()
	}
}

// Send invokes Send on every connected channel-client.
func (ch *Channel) Send() {
	for _, cc := range ch.snapshot() {
		cc.Send()
	}
}

// Push invokes Push on every connected channel-client, draining each pipe.
func (ch *Channel) Push() {
	for _, cc := range ch.snapshot() {
		cc.Push()
	}
}

// Disconnect invokes Disconnect on every connected channel-client and
// removes each from clients.
func (ch *Channel) Disconnect() {
	for _, cc := range ch.snapshot() {
		cc.Disconnect()
		ch.RemoveClient(cc)
	}
}

// InitOutgoingMessagesWindow invokes InitOutgoingMessagesWindow on every
// connected channel-client.
func (ch *Channel) InitOutgoingMessagesWindow() {
	for _, cc := range ch.snapshot() {
		cc.InitOutgoingMessagesWindow()
	}
}

// PipesAddType enqueues a typed, empty pipe item on every connected
// channel-client.
func (ch *Channel) PipesAddType(typ int) {
	for _, cc := range ch.snapshot() {
		cc.PushItem(pipeitem.Item{Type: typ})
	}
}

// PipesAddEmptyMsg is an alias for PipesAddType kept to name the operation
// the way the fan-out table in §4.2 does.
func (ch *Channel) PipesAddEmptyMsg(typ int) {
	ch.PipesAddType(typ)
}

// ItemCreator builds a pipe item for one channel-client, given caller data
// and the channel-client's index in the fan-out. A nil returned item (ok ==
// false) means "nothing to enqueue for this channel-client".
type ItemCreator func(cc channelclient.ChannelClient, data any, index int) (item pipeitem.Item, ok bool)

// PipesNewAdd invokes creator once per connected channel-client, enqueueing
// whatever non-empty items it returns, and returns the count enqueued.
func (ch *Channel) PipesNewAdd(creator ItemCreator, data any) int {
	count := 0
	for i, cc := range ch.snapshot() {
		item, ok := creator(cc, data, i)
		if !ok {
			continue
		}
		cc.PushItem(item)
		count++
	}
	return count
}

// PipesNewAddPush is PipesNewAdd followed by an immediate Push of every
// channel-client that received an item.
func (ch *Channel) PipesNewAddPush(creator ItemCreator, data any) int {
	count := 0
	for i, cc := range ch.snapshot() {
		item, ok := creator(cc, data, i)
		if !ok {
			continue
		}
		cc.PushItem(item)
		cc.Push()
		count++
	}
	return count
}

// AllBlocked reports whether every connected channel-client is blocked.
// Vacuously true with zero channel-clients.
func (ch *Channel) AllBlocked() bool {
	for _, cc := range ch.snapshot() {
		if !cc.IsBlocked() {
			return false
		}
	}
	return true
}

// AnyBlocked reports whether any connected channel-client is blocked. False
// with zero channel-clients.
func (ch *Channel) AnyBlocked() bool {
	for _, cc := range ch.snapshot() {
		if cc.IsBlocked() {
			return true
		}
	}
	return false
}

// NoItemBeingSent reports whether every connected channel-client's pipe is
// empty and unblocked. Vacuously true with zero channel-clients.
func (ch *Channel) NoItemBeingSent() bool {
	for _, cc := range ch.snapshot() {
		if cc.Pipe().Len() > 0 || cc.IsBlocked() {
			return false
		}
	}
	return true
}

// MaxPipeSize returns the largest connected channel-client pipe depth, 0
// when there are no channel-clients.
func (ch *Channel) MaxPipeSize() int {
	largest := 0
	for _, cc := range ch.snapshot() {
		if n := cc.Pipe().Len(); n > largest {
			largest = n
		}
	}
	return largest
}

// MinPipeSize returns the smallest connected channel-client pipe depth, 0
// when there are no channel-clients.
func (ch *Channel) MinPipeSize() int {
	clients := ch.snapshot()
	if len(clients) == 0 {
		return 0
	}
	smallest := clients[0].Pipe().Len()
	for _, cc := range clients[1:] {
		if n := cc.Pipe().Len(); n < smallest {
			smallest = n
		}
	}
	return smallest
}

// SumPipesSize returns the total queued pipe items across every connected
// channel-client.
func (ch *Channel) SumPipesSize() int {
	sum := 0
	for _, cc := range ch.snapshot() {
		sum += cc.Pipe().Len()
	}
	return sum
}

// GetNClients returns the number of connected channel-clients.
func (ch *Channel) GetNClients() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.clients)
}

// GetFirstSocket returns the client id of the first connected
// channel-client, or -1 when none are connected. "Socket" here names the
// operation the way §4.2 does; this core has no raw fd to return.
func (ch *Channel) GetFirstSocket() int64 {
	clients := ch.snapshot()
	if len(clients) == 0 {
		return -1
	}
	return int64(clients[0].Client().ClientID())
}

// IsConnected reports whether the channel has any connected channel-client.
func (ch *Channel) IsConnected() bool {
	return ch.GetNClients() > 0
}

// IsWaitingForMigrateData is defined only when exactly one channel-client
// is connected; it returns false in every other case.
func (ch *Channel) IsWaitingForMigrateData() bool {
	clients := ch.snapshot()
	if len(clients) != 1 {
		return false
	}
	return ch.migrationFlags&MigrateNeedsDataTransfer != 0
}

// TestRemoteCommonCap reports whether every connected channel-client's
// remote common-capability vector has cap set. Vacuously true with zero
// channel-clients.
func (ch *Channel) TestRemoteCommonCap(capability uint32) bool {
	clients := ch.snapshot()
	for _, cc := range clients {
		if !cc.RemoteCaps().Common.Test(capability) {
			return false
		}
	}
	return true
}

// TestRemoteCap reports whether every connected channel-client's
// channel-specific remote-capability vector has cap set. Vacuously true
// with zero channel-clients.
func (ch *Channel) TestRemoteCap(capability uint32) bool {
	clients := ch.snapshot()
	for _, cc := range clients {
		if !cc.RemoteCaps().Local.Test(capability) {
			return false
		}
	}
	return true
}

// WaitAllSent repeatedly pushes/receives/sends while any pipe is non-empty
// or any channel-client is blocked, sleeping BlockedSleepDuration between
// iterations. timeoutNs == -1 means wait indefinitely. Returns true iff
// every pipe drained and nothing was left mid-send before the deadline.
func (ch *Channel) WaitAllSent(timeoutNs int64) bool {
	var deadline time.Time
	hasDeadline := timeoutNs >= 0
	if hasDeadline {
		deadline = time.Now().Add(time.Duration(timeoutNs))
	}

	for {
		ch.Push()
		ch.Receive()
		ch.Send()

		if ch.SumPipesSize() == 0 && !ch.AnyBlocked() {
			return true
		}
		if hasDeadline && time.Now().After(deadline) {
			return false
		}
		time.Sleep(BlockedSleepDuration)
	}
}
