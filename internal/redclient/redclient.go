// Package redclient implements the client core: the per-user aggregate of
// channel-clients across every channel, and the migration state machine
// that tracks semi-seamless and seamless target-side migration.
package redclient

import (
	"errors"
	"sync"
	"sync/atomic"

	"chanmux/internal/affinity"
	"chanmux/internal/channelclient"
	"chanmux/internal/dispatcher"

	"github.com/rs/zerolog/log"
)

// ErrNotSemiSeamlessTarget is returned by SemiSeamlessMigrateComplete when
// the client isn't in the semi-seamless-target state.
var ErrNotSemiSeamlessTarget = errors.New("redclient: not in semi-seamless-target migration state")

// Client is the per-user aggregate of channel-clients across every channel
// the user is connected on.
type Client struct {
	mu sync.Mutex

	channels []channelclient.ChannelClient
	owner    affinity.ThreadID

	id uint64

	duringTargetMigrate bool
	seamlessMigrate     bool
	numMigratedChannels int

	refcount int32

	dispatcher dispatcher.Dispatcher
}

// New constructs a Client with refcount 1, capturing the calling
// goroutine's thread id and the caller-supplied during-target-migrate flag
// (true puts the client in SEMI_SEAMLESS_TARGET at construction).
func New(id uint64, duringTargetMigrate bool, disp dispatcher.Dispatcher) *Client {
	return &Client{
		id:                  id,
		owner:               affinity.Current(),
		duringTargetMigrate: duringTargetMigrate,
		refcount:            1,
		dispatcher:          disp,
	}
}

// ClientID implements channelclient.Client.
func (c *Client) ClientID() uint64 { return c.id }

// Ref increments the reference count.
func (c *Client) Ref() int32 { return atomic.AddInt32(&c.refcount, 1) }

// Unref decrements the reference count, returning the new value.
func (c *Client) Unref() int32 { return atomic.AddInt32(&c.refcount, -1) }

// AddChannel prepends cc to channels. If the client is mid-target-migrate
// in seamless mode, cc is offered seamless migration immediately and the
// outstanding counter is incremented if it accepts.
func (c *Client) AddChannel(cc channelclient.ChannelClient) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.channels = append([]channelclient.ChannelClient{cc}, c.channels...)

	if c.duringTargetMigrate && c.seamlessMigrate {
		if cc.SetMigrationSeamless() {
			c.numMigratedChannels++
		}
	}
}

// RemoveChannel removes cc from channels.
func (c *Client) RemoveChannel(cc channelclient.ChannelClient) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.channels {
		if existing == cc {
			c.channels = append(c.channels[:i:i], c.channels[i+1:]...)
			return
		}
	}
}

// GetChannel returns the channel-client whose channel matches typ/id, under
// the caller's responsibility to hold no conflicting lock (GetChannel takes
// the client lock itself).
func (c *Client) GetChannel(typ int, id uint32) (channelclient.ChannelClient, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cc := range c.channels {
		if cc.Channel().ChannelType() == typ && cc.Channel().ChannelID() == id {
			return cc, true
		}
	}
	return nil, false
}

// SetMigrationSeamless asserts the client is mid-target-migrate, switches
// it into seamless mode, and offers every current channel-client seamless
// migration, initializing the outstanding counter to however many accept.
func (c *Client) SetMigrationSeamless() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.duringTargetMigrate {
		log.Warn().Uint64("client_id", c.id).
			Msg("redclient: set_migration_seamless called outside target-migrate state")
		return
	}

	c.seamlessMigrate = true
	for _, cc := range c.channels {
		if cc.SetMigrationSeamless() {
			c.numMigratedChannels++
		}
	}
}

// SeamlessMigrationDoneForChannel decrements the outstanding counter; if it
// reaches zero, clears both migration flags and notifies the dispatcher
// exactly once. Returns true iff this call triggered that transition.
func (c *Client) SeamlessMigrationDoneForChannel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.numMigratedChannels > 0 {
		c.numMigratedChannels--
	}
	if c.numMigratedChannels != 0 {
		return false
	}

	c.duringTargetMigrate = false
	c.seamlessMigrate = false
	if c.dispatcher != nil {
		c.dispatcher.NotifyMigrateComplete(c.id)
	}
	return true
}

// SemiSeamlessMigrateComplete requires the client to be in
// SEMI_SEAMLESS_TARGET (during_target_migrate && !seamless_migrate); it
// clears during_target_migrate, invokes SemiSeamlessMigrationComplete on
// every channel-client, and notifies the dispatcher.
func (c *Client) SemiSeamlessMigrateComplete() error {
	c.mu.Lock()
	if !c.duringTargetMigrate || c.seamlessMigrate {
		c.mu.Unlock()
		return ErrNotSemiSeamlessTarget
	}
	c.duringTargetMigrate = false
	channels := make([]channelclient.ChannelClient, len(c.channels))
	copy(channels, c.channels)
	c.mu.Unlock()

	for _, cc := range channels {
		cc.SemiSeamlessMigrationComplete()
	}

	if c.dispatcher != nil {
		c.dispatcher.NotifyMigrateComplete(c.id)
	}
	return nil
}

// Migrate invokes each connected channel-client's channel's client_cbs.migrate.
// Must be called on the client's owner thread; a cross-thread call is
// warned about but proceeds.
func (c *Client) Migrate() {
	affinity.AssertOwner(c.owner, "client_migrate")

	c.mu.Lock()
	channels := make([]channelclient.ChannelClient, len(c.channels))
	copy(channels, c.channels)
	c.mu.Unlock()

	for _, cc := range channels {
		if !cc.IsConnected() {
			continue
		}
		cc.Channel().ClientMigrate(cc)
	}
}

// Destroy synchronously invokes every channel-client's channel's
// client_cbs.disconnect (the default one disconnects the channel-client,
// which marks it destroying; Destroy does not mark it itself), logs a
// warning if its pipe is not empty afterwards, and releases one reference.
// Matches the source's contract that disconnect is synchronous relative to
// the caller.
func (c *Client) Destroy() {
	c.mu.Lock()
	channels := make([]channelclient.ChannelClient, len(c.channels))
	copy(channels, c.channels)
	c.channels = nil
	c.mu.Unlock()

	for _, cc := range channels {
		cc.Channel().ClientDisconnect(cc)
		if cc.Pipe().Len() > 0 {
			log.Warn().Uint64("client_id", c.id).
				Msg("redclient: destroy found a non-empty pipe after disconnect")
		}
	}

	c.Unref()
}

// DuringTargetMigrate reports the current value of the during-target-migrate
// flag.
func (c *Client) DuringTargetMigrate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duringTargetMigrate
}

// SeamlessMigrate reports the current value of the seamless-migrate flag.
func (c *Client) SeamlessMigrate() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seamlessMigrate
}

// NumMigratedChannels reports the current outstanding-seamless-data
// counter.
func (c *Client) NumMigratedChannels() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.numMigratedChannels
}
