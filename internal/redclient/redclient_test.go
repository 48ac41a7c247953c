package redclient

import (
	"bytes"
	"sync/atomic"
	"testing"

	"chanmux/internal/channelclient"
	"chanmux/internal/dispatcher"
	"chanmux/internal/pipeitem"
)

type fakeChannel struct {
	id          uint32
	disconnects int
}

func (f *fakeChannel) ChannelType() int  { return 1 }
func (f *fakeChannel) ChannelID() uint32 { return f.id }
func (f *fakeChannel) SendItem(cc channelclient.ChannelClient, item pipeitem.Item) error {
	return nil
}
func (f *fakeChannel) HandleMessage(cc channelclient.ChannelClient, typ int, buf []byte) bool {
	return true
}
func (f *fakeChannel) AllocRecvBuf(cc channelclient.ChannelClient, typ int, size int) []byte {
	return make([]byte, size)
}
func (f *fakeChannel) ReleaseRecvBuf(cc channelclient.ChannelClient, typ int, size int, buf []byte) {
}
func (f *fakeChannel) OnDisconnect(cc channelclient.ChannelClient) {}
func (f *fakeChannel) ClientDisconnect(cc channelclient.ChannelClient) {
	f.disconnects++
	cc.Disconnect()
}
func (f *fakeChannel) ClientMigrate(cc channelclient.ChannelClient) {}

type fakeStream struct{ r bytes.Buffer }

func (s *fakeStream) Read(buf []byte) (int, error)  { return s.r.Read(buf) }
func (s *fakeStream) Write(buf []byte) (int, error) { return len(buf), nil }

func TestMigrationCounterScenario(t *testing.T) {
	disp := dispatcher.NewInProcess(1)
	c := New(1, true, disp)

	ch1, ch2, ch3 := &fakeChannel{id: 1}, &fakeChannel{id: 2}, &fakeChannel{id: 3}
	cc1 := channelclient.NewGeneric(ch1, c, &fakeStream{}, 0)
	cc2 := channelclient.NewGeneric(ch2, c, &fakeStream{}, 0)
	cc3 := channelclient.NewGeneric(ch3, c, &fakeStream{}, 0)

	c.AddChannel(cc1)
	c.AddChannel(cc2)
	c.AddChannel(cc3)

	c.SetMigrationSeamless()
	if got := c.NumMigratedChannels(); got != 3 {
		t.Fatalf("NumMigratedChannels() = %d, want 3", got)
	}

	if done := c.SeamlessMigrationDoneForChannel(); done {
		t.Fatal("first of three completions should not trigger the supervisor notification")
	}
	if done := c.SeamlessMigrationDoneForChannel(); done {
		t.Fatal("second of three completions should not trigger the supervisor notification")
	}

	select {
	case <-disp.Events():
		t.Fatal("supervisor must not be notified before the third completion")
	default:
	}

	if done := c.SeamlessMigrationDoneForChannel(); !done {
		t.Fatal("third completion should trigger the supervisor notification")
	}

	select {
	case got := <-disp.Events():
		if got != 1 {
			t.Fatalf("notified client id = %d, want 1", got)
		}
	default:
		t.Fatal("expected exactly one supervisor notification after the third completion")
	}

	if c.DuringTargetMigrate() || c.SeamlessMigrate() {
		t.Fatal("expected both migration flags cleared once the counter reaches zero")
	}
}

func TestDestroyWithMultipleChannels(t *testing.T) {
	c := New(1, false, nil)

	ch1, ch2 := &fakeChannel{id: 1}, &fakeChannel{id: 2}
	cc1 := channelclient.NewGeneric(ch1, c, &fakeStream{}, 0)
	cc2 := channelclient.NewGeneric(ch2, c, &fakeStream{}, 0)

	c.AddChannel(cc1)
	c.AddChannel(cc2)

	c.Destroy()

	if ch1.disconnects != 1 || ch2.disconnects != 1 {
		t.Fatalf("disconnects = %d/%d, want 1/1", ch1.disconnects, ch2.disconnects)
	}
	if cc1.Pipe().Len() != 0 || cc2.Pipe().Len() != 0 {
		t.Fatal("expected every channel-client's pipe to be empty after destroy")
	}
	if got := atomic.LoadInt32(&c.refcount); got != 0 {
		t.Fatalf("refcount after Destroy = %d, want 0 (constructed at 1, destroy releases one)", got)
	}
}
