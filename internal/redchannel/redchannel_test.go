package redchannel

import (
	"bytes"
	"testing"

	"chanmux/internal/channelclient"
	"chanmux/internal/pipeitem"
)

type fakeClient struct{ id uint64 }

func (f *fakeClient) ClientID() uint64 { return f.id }

type fakeStream struct{ r bytes.Buffer }

func (s *fakeStream) Read(buf []byte) (int, error)  { return s.r.Read(buf) }
func (s *fakeStream) Write(buf []byte) (int, error) { return len(buf), nil }

func newTestChannel(t *testing.T) *Channel {
	t.Helper()
	sent := 0
	ch, err := New(1, 1, false, 0, ChannelCallbacks{
		ConfigSocket:   func(cc channelclient.ChannelClient) bool { return true },
		OnDisconnect:   func(cc channelclient.ChannelClient) {},
		AllocRecvBuf:   func(cc channelclient.ChannelClient, typ, size int) []byte { return make([]byte, size) },
		ReleaseRecvBuf: func(cc channelclient.ChannelClient, typ, size int, buf []byte) {},
		SendItem: func(cc channelclient.ChannelClient, item pipeitem.Item) error {
			sent++
			return nil
		},
	}, ClientCallbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ch
}

func TestAggregateEmptinessLawsOnEmptyChannel(t *testing.T) {
	ch := newTestChannel(t)

	if !ch.AllBlocked() {
		t.Error("all_blocked should be true with zero channel-clients")
	}
	if ch.AnyBlocked() {
		t.Error("any_blocked should be false with zero channel-clients")
	}
	if !ch.NoItemBeingSent() {
		t.Error("no_item_being_sent should be true with zero channel-clients")
	}
	if ch.MinPipeSize() != 0 {
		t.Error("min_pipe_size should be 0 with zero channel-clients")
	}
	if ch.MaxPipeSize() != 0 {
		t.Error("max_pipe_size should be 0 with zero channel-clients")
	}
	if ch.SumPipesSize() != 0 {
		t.Error("sum_pipes_size should be 0 with zero channel-clients")
	}
	if ch.GetFirstSocket() != -1 {
		t.Error("get_first_socket should be -1 with zero channel-clients")
	}
	if ch.IsConnected() {
		t.Error("is_connected should be false with zero channel-clients")
	}
	if !ch.TestRemoteCommonCap(0) {
		t.Error("test_remote_common_cap should be vacuously true with zero channel-clients")
	}
	if !ch.TestRemoteCap(0) {
		t.Error("test_remote_cap should be vacuously true with zero channel-clients")
	}
}

func TestFanOutIdempotence(t *testing.T) {
	ch := newTestChannel(t)

	cc1 := channelclient.NewGeneric(ch, &fakeClient{id: 1}, &fakeStream{}, 0)
	cc2 := channelclient.NewGeneric(ch, &fakeClient{id: 2}, &fakeStream{}, 0)
	if err := ch.AddClient(cc1); err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	if err := ch.AddClient(cc2); err != nil {
		t.Fatalf("AddClient: %v", err)
	}

	const pipeItemType = 7
	ch.PipesAddType(pipeItemType)

	if got := cc1.Pipe().Len(); got != 1 {
		t.Fatalf("cc1 pipe len = %d, want exactly 1 item appended", got)
	}
	if got := cc2.Pipe().Len(); got != 1 {
		t.Fatalf("cc2 pipe len = %d, want exactly 1 item appended", got)
	}

	item, ok := cc1.Pipe().Pop()
	if !ok || item.Type != pipeItemType {
		t.Fatalf("cc1's item = %+v ok=%v, want type %d", item, ok, pipeItemType)
	}
}

func TestAddClientRejectedWhenConfigSocketDeclines(t *testing.T) {
	ch, err := New(1, 1, false, 0, ChannelCallbacks{
		ConfigSocket:   func(cc channelclient.ChannelClient) bool { return false },
		OnDisconnect:   func(cc channelclient.ChannelClient) {},
		AllocRecvBuf:   func(cc channelclient.ChannelClient, typ, size int) []byte { return nil },
		ReleaseRecvBuf: func(cc channelclient.ChannelClient, typ, size int, buf []byte) {},
	}, ClientCallbacks{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	cc := channelclient.NewGeneric(ch, &fakeClient{id: 1}, &fakeStream{}, 0)
	if err := ch.AddClient(cc); err == nil {
		t.Fatal("expected AddClient to fail when config_socket declines")
	}
	if ch.GetNClients() != 0 {
		t.Fatal("a declined channel-client must not be added to clients")
	}
}

func TestNewRejectsMissingRequiredCallbacks(t *testing.T) {
	if _, err := New(1, 1, false, 0, ChannelCallbacks{}, ClientCallbacks{}); err == nil {
		t.Fatal("expected New to reject a channel with no required callbacks")
	}
}

func TestNewRejectsMigrationFlagsWithoutHandleMigrateData(t *testing.T) {
	_, err := New(1, 1, false, MigrateNeedsDataTransfer, ChannelCallbacks{
		ConfigSocket:   func(cc channelclient.ChannelClient) bool { return true },
		OnDisconnect:   func(cc channelclient.ChannelClient) {},
		AllocRecvBuf:   func(cc channelclient.ChannelClient, typ, size int) []byte { return nil },
		ReleaseRecvBuf: func(cc channelclient.ChannelClient, typ, size int, buf []byte) {},
	}, ClientCallbacks{})
	if err == nil {
		t.Fatal("expected New to reject MigrateNeedsDataTransfer without handle_migrate_data")
	}
}
