package rtpserver_test

import (
	"testing"
	"time"

	"github.com/leandrodaf/rtpmidid/internal/logger"
	"github.com/leandrodaf/rtpmidid/internal/midievent"
	"github.com/leandrodaf/rtpmidid/internal/rtpclient"
	"github.com/leandrodaf/rtpmidid/internal/rtppeer"
	"github.com/leandrodaf/rtpmidid/internal/rtpserver"
	"github.com/stretchr/testify/require"
)

// channelSink reports client events over channels so the test can block on
// them without sharing state with the client's goroutines.
type channelSink struct {
	connected chan string
	closed    chan struct{}
	midi      chan []midievent.Event
}

func newChannelSink() *channelSink {
	return &channelSink{
		connected: make(chan string, 8),
		closed:    make(chan struct{}, 8),
		midi:      make(chan []midievent.Event, 8),
	}
}

func (s *channelSink) Connected(remoteName string)           { s.connected <- remoteName }
func (s *channelSink) Closed()                               { s.closed <- struct{}{} }
func (s *channelSink) MIDIReceived(events []midievent.Event) { s.midi <- events }

func recv[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func startServer(t *testing.T, name string) (*rtpserver.Server, chan *rtppeer.Peer, chan []midievent.Event, chan *rtppeer.Peer) {
	t.Helper()
	connected := make(chan *rtppeer.Peer, 8)
	midi := make(chan []midievent.Event, 8)
	closed := make(chan *rtppeer.Peer, 8)
	srv, err := rtpserver.New(logger.NewNop(), name, 0, rtpserver.Handlers{
		PeerConnected: func(p *rtppeer.Peer) { connected <- p },
		PeerMIDI:      func(p *rtppeer.Peer, events []midievent.Event) { midi <- events },
		PeerClosed:    func(p *rtppeer.Peer) { closed <- p },
	})
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Close)
	return srv, connected, midi, closed
}

func TestHandshakeOverLoopback(t *testing.T) {
	srv, serverConnected, _, _ := startServer(t, "server")

	sink := newChannelSink()
	client, err := rtpclient.Connect(logger.NewNop(), "client", "127.0.0.1", srv.ControlPort(), sink)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	remoteName := recv(t, sink.connected, "client connect")
	require.Equal(t, "server", remoteName)

	peer := recv(t, serverConnected, "server peer connect")
	require.Equal(t, "client", peer.RemoteName())
	require.Equal(t, rtppeer.Connected, peer.Status())
	require.Equal(t, rtppeer.Connected, client.Status())
	require.Equal(t, 1, srv.ConnectedPeers())
}

func TestMIDIFlowsBothWays(t *testing.T) {
	srv, serverConnected, serverMIDI, _ := startServer(t, "server")

	sink := newChannelSink()
	client, err := rtpclient.Connect(logger.NewNop(), "client", "127.0.0.1", srv.ControlPort(), sink)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	recv(t, sink.connected, "client connect")
	recv(t, serverConnected, "server peer connect")

	sent := []midievent.Event{
		midievent.NewNoteOn(3, 60, 100),
		midievent.NewControlChange(0, 7, 127),
	}
	require.NoError(t, client.SendMIDI(sent...))
	require.Equal(t, sent, recv(t, serverMIDI, "server MIDI"))

	reply := []midievent.Event{midievent.NewPitchBend(1, -100)}
	srv.SendMIDIToAllPeers(reply...)
	require.Equal(t, reply, recv(t, sink.midi, "client MIDI"))
}

func TestClientGoodbyeDropsServerPeer(t *testing.T) {
	srv, serverConnected, _, serverClosed := startServer(t, "server")

	sink := newChannelSink()
	client, err := rtpclient.Connect(logger.NewNop(), "client", "127.0.0.1", srv.ControlPort(), sink)
	require.NoError(t, err)

	recv(t, sink.connected, "client connect")
	recv(t, serverConnected, "server peer connect")

	client.Close()
	recv(t, sink.closed, "client close")
	recv(t, serverClosed, "server peer close")
	require.Equal(t, 0, srv.ConnectedPeers())
}

func TestHandshakeTimesOutWithoutResponder(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the full handshake timeout")
	}
	sink := newChannelSink()
	// Nothing listens on this port pair; discard is a safe assumption for
	// the high discard range on loopback.
	client, err := rtpclient.Connect(logger.NewNop(), "client", "127.0.0.1", 59900, sink)
	require.NoError(t, err)
	t.Cleanup(client.Close)

	select {
	case <-sink.closed:
	case <-time.After(rtpclient.HandshakeTimeout + 2*time.Second):
		t.Fatal("handshake never timed out")
	}
	require.Equal(t, rtppeer.NotConnected, client.Status())
}
