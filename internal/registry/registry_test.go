package registry_test

import (
	"sync"
	"testing"
	"time"

	"github.com/leandrodaf/rtpmidid/internal/logger"
	"github.com/leandrodaf/rtpmidid/internal/midievent"
	"github.com/leandrodaf/rtpmidid/internal/registry"
	"github.com/leandrodaf/rtpmidid/internal/rtppeer"
	"github.com/leandrodaf/rtpmidid/internal/rtpserver"
	"github.com/leandrodaf/rtpmidid/internal/seq"
	"github.com/stretchr/testify/require"
)

// fakeSeq is an in-memory sequencer. Unlike the real backends it does not
// auto-fire subscriptions, so tests control when a local client appears.
type fakeSeq struct {
	mu    sync.Mutex
	next  seq.Port
	ports map[seq.Port]*fakePort
}

type fakePort struct {
	name          string
	onSubscribe   func(string)
	onUnsubscribe func()
	onEvent       func(midievent.Event)
	emitted       []midievent.Event
}

func newFakeSeq() *fakeSeq {
	return &fakeSeq{ports: make(map[seq.Port]*fakePort)}
}

func (f *fakeSeq) CreatePort(name string) (seq.Port, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	port := f.next
	f.next++
	f.ports[port] = &fakePort{name: name}
	return port, nil
}

func (f *fakeSeq) RemovePort(port seq.Port) error {
	f.mu.Lock()
	fp, ok := f.ports[port]
	if ok {
		delete(f.ports, port)
	}
	f.mu.Unlock()
	if !ok {
		return seq.ErrUnknownPort
	}
	if fp.onUnsubscribe != nil {
		fp.onUnsubscribe()
	}
	return nil
}

func (f *fakeSeq) OnSubscribe(port seq.Port, fn func(string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fp, ok := f.ports[port]; ok {
		fp.onSubscribe = fn
		return nil
	}
	return seq.ErrUnknownPort
}

func (f *fakeSeq) OnUnsubscribe(port seq.Port, fn func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fp, ok := f.ports[port]; ok {
		fp.onUnsubscribe = fn
		return nil
	}
	return seq.ErrUnknownPort
}

func (f *fakeSeq) OnEvent(port seq.Port, fn func(midievent.Event)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fp, ok := f.ports[port]; ok {
		fp.onEvent = fn
		return nil
	}
	return seq.ErrUnknownPort
}

func (f *fakeSeq) Emit(port seq.Port, ev midievent.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fp, ok := f.ports[port]
	if !ok {
		return seq.ErrUnknownPort
	}
	fp.emitted = append(fp.emitted, ev)
	return nil
}

func (f *fakeSeq) Close() error { return nil }

// Test helpers driving the fake from the outside.

func (f *fakeSeq) portByName(name string) (seq.Port, *fakePort, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for port, fp := range f.ports {
		if fp.name == name {
			return port, fp, true
		}
	}
	return 0, nil, false
}

func (f *fakeSeq) subscribe(t *testing.T, name, subscriber string) {
	t.Helper()
	_, fp, ok := f.portByName(name)
	require.True(t, ok, "no port named %q", name)
	require.NotNil(t, fp.onSubscribe)
	fp.onSubscribe(subscriber)
}

func (f *fakeSeq) unsubscribe(t *testing.T, name string) {
	t.Helper()
	_, fp, ok := f.portByName(name)
	require.True(t, ok, "no port named %q", name)
	require.NotNil(t, fp.onUnsubscribe)
	fp.onUnsubscribe()
}

func (f *fakeSeq) play(t *testing.T, name string, ev midievent.Event) {
	t.Helper()
	_, fp, ok := f.portByName(name)
	require.True(t, ok, "no port named %q", name)
	require.NotNil(t, fp.onEvent)
	fp.onEvent(ev)
}

func (f *fakeSeq) emittedOn(name string) []midievent.Event {
	_, fp, ok := f.portByName(name)
	if !ok {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]midievent.Event(nil), fp.emitted...)
}

func (f *fakeSeq) portCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ports)
}

type fakeAnnouncer struct {
	mu        sync.Mutex
	announced map[string]uint16
}

func newFakeAnnouncer() *fakeAnnouncer {
	return &fakeAnnouncer{announced: make(map[string]uint16)}
}

func (a *fakeAnnouncer) Announce(name string, port uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.announced[name] = port
	return nil
}

func (a *fakeAnnouncer) Unannounce(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.announced, name)
}

func (a *fakeAnnouncer) port(name string) (uint16, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	port, ok := a.announced[name]
	return port, ok
}

func newRegistry(t *testing.T) (*registry.Registry, *fakeSeq, *fakeAnnouncer) {
	t.Helper()
	fs := newFakeSeq()
	fa := newFakeAnnouncer()
	r, err := registry.New(registry.Config{
		Name:      "daemon",
		Logger:    logger.NewNop(),
		Sequencer: fs,
		Announcer: fa,
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, fs, fa
}

// startTestServer runs a real session server on loopback for the clients
// the registry spawns.
func startTestServer(t *testing.T, name string) (*rtpserver.Server, chan []midievent.Event) {
	t.Helper()
	midi := make(chan []midievent.Event, 8)
	srv, err := rtpserver.New(logger.NewNop(), name, 0, rtpserver.Handlers{
		PeerMIDI: func(p *rtppeer.Peer, events []midievent.Event) { midi <- events },
	})
	require.NoError(t, err)
	srv.Start()
	t.Cleanup(srv.Close)
	return srv, midi
}

func TestDuplicateDiscoveryIsIdempotent(t *testing.T) {
	r, fs, _ := newRegistry(t)

	before := fs.portCount()
	r.OnDiscovery("foo", "10.0.0.1", 5004)
	r.OnDiscovery("foo", "10.0.0.1", 5004)
	require.Equal(t, before+1, fs.portCount())
}

func TestSubscribeConnectsExactlyOnce(t *testing.T) {
	r, fs, _ := newRegistry(t)
	srv, _ := startTestServer(t, "remote")

	r.OnDiscovery("remote", "127.0.0.1", srv.ControlPort())
	fs.subscribe(t, "remote", "app")
	fs.subscribe(t, "remote", "other-app")

	require.Eventually(t, func() bool { return srv.ConnectedPeers() == 1 },
		3*time.Second, 20*time.Millisecond, "want exactly one session")

	// Only the last unsubscribe releases the session.
	fs.unsubscribe(t, "remote")
	require.Never(t, func() bool { return srv.ConnectedPeers() == 0 },
		300*time.Millisecond, 50*time.Millisecond)
	fs.unsubscribe(t, "remote")
	require.Eventually(t, func() bool { return srv.ConnectedPeers() == 0 },
		3*time.Second, 20*time.Millisecond)
}

func TestMIDIBridgesBothWaysThroughClientPort(t *testing.T) {
	r, fs, _ := newRegistry(t)
	srv, serverMIDI := startTestServer(t, "remote")

	r.OnDiscovery("remote", "127.0.0.1", srv.ControlPort())
	fs.subscribe(t, "remote", "app")
	require.Eventually(t, func() bool { return srv.ConnectedPeers() == 1 },
		3*time.Second, 20*time.Millisecond)

	// Local -> remote.
	want := midievent.NewNoteOn(0, 64, 99)
	fs.play(t, "remote", want)
	select {
	case got := <-serverMIDI:
		require.Equal(t, []midievent.Event{want}, got)
	case <-time.After(3 * time.Second):
		t.Fatal("remote session never received the local event")
	}

	// Remote -> local.
	reply := midievent.NewControlChange(2, 1, 64)
	srv.SendMIDIToAllPeers(reply)
	require.Eventually(t, func() bool {
		return len(fs.emittedOn("remote")) == 1
	}, 3*time.Second, 20*time.Millisecond)
	require.Equal(t, []midievent.Event{reply}, fs.emittedOn("remote"))
}

func TestNetworkSubscribeExportsServer(t *testing.T) {
	_, fs, fa := newRegistry(t)

	fs.subscribe(t, "Network", "sequencer-app")

	port, ok := fa.port("daemon/sequencer-app")
	require.True(t, ok, "export server not announced")
	require.NotZero(t, port)

	fs.unsubscribe(t, "Network")
	_, ok = fa.port("daemon/sequencer-app")
	require.False(t, ok, "export server still announced after unsubscribe")
}

func TestRemoveClientByNameDropsPort(t *testing.T) {
	r, fs, _ := newRegistry(t)

	r.OnDiscovery("foo", "10.0.0.1", 5004)
	require.Equal(t, 2, fs.portCount()) // Network + foo

	r.OnRemove("foo")
	require.Equal(t, 1, fs.portCount())

	// A later announce for the same endpoint recreates it.
	r.OnDiscovery("foo", "10.0.0.1", 5004)
	require.Equal(t, 2, fs.portCount())
}

func TestImportServersAnnounceOnStart(t *testing.T) {
	r, _, fa := newRegistry(t)

	require.NoError(t, r.StartServers([]uint16{0}))
	port, ok := fa.port("daemon")
	require.True(t, ok)
	require.NotZero(t, port)
}
