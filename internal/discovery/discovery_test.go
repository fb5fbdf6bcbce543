package discovery

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/koron/go-ssdp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBackend records calls and hands the browse callbacks back to the test.
type fakeBackend struct {
	advertiseErr error
	browseErr    error

	mu         sync.Mutex
	advertised bool
	stopped    bool
	up         func(Peer)
	down       func(name string)
}

func (b *fakeBackend) Advertise(instance string, port int, txt map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.advertiseErr != nil {
		return b.advertiseErr
	}
	b.advertised = true
	return nil
}

func (b *fakeBackend) Browse(up func(Peer), down func(name string)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browseErr != nil {
		return b.browseErr
	}
	b.up = up
	b.down = down
	return nil
}

func (b *fakeBackend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
}

func (b *fakeBackend) announce(p Peer) {
	b.mu.Lock()
	up := b.up
	b.mu.Unlock()
	up(p)
}

func (b *fakeBackend) depart(name string) {
	b.mu.Lock()
	down := b.down
	b.mu.Unlock()
	down(name)
}

func newFakeService(t *testing.T, cfg Config, backends map[string]*fakeBackend) *Service {
	t.Helper()
	s := NewService(cfg, testLogger())
	s.factory = func(name string) (Backend, error) {
		b, ok := backends[name]
		if !ok {
			return nil, errors.New("unknown discovery backend: " + name)
		}
		return b, nil
	}
	t.Cleanup(s.Stop)
	return s
}

func TestStartUsesFirstWorkingBackend(t *testing.T) {
	primary := &fakeBackend{}
	s := newFakeService(t, Config{
		ServiceName:  "xsg-chat",
		InstanceName: "gw-test",
		Port:         18789,
		Backends:     []string{"a", "b"},
	}, map[string]*fakeBackend{"a": primary, "b": {}})

	require.NoError(t, s.Start())
	assert.True(t, primary.advertised)
	assert.NotNil(t, primary.up)
}

func TestStartFallsBackWhenBackendFails(t *testing.T) {
	broken := &fakeBackend{advertiseErr: errors.New("no multicast")}
	working := &fakeBackend{}
	s := newFakeService(t, Config{
		InstanceName: "gw-test",
		Backends:     []string{"a", "b"},
	}, map[string]*fakeBackend{"a": broken, "b": working})

	require.NoError(t, s.Start())
	assert.True(t, broken.stopped)
	assert.True(t, working.advertised)
}

func TestStartFailsWhenAllBackendsFail(t *testing.T) {
	s := newFakeService(t, Config{
		InstanceName: "gw-test",
		Backends:     []string{"a", "missing"},
	}, map[string]*fakeBackend{"a": {browseErr: errors.New("bind failed")}})

	err := s.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no discovery backend available")
	assert.Contains(t, err.Error(), "bind failed")
}

func TestPeerTableUpAndDown(t *testing.T) {
	backend := &fakeBackend{}
	s := newFakeService(t, Config{
		InstanceName: "gw-test",
		Backends:     []string{"a"},
	}, map[string]*fakeBackend{"a": backend})

	var up, down []string
	s.OnPeerUp(func(p Peer) { up = append(up, p.Name) })
	s.OnPeerDown(func(p Peer) { down = append(down, p.Name) })

	require.NoError(t, s.Start())

	backend.announce(Peer{Name: "gw-other", Host: "10.0.0.2", Port: 18789})
	peers := s.Peers()
	require.Len(t, peers, 1)
	assert.Equal(t, "gw-other", peers[0].Name)
	assert.False(t, peers[0].LastSeen.IsZero())

	backend.depart("gw-other")
	assert.Empty(t, s.Peers())
	assert.Equal(t, []string{"gw-other"}, up)
	assert.Equal(t, []string{"gw-other"}, down)

	// Departure of an unknown peer is silent.
	backend.depart("gw-ghost")
	assert.Equal(t, []string{"gw-other"}, down)
}

func TestOwnAdvertisementIsIgnored(t *testing.T) {
	backend := &fakeBackend{}
	s := newFakeService(t, Config{
		InstanceName: "gw-test",
		Backends:     []string{"a"},
	}, map[string]*fakeBackend{"a": backend})

	require.NoError(t, s.Start())
	backend.announce(Peer{Name: "gw-test", Host: "10.0.0.1", Port: 18789})
	assert.Empty(t, s.Peers())
}

func TestPeersAgeOut(t *testing.T) {
	backend := &fakeBackend{}
	s := newFakeService(t, Config{
		InstanceName: "gw-test",
		Backends:     []string{"a"},
		PeerTTL:      20 * time.Millisecond,
	}, map[string]*fakeBackend{"a": backend})

	downed := make(chan Peer, 1)
	s.OnPeerDown(func(p Peer) { downed <- p })

	require.NoError(t, s.Start())
	backend.announce(Peer{Name: "gw-silent", Host: "10.0.0.3", Port: 18789})

	select {
	case p := <-downed:
		assert.Equal(t, "gw-silent", p.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("peer never aged out")
	}
	assert.Empty(t, s.Peers())
}

func TestStopIsIdempotentAndStopsBackend(t *testing.T) {
	backend := &fakeBackend{}
	s := newFakeService(t, Config{
		InstanceName: "gw-test",
		Backends:     []string{"a"},
	}, map[string]*fakeBackend{"a": backend})

	require.NoError(t, s.Start())
	backend.announce(Peer{Name: "gw-other", Host: "10.0.0.2", Port: 18789})

	s.Stop()
	assert.True(t, backend.stopped)
	assert.Empty(t, s.Peers())
	s.Stop()
}

func TestDefaultsFillIn(t *testing.T) {
	s := NewService(Config{ServiceName: "xsg-chat"}, testLogger())
	assert.NotEmpty(t, s.cfg.InstanceName)
	assert.Equal(t, 2*time.Minute, s.cfg.PeerTTL)
	assert.Equal(t, []string{BackendZeroconf, BackendSSDP}, s.cfg.Backends)
}

func TestInstanceFromUSN(t *testing.T) {
	assert.Equal(t, "gw-ab12", instanceFromUSN("uuid:gw-ab12::urn:xsg-chat"))
	assert.Equal(t, "gw-ab12", instanceFromUSN("uuid:gw-ab12"))
	assert.Equal(t, "", instanceFromUSN("urn:xsg-chat"))
	assert.Equal(t, "", instanceFromUSN(""))
}

func TestEntryToPeer(t *testing.T) {
	entry := &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: "gw-other"},
		HostName:      "gw-other.local.",
		Port:          18789,
		Text:          []string{"version=1.0.0", "path=/ws", "malformed"},
		AddrIPv4:      []net.IP{net.ParseIP("10.0.0.2")},
	}

	peer := entryToPeer(entry)
	assert.Equal(t, "gw-other", peer.Name)
	assert.Equal(t, "gw-other.local", peer.Host)
	assert.Equal(t, 18789, peer.Port)
	assert.Equal(t, []string{"10.0.0.2"}, peer.Addresses)
	assert.Equal(t, "1.0.0", peer.Txt["version"])
	assert.Equal(t, "/ws", peer.Txt["path"])
	assert.NotContains(t, peer.Txt, "malformed")
}

func TestAliveToPeer(t *testing.T) {
	b := newSSDPBackend("xsg-chat", testLogger())

	peer, ok := b.aliveToPeer(&ssdp.AliveMessage{
		Type:     "urn:xsg-chat",
		USN:      "uuid:gw-other::urn:xsg-chat",
		Location: "http://10.0.0.2:18789/ws",
		Server:   "chatgateway/1.0.0",
	})
	require.True(t, ok)
	assert.Equal(t, "gw-other", peer.Name)
	assert.Equal(t, "10.0.0.2", peer.Host)
	assert.Equal(t, 18789, peer.Port)
	assert.Equal(t, "/ws", peer.Txt["path"])
	assert.Equal(t, "1.0.0", peer.Txt["version"])

	_, ok = b.aliveToPeer(&ssdp.AliveMessage{
		Type: "urn:xsg-chat",
		USN:  "urn:no-uuid-prefix",
	})
	assert.False(t, ok)
}
