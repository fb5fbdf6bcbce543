// Package discovery advertises the gateway on the local network and browses
// for peer gateways. Two functionally equivalent backends exist (mDNS via
// zeroconf, and SSDP); configuration lists candidates in fallback order.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"chatgateway/internal/protocol"
)

// Backend names accepted in Config.Backends.
const (
	BackendZeroconf = "zeroconf"
	BackendSSDP     = "ssdp"
)

// Peer is one discovered gateway.
type Peer struct {
	Name      string            `json:"name"`
	Host      string            `json:"host"`
	Port      int               `json:"port"`
	Addresses []string          `json:"addresses,omitempty"`
	Txt       map[string]string `json:"txt,omitempty"`
	LastSeen  time.Time         `json:"lastSeen"`
}

// Backend is one advertisement/browsing implementation. Advertise publishes
// this instance, Browse reports peers until Stop.
type Backend interface {
	Advertise(instance string, port int, txt map[string]string) error
	Browse(up func(Peer), down func(name string)) error
	Stop()
}

// Config selects and parameterizes the discovery service.
type Config struct {
	ServiceName  string // logical service name, e.g. "xsg-chat"
	InstanceName string // defaults to a random gateway name
	Port         int
	Backends     []string // candidates in fallback order
	PeerTTL      time.Duration
}

// Service maintains the discovered-peer table over whichever backend
// started successfully.
type Service struct {
	cfg    Config
	logger *slog.Logger

	// factory overrides backend construction; nil selects by name.
	factory func(name string) (Backend, error)

	mu      sync.Mutex
	backend Backend
	running bool
	onUp    []func(Peer)
	onDown  []func(Peer)

	peers *ttlcache.Cache[string, Peer]
}

// NewService creates a discovery service. Backends are only touched by
// Start.
func NewService(cfg Config, logger *slog.Logger) *Service {
	if cfg.InstanceName == "" {
		cfg.InstanceName = "gw-" + uuid.NewString()[:8]
	}
	if cfg.PeerTTL <= 0 {
		cfg.PeerTTL = 2 * time.Minute
	}
	if len(cfg.Backends) == 0 {
		cfg.Backends = []string{BackendZeroconf, BackendSSDP}
	}
	s := &Service{
		cfg:    cfg,
		logger: logger.With("component", "discovery"),
	}
	return s
}

// OnPeerUp registers a callback for peer arrival and refresh.
func (s *Service) OnPeerUp(fn func(Peer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUp = append(s.onUp, fn)
}

// OnPeerDown registers a callback for peer removal, whether announced or
// aged out.
func (s *Service) OnPeerDown(fn func(Peer)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDown = append(s.onDown, fn)
}

// Start publishes this instance and begins browsing, trying each configured
// backend in order until one succeeds.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("discovery already running")
		return nil
	}
	s.mu.Unlock()

	txt := map[string]string{
		"version": protocol.Version,
		"path":    protocol.EndpointPath,
	}

	factory := s.factory
	if factory == nil {
		factory = s.newBackend
	}

	var errs []string
	for _, name := range s.cfg.Backends {
		backend, err := factory(name)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if err := s.startBackend(backend, txt); err != nil {
			s.logger.Warn("discovery backend failed, trying next", "backend", name, "error", err)
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
			backend.Stop()
			continue
		}

		s.mu.Lock()
		s.backend = backend
		s.running = true
		s.peers = ttlcache.New(
			ttlcache.WithTTL[string, Peer](s.cfg.PeerTTL),
		)
		// Age-out is an implicit peer-down; explicit deletes notify on
		// their own path.
		s.peers.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, Peer]) {
			if reason == ttlcache.EvictionReasonExpired {
				s.notifyDown(item.Value())
			}
		})
		go s.peers.Start()
		s.mu.Unlock()

		s.logger.Info("discovery started", "backend", name, "instance", s.cfg.InstanceName)
		return nil
	}

	return errors.New("no discovery backend available: " + strings.Join(errs, "; "))
}

func (s *Service) newBackend(name string) (Backend, error) {
	switch name {
	case BackendZeroconf:
		return newZeroconfBackend(s.cfg.ServiceName, s.logger), nil
	case BackendSSDP:
		return newSSDPBackend(s.cfg.ServiceName, s.logger), nil
	}
	return nil, fmt.Errorf("unknown discovery backend: %s", name)
}

func (s *Service) startBackend(b Backend, txt map[string]string) error {
	if err := b.Advertise(s.cfg.InstanceName, s.cfg.Port, txt); err != nil {
		return err
	}
	return b.Browse(s.peerUp, s.peerDown)
}

// Stop un-publishes, stops browsing and clears the peer table.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	backend := s.backend
	peers := s.peers
	s.backend = nil
	s.peers = nil
	s.running = false
	s.mu.Unlock()

	if backend != nil {
		backend.Stop()
	}
	if peers != nil {
		peers.DeleteAll()
		peers.Stop()
	}
	s.logger.Info("discovery stopped")
}

// Peers returns a snapshot of the discovered-peer table.
func (s *Service) Peers() []Peer {
	s.mu.Lock()
	cache := s.peers
	s.mu.Unlock()
	if cache == nil {
		return nil
	}
	var out []Peer
	for _, item := range cache.Items() {
		out = append(out, item.Value())
	}
	return out
}

func (s *Service) peerUp(p Peer) {
	if p.Name == s.cfg.InstanceName {
		return // our own advertisement
	}
	p.LastSeen = time.Now()

	s.mu.Lock()
	cache := s.peers
	callbacks := append(([]func(Peer))(nil), s.onUp...)
	s.mu.Unlock()
	if cache == nil {
		return
	}
	cache.Set(p.Name, p, ttlcache.DefaultTTL)
	s.logger.Info("peer discovered", "peer", p.Name, "host", p.Host, "port", p.Port)
	for _, fn := range callbacks {
		fn(p)
	}
}

func (s *Service) peerDown(name string) {
	s.mu.Lock()
	cache := s.peers
	s.mu.Unlock()
	if cache == nil {
		return
	}
	if item := cache.Get(name); item != nil {
		peer := item.Value()
		cache.Delete(name)
		s.logger.Info("peer removed", "peer", name)
		s.notifyDown(peer)
	}
}

func (s *Service) notifyDown(p Peer) {
	s.mu.Lock()
	callbacks := append(([]func(Peer))(nil), s.onDown...)
	s.mu.Unlock()
	for _, fn := range callbacks {
		fn(p)
	}
}
