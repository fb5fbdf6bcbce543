package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/koron/go-ssdp"
)

const (
	ssdpMaxAge        = 120 // seconds a notification stays fresh
	ssdpAliveInterval = 30 * time.Second
)

// ssdpBackend advertises and browses over SSDP multicast notifications.
// Peer identity travels in the USN, the endpoint in the location URL and
// the text attributes in the server token.
type ssdpBackend struct {
	serviceType string // SSDP search target, e.g. "urn:xsg-chat"
	logger      *slog.Logger

	advertiser *ssdp.Advertiser
	monitor    *ssdp.Monitor
	aliveStop  chan struct{}
}

func newSSDPBackend(serviceName string, logger *slog.Logger) *ssdpBackend {
	return &ssdpBackend{
		serviceType: "urn:" + serviceName,
		logger:      logger.With("backend", BackendSSDP),
	}
}

func (b *ssdpBackend) Advertise(instance string, port int, txt map[string]string) error {
	host := localIPv4()
	location := fmt.Sprintf("http://%s:%d%s", host, port, txt["path"])
	usn := fmt.Sprintf("uuid:%s::%s", instance, b.serviceType)
	server := "chatgateway/" + txt["version"]

	ad, err := ssdp.Advertise(b.serviceType, usn, location, server, ssdpMaxAge)
	if err != nil {
		return fmt.Errorf("ssdp advertise: %w", err)
	}
	b.advertiser = ad
	b.aliveStop = make(chan struct{})

	// Refresh the notification well inside its max-age so browsers never
	// see us expire while we are up.
	go func() {
		ticker := time.NewTicker(ssdpAliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-b.aliveStop:
				return
			case <-ticker.C:
				if err := ad.Alive(); err != nil {
					b.logger.Warn("ssdp alive failed", "error", err)
				}
			}
		}
	}()
	return nil
}

func (b *ssdpBackend) Browse(up func(Peer), down func(name string)) error {
	monitor := &ssdp.Monitor{
		Alive: func(m *ssdp.AliveMessage) {
			if m.Type != b.serviceType {
				return
			}
			peer, ok := b.aliveToPeer(m)
			if !ok {
				return
			}
			up(peer)
		},
		Bye: func(m *ssdp.ByeMessage) {
			if m.Type != b.serviceType {
				return
			}
			if name := instanceFromUSN(m.USN); name != "" {
				down(name)
			}
		},
	}
	if err := monitor.Start(); err != nil {
		return fmt.Errorf("ssdp monitor: %w", err)
	}
	b.monitor = monitor
	return nil
}

func (b *ssdpBackend) Stop() {
	if b.aliveStop != nil {
		close(b.aliveStop)
		b.aliveStop = nil
	}
	if b.advertiser != nil {
		if err := b.advertiser.Bye(); err != nil {
			b.logger.Warn("ssdp bye failed", "error", err)
		}
		_ = b.advertiser.Close()
		b.advertiser = nil
	}
	if b.monitor != nil {
		_ = b.monitor.Close()
		b.monitor = nil
	}
}

func (b *ssdpBackend) aliveToPeer(m *ssdp.AliveMessage) (Peer, bool) {
	name := instanceFromUSN(m.USN)
	if name == "" {
		return Peer{}, false
	}
	loc, err := url.Parse(m.Location)
	if err != nil {
		return Peer{}, false
	}
	port, _ := strconv.Atoi(loc.Port())

	txt := map[string]string{"path": loc.Path}
	if _, version, ok := strings.Cut(m.Server, "/"); ok {
		txt["version"] = version
	}

	return Peer{
		Name:      name,
		Host:      loc.Hostname(),
		Port:      port,
		Addresses: []string{loc.Hostname()},
		Txt:       txt,
	}, true
}

// instanceFromUSN pulls the instance name out of "uuid:<name>::urn:...".
func instanceFromUSN(usn string) string {
	rest, ok := strings.CutPrefix(usn, "uuid:")
	if !ok {
		return ""
	}
	name, _, _ := strings.Cut(rest, "::")
	return name
}

// localIPv4 picks a non-loopback address to put into the location URL.
func localIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "127.0.0.1"
}
