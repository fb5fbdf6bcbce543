package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/grandcat/zeroconf"
)

const mdnsDomain = "local."

// zeroconfBackend advertises and browses over multicast DNS.
type zeroconfBackend struct {
	service string // mDNS service type, e.g. "_xsg-chat._tcp"
	logger  *slog.Logger

	server *zeroconf.Server
	cancel context.CancelFunc
}

func newZeroconfBackend(serviceName string, logger *slog.Logger) *zeroconfBackend {
	return &zeroconfBackend{
		service: fmt.Sprintf("_%s._tcp", serviceName),
		logger:  logger.With("backend", BackendZeroconf),
	}
}

func (b *zeroconfBackend) Advertise(instance string, port int, txt map[string]string) error {
	records := make([]string, 0, len(txt))
	for k, v := range txt {
		records = append(records, k+"="+v)
	}
	server, err := zeroconf.Register(instance, b.service, mdnsDomain, port, records, nil)
	if err != nil {
		return fmt.Errorf("zeroconf register: %w", err)
	}
	b.server = server
	return nil
}

func (b *zeroconfBackend) Browse(up func(Peer), _ func(name string)) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("zeroconf resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	entries := make(chan *zeroconf.ServiceEntry, 16)
	go func() {
		for entry := range entries {
			if entry == nil {
				continue
			}
			up(entryToPeer(entry))
		}
	}()

	if err := resolver.Browse(ctx, b.service, mdnsDomain, entries); err != nil {
		cancel()
		return fmt.Errorf("zeroconf browse: %w", err)
	}
	return nil
}

func (b *zeroconfBackend) Stop() {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	if b.server != nil {
		b.server.Shutdown()
		b.server = nil
	}
}

// entryToPeer maps an mDNS service entry onto the peer record. mDNS does
// not deliver explicit down events; peers age out of the table instead.
func entryToPeer(entry *zeroconf.ServiceEntry) Peer {
	var addrs []string
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	txt := make(map[string]string, len(entry.Text))
	for _, rec := range entry.Text {
		if k, v, ok := strings.Cut(rec, "="); ok {
			txt[k] = v
		}
	}
	return Peer{
		Name:      entry.Instance,
		Host:      strings.TrimSuffix(entry.HostName, "."),
		Port:      entry.Port,
		Addresses: addrs,
		Txt:       txt,
	}
}
