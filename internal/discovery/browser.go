package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/nerrad567/gray-logic-espnode/internal/node"
)

const (
	// DefaultService is the mDNS service type espnode firmware advertises.
	DefaultService = "_esphomelib._tcp"

	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."

	// browseRetryDelay is how long to wait before restarting a browse that
	// ended unexpectedly (multicast socket failure, interface flap).
	browseRetryDelay = 5 * time.Second

	// resolvePollInterval is how often Resolve re-checks the cache while
	// waiting for an advertisement to arrive.
	resolvePollInterval = 100 * time.Millisecond

	// entryBuffer sizes the browse result channels.
	entryBuffer = 16
)

// Logger is the minimal logging interface this package depends on.
// Satisfied by *logging.Logger; a nil logger disables logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Instance is one espnode advertisement currently visible on the network.
type Instance struct {
	// Name is the mDNS instance name, which espnode firmware sets to the
	// device name.
	Name string `json:"name"`

	// Host is the advertised hostname, e.g. "porch.local.".
	Host string `json:"host,omitempty"`

	// Addr is the preferred dial address: the first IPv4 address seen,
	// falling back to IPv6.
	Addr string `json:"addr,omitempty"`

	// Addresses holds every address seen across all interfaces.
	Addresses []string `json:"addresses,omitempty"`

	Port int `json:"port,omitempty"`

	// MAC is the hardware identifier from the "mac" TXT record, normalised
	// to colon-separated lowercase hex.
	MAC string `json:"mac,omitempty"`

	// Version is the firmware version from the "version" TXT record.
	Version string `json:"version,omitempty"`

	Board        string `json:"board,omitempty"`
	Platform     string `json:"platform,omitempty"`
	Network      string `json:"network,omitempty"`
	FriendlyName string `json:"friendly_name,omitempty"`

	// SeenAt is when the most recent answer for this instance arrived.
	SeenAt time.Time `json:"seen_at"`
}

// Options configures a Browser.
type Options struct {
	// Service overrides the mDNS service type. Default "_esphomelib._tcp".
	Service string

	// Domain overrides the mDNS domain. Default "local.".
	Domain string

	// Interfaces restricts browsing to the named network interfaces.
	// Empty browses all multicast-capable interfaces.
	Interfaces []string

	Logger Logger
}

// Browser continuously browses for espnode advertisements and caches what
// it sees. It implements node.HostResolver so sessions can dial ".local"
// hostnames through the cache.
type Browser struct {
	service string
	domain  string
	ifaces  []string

	mu        sync.RWMutex
	instances map[string]*Instance // keyed by mDNS instance name
	hosts     map[string]string    // normalised hostname -> preferred address

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger Logger
}

// NewBrowser creates a browser. Call Start to begin browsing.
func NewBrowser(opts Options) *Browser {
	service := opts.Service
	if service == "" {
		service = DefaultService
	}
	domain := opts.Domain
	if domain == "" {
		domain = DefaultDomain
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Browser{
		service:   service,
		domain:    domain,
		ifaces:    opts.Interfaces,
		instances: make(map[string]*Instance),
		hosts:     make(map[string]string),
		ctx:       ctx,
		cancel:    cancel,
		logger:    opts.Logger,
	}
}

// Start begins browsing in the background. The browse restarts itself after
// transient failures until Stop is called.
func (b *Browser) Start() {
	b.wg.Add(1)
	go b.run()
	b.logInfo("mdns browse started", "service", b.service, "domain", b.domain)
}

// Stop ends browsing. The cached instances remain readable afterwards.
func (b *Browser) Stop() {
	b.stopOnce.Do(func() {
		b.cancel()
		b.wg.Wait()
	})
}

// Instances returns a copy of the current browse results, sorted by name.
func (b *Browser) Instances() []Instance {
	b.mu.RLock()
	out := make([]Instance, 0, len(b.instances))
	for _, inst := range b.instances {
		snapshot := *inst
		snapshot.Addresses = append([]string(nil), inst.Addresses...)
		out = append(out, snapshot)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve maps an mDNS hostname to a dialable address from the browse
// cache. When the host has not been seen yet it waits for an advertisement
// until the context expires, so a dial racing bridge startup can still win.
//
// Resolve implements node.HostResolver.
func (b *Browser) Resolve(ctx context.Context, host string) (string, error) {
	key := normalizeHost(host)
	if key == "" {
		return "", fmt.Errorf("resolve: empty host")
	}

	if addr := b.lookupHost(key); addr != "" {
		return addr, nil
	}

	ticker := time.NewTicker(resolvePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("resolve %s: %w", host, ctx.Err())
		case <-ticker.C:
			if addr := b.lookupHost(key); addr != "" {
				return addr, nil
			}
		}
	}
}

func (b *Browser) lookupHost(key string) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hosts[key]
}

// run restarts the browse until the browser is stopped. zeroconf browses
// end when their context does, so a return with the browser context still
// live means the underlying listener failed.
func (b *Browser) run() {
	defer b.wg.Done()
	for {
		b.browseOnce()
		if b.ctx.Err() != nil {
			return
		}

		b.logWarn("mdns browse ended, restarting", "delay", browseRetryDelay)
		select {
		case <-b.ctx.Done():
			return
		case <-time.After(browseRetryDelay):
		}
	}
}

// browseOnce runs a single browse round and consumes its results until it
// ends. The consumer gets a per-round context so a failed round never
// leaves a goroutine behind.
func (b *Browser) browseOnce() {
	rctx, cancel := context.WithCancel(b.ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, entryBuffer)
	removed := make(chan *zeroconf.ServiceEntry, entryBuffer)

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.consume(rctx, entries, removed)
	}()

	err := zeroconf.Browse(rctx, b.service, b.domain, entries, removed, b.clientOptions()...)
	cancel()
	<-done

	if err != nil && b.ctx.Err() == nil {
		b.logError("mdns browse failed", "error", err)
	}
}

// consume applies browse results to the cache until the round ends.
func (b *Browser) consume(ctx context.Context, entries, removed <-chan *zeroconf.ServiceEntry) {
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if entry != nil {
				b.upsert(answerFromEntry(entry))
			}
		case entry, ok := <-removed:
			if !ok {
				// Keep draining entries; a nil channel blocks forever.
				removed = nil
				continue
			}
			if entry != nil {
				b.remove(answerFromEntry(entry))
			}
		}
	}
}

// clientOptions translates the interface allowlist into zeroconf options.
func (b *Browser) clientOptions() []zeroconf.ClientOption {
	if len(b.ifaces) == 0 {
		return nil
	}

	selected := make([]net.Interface, 0, len(b.ifaces))
	for _, name := range b.ifaces {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			b.logWarn("skipping unknown network interface", "interface", name, "error", err)
			continue
		}
		selected = append(selected, *iface)
	}
	if len(selected) == 0 {
		return nil
	}
	return []zeroconf.ClientOption{zeroconf.SelectIfaces(selected)}
}

// answer is the subset of a browse result the cache consumes. Keeping it
// separate from the zeroconf entry type lets tests drive the cache
// directly.
type answer struct {
	instance string
	host     string
	port     int
	text     []string
	addrs    []string
}

func answerFromEntry(entry *zeroconf.ServiceEntry) answer {
	addrs := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	for _, ip := range entry.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return answer{
		instance: entry.Instance,
		host:     entry.HostName,
		port:     entry.Port,
		text:     entry.Text,
		addrs:    addrs,
	}
}

// upsert records or refreshes an instance. Answers for the same instance
// from different interfaces merge their addresses.
func (b *Browser) upsert(a answer) {
	if a.instance == "" {
		return
	}
	txt := parseTXT(a.text)

	b.mu.Lock()
	inst, known := b.instances[a.instance]
	if !known {
		inst = &Instance{Name: a.instance}
		b.instances[a.instance] = inst
	}

	if a.host != "" {
		inst.Host = a.host
	}
	if a.port != 0 {
		inst.Port = a.port
	}
	inst.Addresses = mergeAddresses(inst.Addresses, a.addrs)
	inst.Addr = preferredAddress(inst.Addresses)
	if v := txt["mac"]; v != "" {
		inst.MAC = node.NormalizeMAC(v)
	}
	if v := txt["version"]; v != "" {
		inst.Version = v
	}
	if v := txt["board"]; v != "" {
		inst.Board = v
	}
	if v := txt["platform"]; v != "" {
		inst.Platform = v
	}
	if v := txt["network"]; v != "" {
		inst.Network = v
	}
	if v := txt["friendly_name"]; v != "" {
		inst.FriendlyName = v
	}
	inst.SeenAt = time.Now().UTC()

	if host := normalizeHost(inst.Host); host != "" && inst.Addr != "" {
		b.hosts[host] = inst.Addr
	}
	b.mu.Unlock()

	if !known {
		b.logInfo("espnode discovered",
			"name", inst.Name,
			"host", inst.Host,
			"addr", inst.Addr,
			"mac", inst.MAC,
			"version", inst.Version,
		)
	}
}

// remove drops the addresses an interface withdrew and deletes the
// instance once none remain. The resolver cache entry follows the
// preferred address.
func (b *Browser) remove(a answer) {
	if a.instance == "" {
		return
	}

	b.mu.Lock()
	inst, known := b.instances[a.instance]
	gone := false
	if known {
		inst.Addresses = subtractAddresses(inst.Addresses, a.addrs)
		host := normalizeHost(inst.Host)
		if len(inst.Addresses) == 0 {
			delete(b.instances, a.instance)
			if host != "" {
				delete(b.hosts, host)
			}
			gone = true
		} else {
			inst.Addr = preferredAddress(inst.Addresses)
			if host != "" {
				b.hosts[host] = inst.Addr
			}
		}
	}
	b.mu.Unlock()

	if gone {
		b.logInfo("espnode lost", "name", a.instance)
	}
}

// parseTXT splits "key=value" records into a map. Keys are lowercased and
// flag-style records map to the empty string.
func parseTXT(records []string) map[string]string {
	txt := make(map[string]string, len(records))
	for _, rec := range records {
		if rec == "" {
			continue
		}
		key, value, _ := strings.Cut(rec, "=")
		txt[strings.ToLower(key)] = value
	}
	return txt
}

// normalizeHost lowercases a hostname and strips the trailing dot so
// configured hosts match mDNS answers.
func normalizeHost(host string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
}

// preferredAddress picks the dial address: the first IPv4, else the first
// address seen.
func preferredAddress(addrs []string) string {
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a
		}
	}
	if len(addrs) > 0 {
		return addrs[0]
	}
	return ""
}

// mergeAddresses appends addresses not already present.
func mergeAddresses(existing, fresh []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, addr := range existing {
		seen[addr] = struct{}{}
	}
	for _, addr := range fresh {
		if _, ok := seen[addr]; !ok {
			existing = append(existing, addr)
			seen[addr] = struct{}{}
		}
	}
	return existing
}

// subtractAddresses removes the withdrawn addresses.
func subtractAddresses(addrs, gone []string) []string {
	drop := make(map[string]struct{}, len(gone))
	for _, addr := range gone {
		drop[addr] = struct{}{}
	}

	kept := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		if _, ok := drop[addr]; !ok {
			kept = append(kept, addr)
		}
	}
	return kept
}

func (b *Browser) logInfo(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Info(msg, args...)
	}
}

func (b *Browser) logWarn(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Warn(msg, args...)
	}
}

func (b *Browser) logError(msg string, args ...any) {
	if b.logger != nil {
		b.logger.Error(msg, args...)
	}
}

// Browser resolves hostnames for dialling sessions.
var _ node.HostResolver = (*Browser)(nil)
