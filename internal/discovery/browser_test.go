package discovery

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestParseTXT(t *testing.T) {
	tests := []struct {
		name    string
		records []string
		want    map[string]string
	}{
		{
			name:    "key value pairs",
			records: []string{"mac=a4cf12abcdef", "version=2025.12.0", "board=esp32dev"},
			want:    map[string]string{"mac": "a4cf12abcdef", "version": "2025.12.0", "board": "esp32dev"},
		},
		{
			name:    "flag without value",
			records: []string{"api"},
			want:    map[string]string{"api": ""},
		},
		{
			name:    "keys lowercased",
			records: []string{"MAC=A4CF12ABCDEF"},
			want:    map[string]string{"mac": "A4CF12ABCDEF"},
		},
		{
			name:    "value containing equals",
			records: []string{"note=a=b"},
			want:    map[string]string{"note": "a=b"},
		},
		{
			name:    "empty records skipped",
			records: []string{"", "mac=aa"},
			want:    map[string]string{"mac": "aa"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseTXT(tt.records)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseTXT(%v) = %v, want %v", tt.records, got, tt.want)
			}
		})
	}
}

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"porch.local.", "porch.local"},
		{"Porch.LOCAL", "porch.local"},
		{"  porch.local ", "porch.local"},
		{"porch.local", "porch.local"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := normalizeHost(tt.in); got != tt.want {
			t.Errorf("normalizeHost(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPreferredAddress(t *testing.T) {
	tests := []struct {
		name  string
		addrs []string
		want  string
	}{
		{"ipv4 first", []string{"192.168.1.50", "fe80::1"}, "192.168.1.50"},
		{"ipv4 preferred over earlier ipv6", []string{"fe80::1", "192.168.1.50"}, "192.168.1.50"},
		{"ipv6 only", []string{"fe80::1", "fe80::2"}, "fe80::1"},
		{"empty", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := preferredAddress(tt.addrs); got != tt.want {
				t.Errorf("preferredAddress(%v) = %q, want %q", tt.addrs, got, tt.want)
			}
		})
	}
}

func TestMergeAddresses(t *testing.T) {
	got := mergeAddresses([]string{"192.168.1.50"}, []string{"192.168.1.50", "fe80::1"})
	want := []string{"192.168.1.50", "fe80::1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("mergeAddresses = %v, want %v", got, want)
	}
}

func TestSubtractAddresses(t *testing.T) {
	got := subtractAddresses([]string{"192.168.1.50", "fe80::1"}, []string{"fe80::1"})
	want := []string{"192.168.1.50"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("subtractAddresses = %v, want %v", got, want)
	}
}

func TestBrowserUpsert(t *testing.T) {
	b := NewBrowser(Options{})

	b.upsert(answer{
		instance: "porch",
		host:     "porch.local.",
		port:     6053,
		text: []string{
			"mac=A4CF12ABCDEF",
			"version=2025.12.0",
			"board=esp32dev",
			"platform=ESP32",
			"network=wifi",
			"friendly_name=Porch Node",
		},
		addrs: []string{"192.168.1.50"},
	})

	instances := b.Instances()
	if len(instances) != 1 {
		t.Fatalf("Instances() returned %d, want 1", len(instances))
	}

	inst := instances[0]
	if inst.Name != "porch" {
		t.Errorf("Name = %q, want porch", inst.Name)
	}
	if inst.Host != "porch.local." {
		t.Errorf("Host = %q, want porch.local.", inst.Host)
	}
	if inst.Addr != "192.168.1.50" {
		t.Errorf("Addr = %q, want 192.168.1.50", inst.Addr)
	}
	if inst.Port != 6053 {
		t.Errorf("Port = %d, want 6053", inst.Port)
	}
	if inst.MAC != "a4:cf:12:ab:cd:ef" {
		t.Errorf("MAC = %q, want a4:cf:12:ab:cd:ef", inst.MAC)
	}
	if inst.Version != "2025.12.0" {
		t.Errorf("Version = %q, want 2025.12.0", inst.Version)
	}
	if inst.Board != "esp32dev" {
		t.Errorf("Board = %q, want esp32dev", inst.Board)
	}
	if inst.FriendlyName != "Porch Node" {
		t.Errorf("FriendlyName = %q, want Porch Node", inst.FriendlyName)
	}
	if inst.SeenAt.IsZero() {
		t.Error("SeenAt should be set")
	}
}

func TestBrowserUpsertMergesInterfaces(t *testing.T) {
	b := NewBrowser(Options{})

	// Same instance answered on two interfaces with different addresses.
	b.upsert(answer{instance: "porch", host: "porch.local.", port: 6053, addrs: []string{"fe80::1"}})
	b.upsert(answer{instance: "porch", host: "porch.local.", port: 6053, addrs: []string{"192.168.1.50"}})

	instances := b.Instances()
	if len(instances) != 1 {
		t.Fatalf("Instances() returned %d, want 1", len(instances))
	}
	if len(instances[0].Addresses) != 2 {
		t.Errorf("Addresses = %v, want both interface addresses", instances[0].Addresses)
	}
	if instances[0].Addr != "192.168.1.50" {
		t.Errorf("Addr = %q, want the IPv4 address", instances[0].Addr)
	}
}

func TestBrowserRemove(t *testing.T) {
	b := NewBrowser(Options{})

	b.upsert(answer{instance: "porch", host: "porch.local.", addrs: []string{"192.168.1.50", "fe80::1"}})

	// One interface withdraws: the instance stays on the other address.
	b.remove(answer{instance: "porch", addrs: []string{"192.168.1.50"}})

	instances := b.Instances()
	if len(instances) != 1 {
		t.Fatalf("Instances() returned %d, want 1 after partial removal", len(instances))
	}
	if instances[0].Addr != "fe80::1" {
		t.Errorf("Addr = %q, want fe80::1 after the IPv4 was withdrawn", instances[0].Addr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if addr, err := b.Resolve(ctx, "porch.local"); err != nil || addr != "fe80::1" {
		t.Errorf("Resolve = (%q, %v), want fe80::1 from the updated cache", addr, err)
	}

	// The last address goes: the instance and its resolver entry disappear.
	b.remove(answer{instance: "porch", addrs: []string{"fe80::1"}})

	if got := b.Instances(); len(got) != 0 {
		t.Errorf("Instances() = %v, want empty after full removal", got)
	}
	if addr := b.lookupHost("porch.local"); addr != "" {
		t.Errorf("lookupHost = %q, want empty after full removal", addr)
	}
}

func TestBrowserRemoveUnknownInstance(t *testing.T) {
	b := NewBrowser(Options{})
	b.remove(answer{instance: "ghost", addrs: []string{"192.168.1.9"}})

	if got := b.Instances(); len(got) != 0 {
		t.Errorf("Instances() = %v, want empty", got)
	}
}

func TestBrowserInstancesSorted(t *testing.T) {
	b := NewBrowser(Options{})
	for _, name := range []string{"workshop", "attic", "porch"} {
		b.upsert(answer{instance: name, addrs: []string{"192.168.1.10"}})
	}

	instances := b.Instances()
	want := []string{"attic", "porch", "workshop"}
	for i, inst := range instances {
		if inst.Name != want[i] {
			t.Errorf("Instances()[%d].Name = %q, want %q", i, inst.Name, want[i])
		}
	}
}

func TestBrowserInstancesCopies(t *testing.T) {
	b := NewBrowser(Options{})
	b.upsert(answer{instance: "porch", addrs: []string{"192.168.1.50"}})

	instances := b.Instances()
	instances[0].Addresses[0] = "mutated"
	instances[0].Name = "mutated"

	fresh := b.Instances()
	if fresh[0].Name != "porch" || fresh[0].Addresses[0] != "192.168.1.50" {
		t.Error("mutating a returned instance should not affect the cache")
	}
}

func TestBrowserResolve(t *testing.T) {
	t.Run("cache hit", func(t *testing.T) {
		b := NewBrowser(Options{})
		b.upsert(answer{instance: "porch", host: "Porch.Local.", addrs: []string{"192.168.1.50"}})

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		addr, err := b.Resolve(ctx, "porch.local")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if addr != "192.168.1.50" {
			t.Errorf("Resolve = %q, want 192.168.1.50", addr)
		}
	})

	t.Run("waits for an advertisement", func(t *testing.T) {
		b := NewBrowser(Options{})

		go func() {
			time.Sleep(50 * time.Millisecond)
			b.upsert(answer{instance: "porch", host: "porch.local.", addrs: []string{"192.168.1.50"}})
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		addr, err := b.Resolve(ctx, "porch.local")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if addr != "192.168.1.50" {
			t.Errorf("Resolve = %q, want 192.168.1.50", addr)
		}
	})

	t.Run("times out when never seen", func(t *testing.T) {
		b := NewBrowser(Options{})

		ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
		defer cancel()
		_, err := b.Resolve(ctx, "ghost.local")
		if err == nil {
			t.Fatal("Resolve should fail for an unseen host")
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("error = %v, want context.DeadlineExceeded", err)
		}
	})

	t.Run("empty host", func(t *testing.T) {
		b := NewBrowser(Options{})
		if _, err := b.Resolve(context.Background(), ""); err == nil {
			t.Error("Resolve should reject an empty host")
		}
	})
}

func TestBrowserStartStop(t *testing.T) {
	b := NewBrowser(Options{})
	b.Start()

	done := make(chan struct{})
	go func() {
		b.Stop()
		b.Stop() // idempotent
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestNewBrowserDefaults(t *testing.T) {
	b := NewBrowser(Options{})
	if b.service != DefaultService {
		t.Errorf("service = %q, want %q", b.service, DefaultService)
	}
	if b.domain != DefaultDomain {
		t.Errorf("domain = %q, want %q", b.domain, DefaultDomain)
	}

	custom := NewBrowser(Options{Service: "_other._tcp", Domain: "lan."})
	if custom.service != "_other._tcp" || custom.domain != "lan." {
		t.Errorf("custom options not applied: %q %q", custom.service, custom.domain)
	}
}
