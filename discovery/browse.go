package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// Relay is one relay seen on the local network.
type Relay struct {
	RelayID   string
	Instance  string
	Version   int
	HostName  string
	Port      int
	Addresses []string
	WSPath    string
}

// BaseURL returns the HTTP base URL of the relay's first address.
func (r Relay) BaseURL() string {
	host := r.HostName
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	host = strings.TrimSuffix(host, ".")
	return "http://" + net.JoinHostPort(host, strconv.Itoa(r.Port))
}

// Browse listens for relay advertisements for one scan window and returns
// the relays seen, sorted by instance name.
func Browse(ctx context.Context, config Config) ([]Relay, error) {
	cfg := config.withDefaults()

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Relay)
	var collectedMu sync.Mutex
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				relay, ok := parseEntry(entry)
				if !ok {
					continue
				}
				collectedMu.Lock()
				collected[relay.RelayID] = relay
				collectedMu.Unlock()
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		return nil, err
	}

	<-scanCtx.Done()
	<-collectorDone
	if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	collectedMu.Lock()
	defer collectedMu.Unlock()
	out := make([]Relay, 0, len(collected))
	for _, relay := range collected {
		out = append(out, relay)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instance == out[j].Instance {
			return out[i].RelayID < out[j].RelayID
		}
		return out[i].Instance < out[j].Instance
	})
	return out, nil
}

func parseEntry(entry *zeroconf.ServiceEntry) (Relay, bool) {
	txt := txtToMap(entry.Text)

	relayID := strings.TrimSpace(txt["relay_id"])
	if relayID == "" || entry.Port <= 0 {
		return Relay{}, false
	}

	version := 0
	if txt["version"] != "" {
		if parsed, err := strconv.Atoi(txt["version"]); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(entry.AddrIPv4, entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	// IPv4 sorts before IPv6 so BaseURL prefers it.
	sort.SliceStable(addresses, func(i, j int) bool {
		iv4, jv4 := !strings.Contains(addresses[i], ":"), !strings.Contains(addresses[j], ":")
		if iv4 != jv4 {
			return iv4
		}
		return addresses[i] < addresses[j]
	})

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	wsPath := txt["ws_path"]
	if wsPath == "" {
		wsPath = DefaultWSPath
	}

	return Relay{
		RelayID:   relayID,
		Instance:  name,
		Version:   version,
		HostName:  entry.HostName,
		Port:      entry.Port,
		Addresses: addresses,
		WSPath:    wsPath,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
