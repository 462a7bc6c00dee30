// ABOUTME: Network scan collector: TCP connect sweep across a CIDR range.
// ABOUTME: A bounded worker pool probes each host; progress is reported per chunk.

package agentd

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// scan limits. A /20 is already 4096 hosts; anything larger is a config
// mistake, not a scan.
const (
	maxScanHosts       = 4096
	defaultConcurrency = 64
	defaultDialTimeout = 500 * time.Millisecond
	progressEvery      = 256
)

// Ports probed when the scan request names none. Covers the services the
// inventory cares about: ssh, http(s), rdp, winbox, api.
var defaultScanPorts = []int{22, 80, 443, 3389, 8291, 8728}

// ScanParams is the params payload of a scan command.
type ScanParams struct {
	Network       string `json:"network"`
	Ports         []int  `json:"ports,omitempty"`
	Concurrency   int    `json:"concurrency,omitempty"`
	DialTimeoutMS int    `json:"dial_timeout_ms,omitempty"`
}

// ScanDevice is one reachable host found by a scan.
type ScanDevice struct {
	IP        string `json:"ip"`
	OpenPorts []int  `json:"open_ports"`
}

// ScanResult is the terminal payload of a scan command.
type ScanResult struct {
	Network  string       `json:"network"`
	Scanned  int          `json:"scanned"`
	Devices  []ScanDevice `json:"devices"`
	Duration string       `json:"duration"`
}

// scanProgress is emitted while the sweep runs.
type scanProgress struct {
	Scanned int `json:"scanned"`
	Total   int `json:"total"`
	Found   int `json:"found"`
}

// NewScanCollector returns the scan collector.
func NewScanCollector() Collector {
	return CollectorFunc(runScan)
}

func runScan(ctx context.Context, rawParams json.RawMessage, progress func(json.RawMessage)) (json.RawMessage, error) {
	var params ScanParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return nil, fmt.Errorf("invalid scan params: %w", err)
	}

	hosts, err := expandNetwork(params.Network)
	if err != nil {
		return nil, err
	}

	ports := params.Ports
	if len(ports) == 0 {
		ports = defaultScanPorts
	}
	concurrency := params.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	dialTimeout := defaultDialTimeout
	if params.DialTimeoutMS > 0 {
		dialTimeout = time.Duration(params.DialTimeoutMS) * time.Millisecond
	}

	start := time.Now()
	work := make(chan string)
	results := make(chan ScanDevice)

	var scanned, found atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for host := range work {
				if dev, ok := probeHost(ctx, host, ports, dialTimeout); ok {
					found.Add(1)
					results <- dev
				}
				if n := scanned.Add(1); progress != nil && n%progressEvery == 0 {
					p, err := json.Marshal(scanProgress{Scanned: int(n), Total: len(hosts), Found: int(found.Load())})
					if err == nil {
						progress(p)
					}
				}
			}
		}()
	}

	go func() {
		defer close(work)
		for _, h := range hosts {
			select {
			case <-ctx.Done():
				return
			case work <- h:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	var devices []ScanDevice
	for dev := range results {
		devices = append(devices, dev)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("scan aborted: %w", err)
	}

	sort.Slice(devices, func(i, j int) bool { return devices[i].IP < devices[j].IP })
	if devices == nil {
		devices = []ScanDevice{}
	}
	return json.Marshal(ScanResult{
		Network:  params.Network,
		Scanned:  len(hosts),
		Devices:  devices,
		Duration: time.Since(start).Round(time.Millisecond).String(),
	})
}

// probeHost attempts a TCP connect on each port; the host counts as a
// device if at least one port answers.
func probeHost(ctx context.Context, host string, ports []int, timeout time.Duration) (ScanDevice, bool) {
	dev := ScanDevice{IP: host}
	dialer := net.Dialer{Timeout: timeout}
	for _, port := range ports {
		if ctx.Err() != nil {
			break
		}
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, fmt.Sprintf("%d", port)))
		if err != nil {
			continue
		}
		_ = conn.Close()
		dev.OpenPorts = append(dev.OpenPorts, port)
	}
	return dev, len(dev.OpenPorts) > 0
}

// expandNetwork turns a CIDR into its usable host addresses. A bare IP is
// accepted as a single-host scan.
func expandNetwork(network string) ([]string, error) {
	if network == "" {
		return nil, fmt.Errorf("network is required")
	}

	if addr, err := netip.ParseAddr(network); err == nil {
		return []string{addr.String()}, nil
	}

	prefix, err := netip.ParsePrefix(network)
	if err != nil {
		return nil, fmt.Errorf("invalid network %q: %w", network, err)
	}
	prefix = prefix.Masked()

	var hosts []string
	for addr := prefix.Addr(); prefix.Contains(addr); addr = addr.Next() {
		hosts = append(hosts, addr.String())
		if len(hosts) > maxScanHosts {
			return nil, fmt.Errorf("network %q exceeds the %d host scan limit", network, maxScanHosts)
		}
	}

	// Drop network and broadcast addresses on IPv4 subnets that have them.
	if prefix.Addr().Is4() && prefix.Bits() < 31 && len(hosts) > 2 {
		hosts = hosts[1 : len(hosts)-1]
	}
	return hosts, nil
}
