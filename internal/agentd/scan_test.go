// ABOUTME: Tests for the scan collector and CIDR expansion.
// ABOUTME: Scans loopback with a real listener instead of mocking the network.

package agentd

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
)

func TestExpandNetwork(t *testing.T) {
	t.Run("single address", func(t *testing.T) {
		hosts, err := expandNetwork("192.168.1.10")
		if err != nil {
			t.Fatalf("expand: %v", err)
		}
		if len(hosts) != 1 || hosts[0] != "192.168.1.10" {
			t.Fatalf("unexpected hosts: %v", hosts)
		}
	})

	t.Run("cidr drops network and broadcast", func(t *testing.T) {
		hosts, err := expandNetwork("192.168.1.0/30")
		if err != nil {
			t.Fatalf("expand: %v", err)
		}
		// .0 and .3 are excluded.
		if len(hosts) != 2 || hosts[0] != "192.168.1.1" || hosts[1] != "192.168.1.2" {
			t.Fatalf("unexpected hosts: %v", hosts)
		}
	})

	t.Run("point to point /31 keeps both", func(t *testing.T) {
		hosts, err := expandNetwork("10.0.0.0/31")
		if err != nil {
			t.Fatalf("expand: %v", err)
		}
		if len(hosts) != 2 {
			t.Fatalf("unexpected hosts: %v", hosts)
		}
	})

	t.Run("oversized network refused", func(t *testing.T) {
		_, err := expandNetwork("10.0.0.0/8")
		if err == nil || !strings.Contains(err.Error(), "scan limit") {
			t.Fatalf("expected scan limit error, got %v", err)
		}
	})

	t.Run("garbage refused", func(t *testing.T) {
		if _, err := expandNetwork("not-a-network"); err == nil {
			t.Fatal("expected error")
		}
		if _, err := expandNetwork(""); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestScanFindsListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	params, _ := json.Marshal(ScanParams{
		Network: "127.0.0.1",
		Ports:   []int{port},
	})

	payload, err := NewScanCollector().Collect(context.Background(), params, nil)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	var result ScanResult
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.Scanned != 1 {
		t.Fatalf("expected 1 scanned host, got %d", result.Scanned)
	}
	if len(result.Devices) != 1 {
		t.Fatalf("expected 1 device, got %v", result.Devices)
	}
	if result.Devices[0].IP != "127.0.0.1" {
		t.Errorf("unexpected device ip: %s", result.Devices[0].IP)
	}
	if len(result.Devices[0].OpenPorts) != 1 || result.Devices[0].OpenPorts[0] != port {
		t.Errorf("unexpected open ports: %v", result.Devices[0].OpenPorts)
	}
}

func TestScanFindsNothingOnClosedPort(t *testing.T) {
	// Grab a port and release it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	params, _ := json.Marshal(ScanParams{Network: "127.0.0.1", Ports: []int{port}})
	payload, err := NewScanCollector().Collect(context.Background(), params, nil)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	var result ScanResult
	if err := json.Unmarshal(payload, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(result.Devices) != 0 {
		t.Fatalf("expected no devices, got %v", result.Devices)
	}
}

func TestScanRejectsBadParams(t *testing.T) {
	if _, err := NewScanCollector().Collect(context.Background(), json.RawMessage(`{`), nil); err == nil {
		t.Fatal("expected error for malformed params")
	}
	if _, err := NewScanCollector().Collect(context.Background(), json.RawMessage(`{}`), nil); err == nil {
		t.Fatal("expected error for missing network")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Get("scan"); ok {
		t.Fatal("empty registry must not resolve actions")
	}

	r.RegisterFunc("scan", func(ctx context.Context, params json.RawMessage, progress func(json.RawMessage)) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	})
	if _, ok := r.Get("scan"); !ok {
		t.Fatal("registered action must resolve")
	}
	if actions := r.Actions(); len(actions) != 1 || actions[0] != "scan" {
		t.Fatalf("unexpected actions: %v", actions)
	}
}

func TestProbeCollector(t *testing.T) {
	payload, err := NewProbeCollector("2.3.4").Collect(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	var probe ProbeResult
	if err := json.Unmarshal(payload, &probe); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if probe.Version != "2.3.4" {
		t.Errorf("unexpected version: %s", probe.Version)
	}
	if probe.Hostname == "" || probe.OS == "" {
		t.Errorf("incomplete probe result: %+v", probe)
	}
}
