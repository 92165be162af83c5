package detection

import (
	"strings"
	"testing"

	"github.com/invisible-tech/netsentry/internal/config"
	"github.com/invisible-tech/netsentry/internal/types"
)

func TestFromConfig_Defaults(t *testing.T) {
	detectors, err := FromConfig(config.Default().Detectors, "eth0")
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	want := []string{ARPSpoofing, ICMPFlood, SYNFlood, PortScan, SSHBruteForce}
	if len(detectors) != len(want) {
		t.Fatalf("got %d detectors, want %d", len(detectors), len(want))
	}
	for i, d := range detectors {
		if d.Name != want[i] {
			t.Errorf("detector[%d] = %q, want %q", i, d.Name, want[i])
		}
		if d.Interface != "eth0" {
			t.Errorf("%s: Interface = %q, want global eth0", d.Name, d.Interface)
		}
		if d.Threshold <= 0 || d.Window <= 0 {
			t.Errorf("%s: Threshold=%d Window=%v", d.Name, d.Threshold, d.Window)
		}
	}
	if detectors[0].Mode != CountDistinct || detectors[3].Mode != CountDistinct {
		t.Error("ARP and port scan must count distinct discriminants")
	}
	if detectors[4].Threshold != 10 {
		t.Errorf("ssh threshold = %d, want 10", detectors[4].Threshold)
	}
}

func TestFromConfig_Disabled(t *testing.T) {
	cfg := config.Default().Detectors
	cfg.ICMPFlood.Enabled = false
	cfg.PortScan.Enabled = false
	cfg.SSHBruteForce.Interface = "eth1"
	detectors, err := FromConfig(cfg, "any")
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if len(detectors) != 3 {
		t.Fatalf("got %d detectors, want 3", len(detectors))
	}
	if detectors[2].Name != SSHBruteForce || detectors[2].Interface != "eth1" {
		t.Errorf("ssh detector = %s on %q", detectors[2].Name, detectors[2].Interface)
	}
}

func TestFromConfig_BadSeverity(t *testing.T) {
	cfg := config.Default().Detectors
	cfg.SYNFlood.Severity = "apocalyptic"
	if _, err := FromConfig(cfg, ""); err == nil {
		t.Fatal("expected error for unknown severity")
	}
}

func TestDetectorMatch(t *testing.T) {
	detectors, err := FromConfig(config.Default().Detectors, "")
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	byName := make(map[string]*Detector)
	for _, d := range detectors {
		byName[d.Name] = d
	}

	arpReply := &types.Event{Protocol: types.ProtocolARP, ARPOpcode: types.ARPReply, ARPSenderIP: "10.0.0.1", ARPSenderMAC: "aa:bb:cc:dd:ee:01"}
	arpRequest := &types.Event{Protocol: types.ProtocolARP, ARPOpcode: types.ARPRequest, ARPSenderIP: "10.0.0.1", ARPSenderMAC: "aa:bb:cc:dd:ee:01"}
	ping := &types.Event{Protocol: types.ProtocolICMP, SrcIP: "10.0.0.9", ICMPType: types.ICMPEchoRequest}
	pong := &types.Event{Protocol: types.ProtocolICMP, SrcIP: "10.0.0.9", ICMPType: 0}
	syn22 := &types.Event{Protocol: types.ProtocolTCP, SrcIP: "10.0.0.9", DstPort: 22, SYN: true}
	synAck22 := &types.Event{Protocol: types.ProtocolTCP, SrcIP: "10.0.0.9", DstPort: 22, SYN: true, ACK: true}
	syn80 := &types.Event{Protocol: types.ProtocolTCP, SrcIP: "10.0.0.9", DstPort: 80, SYN: true}

	tests := []struct {
		detector string
		event    *types.Event
		want     bool
	}{
		{ARPSpoofing, arpReply, true},
		{ARPSpoofing, arpRequest, false},
		{ICMPFlood, ping, true},
		{ICMPFlood, pong, false},
		{SYNFlood, syn80, true},
		{SYNFlood, synAck22, false},
		{PortScan, syn80, true},
		{PortScan, ping, false},
		{SSHBruteForce, syn22, true},
		{SSHBruteForce, synAck22, false},
		{SSHBruteForce, syn80, false},
	}
	for _, tt := range tests {
		if got := byName[tt.detector].Accepts(tt.event); got != tt.want {
			t.Errorf("%s.Accepts(%+v) = %v, want %v", tt.detector, tt.event, got, tt.want)
		}
	}
}

func TestSSHBruteForce_SYNOnlyOff(t *testing.T) {
	cfg := config.Default().Detectors.SSHBruteForce
	cfg.SYNOnly = false
	cfg.Port = 2222
	d, err := NewSSHBruteForce(cfg)
	if err != nil {
		t.Fatalf("NewSSHBruteForce: %v", err)
	}
	ev := &types.Event{Protocol: types.ProtocolTCP, SrcIP: "10.0.0.9", DstPort: 2222, SYN: true, ACK: true}
	if !d.Accepts(ev) {
		t.Error("SYN+ACK should match with syn_only off")
	}
	if strings.Contains(d.Filter, "ack") || !strings.Contains(d.Filter, "2222") {
		t.Errorf("Filter = %q", d.Filter)
	}
}

func TestDetectorInterfaceFilter(t *testing.T) {
	cfg := config.Default().Detectors.ICMPFlood
	cfg.Interface = "eth1"
	d, err := NewICMPFlood(cfg)
	if err != nil {
		t.Fatalf("NewICMPFlood: %v", err)
	}
	ping := types.Event{Protocol: types.ProtocolICMP, SrcIP: "10.0.0.9", ICMPType: types.ICMPEchoRequest}

	on := ping
	on.Interface = "eth1"
	off := ping
	off.Interface = "eth0"
	if !d.Accepts(&on) {
		t.Error("event on eth1 rejected")
	}
	if d.Accepts(&off) {
		t.Error("event on eth0 accepted")
	}
	if !d.Accepts(&ping) {
		t.Error("event without interface should match")
	}
}

func TestDisplayFilter(t *testing.T) {
	cfg := config.Default().Detectors
	cfg.ARPSpoofing.Interface = "eth1"
	detectors, err := FromConfig(cfg, "eth0")
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	eth0 := DisplayFilter(detectors, "eth0")
	if strings.Contains(eth0, "arp") {
		t.Errorf("eth0 filter includes ARP: %q", eth0)
	}
	// syn flood and port scan share one clause
	if n := strings.Count(eth0, "(tcp.flags.syn == 1 && tcp.flags.ack == 0)"); n != 1 {
		t.Errorf("shared SYN clause appears %d times in %q", n, eth0)
	}
	if got := DisplayFilter(detectors, "eth1"); got != "(arp.opcode == 2)" {
		t.Errorf("eth1 filter = %q", got)
	}
}
