// Package detection implements the sliding-window detection engine: per-key
// windows, threshold evaluation and alert cooldown shared by every detector.
package detection

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/invisible-tech/netsentry/internal/config"
	"github.com/invisible-tech/netsentry/internal/types"
)

// Detector names.
const (
	ARPSpoofing   = "arp_spoofing"
	ICMPFlood     = "icmp_flood"
	SYNFlood      = "syn_flood"
	PortScan      = "port_scan"
	SSHBruteForce = "ssh_brute_force"
)

// Attack types carried on alerts.
const (
	AttackARPSpoofing   = "ARP_SPOOFING"
	AttackICMPFlood     = "ICMP_PING_FLOOD"
	AttackSYNFlood      = "TCP_SYN_FLOOD"
	AttackPortScan      = "PORT_SCAN"
	AttackSSHBruteForce = "SSH_BRUTE_FORCE"
)

// Detector is the configuration of one attack signal. Detectors differ only
// in their fields; the engine evaluates all of them the same way.
type Detector struct {
	Name         string
	AttackType   string
	Message      string
	Severity     types.Severity
	Mode         CountingMode
	Window       time.Duration
	Threshold    int
	Cooldown     time.Duration
	ResetOnAlert bool
	// Interface restricts the detector to events captured on one interface.
	Interface string
	// Filter is the tshark display filter selecting this detector's packets.
	Filter string

	Match        func(e *types.Event) bool
	Key          func(e *types.Event) string
	Discriminant func(e *types.Event) string
	// DetailKey names the alert detail holding the distinct discriminants.
	DetailKey string
}

// Accepts reports whether the detector evaluates e.
func (d *Detector) Accepts(e *types.Event) bool {
	if d.Interface != "" && e.Interface != "" && d.Interface != e.Interface {
		return false
	}
	return d.Match(e)
}

func (d *Detector) discriminant(e *types.Event) string {
	if d.Discriminant == nil {
		return ""
	}
	return d.Discriminant(e)
}

// details builds the alert details from the retained discriminants.
func (d *Detector) details(distinct []string) map[string]interface{} {
	if d.DetailKey == "" {
		return nil
	}
	if d.Name == PortScan {
		ports := make([]int, 0, len(distinct))
		for _, s := range distinct {
			if p, err := strconv.Atoi(s); err == nil {
				ports = append(ports, p)
			}
		}
		sort.Ints(ports)
		return map[string]interface{}{d.DetailKey: ports}
	}
	return map[string]interface{}{d.DetailKey: distinct}
}

func srcIP(e *types.Event) string { return e.SrcIP }

func apply(d *Detector, c config.DetectorConfig) error {
	sev, err := types.ParseSeverity(c.Severity)
	if err != nil {
		return fmt.Errorf("detector %s: %w", d.Name, err)
	}
	d.Severity = sev
	d.Window = c.Window
	d.Threshold = c.Threshold
	d.Cooldown = c.Cooldown
	d.ResetOnAlert = c.ResetOnAlert
	d.Interface = c.Interface
	return nil
}

// NewARPSpoofing flags a claimed IP announced with several MAC addresses.
func NewARPSpoofing(c config.DetectorConfig) (*Detector, error) {
	d := &Detector{
		Name:       ARPSpoofing,
		AttackType: AttackARPSpoofing,
		Message:    "Possible ARP spoofing detected: IP mapped to multiple MAC addresses",
		Mode:       CountDistinct,
		Filter:     "arp.opcode == 2",
		Match: func(e *types.Event) bool {
			return e.Protocol == types.ProtocolARP && e.ARPOpcode == types.ARPReply &&
				e.ARPSenderIP != "" && e.ARPSenderMAC != ""
		},
		Key:          func(e *types.Event) string { return e.ARPSenderIP },
		Discriminant: func(e *types.Event) string { return e.ARPSenderMAC },
		DetailKey:    "mac_addresses",
	}
	return d, apply(d, c)
}

// NewICMPFlood flags a source sending many echo requests.
func NewICMPFlood(c config.DetectorConfig) (*Detector, error) {
	d := &Detector{
		Name:       ICMPFlood,
		AttackType: AttackICMPFlood,
		Message:    "Possible ICMP flood detected",
		Mode:       CountEvents,
		Filter:     "icmp.type == 8",
		Match: func(e *types.Event) bool {
			return e.Protocol == types.ProtocolICMP && e.ICMPType == types.ICMPEchoRequest && e.SrcIP != ""
		},
		Key: srcIP,
	}
	return d, apply(d, c)
}

// NewSYNFlood flags a source sending many bare SYNs.
func NewSYNFlood(c config.DetectorConfig) (*Detector, error) {
	d := &Detector{
		Name:       SYNFlood,
		AttackType: AttackSYNFlood,
		Message:    "High rate of TCP SYN packets detected (possible SYN flood attack)",
		Mode:       CountEvents,
		Filter:     "tcp.flags.syn == 1 && tcp.flags.ack == 0",
		Match: func(e *types.Event) bool {
			return e.IsSYNOnly() && e.SrcIP != ""
		},
		Key: srcIP,
	}
	return d, apply(d, c)
}

// NewPortScan flags a source probing many distinct destination ports.
func NewPortScan(c config.DetectorConfig) (*Detector, error) {
	d := &Detector{
		Name:       PortScan,
		AttackType: AttackPortScan,
		Message:    "Multiple TCP ports probed in short time (possible port scan)",
		Mode:       CountDistinct,
		Filter:     "tcp.flags.syn == 1 && tcp.flags.ack == 0",
		Match: func(e *types.Event) bool {
			return e.IsSYNOnly() && e.SrcIP != "" && e.DstPort > 0
		},
		Key:          srcIP,
		Discriminant: func(e *types.Event) string { return strconv.Itoa(e.DstPort) },
		DetailKey:    "ports_scanned",
	}
	return d, apply(d, c)
}

// NewSSHBruteForce flags a source opening many connections to the SSH port.
func NewSSHBruteForce(c config.SSHConfig) (*Detector, error) {
	port := c.Port
	synOnly := c.SYNOnly
	filter := fmt.Sprintf("tcp.dstport == %d && tcp.flags.syn == 1", port)
	if synOnly {
		filter += " && tcp.flags.ack == 0"
	}
	d := &Detector{
		Name:       SSHBruteForce,
		AttackType: AttackSSHBruteForce,
		Message:    "Possible SSH brute-force attack detected",
		Mode:       CountEvents,
		Filter:     filter,
		Match: func(e *types.Event) bool {
			if e.Protocol != types.ProtocolTCP || e.DstPort != port || !e.SYN || e.SrcIP == "" {
				return false
			}
			return !synOnly || !e.ACK
		},
		Key: srcIP,
	}
	return d, apply(d, c.DetectorConfig)
}

// FromConfig builds the enabled detectors in a fixed order. Per-detector
// interfaces default to global.
func FromConfig(c config.DetectorsConfig, global string) ([]*Detector, error) {
	type build struct {
		enabled bool
		fn      func() (*Detector, error)
	}
	builds := []build{
		{c.ARPSpoofing.Enabled, func() (*Detector, error) { return NewARPSpoofing(c.ARPSpoofing) }},
		{c.ICMPFlood.Enabled, func() (*Detector, error) { return NewICMPFlood(c.ICMPFlood) }},
		{c.SYNFlood.Enabled, func() (*Detector, error) { return NewSYNFlood(c.SYNFlood) }},
		{c.PortScan.Enabled, func() (*Detector, error) { return NewPortScan(c.PortScan) }},
		{c.SSHBruteForce.Enabled, func() (*Detector, error) { return NewSSHBruteForce(c.SSHBruteForce) }},
	}

	var out []*Detector
	for _, b := range builds {
		if !b.enabled {
			continue
		}
		d, err := b.fn()
		if err != nil {
			return nil, err
		}
		if d.Interface == "" {
			d.Interface = global
		}
		out = append(out, d)
	}
	return out, nil
}

// DisplayFilter joins the filters of the detectors bound to iface.
func DisplayFilter(detectors []*Detector, iface string) string {
	seen := make(map[string]bool)
	var filter string
	for _, d := range detectors {
		if d.Interface != "" && d.Interface != iface {
			continue
		}
		if seen[d.Filter] {
			continue
		}
		seen[d.Filter] = true
		if filter != "" {
			filter += " || "
		}
		filter += "(" + d.Filter + ")"
	}
	return filter
}
