// Package types defines the event, alert and severity types shared by the
// capture adapter, the detection engine, the sinks and the HTTP API.
package types

import (
	"math"
	"time"
)

// Protocol is the layer a decoded packet record was classified as.
type Protocol string

const (
	ProtocolARP   Protocol = "arp"
	ProtocolICMP  Protocol = "icmp"
	ProtocolTCP   Protocol = "tcp"
	ProtocolOther Protocol = "other"
)

// ARP opcodes.
const (
	ARPRequest = 1
	ARPReply   = 2
)

// ICMPEchoRequest is the ICMP type of a ping.
const ICMPEchoRequest = 8

// Event is one decoded packet observation. Fields that do not apply to the
// packet's protocol are left at their zero value.
type Event struct {
	Timestamp float64  `json:"timestamp"`
	Interface string   `json:"interface,omitempty"`
	Protocol  Protocol `json:"protocol"`
	SrcIP     string   `json:"src_ip,omitempty"`
	DstIP     string   `json:"dst_ip,omitempty"`

	ARPOpcode    int    `json:"arp_opcode,omitempty"`
	ARPSenderIP  string `json:"arp_sender_ip,omitempty"`
	ARPSenderMAC string `json:"arp_sender_mac,omitempty"`

	ICMPType int `json:"icmp_type,omitempty"`

	DstPort int  `json:"dst_port,omitempty"`
	SYN     bool `json:"syn,omitempty"`
	ACK     bool `json:"ack,omitempty"`
}

// ShardKey returns the identity all detectors group this event by: the
// claimed sender address for ARP, the source address otherwise.
func (e *Event) ShardKey() string {
	if e.Protocol == ProtocolARP {
		return e.ARPSenderIP
	}
	return e.SrcIP
}

// IsSYNOnly reports a connection-opening TCP segment (SYN set, ACK clear).
func (e *Event) IsSYNOnly() bool {
	return e.Protocol == ProtocolTCP && e.SYN && !e.ACK
}

// Time converts the fractional epoch timestamp to a time.Time.
func (e *Event) Time() time.Time {
	return EpochTime(e.Timestamp)
}

// EpochTime converts fractional epoch seconds to UTC time.
func EpochTime(ts float64) time.Time {
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}

// EpochSeconds converts a time.Time to fractional epoch seconds.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
