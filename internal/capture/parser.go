// Package capture turns tshark field records into events. It supervises the
// tshark process for live capture and reads recorded output for replay.
package capture

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/invisible-tech/netsentry/internal/types"
)

// ErrMalformed marks a record that cannot be turned into an event.
var ErrMalformed = errors.New("malformed field record")

// Fields is the tshark field order every record follows.
var Fields = []string{
	"frame.time_epoch",
	"ip.src",
	"ip.dst",
	"arp.opcode",
	"arp.src.proto_ipv4",
	"arp.src.hw_mac",
	"icmp.type",
	"tcp.dstport",
	"tcp.flags.syn",
	"tcp.flags.ack",
}

const (
	fieldTime = iota
	fieldSrc
	fieldDst
	fieldARPOpcode
	fieldARPSenderIP
	fieldARPSenderMAC
	fieldICMPType
	fieldDstPort
	fieldSYN
	fieldACK
)

// Separator joins fields within a record.
const Separator = ","

// Parser parses records captured on one interface.
type Parser struct {
	Interface string
}

// Parse turns one record into an event. Records with the wrong field count
// or a non-numeric timestamp are rejected with ErrMalformed.
func (p Parser) Parse(line string) (*types.Event, error) {
	line = strings.TrimRight(line, "\r\n")
	f := strings.Split(line, Separator)
	if len(f) != len(Fields) {
		return nil, fmt.Errorf("%w: %d fields, want %d", ErrMalformed, len(f), len(Fields))
	}
	for i := range f {
		f[i] = strings.TrimSpace(f[i])
	}

	ts, err := strconv.ParseFloat(f[fieldTime], 64)
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp %q", ErrMalformed, f[fieldTime])
	}

	ev := &types.Event{
		Timestamp: ts,
		Interface: p.Interface,
		Protocol:  types.ProtocolOther,
		SrcIP:     f[fieldSrc],
		DstIP:     f[fieldDst],
	}

	switch {
	case f[fieldARPOpcode] != "":
		op, err := strconv.Atoi(f[fieldARPOpcode])
		if err != nil {
			return nil, fmt.Errorf("%w: arp opcode %q", ErrMalformed, f[fieldARPOpcode])
		}
		ev.Protocol = types.ProtocolARP
		ev.ARPOpcode = op
		ev.ARPSenderIP = f[fieldARPSenderIP]
		ev.ARPSenderMAC = strings.ToLower(f[fieldARPSenderMAC])

	case f[fieldICMPType] != "":
		typ, err := strconv.Atoi(f[fieldICMPType])
		if err != nil {
			return nil, fmt.Errorf("%w: icmp type %q", ErrMalformed, f[fieldICMPType])
		}
		ev.Protocol = types.ProtocolICMP
		ev.ICMPType = typ

	case f[fieldDstPort] != "":
		port, err := strconv.Atoi(f[fieldDstPort])
		if err != nil || port < 0 || port > 65535 {
			return nil, fmt.Errorf("%w: tcp port %q", ErrMalformed, f[fieldDstPort])
		}
		ev.Protocol = types.ProtocolTCP
		ev.DstPort = port
		ev.SYN = parseFlag(f[fieldSYN])
		ev.ACK = parseFlag(f[fieldACK])
	}

	return ev, nil
}

// parseFlag accepts both the numeric and the boolean flag rendering of
// different tshark releases.
func parseFlag(s string) bool {
	return s == "1" || strings.EqualFold(s, "true")
}
