package ice

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/pkg/errors"
)

// Candidate SDP line:
//
//	candidate:{foundation} {component} {transport} {priority} {ip} {port}
//	    typ {host|srflx|prflx|relay} [raddr {ip} rport {port}]

func (c *Candidate) sdpString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "candidate:%s %d udp %d %s %d typ %s",
		c.Foundation, c.Component, c.Priority, c.Address.Addr(), c.Address.Port(), c.Type)
	if c.Related.IsValid() {
		fmt.Fprintf(&b, " raddr %s rport %d", c.Related.Addr(), c.Related.Port())
	}
	return b.String()
}

// ParseCandidateSDP parses a candidate line into a remote Candidate.
func ParseCandidateSDP(desc string) (Candidate, error) {
	var c Candidate
	fields := strings.Fields(desc)
	if len(fields) < 8 {
		return c, errors.Wrapf(ErrInvalidCandidate, "%q", desc)
	}
	if !strings.HasPrefix(fields[0], "candidate:") {
		return c, errors.Wrapf(ErrInvalidCandidate, "missing prefix: %q", desc)
	}
	c.Foundation = strings.TrimPrefix(fields[0], "candidate:")
	if c.Foundation == "" {
		return c, errors.Wrapf(ErrInvalidCandidate, "empty foundation: %q", desc)
	}

	var component int
	if _, err := fmt.Sscanf(fields[1], "%d", &component); err != nil || component < 1 || component > 256 {
		return c, errors.Wrapf(ErrInvalidCandidate, "component %q", fields[1])
	}
	c.Component = uint8(component)

	if !strings.EqualFold(fields[2], "udp") {
		return c, errors.Wrapf(ErrInvalidCandidate, "transport %q", fields[2])
	}

	if _, err := fmt.Sscanf(fields[3], "%d", &c.Priority); err != nil {
		return c, errors.Wrapf(ErrInvalidCandidate, "priority %q", fields[3])
	}

	addr, err := netip.ParseAddr(fields[4])
	if err != nil {
		return c, errors.Wrapf(ErrInvalidCandidate, "address %q", fields[4])
	}
	var port uint16
	if _, err := fmt.Sscanf(fields[5], "%d", &port); err != nil {
		return c, errors.Wrapf(ErrInvalidCandidate, "port %q", fields[5])
	}
	c.Address = netip.AddrPortFrom(addr, port)

	if fields[6] != "typ" {
		return c, errors.Wrapf(ErrInvalidCandidate, "expected typ: %q", desc)
	}
	switch fields[7] {
	case "host":
		c.Type = Host
	case "srflx":
		c.Type = ServerReflexive
	case "prflx":
		c.Type = PeerReflexive
	case "relay":
		c.Type = Relay
	default:
		return c, errors.Wrapf(ErrInvalidCandidate, "type %q", fields[7])
	}

	// Trailing name/value attribute pairs; raddr/rport are recognized, the
	// rest are ignored.
	rest := fields[8:]
	if len(rest)%2 != 0 {
		return c, errors.Wrapf(ErrInvalidCandidate, "unmatched attribute: %q", desc)
	}
	var raddr netip.Addr
	var rport uint16
	var haveRaddr, haveRport bool
	for i := 0; i < len(rest); i += 2 {
		switch rest[i] {
		case "raddr":
			raddr, err = netip.ParseAddr(rest[i+1])
			if err != nil {
				return c, errors.Wrapf(ErrInvalidCandidate, "raddr %q", rest[i+1])
			}
			haveRaddr = true
		case "rport":
			if _, err := fmt.Sscanf(rest[i+1], "%d", &rport); err != nil {
				return c, errors.Wrapf(ErrInvalidCandidate, "rport %q", rest[i+1])
			}
			haveRport = true
		}
	}
	if haveRaddr && haveRport {
		c.Related = netip.AddrPortFrom(raddr, rport)
	}
	return c, nil
}
