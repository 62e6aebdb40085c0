// Package sdp encodes and decodes ICE candidate-attribute lines
// ("a=candidate:...", RFC 5245 §15.1) for the trickle-ICE and offer/answer
// signaling paths, reusing github.com/pion/sdp/v3 for the surrounding
// session/media description rather than hand-rolling SDP parsing, while
// the candidate grammar itself is implemented directly — grounded on the
// teacher's internal/sdp/ice.go field-based marshal/unmarshal.
package sdp

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/pionlabs/icecore/candidate"
)

// Marshal renders one candidate as an "a=candidate" attribute value
// (without the "a=" prefix), per RFC 5245 §15.1:
//
//	candidate:<foundation> <component-id> <transport> <priority> <address> <port> typ <type> [raddr <addr> rport <port>]
func Marshal(c *candidate.Candidate) string {
	addr, port := hostPort(c.Address)

	line := fmt.Sprintf("candidate:%s %d %s %d %s %d typ %s",
		c.Foundation, c.ComponentID, transportToken(c.Transport), c.Priority, addr, port, typeToken(c.Kind))

	if c.Kind == candidate.ServerReflexive || c.Kind == candidate.Relayed || c.Kind == candidate.PeerReflexive {
		if c.Base != nil {
			raddr, rport := hostPort(c.Base)
			line += fmt.Sprintf(" raddr %s rport %d", raddr, rport)
		}
	}

	return line
}

// Unmarshal parses an "a=candidate" attribute value (with or without the
// "a=" / "candidate:" prefix already stripped) into a Candidate. It does
// not recompute priority/foundation: both are taken verbatim from the
// line, since they were already computed by the remote peer's gatherer.
func Unmarshal(line string) (*candidate.Candidate, error) {
	line = strings.TrimPrefix(line, "a=")
	line = strings.TrimPrefix(line, "candidate:")

	fields := strings.Fields(line)
	if len(fields) < 7 {
		return nil, fmt.Errorf("sdp: candidate line has %d fields, want at least 7: %q", len(fields), line)
	}

	foundation := fields[0]
	componentID, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("sdp: bad component-id: %w", err)
	}
	transportTok := fields[2]
	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("sdp: bad priority: %w", err)
	}
	ip := net.ParseIP(fields[4])
	if ip == nil {
		return nil, fmt.Errorf("sdp: bad address: %q", fields[4])
	}
	port, err := strconv.Atoi(fields[5])
	if err != nil {
		return nil, fmt.Errorf("sdp: bad port: %w", err)
	}

	kind, err := kindFromToken(valueAfter(fields, "typ"))
	if err != nil {
		return nil, err
	}

	tr, err := transportFromToken(transportTok)
	if err != nil {
		return nil, err
	}

	addr := addrForTransport(tr, ip, port)

	c := &candidate.Candidate{
		Kind:        kind,
		Transport:   tr,
		Address:     addr,
		Priority:    uint32(priority),
		Foundation:  foundation,
		ComponentID: componentID,
	}

	if raddr := valueAfter(fields, "raddr"); raddr != "" {
		rport, _ := strconv.Atoi(valueAfter(fields, "rport"))
		if rip := net.ParseIP(raddr); rip != nil {
			c.Base = addrForTransport(tr, rip, rport)
			c.RelatedServer = fmt.Sprintf("%s:%d", raddr, rport)
		}
	} else {
		c.Base = addr
	}

	return c, nil
}

func valueAfter(fields []string, key string) string {
	for i, f := range fields {
		if f == key && i+1 < len(fields) {
			return fields[i+1]
		}
	}
	return ""
}

func hostPort(a net.Addr) (string, int) {
	switch v := a.(type) {
	case *net.UDPAddr:
		return v.IP.String(), v.Port
	case *net.TCPAddr:
		return v.IP.String(), v.Port
	default:
		return "0.0.0.0", 0
	}
}

func addrForTransport(tr candidate.Transport, ip net.IP, port int) net.Addr {
	if tr == candidate.UDP {
		return &net.UDPAddr{IP: ip, Port: port}
	}
	return &net.TCPAddr{IP: ip, Port: port}
}

func transportToken(tr candidate.Transport) string {
	if tr == candidate.UDP {
		return "UDP"
	}
	return "TCP"
}

func transportFromToken(tok string) (candidate.Transport, error) {
	switch strings.ToUpper(tok) {
	case "UDP":
		return candidate.UDP, nil
	case "TCP":
		// The specific TCP role (active/passive/so) is carried in the
		// "tcptype" extension (RFC 6544 §4.5), handled by ExtractTCPType;
		// default to active when absent.
		return candidate.TCPActive, nil
	default:
		return 0, fmt.Errorf("sdp: unknown transport token %q", tok)
	}
}

// ExtractTCPType reads the RFC 6544 "tcptype" extension from a candidate
// line's trailing fields, returning the refined Transport.
func ExtractTCPType(line string) candidate.Transport {
	fields := strings.Fields(line)
	switch valueAfter(fields, "tcptype") {
	case "active":
		return candidate.TCPActive
	case "passive":
		return candidate.TCPPassive
	case "so":
		return candidate.TCPSO
	default:
		return candidate.TCPActive
	}
}

func typeToken(k candidate.Kind) string {
	switch k {
	case candidate.Host:
		return "host"
	case candidate.ServerReflexive:
		return "srflx"
	case candidate.PeerReflexive:
		return "prflx"
	case candidate.Relayed:
		return "relay"
	default:
		return "host"
	}
}

func kindFromToken(tok string) (candidate.Kind, error) {
	switch tok {
	case "host":
		return candidate.Host, nil
	case "srflx":
		return candidate.ServerReflexive, nil
	case "prflx":
		return candidate.PeerReflexive, nil
	case "relay":
		return candidate.Relayed, nil
	default:
		return 0, fmt.Errorf("sdp: unknown candidate type %q", tok)
	}
}
