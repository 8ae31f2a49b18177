package dns

import (
	"context"
	"encoding/binary"
	"net"

	"github.com/sirupsen/logrus"
)

// Server is a thin UDP front end over a Registry, answering the subset of
// DNS message format containers need for a forward A-record lookup. It is
// not a general-purpose resolver: unsupported record types, recursion, and
// EDNS are simply ignored. Failure to bind is not fatal to the rest of the
// system — machine transitions do not depend on this being up.
type Server struct {
	Log      *logrus.Entry
	Registry *Registry
	conn     *net.UDPConn
}

// Listen binds the UDP front end at addr (e.g. "127.0.0.1:5353").
func Listen(addr string, registry *Registry, log *logrus.Entry) (*Server, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	return &Server{Log: log, Registry: registry, conn: conn}, nil
}

// Serve answers queries until ctx is canceled or the connection is closed.
func (s *Server) Serve(ctx context.Context) {
	go func() {
		<-ctx.Done()
		s.conn.Close()
	}()

	buf := make([]byte, 512)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.Log.WithError(err).Warn("dns: read failed")
			continue
		}
		resp, ok := s.answer(buf[:n])
		if !ok {
			continue
		}
		if _, err := s.conn.WriteToUDP(resp, addr); err != nil {
			s.Log.WithError(err).Warn("dns: write failed")
		}
	}
}

func (s *Server) Close() error {
	return s.conn.Close()
}

// answer parses the minimal subset of an RFC 1035 query this resolver needs
// (a single question, class IN, type A), and builds a response with one
// answer per resolved IPv4 address. A query for any other type gets a
// response with an empty answer section; a malformed or non-IN query is
// dropped.
func (s *Server) answer(query []byte) ([]byte, bool) {
	if len(query) < 12 {
		return nil, false
	}
	id := query[:2]
	qdcount := binary.BigEndian.Uint16(query[4:6])
	if qdcount != 1 {
		return nil, false
	}

	name, offset, ok := readName(query, 12)
	if !ok || offset+4 > len(query) {
		return nil, false
	}
	qtype := binary.BigEndian.Uint16(query[offset : offset+2])
	qclass := binary.BigEndian.Uint16(query[offset+2 : offset+4])
	if qclass != 1 { // IN
		return nil, false
	}

	ips := s.Registry.Resolve(name)
	var ipv4s []net.IP
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			ipv4s = append(ipv4s, v4)
		}
	}

	header := make([]byte, 12)
	copy(header[:2], id)
	header[2], header[3] = 0x81, 0x80 // standard query response, no error
	binary.BigEndian.PutUint16(header[4:6], 1)
	if qtype != 1 {
		ipv4s = nil // only A queries carry answer records
	}
	binary.BigEndian.PutUint16(header[6:8], uint16(len(ipv4s)))

	body := append([]byte{}, query[12:offset+4]...)
	for _, ip := range ipv4s {
		body = append(body, 0xc0, 0x0c) // pointer to the question's name
		body = append(body, 0x00, 0x01) // type A
		body = append(body, 0x00, 0x01) // class IN
		body = append(body, 0x00, 0x00, 0x00, 0x3c) // ttl 60s
		body = append(body, 0x00, 0x04) // rdlength
		body = append(body, ip...)
	}

	return append(header, body...), true
}

// readName decodes a (non-compressed) DNS question name starting at offset,
// returning the dotted name and the offset just past it.
func readName(msg []byte, offset int) (string, int, bool) {
	var labels []byte
	for offset < len(msg) {
		length := int(msg[offset])
		if length == 0 {
			offset++
			break
		}
		if offset+1+length > len(msg) {
			return "", 0, false
		}
		if len(labels) > 0 {
			labels = append(labels, '.')
		}
		labels = append(labels, msg[offset+1:offset+1+length]...)
		offset += 1 + length
	}
	return string(labels), offset, true
}
