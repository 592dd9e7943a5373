// Package ldaptest provides an in-memory LDAP server for tests.
//
// The server speaks enough of the protocol to exercise a client end to end:
// simple binds, searches with entries, references and result codes, the
// update operations, compare, the "Who am I?" extended operation and unbind.
// Filters are not evaluated; every entry at or below the search base matches.
package ldaptest

import (
	"bytes"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"

	ber "github.com/go-asn1-ber/asn1-ber"
)

// Protocol operation tags.
const (
	tagBindRequest      = 0
	tagBindResponse     = 1
	tagUnbindRequest    = 2
	tagSearchRequest    = 3
	tagSearchEntry      = 4
	tagSearchDone       = 5
	tagModifyRequest    = 6
	tagModifyResponse   = 7
	tagAddRequest       = 8
	tagAddResponse      = 9
	tagDelRequest       = 10
	tagDelResponse      = 11
	tagModDNRequest     = 12
	tagModDNResponse    = 13
	tagCompareRequest   = 14
	tagCompareResponse  = 15
	tagAbandonRequest   = 16
	tagSearchReference  = 19
	tagExtendedRequest  = 23
	tagExtendedResponse = 24
)

// Result codes used by the server.
const (
	ResultSuccess            = 0
	ResultSizeLimitExceeded  = 4
	ResultCompareFalse       = 5
	ResultCompareTrue        = 6
	ResultNoSuchObject       = 32
	ResultInvalidCredentials = 49
)

const whoAmIOID = "1.3.6.1.4.1.4203.1.11.3"

// Entry is a directory entry served by the server.
type Entry struct {
	DN         string
	Attributes map[string][]string
}

// Server is a fake LDAP server listening on a loopback TCP port.
type Server struct {
	listener net.Listener

	// Users maps bind DNs to passwords. An empty password never binds.
	Users map[string]string

	// Entries are returned by searches in order.
	Entries []Entry

	// Referrals are sent as search result references after the entries.
	Referrals []string

	// SearchResultCode overrides the result code of every search.
	SearchResultCode int

	// SizeLimit, when positive, ends searches with sizeLimitExceeded once
	// that many entries have been sent.
	SizeLimit int

	// StallAfter, when positive, makes searches stop after that many
	// entries until Release is called or the connection closes.
	StallAfter int

	release chan struct{}

	mu    sync.Mutex
	ops   []string
	conns []net.Conn
	wg    sync.WaitGroup
}

// NewServer starts a server on 127.0.0.1. Call Close when done.
func NewServer() (*Server, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener: listener,
		Users:    map[string]string{},
		release:  make(chan struct{}),
	}

	s.wg.Add(1)
	go s.serve()

	return s, nil
}

// Port returns the TCP port the server listens on.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// URL returns an ldap:// URL for the server using host as the host name.
func (s *Server) URL(host string) string {
	return "ldap://" + net.JoinHostPort(host, strconv.Itoa(s.Port()))
}

// Ops returns the names of the operations received so far.
func (s *Server) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

// Release resumes stalled searches.
func (s *Server) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.release:
	default:
		close(s.release)
	}
}

// Close stops the server and closes every connection.
func (s *Server) Close() {
	_ = s.listener.Close()

	s.mu.Lock()
	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.Release()
	s.wg.Wait()
}

func (s *Server) record(op string) {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()
}

func (s *Server) serve() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// session is the per-connection state.
type session struct {
	server *Server
	conn   net.Conn
	closed chan struct{}

	writeMu sync.Mutex
	mu      sync.Mutex
	boundDN string
}

func (s *Server) handle(conn net.Conn) {
	sess := &session{server: s, conn: conn, closed: make(chan struct{})}

	var handlers sync.WaitGroup
	defer handlers.Wait()
	defer close(sess.closed)
	defer conn.Close()

	for {
		packet, err := ber.ReadPacket(conn)
		if err != nil {
			return
		}

		if len(packet.Children) < 2 {
			return
		}

		id, ok := packet.Children[0].Value.(int64)
		if !ok {
			return
		}
		op := packet.Children[1]

		if op.Tag == tagUnbindRequest {
			s.record("unbind")
			return
		}

		// Searches may stall, so every request is served concurrently.
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			sess.dispatch(id, op)
		}()
	}
}

func (sess *session) dispatch(id int64, op *ber.Packet) {
	s := sess.server

	switch op.Tag {
	case tagBindRequest:
		s.record("bind")
		sess.bind(id, op)
	case tagSearchRequest:
		s.record("search")
		sess.search(id, op)
	case tagAddRequest:
		s.record("add")
		sess.write(id, result(tagAddResponse, ResultSuccess, "", ""))
	case tagDelRequest:
		s.record("delete")
		sess.write(id, result(tagDelResponse, ResultSuccess, "", ""))
	case tagModifyRequest:
		s.record("modify")
		sess.write(id, result(tagModifyResponse, ResultSuccess, "", ""))
	case tagModDNRequest:
		s.record("modify_dn")
		sess.write(id, result(tagModDNResponse, ResultSuccess, "", ""))
	case tagCompareRequest:
		s.record("compare")
		sess.compare(id, op)
	case tagExtendedRequest:
		s.record("extended")
		sess.extended(id, op)
	case tagAbandonRequest:
		s.record("abandon")
	default:
		s.record("unknown")
	}
}

func (sess *session) write(id int64, op *ber.Packet) {
	envelope := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Response")
	envelope.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, id, "Message ID"))
	envelope.AppendChild(op)

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	_, _ = sess.conn.Write(envelope.Bytes())
}

func result(tag ber.Tag, code int, matchedDN, message string) *ber.Packet {
	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tag, nil, "Result")
	p.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(code), "Result Code"))
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, matchedDN, "Matched DN"))
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, message, "Diagnostic Message"))
	return p
}

func stringValue(p *ber.Packet) string {
	if v, ok := p.Value.(string); ok {
		return v
	}
	if p.Data != nil {
		return p.Data.String()
	}
	return ""
}

func (sess *session) bind(id int64, op *ber.Packet) {
	if len(op.Children) < 3 {
		sess.write(id, result(tagBindResponse, ResultInvalidCredentials, "", "malformed bind request"))
		return
	}

	dn := stringValue(op.Children[1])
	password := stringValue(op.Children[2])

	s := sess.server
	s.mu.Lock()
	want, ok := s.Users[dn]
	s.mu.Unlock()

	if !ok || want == "" || want != password {
		sess.mu.Lock()
		sess.boundDN = ""
		sess.mu.Unlock()
		sess.write(id, result(tagBindResponse, ResultInvalidCredentials, "", "invalid credentials"))
		return
	}

	sess.mu.Lock()
	sess.boundDN = dn
	sess.mu.Unlock()
	sess.write(id, result(tagBindResponse, ResultSuccess, "", ""))
}

func inScope(dn, base string) bool {
	dn, base = strings.ToLower(dn), strings.ToLower(base)
	return base == "" || dn == base || strings.HasSuffix(dn, ","+base)
}

func (sess *session) search(id int64, op *ber.Packet) {
	s := sess.server
	base := stringValue(op.Children[0])

	if s.SearchResultCode != ResultSuccess {
		sess.write(id, result(tagSearchDone, s.SearchResultCode, base, "search failed"))
		return
	}

	sent := 0
	for _, entry := range s.Entries {
		if !inScope(entry.DN, base) {
			continue
		}

		if s.SizeLimit > 0 && sent == s.SizeLimit {
			sess.write(id, result(tagSearchDone, ResultSizeLimitExceeded, "", "size limit exceeded"))
			return
		}

		if s.StallAfter > 0 && sent == s.StallAfter {
			select {
			case <-s.release:
			case <-sess.closed:
				return
			}
		}

		sess.write(id, encodeEntry(entry))
		sent++
	}

	for _, ref := range s.Referrals {
		p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tagSearchReference, nil, "Search Result Reference")
		p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, ref, "URI"))
		sess.write(id, p)
	}

	sess.write(id, result(tagSearchDone, ResultSuccess, "", ""))
}

func encodeEntry(entry Entry) *ber.Packet {
	p := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tagSearchEntry, nil, "Search Result Entry")
	p.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, entry.DN, "Object Name"))

	names := make([]string, 0, len(entry.Attributes))
	for name := range entry.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)

	attrs := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attributes")
	for _, name := range names {
		attr := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "Attribute")
		attr.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, name, "Type"))
		vals := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSet, nil, "Values")
		for _, v := range entry.Attributes[name] {
			vals.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, v, "Value"))
		}
		attr.AppendChild(vals)
		attrs.AppendChild(attr)
	}
	p.AppendChild(attrs)

	return p
}

func (sess *session) compare(id int64, op *ber.Packet) {
	dn := stringValue(op.Children[0])
	ava := op.Children[1]
	attr, value := stringValue(ava.Children[0]), stringValue(ava.Children[1])

	for _, entry := range sess.server.Entries {
		if !strings.EqualFold(entry.DN, dn) {
			continue
		}
		code := ResultCompareFalse
		for name, vals := range entry.Attributes {
			if !strings.EqualFold(name, attr) {
				continue
			}
			for _, v := range vals {
				if v == value {
					code = ResultCompareTrue
				}
			}
		}
		sess.write(id, result(tagCompareResponse, code, "", ""))
		return
	}

	sess.write(id, result(tagCompareResponse, ResultNoSuchObject, "", "no such object"))
}

func (sess *session) extended(id int64, op *ber.Packet) {
	var name string
	var value []byte
	for _, child := range op.Children {
		switch child.Tag {
		case 0:
			name = stringValue(child)
		case 1:
			if child.Data != nil {
				value = bytes.Clone(child.Data.Bytes())
			}
		}
	}

	resp := result(tagExtendedResponse, ResultSuccess, "", "")
	resp.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 10, name, "Response Name"))

	if name == whoAmIOID {
		sess.mu.Lock()
		bound := sess.boundDN
		sess.mu.Unlock()
		authzID := ""
		if bound != "" {
			authzID = "dn:" + bound
		}
		resp.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 11, authzID, "Response Value"))
	} else if value != nil {
		resp.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 11, string(value), "Response Value"))
	}

	sess.write(id, resp)
}
