package proxy

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"

	"github.com/dtzeng/ics-f13/iox"
)

// The proxy always sends these headers upstream, in this order, replacing
// whatever the client supplied for them.
const (
	userAgentHdr       = "User-Agent: Mozilla/5.0 (X11; Linux x86_64; rv:10.0.3) Gecko/20120305 Firefox/10.0.3\r\n"
	acceptHdr          = "Accept: text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8\r\n"
	acceptEncodingHdr  = "Accept-Encoding: gzip, deflate\r\n"
	connectionHdr      = "Connection: close\r\n"
	proxyConnectionHdr = "Proxy-Connection: close\r\n"
)

// parseRequestLine splits a raw request line into method, URI and version.
// ok is false when fewer than two fields are present.
func parseRequestLine(line []byte) (method, uri, version string, ok bool) {
	fields := strings.Fields(string(bytes.TrimRight(line, "\r\n")))
	if len(fields) < 2 {
		return "", "", "", false
	}
	method = fields[0]
	uri = fields[1]
	if len(fields) > 2 {
		version = fields[2]
	}
	return method, uri, version, true
}

// parseURI splits an absolute URI into host, port and the path-and-query
// remainder. The scheme prefix is optional and case-insensitive; the port
// defaults to 80 when absent or not a number; an empty remainder becomes
// "/". All results are owned strings.
func parseURI(uri string) (host, port, remain string) {
	rest := uri
	if len(rest) >= 7 && strings.EqualFold(rest[:7], "http://") {
		rest = rest[7:]
	}

	hostport := rest
	remain = "/"
	if slash := strings.IndexByte(rest, '/'); slash >= 0 {
		hostport = rest[:slash]
		remain = rest[slash:]
	}

	host = hostport
	port = "80"
	if c := strings.IndexByte(hostport, ':'); c >= 0 {
		host = hostport[:c]
		if p := hostport[c+1:]; p != "" {
			if n, err := strconv.Atoi(p); err == nil && n >= 0 {
				port = p
			}
		}
	}
	return host, port, remain
}

// Client-supplied versions of these are dropped; the proxy's own values go
// out instead.
var droppedHeaders = []string{
	"User-Agent",
	"Accept",
	"Accept-Encoding",
	"Connection",
	"Proxy-Connection",
}

// dropHeader reports whether a raw header line carries one of the keys the
// proxy replaces. Only the key is inspected; the value bytes are never
// parsed or reassembled.
func dropHeader(line []byte) bool {
	c := bytes.IndexByte(line, ':')
	if c < 0 {
		return false
	}
	key := strings.TrimSpace(string(line[:c]))
	for _, d := range droppedHeaders {
		if strings.EqualFold(key, d) {
			return true
		}
	}
	return false
}

func isBlankLine(line []byte) bool {
	return len(bytes.TrimRight(line, "\r\n")) == 0
}

// collectHeaders reads header lines up to the blank line, keeping retained
// client headers byte-for-byte and appending the fixed proxy headers. The
// result is ready to send after the request line.
func collectHeaders(rd *iox.Reader) ([]byte, error) {
	var out bytes.Buffer
	for {
		line, err := rd.ReadLine()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		if len(line) == 0 || isBlankLine(line) {
			break
		}
		if !dropHeader(line) {
			out.Write(line)
			if line[len(line)-1] != '\n' {
				out.WriteString("\r\n")
			}
		}
		if err != nil {
			break
		}
	}

	out.WriteString(userAgentHdr)
	out.WriteString(acceptHdr)
	out.WriteString(acceptEncodingHdr)
	out.WriteString(connectionHdr)
	out.WriteString(proxyConnectionHdr)
	return out.Bytes(), nil
}
