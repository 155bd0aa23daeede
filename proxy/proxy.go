// Package proxy implements a concurrent HTTP/1.0 forward proxy with a
// bounded response cache.
//
// Each accepted connection runs as one task on a worker pool: parse the
// request line and headers, look the exact request line up in the cache,
// otherwise fetch from the origin while streaming to the client and
// accumulating a bounded copy for insertion. The cache is guarded by a
// single readers-writer lock; lookups copy the response bytes out under
// the read lock so nothing aliases a cached object past the unlock.
package proxy

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/bytedance/gopkg/lang/mcache"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/dtzeng/ics-f13/cache"
	"github.com/dtzeng/ics-f13/gopool"
	"github.com/dtzeng/ics-f13/iox"
)

const relayBufSize = 32 << 10

// Server is the proxy: a listener loop dispatching connections to a worker
// pool, sharing one cache under one readers-writer lock.
type Server struct {
	mu    sync.RWMutex
	cache *cache.Cache

	pool   *gopool.Pool
	log    *slog.Logger
	dialer net.Dialer

	ln       net.Listener
	closed   atomic.Bool
	accepted atomic.Int64
}

// NewServer returns a proxy with a cache of maxCacheBytes. A nil logger
// uses slog.Default.
func NewServer(maxCacheBytes int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cache: cache.New(maxCacheBytes),
		pool:  gopool.New("proxy", nil),
		log:   logger,
	}
}

// ListenAndServe listens on the given TCP address and serves until the
// listener fails or Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(err, "listen failed")
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln, one pool task each.
func (s *Server) Serve(ln net.Listener) error {
	s.ln = ln
	s.log.Info("proxy listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.closed.Load() {
				return nil
			}
			return errors.Wrap(err, "accept failed")
		}
		s.accepted.Inc()
		c := conn
		s.pool.Go(func() { s.handleConn(c) })
	}
}

// Shutdown closes the listener, waits for in-flight connections and
// releases the cache.
func (s *Server) Shutdown() error {
	s.closed.Store(true)
	var err error
	if s.ln != nil {
		err = s.ln.Close()
	}
	s.pool.Wait()
	s.pool.Close()
	s.mu.Lock()
	s.cache.Free()
	s.mu.Unlock()
	return err
}

// CacheStats returns the cache's hit/miss/eviction counters.
func (s *Server) CacheStats() cache.Stats { return s.cache.Stats() }

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int64 { return s.accepted.Load() }

// handleConn runs the per-connection pipeline. Every exit path closes the
// client connection; peer-gone errors are tolerated, never fatal.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	log := s.log.With("conn", uuid.New().String()[:8], "remote", conn.RemoteAddr().String())

	rd := iox.NewReader(conn)
	defer rd.Release()

	line, _ := rd.ReadLine()
	if len(line) == 0 {
		clientError(conn, "GET", "400", "Bad Request", "Proxy could not be understood")
		return
	}

	// The exact request-line bytes are the cache key; own them before the
	// reader buffer is reused.
	request := make([]byte, len(line))
	copy(request, line)

	method, uri, _, ok := parseRequestLine(request)
	if !ok {
		clientError(conn, "GET", "400", "Bad Request", "Proxy could not be understood")
		return
	}
	if !strings.EqualFold(method, "GET") {
		clientError(conn, method, "501", "Not Implemented", "Proxy only supports GET method")
		return
	}
	host, port, remain := parseURI(uri)

	headers, err := collectHeaders(rd)
	if err != nil {
		clientError(conn, method, "400", "Bad Request", "Proxy could not be understood")
		return
	}

	s.mu.RLock()
	var cached []byte
	if o := s.cache.Find(request); o != nil {
		cached = o.CopyResponse()
	}
	s.mu.RUnlock()

	if cached != nil {
		if werr := iox.WriteAll(conn, cached); werr != nil && !iox.PeerGone(werr) {
			log.Warn("cached response write failed", "err", werr)
			return
		}
		log.Info("served from cache", "uri", uri, "bytes", len(cached))
		return
	}

	if err := s.forward(conn, log, request, host, port, remain, headers); err != nil {
		log.Warn("request failed", "uri", uri, "err", err)
	}
}

// forward fetches the response from the origin, streams it to the client
// and inserts a bounded copy into the cache when it qualifies.
func (s *Server) forward(conn net.Conn, log *slog.Logger, request []byte, host, port, remain string, headers []byte) error {
	upstream, err := s.dialer.Dial("tcp", net.JoinHostPort(host, port))
	if err != nil {
		clientError(conn, host, "404", "Not found", "Requested URL could not be found")
		return errors.Wrap(err, "connect upstream failed")
	}
	defer upstream.Close()

	var req bytes.Buffer
	fmt.Fprintf(&req, "GET %s HTTP/1.0\r\n", remain)
	req.Write(headers)
	req.WriteString("\r\n")
	if werr := iox.WriteAll(upstream, req.Bytes()); werr != nil {
		if iox.PeerGone(werr) {
			return nil
		}
		return errors.Wrap(werr, "send request failed")
	}

	// Scratch accumulation: keep a bounded copy of the response while
	// streaming. Once it can no longer qualify for the cache, drop it and
	// only stream.
	scratch := mcache.Malloc(0, cache.MaxObjectSize)
	caching := true
	freeScratch := func() {
		if scratch != nil {
			mcache.Free(scratch)
			scratch = nil
		}
	}
	defer freeScratch()

	buf := mcache.Malloc(relayBufSize)
	defer mcache.Free(buf)

	total := 0
	reset := false
	for {
		n, rerr := upstream.Read(buf)
		if n > 0 {
			total += n
			if caching {
				if len(scratch)+n <= cache.MaxObjectSize {
					scratch = append(scratch, buf[:n]...)
				} else {
					caching = false
					freeScratch()
				}
			}
			if werr := iox.WriteAll(conn, buf[:n]); werr != nil {
				if iox.PeerGone(werr) {
					return nil
				}
				return errors.Wrap(werr, "relay to client failed")
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			if iox.PeerGone(rerr) {
				reset = true
				break
			}
			return errors.Wrap(rerr, "read upstream failed")
		}
	}

	if caching && !reset {
		obj := cache.NewObject(request, scratch)
		s.mu.Lock()
		s.cache.Insert(obj)
		s.mu.Unlock()
		log.Info("cached response", "host", host, "bytes", obj.Size)
	}
	log.Info("relayed", "host", host, "port", port, "bytes", total)
	return nil
}
