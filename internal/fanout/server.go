// Package fanout implements the server that couples one upstream screen
// feed to N independent viewer sessions: an accept loop spawning one
// session per connection, and a live-session registry that each upstream
// change event is broadcast across under a short lock.
package fanout

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/golang/glog"

	"github.com/patdhlk/rfbcast/internal/metrics"
	"github.com/patdhlk/rfbcast/internal/session"
	"github.com/patdhlk/rfbcast/internal/upstream"
)

// Server owns the upstream connection and the viewer-facing listening
// socket. Constructing it with a bind failure returns that failure to the
// caller rather than panicking or retrying.
type Server struct {
	listener    net.Listener
	upstream    upstream.Adapter
	viewerToken string
	metrics     *metrics.Registry
	maxRects    int

	mu       sync.Mutex
	sessions map[*session.Session]struct{}
}

// New binds addr and returns a Server ready to Serve once the upstream
// adapter has completed its own Connect. Bind failure is returned to the
// caller as an error. m may be nil, in which case sessions run without
// metrics instrumentation. maxRects <= 0 falls back to
// session.DefaultMaxRects.
func New(addr string, up upstream.Adapter, viewerToken string, m *metrics.Registry, maxRects int) (*Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		listener:    l,
		upstream:    up,
		viewerToken: viewerToken,
		metrics:     m,
		maxRects:    maxRects,
		sessions:    make(map[*session.Session]struct{}),
	}, nil
}

// Addr reports the bound listening address, useful when addr was passed
// as ":0" for tests.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve runs the accept loop and the upstream event-forwarding loop until
// ctx is cancelled or the upstream's event channel closes, which is fatal
// to this server instance: there is no reconnect policy in the core
// fan-out loop. It always closes the listener and tears down every live
// session before returning.
func (s *Server) Serve(ctx context.Context) error {
	acceptCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.acceptLoop(acceptCtx)

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return ctx.Err()
		case ev, ok := <-s.upstream.Events():
			if !ok {
				glog.Errorf("fanout: upstream event stream closed, shutting down")
				s.shutdown()
				return errUpstreamDisconnected
			}
			s.broadcast(ev)
		}
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			glog.Warningf("fanout: accept error: %v", err)
			return
		}
		sess := session.New(conn, s.viewerToken, s.upstream, s, s.metrics, s.maxRects)
		go sess.Serve()
	}
}

// Register adds sess to the live set; it is called by a session once its
// handshake reaches ClientInit.
func (s *Server) Register(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess] = struct{}{}
}

// Unregister removes sess from the live set on session termination.
func (s *Server) Unregister(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess)
}

// broadcast forwards one upstream change event to every live session
// under a short lock, then lets each session record it into its own
// dirty state independently — sessions never block each other here.
func (s *Server) broadcast(ev upstream.Event) {
	s.mu.Lock()
	targets := make([]*session.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	switch e := ev.(type) {
	case upstream.RectChanged:
		for _, sess := range targets {
			sess.MarkDirty(e.Rect)
		}
	case upstream.CursorChanged:
		for _, sess := range targets {
			sess.MarkCursorChanged(e.Image, e.HotX, e.HotY)
		}
	}
}

// shutdown tears down every live session before closing the listener, so
// no session outlives the server that owns its upstream connection.
func (s *Server) shutdown() {
	s.mu.Lock()
	sessions := make([]*session.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	s.listener.Close()
}

type fatalError string

func (e fatalError) Error() string { return string(e) }

const errUpstreamDisconnected = fatalError("fanout: upstream disconnected")
