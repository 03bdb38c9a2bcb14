package server

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tako0614/coding-agent-sub001/internal/ids"
	"github.com/tako0614/coding-agent-sub001/internal/sandbox"
	"github.com/tako0614/coding-agent-sub001/internal/term"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || loopbackOrigin(origin)
	},
}

// connTable enforces the global and per-IP WebSocket caps and tracks open
// connections for shutdown.
type connTable struct {
	maxTotal int
	maxPerIP int

	mu    sync.Mutex
	total int
	perIP map[string]int
	conns map[*websocket.Conn]string
}

func newConnTable(maxTotal, maxPerIP int) *connTable {
	return &connTable{
		maxTotal: maxTotal,
		maxPerIP: maxPerIP,
		perIP:    make(map[string]int),
		conns:    make(map[*websocket.Conn]string),
	}
}

func (t *connTable) add(conn *websocket.Conn, ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.total >= t.maxTotal || t.perIP[ip] >= t.maxPerIP {
		return false
	}
	t.total++
	t.perIP[ip]++
	t.conns[conn] = ip
	return true
}

func (t *connTable) remove(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ip, okk := t.conns[conn]
	if !okk {
		return
	}
	delete(t.conns, conn)
	t.total--
	t.perIP[ip]--
	if t.perIP[ip] <= 0 {
		delete(t.perIP, ip)
	}
}

// closeAll sends 1001 to every client and closes the sockets. Used on
// shutdown.
func (t *connTable) closeAll() {
	t.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[*websocket.Conn]string)
	t.perIP = make(map[string]int)
	t.total = 0
	t.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		_ = c.Close()
	}
}

// handleTerminal upgrades to WebSocket and attaches (or creates) a terminal
// session. Policy failures close with 1008, capacity with 1013.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	ip := clientIP(r)
	if !s.wsConns.add(conn, ip) {
		closeWith(conn, websocket.CloseTryAgainLater, "connection limit reached")
		return
	}
	defer s.wsConns.remove(conn)
	defer conn.Close()

	q := r.URL.Query()
	var sess *term.Session
	if id := q.Get("sessionId"); id != "" {
		if !ids.Valid(id) {
			closeWith(conn, websocket.ClosePolicyViolation, "invalid session id")
			return
		}
		existing, okk := s.term.Get(id)
		if !okk {
			closeWith(conn, websocket.ClosePolicyViolation, "unknown session: "+id)
			return
		}
		sess = existing
	} else {
		cwd := q.Get("cwd")
		if cwd == "" {
			cwd = s.cfg.WorkspaceRoot
		}
		resolved, err := sandbox.Resolve(s.cfg.WorkspaceRoot, cwd, sandbox.ModeRead)
		if err != nil {
			closeWith(conn, websocket.ClosePolicyViolation, "cwd rejected: "+err.Error())
			return
		}
		if fi, err := os.Stat(resolved); err != nil || !fi.IsDir() {
			closeWith(conn, websocket.ClosePolicyViolation, "cwd is not a directory")
			return
		}
		cols, rows := term.ClampSize(atoiDefault(q.Get("cols"), 80), atoiDefault(q.Get("rows"), 24))
		created, err := s.term.Create(resolved, cols, rows)
		if err != nil {
			closeWith(conn, websocket.CloseInternalServerErr, "start terminal: "+err.Error())
			return
		}
		sess = created
	}

	s.term.ServeConn(conn, sess)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(2*time.Second))
	_ = conn.Close()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func atoiDefault(raw string, def int) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
