package proxy

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/guseggert/devserver/stream"
	"github.com/guseggert/devserver/supervisor"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const (
	StatusPath = "/__devserver/status"
	LogsPath   = "/__devserver/logs"

	// lines buffered per log subscriber before new ones are dropped
	logBacklog = 256
)

// Sources are the output streams published on LogsPath, keyed by the name reported in each LogLine.
type Sources map[string]*stream.Reader

// Status is the body served on StatusPath.
type Status struct {
	Target string
	ID     string `json:",omitempty"`
	PID    int    `json:",omitempty"`
	State  string `json:",omitempty"`
}

// LogLine is one message on the LogsPath WebSocket.
type LogLine struct {
	Stream string
	Line   string
	Time   string
}

// Proxy forwards every request it doesn't serve itself to the dev server, including WebSocket upgrades for hot reload.
type Proxy struct {
	log     *zap.SugaredLogger
	target  *url.URL
	sources Sources
	proc    *supervisor.Process
	router  *httprouter.Router
}

type Option func(p *Proxy)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(p *Proxy) {
		p.log = l
	}
}

// WithProcess adds the dev server process details to the status response.
func WithProcess(proc *supervisor.Process) Option {
	return func(p *Proxy) {
		p.proc = proc
	}
}

func New(target *url.URL, sources Sources, opts ...Option) *Proxy {
	p := &Proxy{
		log:     zap.NewNop().Sugar(),
		target:  target,
		sources: sources,
	}
	for _, o := range opts {
		o(p)
	}
	p.log = p.log.Named("proxy")

	rp := httputil.NewSingleHostReverseProxy(target)
	if target.Scheme == "https" {
		// dev servers serve HTTPS with self-signed certs
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		rp.Transport = t
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		p.log.Debugw("error proxying request", "Method", r.Method, "Path", r.URL.Path, "Error", err)
		http.Error(w, "dev server unavailable: "+err.Error(), http.StatusBadGateway)
	}

	router := httprouter.New()
	router.GET(StatusPath, p.status)
	router.GET(LogsPath, p.logs)
	// everything else belongs to the dev server, whatever the method or trailing slash
	router.NotFound = rp
	router.HandleMethodNotAllowed = false
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	p.router = router

	return p
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.router.ServeHTTP(w, r)
}

func (p *Proxy) status(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	resp := Status{Target: p.target.String()}
	if p.proc != nil {
		resp.ID = p.proc.ID
		resp.PID = p.proc.PID()
		resp.State = p.proc.State().String()
	}
	b, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// logs streams output lines as JSON messages until every source has closed or the client goes away.
func (p *Proxy) logs(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	lines := make(chan LogLine, logBacklog)
	closed := make(chan string, len(p.sources))
	var dropped atomic.Int64

	// subscribe before the handshake completes, so the client sees every line written after Dial returns
	for name, src := range p.sources {
		name := name // per-iteration copy; go.mod targets go1.21, which predates per-iteration loop variables
		lineSub := src.OnLine(func(line string) {
			l := LogLine{
				Stream: name,
				Line:   strings.TrimRight(supervisor.StripANSI(line), "\r\n"),
				Time:   time.Now().UTC().Format(time.RFC3339Nano),
			}
			select {
			case lines <- l:
			default:
				dropped.Add(1)
			}
		})
		defer lineSub.Unsubscribe()
		closedSub := src.OnClosed(func(error) { closed <- name })
		defer closedSub.Unsubscribe()
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		p.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	p.log.Debug("accepted logs WebSocket conn")
	ctx := conn.CloseRead(r.Context())

	open := len(p.sources)
	for open > 0 {
		select {
		case <-ctx.Done():
			p.log.Debugf("logs conn done: %s", ctx.Err())
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case name := <-closed:
			p.log.Debugw("log source closed", "Stream", name)
			open--
		case l := <-lines:
			err := wsjson.Write(ctx, conn, l)
			if err != nil {
				p.log.Debugf("error writing log line: %s", err)
				return
			}
		}
	}

	// line events are delivered before their source's closed event, so everything left is already buffered
	for len(lines) > 0 {
		err := wsjson.Write(ctx, conn, <-lines)
		if err != nil {
			p.log.Debugf("error writing log line: %s", err)
			return
		}
	}
	if n := dropped.Load(); n > 0 {
		p.log.Debugw("dropped log lines for slow client", "Dropped", n)
	}
	conn.Close(websocket.StatusNormalClosure, "output closed")
}
