// Package control implements ControlServer (spec §4.9, component C9):
// a persistent, multi-client, line-oriented command/telemetry
// protocol. Grounded on the teacher's internal/serialmux subscribe/
// broadcast pattern (SerialMux.Subscribe/Unsubscribe/SendCommand),
// generalised from a single serial-port fan-out to a TCP listener
// with many inbound command connections, each with its own buffered,
// non-blocking outbound channel so a slow client can never stall the
// worker (spec §4.9: "writes are buffered and drained asynchronously").
package control

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/foam-ao/core/internal/aoerr"
	"github.com/foam-ao/core/internal/calib/history"
	"github.com/foam-ao/core/internal/loop"
	"github.com/foam-ao/core/internal/obs"
	"github.com/foam-ao/core/internal/stats"
	"github.com/foam-ao/core/internal/telemetry"
	"github.com/foam-ao/core/internal/wfs"
)

// maxLineBytes bounds a single protocol line (spec §6: "1 KiB max per line").
const maxLineBytes = 1024

// Reply codes borrowed from HTTP, per spec §6.
const (
	CodeOK          = 200
	CodeModeOK      = 201
	CodeServerError = 300
	CodeUnknownVerb = 400
	CodeUnknownArg  = 401
	CodeMissingArg  = 402
	CodeForbidden   = 403
)

// Deps bundles the collaborators a verb handler may need: the
// orchestrator (mode changes), the SH config and WFCs (tuning
// verbs), the telemetry log (on/off/reset), and a calibration
// trigger hook wired in by the Supervisor.
type Deps struct {
	Loop       *loop.Orchestrator
	SH         *wfs.SHConfig
	WFCs       []*wfs.WFC
	Telem      *telemetry.Log
	Stats      *stats.Clock
	History    *history.Store
	Calibrate  func(mode string) error
	ResetDM    func(voltage int) error
	ResetDAQ   func(voltage float64) error
	SaveImg    func(n int)
	MaxClients int
}

// client is one connected operator session: a writer goroutine drains
// outCh asynchronously so a slow reader never blocks SendCommand/
// broadcast (spec §4.9).
type client struct {
	id   string
	conn net.Conn
	outCh chan string
}

// Server is the ControlServer of spec §4.9.
type Server struct {
	deps Deps

	mu      sync.Mutex
	clients map[string]*client
}

// New constructs a Server bound to the given collaborators.
func New(deps Deps) *Server {
	if deps.MaxClients <= 0 {
		deps.MaxClients = 16
	}
	return &Server{deps: deps, clients: make(map[string]*client)}
}

// Serve accepts connections on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return aoerr.HardwareFailuref("control", "listen %s: %w", addr, err)
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return aoerr.Transientf("control", "accept: %w", err)
			}
		}
		if s.clientCount() >= s.deps.MaxClients {
			conn.Write([]byte("300 too many clients\n"))
			conn.Close()
			continue
		}
		c := s.addClient(conn)
		go s.writer(c)
		go s.reader(ctx, c)
	}
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) addClient(conn net.Conn) *client {
	c := &client{id: uuid.NewString(), conn: conn, outCh: make(chan string, 64)}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	return c
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	close(c.outCh)
	c.conn.Close()
}

// writer drains a client's outbound channel so writes never block the
// reader goroutine or the worker thread (spec §4.9).
func (s *Server) writer(c *client) {
	for line := range c.outCh {
		if _, err := c.conn.Write([]byte(line)); err != nil {
			return
		}
	}
}

func (s *Server) reader(ctx context.Context, c *client) {
	defer s.removeClient(c)
	sc := bufio.NewScanner(c.conn)
	sc.Buffer(make([]byte, maxLineBytes), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}
		if quit := s.handle(c, line); quit {
			return
		}
	}
}

// reply sends a single coded response line to the originator (spec §6).
func (s *Server) reply(c *client, code int, msg string) {
	select {
	case c.outCh <- fmt.Sprintf("%d %s\n", code, msg):
	default:
		obs.Warnf("control: client %s outbound buffer full, dropping reply", c.id)
	}
}

// Broadcast sends msg to every connected client (spec §4.9).
func (s *Server) Broadcast(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.clients {
		select {
		case c.outCh <- msg + "\n":
		default:
		}
	}
}

// handle dispatches one protocol line and returns true if the client
// connection should close (quit/exit).
func (s *Server) handle(c *client, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	verb := strings.ToLower(fields[0])
	args := fields[1:]

	switch verb {
	case "help":
		s.reply(c, CodeOK, helpText(args))
	case "mode":
		s.handleMode(c, args)
	case "calibrate":
		s.handleCalibrate(c, args)
	case "set":
		s.handleSet(c, args)
	case "gain":
		s.handleGain(c, args)
	case "resetdm":
		s.handleResetDM(c, args)
	case "resetdaq":
		s.handleResetDAQ(c, args)
	case "saveimg":
		s.handleSaveImg(c, args)
	case "log":
		s.handleLog(c, args)
	case "history":
		s.handleHistory(c, args)
	case "broadcast":
		s.Broadcast(strings.Join(args, " "))
		s.reply(c, CodeOK, "broadcast sent")
	case "shutdown":
		if err := s.deps.Loop.SetMode(loop.Shutdown); err != nil {
			s.reply(c, CodeServerError, err.Error())
			return false
		}
		s.Broadcast("201 shutting down")
		s.reply(c, CodeModeOK, "shutdown")
	case "quit", "exit":
		s.reply(c, CodeOK, "bye")
		return true
	default:
		s.reply(c, CodeUnknownVerb, "unknown verb "+verb)
	}
	return false
}

func helpText(args []string) string {
	if len(args) == 0 {
		return "verbs: help mode calibrate set gain resetdm resetdaq saveimg log history broadcast shutdown quit"
	}
	return "no detailed help for " + args[0]
}

func (s *Server) handleMode(c *client, args []string) {
	if len(args) != 1 {
		s.reply(c, CodeMissingArg, "mode requires one argument")
		return
	}
	var m loop.Mode
	switch args[0] {
	case "open":
		m = loop.Open
	case "closed":
		if err := s.deps.Loop.RequireCalibrated(); err != nil {
			s.reply(c, CodeForbidden, err.Error())
			return
		}
		m = loop.Closed
	case "listen":
		m = loop.Listen
	default:
		s.reply(c, CodeUnknownArg, "unknown mode "+args[0])
		return
	}
	if err := s.deps.Loop.SetMode(m); err != nil {
		s.reply(c, CodeServerError, err.Error())
		return
	}
	s.Broadcast(fmt.Sprintf("201 mode %s", args[0]))
	s.reply(c, CodeModeOK, "mode "+args[0])
}

func (s *Server) handleCalibrate(c *client, args []string) {
	if len(args) != 1 {
		s.reply(c, CodeMissingArg, "calibrate requires one argument")
		return
	}
	switch args[0] {
	case "dark", "flat", "gain", "subap", "pinhole", "influence":
	default:
		s.reply(c, CodeUnknownArg, "unknown calibration mode "+args[0])
		return
	}
	if s.deps.Calibrate == nil {
		s.reply(c, CodeServerError, "calibration not wired")
		return
	}
	if err := s.deps.Calibrate(args[0]); err != nil {
		s.reply(c, CodeServerError, err.Error())
		return
	}
	s.Broadcast("201 calibrate " + args[0])
	s.reply(c, CodeModeOK, "calibrate "+args[0])
}

func (s *Server) handleSet(c *client, args []string) {
	if len(args) < 2 {
		s.reply(c, CodeMissingArg, "set requires a field and value")
		return
	}
	field, val := args[0], args[1]
	switch field {
	case "lf":
		n, err := strconv.Atoi(val)
		if err != nil {
			s.reply(c, CodeUnknownArg, "set lf: "+err.Error())
			return
		}
		s.deps.Stats.SetLogFraction(uint32(n))
	case "ff":
		// field_frames lives on the calibration engine, which Deps does not
		// reference: the verb is acknowledged, but its value is neither
		// parsed nor applied.
	case "samini":
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			s.reply(c, CodeUnknownArg, "set samini: "+err.Error())
			return
		}
		s.deps.SH.Samini = v
	case "samxr":
		n, err := strconv.Atoi(val)
		if err != nil {
			s.reply(c, CodeUnknownArg, "set samxr: "+err.Error())
			return
		}
		s.deps.SH.Samxr = n
	default:
		s.reply(c, CodeUnknownArg, "unknown set field "+field)
		return
	}
	s.reply(c, CodeOK, "set "+field)
}

func (s *Server) handleGain(c *client, args []string) {
	if len(args) != 3 {
		s.reply(c, CodeMissingArg, "gain requires field, wfc id, value")
		return
	}
	field, wfcID, val := args[0], args[1], args[2]
	v, err := strconv.ParseFloat(val, 64)
	if err != nil {
		s.reply(c, CodeUnknownArg, "gain: "+err.Error())
		return
	}
	var target *wfs.WFC
	for _, w := range s.deps.WFCs {
		if w.ID == wfcID {
			target = w
			break
		}
	}
	if target == nil {
		s.reply(c, CodeUnknownArg, "unknown wfc "+wfcID)
		return
	}
	switch field {
	case "prop":
		target.Gain.P = v
	case "int":
		target.Gain.I = v
	case "diff":
		target.Gain.D = v
	default:
		s.reply(c, CodeUnknownArg, "unknown gain field "+field)
		return
	}
	s.reply(c, CodeOK, "gain "+field+" "+wfcID)
}

// handleResetDM echoes the commanded voltage through the telemetry
// log before applying it, matching the original's reset-command audit
// trail (SPEC_FULL §4).
func (s *Server) handleResetDM(c *client, args []string) {
	v := 0
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			s.reply(c, CodeUnknownArg, "resetdm: "+err.Error())
			return
		}
		v = n
	}
	if s.deps.Telem != nil {
		s.deps.Telem.Message("resetdm", strconv.Itoa(v))
	}
	if s.deps.ResetDM == nil {
		s.reply(c, CodeServerError, "resetdm not wired")
		return
	}
	if err := s.deps.ResetDM(v); err != nil {
		s.reply(c, CodeServerError, err.Error())
		return
	}
	s.reply(c, CodeOK, "resetdm "+strconv.Itoa(v))
}

func (s *Server) handleResetDAQ(c *client, args []string) {
	v := 0.0
	if len(args) == 1 {
		f, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			s.reply(c, CodeUnknownArg, "resetdaq: "+err.Error())
			return
		}
		v = f
	}
	if s.deps.Telem != nil {
		s.deps.Telem.Message("resetdaq", fmt.Sprintf("%.3f", v))
	}
	if s.deps.ResetDAQ == nil {
		s.reply(c, CodeServerError, "resetdaq not wired")
		return
	}
	if err := s.deps.ResetDAQ(v); err != nil {
		s.reply(c, CodeServerError, err.Error())
		return
	}
	s.reply(c, CodeOK, fmt.Sprintf("resetdaq %.3f", v))
}

func (s *Server) handleSaveImg(c *client, args []string) {
	if len(args) != 1 {
		s.reply(c, CodeMissingArg, "saveimg requires a frame count")
		return
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		s.reply(c, CodeUnknownArg, "saveimg: "+err.Error())
		return
	}
	if s.deps.SaveImg != nil {
		s.deps.SaveImg(n)
	}
	s.reply(c, CodeOK, "saveimg "+strconv.Itoa(n))
}

func (s *Server) handleLog(c *client, args []string) {
	if len(args) != 1 || s.deps.Telem == nil {
		s.reply(c, CodeMissingArg, "log requires on|off|reset")
		return
	}
	switch args[0] {
	case "on":
		s.deps.Telem.SetEnabled(true)
	case "off":
		s.deps.Telem.SetEnabled(false)
	case "reset":
		if err := s.deps.Telem.Reset(); err != nil {
			s.reply(c, CodeServerError, err.Error())
			return
		}
	default:
		s.reply(c, CodeUnknownArg, "unknown log action "+args[0])
		return
	}
	s.reply(c, CodeOK, "log "+args[0])
}

// handleHistory reports the last n calibration runs from the run-history
// index (default 5), one line per run. It is the operator-facing read
// path for internal/calib/history.Store.Recent, since not every
// deployment runs with a -debug-addr tailsql browser attached.
func (s *Server) handleHistory(c *client, args []string) {
	if s.deps.History == nil {
		s.reply(c, CodeServerError, "history not wired")
		return
	}
	n := 5
	if len(args) == 1 {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			s.reply(c, CodeUnknownArg, "history: "+err.Error())
			return
		}
		n = v
	}
	runs, err := s.deps.History.Recent(n)
	if err != nil {
		s.reply(c, CodeServerError, err.Error())
		return
	}
	for _, r := range runs {
		s.reply(c, CodeOK, fmt.Sprintf("history %s %s success=%t started=%s detail=%s",
			r.ID, r.Mode, r.Success, r.StartedAt.Format("2006-01-02T15:04:05Z"), r.Detail))
	}
	s.reply(c, CodeOK, fmt.Sprintf("history %d entries", len(runs)))
}

// AttachAdminRoutes exposes a varz-style state dump under /debug/,
// grounded on serialmux.AttachAdminRoutes' use of tsweb.Debugger.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("state", "dump mode/frame-counter/fps", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "mode=%s frames=%d fps=%.2f clients=%d\n",
			s.deps.Loop.Mode(), s.deps.Stats.Frames(), s.deps.Stats.FPS(), s.clientCount())
	})
}
