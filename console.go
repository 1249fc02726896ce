package selkie

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"
)

// Console tuning
const (
	// ConsoleIdleTimeout closes a session with no attached clients
	ConsoleIdleTimeout = 30 * time.Second
	// ConsoleClientBuffer is the per-client backlog before the hub cuts
	// a slow consumer loose
	ConsoleClientBuffer = 64 * 1024
	consoleWriteWait    = 10 * time.Second
)

// Console frame types on the WebSocket
const (
	ConsoleFrameConnect      = "console.connect"
	ConsoleFrameOutput       = "console.output"
	ConsoleFrameInput        = "console.input"
	ConsoleFrameDisconnected = "console.disconnected"
	ConsoleFrameError        = "console.error"
)

type (
	// ConsoleFrame is one event-typed message on the console WebSocket
	ConsoleFrame struct {
		Type   string `json:"type"`
		VMName string `json:"vmName,omitempty"`
		Text   string `json:"text,omitempty"`
		Error  string `json:"error,omitempty"`
	}

	// ConsoleHub hands out one serial console session per VM and fans
	// WebSocket clients in and out of it
	ConsoleHub struct {
		context *Context
		drivers DriverFactory

		mu       sync.Mutex
		sessions map[string]*consoleSession
		t        tomb.Tomb
	}

	consoleSession struct {
		hub  *ConsoleHub
		vmID string
		conn io.ReadWriteCloser

		mu      sync.Mutex
		clients map[*consoleClient]struct{}
		writer  *consoleClient
		empty   time.Time

		input chan []byte
		t     tomb.Tomb
	}

	consoleClient struct {
		ws   *websocket.Conn
		send chan []byte
	}
)

// NewConsoleHub creates a ConsoleHub
func NewConsoleHub(c *Context, drivers DriverFactory) *ConsoleHub {
	h := &ConsoleHub{
		context:  c,
		drivers:  drivers,
		sessions: make(map[string]*consoleSession),
	}
	// keep the tomb alive until Stop even with no sessions running
	h.t.Go(func() error {
		<-h.t.Dying()
		return nil
	})
	return h
}

// Stop tears every session down and waits for them
func (h *ConsoleHub) Stop() error {
	h.t.Kill(nil)
	h.mu.Lock()
	for _, s := range h.sessions {
		s.t.Kill(nil)
	}
	h.mu.Unlock()
	return h.t.Wait()
}

// Attach joins a WebSocket client to the VM's console session, starting
// the session if it is not already running. Attach blocks until the
// client disconnects or the session ends.
func (h *ConsoleHub) Attach(ws *websocket.Conn, vmID string) error {
	s, err := h.session(vmID)
	if err != nil {
		_ = consoleSend(ws, ConsoleFrame{Type: ConsoleFrameError, Error: ErrorCode(err)})
		return err
	}

	client := &consoleClient{
		ws:   ws,
		send: make(chan []byte, ConsoleClientBuffer/4096),
	}
	s.addClient(client)
	defer s.dropClient(client)

	go client.writeLoop(s)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return nil
		}
		var frame ConsoleFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.Type == ConsoleFrameInput {
			s.takeInput(client, []byte(frame.Text))
		}
	}
}

// session returns the running session for a VM, opening the serial
// socket through the host driver on first use
func (h *ConsoleHub) session(vmID string) (*consoleSession, error) {
	h.mu.Lock()
	if s, ok := h.sessions[vmID]; ok {
		h.mu.Unlock()
		return s, nil
	}
	h.mu.Unlock()

	vm, err := h.context.VM(vmID)
	if err != nil {
		return nil, err
	}
	if vm.Status != VMStatusRunning {
		return nil, NewError(ErrValidation, "vm %s is %s, console needs a running vm", vm.ID, vm.Status)
	}
	host, err := h.context.Host(vm.HostID)
	if err != nil {
		return nil, err
	}
	drv, err := h.drivers(host)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), StepTimeout)
	conn, err := drv.OpenSerialConsole(ctx, vm)
	cancel()
	if err != nil {
		return nil, err
	}

	s := &consoleSession{
		hub:     h,
		vmID:    vmID,
		conn:    conn,
		clients: make(map[*consoleClient]struct{}),
		empty:   time.Now(),
		input:   make(chan []byte, 64),
	}

	h.mu.Lock()
	if racer, ok := h.sessions[vmID]; ok {
		h.mu.Unlock()
		_ = conn.Close()
		return racer, nil
	}
	h.sessions[vmID] = s
	h.mu.Unlock()

	s.t.Go(s.readLoop)
	s.t.Go(s.writeLoop)
	s.t.Go(s.idleLoop)
	h.t.Go(func() error {
		err := s.t.Wait()
		h.mu.Lock()
		if h.sessions[vmID] == s {
			delete(h.sessions, vmID)
		}
		h.mu.Unlock()
		return err
	})
	return s, nil
}

func (s *consoleSession) addClient(c *consoleClient) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *consoleSession) dropClient(c *consoleClient) {
	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	if s.writer == c {
		s.writer = nil
	}
	if len(s.clients) == 0 {
		s.empty = time.Now()
	}
	s.mu.Unlock()
}

// takeInput forwards client keystrokes to the guest. The most recent
// client to type owns the input stream until another one does.
func (s *consoleSession) takeInput(c *consoleClient, data []byte) {
	s.mu.Lock()
	s.writer = c
	s.mu.Unlock()
	select {
	case s.input <- data:
	case <-s.t.Dying():
	}
}

// readLoop pumps guest output to every attached client. A client whose
// backlog fills gets a slow_consumer frame and is disconnected rather
// than stalling the rest.
func (s *consoleSession) readLoop() error {
	defer s.t.Kill(nil)
	buf := make([]byte, 4096)
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.broadcast(data)
		}
		if err != nil {
			s.disconnectAll(ConsoleFrame{Type: ConsoleFrameDisconnected})
			return nil
		}
	}
}

func (s *consoleSession) broadcast(data []byte) {
	var slow []*consoleClient
	s.mu.Lock()
	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	s.mu.Unlock()

	for _, c := range slow {
		log.WithField("vm", s.vmID).Warn("dropping slow console client")
		_ = consoleSend(c.ws, ConsoleFrame{Type: ConsoleFrameError, Error: "slow_consumer"})
		_ = c.ws.Close()
		s.dropClient(c)
	}
}

func (s *consoleSession) disconnectAll(frame ConsoleFrame) {
	s.mu.Lock()
	clients := make([]*consoleClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		_ = consoleSend(c.ws, frame)
		_ = c.ws.Close()
		s.dropClient(c)
	}
}

// writeLoop pushes the winning client's input into the guest
func (s *consoleSession) writeLoop() error {
	for {
		select {
		case <-s.t.Dying():
			return s.conn.Close()
		case data := <-s.input:
			if _, err := s.conn.Write(data); err != nil {
				s.disconnectAll(ConsoleFrame{Type: ConsoleFrameError, Error: "write_failed"})
				s.t.Kill(nil)
				return s.conn.Close()
			}
		}
	}
}

// idleLoop closes the session once it has had no clients for the idle
// window
func (s *consoleSession) idleLoop() error {
	ticker := time.NewTicker(ConsoleIdleTimeout / 3)
	defer ticker.Stop()
	for {
		select {
		case <-s.t.Dying():
			return nil
		case <-ticker.C:
			s.mu.Lock()
			idle := len(s.clients) == 0 && time.Since(s.empty) >= ConsoleIdleTimeout
			s.mu.Unlock()
			if idle {
				s.t.Kill(nil)
				return nil
			}
		}
	}
}

func (c *consoleClient) writeLoop(s *consoleSession) {
	for {
		select {
		case <-s.t.Dying():
			_ = consoleSend(c.ws, ConsoleFrame{Type: ConsoleFrameDisconnected})
			_ = c.ws.Close()
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := consoleSend(c.ws, ConsoleFrame{Type: ConsoleFrameOutput, Text: string(data)}); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

func consoleSend(ws *websocket.Conn, frame ConsoleFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_ = ws.SetWriteDeadline(time.Now().Add(consoleWriteWait))
	return ws.WriteMessage(websocket.TextMessage, data)
}
