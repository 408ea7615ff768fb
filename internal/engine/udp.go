package engine

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/scbridge/internal/osc"
)

const (
	defaultBootTimeout = 5 * time.Second
	statusPollInterval = 100 * time.Millisecond
	maxDatagramSize    = 65536
)

// UDPConfig locates an external scsynth reachable over UDP.
type UDPConfig struct {
	// Address is the server's host:port.
	Address string
	// Command, when set, launches the server before connecting.
	Command string
	// BootTimeout bounds how long to wait for the first /status.reply.
	BootTimeout time.Duration
}

// UDP forwards packets to an external scsynth process. Audio is rendered by
// that process, so GenerateBlock produces silence.
type UDP struct {
	opts    Options
	conn    *net.UDPConn
	proc    *exec.Cmd
	running atomic.Bool

	mu    sync.Mutex
	reply ReplyFunc

	statusSeen chan struct{}
	statusOnce sync.Once
	quit       chan struct{}
	quitOnce   sync.Once
	procDone   chan struct{}
	closeOnce  sync.Once
}

var _ Engine = (*UDP)(nil)

// UDPFactory returns a Factory connecting to the server described by cfg.
func UDPFactory(cfg UDPConfig) Factory {
	return func(opts Options) (Engine, error) {
		e, err := NewUDP(cfg, opts)
		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

// NewUDP optionally launches the server, connects to it and waits for it to
// answer /status. A server that never answers yields an engine that is not
// running; the caller must Close it.
func NewUDP(cfg UDPConfig, opts Options) (*UDP, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("udp engine: %w", err)
	}
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("udp engine: address required")
	}
	e := &UDP{
		opts:       opts,
		statusSeen: make(chan struct{}),
		quit:       make(chan struct{}),
	}

	if strings.TrimSpace(cfg.Command) != "" {
		if err := e.launch(cfg.Command); err != nil {
			return nil, err
		}
	}

	raddr, err := net.ResolveUDPAddr("udp", cfg.Address)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("resolve engine address: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("dial engine: %w", err)
	}
	e.conn = conn
	go e.readLoop()

	timeout := cfg.BootTimeout
	if timeout <= 0 {
		timeout = defaultBootTimeout
	}
	if e.handshake(timeout) {
		e.running.Store(true)
	} else {
		Printf("udp engine: no status reply from %s within %s", cfg.Address, timeout)
	}
	return e, nil
}

func (e *UDP) launch(command string) error {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return errors.New("engine command empty")
	}
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = printWriter{prefix: args[0]}
	cmd.Stderr = printWriter{prefix: args[0]}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start engine command: %w", err)
	}
	e.proc = cmd
	e.procDone = make(chan struct{})
	go func() {
		defer close(e.procDone)
		if err := cmd.Wait(); err != nil {
			Printf("%s exited: %v", args[0], err)
		}
		e.signalQuit()
	}()
	return nil
}

func (e *UDP) handshake(timeout time.Duration) bool {
	status, err := osc.NewMessage("/status").MarshalBinary()
	if err != nil {
		return false
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		_, _ = e.conn.Write(status)
		select {
		case <-e.statusSeen:
			return true
		case <-e.quit:
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}

func (e *UDP) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, err := e.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Connected sockets report ICMP port unreachable here while the
			// server is still booting.
			time.Sleep(10 * time.Millisecond)
			continue
		}
		packet := buf[:n]
		if pkt, err := osc.ParsePacket(packet); err == nil {
			if msg, ok := pkt.(*osc.Message); ok {
				switch {
				case msg.Address == "/status.reply":
					e.statusOnce.Do(func() { close(e.statusSeen) })
				case msg.Address == "/done" && len(msg.Arguments) > 0 && msg.Arguments[0] == "/quit":
					e.running.Store(false)
					e.signalQuit()
				}
			}
		}
		e.mu.Lock()
		reply := e.reply
		e.mu.Unlock()
		if reply != nil {
			reply(packet)
		}
	}
}

func (e *UDP) Running() bool { return e.running.Load() }

func (e *UDP) BlockSamples() int { return e.opts.BlockSamples() }

// SendPacket writes the packet to the server. Replies are routed to the most
// recently supplied reply function.
func (e *UDP) SendPacket(packet []byte, reply ReplyFunc) bool {
	if !e.running.Load() {
		return false
	}
	if reply != nil {
		e.mu.Lock()
		e.reply = reply
		e.mu.Unlock()
	}
	if _, err := e.conn.Write(packet); err != nil {
		Printf("udp engine: send: %v", err)
		return false
	}
	return true
}

// WaitForQuit blocks until the server confirms /quit or its process exits.
func (e *UDP) WaitForQuit() {
	<-e.quit
	e.running.Store(false)
	e.closeConn()
	if e.procDone != nil {
		<-e.procDone
	}
}

func (e *UDP) GenerateBlock(dst []int16) { clear(dst) }

// Close tears the engine down without waiting for a cooperative quit. It kills
// a launched server process.
func (e *UDP) Close() error {
	e.running.Store(false)
	e.signalQuit()
	e.closeConn()
	if e.proc != nil && e.proc.Process != nil {
		select {
		case <-e.procDone:
		default:
			if err := e.proc.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				return fmt.Errorf("kill engine process: %w", err)
			}
			<-e.procDone
		}
	}
	return nil
}

func (e *UDP) signalQuit() {
	e.quitOnce.Do(func() { close(e.quit) })
}

func (e *UDP) closeConn() {
	e.closeOnce.Do(func() {
		if e.conn != nil {
			_ = e.conn.Close()
		}
	})
}

// printWriter forwards process output to Printf line by line.
type printWriter struct {
	prefix string
}

func (w printWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			Printf("%s: %s", w.prefix, line)
		}
	}
	return len(p), nil
}
