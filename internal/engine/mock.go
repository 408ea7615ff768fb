package engine

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/loqalabs/scbridge/internal/osc"
)

const (
	mockInboxSize = 256
	rootNodeID    = 0

	// A full inbox is logged on the first drop and then every
	// mockDropLogEvery drops.
	mockDropLogEvery = 100
)

// NodeInfo describes one node in the mock engine's node tree.
type NodeInfo struct {
	ID       int32
	Parent   int32
	Group    bool
	Def      string
	Controls map[string]float32
}

type mockPacket struct {
	data  []byte
	reply ReplyFunc
}

// Mock is an in-process engine. It decodes every packet it receives and
// applies it on its own run-loop goroutine, keeping a node tree of groups and
// synths. It answers the usual server replies and renders a test signal while
// any synth is alive. It implements no DSP.
type Mock struct {
	opts    Options
	running atomic.Bool
	inbox   chan mockPacket
	done    chan struct{}

	voices  atomic.Int32
	blocks  atomic.Uint64
	applied atomic.Uint64
	dropped atomic.Uint64
	frame   uint64 // audio thread only

	mu       sync.Mutex
	nodes    map[int32]*NodeInfo
	nextAuto int32
}

var _ Engine = (*Mock)(nil)

// MockFactory is a Factory for Mock engines.
func MockFactory(opts Options) (Engine, error) {
	m, err := NewMock(opts)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// NewMock validates opts and starts a mock engine run-loop.
func NewMock(opts Options) (*Mock, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("mock engine: %w", err)
	}
	m := &Mock{
		opts:     opts,
		inbox:    make(chan mockPacket, mockInboxSize),
		done:     make(chan struct{}),
		nodes:    map[int32]*NodeInfo{rootNodeID: {ID: rootNodeID, Parent: -1, Group: true}},
		nextAuto: -2,
	}
	m.running.Store(true)
	go m.run()
	if opts.Verbosity > 0 {
		Printf("mock engine ready: %d Hz, %d out, block %d", opts.SampleRate, opts.OutputChannels, opts.BlockSize)
	}
	return m, nil
}

func (m *Mock) Running() bool { return m.running.Load() }

func (m *Mock) BlockSamples() int { return m.opts.BlockSamples() }

func (m *Mock) WaitForQuit() { <-m.done }

func (m *Mock) SendPacket(packet []byte, reply ReplyFunc) bool {
	if !m.running.Load() {
		return false
	}
	p := mockPacket{data: append([]byte(nil), packet...), reply: reply}
	select {
	case m.inbox <- p:
		return true
	default:
		if n := m.dropped.Add(1); n == 1 || n%mockDropLogEvery == 0 {
			Printf("mock engine: command queue full, %d dropped so far", n)
		}
		return false
	}
}

// GenerateBlock renders a sawtooth whose level follows the number of live
// synths, or silence when there are none.
func (m *Mock) GenerateBlock(dst []int16) {
	m.blocks.Add(1)
	voices := min(m.voices.Load(), 4)
	ch := m.opts.OutputChannels
	for f := 0; f+ch <= len(dst); f += ch {
		s := int16((int(m.frame&0xff) - 128) * 64 * int(voices))
		for c := 0; c < ch; c++ {
			dst[f+c] = s
		}
		m.frame++
	}
}

// Blocks returns the number of blocks rendered.
func (m *Mock) Blocks() uint64 { return m.blocks.Load() }

// Applied returns the number of messages the run-loop has processed.
func (m *Mock) Applied() uint64 { return m.applied.Load() }

// Dropped is the number of packets refused because the inbox was full.
func (m *Mock) Dropped() uint64 { return m.dropped.Load() }

// Nodes returns a snapshot of the node tree ordered by ID.
func (m *Mock) Nodes() []NodeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]NodeInfo, 0, len(m.nodes))
	for _, n := range m.nodes {
		cp := *n
		if n.Controls != nil {
			cp.Controls = make(map[string]float32, len(n.Controls))
			for k, v := range n.Controls {
				cp.Controls[k] = v
			}
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Mock) run() {
	defer close(m.done)
	for p := range m.inbox {
		pkt, err := osc.ParsePacket(p.data)
		if err != nil {
			Printf("mock engine: %v", err)
			continue
		}
		if m.apply(pkt, p.reply) {
			m.running.Store(false)
			return
		}
	}
}

// apply runs one packet and reports whether it asked the engine to quit.
// Bundle time tags are ignored: everything runs as soon as it is dequeued.
func (m *Mock) apply(pkt osc.Packet, reply ReplyFunc) bool {
	switch p := pkt.(type) {
	case *osc.Bundle:
		for _, elem := range p.Elements {
			if m.apply(elem, reply) {
				return true
			}
		}
	case *osc.Message:
		m.applied.Add(1)
		return m.command(p, reply)
	}
	return false
}

func (m *Mock) command(msg *osc.Message, reply ReplyFunc) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch msg.Address {
	case "/quit":
		send(reply, "/done", "/quit")
		return true
	case "/status":
		synths, groups := m.counts()
		sr := float64(m.opts.SampleRate)
		send(reply, "/status.reply", int32(1), int32(0), synths, groups, int32(0), float32(0), float32(0), sr, sr)
	case "/sync":
		id, _ := intArg(msg.Arguments, 0)
		send(reply, "/synced", id)
	case "/notify":
		send(reply, "/done", "/notify", int32(0))
	case "/g_new":
		m.newGroups(msg, reply)
	case "/s_new":
		m.newSynth(msg, reply)
	case "/n_free":
		for i := range msg.Arguments {
			id, ok := intArg(msg.Arguments, i)
			if !ok || !m.free(id) {
				send(reply, "/fail", msg.Address, fmt.Sprintf("Node %v not found", msg.Arguments[i]))
			}
		}
	case "/n_set":
		id, _ := intArg(msg.Arguments, 0)
		n, ok := m.nodes[id]
		if !ok || n.Group {
			send(reply, "/fail", msg.Address, fmt.Sprintf("Node %d not found", id))
			break
		}
		setControls(n, msg.Arguments[1:])
	case "/g_freeAll":
		for i := range msg.Arguments {
			if id, ok := intArg(msg.Arguments, i); ok {
				m.freeChildren(id)
			}
		}
	default:
		send(reply, "/fail", msg.Address, "Command not found")
	}
	return false
}

// newGroups handles repeated (id, addAction, target) triples.
func (m *Mock) newGroups(msg *osc.Message, reply ReplyFunc) {
	args := msg.Arguments
	for i := 0; i+2 < len(args); i += 3 {
		id, ok1 := intArg(args, i)
		target, ok2 := intArg(args, i+2)
		if !ok1 || !ok2 {
			send(reply, "/fail", msg.Address, "invalid arguments")
			return
		}
		parent, ok := m.parentFor(target)
		if !ok {
			send(reply, "/fail", msg.Address, fmt.Sprintf("Group %d not found", target))
			continue
		}
		if id == -1 {
			id = m.autoID()
		}
		if _, exists := m.nodes[id]; exists {
			send(reply, "/fail", msg.Address, fmt.Sprintf("duplicate node ID %d", id))
			continue
		}
		m.nodes[id] = &NodeInfo{ID: id, Parent: parent, Group: true}
	}
}

// newSynth handles defName [id [addAction [target [controls...]]]].
func (m *Mock) newSynth(msg *osc.Message, reply ReplyFunc) {
	args := msg.Arguments
	def, ok := stringArg(args, 0)
	if !ok {
		send(reply, "/fail", msg.Address, "missing synth def name")
		return
	}
	id := int32(-1)
	if v, ok := intArg(args, 1); ok {
		id = v
	}
	target := int32(rootNodeID)
	if v, ok := intArg(args, 3); ok {
		target = v
	}
	parent, ok := m.parentFor(target)
	if !ok {
		send(reply, "/fail", msg.Address, fmt.Sprintf("Group %d not found", target))
		return
	}
	if id == -1 {
		id = m.autoID()
	}
	if _, exists := m.nodes[id]; exists {
		send(reply, "/fail", msg.Address, fmt.Sprintf("duplicate node ID %d", id))
		return
	}
	n := &NodeInfo{ID: id, Parent: parent, Def: def, Controls: map[string]float32{}}
	if len(args) > 4 {
		setControls(n, args[4:])
	}
	m.nodes[id] = n
	m.voices.Add(1)
}

// parentFor resolves an add target to the group new nodes are placed in.
func (m *Mock) parentFor(target int32) (int32, bool) {
	n, ok := m.nodes[target]
	if !ok {
		return 0, false
	}
	if n.Group {
		return n.ID, true
	}
	return n.Parent, true
}

func (m *Mock) autoID() int32 {
	id := m.nextAuto
	m.nextAuto--
	return id
}

func (m *Mock) free(id int32) bool {
	n, ok := m.nodes[id]
	if !ok || id == rootNodeID {
		return false
	}
	if n.Group {
		m.freeChildren(id)
	} else {
		m.voices.Add(-1)
	}
	delete(m.nodes, id)
	return true
}

func (m *Mock) freeChildren(group int32) {
	for id, n := range m.nodes {
		if n.Parent == group && id != group {
			m.free(id)
		}
	}
}

func (m *Mock) counts() (synths, groups int32) {
	for _, n := range m.nodes {
		if n.Group {
			groups++
		} else {
			synths++
		}
	}
	return synths, groups
}

// setControls applies (name, value) pairs. Indexed controls are stored under
// their decimal index.
func setControls(n *NodeInfo, args []any) {
	for i := 0; i+1 < len(args); i += 2 {
		var name string
		switch k := args[i].(type) {
		case string:
			name = k
		case int32:
			name = fmt.Sprintf("%d", k)
		default:
			continue
		}
		switch v := args[i+1].(type) {
		case float32:
			n.Controls[name] = v
		case int32:
			n.Controls[name] = float32(v)
		}
	}
}

func intArg(args []any, i int) (int32, bool) {
	if i >= len(args) {
		return 0, false
	}
	switch v := args[i].(type) {
	case int32:
		return v, true
	case float32:
		return int32(v), true
	}
	return 0, false
}

func stringArg(args []any, i int) (string, bool) {
	if i >= len(args) {
		return "", false
	}
	s, ok := args[i].(string)
	return s, ok
}

func send(reply ReplyFunc, addr string, args ...any) {
	if reply == nil {
		return
	}
	data, err := osc.NewMessage(addr, args...).MarshalBinary()
	if err != nil {
		Printf("mock engine: encode reply %s: %v", addr, err)
		return
	}
	reply(data)
}
