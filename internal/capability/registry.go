// Package capability tracks the scbridge nodes sharing a bus: what each one
// advertises and what its engine was last reported doing.
package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/scbridge/internal/bus"
	"github.com/loqalabs/scbridge/internal/config"
)

const (
	subjectAnnounce        = "synth.node.announce"
	subjectHeartbeatPrefix = "synth.node.heartbeat"

	// Peers silent for evictFactor heartbeat timeouts are forgotten.
	evictFactor = 10
)

// EngineReport is what a node says about its engine in each heartbeat.
type EngineReport struct {
	State string `json:"state"`
	RunID string `json:"run_id,omitempty"`
}

// ReportFunc samples the local engine for heartbeats.
type ReportFunc func() EngineReport

type Capability struct {
	Name       string            `json:"name"`
	Tier       string            `json:"tier,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// NodeInfo is the registry's view of one node.
type NodeInfo struct {
	ID           string       `json:"id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Engine       EngineReport `json:"engine"`
	LastSeen     time.Time    `json:"last_seen"`
	Healthy      bool         `json:"healthy"`
}

type announcement struct {
	NodeID       string       `json:"node_id"`
	Role         string       `json:"role"`
	Capabilities []Capability `json:"capabilities"`
	Timestamp    time.Time    `json:"timestamp"`
}

type heartbeat struct {
	NodeID    string       `json:"node_id"`
	Engine    EngineReport `json:"engine"`
	Timestamp time.Time    `json:"timestamp"`
}

// Registry announces the local node, heartbeats its engine state and keeps
// the table of peers seen on the bus.
type Registry struct {
	cfg    config.NodeConfig
	log    *slog.Logger
	bus    *bus.Client
	report ReportFunc
	now    func() time.Time

	mu    sync.RWMutex
	nodes map[string]*NodeInfo

	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
}

// NewRegistry subscribes to announcements and heartbeats, announces the
// local node and starts heartbeating. report may be nil for nodes without an
// engine.
func NewRegistry(ctx context.Context, cfg config.NodeConfig, busClient *bus.Client, report ReportFunc, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:    cfg,
		log:    log.With(slog.String("component", "capability-registry")),
		bus:    busClient,
		report: report,
		now:    func() time.Time { return time.Now().UTC() },
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}

	if err := r.registerMetrics(otel.Meter("github.com/loqalabs/scbridge/capability")); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}

	if err := r.subscribe(); err != nil {
		cancel()
		r.unsubscribe()
		return nil, err
	}

	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slogError(err))
	}

	r.wg.Add(1)
	go r.loop(ctx)
	return r, nil
}

// Close stops heartbeating and drains the subscriptions.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	r.unsubscribe()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	sub, err := conn.Subscribe(subjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, sub)

	sub, err = conn.Subscribe(subjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, sub)
	return nil
}

func (r *Registry) unsubscribe() {
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.subs = nil
}

// loop heartbeats on the configured interval and sweeps peer health once a
// second.
func (r *Registry) loop(ctx context.Context) {
	defer r.wg.Done()
	beat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer beat.Stop()
	sweep := time.NewTicker(time.Second)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slogError(err))
			}
		case <-sweep.C:
			r.sweep()
		}
	}
}

func (r *Registry) announce() error {
	msg := announcement{
		NodeID:       r.cfg.ID,
		Role:         r.cfg.Role,
		Capabilities: convertCapabilities(r.cfg.Capabilities),
		Timestamp:    r.now(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := r.bus.Conn().Publish(subjectAnnounce, payload); err != nil {
		return err
	}
	r.observe(msg.NodeID, msg.Timestamp, func(n *NodeInfo) {
		n.Role = msg.Role
		n.Capabilities = msg.Capabilities
		n.Engine = r.localReport()
	})
	return nil
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeat{
		NodeID:    r.cfg.ID,
		Engine:    r.localReport(),
		Timestamp: r.now(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(subjectHeartbeatPrefix+"."+r.cfg.ID, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a announcement
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.NodeID == "" {
		r.log.Warn("invalid announce message", slog.Int("bytes", len(msg.Data)))
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.now()
	}
	isNew := r.observe(a.NodeID, a.Timestamp, func(n *NodeInfo) {
		n.Role = a.Role
		n.Capabilities = a.Capabilities
	})
	// A newcomer has not heard our announcement yet.
	if isNew && a.NodeID != r.cfg.ID {
		r.log.Info("peer joined", slog.String("peer", a.NodeID), slog.String("role", a.Role))
		if err := r.announce(); err != nil {
			r.log.Warn("failed to re-announce", slogError(err))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message", slog.Int("bytes", len(msg.Data)))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now()
	}
	r.observe(hb.NodeID, hb.Timestamp, func(n *NodeInfo) {
		if hb.Engine.State != "" {
			n.Engine = hb.Engine
		}
	})
}

func (r *Registry) localReport() EngineReport {
	if r.report == nil {
		return EngineReport{}
	}
	return r.report()
}

// observe marks nodeID seen at ts, applies update and reports whether the
// node was unknown.
func (r *Registry) observe(nodeID string, ts time.Time, update func(*NodeInfo)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	node, ok := r.nodes[nodeID]
	if !ok {
		node = &NodeInfo{ID: nodeID}
		r.nodes[nodeID] = node
	}
	update(node)
	node.LastSeen = ts
	node.Healthy = true
	return !ok
}

// sweep marks silent nodes unhealthy and forgets long-silent peers. The
// local node is never forgotten.
func (r *Registry) sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	for id, node := range r.nodes {
		silent := now.Sub(node.LastSeen)
		if silent > timeout && node.Healthy {
			node.Healthy = false
			r.log.Warn("peer missed heartbeats", slog.String("peer", id), slog.Duration("silent", silent))
		}
		if id != r.cfg.ID && silent > evictFactor*timeout {
			delete(r.nodes, id)
			r.log.Info("peer evicted", slog.String("peer", id))
		}
	}
}

// Healthy reports whether the local node's own heartbeats are arriving.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Filter selects nodes in Query.
type Filter func(NodeInfo) bool

// Query returns copies of the nodes matching every filter, ordered by ID.
func (r *Registry) Query(filters ...Filter) []NodeInfo {
	r.mu.RLock()
	results := make([]NodeInfo, 0, len(r.nodes))
next:
	for _, node := range r.nodes {
		n := *node
		n.Capabilities = append([]Capability(nil), node.Capabilities...)
		for _, f := range filters {
			if !f(n) {
				continue next
			}
		}
		results = append(results, n)
	}
	r.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool { return results[i].ID < results[j].ID })
	return results
}

// Peers is Query restricted to nodes other than this one.
func (r *Registry) Peers(filters ...Filter) []NodeInfo {
	self := r.cfg.ID
	return r.Query(append([]Filter{func(n NodeInfo) bool { return n.ID != self }}, filters...)...)
}

// LocalCapabilities returns what this node announced.
func (r *Registry) LocalCapabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if node, ok := r.nodes[r.cfg.ID]; ok {
		return append([]Capability(nil), node.Capabilities...)
	}
	return nil
}

func (r *Registry) registerMetrics(meter metric.Meter) error {
	nodes, err := meter.Int64ObservableGauge("scbridge.peers.nodes", metric.WithDescription("Known nodes by health"))
	if err != nil {
		return err
	}
	engines, err := meter.Int64ObservableGauge("scbridge.peers.engines_running", metric.WithDescription("Healthy nodes whose engine reports running"))
	if err != nil {
		return err
	}
	healthy := metric.WithAttributes(attribute.Bool("healthy", true))
	unhealthy := metric.WithAttributes(attribute.Bool("healthy", false))
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var up, down, running int64
		r.mu.RLock()
		for _, n := range r.nodes {
			switch {
			case !n.Healthy:
				down++
			case n.Engine.State == "running":
				up++
				running++
			default:
				up++
			}
		}
		r.mu.RUnlock()
		obs.ObserveInt64(nodes, up, healthy)
		obs.ObserveInt64(nodes, down, unhealthy)
		obs.ObserveInt64(engines, running)
		return nil
	}, nodes, engines)
	return err
}

func convertCapabilities(source []config.NodeCapability) []Capability {
	if len(source) == 0 {
		return nil
	}
	result := make([]Capability, 0, len(source))
	for _, c := range source {
		result = append(result, Capability{Name: c.Name, Tier: c.Tier, Attributes: c.Attributes})
	}
	return result
}

// WithCapability matches nodes advertising the named capability.
func WithCapability(name string) Filter {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Name == name {
				return true
			}
		}
		return false
	}
}

// WithTier matches nodes with at least one capability in tier.
func WithTier(tier string) Filter {
	return func(node NodeInfo) bool {
		for _, c := range node.Capabilities {
			if c.Tier == tier {
				return true
			}
		}
		return false
	}
}

// WithEngineState matches healthy nodes whose last heartbeat reported state.
func WithEngineState(state string) Filter {
	return func(node NodeInfo) bool {
		return node.Healthy && node.Engine.State == state
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
