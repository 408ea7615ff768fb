// Package control exposes the synthesis engine on the NATS bus.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/scbridge/internal/argtree"
	"github.com/loqalabs/scbridge/internal/bus"
	"github.com/loqalabs/scbridge/internal/config"
	"github.com/loqalabs/scbridge/internal/engine"
	"github.com/loqalabs/scbridge/internal/osc"
	"github.com/loqalabs/scbridge/internal/protocol"
	"github.com/loqalabs/scbridge/internal/synth"
)

// SourceBus labels packets that arrived over the bus.
const SourceBus = "bus"

const lifecycleTimeout = 30 * time.Second

// Controller is the part of synth.Controller the service drives.
type Controller interface {
	DispatchPacket(source string, packet []byte, reply engine.ReplyFunc) bool
	SendControlMessageFrom(ctx context.Context, source string, list argtree.List, reply engine.ReplyFunc) (bool, error)
	MakeSynth(name string) (bool, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Status() synth.Status
	AddReplyHandler(fn engine.ReplyFunc)
}

// StatusMessage is published on protocol.SubjectStatus.
type StatusMessage struct {
	NodeID string `json:"node_id"`
	synth.Status
	Timestamp time.Time `json:"timestamp"`
}

type Service struct {
	cfg    config.ControlConfig
	nodeID string
	bus    *bus.Client
	ctrl   Controller
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.ControlConfig, nodeID string, busClient *bus.Client, ctrl Controller, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		nodeID: nodeID,
		bus:    busClient,
		ctrl:   ctrl,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "control-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	handlers := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{protocol.SubjectOSCPacket, s.handlePacket},
		{protocol.SubjectOSCTree, s.handleTree},
		{protocol.SubjectSynthNew, s.handleSynthNew},
		{protocol.SubjectStatus, s.handleStatus},
		{protocol.SubjectEngineStart, s.handleStart},
		{protocol.SubjectEngineQuit, s.handleQuit},
	}
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.handler)
		if err != nil {
			s.unsubscribe()
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		s.subs = append(s.subs, sub)
	}
	if s.cfg.PublishReplies {
		s.ctrl.AddReplyHandler(s.publishReply)
	}
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.unsubscribe()
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || len(s.subs) > 0 }

func (s *Service) unsubscribe() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) handlePacket(msg *nats.Msg) {
	if _, err := osc.ParsePacket(msg.Data); err != nil {
		s.logger.Warn("invalid osc packet on bus", slogError(err))
		s.respond(msg, protocol.Ack{Error: err.Error()})
		return
	}
	accepted := s.ctrl.DispatchPacket(SourceBus, msg.Data, nil)
	s.respond(msg, ackFor(accepted, nil))
}

func (s *Service) handleTree(msg *nats.Msg) {
	list, err := argtree.ParseJSON(msg.Data)
	if err != nil {
		s.logger.Warn("failed to decode argument tree", slogError(err))
		s.respond(msg, protocol.Ack{Error: err.Error()})
		return
	}
	if len(list) == 0 {
		s.respond(msg, protocol.Ack{Error: "empty argument tree"})
		return
	}
	accepted, err := s.ctrl.SendControlMessageFrom(s.ctx, SourceBus, list, nil)
	if err != nil {
		s.logger.Warn("failed to send control message", slogError(err))
	}
	s.respond(msg, ackFor(accepted, err))
}

func (s *Service) handleSynthNew(msg *nats.Msg) {
	var req protocol.SynthRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode synth request", slogError(err))
		s.respond(msg, protocol.Ack{Error: err.Error()})
		return
	}
	if req.Name == "" {
		s.respond(msg, protocol.Ack{Error: "synth name required"})
		return
	}
	accepted, err := s.ctrl.MakeSynth(req.Name)
	s.respond(msg, ackFor(accepted, err))
}

func (s *Service) handleStatus(msg *nats.Msg) {
	// Lifecycle announcements share the subject and carry no reply inbox.
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(s.status())
	if err != nil {
		s.logger.Warn("failed to marshal status", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond with status", slogError(err))
	}
}

func (s *Service) handleStart(msg *nats.Msg) {
	s.runLifecycle(msg, "start", s.ctrl.Start)
}

func (s *Service) handleQuit(msg *nats.Msg) {
	s.runLifecycle(msg, "quit", s.ctrl.Stop)
}

// runLifecycle runs op off the subscription goroutine so a slow engine does
// not stall packet delivery.
func (s *Service) runLifecycle(msg *nats.Msg, name string, op func(context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, lifecycleTimeout)
		defer cancel()
		err := op(ctx)
		if err != nil {
			s.logger.Warn("engine "+name+" failed", slogError(err))
		}
		s.respond(msg, ackFor(err == nil, err))
		s.PublishStatus()
	}()
}

// PublishStatus announces the current engine status on the bus.
func (s *Service) PublishStatus() {
	if !s.cfg.Enabled {
		return
	}
	data, err := json.Marshal(s.status())
	if err != nil {
		s.logger.Warn("failed to marshal status", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectStatus, data); err != nil {
		s.logger.Warn("failed to publish status", slogError(err))
	}
}

func (s *Service) status() StatusMessage {
	return StatusMessage{
		NodeID:    s.nodeID,
		Status:    s.ctrl.Status(),
		Timestamp: time.Now().UTC(),
	}
}

func (s *Service) publishReply(packet []byte) {
	if err := s.bus.Conn().Publish(protocol.SubjectOSCReply, packet); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		s.logger.Warn("failed to publish engine reply", slogError(err))
	}
}

func (s *Service) respond(msg *nats.Msg, ack protocol.Ack) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(ack)
	if err != nil {
		s.logger.Warn("failed to marshal ack", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond", slogError(err))
	}
}

func ackFor(accepted bool, err error) protocol.Ack {
	ack := protocol.Ack{Accepted: accepted}
	if err != nil {
		ack.Error = err.Error()
	} else if !accepted {
		ack.Error = synth.ErrNotRunning.Error()
	}
	return ack
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
