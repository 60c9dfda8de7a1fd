package protocol

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/bardlex/hivepool/internal/jobs"
	"github.com/bardlex/hivepool/internal/vardiff"
	"github.com/bardlex/hivepool/pkg/log"
)

// SessionConfig holds the per-connection transport settings.
type SessionConfig struct {
	MaxMessageSize    int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	OutboundQueueSize int
}

// MessageHandler processes parsed client messages. Calls for one session are
// sequential.
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, msg *ClientMessage)
}

// Session is one miner connection.
type Session struct {
	id     string
	ip     string
	conn   *websocket.Conn
	cfg    SessionConfig
	logger *log.Logger

	controller *vardiff.Controller
	jobs       *jobs.Buffer
	limiter    *rate.Limiter

	// Outbound frames; the writer drains what is queued before closing.
	outbound chan []byte
	closing  chan struct{}
	done     chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string

	mu      sync.RWMutex
	minerID string
	invalid int
}

// NewSession wraps an upgraded connection.
func NewSession(id, ip string, conn *websocket.Conn, cfg SessionConfig, controller *vardiff.Controller, limiter *rate.Limiter, logger *log.Logger) *Session {
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 100
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	return &Session{
		id:         id,
		ip:         ip,
		conn:       conn,
		cfg:        cfg,
		logger:     logger.WithFields("session_id", id, "remote_addr", ip),
		controller: controller,
		jobs:       jobs.NewBuffer(),
		limiter:    limiter,
		outbound:   make(chan []byte, cfg.OutboundQueueSize),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the writer in the background and the reader in the calling
// goroutine. It returns once the connection is closed.
func (s *Session) Start(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.ip)

	go s.writeLoop()

	err := s.readLoop(ctx, handler)
	<-s.done
	s.logger.LogConnection("disconnected", s.ip)
	return err
}

// readLoop processes client frames one at a time.
func (s *Session) readLoop(ctx context.Context, handler MessageHandler) error {
	defer s.Close(CloseNormalClosure, "")

	// Frames past this hard limit are refused by the websocket layer itself.
	s.conn.SetReadLimit(int64(s.cfg.MaxMessageSize) * 64)
	s.extendReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})

	for {
		if s.Closed() {
			return nil
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				s.logger.WithError(err).Debug("connection read failed")
			}
			return nil
		}
		s.extendReadDeadline()
		s.logger.LogProtocolMessage("received", string(data))

		msg, err := ParseClientMessage(data, s.cfg.MaxMessageSize)
		if err != nil {
			var pe *ProtocolError
			if stderrors.As(err, &pe) {
				s.Close(pe.Code, pe.Reason)
			} else {
				s.Close(ClosePolicyViolation, closeReasonBye)
			}
			s.logger.WithError(err).Warn("protocol violation")
			return err
		}

		handler.HandleMessage(ctx, s, msg)
	}
}

func (s *Session) extendReadDeadline() {
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
}

// writeLoop owns every data write on the connection.
func (s *Session) writeLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		if err := s.conn.Close(); err != nil {
			s.logger.WithError(err).Debug("failed to close connection")
		}
		close(s.done)
	}()

	for {
		select {
		case data := <-s.outbound:
			if err := s.write(websocket.TextMessage, data); err != nil {
				s.logger.WithError(err).Debug("failed to write message")
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				s.logger.WithError(err).Debug("failed to write ping")
				return
			}
		case <-s.closing:
			s.flush()
			deadline := time.Now().Add(s.writeTimeout())
			msg := websocket.FormatCloseMessage(s.closeCode, s.closeReason)
			if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
				s.logger.WithError(err).Debug("failed to write close frame")
			}
			return
		}
	}
}

// flush writes whatever is still queued.
func (s *Session) flush() {
	for {
		select {
		case data := <-s.outbound:
			if err := s.write(websocket.TextMessage, data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(messageType int, data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout())); err != nil {
		return err
	}
	if err := s.conn.WriteMessage(messageType, data); err != nil {
		return err
	}
	if messageType == websocket.TextMessage {
		s.logger.LogProtocolMessage("sent", string(data))
	}
	return nil
}

func (s *Session) writeTimeout() time.Duration {
	if s.cfg.WriteTimeout > 0 {
		return s.cfg.WriteTimeout
	}
	return 10 * time.Second
}

// Send queues a frame for the writer.
func (s *Session) Send(data []byte) error {
	select {
	case <-s.closing:
		return fmt.Errorf("session closed")
	case <-s.done:
		return fmt.Errorf("session closed")
	default:
	}

	select {
	case s.outbound <- data:
		return nil
	default:
		return fmt.Errorf("outbound queue full")
	}
}

// SendJob queues a job assignment.
func (s *Session) SendJob(job *jobs.Job) error {
	data, err := MarshalJob(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return s.Send(data)
}

// Close ends the session with the given close code. Queued frames are
// written first. Only the first call has an effect.
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeReason = reason
		close(s.closing)
	})
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	select {
	case <-s.closing:
		return true
	default:
		return false
	}
}

// Done is closed once the connection is released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// IP returns the resolved client address.
func (s *Session) IP() string {
	return s.ip
}

// Difficulty returns the current share difficulty.
func (s *Session) Difficulty() float64 {
	return s.controller.Difficulty()
}

// Jobs returns the outstanding job buffer.
func (s *Session) Jobs() *jobs.Buffer {
	return s.jobs
}

// Controller returns the difficulty controller.
func (s *Session) Controller() *vardiff.Controller {
	return s.controller
}

// AllowSubmit reports whether the submit rate limit admits another share.
func (s *Session) AllowSubmit() bool {
	return s.limiter == nil || s.limiter.Allow()
}

// MinerID returns the miner address, empty until the first valid submit.
func (s *Session) MinerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minerID
}

// SetMinerID assigns the miner address. It is set once; later calls are
// ignored and return false.
func (s *Session) SetMinerID(minerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.minerID != "" {
		return false
	}
	s.minerID = minerID
	return true
}

// RecordInvalid counts an invalid share and returns the consecutive total.
func (s *Session) RecordInvalid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalid++
	return s.invalid
}

// ResetInvalid clears the consecutive invalid count.
func (s *Session) ResetInvalid() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalid = 0
}

// InvalidCount returns the consecutive invalid count.
func (s *Session) InvalidCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.invalid
}

// Logger returns the session logger.
func (s *Session) Logger() *log.Logger {
	if id := s.MinerID(); id != "" {
		return s.logger.WithFields("miner_id", id)
	}
	return s.logger
}
