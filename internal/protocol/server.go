// Package protocol is the miner-facing websocket server: it hands out jobs,
// takes submissions, and keeps each connection's difficulty and standing.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/bardlex/hivepool/internal/graph"
	"github.com/bardlex/hivepool/internal/jobs"
	"github.com/bardlex/hivepool/internal/ledger"
	"github.com/bardlex/hivepool/internal/target"
	"github.com/bardlex/hivepool/internal/validation"
	"github.com/bardlex/hivepool/internal/vardiff"
	"github.com/bardlex/hivepool/pkg/log"
)

// Config holds the server settings.
type Config struct {
	Session            SessionConfig
	TrustForwardedFor  bool
	StartDifficulty    float64
	StartTargetPrefix  string
	Vardiff            vardiff.Config
	StaleSweepInterval time.Duration
	StaleAfter         time.Duration
	InvalidShareLimit  int
	BanOnInvalidLimit  bool
	SubmitRateLimit    float64
	SubmitBurst        int
	BlockSubmitTimeout time.Duration
}

// Deps are the collaborators the server drives.
type Deps struct {
	Distributor *jobs.Distributor
	Validator   Validator
	Daemon      AddressValidator
	Store       Store
	Blocks      BlockSink
	Observer    Observer
}

// Server accepts miner connections over websocket.
type Server struct {
	cfg      Config
	deps     Deps
	logger   *log.Logger
	registry *Registry
	upgrader websocket.Upgrader

	startDifficulty float64
	nextID          atomic.Uint64
	now             func() time.Time

	// ctx outlives individual requests; Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	draining bool
	wg       sync.WaitGroup

	stop     chan struct{}
	stopOnce sync.Once
	timers   sync.WaitGroup
}

// NewServer creates a server. Call StartSweeper to run the stale sweep.
func NewServer(cfg Config, deps Deps, logger *log.Logger) (*Server, error) {
	if deps.Distributor == nil || deps.Validator == nil || deps.Daemon == nil || deps.Store == nil || deps.Blocks == nil {
		return nil, fmt.Errorf("protocol server needs a distributor, validator, daemon, store and block sink")
	}
	if deps.Observer == nil {
		deps.Observer = Observers(nil)
	}
	if cfg.InvalidShareLimit <= 0 {
		cfg.InvalidShareLimit = 8
	}
	if cfg.StaleSweepInterval <= 0 {
		cfg.StaleSweepInterval = 15 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 90 * time.Second
	}
	if cfg.BlockSubmitTimeout <= 0 {
		cfg.BlockSubmitTimeout = 30 * time.Second
	}
	if cfg.Session.MaxMessageSize <= 0 {
		cfg.Session.MaxMessageSize = 10000
	}

	start := max(cfg.StartDifficulty, 1)
	if cfg.StartTargetPrefix != "" {
		d, err := target.DifficultyForPrefix(cfg.StartTargetPrefix)
		if err != nil {
			return nil, fmt.Errorf("start target prefix: %w", err)
		}
		start = d
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.WithComponent("protocol_server"),
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startDifficulty: start,
		now:             time.Now,
		ctx:             ctx,
		cancel:          cancel,
		stop:            make(chan struct{}),
	}, nil
}

// Registry returns the live session registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// OnTemplate publishes a new template and sends every connection a job for
// it. It is the template watcher's callback.
func (s *Server) OnTemplate(t *jobs.Template) {
	s.deps.Distributor.Broadcast(t, s.registry.Conns())
}

// ServeHTTP upgrades a miner connection and serves it until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ip := s.clientIP(r)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("websocket upgrade failed", "remote_addr", ip)
		return
	}

	if s.isBanned(ip) {
		s.logger.Info("rejected banned address", "remote_addr", ip)
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(ClosePolicyViolation, closeReasonBye), deadline)
		_ = conn.Close()
		return
	}

	now := s.now()
	sess := NewSession(
		fmt.Sprintf("session_%d", s.nextID.Add(1)),
		ip,
		conn,
		s.cfg.Session,
		vardiff.New(s.cfg.Vardiff, s.startDifficultyFor(r.URL.Path), now),
		s.newLimiter(),
		s.logger,
	)

	s.registry.Add(sess)
	defer s.registry.Remove(sess.ID())
	s.deps.Observer.Connected(ip)
	defer s.deps.Observer.Disconnected(ip)

	s.issueJob(sess)

	if err := sess.Start(s.ctx, s); err != nil {
		sess.Logger().WithError(err).Debug("session ended with error")
	}
}

func (s *Server) isBanned(ip string) bool {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	banned, err := s.deps.Store.IsBanned(ctx, ip)
	if err != nil {
		s.logger.WithError(err).Warn("ban lookup failed, admitting connection", "remote_addr", ip)
		return false
	}
	return banned
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.cfg.SubmitRateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(s.cfg.SubmitRateLimit), max(s.cfg.SubmitBurst, 1))
}

// clientIP is the first X-Forwarded-For entry when proxies are trusted, else
// the socket address.
func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustForwardedFor {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return strings.TrimPrefix(host, "::ffff:")
}

// startDifficultyFor reads an optional hex target prefix from the first path
// segment, e.g. /00ff.
func (s *Server) startDifficultyFor(path string) float64 {
	prefix := strings.Trim(path, "/")
	if prefix == "" || !fieldPattern.MatchString(prefix) {
		return s.startDifficulty
	}
	d, err := target.DifficultyForPrefix(prefix)
	if err != nil {
		s.logger.WithError(err).Debug("ignoring start target", "path", path)
		return s.startDifficulty
	}
	return d
}

// HandleMessage dispatches one parsed client message.
func (s *Server) HandleMessage(ctx context.Context, sess *Session, msg *ClientMessage) {
	switch msg.Kind {
	case KindSubmit:
		s.handleSubmit(ctx, sess, msg.Submit)
	case KindUnknown:
		sess.Logger().Debug("ignoring message", "kind", msg.Kind.String())
	}
}

func (s *Server) handleSubmit(ctx context.Context, sess *Session, submit *Submit) {
	start := s.now()

	if !sess.AllowSubmit() {
		s.reply(sess, MarshalRejected(RejectRateLimited))
		s.observe(sess, submit.JobID, StatusRateLimited, 0, start)
		return
	}

	minerID, ok := s.identify(ctx, sess, submit.MinerID)
	if !ok {
		return
	}

	job, found := sess.Jobs().Take(submit.JobID)
	if !found {
		s.reply(sess, MarshalRejected(RejectJobMismatch))
		s.observe(sess, submit.JobID, StatusMismatch, 0, start)
		s.countInvalid(ctx, sess)
		return
	}

	res, err := s.validate(ctx, job, submit, start)
	if err != nil {
		// The server is shutting down.
		return
	}
	if sess.Closed() {
		return
	}

	logger := sess.Logger()
	switch res.Outcome {
	case validation.OutcomeError:
		logger.Debug("malformed share", "job_id", job.ID, "reason", res.Reason)
		s.reply(sess, MarshalRejected(RejectMalformed))
		s.observe(sess, job.ID, StatusMalformed, job.Difficulty, start)
		s.countInvalid(ctx, sess)
		// No new job: the miner keeps its remaining buffered job.
		return

	case validation.OutcomeRejected:
		logger.LogShareSubmission(minerID, job.ID, job.Difficulty, StatusRejected)
		s.reply(sess, MarshalRejected(""))
		s.observe(sess, job.ID, StatusRejected, job.Difficulty, start)
		if s.countInvalid(ctx, sess) {
			return
		}

	case validation.OutcomeAccepted, validation.OutcomeBlockFound:
		if res.Outcome == validation.OutcomeBlockFound {
			s.submitBlock(ctx, sess, minerID, job, res)
		}
		if s.recordShare(ctx, sess, minerID, job, submit, res, start) {
			return
		}
	}

	blockDifficulty := job.Template.Difficulty
	if current := s.deps.Distributor.Current(); current != nil {
		blockDifficulty = current.Difficulty
	}
	sess.Controller().Observe(s.now(), blockDifficulty)
	s.issueJob(sess)
}

// identify validates the miner address on the first submit. It returns false
// when the submit must not be processed.
func (s *Server) identify(ctx context.Context, sess *Session, minerID string) (string, bool) {
	if id := sess.MinerID(); id != "" {
		return id, true
	}

	valid, err := s.deps.Daemon.ValidateAddress(ctx, minerID)
	if err != nil {
		sess.Logger().WithError(err).Warn("address validation failed")
		s.reply(sess, MarshalRejected(RejectAddressCheck))
		return "", false
	}
	if !valid {
		sess.Logger().Info("invalid miner address, disconnecting", "miner_id", minerID)
		sess.Close(ClosePolicyViolation, closeReasonBye)
		return "", false
	}
	sess.SetMinerID(minerID)
	return minerID, true
}

// validate runs the share check on the validator. Undecodable submissions
// become OutcomeError without reaching it. The error is non-nil only when ctx
// ended.
func (s *Server) validate(ctx context.Context, job *jobs.Job, submit *Submit, at time.Time) (*validation.Result, error) {
	req, err := validation.NewRequest(job.Template.PayloadHex, submit.Nonce, submit.Path,
		graph.PathSlots, job.Target, job.Template.Target, at)
	if err != nil {
		return &validation.Result{Outcome: validation.OutcomeError, Reason: err.Error()}, nil
	}

	start := time.Now()
	res, err := s.deps.Validator.Submit(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.WithError(err).Error("share validation failed")
		return &validation.Result{Outcome: validation.OutcomeError, Reason: err.Error()}, nil
	}
	s.logger.LogDuration("validate_share", time.Since(start))
	return res, nil
}

// recordShare persists an accepted share and replies. It returns true when the
// session was disconnected.
func (s *Server) recordShare(ctx context.Context, sess *Session, minerID string, job *jobs.Job, submit *Submit, res *validation.Result, at time.Time) bool {
	logger := sess.Logger()
	share := ledger.NewShare(minerID, job.ID, submit.Nonce, submit.Path, res.Hash, job.Target, at)

	err := s.deps.Store.SaveShare(ctx, share)
	switch {
	case err == nil:
		logger.LogShareSubmission(minerID, job.ID, job.Difficulty, StatusAccepted)
		s.reply(sess, MarshalAccepted())
		sess.ResetInvalid()
		s.observe(sess, job.ID, StatusAccepted, job.Difficulty, at)
		return false

	case errors.Is(err, ledger.ErrDuplicateShare):
		logger.LogShareSubmission(minerID, job.ID, job.Difficulty, StatusDuplicate)
		s.reply(sess, MarshalRejected(RejectDuplicate))
		s.observe(sess, job.ID, StatusDuplicate, job.Difficulty, at)
		if err := s.deps.Store.FlagMiner(ctx, minerID, "duplicate share"); err != nil {
			logger.WithError(err).Warn("failed to flag miner")
		}
		return s.countInvalid(ctx, sess)

	default:
		logger.WithError(err).Error("failed to save share")
		s.reply(sess, MarshalRejected(RejectUnavailable))
		s.observe(sess, job.ID, StatusStoreError, job.Difficulty, at)
		return false
	}
}

// submitBlock hands a found block to the sink. A sink failure is logged; the
// share is still credited.
func (s *Server) submitBlock(ctx context.Context, sess *Session, minerID string, job *jobs.Job, res *validation.Result) {
	blockHex, err := validation.BlockHex(res.Header, job.Template.BlockHex)
	if err != nil {
		sess.Logger().WithError(err).Error("failed to assemble found block")
		return
	}

	block := &FoundBlock{
		Hash:     res.Hash.String(),
		BlockHex: blockHex,
		MinerID:  minerID,
		JobID:    job.ID,
		Nbits:    job.Template.Nbits,
		FoundAt:  s.now(),
	}
	sess.Logger().LogBlockFound(block.Hash, minerID, block.Nbits)
	s.deps.Observer.BlockFound(block)

	submitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.BlockSubmitTimeout)
	defer cancel()
	if err := s.deps.Blocks.SubmitBlock(submitCtx, block); err != nil {
		sess.Logger().WithError(err).Error("block submission failed", "block_hash", block.Hash)
	}
}

// countInvalid records an invalid share. At the limit the session is closed,
// and with banning enabled every session from the address goes with it. It
// returns true when the session was closed.
func (s *Server) countInvalid(ctx context.Context, sess *Session) bool {
	n := sess.RecordInvalid()
	if n < s.cfg.InvalidShareLimit {
		return false
	}

	sess.Logger().Warn("invalid share limit reached, disconnecting", "invalid", n)
	sess.Close(ClosePolicyViolation, closeReasonBye)
	if s.cfg.BanOnInvalidLimit {
		s.ban(ctx, sess.IP())
	}
	return true
}

func (s *Server) ban(ctx context.Context, ip string) {
	if err := s.deps.Store.Ban(ctx, ip); err != nil {
		s.logger.WithError(err).Error("failed to ban address", "remote_addr", ip)
	}
	for _, other := range s.registry.ByIP(ip) {
		other.Close(ClosePolicyViolation, closeReasonBye)
	}
	s.logger.Warn("address banned", "remote_addr", ip)
}

func (s *Server) issueJob(sess *Session) {
	if _, err := s.deps.Distributor.IssueJob(sess); err != nil {
		if errors.Is(err, jobs.ErrNoTemplate) {
			sess.Logger().Debug("no template yet, job deferred to the next broadcast")
			return
		}
		sess.Logger().WithError(err).Debug("job not delivered")
	}
}

func (s *Server) reply(sess *Session, data []byte) {
	if err := sess.Send(data); err != nil {
		sess.Logger().WithError(err).Debug("reply not delivered")
	}
}

func (s *Server) observe(sess *Session, jobID, status string, difficulty float64, start time.Time) {
	now := s.now()
	s.deps.Observer.ShareProcessed(ShareEvent{
		MinerID:    sess.MinerID(),
		JobID:      jobID,
		IP:         sess.IP(),
		Status:     status,
		Difficulty: difficulty,
		Latency:    now.Sub(start),
		At:         now,
	})
}

// StartSweeper runs the stale sweep until Shutdown.
func (s *Server) StartSweeper() {
	s.timers.Add(1)
	go func() {
		defer s.timers.Done()
		ticker := time.NewTicker(s.cfg.StaleSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				if n := s.SweepStale(s.now()); n > 0 {
					s.logger.Info("stale sessions retargeted", "sessions", n)
				}
			}
		}
	}()
}

// SweepStale halves the difficulty of every session idle longer than
// StaleAfter, drops its buffered jobs and sends a fresh one. The idle clock
// restarts, so a silent miner is halved once per StaleAfter.
func (s *Server) SweepStale(now time.Time) int {
	n := 0
	for _, sess := range s.registry.Snapshot() {
		if sess.Closed() {
			continue
		}
		c := sess.Controller()
		if c.Idle(now) <= s.cfg.StaleAfter {
			continue
		}
		difficulty := c.Halve()
		c.Touch(now)
		sess.Jobs().Clear()
		s.issueJob(sess)
		sess.Logger().Debug("stale session retargeted", "difficulty", difficulty)
		n++
	}
	return n
}

// Shutdown stops accepting connections, closes every session with 1001,
// stops the sweep and waits for the sessions to finish. The worker pool,
// store and daemon belong to the caller and are released after this returns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down protocol server")

	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	for _, sess := range s.registry.Snapshot() {
		sess.Close(CloseGoingAway, "Server shutting down")
	}
	s.cancel()

	s.stopOnce.Do(func() { close(s.stop) })
	s.timers.Wait()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
