package gsmgate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outcome is the business result of a session operation. It is returned
// alongside a nil error; errors are reserved for lookups and storage.
type Outcome string

const (
	OutcomeConfirmed           Outcome = "confirmed"
	OutcomeInvalidCode         Outcome = "invalid_code"
	OutcomeExpired             Outcome = "expired"
	OutcomeMaxAttemptsExceeded Outcome = "max_attempts_exceeded"
	OutcomeCancelled           Outcome = "cancelled"
)

// outcomeFor maps a terminal status to the outcome repeated calls report
func outcomeFor(status SessionStatus) Outcome {
	switch status {
	case SessionConfirmed:
		return OutcomeConfirmed
	case SessionExpired:
		return OutcomeExpired
	case SessionCancelled:
		return OutcomeCancelled
	case SessionFailed:
		return OutcomeMaxAttemptsExceeded
	}
	return ""
}

// CreateSessionRequest describes a new verification session
type CreateSessionRequest struct {
	Kind    SessionKind
	Subject string

	// Recipient overrides where the code or reference is sent. Login
	// sessions default to Subject; payment sessions only dispatch when set.
	Recipient string

	// Payment correlation. ReferenceCode is generated when empty.
	ReferenceCode string
	Amount        int64
	Tolerance     int64

	// MaxAttempts overrides SessionConfig.MaxAttempts when positive
	MaxAttempts int

	// Criteria selects the modem (role, owner)
	Criteria Criteria
}

// MatchResult describes the session an inbound SMS confirmed
type MatchResult struct {
	SessionID  string
	ResourceID string
	Amount     int64
	Outcome    Outcome
}

// Orchestrator drives verification sessions through their state machine:
// pending, then exactly one of confirmed, expired, cancelled or failed.
type Orchestrator struct {
	sessions SessionStore
	pool     *PoolManager
	driver   Driver
	config   SessionConfig
	breaker  CircuitBreaker
}

// NewOrchestrator creates a session orchestrator. pool and driver may be nil,
// in which case every session runs in demo mode.
func NewOrchestrator(sessions SessionStore, pool *PoolManager, driver Driver, config SessionConfig) (*Orchestrator, error) {
	if sessions == nil {
		return nil, ErrStorageUnavailable
	}

	// Set defaults
	if config.LoginTTL <= 0 {
		config.LoginTTL = 600 * time.Second
	}
	if config.PaymentTTL <= 0 {
		config.PaymentTTL = 1800 * time.Second
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.CodeLength <= 0 {
		config.CodeLength = 6
	}
	if config.ReferenceLength <= 0 {
		config.ReferenceLength = 6
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = 10 * time.Second
	}
	if config.LoginMessage == "" {
		config.LoginMessage = "Your verification code is %s"
	}
	if config.PaymentMessage == "" {
		config.PaymentMessage = "Use reference %s in your transfer description"
	}
	if config.Parser == nil {
		config.Parser = NewSMSParser()
	}
	if config.Logger == nil {
		config.Logger = &NoopLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &NoopMetrics{}
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	o := &Orchestrator{
		sessions: sessions,
		pool:     pool,
		driver:   driver,
		config:   config,
	}

	if config.CircuitBreakerConfig != nil && config.CircuitBreakerConfig.Enabled {
		metrics := config.Metrics
		logger := config.Logger
		o.breaker = NewDriverBreaker(*config.CircuitBreakerConfig, config.Clock, func(state BreakerState) {
			metrics.RecordCircuitBreakerStateChange(string(state))
			logger.Warn("dispatch circuit breaker state changed", Field{"state", state})
		})
	}

	return o, nil
}

// CreateSession opens a pending session. When a modem can be leased the code
// or reference is dispatched through it; otherwise the session runs in demo
// mode and the caller gets the code back via Session.DemoCode.
func (o *Orchestrator) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	now := o.config.Clock()
	s := &Session{
		ID:          uuid.NewString(),
		Kind:        req.Kind,
		Subject:     strings.TrimSpace(req.Subject),
		Recipient:   strings.TrimSpace(req.Recipient),
		Status:      SessionPending,
		MaxAttempts: o.config.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if req.MaxAttempts > 0 {
		s.MaxAttempts = req.MaxAttempts
	}

	var message string
	switch req.Kind {
	case SessionLoginSMS:
		if s.Subject == "" {
			return nil, fmt.Errorf("subject is required")
		}
		if s.Recipient == "" {
			s.Recipient = s.Subject
		}
		code, err := newLoginCode(o.config.CodeLength)
		if err != nil {
			return nil, err
		}
		s.Secret = code
		s.ExpiresAt = now.Add(o.config.LoginTTL)
		message = fmt.Sprintf(o.config.LoginMessage, code)

	case SessionPaymentConfirmation:
		if req.Amount <= 0 || req.Tolerance < 0 {
			return nil, ErrInvalidAmount
		}
		ref := strings.ToUpper(strings.TrimSpace(req.ReferenceCode))
		if ref == "" {
			generated, err := newReference(o.config.ReferenceLength)
			if err != nil {
				return nil, err
			}
			ref = generated
		}
		s.ReferenceCode = ref
		s.Amount = req.Amount
		s.Tolerance = req.Tolerance
		s.ExpiresAt = now.Add(o.config.PaymentTTL)
		if s.Recipient != "" {
			message = fmt.Sprintf(o.config.PaymentMessage, ref)
		}

	default:
		return nil, fmt.Errorf("unknown session kind %q", req.Kind)
	}

	res := o.acquire(ctx, s, req.Criteria, message)
	if res == nil {
		s.IsDemo = true
	} else {
		s.ResourceID = res.ID
	}

	if err := o.sessions.CreateSession(ctx, s); err != nil {
		if res != nil {
			o.releaseLease(ctx, s)
		}
		return nil, fmt.Errorf("create session: %w", err)
	}

	o.config.Metrics.RecordSessionCreated(s.Kind, s.IsDemo)
	o.config.Logger.Info("session created",
		Field{"session_id", s.ID},
		Field{"kind", s.Kind},
		Field{"resource_id", s.ResourceID},
		Field{"demo", s.IsDemo},
		Field{"expires_at", s.ExpiresAt})
	return s, nil
}

// acquire leases a modem for the session and dispatches message through it,
// retrying once on another modem. It returns nil when the session must fall
// back to demo mode; no lease is held in that case.
func (o *Orchestrator) acquire(ctx context.Context, s *Session, criteria Criteria, message string) *Resource {
	if o.pool == nil {
		return nil
	}
	if message != "" && (o.driver == nil || (o.breaker != nil && o.breaker.State() == BreakerOpen)) {
		return nil
	}

	criteria.ExcludeIDs = append([]string(nil), criteria.ExcludeIDs...)
	for attempt := 0; attempt < 2; attempt++ {
		res, _, err := o.pool.LeaseResource(ctx, KindModem, criteria, s.ID)
		if err != nil {
			if !errors.Is(err, ErrNoResourceAvailable) {
				o.config.Logger.Error("lease failed, falling back to demo mode",
					Field{"session_id", s.ID}, Field{"error", err})
			}
			return nil
		}
		if message == "" {
			return res
		}

		err = o.dispatch(ctx, res, s.Recipient, message)
		if err == nil {
			return res
		}

		// Mark before releasing so the failed modem is never handed out
		// as available in between
		circuitOpen := errors.Is(err, ErrCircuitOpen)
		if !circuitOpen {
			if _, markErr := o.pool.MarkError(ctx, res.ID, err.Error()); markErr != nil {
				o.config.Logger.Error("failed to mark resource error",
					Field{"resource_id", res.ID}, Field{"error", markErr})
			}
		}
		if _, relErr := o.pool.release(ctx, res.ID, s.ID, releaseReasonDispatch); relErr != nil {
			o.config.Logger.Error("failed to release lease after dispatch failure",
				Field{"resource_id", res.ID}, Field{"error", relErr})
		}
		if circuitOpen {
			return nil
		}
		criteria.ExcludeIDs = append(criteria.ExcludeIDs, res.ID)
	}
	return nil
}

func (o *Orchestrator) dispatch(ctx context.Context, res *Resource, to, body string) error {
	start := time.Now()
	send := func(ctx context.Context) error {
		dctx, cancel := context.WithTimeout(ctx, o.config.DispatchTimeout)
		defer cancel()
		if err := o.driver.SendSMS(dctx, res, to, body); err != nil {
			return fmt.Errorf("%w: %w", ErrDevice, err)
		}
		return nil
	}

	var err error
	if o.breaker != nil {
		err = o.breaker.Execute(ctx, send)
	} else {
		err = send(ctx)
	}

	o.config.Metrics.RecordDispatch(time.Since(start), err)
	if err != nil {
		o.config.Logger.Warn("sms dispatch failed",
			Field{"resource_id", res.ID}, Field{"error", err})
	}
	return err
}

// GetSession returns a session by id
func (o *Orchestrator) GetSession(ctx context.Context, id string) (*Session, error) {
	return o.sessions.GetSession(ctx, id)
}

// VerifyCode checks a user-entered code. Expiry is checked first, so a
// correct code after the deadline still yields OutcomeExpired. Calls on a
// terminal session return its outcome without touching the attempt counter.
//
// Payment sessions are confirmed by inbound SMS; they only accept VerifyCode
// in demo mode, with the reference code as candidate.
func (o *Orchestrator) VerifyCode(ctx context.Context, sessionID, candidate string) (Outcome, error) {
	var outcome Outcome
	var transitioned bool

	s, err := o.sessions.UpdateSession(ctx, sessionID, func(s *Session) error {
		outcome, transitioned = "", false

		if s.Status.Terminal() {
			outcome = outcomeFor(s.Status)
			return ErrNoChange
		}

		expected := s.Secret
		if s.Kind == SessionPaymentConfirmation {
			if !s.IsDemo {
				return ErrWrongSessionKind
			}
			expected = s.ReferenceCode
			candidate = strings.ToUpper(strings.TrimSpace(candidate))
		}

		now := o.config.Clock()
		s.UpdatedAt = now
		if s.ExpiredAt(now) {
			s.Status = SessionExpired
			outcome, transitioned = OutcomeExpired, true
			return nil
		}

		s.Attempts++
		switch {
		case secretsEqual(expected, candidate):
			s.Status = SessionConfirmed
			s.ConfirmedAt = &now
			outcome, transitioned = OutcomeConfirmed, true
		case s.Attempts >= s.MaxAttempts:
			s.Status = SessionFailed
			outcome, transitioned = OutcomeMaxAttemptsExceeded, true
		default:
			outcome = OutcomeInvalidCode
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if transitioned {
		o.finish(ctx, s)
	}
	return outcome, nil
}

// Cancel moves a pending session to cancelled. Terminal sessions are left
// as they are and their outcome is returned.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) (Outcome, error) {
	var outcome Outcome
	var transitioned bool

	s, err := o.sessions.UpdateSession(ctx, sessionID, func(s *Session) error {
		outcome, transitioned = "", false
		if s.Status.Terminal() {
			outcome = outcomeFor(s.Status)
			return ErrNoChange
		}
		s.Status = SessionCancelled
		s.UpdatedAt = o.config.Clock()
		outcome, transitioned = OutcomeCancelled, true
		return nil
	})
	if err != nil {
		return "", err
	}

	if transitioned {
		o.finish(ctx, s)
	}
	return outcome, nil
}

// MatchInboundSMS correlates a bank notification with the single pending
// payment session on the same resource whose reference occurs in the body
// and whose amount is within tolerance of a parsed amount. Unmatched and
// ambiguous messages are dropped; an already confirmed session is never
// touched again.
func (o *Orchestrator) MatchInboundSMS(ctx context.Context, ev InboundSMS) (*MatchResult, error) {
	logger := o.config.Logger
	parsed := o.config.Parser.Parse(ev.Body)

	logger.Info("inbound sms",
		Field{"resource_id", ev.ResourceID},
		Field{"sender", ev.Sender},
		Field{"received_at", ev.ReceivedAt},
		Field{"body", ev.Body},
		Field{"amounts", parsed.Amounts})

	if len(parsed.Amounts) == 0 {
		o.config.Metrics.RecordInboundMatch("unparsed")
		return nil, ErrNoSMSMatch
	}

	pending, err := o.sessions.ListPendingSessions(ctx, SessionFilter{
		Kind:       SessionPaymentConfirmation,
		ResourceID: ev.ResourceID,
	})
	if err != nil {
		return nil, fmt.Errorf("list pending sessions: %w", err)
	}

	now := o.config.Clock()
	var matches []*Session
	for _, s := range pending {
		if s.ResourceID != ev.ResourceID {
			continue
		}
		if s.ExpiredAt(now) {
			if _, err := o.expire(ctx, s.ID, now); err != nil {
				logger.Error("failed to expire session",
					Field{"session_id", s.ID}, Field{"error", err})
			}
			continue
		}
		if parsed.HasReference(s.ReferenceCode) && parsed.HasAmount(s.Amount, s.Tolerance) {
			matches = append(matches, s)
		}
	}

	switch len(matches) {
	case 0:
		o.config.Metrics.RecordInboundMatch("no_match")
		logger.Info("inbound sms matched no session", Field{"resource_id", ev.ResourceID})
		return nil, ErrNoSMSMatch
	case 1:
	default:
		ids := make([]string, 0, len(matches))
		for _, s := range matches {
			ids = append(ids, s.ID)
		}
		o.config.Metrics.RecordInboundMatch("ambiguous")
		logger.Warn("inbound sms matched multiple sessions",
			Field{"resource_id", ev.ResourceID}, Field{"session_ids", ids})
		return nil, ErrAmbiguousSMSMatch
	}

	var outcome Outcome
	var transitioned bool
	s, err := o.sessions.UpdateSession(ctx, matches[0].ID, func(s *Session) error {
		outcome, transitioned = "", false
		if s.Status.Terminal() {
			outcome = outcomeFor(s.Status)
			return ErrNoChange
		}
		now := o.config.Clock()
		s.UpdatedAt = now
		if s.ExpiredAt(now) {
			s.Status = SessionExpired
			outcome, transitioned = OutcomeExpired, true
			return nil
		}
		s.Status = SessionConfirmed
		s.ConfirmedAt = &now
		outcome, transitioned = OutcomeConfirmed, true
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("confirm session: %w", err)
	}

	if transitioned {
		o.finish(ctx, s)
	}
	if outcome != OutcomeConfirmed || !transitioned {
		// Lost a race with another transition
		o.config.Metrics.RecordInboundMatch("no_match")
		return nil, ErrNoSMSMatch
	}

	o.config.Metrics.RecordInboundMatch("matched")
	logger.Info("payment confirmed by inbound sms",
		Field{"session_id", s.ID}, Field{"resource_id", ev.ResourceID})

	return &MatchResult{
		SessionID:  s.ID,
		ResourceID: s.ResourceID,
		Amount:     s.Amount,
		Outcome:    OutcomeConfirmed,
	}, nil
}

// ExpireSweep expires every pending session past its deadline and releases
// its lease. It returns the number of sessions expired by this call.
func (o *Orchestrator) ExpireSweep(ctx context.Context) (int, error) {
	start := time.Now()
	now := o.config.Clock()

	due, err := o.sessions.ListPendingSessions(ctx, SessionFilter{ExpiresBefore: now})
	if err != nil {
		return 0, fmt.Errorf("list expired sessions: %w", err)
	}

	expired := 0
	for _, candidate := range due {
		ok, err := o.expire(ctx, candidate.ID, now)
		if err != nil {
			o.config.Logger.Error("failed to expire session",
				Field{"session_id", candidate.ID}, Field{"error", err})
			continue
		}
		if ok {
			expired++
		}
	}

	o.config.Metrics.RecordSweep("expire", time.Since(start), expired)
	if expired > 0 {
		o.config.Logger.Info("sessions expired", Field{"count", expired})
	}
	return expired, nil
}

// expire moves a pending session past its deadline to expired and releases
// its lease. It reports whether this call made the transition.
func (o *Orchestrator) expire(ctx context.Context, sessionID string, now time.Time) (bool, error) {
	var transitioned bool
	s, err := o.sessions.UpdateSession(ctx, sessionID, func(s *Session) error {
		transitioned = false
		if s.Status.Terminal() || !s.ExpiredAt(now) {
			return ErrNoChange
		}
		s.Status = SessionExpired
		s.UpdatedAt = now
		transitioned = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if transitioned {
		o.finish(ctx, s)
	}
	return transitioned, nil
}

// FallBackReclaimed switches the pending sessions whose leases a health
// sweep reclaimed to demo mode, so they stop referencing a modem another
// session may lease next. It returns the number of sessions switched.
func (o *Orchestrator) FallBackReclaimed(ctx context.Context, reclaimed []*Lease) (int, error) {
	switched := 0
	var errs []error
	for _, lease := range reclaimed {
		var changed bool
		_, err := o.sessions.UpdateSession(ctx, lease.SessionID, func(s *Session) error {
			changed = false
			if s.Status.Terminal() || s.ResourceID != lease.ResourceID {
				return ErrNoChange
			}
			s.ResourceID = ""
			s.IsDemo = true
			s.UpdatedAt = o.config.Clock()
			changed = true
			return nil
		})
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", lease.SessionID, err))
			continue
		}
		if changed {
			switched++
			o.config.Logger.Warn("session fell back to demo mode",
				Field{"session_id", lease.SessionID},
				Field{"resource_id", lease.ResourceID},
				Field{"reason", lease.ReleaseReason})
		}
	}
	return switched, errors.Join(errs...)
}

// finish runs after a session reached a terminal state
func (o *Orchestrator) finish(ctx context.Context, s *Session) {
	o.config.Metrics.RecordSessionTransition(s.Kind, s.Status)
	o.config.Logger.Debug("session transition",
		Field{"session_id", s.ID}, Field{"status", s.Status}, Field{"attempts", s.Attempts})
	o.releaseLease(ctx, s)
}

func (o *Orchestrator) releaseLease(ctx context.Context, s *Session) {
	if s.ResourceID == "" || o.pool == nil {
		return
	}
	if _, err := o.pool.ReleaseResource(ctx, s.ResourceID, s.ID); err != nil {
		o.config.Logger.Error("failed to release lease",
			Field{"session_id", s.ID}, Field{"resource_id", s.ResourceID}, Field{"error", err})
	}
}
