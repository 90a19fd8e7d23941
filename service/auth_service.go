package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/layer-3/sigauth/core"
	"github.com/layer-3/sigauth/instrumentation"
	"github.com/layer-3/sigauth/internal/eth"
	"github.com/layer-3/sigauth/ports"
)

// Config holds the settings of the authentication service
type Config struct {
	ChallengeTTL    time.Duration
	NonceBytes      int
	MessageTemplate string
	RateWindow      time.Duration
	Limits          map[core.Operation]int
	SessionTTL      time.Duration
	StoreTimeout    time.Duration
}

// DefaultConfig returns the recommended settings
func DefaultConfig() Config {
	return Config{
		ChallengeTTL:    5 * time.Minute,
		NonceBytes:      DefaultNonceBytes,
		MessageTemplate: eth.TemplateV1,
		RateWindow:      time.Hour,
		Limits: map[core.Operation]int{
			core.OpNonce:               10,
			core.OpAuthenticate:        5,
			core.OpAuthenticateAddress: 20,
		},
		SessionTTL:   DefaultSessionTTL,
		StoreTimeout: 2 * time.Second,
	}
}

// AuthRequest is a signed answer to a challenge
type AuthRequest struct {
	Address   string
	Signature string
	Nonce     string
}

// Profile describes an authenticated account
type Profile struct {
	Address string
	// Balance in ether, nil when no chain reader is configured or the lookup failed
	Balance *decimal.Decimal
}

// Option configures an AuthService
type Option func(*AuthService)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *AuthService) { s.logger = logger }
}

// WithInstrumentation sets metrics and tracing
func WithInstrumentation(inst *instrumentation.Instrumentation) Option {
	return func(s *AuthService) { s.inst = inst }
}

// WithChainReader enables balance lookups in Profile
func WithChainReader(chain ports.ChainReader) Option {
	return func(s *AuthService) { s.chain = chain }
}

// WithClock overrides time.Now in every component
func WithClock(now func() time.Time) Option {
	return func(s *AuthService) {
		s.nonces.now = now
		s.limiter.now = now
		s.gate.now = now
	}
}

// AuthService handles authentication business logic
type AuthService struct {
	nonces   *NonceStore
	limiter  *Limiter
	gate     *SessionGate
	eventPub ports.EventPublisher
	chain    ports.ChainReader

	template     string
	storeTimeout time.Duration

	logger *slog.Logger
	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
}

// NewAuthService creates a new authentication service
func NewAuthService(
	cfg Config,
	challenges ports.ChallengeStore,
	counters ports.CounterStore,
	sessions ports.SessionStore,
	tokenizer ports.Tokenizer,
	eventPub ports.EventPublisher,
	opts ...Option,
) *AuthService {
	template := cfg.MessageTemplate
	if template == "" {
		template = eth.TemplateV1
	}

	s := &AuthService{
		nonces:       NewNonceStore(challenges, cfg.ChallengeTTL, cfg.NonceBytes),
		limiter:      NewLimiter(counters, cfg.Limits, cfg.RateWindow),
		gate:         NewSessionGate(sessions, tokenizer, cfg.SessionTTL),
		eventPub:     eventPub,
		template:     template,
		storeTimeout: cfg.StoreTimeout,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.inst == nil {
		s.inst = instrumentation.Noop()
	}
	s.tracer = s.inst.Tracer("service")
	return s
}

// SessionTTL returns the lifetime of established sessions
func (s *AuthService) SessionTTL() time.Duration {
	return s.gate.TTL()
}

// ChallengeTTL returns how long an issued challenge stays valid
func (s *AuthService) ChallengeTTL() time.Duration {
	return s.nonces.TTL()
}

// RequestNonce issues a challenge for the claimed address and returns it
// with the message the wallet has to sign
func (s *AuthService) RequestNonce(ctx context.Context, clientID, address string) (core.Challenge, string, error) {
	ctx, span := s.tracer.Start(ctx, "AuthService.RequestNonce")
	defer span.End()

	if clientID == "" {
		return core.Challenge{}, "", fmt.Errorf("missing client id: %w", core.ErrInvalidRequest)
	}
	if err := s.checkRate(ctx, clientID, core.OpNonce); err != nil {
		recordSpanError(span, err, "rate_limited")
		return core.Challenge{}, "", err
	}

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	challenge, err := s.nonces.Issue(storeCtx, clientID, address)
	if err != nil {
		recordSpanError(span, err, "issue_failed")
		return core.Challenge{}, "", err
	}

	s.inst.RecordNonceIssued(ctx)
	span.SetAttributes(attribute.String("client.id", clientID))
	return challenge, eth.Message(s.template, challenge.Nonce), nil
}

// Authenticate verifies a signed challenge and establishes a session
func (s *AuthService) Authenticate(ctx context.Context, clientID string, req AuthRequest) (core.Session, string, error) {
	ctx, span := s.tracer.Start(ctx, "AuthService.Authenticate")
	defer span.End()

	session, token, err := s.authenticate(ctx, clientID, req)
	outcome := authOutcome(err)
	s.inst.RecordAuthAttempt(ctx, outcome)

	if err != nil {
		recordSpanError(span, err, outcome)
		level := slog.LevelInfo
		if !core.IsClientError(err) {
			level = slog.LevelError
		}
		s.logger.Log(ctx, level, "Login rejected",
			"client_id", clientID,
			"address_hash", hashAddress(req.Address),
			"outcome", outcome,
			"error", err,
		)
		return core.Session{}, "", err
	}

	s.logger.Info("Login succeeded",
		"client_id", clientID,
		"address_hash", hashAddress(session.Address),
		"session_id", session.ID,
	)
	return session, token, nil
}

func (s *AuthService) authenticate(ctx context.Context, clientID string, req AuthRequest) (core.Session, string, error) {
	if clientID == "" {
		return core.Session{}, "", fmt.Errorf("missing client id: %w", core.ErrInvalidRequest)
	}
	if err := s.checkRate(ctx, clientID, core.OpAuthenticate); err != nil {
		return core.Session{}, "", err
	}
	if err := s.checkAddressRate(ctx, req.Address); err != nil {
		return core.Session{}, "", err
	}

	sig, err := s.validate(req)
	if err != nil {
		discardCtx, cancel := s.storeContext(ctx)
		defer cancel()
		if derr := s.nonces.Discard(discardCtx, clientID); derr != nil {
			s.logger.Warn("Failed to discard challenge", "client_id", clientID, "error", derr)
		}
		return core.Session{}, "", err
	}

	consumeCtx, cancel := s.storeContext(ctx)
	challenge, err := s.nonces.Consume(consumeCtx, clientID, req.Address, req.Nonce)
	cancel()
	if err != nil {
		return core.Session{}, "", err
	}

	signer, err := eth.RecoverSigner(eth.Message(s.template, challenge.Nonce), sig)
	if err != nil {
		return core.Session{}, "", err
	}
	if !core.SameAddress(signer.Hex(), challenge.Address) {
		return core.Session{}, "", core.ErrAddressMismatch
	}

	gateCtx, cancel := s.storeContext(ctx)
	defer cancel()
	session, token, err := s.gate.Establish(gateCtx, challenge.Address)
	if err != nil {
		return core.Session{}, "", err
	}

	if err := s.eventPub.PublishLogin(ctx, session.Address, session.ID); err != nil {
		// the session is stored, the event only informs other instances
		s.logger.Warn("Failed to publish login event", "session_id", session.ID, "error", err)
	}
	return session, token, nil
}

// validate checks the shape of every field before any challenge is consumed
func (s *AuthService) validate(req AuthRequest) ([]byte, error) {
	if req.Address == "" || req.Signature == "" || req.Nonce == "" {
		return nil, fmt.Errorf("address, signature and nonce are required: %w", core.ErrInvalidRequest)
	}
	if _, err := eth.ParseAddress(req.Address); err != nil {
		return nil, err
	}
	if !s.nonces.ValidNonce(req.Nonce) {
		return nil, fmt.Errorf("malformed nonce: %w", core.ErrInvalidRequest)
	}
	return eth.DecodeSignature(req.Signature)
}

// Logout ends the session named by token
func (s *AuthService) Logout(ctx context.Context, token string) error {
	ctx, span := s.tracer.Start(ctx, "AuthService.Logout")
	defer span.End()

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	session, err := s.gate.Invalidate(storeCtx, token)
	if err != nil {
		recordSpanError(span, err, "invalidate_failed")
		return err
	}

	s.inst.RecordLogout(ctx)
	if err := s.eventPub.PublishLogout(ctx, session.Address, session.ID); err != nil {
		s.logger.Warn("Failed to publish logout event", "session_id", session.ID, "error", err)
	}
	s.logger.Info("Logout", "address_hash", hashAddress(session.Address), "session_id", session.ID)
	return nil
}

// Current returns the live session named by token
func (s *AuthService) Current(ctx context.Context, token string) (core.Session, error) {
	ctx, span := s.tracer.Start(ctx, "AuthService.Current")
	defer span.End()

	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	session, err := s.gate.Current(storeCtx, token)
	if err != nil {
		recordSpanError(span, err, "invalid_session")
		return core.Session{}, err
	}
	return session, nil
}

// Profile returns the account data shown to an authenticated user.
// Chain failures are logged and leave the balance empty.
func (s *AuthService) Profile(ctx context.Context, address string) Profile {
	profile := Profile{Address: core.NormalizeAddress(address)}
	if s.chain == nil {
		return profile
	}

	ctx, span := s.tracer.Start(ctx, "AuthService.Profile")
	defer span.End()

	balance, err := s.chain.Balance(ctx, profile.Address)
	if err != nil {
		recordSpanError(span, err, "chain_failed")
		s.inst.RecordChainFailure(ctx)
		s.logger.Warn("Failed to read balance", "address_hash", hashAddress(profile.Address), "error", err)
		return profile
	}
	profile.Balance = &balance
	return profile
}

func (s *AuthService) checkRate(ctx context.Context, clientID string, op core.Operation) error {
	storeCtx, cancel := s.storeContext(ctx)
	defer cancel()

	_, err := s.limiter.CheckAndIncrement(storeCtx, clientID, op)
	if errors.Is(err, core.ErrRateLimited) {
		s.inst.RecordRateLimited(ctx, string(op))
		s.logger.Info("Rate limit exceeded", "client_id", clientID, "operation", op)
	}
	return err
}

// checkAddressRate counts the attempt against the claimed address so that a
// client rotating its identity still hits a bound per account. Unparseable
// addresses are left to validation.
func (s *AuthService) checkAddressRate(ctx context.Context, address string) error {
	if _, ok := s.limiter.Limit(core.OpAuthenticateAddress); !ok {
		return nil
	}
	parsed, err := eth.ParseAddress(address)
	if err != nil {
		return nil
	}
	return s.checkRate(ctx, core.NormalizeAddress(parsed.Hex()), core.OpAuthenticateAddress)
}

func (s *AuthService) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.storeTimeout)
}

func authOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, core.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, core.ErrInvalidRequest), errors.Is(err, core.ErrInvalidAddress):
		return "invalid_request"
	case errors.Is(err, core.ErrMalformedSignature):
		return "malformed_signature"
	case errors.Is(err, core.ErrChallengeNotFound):
		return "not_found"
	case errors.Is(err, core.ErrChallengeExpired):
		return "expired"
	case errors.Is(err, core.ErrChallengeMismatch):
		return "mismatch"
	case errors.Is(err, core.ErrSignatureRecovery):
		return "recovery_failed"
	case errors.Is(err, core.ErrAddressMismatch):
		return "address_mismatch"
	default:
		return "error"
	}
}

func recordSpanError(span trace.Span, err error, description string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, description)
}

// hashAddress keeps audit lines correlatable without logging the account
func hashAddress(address string) string {
	if address == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(core.NormalizeAddress(address)))
	return hex.EncodeToString(sum[:8])
}
