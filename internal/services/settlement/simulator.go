package settlement

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/vault/internal/domain"
)

const (
	DefaultSubmitDelay = 5 * time.Second
	DefaultSettleDelay = 30 * time.Second
)

// Simulator stateless stand-in for a real rail. Readiness is derived from the
// timestamps stored on the withdrawal, so progress survives restarts.
type Simulator struct {
	submitDelay time.Duration
	settleDelay time.Duration
	rejectOn    func(Request) error
	bounceOn    func(Request) error
	now         func() time.Time
	logger      *zap.Logger
}

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithDelays sets how long a withdrawal stays pending and processing.
func WithDelays(submit, settle time.Duration) SimulatorOption {
	return func(s *Simulator) {
		if submit >= 0 {
			s.submitDelay = submit
		}
		if settle >= 0 {
			s.settleDelay = settle
		}
	}
}

// WithRejection injects rail failures: a non-nil error rejects the request.
func WithRejection(fn func(Request) error) SimulatorOption {
	return func(s *Simulator) {
		s.rejectOn = fn
	}
}

// WithBounce makes the rail accept a request and later report it rejected
// when fn returns a non-nil error.
func WithBounce(fn func(Request) error) SimulatorOption {
	return func(s *Simulator) {
		s.bounceOn = fn
	}
}

// RejectAddresses refuses withdrawals to any of addresses.
func RejectAddresses(reason string, addresses ...string) func(Request) error {
	set := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		set[strings.ToLower(a)] = struct{}{}
	}
	return func(req Request) error {
		if _, ok := set[strings.ToLower(req.Address)]; ok {
			return errors.New(reason)
		}
		return nil
	}
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) SimulatorOption {
	return func(s *Simulator) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) SimulatorOption {
	return func(s *Simulator) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSimulator creates a simulated rail.
func NewSimulator(opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		submitDelay: DefaultSubmitDelay,
		settleDelay: DefaultSettleDelay,
		now:         time.Now,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ready holds the withdrawal pending for the submit delay.
func (s *Simulator) Ready(_ context.Context, req Request) error {
	if s.now().Before(req.CreatedAt.Add(s.submitDelay)) {
		return ErrNotReady
	}
	return nil
}

// Submit accepts the withdrawal unless a rejection rule refuses it.
func (s *Simulator) Submit(_ context.Context, req Request) (string, error) {
	if s.rejectOn != nil {
		if err := s.rejectOn(req); err != nil {
			return "", errors.Wrapf(domain.ErrExternalSettlement, "simulated rail refused %s: %v", req.TxID, err)
		}
	}

	ref := "sim-" + req.TxID
	s.logger.Debug("simulated settlement submitted", zap.String("tx", req.TxID), zap.String("ref", ref))
	return ref, nil
}

// Status settles the withdrawal once it has been processing for the settle
// delay, or reports it rejected when a bounce rule matches.
func (s *Simulator) Status(_ context.Context, req Request) (Outcome, error) {
	if req.Ref == "" {
		return Outcome{}, errors.Errorf("withdrawal %s was never submitted", req.TxID)
	}
	if s.now().Before(req.SubmittedAt.Add(s.settleDelay)) {
		return Outcome{State: StateInFlight}, nil
	}
	if s.bounceOn != nil {
		if err := s.bounceOn(req); err != nil {
			s.logger.Debug("simulated settlement bounced", zap.String("tx", req.TxID), zap.Error(err))
			return Outcome{State: StateRejected, Reason: err.Error()}, nil
		}
	}
	return Outcome{State: StateSettled}, nil
}
