// Package chainMirror replicates file registrations, grants and revocations
// onto a public ledger contract. Every call is best effort: the outcome is
// returned as a Result value and never as an error of the primary workflow.
package chainMirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/i5heu/ouroboros-vault/pkg/clock"
	"github.com/i5heu/ouroboros-vault/pkg/model"
)

const (
	OpRegister = "register"
	OpGrant    = "grant"
	OpRevoke   = "revoke"
)

const (
	defaultTimeout = 45 * time.Second
	recordTimeout  = 5 * time.Second
)

// ErrNoSigner is the cause of a skipped mirror operation.
var ErrNoSigner = errors.New("chainMirror: no signer available")

// ErrNotRegistered is the cause of a skipped grant or revoke on a file that
// never got a chain id.
var ErrNotRegistered = errors.New("chainMirror: file is not registered on chain")

// ErrInvalidRecipient is the cause of a failed grant or revoke whose recipient
// is not an address. No contract call is made.
var ErrInvalidRecipient = errors.New("chainMirror: recipient is not an address")

// Contract is the fixed external entry point on the ledger.
type Contract interface {
	RegisterFile(ctx context.Context, contentHash, name string, size int64) (chainFileID, txRef string, err error)
	ShareFile(ctx context.Context, chainFileID, recipient string, expiryDays int64) (txRef string, err error)
	RevokeAccess(ctx context.Context, chainFileID, recipient string) (txRef string, err error)
	HasAccess(ctx context.Context, chainFileID, recipient string) (bool, error)
}

// Signer is one signing identity able to call the contract.
type Signer struct {
	Name     string
	Contract Contract
}

// Recorder persists mirror evidence.
type Recorder interface {
	RecordMirror(ctx context.Context, r *model.MirrorRecord) error
}

// Error lists why every signer failed.
type Error struct {
	Op       string
	Failures []SignerFailure
}

type SignerFailure struct {
	Signer string
	Err    error
}

func (e *Error) Error() string {
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Signer, f.Err)
	}
	return fmt.Sprintf("chainMirror: %s failed on every signer: %s", e.Op, strings.Join(parts, "; "))
}

func (e *Error) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}

// Result is the observable outcome of one mirror operation.
type Result struct {
	Op          string
	FileID      string
	ChainFileID string
	Recipient   string
	Signer      string
	TxRef       string
	Skipped     bool
	Err         error
	At          time.Time
}

// OK reports whether the operation landed on chain.
func (r Result) OK() bool { return r.Err == nil && !r.Skipped }

func (r Result) record() *model.MirrorRecord {
	rec := &model.MirrorRecord{
		Op:          r.Op,
		FileID:      r.FileID,
		ChainFileID: r.ChainFileID,
		Recipient:   r.Recipient,
		Signer:      r.Signer,
		TxRef:       r.TxRef,
		Skipped:     r.Skipped,
		CreatedAt:   r.At,
	}
	if r.Err != nil {
		rec.Error = r.Err.Error()
	}
	return rec
}

type Config struct {
	// Signers in preference order: the server controlled identity first, the
	// user controlled one second.
	Signers []Signer
	// Timeout bounds every contract call.
	Timeout time.Duration
	// RateLimit caps contract calls per second across all signers; 0 means
	// unlimited.
	RateLimit rate.Limit
	Burst     int
	Recorder  Recorder
	Clock     clock.Clock
	Logger    *slog.Logger
}

type Mirror struct {
	signers  []Signer
	timeout  time.Duration
	limiter  *rate.Limiter
	recorder Recorder
	clock    clock.Clock
	log      *slog.Logger

	pending sync.WaitGroup
}

func New(cfg Config) *Mirror {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	limit := cfg.RateLimit
	if limit <= 0 {
		limit = rate.Inf
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}

	signers := make([]Signer, 0, len(cfg.Signers))
	for _, s := range cfg.Signers {
		if s.Contract != nil {
			signers = append(signers, s)
		}
	}

	return &Mirror{
		signers:  signers,
		timeout:  cfg.Timeout,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		recorder: cfg.Recorder,
		clock:    clock.OrReal(cfg.Clock),
		log:      cfg.Logger,
	}
}

// Enabled reports whether at least one signer is configured.
func (m *Mirror) Enabled() bool { return len(m.signers) > 0 }

// RegisterFile registers the content hash of a file. On success the result
// carries the chain assigned file id.
func (m *Mirror) RegisterFile(ctx context.Context, fileID, contentHash, name string, size int64) Result {
	var chainFileID string
	res := m.try(ctx, Result{Op: OpRegister, FileID: fileID}, func(ctx context.Context, c Contract) (string, error) {
		id, tx, err := c.RegisterFile(ctx, contentHash, name, size)
		if err == nil && id == "" {
			err = errors.New("contract returned no file id")
		}
		chainFileID = id
		return tx, err
	})
	if res.OK() {
		res.ChainFileID = chainFileID
	}
	m.finish(ctx, res)
	return res
}

// MirrorGrant records a grant for the recipient address.
func (m *Mirror) MirrorGrant(ctx context.Context, fileID, chainFileID, recipient string, expiresAt *time.Time) Result {
	res := Result{Op: OpGrant, FileID: fileID, ChainFileID: chainFileID, Recipient: recipient}
	if chainFileID == "" {
		res.Skipped, res.Err, res.At = true, ErrNotRegistered, m.clock.Now()
		m.finish(ctx, res)
		return res
	}
	if !IsAddress(recipient) {
		return m.reject(ctx, res)
	}
	days := ExpiryDays(expiresAt, m.clock.Now())
	res = m.try(ctx, res, func(ctx context.Context, c Contract) (string, error) {
		return c.ShareFile(ctx, chainFileID, recipient, days)
	})
	m.finish(ctx, res)
	return res
}

// MirrorRevoke records a revocation for the recipient address.
func (m *Mirror) MirrorRevoke(ctx context.Context, fileID, chainFileID, recipient string) Result {
	res := Result{Op: OpRevoke, FileID: fileID, ChainFileID: chainFileID, Recipient: recipient}
	if chainFileID == "" {
		res.Skipped, res.Err, res.At = true, ErrNotRegistered, m.clock.Now()
		m.finish(ctx, res)
		return res
	}
	if !IsAddress(recipient) {
		return m.reject(ctx, res)
	}
	res = m.try(ctx, res, func(ctx context.Context, c Contract) (string, error) {
		return c.RevokeAccess(ctx, chainFileID, recipient)
	})
	m.finish(ctx, res)
	return res
}

// HasAccess asks the contract whether recipient may read the file. It is
// read only and not recorded.
func (m *Mirror) HasAccess(ctx context.Context, chainFileID, recipient string) (bool, error) {
	if len(m.signers) == 0 {
		return false, ErrNoSigner
	}
	if !IsAddress(recipient) {
		return false, fmt.Errorf("%w: %q", ErrInvalidRecipient, recipient)
	}
	var failures []SignerFailure
	for _, s := range m.signers {
		var granted bool
		err := m.call(ctx, func(ctx context.Context) error {
			var err error
			granted, err = s.Contract.HasAccess(ctx, chainFileID, recipient)
			return err
		})
		if err == nil {
			return granted, nil
		}
		failures = append(failures, SignerFailure{Signer: s.Name, Err: err})
	}
	return false, &Error{Op: "hasAccess", Failures: failures}
}

func (m *Mirror) reject(ctx context.Context, res Result) Result {
	res.Err = fmt.Errorf("%w: %q", ErrInvalidRecipient, res.Recipient)
	res.At = m.clock.Now()
	m.finish(ctx, res)
	return res
}

// call waits for the rate limiter and runs fn under the per call timeout.
func (m *Mirror) call(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if err := m.limiter.Wait(callCtx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	err := fn(callCtx)
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %s: %w", m.timeout, err)
	}
	return err
}

// try runs op against each signer in order until one succeeds.
func (m *Mirror) try(ctx context.Context, res Result, op func(context.Context, Contract) (string, error)) Result {
	if len(m.signers) == 0 {
		res.Skipped, res.Err, res.At = true, ErrNoSigner, m.clock.Now()
		return res
	}

	var failures []SignerFailure
	for _, s := range m.signers {
		var tx string
		err := m.call(ctx, func(ctx context.Context) error {
			var err error
			tx, err = op(ctx, s.Contract)
			return err
		})
		if err == nil {
			res.Signer, res.TxRef, res.Err = s.Name, tx, nil
			res.At = m.clock.Now()
			return res
		}
		m.log.Warn("chain mirror signer failed", "op", res.Op, "signer", s.Name, "file", res.FileID, "error", err)
		failures = append(failures, SignerFailure{Signer: s.Name, Err: err})
	}

	res.Err = &Error{Op: res.Op, Failures: failures}
	res.At = m.clock.Now()
	return res
}

// finish persists the evidence of res. Recording problems are only logged.
func (m *Mirror) finish(ctx context.Context, res Result) {
	if res.OK() {
		m.log.Debug("chain mirror done", "op", res.Op, "file", res.FileID, "signer", res.Signer, "tx", res.TxRef)
	} else if res.Skipped {
		m.log.Debug("chain mirror skipped", "op", res.Op, "file", res.FileID, "reason", res.Err)
	}

	if m.recorder == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := m.recorder.RecordMirror(rctx, res.record()); err != nil {
		m.log.Warn("failed to record chain mirror evidence", "op", res.Op, "file", res.FileID, "error", err)
	}
}

// Pending is a mirror operation running in the background.
type Pending struct {
	done chan struct{}
	res  Result
}

// Wait blocks until the operation finished and returns its result.
func (p *Pending) Wait() Result {
	<-p.done
	return p.res
}

// Done is closed once the result is available.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Go runs fn in the background, detached from the caller's cancellation, so
// the primary workflow never waits for the ledger. onDone, if set, receives
// the result.
func (m *Mirror) Go(ctx context.Context, fn func(context.Context) Result, onDone func(Result)) *Pending {
	p := &Pending{done: make(chan struct{})}
	bg := context.WithoutCancel(ctx)

	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		defer close(p.done)
		p.res = fn(bg)
		if onDone != nil {
			onDone(p.res)
		}
	}()
	return p
}

// Wait blocks until every operation started with Go finished.
func (m *Mirror) Wait() {
	m.pending.Wait()
}

// ExpiryDays converts an expiry into whole days for the contract, rounding
// up. No expiry is 0.
func ExpiryDays(expiresAt *time.Time, now time.Time) int64 {
	if expiresAt == nil {
		return 0
	}
	d := expiresAt.Sub(now)
	if d <= 0 {
		return 1
	}
	return int64(math.Ceil(d.Hours() / 24))
}
