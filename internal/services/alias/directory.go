// Package alias maps account ids to short public numeric aliases.
package alias

import (
	"context"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/vault/internal/domain"
)

const (
	DefaultMin         uint64 = 100000
	DefaultMax         uint64 = 999999
	DefaultMaxAttempts        = 16
)

type accountLister interface {
	Accounts(ctx context.Context) ([]domain.AccountRef, error)
}

// Directory bidirectional id/alias index. The store stays the authority on
// uniqueness; the directory is a cache rebuilt on Start.
type Directory struct {
	source      accountLister
	min, max    uint64
	maxAttempts int
	logger      *zap.Logger

	mu      sync.RWMutex
	byAlias map[uint64]string
	byID    map[string]uint64
	rnd     *rand.Rand
}

// Option configures a Directory.
type Option func(*Directory)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Directory) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithSpace bounds minted aliases to [min, max].
func WithSpace(min, max uint64) Option {
	return func(d *Directory) {
		if min > 0 && max >= min {
			d.min, d.max = min, max
		}
	}
}

// WithMaxAttempts bounds collision retries when minting.
func WithMaxAttempts(n int) Option {
	return func(d *Directory) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// WithSeed makes minting deterministic.
func WithSeed(seed int64) Option {
	return func(d *Directory) {
		d.rnd = rand.New(rand.NewSource(seed))
	}
}

// NewDirectory creates an empty directory backed by source.
func NewDirectory(source accountLister, opts ...Option) *Directory {
	d := &Directory{
		source:      source,
		min:         DefaultMin,
		max:         DefaultMax,
		maxAttempts: DefaultMaxAttempts,
		logger:      zap.NewNop(),
		byAlias:     make(map[uint64]string),
		byID:        make(map[string]uint64),
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start loads every known id/alias pair from the store.
func (d *Directory) Start(ctx context.Context) error {
	if d.source == nil {
		return nil
	}
	refs, err := d.source.Accounts(ctx)
	if err != nil {
		return errors.Wrap(err, "load aliases")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.byAlias = make(map[uint64]string, len(refs))
	d.byID = make(map[string]uint64, len(refs))
	for _, ref := range refs {
		d.byAlias[ref.Alias] = ref.ID
		d.byID[ref.ID] = ref.Alias
	}

	d.logger.Info("alias directory loaded", zap.Int("aliases", len(refs)))
	return nil
}

// Stop drops the cached index.
func (d *Directory) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byAlias = make(map[uint64]string)
	d.byID = make(map[string]uint64)
}

// Mint picks free aliases at random and hands each to claim until one sticks.
// claim must fail with ErrAliasTaken when the store already holds the alias.
func (d *Directory) Mint(ctx context.Context, accountID string, claim func(ctx context.Context, alias uint64) error) (uint64, error) {
	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		candidate := d.candidate()
		if _, taken := d.Lookup(candidate); taken {
			continue
		}

		err := claim(ctx, candidate)
		if errors.Is(err, domain.ErrAliasTaken) {
			d.logger.Debug("alias collision", zap.Uint64("alias", candidate), zap.Int("attempt", attempt+1))
			continue
		}
		if err != nil {
			return 0, err
		}

		d.Register(accountID, candidate)
		return candidate, nil
	}

	return 0, errors.Wrapf(domain.ErrAliasSpaceExhausted, "after %d attempts", d.maxAttempts)
}

func (d *Directory) candidate() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	span := int64(d.max - d.min + 1)
	return d.min + uint64(d.rnd.Int63n(span))
}

// Register records a pair minted elsewhere.
func (d *Directory) Register(accountID string, alias uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byAlias[alias] = accountID
	d.byID[accountID] = alias
}

// Lookup returns the account id for alias.
func (d *Directory) Lookup(alias uint64) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.byAlias[alias]
	return id, ok
}

// AliasOf returns the alias of accountID.
func (d *Directory) AliasOf(accountID string) (uint64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	alias, ok := d.byID[accountID]
	return alias, ok
}

// Resolve turns a recipient reference into an account id. A digits-only
// reference is an alias, anything else a direct account id.
func (d *Directory) Resolve(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", domain.ErrRecipientNotFound
	}

	if isDigits(ref) {
		alias, err := strconv.ParseUint(ref, 10, 64)
		if err == nil {
			if id, ok := d.Lookup(alias); ok {
				return id, nil
			}
		}
	}

	if _, ok := d.AliasOf(ref); ok {
		return ref, nil
	}

	return "", errors.Wrapf(domain.ErrRecipientNotFound, "reference %q", ref)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
