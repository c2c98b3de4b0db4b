// Package instrument is the registry of tradable instruments. Instruments
// are created once, never change and are never deleted.
package instrument

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
)

var (
	ErrNotFound      = errors.New("instrument not found")
	ErrDuplicate     = errors.New("instrument ticker already registered")
	ErrInvalidTicker = errors.New("ticker must be 2-10 uppercase latin letters")
	ErrInvalidName   = errors.New("instrument name is empty")
)

var tickerRe = regexp.MustCompile(`^[A-Z]{2,10}$`)

type Instrument struct {
	ID     uint64 `json:"id"`
	Name   string `json:"name"`
	Ticker string `json:"ticker"`
}

// Registry resolves tickers to instruments.
type Registry interface {
	Register(ctx context.Context, name, ticker string) (Instrument, error)
	Lookup(ctx context.Context, ticker string) (Instrument, error)
	Get(ctx context.Context, id uint64) (Instrument, error)
	List(ctx context.Context) ([]Instrument, error)
}

// ValidateTicker checks the ticker format.
func ValidateTicker(ticker string) error {
	if !tickerRe.MatchString(ticker) {
		return fmt.Errorf("%w: %q", ErrInvalidTicker, ticker)
	}
	return nil
}

// Validate checks a registration request.
func Validate(name, ticker string) error {
	if strings.TrimSpace(name) == "" {
		return ErrInvalidName
	}
	return ValidateTicker(ticker)
}

// MemoryRegistry is a map-backed Registry.
type MemoryRegistry struct {
	mu       sync.RWMutex
	byTicker map[string]Instrument
	byID     map[uint64]Instrument
	nextID   uint64
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byTicker: make(map[string]Instrument),
		byID:     make(map[uint64]Instrument),
	}
}

func (r *MemoryRegistry) Register(_ context.Context, name, ticker string) (Instrument, error) {
	if err := Validate(name, ticker); err != nil {
		return Instrument{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byTicker[ticker]; exists {
		return Instrument{}, fmt.Errorf("%w: %s", ErrDuplicate, ticker)
	}
	r.nextID++
	in := Instrument{ID: r.nextID, Name: name, Ticker: ticker}
	r.byTicker[ticker] = in
	r.byID[in.ID] = in
	return in, nil
}

func (r *MemoryRegistry) Lookup(_ context.Context, ticker string) (Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	in, ok := r.byTicker[ticker]
	if !ok {
		return Instrument{}, fmt.Errorf("%w: %s", ErrNotFound, ticker)
	}
	return in, nil
}

func (r *MemoryRegistry) Get(_ context.Context, id uint64) (Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	in, ok := r.byID[id]
	if !ok {
		return Instrument{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return in, nil
}

func (r *MemoryRegistry) List(_ context.Context) ([]Instrument, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Instrument, 0, len(r.byID))
	for _, in := range r.byID {
		out = append(out, in)
	}
	slices.SortFunc(out, func(a, b Instrument) int { return cmp.Compare(a.ID, b.ID) })
	return out, nil
}
