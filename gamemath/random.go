package gamemath

import (
	"crypto/rand"
	"errors"
	"math/big"
	mrand "math/rand/v2"
	"sync"
)

var errBadBound = errors.New("gamemath: random bound must be positive")

// RandomSource yields uniform integers in [0, n).
type RandomSource interface {
	Intn(n int64) (int64, error)
}

// CryptoSource draws from crypto/rand. It is the only source used for real rounds.
type CryptoSource struct{}

func (CryptoSource) Intn(n int64) (int64, error) {
	if n <= 0 {
		return 0, errBadBound
	}
	v, err := rand.Int(rand.Reader, big.NewInt(n))
	if err != nil {
		return 0, err
	}
	return v.Int64(), nil
}

// SeededSource is a reproducible PCG stream for simulations and tests.
type SeededSource struct {
	mu sync.Mutex
	r  *mrand.Rand
}

func NewSeededSource(seed uint64) *SeededSource {
	return &SeededSource{r: mrand.New(mrand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *SeededSource) Intn(n int64) (int64, error) {
	if n <= 0 {
		return 0, errBadBound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.r.Int64N(n), nil
}

// Shuffle permutes n items in place through swap using src (Fisher-Yates).
func Shuffle(src RandomSource, n int, swap func(i, j int)) error {
	for i := n - 1; i > 0; i-- {
		j, err := src.Intn(int64(i + 1))
		if err != nil {
			return err
		}
		swap(i, int(j))
	}
	return nil
}
