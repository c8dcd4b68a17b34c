// Package selector picks which surviving version of a method to install.
package selector

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
)

// Policy chooses one index out of a non-empty, ascending list of surviving
// version indices.
type Policy interface {
	Select(survivors []int) int
	String() string
}

// First picks the lowest surviving index.
type First struct{}

func (First) Select(survivors []int) int { return survivors[0] }
func (First) String() string             { return "first" }

// Random picks uniformly among survivors.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewRandom returns a Random policy. A nil rng seeds from the runtime.
func NewRandom(rng *rand.Rand) *Random {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Random{rng: rng}
}

func (r *Random) Select(survivors []int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return survivors[r.rng.IntN(len(survivors))]
}

func (r *Random) String() string { return "random" }

// Appoint picks version N when it survived, else falls back to First.
type Appoint struct {
	N int
}

func (a Appoint) Select(survivors []int) int {
	for _, i := range survivors {
		if i == a.N {
			return i
		}
	}
	return First{}.Select(survivors)
}

func (a Appoint) String() string { return "appoint=" + strconv.Itoa(a.N) }

// Parse reads "first", "random" or "appoint=N". Empty means first.
func Parse(s string) (Policy, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "" || s == "first":
		return First{}, nil
	case s == "random":
		return NewRandom(nil), nil
	case strings.HasPrefix(s, "appoint="):
		n, err := strconv.Atoi(strings.TrimPrefix(s, "appoint="))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("policy %q: appoint needs a non-negative version index", s)
		}
		return Appoint{N: n}, nil
	}
	return nil, fmt.Errorf("unknown policy %q (want first, random or appoint=N)", s)
}
