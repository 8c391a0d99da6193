package common

import (
	"math/rand"
	"sync"
	"time"
)

type ThreadSafeRand struct {
	r  *rand.Rand
	mu sync.Mutex
}

func MakeThreadSafeRand(seed int64) *ThreadSafeRand {
	r := rand.New(rand.NewSource(seed))
	return &ThreadSafeRand{r: r}
}

func (tsr *ThreadSafeRand) Intn(n int) int {
	tsr.mu.Lock()
	res := tsr.r.Intn(n)
	tsr.mu.Unlock()
	return res
}

// Jitter returns a duration in [d/2, d).
func (tsr *ThreadSafeRand) Jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := int64(d / 2)
	tsr.mu.Lock()
	res := half + tsr.r.Int63n(half)
	tsr.mu.Unlock()
	return time.Duration(res)
}
