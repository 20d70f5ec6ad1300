package lockorder

import (
	"sync"
	"testing"
)

func TestMutexBasics(t *testing.T) {
	m := NewMutex(RankRepo)
	m.Lock()
	m.Unlock()
}

func TestRWMutexAllowsConcurrentReaders(t *testing.T) {
	m := NewRWMutex(RankIndex)

	m.RLock()
	done := make(chan struct{})
	go func() {
		m.RLock()
		m.RUnlock()
		close(done)
	}()
	<-done
	m.RUnlock()
}

func TestIncreasingRankOrder(t *testing.T) {
	// Acquiring in increasing rank order is always legal, in release
	// and debug builds alike
	repo := NewMutex(RankRepo)
	packs := NewMutex(RankPack)
	idx := NewRWMutex(RankIndex)

	repo.Lock()
	packs.Lock()
	idx.Lock()
	idx.Unlock()
	packs.Unlock()
	repo.Unlock()
}

func TestMutualExclusion(t *testing.T) {
	m := NewMutex(RankMeta)
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Lock()
				counter++
				m.Unlock()
			}
		}()
	}
	wg.Wait()

	if counter != 3200 {
		t.Errorf("counter: got %d, want 3200", counter)
	}
}
