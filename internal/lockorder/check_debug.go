//go:build lockdebug

package lockorder

import (
	"bytes"
	"fmt"
	"runtime"
	"strconv"
	"sync"
)

// held tracks, per goroutine, the stack of ranks currently held.
var (
	heldMu sync.Mutex
	held   = make(map[uint64][]int)
)

// goroutineID extracts the numeric goroutine id from the runtime stack
// header. Debug builds only; the id is stable for the goroutine's life.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Header looks like "goroutine 123 [running]:"
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, _ := strconv.ParseUint(string(fields[1]), 10, 64)
	return id
}

func checkAcquire(rank int) {
	gid := goroutineID()
	heldMu.Lock()
	defer heldMu.Unlock()

	stack := held[gid]
	if len(stack) > 0 && stack[len(stack)-1] >= rank {
		panic(fmt.Sprintf("lock rank violation: acquiring rank %d while holding rank %d",
			rank, stack[len(stack)-1]))
	}
	held[gid] = append(stack, rank)
}

func checkRelease(rank int) {
	gid := goroutineID()
	heldMu.Lock()
	defer heldMu.Unlock()

	stack := held[gid]
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == rank {
			held[gid] = append(stack[:i], stack[i+1:]...)
			if len(held[gid]) == 0 {
				delete(held, gid)
			}
			return
		}
	}
}
