// Copyright (C) The Singlet Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package singlet

import (
	"runtime"
	"sync"
)

// inParallel runs fn(i) for every i in [0,n) across the given number
// of worker goroutines (NumCPU if workers < 1). Each call writes to
// its own output slot, so no synchronization is needed beyond the
// final gather.
func inParallel(n, workers int, fn func(i int)) {
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	todo := make(chan int, workers*2)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range todo {
				fn(i)
			}
		}()
	}
	for i := 0; i < n; i++ {
		todo <- i
	}
	close(todo)
	wg.Wait()
}
