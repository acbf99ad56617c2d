// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package pool sizes and runs the worker pool that executes per-frame
// detection in parallel. Frames share no mutable state, so the pool is a
// plain bounded-concurrency fan-out, the same semaphore channel idiom
// nightlight's stacker uses to bound goroutines to NumCPU.
package pool

import (
	"runtime"
	"sync"

	"github.com/pbnjay/memory"
)

// Size returns the worker count for running Run over a batch of frames of
// the given approximate per-frame memory footprint in bytes. It never
// exceeds the number of logical CPUs, and never exceeds the number of
// frames that fit in half of total system memory (leaving headroom for the
// host process, the same two-thirds/half style margin nightlight's CLI
// budgets around pbnjay/memory.TotalMemory()).
func Size(frameBytes uint64, numFrames int) int {
	n := runtime.NumCPU()
	if n < 1 {
		n = 1
	}
	if frameBytes > 0 {
		budget := memory.TotalMemory() / 2
		if budget > 0 {
			byMemory := int(budget / frameBytes)
			if byMemory < 1 {
				byMemory = 1
			}
			if byMemory < n {
				n = byMemory
			}
		}
	}
	if numFrames > 0 && numFrames < n {
		n = numFrames
	}
	return n
}

// Run executes fn(i) for i in [0,n) using at most workers goroutines
// concurrently, and returns once every call has completed. It mirrors the
// semaphore-channel fan-out in nightlight's OpStack.Apply.
func Run(n, workers int, fn func(i int)) {
	if workers < 1 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	wg.Wait()
}
