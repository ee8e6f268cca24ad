// Copyright 2016 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command concbench measures the concurrency primitives in v.io/x/conc under
// contention: the rw subcommand reports writer acquire latency for the fair
// FIFO rw-lock under heavy read pressure, and the pool subcommand reports the
// elastic worker pool's scaling behaviour under a submission burst.
package main

import (
	"fmt"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"v.io/x/lib/cmdline"

	"v.io/x/conc/taskpool"
	"v.io/x/conc/tsync"
)

var (
	flagDuration time.Duration
	flagReaders  int
	flagWriters  int

	flagMin   int
	flagMax   int
	flagIdle  time.Duration
	flagTasks int
	flagWork  time.Duration
)

var cmdRoot = &cmdline.Command{
	Name:  "concbench",
	Short: "Benchmark the v.io/x/conc primitives",
	Long: `
Command concbench measures the synchronization primitives in v.io/x/conc
under contention.
`,
	Children: []*cmdline.Command{cmdRW, cmdPool},
}

var cmdRW = &cmdline.Command{
	Runner: cmdline.RunnerFunc(runRW),
	Name:   "rw",
	Short:  "Measure writer acquire latency on the fair rw-lock",
	Long: `
Runs a configurable number of readers and writers against a single RWMu for a
fixed duration, and reports throughput and the distribution of the time
writers spent waiting to acquire the lock.  FIFO admission keeps the tail of
that distribution bounded no matter how many readers run.
`,
}

var cmdPool = &cmdline.Command{
	Runner: cmdline.RunnerFunc(runPool),
	Name:   "pool",
	Short:  "Measure elastic scaling of the worker pool",
	Long: `
Submits a burst of fixed-cost tasks to a worker pool and samples the live
worker count while the burst drains, showing scale-up under backlog and
scale-down after the pool goes idle.
`,
}

func init() {
	cmdRW.Flags.DurationVar(&flagDuration, "duration", 5*time.Second, "Length of the measurement run.")
	cmdRW.Flags.IntVar(&flagReaders, "readers", 12, "Number of reader goroutines.")
	cmdRW.Flags.IntVar(&flagWriters, "writers", 2, "Number of writer goroutines.")

	cmdPool.Flags.IntVar(&flagMin, "min", 2, "Core worker count.")
	cmdPool.Flags.IntVar(&flagMax, "max", runtime.NumCPU(), "Maximum worker count.")
	cmdPool.Flags.DurationVar(&flagIdle, "idle", time.Second, "Idle timeout before a surplus worker retires.")
	cmdPool.Flags.IntVar(&flagTasks, "tasks", 50, "Number of tasks in the burst.")
	cmdPool.Flags.DurationVar(&flagWork, "work", 200*time.Millisecond, "Cost of each task.")
}

func main() {
	cmdline.Main(cmdRoot)
}

// latencies summarises a sample set of acquire latencies.
func latencies(samples []time.Duration) (avg, p95, p99, max time.Duration) {
	if len(samples) == 0 {
		return
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	avg = sum / time.Duration(len(samples))
	p95 = samples[len(samples)*95/100]
	p99 = samples[len(samples)*99/100]
	max = samples[len(samples)-1]
	return
}

// busyWork() burns CPU to simulate a critical section of a given length.
func busyWork(iters int) {
	x := uint64(0x12345678)
	for i := 0; i != iters; i++ {
		x = x*1103515245 + 12345
	}
	if x == 1 {
		panic("unreachable")
	}
}

func runRW(env *cmdline.Env, _ []string) error {
	var rw tsync.RWMu
	var stop int32
	var readOps, writeOps int64

	writerWaits := make([][]time.Duration, flagWriters)

	var g errgroup.Group
	for i := 0; i != flagReaders; i++ {
		g.Go(func() error {
			for atomic.LoadInt32(&stop) == 0 {
				rw.RLock()
				busyWork(80)
				rw.RUnlock()
				atomic.AddInt64(&readOps, 1)
			}
			return nil
		})
	}
	for i := 0; i != flagWriters; i++ {
		wi := i
		g.Go(func() error {
			for atomic.LoadInt32(&stop) == 0 {
				start := time.Now()
				rw.Lock()
				writerWaits[wi] = append(writerWaits[wi], time.Since(start))
				busyWork(200)
				rw.Unlock()
				atomic.AddInt64(&writeOps, 1)
				time.Sleep(100 * time.Microsecond)
			}
			return nil
		})
	}

	time.Sleep(flagDuration)
	atomic.StoreInt32(&stop, 1)
	if err := g.Wait(); err != nil {
		return err
	}

	var all []time.Duration
	for _, w := range writerWaits {
		all = append(all, w...)
	}
	avg, p95, p99, max := latencies(all)

	secs := flagDuration.Seconds()
	fmt.Fprintf(env.Stdout, "readers=%d writers=%d duration=%v\n", flagReaders, flagWriters, flagDuration)
	fmt.Fprintf(env.Stdout, "ops: %d reads (%.0f/s), %d writes (%.0f/s)\n",
		readOps, float64(readOps)/secs, writeOps, float64(writeOps)/secs)
	fmt.Fprintf(env.Stdout, "writer wait: samples=%d avg=%v p95=%v p99=%v max=%v\n",
		len(all), avg, p95, p99, max)
	return nil
}

func runPool(env *cmdline.Env, _ []string) error {
	p, err := taskpool.New(flagMin, flagMax, flagIdle)
	if err != nil {
		return err
	}

	var ran int64
	start := time.Now()
	for i := 0; i != flagTasks; i++ {
		if err := p.Submit(func() {
			time.Sleep(flagWork)
			atomic.AddInt64(&ran, 1)
		}); err != nil {
			return err
		}
	}

	// Sample the worker count until the burst has drained and the pool
	// has shrunk back to its core size.
	for {
		time.Sleep(100 * time.Millisecond)
		active := p.ActiveWorkers()
		fmt.Fprintf(env.Stdout, "%7v active=%d idle=%d pending=%d done=%d\n",
			time.Since(start).Round(10*time.Millisecond), active, p.IdleWorkers(), p.Pending(), atomic.LoadInt64(&ran))
		if atomic.LoadInt64(&ran) == int64(flagTasks) && active == flagMin {
			break
		}
	}
	p.Stop()
	fmt.Fprintf(env.Stdout, "%d tasks of %v completed in %v\n", flagTasks, flagWork, time.Since(start).Round(time.Millisecond))
	return nil
}
