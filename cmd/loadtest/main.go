// Loadtest drives the coordinator with many concurrent consumer loops,
// each repeatedly creating and closing its background actor, and
// prints throughput and memory figures.
//
// Tunables (environment): LOOPS (consumer loops), N (create/close
// cycles per loop), BATCH (progress report interval).
package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewandler/bgactor-go/adapters/pipe"
	"github.com/codewandler/bgactor-go/core/background"
	"github.com/codewandler/bgactor-go/core/task"
)

// === Config ===

var (
	logLevel = slog.LevelWarn
	numLoops = getEnvInt("LOOPS", 64)
	N        = getEnvInt("N", 10_000)
	batch    = getEnvInt("BATCH", 100_000)
)

func getEnv(key, fallback string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	v, err := strconv.Atoi(getEnv(key, fmt.Sprintf("%d", fallback)))
	if err != nil {
		return fallback
	}
	return v
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	coord, err := background.New(background.Config{
		Role:            background.RoleParent,
		Log:             log,
		SameProcessPair: pipe.New,
	})
	checkErr(err)

	fmt.Printf("loops: %d, cycles per loop: %d\n", numLoops, N)

	// === START ===

	startAt := time.Now()

	var (
		completed atomic.Int64
		wg        sync.WaitGroup

		progressMu sync.Mutex
		lastTime   = startAt
	)

	for i := 0; i < numLoops; i++ {
		loop := task.Start(task.Options{Name: fmt.Sprintf("consumer-%d", i), Logger: log})

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				loop.Stop()
				loop.Join()
			}()

			for n := 0; n < N; n++ {
				done := make(chan bool, 1)
				ok := loop.Post(func() {
					err := coord.GetOrCreateForCurrentLoop(background.CreateCallbackFuncs{
						OnCreated: func(*background.ChildActor) {
							coord.CloseForCurrentLoop()
							done <- true
						},
						OnFailed: func() { done <- false },
					})
					checkErr(err)
				})
				if !ok {
					return
				}
				if !<-done {
					panic("actor creation failed")
				}

				total := completed.Add(1)
				if total%int64(batch) == 0 {
					mem := getMemUsage()
					progressMu.Lock()
					now := time.Now()
					took := now.Sub(lastTime)
					lastTime = now
					progressMu.Unlock()
					fmt.Printf(" | %8d cycles | %6d ms | %7d cycles/s | (%d / %d) MiB mem (sys) |\n",
						total, took.Milliseconds(), int(float64(batch)/took.Seconds()), mem.Alloc/1024/1024, mem.Sys/1024/1024)
				}
			}
		}()
	}

	wg.Wait()
	coord.Shutdown()

	// === stats ===

	took := time.Since(startAt)
	total := completed.Load()
	runtime.GC()

	fmt.Println("==========================================")
	fmt.Printf(" total runtime: %.3f seconds\n", took.Seconds())
	fmt.Printf("  total cycles: %d\n", total)
	fmt.Printf("avg. cycles/s: %d\n", int(float64(total)/took.Seconds()))
}

// === stats helpers ===

type MemUsage struct {
	Alloc      uint64 // bytes allocated and not yet freed (heap)
	TotalAlloc uint64 // cumulative bytes allocated
	Sys        uint64 // total bytes obtained from OS
	NumGC      uint32 // gc cycles
}

func getMemUsage() MemUsage {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return MemUsage{
		Alloc:      m.Alloc,
		TotalAlloc: m.TotalAlloc,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
}

// === Helpers ===

func checkErr(err error) {
	if err != nil {
		panic(err)
	}
}
