// Package workerpool runs short jobs on a fixed set of goroutines. Jobs are
// grouped in Rooms; a Room collects the results of exactly the jobs that were
// submitted to it.
package workerpool

import (
	"errors"
	"runtime"
	"sync"
)

var ErrPoolClosed = errors.New("workerpool: pool closed")

type WorkerPool struct {
	config    Config
	taskQueue chan Task

	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	workers   sync.WaitGroup
}

type Config struct {
	WorkerCount  int
	GlobalBuffer int
}

// Room is a result channel sized for the number of jobs that will be submitted.
// Submitting more jobs than size blocks the workers.
type Room struct {
	bufferSize int
	resultChan chan interface{}
	wg         sync.WaitGroup
	wp         *WorkerPool
	closeOnce  sync.Once
}

type Task struct {
	run  func() interface{}
	room *Room
}

func NewWorkerPool(config Config) *WorkerPool {
	if config.WorkerCount < 1 {
		config.WorkerCount = runtime.NumCPU() * 3
	}
	if config.GlobalBuffer < 1 {
		config.GlobalBuffer = 10000
	}

	wp := &WorkerPool{
		config:    config,
		taskQueue: make(chan Task, config.GlobalBuffer),
	}

	wp.workers.Add(config.WorkerCount)
	for i := 0; i < config.WorkerCount; i++ {
		go wp.worker()
	}

	return wp
}

func (wp *WorkerPool) worker() {
	defer wp.workers.Done()
	for t := range wp.taskQueue {
		t.room.resultChan <- t.run()
		t.room.wg.Done()
	}
}

// Close stops accepting tasks and waits for queued tasks to finish.
func (wp *WorkerPool) Close() {
	wp.closeOnce.Do(func() {
		wp.mu.Lock()
		wp.closed = true
		close(wp.taskQueue)
		wp.mu.Unlock()
		wp.workers.Wait()
	})
}

func (wp *WorkerPool) CreateRoom(size int) *Room {
	if size < 0 {
		size = 0
	}
	return &Room{
		bufferSize: size,
		resultChan: make(chan interface{}, size),
		wp:         wp,
	}
}

// NewTaskWaitForFreeSlot queues job, blocking while the global buffer is full.
func (ro *Room) NewTaskWaitForFreeSlot(job func() interface{}) error {
	ro.wp.mu.RLock()
	defer ro.wp.mu.RUnlock()
	if ro.wp.closed {
		return ErrPoolClosed
	}

	ro.wg.Add(1)
	ro.wp.taskQueue <- Task{run: job, room: ro}
	return nil
}

// Collect waits for every submitted job and returns the results in completion
// order.
func (ro *Room) Collect() []interface{} {
	go ro.WaitAndClose()

	results := make([]interface{}, 0, ro.bufferSize)
	for result := range ro.resultChan {
		results = append(results, result)
	}
	return results
}

func (ro *Room) WaitAndClose() {
	ro.wg.Wait()
	ro.closeOnce.Do(func() { close(ro.resultChan) })
}
