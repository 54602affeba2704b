// Package fiber implements the cooperative scheduler behind the three
// fiber opcodes. Each fiber is a goroutine parked on its own channel;
// interpreter_fiber_swapcontext unparks the target and parks the caller,
// so exactly one fiber runs at a time — the single-threaded cooperative
// model the VM promises. Two schedulers are provided: the goroutine
// scheduler for real workloads and a serial scheduler whose Drive loop
// gives tests a deterministic interleaving.
package fiber

import (
	"fmt"
	"sync"
	"sync/atomic"

	"vm/pkg/exec"
)

// MainFiber is the handle of the fiber that created the scheduler.
const MainFiber uint64 = 0

type fiberState struct {
	handle uint64
	vm     *exec.VM
	resume chan struct{}
	done   atomic.Bool
	err    error
}

// schedulerBase owns the handle registry shared by both schedulers.
type schedulerBase struct {
	mu         sync.Mutex
	fibers     map[uint64]*fiberState
	nextHandle atomic.Uint64
	pending    atomic.Int64
	firstErr   error
}

func newBase() *schedulerBase {
	b := &schedulerBase{fibers: make(map[uint64]*fiberState)}
	b.nextHandle.Store(MainFiber)
	return b
}

// ensure registers the calling VM as a fiber if it is not one yet. The
// first VM seen becomes the main fiber.
func (b *schedulerBase) ensure(vm *exec.VM) *fiberState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.fibers[vm.FiberID]; ok && st.vm == vm {
		return st
	}
	st := &fiberState{handle: vm.FiberID, vm: vm, resume: make(chan struct{}, 1)}
	b.fibers[vm.FiberID] = st
	return st
}

func (b *schedulerBase) lookup(handle uint64) *fiberState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fibers[handle]
}

func (b *schedulerBase) recordErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.firstErr == nil {
		b.firstErr = err
	}
}

// Err returns the first error any fiber body ended with.
func (b *schedulerBase) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.firstErr
}

// spawn forks vm into a new fiber that stays parked until the first
// swapcontext targets it. When the fiber's entry def returns (or fails),
// control hands back to the main fiber.
func (b *schedulerBase) spawn(vm *exec.VM, mainDef int, closureData uint64) (uint64, error) {
	b.ensure(vm)
	if vm.Arenas.Def(mainDef) == nil {
		return 0, fmt.Errorf("fiber: spawn of undefined def %d", mainDef)
	}
	handle := b.nextHandle.Add(1)
	child := vm.Fork()
	child.FiberID = handle
	st := &fiberState{handle: handle, vm: child, resume: make(chan struct{}, 1)}
	b.mu.Lock()
	b.fibers[handle] = st
	b.mu.Unlock()
	b.pending.Add(1)

	go func() {
		<-st.resume
		if closureData != 0 {
			buf := make([]byte, 8)
			for i := 0; i < 8; i++ {
				buf[i] = byte(closureData >> (8 * i))
			}
			child.Stack.Push(buf)
		}
		st.err = child.Call(mainDef)
		if st.err != nil {
			b.recordErr(st.err)
		}
		st.done.Store(true)
		b.pending.Add(-1)
		if main := b.lookup(MainFiber); main != nil {
			main.resume <- struct{}{}
		}
	}()
	return handle, nil
}

// swap unparks to and parks the caller until something swaps back.
func (b *schedulerBase) swap(vm *exec.VM, from, to uint64) error {
	self := b.ensure(vm)
	if from != vm.FiberID {
		return fmt.Errorf("fiber: swapcontext from %d while running fiber %d", from, vm.FiberID)
	}
	target := b.lookup(to)
	if target == nil {
		return fmt.Errorf("fiber: swapcontext to unknown fiber %d", to)
	}
	if target.done.Load() {
		return fmt.Errorf("fiber: swapcontext to finished fiber %d", to)
	}
	target.resume <- struct{}{}
	<-self.resume
	return nil
}

// GoroutineScheduler runs each fiber on its own goroutine with channel
// handoff enforcing one-at-a-time execution.
type GoroutineScheduler struct {
	*schedulerBase
}

// NewGoroutineScheduler returns an empty scheduler; the first VM that
// touches it becomes the main fiber.
func NewGoroutineScheduler() *GoroutineScheduler {
	return &GoroutineScheduler{schedulerBase: newBase()}
}

func (s *GoroutineScheduler) CurrentFiber(vm *exec.VM) uint64 {
	s.ensure(vm)
	return vm.FiberID
}

func (s *GoroutineScheduler) Spawn(vm *exec.VM, mainDef int, closureData uint64) (uint64, error) {
	return s.spawn(vm, mainDef, closureData)
}

func (s *GoroutineScheduler) SwapContext(vm *exec.VM, from, to uint64) error {
	return s.swap(vm, from, to)
}

// SerialScheduler queues spawned fibers and runs them to completion in
// FIFO order from an explicit Drive call, the deterministic-interleaving
// counterpart tests use.
type SerialScheduler struct {
	*schedulerBase

	qmu   sync.Mutex
	queue []uint64
}

// NewSerialScheduler returns an empty serial scheduler.
func NewSerialScheduler() *SerialScheduler {
	return &SerialScheduler{schedulerBase: newBase()}
}

func (s *SerialScheduler) CurrentFiber(vm *exec.VM) uint64 {
	s.ensure(vm)
	return vm.FiberID
}

func (s *SerialScheduler) Spawn(vm *exec.VM, mainDef int, closureData uint64) (uint64, error) {
	handle, err := s.spawn(vm, mainDef, closureData)
	if err != nil {
		return 0, err
	}
	s.qmu.Lock()
	s.queue = append(s.queue, handle)
	s.qmu.Unlock()
	return handle, nil
}

func (s *SerialScheduler) SwapContext(vm *exec.VM, from, to uint64) error {
	return s.swap(vm, from, to)
}

// Drive resumes each queued fiber in spawn order from the main fiber's
// VM, waiting for it to hand control back (by finishing or by swapping to
// the main fiber) before starting the next. It returns the first fiber
// error.
func (s *SerialScheduler) Drive(vm *exec.VM) error {
	for {
		s.qmu.Lock()
		if len(s.queue) == 0 {
			s.qmu.Unlock()
			return s.Err()
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.qmu.Unlock()

		st := s.lookup(next)
		if st == nil || st.done.Load() {
			continue
		}
		if err := s.swap(vm, vm.FiberID, next); err != nil {
			return err
		}
	}
}
