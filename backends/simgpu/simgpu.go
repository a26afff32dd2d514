// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simgpu implements an emulated accelerator backend.
//
// It keeps its own memory space, allocated from a buffers.Pool that the host can only read
// or write through CopyToHost and CopyToDevice. Kernels run the node's Compute on a pool of
// worker goroutines, asynchronously: Launch returns an Event triggered when the kernel is
// done. Transfers and launches can be given artificial latencies, and failures can be
// injected (see Backend.FailAfter) to exercise the error paths of its users.
//
// It registers itself as "simgpu" in the backends registry.
package simgpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/evaldriver/backends"
	"github.com/gomlx/evaldriver/internal/workerspool"
	"github.com/gomlx/evaldriver/pkg/core/buffers"
	"github.com/gomlx/evaldriver/pkg/core/compute"
	"github.com/gomlx/evaldriver/pkg/support/xsync"
)

// BackendName to be used in backends.NewWithConfig.
const BackendName = "simgpu"

func init() {
	backends.Register(BackendName, func(config string) (backends.Backend, error) {
		return New(config)
	})
}

// Stats of operations executed by the backend.
type Stats struct {
	Allocs, Launches, H2DCopies, D2HCopies int
}

// Backend implements backends.Backend.
type Backend struct {
	config  Config
	memory  *buffers.Pool
	workers *workerspool.Pool

	// inFlight tracks launches not finished yet: Finalize waits for them before dropping
	// the memory.
	inFlight *xsync.DynamicWaitGroup

	mu        sync.Mutex
	live      map[*Buffer]struct{}
	finalized bool
	stats     Stats

	// Fault injection.
	failErr       error
	failCountdown int // Number of operations before failErr kicks in, or -1 if already failing.
}

// Compile-time check that Backend implements backends.Backend.
var _ backends.Backend = (*Backend)(nil)

// New returns a new emulated accelerator configured with the given string. See ParseConfig.
func New(config string) (*Backend, error) {
	c, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(c), nil
}

// NewWithConfig returns a new emulated accelerator.
func NewWithConfig(config Config) *Backend {
	b := &Backend{
		config:   config,
		memory:   buffers.New(),
		workers:  workerspool.New(config.Workers),
		inFlight: xsync.NewDynamicWaitGroup(),
		live:     make(map[*Buffer]struct{}),
	}
	klog.V(1).Infof("simgpu: created %s", b.Description())
	return b
}

// Name implements backends.Backend.
func (b *Backend) Name() string {
	return BackendName
}

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return fmt.Sprintf("emulated accelerator (workers=%d, h2d_latency=%s, d2h_latency=%s, launch_latency=%s)",
		b.config.Workers, b.config.H2DLatency, b.config.D2HLatency, b.config.LaunchLatency)
}

// Config returns the configuration of the backend.
func (b *Backend) Config() Config {
	return b.config
}

// FailAfter makes every operation (Alloc, copies and Launch) fail after the next n ones
// succeed, until Recover is called.
func (b *Backend) FailAfter(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failErr = errors.New("injected device failure")
	b.failCountdown = n
	if n <= 0 {
		b.failCountdown = -1
	}
}

// Fail makes every operation fail with err, until Recover is called.
func (b *Backend) Fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failErr = err
	b.failCountdown = -1
}

// Recover cancels FailAfter or Fail.
func (b *Backend) Recover() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failErr = nil
	b.failCountdown = 0
}

// LiveBuffers returns the number of buffers allocated and not freed.
func (b *Backend) LiveBuffers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.live)
}

// Stats returns the operations counts.
func (b *Backend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// MemoryStats returns the statistics of the device memory pool.
func (b *Backend) MemoryStats() buffers.Stats {
	return b.memory.Stats()
}

// lockedCheckOp returns an error if the backend is finalized or failing. It accounts one
// operation towards FailAfter.
//
// It must be called with b.mu acquired.
func (b *Backend) lockedCheckOp(op string) error {
	if b.finalized {
		return compute.Devicef("simgpu: %s on a finalized backend", op)
	}
	if b.failErr == nil {
		return nil
	}
	if b.failCountdown > 0 {
		b.failCountdown--
		return nil
	}
	b.failCountdown = -1
	return compute.Devicef("simgpu: %s failed: %v", op, b.failErr)
}

// checkOp is the locking version of lockedCheckOp.
func (b *Backend) checkOp(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lockedCheckOp(op)
}

// Alloc implements backends.Backend.
func (b *Backend) Alloc(n int) (backends.Buffer, error) {
	if n < 0 {
		return nil, compute.Devicef("simgpu: Alloc(%d): negative size", n)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.lockedCheckOp("Alloc"); err != nil {
		return nil, err
	}
	buf := &Buffer{backend: b, mem: b.memory.Acquire(n), n: n}
	buf.root = buf
	b.live[buf] = struct{}{}
	b.stats.Allocs++
	return buf, nil
}

// Sub implements backends.Backend.
func (b *Backend) Sub(buf backends.Buffer, offset, n int) (backends.Buffer, error) {
	parent, err := b.ownBuffer(buf, "Sub")
	if err != nil {
		return nil, err
	}
	if offset < 0 || n < 0 || offset+n > parent.n {
		return nil, compute.Devicef("simgpu: Sub(offset=%d, n=%d) out of range for buffer of length %d", offset, n, parent.n)
	}
	return &Buffer{backend: b, mem: parent.mem, root: parent.root, offset: parent.offset + offset, n: n}, nil
}

// Free implements backends.Backend. Freeing buffers of a finalized backend is a no-op.
func (b *Backend) Free(buf backends.Buffer) {
	own, err := b.ownBuffer(buf, "Free")
	if err != nil {
		exceptions.Panicf("%+v", err)
	}
	if own.root != own {
		exceptions.Panicf("simgpu: Free called on a sub-buffer view")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.finalized {
		return
	}
	if _, found := b.live[own]; !found {
		exceptions.Panicf("simgpu: buffer (len=%d) freed twice", own.n)
	}
	delete(b.live, own)
	b.memory.Release(own.mem)
}

// CopyToDevice implements backends.Backend.
func (b *Backend) CopyToDevice(dst backends.Buffer, src []float64) error {
	own, err := b.ownBuffer(dst, "CopyToDevice")
	if err != nil {
		return err
	}
	if len(src) != own.n {
		return compute.Devicef("simgpu: CopyToDevice of %d values into buffer of length %d", len(src), own.n)
	}
	b.mu.Lock()
	err = b.lockedCheckOp("CopyToDevice")
	if err == nil {
		b.stats.H2DCopies++
	}
	b.mu.Unlock()
	if err != nil {
		return err
	}
	sleep(b.config.H2DLatency)
	copy(own.data(), src)
	return nil
}

// CopyToHost implements backends.Backend.
func (b *Backend) CopyToHost(dst []float64, src backends.Buffer) error {
	own, err := b.ownBuffer(src, "CopyToHost")
	if err != nil {
		return err
	}
	if len(dst) != own.n {
		return compute.Devicef("simgpu: CopyToHost of buffer of length %d into %d values", own.n, len(dst))
	}
	b.mu.Lock()
	err = b.lockedCheckOp("CopyToHost")
	if err == nil {
		b.stats.D2HCopies++
	}
	b.mu.Unlock()
	if err != nil {
		return err
	}
	sleep(b.config.D2HLatency)
	copy(dst, own.data())
	return nil
}

// Launch implements backends.Backend.
func (b *Backend) Launch(node compute.Node, out backends.Buffer, inputs []backends.Buffer) (backends.Event, error) {
	outBuf, err := b.ownBuffer(out, "Launch")
	if err != nil {
		return nil, err
	}
	spans := make([]compute.Span, len(inputs))
	for ii, input := range inputs {
		inBuf, err := b.ownBuffer(input, "Launch")
		if err != nil {
			return nil, errors.WithMessagef(err, "input #%d of node %q", ii, node.Key())
		}
		spans[ii] = compute.NewSpan(inBuf.data())
	}
	b.mu.Lock()
	err = b.lockedCheckOp("Launch")
	if err == nil {
		b.stats.Launches++
	}
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if !b.inFlight.TryAdd() {
		return nil, compute.Devicef("simgpu: Launch on a finalizing backend")
	}

	done := xsync.NewLatchWithValue[error]()
	b.workers.WaitToStart(func() {
		defer b.inFlight.Done()
		sleep(b.config.LaunchLatency)
		done.Trigger(runKernel(node, outBuf.data(), spans))
	})
	return &event{done: done}, nil
}

// runKernel runs the node's Compute, converting panics to errors. Those are errors of the
// node, not of the device, the same as for nodes computed on the host.
func runKernel(node compute.Node, out []float64, inputs []compute.Span) (err error) {
	exception := exceptions.Try(func() {
		err = node.Compute(out, inputs)
	})
	if exception != nil {
		if e, ok := exception.(error); ok {
			return errors.WithMessagef(e, "simgpu: kernel of node %q panicked", node.Key())
		}
		return errors.Errorf("simgpu: kernel of node %q panicked: %v", node.Key(), exception)
	}
	if err != nil {
		return errors.WithMessagef(err, "simgpu: kernel of node %q", node.Key())
	}
	return nil
}

// Finalize implements backends.Backend. It waits for in-flight launches to finish, and then
// drops all device memory.
func (b *Backend) Finalize() {
	b.mu.Lock()
	if b.finalized {
		b.mu.Unlock()
		return
	}
	b.finalized = true
	b.mu.Unlock()

	b.inFlight.CloseAndWait()
	b.workers.WaitIdle()

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.live) > 0 {
		klog.V(1).Infof("simgpu: finalized with %d live buffers", len(b.live))
	}
	b.live = make(map[*Buffer]struct{})
	b.memory.Free()
}

// IsFinalized implements backends.Backend.
func (b *Backend) IsFinalized() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finalized
}

// ownBuffer checks buf was created by this backend.
func (b *Backend) ownBuffer(buf backends.Buffer, op string) (*Buffer, error) {
	own, ok := buf.(*Buffer)
	if !ok || own == nil {
		return nil, compute.Devicef("simgpu: %s given a buffer of type %T, not created by simgpu", op, buf)
	}
	if own.backend != b {
		return nil, compute.Devicef("simgpu: %s given a buffer from another backend", op)
	}
	return own, nil
}

func sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

// event implements backends.Event.
type event struct {
	done *xsync.LatchWithValue[error]
}

// Wait implements backends.Event.
func (e *event) Wait() error {
	return e.done.Wait()
}

// Buffer implements backends.Buffer: a view over device memory.
type Buffer struct {
	backend *Backend
	mem     *buffers.Buffer

	// root is the buffer returned by Alloc this buffer is a view of, or itself.
	root      *Buffer
	offset, n int
}

// Len implements backends.Buffer.
func (b *Buffer) Len() int {
	return b.n
}

// data returns the device memory of the buffer. Only the backend can access it.
func (b *Buffer) data() []float64 {
	return b.mem.Data()[b.offset : b.offset+b.n]
}
