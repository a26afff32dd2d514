// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simgpu

import (
	"testing"
	"time"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"

	"github.com/gomlx/evaldriver/backends"
	"github.com/gomlx/evaldriver/pkg/core/compute"
)

func init() {
	klog.InitFlags(nil)
}

// kernelNode multiplies its two inputs elementwise, or runs fn if set.
type kernelNode struct {
	fn func(out []float64, inputs []compute.Span) error
}

func (n *kernelNode) Key() compute.Key             { return "kernel" }
func (n *kernelNode) Dependencies() []compute.Node { return nil }
func (n *kernelNode) IsScalarLike() bool           { return false }
func (n *kernelNode) Mode() compute.Mode           { return compute.ModeBatch }
func (n *kernelNode) SetMode(compute.Mode)         {}
func (n *kernelNode) Compute(out []float64, inputs []compute.Span) error {
	if n.fn != nil {
		return n.fn(out, inputs)
	}
	for ii := range out {
		out[ii] = inputs[0].At(ii) * inputs[1].At(ii)
	}
	return nil
}

func TestParseConfig(t *testing.T) {
	c, err := ParseConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c)

	c, err = ParseConfig("h2d_latency=10us, d2h_latency=1ms,launch_latency=5us,workers=2")
	require.NoError(t, err)
	assert.Equal(t, Config{H2DLatency: 10 * time.Microsecond, D2HLatency: time.Millisecond, LaunchLatency: 5 * time.Microsecond, Workers: 2}, c)

	for _, bad := range []string{"workers", "workers=two", "h2d_latency=fast", "colour=blue"} {
		_, err = ParseConfig(bad)
		require.ErrorIsf(t, err, compute.ErrConfiguration, "config %q", bad)
	}
}

func TestRegistry(t *testing.T) {
	assert.Contains(t, backends.List(), BackendName)
	for _, config := range []string{"simgpu", "simgpu:workers=2"} {
		backend, err := backends.NewWithConfig(config)
		require.NoError(t, err)
		require.IsType(t, &Backend{}, backend)
		assert.Equal(t, BackendName, backend.Name())
		backend.Finalize()
	}
	_, err := backends.NewWithConfig("cuda:0")
	require.ErrorIs(t, err, compute.ErrDevice)
}

func TestCopiesAndSubViews(t *testing.T) {
	b := must.M1(New("workers=2"))
	defer b.Finalize()
	buf := must.M1(b.Alloc(6))
	require.Equal(t, 1, b.LiveBuffers())
	require.NoError(t, b.CopyToDevice(buf, []float64{1, 2, 3, 4, 5, 6}))

	view := must.M1(b.Sub(buf, 2, 3))
	got := make([]float64, 3)
	require.NoError(t, b.CopyToHost(got, view))
	assert.Equal(t, []float64{3, 4, 5}, got)

	// Writing through the view changes the parent.
	require.NoError(t, b.CopyToDevice(view, []float64{-1, -2, -3}))
	all := make([]float64, 6)
	require.NoError(t, b.CopyToHost(all, buf))
	assert.Equal(t, []float64{1, 2, -1, -2, -3, 6}, all)

	_, err := b.Sub(buf, 4, 3)
	require.ErrorIs(t, err, compute.ErrDevice)
	require.ErrorIs(t, b.CopyToDevice(buf, []float64{1}), compute.ErrDevice)
	require.Panics(t, func() { b.Free(view) }, "views must not be freed")

	b.Free(buf)
	require.Equal(t, 0, b.LiveBuffers())
	require.Panics(t, func() { b.Free(buf) }, "double free")
	assert.Equal(t, Stats{Allocs: 1, H2DCopies: 2, D2HCopies: 2}, b.Stats())
}

func TestLaunch(t *testing.T) {
	b := must.M1(New("workers=1,launch_latency=1us"))
	defer b.Finalize()
	x := must.M1(b.Alloc(4))
	scale := must.M1(b.Alloc(1))
	out := must.M1(b.Alloc(4))
	require.NoError(t, b.CopyToDevice(x, []float64{1, 2, 3, 4}))
	require.NoError(t, b.CopyToDevice(scale, []float64{10}))

	ev, err := b.Launch(&kernelNode{}, out, []backends.Buffer{x, scale})
	require.NoError(t, err)
	require.NoError(t, ev.Wait())
	got := make([]float64, 4)
	require.NoError(t, b.CopyToHost(got, out))
	assert.Equal(t, []float64{10, 20, 30, 40}, got)

	// Kernel errors and panics are reported by the event, as errors of the node: the device
	// is still usable.
	kernelErr := errors.New("bad kernel")
	ev = must.M1(b.Launch(&kernelNode{fn: func([]float64, []compute.Span) error { return kernelErr }}, out, nil))
	require.ErrorIs(t, ev.Wait(), kernelErr)
	ev = must.M1(b.Launch(&kernelNode{fn: func([]float64, []compute.Span) error { panic("boom") }}, out, nil))
	err = ev.Wait()
	require.Error(t, err)
	assert.NotErrorIs(t, err, compute.ErrDevice)
	assert.Contains(t, err.Error(), "boom")
	assert.Contains(t, err.Error(), "panicked")
	ev = must.M1(b.Launch(&kernelNode{fn: func([]float64, []compute.Span) error { panic(kernelErr) }}, out, nil))
	err = ev.Wait()
	require.ErrorIs(t, err, kernelErr)
	assert.NotErrorIs(t, err, compute.ErrDevice)
	ev = must.M1(b.Launch(&kernelNode{}, out, []backends.Buffer{x, scale}))
	require.NoError(t, ev.Wait())

	// Buffers from another backend are rejected.
	other := must.M1(New(""))
	defer other.Finalize()
	foreign := must.M1(other.Alloc(4))
	_, err = b.Launch(&kernelNode{}, foreign, nil)
	require.ErrorIs(t, err, compute.ErrDevice)
}

func TestFaultInjection(t *testing.T) {
	b := must.M1(New(""))
	defer b.Finalize()
	b.FailAfter(2)
	buf := must.M1(b.Alloc(3))                                 // 1st operation.
	require.NoError(t, b.CopyToDevice(buf, []float64{1, 2, 3})) // 2nd operation.
	err := b.CopyToHost(make([]float64, 3), buf)
	require.ErrorIs(t, err, compute.ErrDevice)
	assert.Contains(t, err.Error(), "injected")
	_, err = b.Alloc(1)
	require.ErrorIs(t, err, compute.ErrDevice, "keeps failing")

	b.Recover()
	require.NoError(t, b.CopyToHost(make([]float64, 3), buf))

	b.Fail(errors.New("device lost"))
	_, err = b.Launch(&kernelNode{}, buf, []backends.Buffer{buf, buf})
	require.ErrorIs(t, err, compute.ErrDevice)
	assert.Contains(t, err.Error(), "device lost")
}

func TestFinalize(t *testing.T) {
	b := must.M1(New("workers=2"))
	buf := must.M1(b.Alloc(1000))
	release := make(chan struct{})
	ev := must.M1(b.Launch(&kernelNode{fn: func(out []float64, _ []compute.Span) error {
		<-release
		out[0] = 1
		return nil
	}}, buf, nil))

	finalized := make(chan struct{})
	go func() {
		b.Finalize()
		close(finalized)
	}()
	select {
	case <-finalized:
		t.Fatal("Finalize should wait for the in-flight launch")
	case <-time.After(10 * time.Millisecond):
	}
	close(release)
	require.NoError(t, ev.Wait())
	<-finalized

	require.True(t, b.IsFinalized())
	_, err := b.Alloc(1)
	require.ErrorIs(t, err, compute.ErrDevice)
	require.NotPanics(t, func() { b.Free(buf) }, "freeing after Finalize is a no-op")
	b.Finalize()
}
