// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package driver

import (
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/evaldriver/pkg/core/compute"
	"github.com/gomlx/evaldriver/pkg/core/placement"
)

// run executes one evaluation pass and returns the value of the top node. The returned span
// is valid until the next pass.
func (d *Driver) run() (value compute.Span, err error) {
	d.invocations++
	evaluationsCounter(d.batchMode).Inc()
	start := time.Now()
	poolBefore := d.pool.Stats()
	d.releasePass()

	succeeded := false
	defer func() {
		if !succeeded {
			d.releasePass()
		}
		poolAfter := d.pool.Stats()
		bufferPoolHitsTotal.Add(float64(poolAfter.Hits - poolBefore.Hits))
		bufferPoolMissesTotal.Add(float64(poolAfter.Misses - poolBefore.Misses))
	}()

	topIndex := d.order.TopIndex()
	for ii := range d.nodes {
		info := &d.nodes[ii]
		if !info.computed() {
			continue
		}
		device := d.planner.Device(ii)
		if device == compute.DeviceGPU && (d.backend == nil || info.forceCPU) {
			exceptions.Panicf("driver %s: node %q placed on the accelerator, but it can't run there !?", d.id, info.node.Key())
		}
		if device == compute.DeviceGPU {
			err = d.evalGPU(info, ii == topIndex)
		} else {
			err = d.evalCPU(info)
		}
		if err != nil {
			if errors.Is(err, compute.ErrDevice) {
				deviceErrorsTotal.Inc()
			}
			return compute.Span{}, errors.WithMessagef(err, "pass #%d, node %q on %s", d.invocations, info.node.Key(), device)
		}
		if klog.V(3).Enabled() {
			klog.Infof("driver %s: pass #%d evaluated %q (size %d) on %s", d.id, d.invocations, info.node.Key(), info.size, device)
		}
		d.consume(info, topIndex)
	}

	decision := d.planner.EndPass()
	if decision.Resimulated {
		resimulationsTotal.Inc()
	}
	elapsed := time.Since(start)
	passDuration.Observe(elapsed.Seconds())
	d.stats.LastPass = elapsed
	d.stats.TotalPassTime += elapsed
	d.stats.Passes++
	klog.V(2).Infof("driver %s: pass #%d done in %s", d.id, d.invocations, elapsed)

	succeeded = true
	top := &d.nodes[topIndex]
	if !top.hostValid() {
		exceptions.Panicf("driver %s: top node %q not available on host after the pass !?", d.id, top.node.Key())
	}
	return top.hostSpan(), nil
}

// consume accounts for the use of its inputs by info, releasing the buffers of the inputs
// that have no pending clients in this pass.
func (d *Driver) consume(info *nodeInfo, topIndex int) {
	for _, server := range info.servers {
		serverInfo := &d.nodes[server]
		if !serverInfo.computed() {
			continue
		}
		serverInfo.pending--
		if serverInfo.pending < 0 {
			exceptions.Panicf("driver %s: node %q consumed more times than it has clients !?", d.id, serverInfo.node.Key())
		}
		if serverInfo.pending == 0 && server != topIndex {
			d.releaseNode(serverInfo)
		}
	}
}

// releaseNode returns the buffers holding the value of a computed node.
func (d *Driver) releaseNode(info *nodeInfo) {
	if info.hostBuffer != nil {
		d.pool.Release(info.hostBuffer)
		info.hostBuffer = nil
	}
	if info.deviceValue != nil {
		if info.ownsDevice {
			d.backend.Free(info.deviceValue)
		}
		info.deviceValue, info.ownsDevice = nil, false
	}
}

// releasePass releases the buffers of all computed nodes and resets their pending client
// counts for a new pass.
func (d *Driver) releasePass() {
	for ii := range d.nodes {
		info := &d.nodes[ii]
		if info.fromData {
			continue
		}
		d.releaseNode(info)
		info.pending = info.consumers
	}
}

// freeDeviceData releases the data uploaded to the accelerator.
func (d *Driver) freeDeviceData() {
	if d.deviceData == nil {
		return
	}
	for ii := range d.nodes {
		if d.nodes[ii].fromData {
			d.nodes[ii].deviceValue = nil
		}
	}
	d.backend.Free(d.deviceData)
	d.deviceData = nil
}

// evalCPU computes info on the host, bringing back the inputs only available on the
// accelerator.
func (d *Driver) evalCPU(info *nodeInfo) error {
	var sample placement.Sample
	inputs := d.inputs[:0]
	for _, server := range info.servers {
		serverInfo := &d.nodes[server]
		if !serverInfo.hostValid() {
			elapsed, err := d.download(serverInfo)
			if err != nil {
				return err
			}
			sample.D2H += elapsed
			sample.D2HCount++
		}
		inputs = append(inputs, serverInfo.hostSpan())
	}
	d.inputs = inputs

	out := d.pool.Acquire(info.size)
	start := time.Now()
	var err error
	if d.batchMode == compute.BatchModeOff {
		err = d.computePerElement(info.node, out.Data(), inputs)
	} else {
		err = callCompute(info.node, out.Data(), inputs)
	}
	sample.Compute = time.Since(start)
	if err != nil {
		d.pool.Release(out)
		return err
	}
	info.hostBuffer = out
	d.record(info, compute.DeviceCPU, sample)
	return nil
}

// evalGPU computes info on the accelerator, uploading the inputs not there yet. The value of
// the top node is brought back to the host.
func (d *Driver) evalGPU(info *nodeInfo, isTop bool) error {
	var sample placement.Sample
	inputs := d.deviceInputs[:0]
	for _, server := range info.servers {
		serverInfo := &d.nodes[server]
		if serverInfo.deviceValue == nil {
			elapsed, copied, err := d.upload(serverInfo)
			if err != nil {
				return err
			}
			if copied {
				sample.H2D += elapsed
				sample.H2DCount++
			}
		}
		inputs = append(inputs, serverInfo.deviceValue)
	}
	d.deviceInputs = inputs

	out, err := d.backend.Alloc(info.size)
	if err != nil {
		return err
	}
	start := time.Now()
	event, err := d.backend.Launch(info.node, out, inputs)
	if err == nil {
		err = event.Wait()
	}
	sample.Compute = time.Since(start)
	if err != nil {
		d.backend.Free(out)
		return err
	}
	info.deviceValue, info.ownsDevice = out, true
	if isTop {
		elapsed, err := d.download(info)
		if err != nil {
			return err
		}
		sample.D2H += elapsed
		sample.D2HCount++
	}
	d.record(info, compute.DeviceGPU, sample)
	return nil
}

// download copies the value of info from the accelerator into a host buffer.
func (d *Driver) download(info *nodeInfo) (time.Duration, error) {
	if info.deviceValue == nil {
		exceptions.Panicf("driver %s: value of node %q used before being computed !?", d.id, info.node.Key())
	}
	buf := d.pool.Acquire(info.size)
	start := time.Now()
	if err := d.backend.CopyToHost(buf.Data(), info.deviceValue); err != nil {
		d.pool.Release(buf)
		return 0, err
	}
	elapsed := time.Since(start)
	info.hostBuffer = buf
	d.stats.D2HCopies++
	d.stats.D2HTime += elapsed
	d2hSecondsTotal.Add(elapsed.Seconds())
	return elapsed, nil
}

// upload makes the value of info available on the accelerator. Data-bound nodes get a view
// of the dataset, which is uploaded once per binding: copied reports whether a copy was
// done.
func (d *Driver) upload(info *nodeInfo) (elapsed time.Duration, copied bool, err error) {
	if info.fromData {
		if d.deviceData == nil {
			if elapsed, err = d.uploadData(); err != nil {
				return 0, false, err
			}
			copied = true
		}
		info.deviceValue, err = d.backend.Sub(d.deviceData, info.dataOffset, info.size)
		if err != nil {
			return 0, false, err
		}
		info.ownsDevice = false
		return elapsed, copied, nil
	}

	if !info.hostValid() {
		exceptions.Panicf("driver %s: value of node %q used before being computed !?", d.id, info.node.Key())
	}
	buf, err := d.backend.Alloc(info.size)
	if err != nil {
		return 0, false, err
	}
	start := time.Now()
	if err = d.backend.CopyToDevice(buf, info.hostSpan().Data()); err != nil {
		d.backend.Free(buf)
		return 0, false, err
	}
	elapsed = time.Since(start)
	info.deviceValue, info.ownsDevice = buf, true
	d.stats.H2DCopies++
	d.stats.H2DTime += elapsed
	h2dSecondsTotal.Add(elapsed.Seconds())
	return elapsed, true, nil
}

// uploadData copies the data of all data-bound nodes to one accelerator buffer.
func (d *Driver) uploadData() (time.Duration, error) {
	total := 0
	for ii := range d.nodes {
		if d.nodes[ii].fromData {
			total += d.nodes[ii].size
		}
	}
	buf, err := d.backend.Alloc(total)
	if err != nil {
		return 0, err
	}
	staging := d.pool.Acquire(total)
	defer d.pool.Release(staging)
	stagingData := staging.Data()
	for ii := range d.nodes {
		info := &d.nodes[ii]
		if info.fromData {
			copy(stagingData[info.dataOffset:info.dataOffset+info.size], info.data.Data())
		}
	}
	start := time.Now()
	if err = d.backend.CopyToDevice(buf, stagingData); err != nil {
		d.backend.Free(buf)
		return 0, err
	}
	elapsed := time.Since(start)
	d.deviceData = buf
	d.stats.H2DCopies++
	d.stats.H2DTime += elapsed
	d.stats.DeviceDataValues = total
	h2dSecondsTotal.Add(elapsed.Seconds())
	klog.V(1).Infof("driver %s: uploaded %d data values to %s in %s", d.id, total, d.backend.Name(), elapsed)
	return elapsed, nil
}

// record accounts for one node evaluation.
func (d *Driver) record(info *nodeInfo, device compute.Device, sample placement.Sample) {
	sample.Node = info.index
	sample.Device = device
	d.planner.Record(sample)
	info.device = device
	info.evaluations++
	info.lastEval = time.Now()
	if device == compute.DeviceGPU {
		info.gpuTime += sample.Compute + sample.H2D + sample.D2H
	} else {
		info.cpuTime += sample.Compute + sample.D2H
	}
	nodeEvaluationsCounter(device).Inc()
}

// callCompute calls node.Compute, converting panics with an error to an error.
func callCompute(node compute.Node, out []float64, inputs []compute.Span) (err error) {
	if panicErr := exceptions.TryCatch[error](func() { err = node.Compute(out, inputs) }); panicErr != nil {
		return errors.WithMessagef(panicErr, "node %q panicked", node.Key())
	}
	if err != nil {
		return errors.WithMessagef(err, "node %q", node.Key())
	}
	return nil
}

// computePerElement computes the node once per batch element, with single element input
// spans. Reducers are computed once over the full inputs.
func (d *Driver) computePerElement(node compute.Node, out []float64, inputs []compute.Span) error {
	if compute.IsReducer(node) || len(out) <= 1 {
		return callCompute(node, out, inputs)
	}
	if cap(d.elementInputs) < len(inputs) {
		d.elementInputs = make([]compute.Span, len(inputs))
	}
	elementInputs := d.elementInputs[:len(inputs)]
	for element := range out {
		for ii, input := range inputs {
			if input.Len() == 1 {
				elementInputs[ii] = input
			} else {
				elementInputs[ii] = input.Slice(element, element+1)
			}
		}
		if err := callCompute(node, out[element:element+1], elementInputs); err != nil {
			return errors.WithMessagef(err, "batch element #%d", element)
		}
	}
	return nil
}
