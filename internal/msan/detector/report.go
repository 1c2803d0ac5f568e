// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package detector

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/kolkov/uninitdetector/internal/msan/origin"
	"github.com/kolkov/uninitdetector/internal/msan/stackdepot"
	"github.com/kolkov/uninitdetector/internal/msan/taskctx"
)

// Reason says why memory was checked.
type Reason int

const (
	// ReasonAny is a generic check (branch, dereference, explicit check).
	ReasonAny Reason = iota
	// ReasonCopyToUser is a copy of kernel memory to user space.
	ReasonCopyToUser
	// ReasonSubmitURB is a USB request block handed to a device.
	ReasonSubmitURB
)

// String returns the bug title of a Reason.
func (r Reason) String() string {
	switch r {
	case ReasonCopyToUser:
		return "kernel-infoleak"
	case ReasonSubmitURB:
		return "kernel-usb-infoleak"
	default:
		return "uninit-value"
	}
}

// Report describes one uninitialized run.
type Report struct {
	Reason Reason

	// Origin is the origin shared by the run's bytes.
	Origin origin.Handle

	// History is Origin decoded, newest record first.
	History []origin.Record

	// Addr and Size describe the whole checked access. Size is 0 for
	// instrumentation warnings.
	Addr, Size uint64

	// OffFirst and OffLast are the inclusive offsets of the run in the
	// access.
	OffFirst, OffLast uint64

	// UserAddr is the user-space destination of a copy, or 0.
	UserAddr uint64

	// Context names the reporting task or interrupt context.
	Context string

	// Stack is where the use was detected.
	Stack []uintptr
}

// Title returns the first report line without the "BUG: KMSAN: " prefix.
func (r *Report) Title() string {
	if fn := firstFunction(r.Stack); fn != "" {
		return fmt.Sprintf("%s in %s", r.Reason, fn)
	}
	return r.Reason.String()
}

func firstFunction(pcs []uintptr) string {
	if len(pcs) == 0 {
		return ""
	}
	frames := runtime.CallersFrames(pcs)
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !strings.HasPrefix(frame.Function, "runtime.") {
			return frame.Function
		}
		if !more {
			return ""
		}
	}
}

// Format writes the report in the text form:
//
//	=====================================================
//	BUG: KMSAN: kernel-infoleak in pkg.copyOut
//	  <stack>
//
//	Uninit was stored to memory at:
//	  <stack>
//
//	Uninit was created at:
//	  <stack>
//
//	Bytes 4-7 of 16 are uninitialized
//	Memory access of size 16 starts at 0xffff888000001000
//	Data copied to user address 0x0000000000401000
//
//	Context: task 1
//	=====================================================
func (r *Report) Format(w io.Writer) {
	fmt.Fprintf(w, "=====================================================\n")
	fmt.Fprintf(w, "BUG: KMSAN: %s\n", r.Title())
	fmt.Fprint(w, stackdepot.FormatStack(r.Stack))
	fmt.Fprintf(w, "\n")

	if r.Origin == 0 {
		fmt.Fprintf(w, "Origin: unavailable\n")
	} else {
		origin.PrintRecords(w, r.History)
	}
	fmt.Fprintf(w, "\n")

	if r.Size > 0 {
		if r.OffFirst == r.OffLast {
			fmt.Fprintf(w, "Byte %d of %d is uninitialized\n", r.OffFirst, r.Size)
		} else {
			fmt.Fprintf(w, "Bytes %d-%d of %d are uninitialized\n", r.OffFirst, r.OffLast, r.Size)
		}
		fmt.Fprintf(w, "Memory access of size %d starts at %#016x\n", r.Size, r.Addr)
	}
	if r.UserAddr != 0 {
		fmt.Fprintf(w, "Data copied to user address %#016x\n", r.UserAddr)
	}
	fmt.Fprintf(w, "\n")
	if r.Context != "" {
		fmt.Fprintf(w, "Context: %s\n", r.Context)
	}
	fmt.Fprintf(w, "=====================================================\n")
}

// String returns the formatted report.
func (r *Report) String() string {
	var buf strings.Builder
	r.Format(&buf)
	return buf.String()
}

// Sink receives delivered reports.
type Sink interface {
	Emit(r *Report)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(r *Report)

// Emit calls f(r).
func (f SinkFunc) Emit(r *Report) {
	f(r)
}

type writerSink struct {
	mu sync.Mutex
	w  io.Writer
}

// WriterSink returns a Sink that formats reports to w, one at a time.
func WriterSink(w io.Writer) Sink {
	return &writerSink{w: w}
}

func (s *writerSink) Emit(r *Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.Format(s.w)
}

// Reporter decides whether reports are delivered.
//
// Reports are dropped when the reporting context does not allow reporting
// and, if a rate is configured, when the token bucket is empty.
type Reporter struct {
	sink    Sink
	limiter *rate.Limiter
	log     logrus.FieldLogger

	delivered  atomic.Int64
	suppressed atomic.Int64
}

// NewReporter creates a Reporter. perSecond <= 0 disables rate limiting.
func NewReporter(sink Sink, perSecond float64, burst int, log logrus.FieldLogger) *Reporter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := &Reporter{sink: sink, log: log.WithField("component", "reporter")}
	if perSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
	return r
}

// Report delivers rep on behalf of ctx and reports whether it did.
func (r *Reporter) Report(ctx *taskctx.Context, rep *Report) bool {
	if !ctx.AllowReporting() {
		r.suppressed.Add(1)
		return false
	}
	if r.limiter != nil && !r.limiter.Allow() {
		n := r.suppressed.Add(1)
		r.log.WithField("suppressed", n).Debugf("rate limited report: %s", rep.Title())
		return false
	}
	r.delivered.Add(1)
	r.sink.Emit(rep)
	return true
}

// Stats returns the number of delivered and suppressed reports.
func (r *Reporter) Stats() (delivered, suppressed int64) {
	return r.delivered.Load(), r.suppressed.Load()
}
