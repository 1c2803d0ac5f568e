// Copyright 2025 The uninitdetector Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hostmem

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kolkov/uninitdetector/internal/msan/hooks"
	"github.com/kolkov/uninitdetector/internal/msan/taskctx"
)

// Registry tracks live tasks and the CPUs of the host.
//
// Task 0 is the boot task. It exists from the start and never exits.
type Registry struct {
	hooks *hooks.Hooks
	cpus  []*taskctx.CPU

	mu    sync.Mutex
	tasks map[int]*taskctx.Task
	next  int
}

func newRegistry(h *hooks.Hooks, numCPUs int) *Registry {
	r := &Registry{
		hooks: h,
		tasks: make(map[int]*taskctx.Task),
		next:  1,
	}
	r.tasks[0] = taskctx.NewTask(0, "swapper")
	for i := 0; i < max(numCPUs, 1); i++ {
		r.cpus = append(r.cpus, taskctx.NewCPU(i))
	}
	return r
}

// Boot returns the boot task.
func (r *Registry) Boot() *taskctx.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tasks[0]
}

// Spawn creates a task on behalf of parent.
func (r *Registry) Spawn(parent *taskctx.Context, name string) *taskctx.Task {
	r.mu.Lock()
	t := &taskctx.Task{ID: r.next, Name: name}
	r.next++
	r.tasks[t.ID] = t
	r.mu.Unlock()

	r.hooks.TaskCreate(parent, t)
	return t
}

// Exit retires t. Its context stays valid for code still holding it, but
// it no longer reports.
func (r *Registry) Exit(t *taskctx.Task) error {
	if t.ID == 0 {
		return fmt.Errorf("the boot task cannot exit")
	}
	r.mu.Lock()
	_, ok := r.tasks[t.ID]
	delete(r.tasks, t.ID)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %d is not running", t.ID)
	}
	r.hooks.TaskExit(t)
	return nil
}

// Task returns the live task with the given id.
func (r *Registry) Task(id int) (*taskctx.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	return t, ok
}

// Tasks returns the live tasks ordered by id.
func (r *Registry) Tasks() []*taskctx.Task {
	r.mu.Lock()
	out := make([]*taskctx.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CPU returns CPU i, or nil if there is no such CPU.
func (r *Registry) CPU(i int) *taskctx.CPU {
	if i < 0 || i >= len(r.cpus) {
		return nil
	}
	return r.cpus[i]
}

// NumCPUs returns the number of CPUs.
func (r *Registry) NumCPUs() int {
	return len(r.cpus)
}
