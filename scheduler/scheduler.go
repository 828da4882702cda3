// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package scheduler runs the background tasks that keep a Librarian's
// stores and transfers moving without a client request driving them:
// integrity checks, local cloning, the outgoing send queue, and the
// hypervisors that reconcile transfer state against transport reality
// (spec §4.6). Every configured task gets its own ticker; all tickers feed
// one serialized worker loop, the same shape the teacher's task manager
// used for its single poll channel, generalized here from "one global
// interval" to "one interval per configured task name" -- the scheduler
// owns all the parallelism, so no task handler may fan work out on its
// own.
package scheduler

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/scidata-fed/librarian/filesvc"
	"github.com/scidata-fed/librarian/metadatadb"
	"github.com/scidata-fed/librarian/orchestration"
	"github.com/scidata-fed/librarian/stores"
	"github.com/scidata-fed/librarian/transfermgr"
)

// Scheduler owns every background task's cadence and the infrastructure
// its handlers need: metadatadb for claiming/finishing task runs and
// reading/writing records, the orchestrator for the push-transfer
// protocol, filesvc for committing bytes into stores, the store registry
// for enumeration and capacity checks, and one SyncManager per store that
// participates in local cloning.
type Scheduler struct {
	db            *metadatadb.DB
	orch          *orchestration.Orchestrator
	files         *filesvc.Service
	stores        *stores.Registry
	cloneManagers map[string]*transfermgr.SyncManager

	cfg  Config
	tick chan taskConfig
	stop chan struct{}
	done chan struct{}
}

// New constructs a Scheduler from a parsed Config. cloneManagers
// associates each store name eligible as a create_local_clone source with
// the SyncManager that copies its bytes onto other local stores.
func New(db *metadatadb.DB, orch *orchestration.Orchestrator, files *filesvc.Service, storeReg *stores.Registry, cloneManagers map[string]*transfermgr.SyncManager, cfg Config) *Scheduler {
	return &Scheduler{
		db:            db,
		orch:          orch,
		files:         files,
		stores:        storeReg,
		cloneManagers: cloneManagers,
		cfg:           cfg,
		tick:          make(chan taskConfig, 32),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches one ticker goroutine per configured task and the single
// worker goroutine that serially executes whatever they send. It returns
// immediately; call Close to shut everything down.
func (s *Scheduler) Start() {
	go s.run()
	for _, t := range s.cfg.Tasks {
		t := t
		go s.tickEvery(t)
	}
}

func (s *Scheduler) tickEvery(t taskConfig) {
	ticker := time.NewTicker(t.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			select {
			case s.tick <- t:
			case <-s.stop:
				return
			}
		case <-s.stop:
			return
		}
	}
}

// run is the single serialized worker loop: every task execution,
// regardless of which ticker woke it, happens here one at a time, so two
// tasks never race over the same store or transfer manager.
func (s *Scheduler) run() {
	defer close(s.done)
	for {
		select {
		case t := <-s.tick:
			s.runOnce(t)
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) runOnce(t taskConfig) {
	claim, claimed, err := s.db.ClaimBackgroundTask(t.Name)
	if err != nil {
		slog.Error(fmt.Sprintf("claiming background task %q: %s", t.Name, err))
		return
	}
	if !claimed {
		slog.Debug(fmt.Sprintf("task %q already running on another worker, skipping tick", t.Name))
		return
	}

	deadline := time.AfterFunc(t.SoftTimeout, func() {
		slog.Warn(fmt.Sprintf("task %q exceeded its soft timeout of %s", t.Name, t.SoftTimeout))
	})
	defer deadline.Stop()

	message, runErr := s.dispatch(t)
	if runErr != nil {
		slog.Error(fmt.Sprintf("task %q failed: %s", t.Name, runErr))
		if err := s.db.FinishBackgroundTask(claim.Id, false, runErr.Error()); err != nil {
			slog.Error(fmt.Sprintf("recording failure of task %q: %s", t.Name, err))
		}
		return
	}
	slog.Info(fmt.Sprintf("task %q finished: %s", t.Name, message))
	if err := s.db.FinishBackgroundTask(claim.Id, true, message); err != nil {
		slog.Error(fmt.Sprintf("recording completion of task %q: %s", t.Name, err))
	}
}

func (s *Scheduler) dispatch(t taskConfig) (string, error) {
	switch t.Type {
	case taskCheckIntegrity:
		return s.runCheckIntegrity(t.Parameters)
	case taskCreateLocalClone:
		return s.runCreateLocalClone(t.Parameters)
	case taskSendClone:
		return s.runSendClone(t.Parameters)
	case taskConsumeQueue:
		return s.runConsumeQueue(t.Parameters)
	case taskCheckConsumedQueue:
		return s.runCheckConsumedQueue(t.Parameters)
	case taskReceiveClone:
		return s.runReceiveClone(t.Parameters)
	case taskOutgoingHypervisor:
		return s.runOutgoingHypervisor(t.Parameters)
	case taskIncomingHypervisor:
		return s.runIncomingHypervisor(t.Parameters)
	default:
		return "", fmt.Errorf("unhandled task type %q", t.Type)
	}
}

// Close stops every ticker and waits for any in-flight task execution to
// finish before returning.
func (s *Scheduler) Close() {
	close(s.stop)
	<-s.done
}
