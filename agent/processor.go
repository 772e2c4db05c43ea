// Package agent implements the per-node transfer processor: it accepts assignments,
// downloads and verifies objects, and reports per-task outcomes to the manager.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/rebalancer/api"
	"github.com/NVIDIA/rebalancer/cmn"
	"github.com/NVIDIA/rebalancer/cmn/cos"
	"github.com/NVIDIA/rebalancer/cmn/kvdb"
	"github.com/NVIDIA/rebalancer/cmn/nlog"
	"github.com/NVIDIA/rebalancer/cmn/prob"
	"github.com/NVIDIA/rebalancer/core"
	"github.com/NVIDIA/rebalancer/stats"

	"golang.org/x/sync/errgroup"
)

var (
	ErrAsgnRunning = errors.New("assignment is still running")
	errNotReady    = fmt.Errorf("%w: resuming interrupted tasks", core.ErrAgentBusy)
)

const errUnpersisted = "task outcome could not be persisted"

type (
	Processor struct {
		co     *cmn.ConfigOwner[cmn.AgentConfig]
		ctx    context.Context
		cancel context.CancelFunc
		known  *prob.Filter // accepted assignment IDs
		nlock  *core.NameLocker
		sema   *cos.Semaphore
		client *http.Client
		stats  *stats.Agent
		active map[string]*asgnCtx // accepted and not yet acked
		st     store
		wg     sync.WaitGroup
		mu     sync.Mutex
		ready  atomic.Bool
	}

	asgnCtx struct {
		pending atomic.Int32 // non-terminal tasks
	}

	// remembers the last read error so that source failures
	// can be told apart from local write failures
	srcReader struct {
		r   io.Reader
		err error
	}
)

func NewProcessor(co *cmn.ConfigOwner[cmn.AgentConfig], db kvdb.Driver, st *stats.Agent) *Processor {
	p := &Processor{
		co:     co,
		st:     store{db: db},
		known:  prob.NewFilter(1024),
		nlock:  core.NewNameLocker(),
		sema:   cos.NewSemaphore(co.Get().MaxDownloads),
		client: api.NewClient(0), // per-download timeout is hot-reloadable
		stats:  st,
		active: make(map[string]*asgnCtx, 16),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

func (p *Processor) Ready() bool { return p.ready.Load() }

// Init removes leftover partial downloads and runs every task that was not
// terminal at shutdown; the processor accepts new work only after that.
func (p *Processor) Init() error {
	root := p.co.Get().Root
	if err := cos.CreateDir(root); err != nil {
		return err
	}
	n, err := removeTmp(root)
	if err != nil {
		return fmt.Errorf("cleanup %s: %w", root, err)
	}
	if n > 0 {
		nlog.Infof("removed %d partial download%s under %s", n, cos.Plural(n), root)
	}
	recs, err := p.st.listAsgns()
	if err != nil {
		return err
	}
	var resume []keyedTask
	p.mu.Lock()
	for _, rec := range recs {
		tasks, err := p.st.tasks(rec.ID)
		if err != nil {
			p.mu.Unlock()
			return err
		}
		actx := &asgnCtx{}
		for _, kt := range tasks {
			if !kt.rec.Status.IsTerminal() {
				kt.rec.Status = core.TaskPending
				resume = append(resume, kt)
				actx.pending.Add(1)
			}
		}
		p.known.Insert(rec.ID)
		p.active[rec.ID] = actx
		if actx.pending.Load() == 0 && rec.State != core.AgentComplete {
			p.complete(rec.ID)
		}
	}
	p.stats.Pending(len(p.active))
	p.mu.Unlock()

	if len(resume) > 0 {
		nlog.Infof("resuming %d task%s of %d assignment%s", len(resume), cos.Plural(len(resume)),
			len(recs), cos.Plural(len(recs)))
		var g errgroup.Group
		g.SetLimit(p.sema.Size())
		for _, kt := range resume {
			g.Go(func() error {
				p.execute(kt.key, kt.rec)
				return nil
			})
		}
		g.Wait()
	}
	p.ready.Store(true)
	nlog.Infoln("agent ready:", len(p.active), "assignment(s) pending acknowledgment")
	return nil
}

// Stop interrupts downloads in flight; their tasks stay non-terminal and resume on restart.
func (p *Processor) Stop() {
	p.cancel()
	p.wg.Wait()
}

// Assign accepts (or re-acknowledges) an assignment. Re-posting a known ID does
// not schedule anything: the recorded state is returned instead.
func (p *Processor) Assign(payload *core.AsgnPayload) (*core.AsgnStatus, error) {
	if err := payload.Validate(core.AsgnVersion); err != nil {
		return nil, err
	}
	if !p.ready.Load() {
		return nil, errNotReady
	}
	// the store decides; the filter only tells a re-post from a first post in the logs
	p.mu.Lock()
	_, err := p.st.getAsgn(payload.ID)
	if err == nil {
		p.mu.Unlock()
		if !p.known.Lookup(payload.ID) {
			nlog.Warningln("assignment", payload.ID, "not in the id filter")
		}
		nlog.Infoln("assignment", payload.ID, "already accepted")
		return p.Status(payload.ID)
	}
	if !errors.Is(err, core.ErrAsgnNotFound) {
		p.mu.Unlock()
		return nil, err
	}
	conf := p.co.Get()
	if len(p.active) >= conf.MaxAssignments {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %d assignments pending (max %d)", core.ErrAgentBusy, len(p.active), conf.MaxAssignments)
	}
	var (
		rec = &asgnRecord{
			Created:  time.Now(),
			ID:       payload.ID,
			JobID:    payload.JobID,
			State:    core.AgentScheduled,
			NumTasks: len(payload.Tasks),
			Version:  payload.Version,
		}
		tasks = make([]*taskRecord, 0, len(payload.Tasks))
	)
	for _, t := range payload.Tasks {
		tr := &taskRecord{Task: *t, AsgnID: payload.ID, FQN: core.FQN(conf.Root, t.Owner, t.ObjectID)}
		tr.Status, tr.Reason, tr.Err = core.TaskPending, core.ReasonNone, ""
		tasks = append(tasks, tr)
	}
	if err := p.st.add(rec, tasks); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.known.Insert(payload.ID)
	actx := &asgnCtx{}
	actx.pending.Store(int32(len(tasks)))
	p.active[payload.ID] = actx
	p.stats.Pending(len(p.active))
	p.mu.Unlock()

	nlog.Infof("accepted assignment %s (job %s, %d task%s)", rec.ID, rec.JobID, len(tasks), cos.Plural(len(tasks)))
	for i, tr := range tasks {
		p.wg.Add(1)
		go p.run(taskKey(rec.ID, i), tr)
	}
	return &core.AsgnStatus{ID: rec.ID, State: core.AgentScheduled, Version: core.AsgnVersion}, nil
}

// Status reports per-task results once the assignment is complete.
func (p *Processor) Status(id string) (*core.AsgnStatus, error) {
	rec, err := p.st.getAsgn(id)
	if err != nil {
		return nil, err
	}
	status := &core.AsgnStatus{ID: id, State: rec.State, Version: core.AsgnVersion}
	tasks, err := p.st.tasks(id)
	if err != nil {
		return nil, err
	}
	if rec.State == core.AgentComplete {
		status.Tasks = make([]*core.Task, 0, len(tasks))
		for _, kt := range tasks {
			t := kt.rec.Task
			if !t.Status.IsTerminal() {
				t.Status, t.Reason, t.Err = core.TaskFailed, core.ReasonDisk, errUnpersisted
			}
			status.Tasks = append(status.Tasks, &t)
		}
		return status, nil
	}
	for _, kt := range tasks {
		if kt.rec.Status != core.TaskPending {
			status.State = core.AgentRunning
			break
		}
	}
	return status, nil
}

// Ack deletes a completed assignment along with its task records.
func (p *Processor) Ack(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, err := p.st.getAsgn(id)
	if err != nil {
		return err
	}
	if rec.State != core.AgentComplete {
		return fmt.Errorf("%w: %s", ErrAsgnRunning, id)
	}
	if err := p.st.remove(id); err != nil {
		return err
	}
	p.known.Delete(id)
	delete(p.active, id)
	p.stats.Pending(len(p.active))
	if nlog.V(4) {
		nlog.Infoln("acknowledged assignment", id)
	}
	return nil
}

func (p *Processor) Pending() int {
	p.mu.Lock()
	n := len(p.active)
	p.mu.Unlock()
	return n
}

//
// task execution
//

func (p *Processor) run(key string, rec *taskRecord) {
	defer p.wg.Done()
	p.execute(key, rec)
}

func (p *Processor) execute(key string, rec *taskRecord) {
	select {
	case <-p.sema.TryAcquire():
	case <-p.ctx.Done():
		return
	}
	p.stats.Inflight(1)
	rec.Status = core.TaskRunning
	rec.Attempts++
	if err := p.st.putTask(key, rec); err != nil {
		nlog.Errorln("failed to persist", key, "running:", err)
	}
	started := time.Now()
	status, reason, err := p.transfer(p.ctx, rec)
	p.sema.Release()
	p.stats.Inflight(-1)

	if p.ctx.Err() != nil && !status.Succeeded() {
		// shutting down: leave it non-terminal
		return
	}
	rec.Status, rec.Reason, rec.Err = status, reason, ""
	if err != nil {
		rec.Err = err.Error()
		nlog.Warningf("task %s (%s/%s): %s: %v", key, rec.Owner, rec.ObjectID, reason, err)
	}
	if err := p.st.putTask(key, rec); err != nil {
		// the stored record stays non-terminal: Status reports it as failed(disk)
		// and a restart runs it again
		nlog.Errorln("failed to persist", key, "outcome:", err)
		status = core.TaskFailed
	}
	p.stats.TaskDone(string(status), rec.Size, time.Since(started))
	p.taskDone(rec.AsgnID)
}

func (p *Processor) taskDone(asgnID string) {
	p.mu.Lock()
	actx := p.active[asgnID]
	p.mu.Unlock()
	if actx == nil || actx.pending.Add(-1) > 0 {
		return
	}
	p.complete(asgnID)
}

func (p *Processor) complete(asgnID string) {
	rec, err := p.st.getAsgn(asgnID)
	if err != nil {
		nlog.Errorln(err)
		return
	}
	rec.State = core.AgentComplete
	if err := p.st.putAsgn(rec); err != nil {
		nlog.Errorln("failed to complete assignment", asgnID+":", err)
		return
	}
	nlog.Infof("assignment %s complete (%d task%s)", asgnID, rec.NumTasks, cos.Plural(rec.NumTasks))
}

// transfer downloads into the temporary sibling, verifies, and renames into place.
// An already present file with a matching checksum makes it a no-op.
// Tasks of different assignments may carry the same object: the FQN stays locked
// from the presence check through the rename.
func (p *Processor) transfer(ctx context.Context, rec *taskRecord) (core.TaskStatus, core.Reason, error) {
	p.nlock.Lock(rec.FQN)
	defer p.nlock.Unlock(rec.FQN)
	if p.present(rec) {
		return core.TaskSkipped, core.ReasonNone, nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.co.Get().DownloadTimeout.D())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.SourceURL, http.NoBody)
	if err != nil {
		return core.TaskFailed, core.ReasonNetwork, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return core.TaskFailed, core.ReasonNetwork, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		cos.DrainReader(resp.Body)
		return core.TaskFailed, core.ReasonNetwork, fmt.Errorf("GET %s: %s", rec.SourceURL, resp.Status)
	}

	var (
		tmp = core.TmpFQN(rec.FQN)
		src = &srcReader{r: resp.Body}
		buf = make([]byte, 64*cos.KiB)
	)
	cksum, err := cos.SaveReader(tmp, src, buf, rec.Cksum.Type, rec.Size)
	if err != nil {
		var perr *fs.PathError
		switch {
		case src.err != nil:
			return core.TaskFailed, core.ReasonNetwork, err
		case cos.IsErrOOS(err) || errors.As(err, &perr):
			return core.TaskFailed, core.ReasonDisk, err
		default:
			// received size differs from the recorded content length
			return core.TaskFailed, core.ReasonChecksumMismatch, err
		}
	}
	if actual := cksum.Clone(); !actual.Equal(&rec.Cksum) {
		if err := cos.RemoveFile(tmp); err != nil {
			nlog.Errorln("failed to remove", tmp+":", err)
		}
		return core.TaskFailed, core.ReasonChecksumMismatch, cos.NewErrDataCksum(&rec.Cksum, actual, rec.SourceURL)
	}
	if err := cos.Rename(tmp, rec.FQN); err != nil {
		cos.RemoveFile(tmp)
		return core.TaskFailed, core.ReasonDisk, err
	}
	return core.TaskComplete, core.ReasonNone, nil
}

func (p *Processor) present(rec *taskRecord) bool {
	if _, err := os.Stat(rec.FQN); err != nil {
		return false
	}
	cksum, _, err := cos.ChecksumFile(rec.FQN, rec.Cksum.Type)
	if err != nil {
		nlog.Warningln("failed to checksum existing", rec.FQN+":", err)
		return false
	}
	if cksum.Equal(&rec.Cksum) {
		return true
	}
	nlog.Warningf("%s exists with %s (expected %s), replacing", rec.FQN, cksum, &rec.Cksum)
	return false
}

func (r *srcReader) Read(b []byte) (n int, err error) {
	n, err = r.r.Read(b)
	if err != nil && err != io.EOF {
		r.err = err
	}
	return
}
