// Package agent_test tests the transfer processor and its HTTP surface
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package agent_test

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/rebalancer/agent"
	"github.com/NVIDIA/rebalancer/cmn"
	"github.com/NVIDIA/rebalancer/cmn/cos"
	"github.com/NVIDIA/rebalancer/cmn/kvdb"
	"github.com/NVIDIA/rebalancer/core"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// source is a peer storage node serving object content.
type source struct {
	srv     *httptest.Server
	objs    map[string]string
	hits    map[string]int
	gate    chan struct{} // when set, downloads block until closed
	started chan struct{}
	mu      sync.Mutex
}

func newSource() *source {
	s := &source{objs: make(map[string]string), hits: make(map[string]int)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

func (s *source) serve(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.hits[r.URL.Path]++
	body, ok := s.objs[r.URL.Path]
	gate, started := s.gate, s.started
	s.mu.Unlock()
	if gate != nil {
		if started != nil {
			select {
			case started <- struct{}{}:
			default:
			}
		}
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Write([]byte(body))
}

func (s *source) put(owner, id, body string) {
	s.mu.Lock()
	s.objs["/"+owner+"/"+id] = body
	s.mu.Unlock()
}

func (s *source) hitsOf(owner, id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits["/"+owner+"/"+id]
}

func (s *source) task(owner, id, body string) *core.Task {
	return &core.Task{
		ObjectID:  id,
		Owner:     owner,
		Source:    core.Replica{StorageID: "1.stor", Datacenter: "dc1"},
		SourceURL: s.srv.URL + "/" + owner + "/" + id,
		Cksum:     *md5sum(body),
		Size:      int64(len(body)),
	}
}

func md5sum(body string) *cos.Cksum {
	ckh := cos.NewCksumHash(cos.ChecksumMD5)
	ckh.H.Write([]byte(body))
	ckh.Finalize()
	return ckh.Clone()
}

// failingDB fails task writes on demand
type failingDB struct {
	*kvdb.DBMock
	failTasks atomic.Bool
}

func (db *failingDB) Set(collection, key string, object any) error {
	if collection == "task" && db.failTasks.Load() {
		return errors.New("disk I/O error")
	}
	return db.DBMock.Set(collection, key, object)
}

func newConfig(root string, maxAsgns int) *cmn.ConfigOwner[cmn.AgentConfig] {
	return cmn.NewConfigOwner(&cmn.AgentConfig{
		Root:            root,
		DBPath:          filepath.Join(root, "agent.db"),
		StorageID:       "2.stor",
		Datacenter:      "dc2",
		MaxDownloads:    4,
		MaxAssignments:  maxAsgns,
		DownloadTimeout: cos.Duration(10 * time.Second),
	}, "")
}

func payload(id string, tasks ...*core.Task) *core.AsgnPayload {
	return &core.AsgnPayload{ID: id, JobID: "job-1", Version: core.AsgnVersion, Tasks: tasks}
}

func waitComplete(p *agent.Processor, id string) *core.AsgnStatus {
	var status *core.AsgnStatus
	Eventually(func() core.AgentState {
		var err error
		status, err = p.Status(id)
		Expect(err).NotTo(HaveOccurred())
		return status.State
	}, 10*time.Second, 10*time.Millisecond).Should(Equal(core.AgentComplete))
	return status
}

var _ = Describe("Processor", func() {
	var (
		root string
		src  *source
		db   *kvdb.DBMock
		p    *agent.Processor
	)

	BeforeEach(func() {
		root = GinkgoT().TempDir()
		src = newSource()
		db = kvdb.NewDBMock()
		p = agent.NewProcessor(newConfig(root, 2), db, nil)
		Expect(p.Init()).To(Succeed())
		Expect(p.Ready()).To(BeTrue())
	})

	AfterEach(func() {
		p.Stop()
		src.srv.Close()
	})

	It("should download, verify, and rename into place", func() {
		src.put("acct", "obj-1", "hello world")
		src.put("acct", "obj-2", "")

		status, err := p.Assign(payload("a1", src.task("acct", "obj-1", "hello world"), src.task("acct", "obj-2", "")))
		Expect(err).NotTo(HaveOccurred())
		Expect(status.State).To(Equal(core.AgentScheduled))

		status = waitComplete(p, "a1")
		Expect(status.Tasks).To(HaveLen(2))
		for _, t := range status.Tasks {
			Expect(t.Status).To(Equal(core.TaskComplete), t.Err)
		}
		b, err := os.ReadFile(core.FQN(root, "acct", "obj-1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(b)).To(Equal("hello world"))
		Expect(core.TmpFQN(core.FQN(root, "acct", "obj-1"))).NotTo(BeAnExistingFile())
	})

	It("should skip objects already present with a matching checksum", func() {
		fqn := core.FQN(root, "acct", "obj-1")
		Expect(os.MkdirAll(filepath.Dir(fqn), 0o750)).To(Succeed())
		Expect(os.WriteFile(fqn, []byte("payload"), 0o640)).To(Succeed())

		_, err := p.Assign(payload("a1", src.task("acct", "obj-1", "payload")))
		Expect(err).NotTo(HaveOccurred())
		status := waitComplete(p, "a1")
		Expect(status.Tasks[0].Status).To(Equal(core.TaskSkipped))
		Expect(status.Tasks[0].Status.Succeeded()).To(BeTrue())
		Expect(src.hitsOf("acct", "obj-1")).To(BeZero())
	})

	It("should replace an existing file whose checksum differs", func() {
		fqn := core.FQN(root, "acct", "obj-1")
		Expect(os.MkdirAll(filepath.Dir(fqn), 0o750)).To(Succeed())
		Expect(os.WriteFile(fqn, []byte("stale"), 0o640)).To(Succeed())
		src.put("acct", "obj-1", "fresh")

		_, err := p.Assign(payload("a1", src.task("acct", "obj-1", "fresh")))
		Expect(err).NotTo(HaveOccurred())
		status := waitComplete(p, "a1")
		Expect(status.Tasks[0].Status).To(Equal(core.TaskComplete))
		b, _ := os.ReadFile(fqn)
		Expect(string(b)).To(Equal("fresh"))
	})

	It("should fail with checksum-mismatch and leave nothing behind", func() {
		src.put("acct", "obj-1", "corrupted")
		task := src.task("acct", "obj-1", "corrupted")
		task.Cksum = *md5sum("original")

		_, err := p.Assign(payload("a1", task))
		Expect(err).NotTo(HaveOccurred())
		status := waitComplete(p, "a1")
		Expect(status.Tasks[0].Status).To(Equal(core.TaskFailed))
		Expect(status.Tasks[0].Reason).To(Equal(core.ReasonChecksumMismatch))
		Expect(status.Tasks[0].Err).To(ContainSubstring("BAD DATA CHECKSUM"))

		fqn := core.FQN(root, "acct", "obj-1")
		Expect(fqn).NotTo(BeAnExistingFile())
		Expect(core.TmpFQN(fqn)).NotTo(BeAnExistingFile())
	})

	It("should report network failures", func() {
		_, err := p.Assign(payload("a1", src.task("acct", "missing", "x")))
		Expect(err).NotTo(HaveOccurred())
		status := waitComplete(p, "a1")
		Expect(status.Tasks[0].Status).To(Equal(core.TaskFailed))
		Expect(status.Tasks[0].Reason).To(Equal(core.ReasonNetwork))
	})

	It("should not redo work when the same assignment is posted again", func() {
		src.put("acct", "obj-1", "data")
		pl := payload("a1", src.task("acct", "obj-1", "data"))

		_, err := p.Assign(pl)
		Expect(err).NotTo(HaveOccurred())
		waitComplete(p, "a1")

		status, err := p.Assign(pl)
		Expect(err).NotTo(HaveOccurred())
		Expect(status.State).To(Equal(core.AgentComplete))
		Expect(status.Tasks).To(HaveLen(1))
		Consistently(func() int { return src.hitsOf("acct", "obj-1") }, 200*time.Millisecond).Should(Equal(1))
	})

	It("should not let two assignments of the same object overwrite each other", func() {
		body := strings.Repeat("0123456789abcdef", 64*1024)
		src.put("acct", "obj-1", body)
		gate := make(chan struct{})
		src.mu.Lock()
		src.gate, src.started = gate, make(chan struct{}, 1)
		src.mu.Unlock()

		_, err := p.Assign(payload("a1", src.task("acct", "obj-1", body)))
		Expect(err).NotTo(HaveOccurred())
		Eventually(src.started, 5*time.Second).Should(Receive())

		// a2 waits for a1 instead of downloading into the same temporary file
		_, err = p.Assign(payload("a2", src.task("acct", "obj-1", body)))
		Expect(err).NotTo(HaveOccurred())
		Consistently(func() int { return src.hitsOf("acct", "obj-1") }, 100*time.Millisecond).Should(Equal(1))

		close(gate)
		s1, s2 := waitComplete(p, "a1"), waitComplete(p, "a2")
		Expect(s1.Tasks[0].Status).To(Equal(core.TaskComplete), s1.Tasks[0].Err)
		Expect(s2.Tasks[0].Status).To(Equal(core.TaskSkipped), s2.Tasks[0].Err)
		Expect(src.hitsOf("acct", "obj-1")).To(Equal(1))

		b, err := os.ReadFile(core.FQN(root, "acct", "obj-1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(bytes.Equal(b, []byte(body))).To(BeTrue())
	})

	It("should complete an assignment whose task outcome cannot be persisted", func() {
		fdb := &failingDB{DBMock: kvdb.NewDBMock()}
		pf := agent.NewProcessor(newConfig(GinkgoT().TempDir(), 2), fdb, nil)
		Expect(pf.Init()).To(Succeed())
		defer pf.Stop()

		src.put("acct", "obj-1", "data")
		fdb.failTasks.Store(true)
		_, err := pf.Assign(payload("f1", src.task("acct", "obj-1", "data")))
		Expect(err).NotTo(HaveOccurred())

		status := waitComplete(pf, "f1")
		Expect(status.Tasks).To(HaveLen(1))
		Expect(status.Tasks[0].Status).To(Equal(core.TaskFailed))
		Expect(status.Tasks[0].Reason).To(Equal(core.ReasonDisk))
		fdb.failTasks.Store(false)
		Expect(pf.Ack("f1")).To(Succeed())
	})

	It("should reject invalid payloads", func() {
		_, err := p.Assign(payload("a1"))
		Expect(err).To(MatchError(core.ErrInvalidPayload))

		pl := payload("a2", src.task("acct", "obj-1", "x"))
		pl.Version = core.AsgnVersion + 1
		_, err = p.Assign(pl)
		Expect(err).To(MatchError(core.ErrInvalidPayload))

		_, err = p.Assign(payload("a3", src.task("..", "obj-1", "x")))
		Expect(err).To(MatchError(core.ErrInvalidPayload))
	})

	It("should refuse new assignments when at capacity", func() {
		src.put("acct", "obj-1", "1")
		src.put("acct", "obj-2", "2")
		src.put("acct", "obj-3", "3")
		_, err := p.Assign(payload("a1", src.task("acct", "obj-1", "1")))
		Expect(err).NotTo(HaveOccurred())
		_, err = p.Assign(payload("a2", src.task("acct", "obj-2", "2")))
		Expect(err).NotTo(HaveOccurred())

		_, err = p.Assign(payload("a3", src.task("acct", "obj-3", "3")))
		Expect(err).To(MatchError(core.ErrAgentBusy))

		// acknowledging frees a slot
		waitComplete(p, "a1")
		Expect(p.Ack("a1")).To(Succeed())
		_, err = p.Assign(payload("a3", src.task("acct", "obj-3", "3")))
		Expect(err).NotTo(HaveOccurred())
	})

	It("should acknowledge only completed assignments", func() {
		src.put("acct", "obj-1", "data")
		gate := make(chan struct{})
		src.mu.Lock()
		src.gate = gate
		src.mu.Unlock()
		_, err := p.Assign(payload("a1", src.task("acct", "obj-1", "data")))
		Expect(err).NotTo(HaveOccurred())
		Expect(p.Ack("a1")).To(MatchError(agent.ErrAsgnRunning))

		close(gate)
		waitComplete(p, "a1")
		Expect(p.Ack("a1")).To(Succeed())
		_, err = p.Status("a1")
		Expect(err).To(MatchError(core.ErrAsgnNotFound))
		Expect(p.Ack("a1")).To(MatchError(core.ErrAsgnNotFound))
		Expect(p.Pending()).To(BeZero())
	})

	It("should resume interrupted tasks and remove partial downloads on restart", func() {
		src.put("acct", "obj-1", "resumed")
		src.mu.Lock()
		src.gate, src.started = make(chan struct{}), make(chan struct{}, 1)
		src.mu.Unlock()

		_, err := p.Assign(payload("a1", src.task("acct", "obj-1", "resumed")))
		Expect(err).NotTo(HaveOccurred())
		Eventually(src.started, 5*time.Second).Should(Receive())
		p.Stop()

		status, err := p.Status("a1")
		Expect(err).NotTo(HaveOccurred())
		Expect(status.State).NotTo(Equal(core.AgentComplete))

		// leftover from a crash mid-download
		partial := core.TmpFQN(core.FQN(root, "acct", "obj-9"))
		Expect(os.MkdirAll(filepath.Dir(partial), 0o750)).To(Succeed())
		Expect(os.WriteFile(partial, []byte("partial"), 0o640)).To(Succeed())

		src.mu.Lock()
		src.gate = nil
		src.mu.Unlock()

		p = agent.NewProcessor(newConfig(root, 2), db, nil)
		Expect(p.Init()).To(Succeed())
		Expect(partial).NotTo(BeAnExistingFile())

		// Init returns after resumed tasks are done
		status, err = p.Status("a1")
		Expect(err).NotTo(HaveOccurred())
		Expect(status.State).To(Equal(core.AgentComplete))
		Expect(status.Tasks[0].Status).To(Equal(core.TaskComplete))
		b, err := os.ReadFile(core.FQN(root, "acct", "obj-1"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(b)).To(Equal("resumed"))
	})

	It("should persist across a durable store reopen", func() {
		dbpath := filepath.Join(root, "agent.db")
		bdb, err := kvdb.NewBuntDB(dbpath)
		Expect(err).NotTo(HaveOccurred())
		pb := agent.NewProcessor(newConfig(root, 4), bdb, nil)
		Expect(pb.Init()).To(Succeed())

		src.put("acct", "obj-1", "durable")
		_, err = pb.Assign(payload("b1", src.task("acct", "obj-1", "durable")))
		Expect(err).NotTo(HaveOccurred())
		waitComplete(pb, "b1")
		pb.Stop()
		Expect(bdb.Close()).To(Succeed())

		bdb, err = kvdb.NewBuntDB(dbpath)
		Expect(err).NotTo(HaveOccurred())
		defer bdb.Close()
		pb = agent.NewProcessor(newConfig(root, 4), bdb, nil)
		Expect(pb.Init()).To(Succeed())
		defer pb.Stop()
		status, err := pb.Status("b1")
		Expect(err).NotTo(HaveOccurred())
		Expect(status.State).To(Equal(core.AgentComplete))
		Expect(pb.Pending()).To(Equal(1))

		// re-posted after the restart: answered from the store
		status, err = pb.Assign(payload("b1", src.task("acct", "obj-1", "durable")))
		Expect(err).NotTo(HaveOccurred())
		Expect(status.State).To(Equal(core.AgentComplete))
		Expect(src.hitsOf("acct", "obj-1")).To(Equal(1))
		Expect(pb.Pending()).To(Equal(1))
	})

	It("should serve stored objects", func() {
		fqn := core.FQN(root, "acct", "obj 1")
		Expect(os.MkdirAll(filepath.Dir(fqn), 0o750)).To(Succeed())
		Expect(os.WriteFile(fqn, []byte("content"), 0o640)).To(Succeed())

		fh, finfo, err := p.OpenObject("acct", "obj 1")
		Expect(err).NotTo(HaveOccurred())
		fh.Close()
		Expect(finfo.Size()).To(BeEquivalentTo(len("content")))

		_, _, err = p.OpenObject("acct", "../etc")
		Expect(err).To(HaveOccurred())
		_, _, err = p.OpenObject("acct", "nope")
		Expect(os.IsNotExist(err)).To(BeTrue())
	})

	It("should report capacity of the object root", func() {
		info, err := p.Capacity()
		Expect(err).NotTo(HaveOccurred())
		Expect(info.StorageID).To(Equal("2.stor"))
		Expect(info.TotalBytes).To(BeNumerically(">", 0))
		Expect(info.UsedBytes).To(BeNumerically("<=", info.TotalBytes))
	})

	It("should honor the hot-reloaded download timeout", func() {
		co := newConfig(root, 2)
		pt := agent.NewProcessor(co, kvdb.NewDBMock(), nil)
		Expect(pt.Init()).To(Succeed())
		defer pt.Stop()

		conf := *co.Get()
		conf.DownloadTimeout = cos.Duration(50 * time.Millisecond)
		co.Put(&conf)

		src.put("acct", "slow", "x")
		gate := make(chan struct{})
		src.mu.Lock()
		src.gate = gate
		src.mu.Unlock()
		defer close(gate)

		_, err := pt.Assign(payload("t1", src.task("acct", "slow", "x")))
		Expect(err).NotTo(HaveOccurred())
		status := waitComplete(pt, "t1")
		Expect(status.Tasks[0].Reason).To(Equal(core.ReasonNetwork))
		Expect(strings.ToLower(status.Tasks[0].Err)).To(ContainSubstring("deadline"))
	})
})
