// Package reb_test tests the shark evacuation job end to end
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package reb_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/NVIDIA/rebalancer/api/apc"
	"github.com/NVIDIA/rebalancer/cmn"
	"github.com/NVIDIA/rebalancer/cmn/cos"
	"github.com/NVIDIA/rebalancer/core"
	"github.com/NVIDIA/rebalancer/core/mock"
	"github.com/NVIDIA/rebalancer/jobdb"
	"github.com/NVIDIA/rebalancer/reb"
	"github.com/NVIDIA/rebalancer/stats"
	"github.com/NVIDIA/rebalancer/xact/xreg"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

const (
	srcShark = "1.stor"
	srcDC    = "dc1"
	gib      = int64(1 << 30)
)

type env struct {
	db   *jobdb.Mem
	feed *mock.FeedMock
	pl   *mock.PlacementMock
	md   *mock.MdMock
	ag   *mock.AgentMock
	reg  *xreg.Registry
	st   *stats.Mgr
	conf cmn.EvacuateConf
}

func newEnv(nodes ...*core.StorageNode) *env {
	return &env{
		db:   jobdb.NewMem(),
		feed: mock.NewFeedMock(),
		pl:   mock.NewPlacementMock(nodes...),
		md:   mock.NewMdMock(),
		ag:   mock.NewAgentMock(),
		reg:  xreg.New(),
		st:   stats.NewMgr(),
		conf: cmn.EvacuateConf{
			SourceURLFmt:          "http://%s/objects/%s/%s",
			MaxAssignmentAge:      cos.Duration(20 * time.Millisecond),
			PollInterval:          cos.Duration(5 * time.Millisecond),
			RefreshInterval:       cos.Duration(time.Hour),
			MaxTasksPerAssignment: 2,
			MaxAgentFailures:      2,
			MaxPosters:            2,
		},
	}
}

func node(id, dc string, total, used int64) *core.StorageNode {
	return &core.StorageNode{ID: id, Datacenter: dc, TotalBytes: total, UsedBytes: used}
}

// obj resides on the source and one more node; it is also registered in the md store
func (e *env) obj(id string, size int64) *core.EvacObj {
	o := &core.EvacObj{
		ID:     id,
		Owner:  "acct",
		Cksum:  cos.Cksum{Type: cos.ChecksumMD5, Value: "md5-" + id},
		Size:   size,
		Sharks: []core.Replica{{Datacenter: srcDC, StorageID: srcShark}, {Datacenter: "dc4", StorageID: "4.stor"}},
	}
	e.md.Put(&core.ObjectMeta{ID: o.ID, Owner: o.Owner, Cksum: o.Cksum, Size: o.Size, Sharks: o.Sharks})
	e.feed.Objs = append(e.feed.Objs, o)
	return o
}

func (e *env) newJob(params core.JobParams, sourceJobID string) *reb.Job {
	params.FromShark = srcShark
	rec := &core.Job{
		ID:          cos.GenJobID(),
		Action:      core.ActEvacuate,
		State:       core.JobInit,
		SourceJobID: sourceJobID,
		Params:      params,
	}
	Expect(e.db.CreateJob(context.Background(), rec)).To(Succeed())
	args := &reb.Args{
		Job:       rec,
		Store:     e.db,
		Feed:      e.feed,
		Placement: e.pl,
		Md:        e.md,
		Agents:    e.ag,
		Reg:       e.reg,
		Stats:     e.st,
		Conf:      e.conf,
	}
	if sourceJobID != "" {
		args.Feed = nil
	}
	j, err := reb.NewJob(args)
	Expect(err).NotTo(HaveOccurred())
	return j
}

// run drives the job to completion and returns its persisted record.
func (e *env) run(j *reb.Job) *core.Job {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	j.Run(ctx) //nolint:errcheck // outcome is checked via the persisted record
	rec, err := e.db.GetJob(context.Background(), j.ID())
	Expect(err).NotTo(HaveOccurred())
	Expect(rec.State.IsTerminal()).To(BeTrue())
	Expect(e.reg.IsRunning(j.ID())).To(BeFalse())

	cnt := rec.Counters
	Expect(cnt.Total).To(Equal(cnt.Processed + cnt.Skipped + cnt.Errors))
	Expect(cnt.Duplicates).To(BeNumerically("<=", cnt.Skipped))
	Expect(j.Counters()).To(Equal(cnt))
	return rec
}

func (e *env) object(jobID, id string) *core.EvacObj {
	obj, err := e.db.GetObject(context.Background(), jobID, id)
	Expect(err).NotTo(HaveOccurred())
	return obj
}

func (e *env) replicas(id string) []string {
	meta, err := e.md.Get(context.Background(), id)
	Expect(err).NotTo(HaveOccurred())
	ids := make([]string, 0, len(meta.Sharks))
	for _, r := range meta.Sharks {
		ids = append(ids, r.StorageID)
	}
	return ids
}

var _ = Describe("Evacuation", func() {
	var e *env

	Describe("destination selection", func() {
		It("should skip nodes over the max fill percentage", func() {
			e = newEnv(
				node(srcShark, srcDC, 100*gib, 50*gib),
				node("2.stor", "dc2", 100*gib, 95*gib),
				node("3.stor", "dc3", 100*gib, 10*gib),
			)
			for i := range 3 {
				e.obj(fmt.Sprintf("o%d", i), 1024)
			}
			j := e.newJob(core.JobParams{MaxFillPercentage: 90}, "")
			rec := e.run(j)

			Expect(rec.State).To(Equal(core.JobComplete))
			Expect(rec.Counters).To(Equal(core.Counters{Total: 3, Processed: 3}))
			for i := range 3 {
				id := fmt.Sprintf("o%d", i)
				obj := e.object(j.ID(), id)
				Expect(obj.Status).To(Equal(core.ObjComplete))
				Expect(obj.DestShark).To(Equal("3.stor"))
				Expect(e.replicas(id)).To(ConsistOf("3.stor", "4.stor"))
			}
			Expect(e.md.Updates.Load()).To(BeEquivalentTo(3))
			// 3 objects, at most 2 per assignment
			Expect(e.ag.Acked()).To(Equal(2))
		})

		It("should prefer a datacenter that holds no replica", func() {
			e = newEnv(
				node("2.stor", "dc2", 100*gib, 60*gib),
				node("5.stor", "dc4", 100*gib, 0),
			)
			e.obj("o1", 1024)
			j := e.newJob(core.JobParams{}, "")
			Expect(e.run(j).State).To(Equal(core.JobComplete))
			Expect(e.object(j.ID(), "o1").DestShark).To(Equal("2.stor"))
		})

		It("should never choose a node that already holds a replica", func() {
			e = newEnv(node("4.stor", "dc4", 100*gib, 0))
			e.obj("o1", 1024)
			j := e.newJob(core.JobParams{}, "")
			rec := e.run(j)
			Expect(rec.State).To(Equal(core.JobComplete))
			Expect(rec.Counters.Errors).To(BeEquivalentTo(1))
			obj := e.object(j.ID(), "o1")
			Expect(obj.Status).To(Equal(core.ObjError))
			Expect(obj.Reason).To(Equal(core.ReasonNoDestination))
		})

		It("should fail objects that fit nowhere", func() {
			e = newEnv(node("2.stor", "dc2", 100*gib, 89*gib))
			e.obj("small", 1024)
			e.obj("huge", 2*gib)
			j := e.newJob(core.JobParams{}, "")
			rec := e.run(j)
			Expect(rec.State).To(Equal(core.JobComplete))
			Expect(rec.Counters).To(Equal(core.Counters{Total: 2, Processed: 1, Errors: 1}))
			Expect(e.object(j.ID(), "huge").Reason).To(Equal(core.ReasonNoDestination))
		})

		It("should fail the job when all datacenters are blacklisted", func() {
			e = newEnv(node("2.stor", "dc2", 100*gib, 0), node("3.stor", "dc3", 100*gib, 0))
			e.obj("o1", 1024)
			j := e.newJob(core.JobParams{DCBlacklist: []string{"dc2", "dc3"}}, "")
			rec := e.run(j)
			Expect(rec.State).To(Equal(core.JobFailed))
			Expect(rec.Err).To(ContainSubstring(core.ErrNoCandidates.Error()))
			Expect(rec.Counters.IsZero()).To(BeTrue())
		})

		It("should fail the job when placement is unavailable", func() {
			e = newEnv()
			e.pl.SetErr(errors.New("placement down"))
			rec := e.run(e.newJob(core.JobParams{}, ""))
			Expect(rec.State).To(Equal(core.JobFailed))
			Expect(rec.Err).To(ContainSubstring("placement down"))
		})
	})

	Describe("discovery", func() {
		BeforeEach(func() {
			e = newEnv(node("2.stor", "dc2", 100*gib, 0))
		})

		It("should record duplicate sightings and skip them", func() {
			o1 := e.obj("o1", 10)
			e.obj("o2", 20)
			e.feed.Objs = append(e.feed.Objs, o1)
			j := e.newJob(core.JobParams{}, "")
			rec := e.run(j)

			Expect(rec.State).To(Equal(core.JobComplete))
			Expect(rec.Counters).To(Equal(core.Counters{Total: 3, Processed: 2, Skipped: 1, Duplicates: 1}))
			dups, err := e.db.ListDuplicates(context.Background(), j.ID())
			Expect(err).NotTo(HaveOccurred())
			Expect(dups).To(HaveLen(1))
			Expect(dups[0].ObjectID).To(Equal("o1"))
			Expect(e.ag.Posted("o1")).To(Equal(1))
		})

		It("should skip bad records", func() {
			e.obj("o1", 10)
			bad := e.obj("o2", 10)
			bad.Cksum = cos.Cksum{}
			rec := e.run(e.newJob(core.JobParams{}, ""))
			Expect(rec.State).To(Equal(core.JobComplete))
			Expect(rec.Counters).To(Equal(core.Counters{Total: 2, Processed: 1, Skipped: 1}))
		})

		It("should stop after max objects", func() {
			for i := range 10 {
				e.obj(fmt.Sprintf("o%02d", i), 10)
			}
			rec := e.run(e.newJob(core.JobParams{MaxObjects: 4}, ""))
			Expect(rec.State).To(Equal(core.JobComplete))
			Expect(rec.Counters.Total).To(BeEquivalentTo(4))
		})

		It("should fail the job on a broken feed and still finish what was discovered", func() {
			e.obj("o1", 10)
			e.feed.Err = errors.New("scan broken")
			j := e.newJob(core.JobParams{}, "")
			rec := e.run(j)
			Expect(rec.State).To(Equal(core.JobFailed))
			Expect(rec.Err).To(ContainSubstring("scan broken"))
			Expect(e.object(j.ID(), "o1").Status).To(Equal(core.ObjComplete))
		})

		It("should fail the job when discovery panics", func() {
			e.obj("o1", 10)
			e.feed.Panic = "boom"
			rec := e.run(e.newJob(core.JobParams{}, ""))
			Expect(rec.State).To(Equal(core.JobFailed))
			Expect(rec.Err).To(ContainSubstring("boom"))
		})
	})

	Describe("assignments", func() {
		BeforeEach(func() {
			e = newEnv(node("2.stor", "dc2", 100*gib, 0))
			for i := range 3 {
				e.obj(fmt.Sprintf("o%d", i), 10)
			}
		})

		DescribeTable("should fail the objects of an assignment the agent did not complete",
			func(setup func(), reason core.Reason, state core.AsgnState) {
				setup()
				j := e.newJob(core.JobParams{}, "")
				rec := e.run(j)
				Expect(rec.State).To(Equal(core.JobComplete))
				Expect(rec.Counters).To(Equal(core.Counters{Total: 3, Errors: 3}))
				for i := range 3 {
					obj := e.object(j.ID(), fmt.Sprintf("o%d", i))
					Expect(obj.Status).To(Equal(core.ObjError))
					Expect(obj.Reason).To(Equal(reason))
				}
				asgns, err := e.db.ListAssignments(context.Background(), j.ID())
				Expect(err).NotTo(HaveOccurred())
				Expect(asgns).NotTo(BeEmpty())
				for _, a := range asgns {
					Expect(a.State).To(Equal(state))
				}
				Expect(e.md.Updates.Load()).To(BeZero())
			},
			Entry("rejected", func() { e.ag.Reject("2.stor") }, core.ReasonRejected, core.AsgnRejected),
			Entry("unreachable", func() { e.ag.Down("2.stor") }, core.ReasonAgentUnavailable, core.AsgnAgentUnavailable),
		)

		It("should record per-task failures reported by the agent", func() {
			e.ag.FailTask = func(t *core.Task) core.Reason {
				if t.ObjectID == "o1" {
					return core.ReasonChecksumMismatch
				}
				return core.ReasonNone
			}
			e.ag.PendingPolls = 2
			j := e.newJob(core.JobParams{}, "")
			rec := e.run(j)
			Expect(rec.State).To(Equal(core.JobComplete))
			Expect(rec.Counters).To(Equal(core.Counters{Total: 3, Processed: 2, Errors: 1}))
			obj := e.object(j.ID(), "o1")
			Expect(obj.Reason).To(Equal(core.ReasonChecksumMismatch))
			Expect(e.replicas("o1")).To(ContainElement(srcShark))
		})

		It("should route all tasks to the source replica URL", func() {
			var (
				mu   sync.Mutex
				urls = make(map[string]string, 3)
			)
			e.ag.FailTask = func(t *core.Task) core.Reason {
				mu.Lock()
				urls[t.ObjectID] = t.SourceURL + " " + t.Source.StorageID
				mu.Unlock()
				return core.ReasonNone
			}
			Expect(e.run(e.newJob(core.JobParams{}, "")).State).To(Equal(core.JobComplete))
			mu.Lock()
			defer mu.Unlock()
			Expect(urls).To(HaveLen(3))
			for id, u := range urls {
				Expect(u).To(Equal("http://" + srcShark + "/objects/acct/" + id + " " + srcShark))
			}
		})
	})

	Describe("metadata updates", func() {
		BeforeEach(func() {
			e = newEnv(node("2.stor", "dc2", 100*gib, 0))
		})

		It("should classify vanished objects", func() {
			e.obj("o1", 10)
			e.obj("o2", 10)
			e.md.Delete("o2")
			j := e.newJob(core.JobParams{}, "")
			rec := e.run(j)
			Expect(rec.State).To(Equal(core.JobComplete))
			Expect(e.object(j.ID(), "o2").Reason).To(Equal(core.ReasonObjectGone))
		})

		It("should fail the job when the metadata store is unreachable", func() {
			e.obj("o1", 10)
			e.md.SetUnreachable(true)
			j := e.newJob(core.JobParams{}, "")
			rec := e.run(j)
			Expect(rec.State).To(Equal(core.JobFailed))
			Expect(rec.Err).To(ContainSubstring(core.ErrMdUnreachable.Error()))
			obj := e.object(j.ID(), "o1")
			Expect(obj.Status).To(Equal(core.ObjError))
			Expect(obj.Reason).To(Equal(core.ReasonMdUpdate))
		})
	})

	Describe("control", func() {
		BeforeEach(func() {
			e = newEnv(node("2.stor", "dc2", 100*gib, 0))
			e.obj("o1", 10)
			e.ag.PendingPolls = 1 << 30 // never completes
		})

		It("should apply md concurrency updates while running and abort on request", func() {
			j := e.newJob(core.JobParams{MdUpdateConcurrency: 4}, "")
			Expect(j.MdConcurrency()).To(Equal(4))
			done := make(chan error, 1)
			go func() { done <- j.Run(context.Background()) }()

			Eventually(func() int { return e.ag.Posted("o1") }).Should(Equal(1))
			Expect(e.reg.Send(j.ID(), xreg.CtlMsg{Action: apc.ActSetMdConcurrency, Value: 250})).To(Succeed())
			Eventually(j.MdConcurrency).Should(Equal(250))

			for _, n := range []int{0, 251} {
				Expect(e.reg.Send(j.ID(), xreg.CtlMsg{Action: apc.ActSetMdConcurrency, Value: n})).To(Succeed())
			}
			Consistently(j.MdConcurrency, 50*time.Millisecond).Should(Equal(250))

			j.Abort(nil)
			Eventually(done, 10*time.Second).Should(Receive())
			rec, err := e.db.GetJob(context.Background(), j.ID())
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.State).To(Equal(core.JobFailed))
			Expect(rec.Err).To(ContainSubstring("aborted"))
			Expect(e.reg.IsRunning(j.ID())).To(BeFalse())
			// interrupted objects remain retryable
			Expect(e.object(j.ID(), "o1").Status).To(Equal(core.ObjAssigned))
		})

		It("should fail on shutdown", func() {
			j := e.newJob(core.JobParams{}, "")
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- j.Run(ctx) }()
			Eventually(func() int { return e.ag.Posted("o1") }).Should(Equal(1))
			cancel()
			Eventually(done, 10*time.Second).Should(Receive())
			rec, err := e.db.GetJob(context.Background(), j.ID())
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.State).To(Equal(core.JobFailed))
		})

		It("should refuse to run while snaplink cleanup is required", func() {
			e.conf.SnaplinkCleanupRequired = true
			rec := e.run(e.newJob(core.JobParams{}, ""))
			Expect(rec.State).To(Equal(core.JobFailed))
			Expect(rec.Err).To(ContainSubstring(core.ErrSnaplinkCleanup.Error()))
			Expect(e.ag.Posted("o1")).To(BeZero())
		})

		It("should not register the same job twice", func() {
			j := e.newJob(core.JobParams{}, "")
			_, err := reb.NewJob(&reb.Args{Job: j.Record(), Reg: e.reg})
			Expect(err).To(MatchError(xreg.ErrDuplicate))
			e.reg.Unregister(j.ID())
		})
	})

	Describe("retry", func() {
		It("should replay only the objects that did not complete", func() {
			e = newEnv(node("2.stor", "dc2", 100*gib, 0))
			e.obj("o1", 10)
			e.obj("o2", 10)
			e.ag.FailTask = func(t *core.Task) core.Reason {
				if t.ObjectID == "o2" {
					return core.ReasonNetwork
				}
				return core.ReasonNone
			}
			first := e.newJob(core.JobParams{}, "")
			rec := e.run(first)
			Expect(rec.Counters).To(Equal(core.Counters{Total: 2, Processed: 1, Errors: 1}))

			e.ag.FailTask = nil
			retry := e.newJob(rec.Params, first.ID())
			rec2 := e.run(retry)
			Expect(rec2.State).To(Equal(core.JobComplete))
			Expect(rec2.SourceJobID).To(Equal(first.ID()))
			Expect(rec2.Counters).To(Equal(core.Counters{Total: 1, Processed: 1}))
			Expect(e.ag.Posted("o1")).To(Equal(1))
			Expect(e.ag.Posted("o2")).To(Equal(2))
			Expect(e.replicas("o2")).To(ConsistOf("2.stor", "4.stor"))
		})

		It("should complete objects whose metadata update already went through", func() {
			e = newEnv(node("2.stor", "dc2", 100*gib, 0))
			o1 := e.obj("o1", 10)
			e.md.SetUnreachable(true)
			first := e.newJob(core.JobParams{}, "")
			rec := e.run(first)
			Expect(rec.State).To(Equal(core.JobFailed))
			Expect(e.object(first.ID(), "o1").Reason).To(Equal(core.ReasonMdUpdate))

			// the swap landed even though the reply was lost
			e.md.SetUnreachable(false)
			_, err := e.md.ReplaceReplica(context.Background(), "o1", o1.Sharks[0],
				core.Replica{Datacenter: "dc2", StorageID: "2.stor"})
			Expect(err).NotTo(HaveOccurred())

			retry := e.newJob(rec.Params, first.ID())
			rec2 := e.run(retry)
			Expect(rec2.State).To(Equal(core.JobComplete))
			Expect(rec2.Counters).To(Equal(core.Counters{Total: 1, Processed: 1}))
			Expect(e.object(retry.ID(), "o1").Status).To(Equal(core.ObjComplete))
			Expect(e.replicas("o1")).To(ConsistOf("2.stor", "4.stor"))
			Expect(e.md.Updates.Load()).To(BeEquivalentTo(1))
		})
	})
})
