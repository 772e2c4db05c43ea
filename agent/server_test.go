// Package agent_test tests the transfer processor and its HTTP surface
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package agent_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/NVIDIA/rebalancer/agent"
	"github.com/NVIDIA/rebalancer/api"
	"github.com/NVIDIA/rebalancer/api/apc"
	"github.com/NVIDIA/rebalancer/cmn"
	"github.com/NVIDIA/rebalancer/cmn/kvdb"
	"github.com/NVIDIA/rebalancer/core"
	"github.com/NVIDIA/rebalancer/stats"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Server", func() {
	var (
		ctx  = context.Background()
		root string
		src  *source
		p    *agent.Processor
		srv  *httptest.Server
		node *core.StorageNode
		ac   *api.AgentClient
	)

	BeforeEach(func() {
		root = GinkgoT().TempDir()
		src = newSource()
		st := stats.NewAgent()
		p = agent.NewProcessor(newConfig(root, 4), kvdb.NewDBMock(), st)
		srv = httptest.NewServer(agent.NewServer(p, st, "").Handler())
		node = &core.StorageNode{ID: "2.stor", Datacenter: "dc2", URL: srv.URL}
		ac = api.NewAgentClient(5*time.Second, 0)
	})

	AfterEach(func() {
		p.Stop()
		srv.Close()
		src.srv.Close()
	})

	It("should report not-ready until startup completes", func() {
		info, err := ac.Health(ctx, srv.URL)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Ready).To(BeFalse())

		src.put("acct", "obj-1", "x")
		_, err = ac.PostAssignment(ctx, node, payload("a1", src.task("acct", "obj-1", "x")))
		Expect(err).To(MatchError(core.ErrAsgnRejected))

		Expect(p.Init()).To(Succeed())
		info, err = ac.Health(ctx, srv.URL)
		Expect(err).NotTo(HaveOccurred())
		Expect(info.Ready).To(BeTrue())
		Expect(info.Version).To(Equal(core.AsgnVersion))
	})

	When("ready", func() {
		BeforeEach(func() {
			Expect(p.Init()).To(Succeed())
		})

		It("should run the post, poll, ack protocol", func() {
			src.put("acct", "obj-1", "over the wire")
			status, err := ac.PostAssignment(ctx, node, payload("a1", src.task("acct", "obj-1", "over the wire")))
			Expect(err).NotTo(HaveOccurred())
			Expect(status.ID).To(Equal("a1"))

			Eventually(func() core.AgentState {
				status, err = ac.GetAssignment(ctx, node, "a1")
				Expect(err).NotTo(HaveOccurred())
				return status.State
			}, 10*time.Second, 10*time.Millisecond).Should(Equal(core.AgentComplete))
			Expect(status.Tasks).To(HaveLen(1))
			Expect(status.Tasks[0].Status).To(Equal(core.TaskComplete))

			Expect(ac.DeleteAssignment(ctx, node, "a1")).To(Succeed())
			_, err = ac.GetAssignment(ctx, node, "a1")
			Expect(err).To(MatchError(core.ErrAsgnNotFound))
			// acking twice is fine
			Expect(ac.DeleteAssignment(ctx, node, "a1")).To(Succeed())
		})

		It("should reject invalid payloads with 4xx", func() {
			pl := payload("a1", src.task("acct", "obj-1", "x"))
			pl.Version = 99
			_, err := ac.PostAssignment(ctx, node, pl)
			Expect(err).To(MatchError(core.ErrAsgnRejected))
		})

		It("should report capacity", func() {
			info, err := ac.GetCapacity(ctx, srv.URL)
			Expect(err).NotTo(HaveOccurred())
			Expect(info.StorageID).To(Equal("2.stor"))
			Expect(info.Datacenter).To(Equal("dc2"))
			Expect(info.TotalBytes).To(BeNumerically(">", 0))
		})

		It("should serve stored objects by owner and id", func() {
			fqn := core.FQN(root, "acct", "obj 1")
			Expect(os.MkdirAll(filepath.Dir(fqn), 0o750)).To(Succeed())
			Expect(os.WriteFile(fqn, []byte("served"), 0o640)).To(Succeed())

			resp, err := http.Get(core.ObjectURL("http://%s"+apc.URLPathObjects+"/%s/%s", srv.Listener.Addr().String(), "acct", "obj 1"))
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			b, _ := io.ReadAll(resp.Body)
			Expect(string(b)).To(Equal("served"))

			resp2, err := http.Get(srv.URL + apc.URLPathObjects + "/acct/missing")
			Expect(err).NotTo(HaveOccurred())
			resp2.Body.Close()
			Expect(resp2.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should expose metrics", func() {
			resp, err := http.Get(srv.URL + apc.URLPathMetrics)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			b, _ := io.ReadAll(resp.Body)
			Expect(string(b)).To(ContainSubstring("agent_pending_assignments"))
		})

		It("should return 405 on unsupported methods", func() {
			req, _ := http.NewRequest(http.MethodPut, srv.URL+apc.URLPathAssignments+"/a1", http.NoBody)
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
			Expect(resp.Header.Get(cmn.HdrAllow)).To(ContainSubstring(http.MethodPost))
		})
	})
})
