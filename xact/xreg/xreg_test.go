// Package xreg_test tests the job registry
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package xreg_test

import (
	"sync"

	"github.com/NVIDIA/rebalancer/xact/xreg"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Registry", func() {
	var reg *xreg.Registry

	BeforeEach(func() {
		reg = xreg.New()
	})

	It("should route control messages to a registered job", func() {
		ch, err := reg.Register("job-1", "evacuate")
		Expect(err).NotTo(HaveOccurred())
		Expect(reg.Send("job-1", xreg.CtlMsg{Action: "set", Value: 10})).To(Succeed())
		Eventually(ch).Should(Receive(Equal(xreg.CtlMsg{Action: "set", Value: 10})))
	})

	It("should reject messages for unknown or finished jobs", func() {
		Expect(reg.Send("nope", xreg.CtlMsg{})).To(MatchError(xreg.ErrNotRunning))

		_, err := reg.Register("job-2", "evacuate")
		Expect(err).NotTo(HaveOccurred())
		reg.Unregister("job-2")
		Expect(reg.IsRunning("job-2")).To(BeFalse())
		Expect(reg.Send("job-2", xreg.CtlMsg{})).To(MatchError(xreg.ErrNotRunning))
	})

	It("should not block when the job is not draining its channel", func() {
		_, err := reg.Register("job-3", "evacuate")
		Expect(err).NotTo(HaveOccurred())
		var busy int
		for range 100 {
			if reg.Send("job-3", xreg.CtlMsg{Value: 1}) == xreg.ErrBusy {
				busy++
			}
		}
		Expect(busy).To(BeNumerically(">", 0))
	})

	It("should refuse double registration", func() {
		_, err := reg.Register("job-4", "evacuate")
		Expect(err).NotTo(HaveOccurred())
		_, err = reg.Register("job-4", "evacuate")
		Expect(err).To(MatchError(xreg.ErrDuplicate))
	})

	It("should be safe for concurrent register/send/unregister", func() {
		wg := &sync.WaitGroup{}
		for i := range 16 {
			wg.Add(1)
			go func(i int) {
				defer GinkgoRecover()
				defer wg.Done()
				id := "job-c" + string(rune('a'+i))
				ch, err := reg.Register(id, "evacuate")
				Expect(err).NotTo(HaveOccurred())
				Expect(reg.Send(id, xreg.CtlMsg{Value: i})).To(Succeed())
				Expect(<-ch).To(Equal(xreg.CtlMsg{Value: i}))
				reg.Unregister(id)
			}(i)
		}
		wg.Wait()
		Expect(reg.Running("")).To(BeEmpty())
	})
})
