// Package hk_test tests the housekeeper
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package hk_test

import (
	"errors"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/NVIDIA/rebalancer/hk"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Housekeeper", func() {
	var (
		h    *hk.Housekeeper
		done chan error
	)

	BeforeEach(func() {
		h = hk.New()
		done = make(chan error, 1)
		go func() { done <- h.Run() }()
		Eventually(h.Running).Should(BeTrue())
	})

	AfterEach(func() {
		h.Stop()
		Eventually(done).Should(Receive())
	})

	It("should call registered actions periodically", func() {
		var cnt atomic.Int32
		h.Reg("foo", func(int64) time.Duration {
			cnt.Add(1)
			return 10 * time.Millisecond
		}, 10*time.Millisecond)
		Eventually(cnt.Load).Should(BeNumerically(">=", 3))
	})

	It("should call right away when the interval is zero", func() {
		var cnt atomic.Int32
		h.Reg("now", func(int64) time.Duration {
			cnt.Add(1)
			return time.Hour
		}, 0)
		Eventually(cnt.Load).Should(BeEquivalentTo(1))
		Consistently(cnt.Load, 50*time.Millisecond).Should(BeEquivalentTo(1))
	})

	It("should unregister actions", func() {
		var foo, bar atomic.Int32
		h.Reg("foo", func(int64) time.Duration {
			foo.Add(1)
			return 5 * time.Millisecond
		}, 5*time.Millisecond)
		h.Reg("bar", func(int64) time.Duration {
			bar.Add(1)
			return hk.UnregInterval // one-shot
		}, 5*time.Millisecond)
		Eventually(foo.Load).Should(BeNumerically(">=", 2))
		Eventually(bar.Load).Should(BeEquivalentTo(1))

		h.Unreg("foo")
		time.Sleep(20 * time.Millisecond)
		n := foo.Load()
		Consistently(foo.Load, 50*time.Millisecond).Should(Equal(n))
		Expect(bar.Load()).To(BeEquivalentTo(1))
	})

	It("should not register the same name twice", func() {
		var first, second atomic.Int32
		h.Reg("dup", func(int64) time.Duration { first.Add(1); return 5 * time.Millisecond }, 5*time.Millisecond)
		h.Reg("dup", func(int64) time.Duration { second.Add(1); return 5 * time.Millisecond }, 5*time.Millisecond)
		Eventually(first.Load).Should(BeNumerically(">=", 2))
		Expect(second.Load()).To(BeZero())
	})
})

var _ = Describe("Signals", func() {
	It("should reload on SIGHUP and stop on SIGQUIT", func() {
		var (
			h        = hk.New()
			reloaded = make(chan struct{}, 1)
			done     = make(chan error, 1)
		)
		h.OnReload(func() { reloaded <- struct{}{} })
		go func() { done <- h.Run() }()
		Eventually(h.Running).Should(BeTrue())

		Expect(syscall.Kill(syscall.Getpid(), syscall.SIGHUP)).To(Succeed())
		Eventually(reloaded).Should(Receive())
		Consistently(done, 50*time.Millisecond).ShouldNot(Receive())

		Expect(syscall.Kill(syscall.Getpid(), syscall.SIGQUIT)).To(Succeed())
		var err error
		Eventually(done).Should(Receive(&err))
		var errSig *hk.ErrSignal
		Expect(errors.As(err, &errSig)).To(BeTrue())
		Expect(errSig.ExitCode()).To(Equal(128 + int(syscall.SIGQUIT)))
		Expect(h.Running()).To(BeFalse())
	})
})
