// Package prob_test tests the probabilistic filter
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package prob_test

import (
	"strconv"
	"sync"

	"github.com/NVIDIA/rebalancer/cmn/prob"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Filter", func() {
	var filter *prob.Filter

	BeforeEach(func() {
		filter = prob.NewFilter(1000)
	})

	It("should find inserted keys", func() {
		filter.Insert("asgn-1")
		Expect(filter.Lookup("asgn-1")).To(BeTrue())
		Expect(filter.Count()).To(BeEquivalentTo(1))
	})

	It("should grow beyond the initial size without false negatives", func() {
		keys := make([]string, 0, 10000)
		for i := range 10000 {
			k := "asgn-" + strconv.Itoa(i)
			keys = append(keys, k)
			filter.Insert(k)
		}
		for _, k := range keys {
			Expect(filter.Lookup(k)).To(BeTrue())
		}
	})

	It("should delete keys", func() {
		filter.Insert("a")
		filter.Insert("b")
		filter.Delete("a")
		Expect(filter.Lookup("a")).To(BeFalse())
		Expect(filter.Lookup("b")).To(BeTrue())
	})

	It("should delete one occurrence at a time", func() {
		filter.Insert("twice")
		filter.Insert("twice")
		filter.Insert("other")
		filter.Delete("twice")
		Expect(filter.Lookup("twice")).To(BeTrue())
		filter.Delete("twice")
		Expect(filter.Lookup("other")).To(BeTrue())
		Expect(filter.Count()).To(BeEquivalentTo(1))
	})

	It("should be safe for concurrent use", func() {
		wg := &sync.WaitGroup{}
		for g := range 8 {
			wg.Add(1)
			go func(g int) {
				defer GinkgoRecover()
				defer wg.Done()
				for i := range 500 {
					k := strconv.Itoa(g) + "/" + strconv.Itoa(i)
					filter.Insert(k)
					Expect(filter.Lookup(k)).To(BeTrue())
				}
			}(g)
		}
		wg.Wait()
		Expect(filter.Count()).To(BeEquivalentTo(8 * 500))
	})

	It("should reset", func() {
		filter.Insert("x")
		filter.Reset()
		Expect(filter.Lookup("x")).To(BeFalse())
	})
})
