// Package reb_test tests the shark evacuation job end to end
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package reb_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestReb(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, t.Name())
}
