// Package xreg_test tests the job registry
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package xreg_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestXreg(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, t.Name())
}
