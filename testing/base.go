// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing provides the suite and timing constants shared by
// fieldstream tests.
package testing

import (
	jujutesting "github.com/juju/testing"
)

// BaseSuite isolates tests from the environment and captures log
// output. All fieldstream suites embed it.
type BaseSuite struct {
	jujutesting.IsolationSuite
}
