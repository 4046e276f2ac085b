// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"time"

	"gopkg.in/retry.v1"
)

// LongAttempt polls for a condition that should become true almost
// immediately, giving up after LongWait. Use with retry.Start:
//
//	for a := retry.Start(testing.LongAttempt, nil); a.Next(); {
//	    ...
//	}
var LongAttempt = retry.Regular{
	Total: LongWait,
	Delay: 10 * time.Millisecond,
}

// ShortAttempt polls briefly for a condition that is expected to be
// true already.
var ShortAttempt = retry.Regular{
	Total: ShortWait,
	Delay: 5 * time.Millisecond,
}
