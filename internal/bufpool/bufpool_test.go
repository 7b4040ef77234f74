// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"sync"
	"testing"
)

func TestGetReturnsEmptyBuffer(t *testing.T) {
	b := Get()
	b.WriteString(`{"id":"1"}`)
	Put(b)

	b2 := Get()
	defer Put(b2)
	if b2.Len() != 0 {
		t.Fatalf("expected empty buffer, got %d bytes", b2.Len())
	}
}

func TestPutIgnoresOversizedAndNil(t *testing.T) {
	b := Get()
	b.Grow(maxPooledCap + 1)
	Put(b)
	Put(nil)
}

func TestConcurrentGetPut(t *testing.T) {
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := Get()
			b.WriteString("frame")
			Put(b)
		}()
	}
	wg.Wait()
}
