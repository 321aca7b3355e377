// Licensed to Apache Software Foundation (ASF) under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Apache Software Foundation (ASF) licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package coordinator

import (
	"context"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/boardroomdb/boardroom/pkg/logger"
)

// lockManager is a per-key lock table. A transaction acquires all keys it
// intends to write in one call; acquisition is all-or-nothing, so a command
// never observes a partial lock set. Waiters form a wait-for graph used for
// deadlock detection.
type lockManager struct {
	clk         clock.Clock
	holders     map[string]*lockHolder
	waiters     map[string]*lockWaiter
	l           *logger.Logger
	leaseTTL    time.Duration
	waitTimeout time.Duration
	mu          chan struct{}
}

type lockHolder struct {
	leaseExpiry time.Time
	released    chan struct{}
	txID        string
	seq         uint64
	decided     bool
}

type lockWaiter struct {
	abort     chan struct{}
	waitingOn string
	seq       uint64
}

func newLockManager(clk clock.Clock, leaseTTL, waitTimeout time.Duration, l *logger.Logger) *lockManager {
	lm := &lockManager{
		clk:         clk,
		holders:     make(map[string]*lockHolder),
		waiters:     make(map[string]*lockWaiter),
		leaseTTL:    leaseTTL,
		waitTimeout: waitTimeout,
		l:           l,
		mu:          make(chan struct{}, 1),
	}
	lm.mu <- struct{}{}
	return lm
}

func (lm *lockManager) lock() {
	<-lm.mu
}

func (lm *lockManager) unlock() {
	lm.mu <- struct{}{}
}

// shard spreads keys over log buckets. Only used to tag trace events.
func shard(key string) uint64 {
	return xxhash.Sum64String(key) % 32
}

// Acquire locks all keys on behalf of the transaction. It blocks while a key
// is held by another live transaction, bounded by the wait timeout. Returns
// ErrDeadlock when the transaction is picked as a deadlock victim.
func (lm *lockManager) Acquire(ctx context.Context, txID string, seq uint64, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	sorted := make([]string, len(keys))
	copy(sorted, keys)
	sort.Strings(sorted)

	deadline := lm.clk.Now().Add(lm.waitTimeout)
	for {
		blocker, abortCh := lm.tryAcquire(txID, seq, sorted)
		if blocker == nil {
			return nil
		}
		if abortCh == nil {
			// tryAcquire already resolved the cycle against this transaction.
			return errors.Wrap(ErrDeadlock, txID)
		}

		timer := lm.clk.Timer(deadline.Sub(lm.clk.Now()))
		select {
		case <-blocker.released:
			timer.Stop()
		case <-abortCh:
			timer.Stop()
			lm.dropWaiter(txID)
			return errors.Wrap(ErrDeadlock, txID)
		case <-timer.C:
			lm.dropWaiter(txID)
			return errors.Wrapf(ErrLockWaitTimeout, "%s waited for %s", txID, blocker.txID)
		case <-ctx.Done():
			timer.Stop()
			lm.dropWaiter(txID)
			return ctx.Err()
		}
		lm.dropWaiter(txID)
	}
}

// tryAcquire claims every key or registers a wait on the first busy one.
// It returns the blocking holder and the waiter's abort channel, or
// (blocker, nil) when the requester itself must die to break a cycle.
func (lm *lockManager) tryAcquire(txID string, seq uint64, keys []string) (*lockHolder, chan struct{}) {
	lm.lock()
	defer lm.unlock()

	now := lm.clk.Now()
	for _, key := range keys {
		holder, held := lm.holders[key]
		if !held || holder.txID == txID {
			continue
		}
		if !holder.decided && now.After(holder.leaseExpiry) {
			// The lease lapsed and the owner never reached a decision;
			// the key can be reclaimed.
			lm.l.Warn().Str("key", key).Str("holder", holder.txID).Uint64("shard", shard(key)).Msg("reclaiming expired lock lease")
			lm.evictHolderLocked(holder)
			continue
		}

		waiter := &lockWaiter{waitingOn: holder.txID, seq: seq, abort: make(chan struct{})}
		lm.waiters[txID] = waiter
		if victim := lm.findDeadlockVictimLocked(txID); victim != "" {
			if victim == txID {
				delete(lm.waiters, txID)
				return holder, nil
			}
			if vw, ok := lm.waiters[victim]; ok {
				close(vw.abort)
				delete(lm.waiters, victim)
			}
		}
		return holder, waiter.abort
	}

	// The whole batch shares one holder record, so lease reclaim and Release
	// close its channel exactly once no matter how many keys it spans.
	batch := &lockHolder{
		txID:        txID,
		seq:         seq,
		leaseExpiry: now.Add(lm.leaseTTL),
		released:    make(chan struct{}),
	}
	for _, key := range keys {
		if holder, held := lm.holders[key]; held && holder.txID == txID {
			continue
		}
		lm.holders[key] = batch
	}
	return nil, nil
}

// findDeadlockVictimLocked walks the wait-for chain starting from txID. When
// the chain revisits a node a cycle exists; the youngest cycle member
// (highest sequence) dies. Nodes on the tail leading into the cycle are not
// candidates: aborting one of them would leave the cycle standing.
func (lm *lockManager) findDeadlockVictimLocked(txID string) string {
	index := map[string]int{txID: 0}
	path := []string{txID}
	cur := lm.waiters[txID].waitingOn
	for {
		w, waiting := lm.waiters[cur]
		if !waiting {
			return ""
		}
		if at, ok := index[cur]; ok {
			victim := path[at]
			victimSeq := lm.waiters[victim].seq
			for _, node := range path[at+1:] {
				if s := lm.waiters[node].seq; s > victimSeq {
					victim, victimSeq = node, s
				}
			}
			return victim
		}
		index[cur] = len(path)
		path = append(path, cur)
		cur = w.waitingOn
	}
}

func (lm *lockManager) dropWaiter(txID string) {
	lm.lock()
	defer lm.unlock()
	delete(lm.waiters, txID)
}

// MarkDecided pins the transaction's locks: once a commit decision exists,
// lease expiry no longer releases its keys.
func (lm *lockManager) MarkDecided(txID string) {
	lm.lock()
	defer lm.unlock()
	for _, holder := range lm.holders {
		if holder.txID == txID {
			holder.decided = true
		}
	}
}

// Release frees every key held by the transaction and wakes its waiters.
func (lm *lockManager) Release(txID string) {
	lm.lock()
	defer lm.unlock()
	closed := make(map[*lockHolder]struct{})
	for key, holder := range lm.holders {
		if holder.txID != txID {
			continue
		}
		delete(lm.holders, key)
		if _, done := closed[holder]; done {
			continue
		}
		closed[holder] = struct{}{}
		close(holder.released)
	}
}

func (lm *lockManager) evictHolderLocked(evicted *lockHolder) {
	for key, holder := range lm.holders {
		if holder == evicted {
			delete(lm.holders, key)
		}
	}
	close(evicted.released)
}

// Held reports whether any key is currently held by the transaction.
func (lm *lockManager) Held(txID string) bool {
	lm.lock()
	defer lm.unlock()
	for _, holder := range lm.holders {
		if holder.txID == txID {
			return true
		}
	}
	return false
}
