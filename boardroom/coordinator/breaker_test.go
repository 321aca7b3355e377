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
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	clk := clock.NewMock()
	b := newBreaker("vault", clk, 3, 10*time.Second, 1)

	require.NoError(t, b.Allow())
	b.Failure()
	b.Failure()
	assert.Equal(t, "closed", b.State())
	require.NoError(t, b.Allow())

	b.Failure()
	assert.Equal(t, "open", b.State())
	assert.True(t, errors.Is(b.Allow(), ErrBreakerOpen))
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	clk := clock.NewMock()
	b := newBreaker("vault", clk, 3, 10*time.Second, 1)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	assert.Equal(t, "closed", b.State())
}

func TestBreakerHalfOpensAfterCooldown(t *testing.T) {
	clk := clock.NewMock()
	b := newBreaker("vault", clk, 1, 10*time.Second, 1)

	b.Failure()
	require.Equal(t, "open", b.State())

	clk.Add(9 * time.Second)
	assert.True(t, errors.Is(b.Allow(), ErrBreakerOpen))

	clk.Add(time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, "half-open", b.State())
	// Probe budget is exhausted until the probe reports back.
	assert.True(t, errors.Is(b.Allow(), ErrBreakerOpen))
}

func TestBreakerProbeOutcome(t *testing.T) {
	clk := clock.NewMock()
	b := newBreaker("vault", clk, 1, 10*time.Second, 1)

	b.Failure()
	clk.Add(10 * time.Second)
	require.NoError(t, b.Allow())
	b.Success()
	assert.Equal(t, "closed", b.State())

	b.Failure()
	clk.Add(10 * time.Second)
	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, "open", b.State())
	assert.True(t, errors.Is(b.Allow(), ErrBreakerOpen))
}
