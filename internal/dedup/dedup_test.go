// Copyright (c) 2026 The DocFlow Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dedup

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestFilter(t *testing.T) *Filter {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewFilter(rdb)
}

func TestSeen_OnlyAfterMark(t *testing.T) {
	f := newTestFilter(t)
	ctx := context.Background()

	seen, err := f.Seen(ctx, 1, "uid-100")
	require.NoError(t, err)
	require.False(t, seen, "unmarked pair must not be seen")

	// Checking is read-only: an incomplete ingestion must be retryable.
	seen, err = f.Seen(ctx, 1, "uid-100")
	require.NoError(t, err)
	require.False(t, seen, "a check alone must not mark the pair")

	require.NoError(t, f.MarkSeen(ctx, 1, "uid-100"))

	seen, err = f.Seen(ctx, 1, "uid-100")
	require.NoError(t, err)
	require.True(t, seen, "marked pair must be seen")
}

func TestSeen_ScopedByAccount(t *testing.T) {
	f := newTestFilter(t)
	ctx := context.Background()

	require.NoError(t, f.MarkSeen(ctx, 1, "uid-100"))

	// Same UID on a different account is a different message.
	seen, err := f.Seen(ctx, 2, "uid-100")
	require.NoError(t, err)
	require.False(t, seen)
}
