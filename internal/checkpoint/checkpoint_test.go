// Copyright 2025 The Orcheo Authors
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

package checkpoint

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orcheo/orcheo/pkg/errors"
)

// serviceFixtures runs every shared-contract test against both local
// backends.
func serviceFixtures(t *testing.T) map[string]*Service {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })
	return map[string]*Service{
		"memory": NewService(NewMemoryStore()),
		"sqlite": NewService(sqlite),
	}
}

func TestRecordCheckpointAssignsSequentialVersions(t *testing.T) {
	for name, svc := range serviceFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 1; i <= 3; i++ {
				cp, err := svc.RecordCheckpoint(ctx, RecordParams{
					WorkflowID: "wf-1",
					Metrics:    map[string]any{"loss": 0.5},
				})
				require.NoError(t, err)
				assert.Equal(t, i, cp.ConfigVersion)
				assert.NotEmpty(t, cp.ID)
			}
		})
	}
}

func TestRecordCheckpointHonorsPinnedVersion(t *testing.T) {
	for name, svc := range serviceFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cp, err := svc.RecordCheckpoint(ctx, RecordParams{
				WorkflowID: "wf-pin", ConfigVersion: 7,
			})
			require.NoError(t, err)
			assert.Equal(t, 7, cp.ConfigVersion)

			next, err := svc.RecordCheckpoint(ctx, RecordParams{WorkflowID: "wf-pin"})
			require.NoError(t, err)
			assert.Equal(t, 8, next.ConfigVersion)
		})
	}
}

func TestIsBestHandoff(t *testing.T) {
	for name, svc := range serviceFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, err := svc.RecordCheckpoint(ctx, RecordParams{
				WorkflowID: "wf-best", IsBest: true,
			})
			require.NoError(t, err)
			second, err := svc.RecordCheckpoint(ctx, RecordParams{
				WorkflowID: "wf-best", IsBest: true,
			})
			require.NoError(t, err)

			list, err := svc.ListCheckpoints(ctx, "wf-best", 0)
			require.NoError(t, err)
			require.Len(t, list, 2)

			bestCount := 0
			for _, cp := range list {
				if cp.IsBest {
					bestCount++
					assert.Equal(t, second.ID, cp.ID)
				}
			}
			assert.Equal(t, 1, bestCount)

			best, err := svc.BestCheckpoint(ctx, "wf-best")
			require.NoError(t, err)
			require.NotNil(t, best)
			assert.Equal(t, second.ID, best.ID)
			assert.NotEqual(t, first.ID, best.ID)
		})
	}
}

func TestIsBestScopedPerWorkflow(t *testing.T) {
	for name, svc := range serviceFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			a, err := svc.RecordCheckpoint(ctx, RecordParams{WorkflowID: "wf-a", IsBest: true})
			require.NoError(t, err)
			_, err = svc.RecordCheckpoint(ctx, RecordParams{WorkflowID: "wf-b", IsBest: true})
			require.NoError(t, err)

			got, err := svc.GetCheckpoint(ctx, a.ID)
			require.NoError(t, err)
			assert.True(t, got.IsBest)
		})
	}
}

func TestListCheckpointsVersionDescending(t *testing.T) {
	for name, svc := range serviceFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 4; i++ {
				_, err := svc.RecordCheckpoint(ctx, RecordParams{WorkflowID: "wf-list"})
				require.NoError(t, err)
			}

			list, err := svc.ListCheckpoints(ctx, "wf-list", 0)
			require.NoError(t, err)
			require.Len(t, list, 4)
			for i, cp := range list {
				assert.Equal(t, 4-i, cp.ConfigVersion)
			}

			limited, err := svc.ListCheckpoints(ctx, "wf-list", 2)
			require.NoError(t, err)
			require.Len(t, limited, 2)
			assert.Equal(t, 4, limited[0].ConfigVersion)
		})
	}
}

func TestGetCheckpointNotFound(t *testing.T) {
	for name, svc := range serviceFixtures(t) {
		t.Run(name, func(t *testing.T) {
			_, err := svc.GetCheckpoint(context.Background(), "missing")
			assert.True(t, errors.IsNotFound(err))
		})
	}
}

func TestLatestCheckpoint(t *testing.T) {
	for name, svc := range serviceFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			latest, err := svc.LatestCheckpoint(ctx, "wf-latest")
			require.NoError(t, err)
			assert.Nil(t, latest)

			_, err = svc.RecordCheckpoint(ctx, RecordParams{WorkflowID: "wf-latest"})
			require.NoError(t, err)
			want, err := svc.RecordCheckpoint(ctx, RecordParams{WorkflowID: "wf-latest"})
			require.NoError(t, err)

			latest, err = svc.LatestCheckpoint(ctx, "wf-latest")
			require.NoError(t, err)
			require.NotNil(t, latest)
			assert.Equal(t, want.ID, latest.ID)
			assert.Equal(t, 2, latest.ConfigVersion)
		})
	}
}

// Concurrent records for one workflow must produce a gapless, strictly
// increasing version sequence with at most one best row.
func TestConcurrentRecordsStayGapless(t *testing.T) {
	for name, svc := range serviceFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const writers = 10

			var wg sync.WaitGroup
			for i := 0; i < writers; i++ {
				wg.Add(1)
				go func(best bool) {
					defer wg.Done()
					_, err := svc.RecordCheckpoint(ctx, RecordParams{
						WorkflowID: "wf-race", IsBest: best,
					})
					assert.NoError(t, err)
				}(i%2 == 0)
			}
			wg.Wait()

			list, err := svc.ListCheckpoints(ctx, "wf-race", 0)
			require.NoError(t, err)
			require.Len(t, list, writers)

			bestCount := 0
			for i, cp := range list {
				assert.Equal(t, writers-i, cp.ConfigVersion)
				if cp.IsBest {
					bestCount++
				}
			}
			assert.LessOrEqual(t, bestCount, 1)
		})
	}
}

func TestCheckpointPayloadRoundTrip(t *testing.T) {
	for name, svc := range serviceFixtures(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			cp, err := svc.RecordCheckpoint(ctx, RecordParams{
				WorkflowID:     "wf-payload",
				RunnableConfig: map[string]any{"temperature": 0.2},
				Metrics:        map[string]any{"accuracy": 0.91},
				Metadata:       map[string]any{"trainer": "agentensor"},
				ArtifactURL:    "s3://bucket/ckpt-1",
			})
			require.NoError(t, err)

			got, err := svc.GetCheckpoint(ctx, cp.ID)
			require.NoError(t, err)
			assert.Equal(t, 0.2, got.RunnableConfig["temperature"])
			assert.Equal(t, 0.91, got.Metrics["accuracy"])
			assert.Equal(t, "agentensor", got.Metadata["trainer"])
			assert.Equal(t, "s3://bucket/ckpt-1", got.ArtifactURL)
			assert.False(t, got.CreatedAt.IsZero())
		})
	}
}
