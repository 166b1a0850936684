package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notifyops/relay/pkg/models"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb, Config{
		DefaultTTL: time.Hour,
		KindTTL: map[models.EventKind]time.Duration{
			models.KindIssueComment: 10 * time.Minute,
		},
	}), mr
}

func issueEvent(id, subject, hash string) *models.Event {
	return &models.Event{
		ID:          id,
		Source:      models.SourceIssueTracker,
		Kind:        models.KindIssueUpdated,
		SubjectKey:  subject,
		ContentHash: hash,
	}
}

func TestObserveThenObserveIsDuplicate(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	now := time.Now()

	first, err := store.Observe(ctx, issueEvent("ev-1", "ENG-42", "h1"), now)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, first.Status)
	assert.EqualValues(t, 1, first.Count)

	second, err := store.Observe(ctx, issueEvent("ev-2", "ENG-42", "h1"), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, second.Status)
	assert.EqualValues(t, 2, second.Count)
	require.NotNil(t, second.PreviousSeenAt)
	assert.WithinDuration(t, now, *second.PreviousSeenAt, time.Second)
}

func TestObserveDistinguishesSubjectsWithEqualHash(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	now := time.Now()

	first, err := store.Observe(ctx, issueEvent("ev-1", "ENG-1", "same"), now)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, first.Status)

	// Same content hash under a different subject is distinct content.
	second, err := store.Observe(ctx, issueEvent("ev-2", "ENG-2", "same"), now)
	require.NoError(t, err)
	assert.Equal(t, StatusNew, second.Status)
}

func TestObserveAfterExpiryIsNew(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := store.Observe(ctx, issueEvent("ev-1", "ENG-42", "h1"), now)
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)

	// An evicted entry must never report duplicate.
	result, err := store.Observe(ctx, issueEvent("ev-2", "ENG-42", "h1"), now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, StatusNew, result.Status)
	assert.EqualValues(t, 1, result.Count)
}

func TestObserveSupersedesOnContentChange(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := store.Observe(ctx, issueEvent("ev-1", "ENG-42", "h1"), now)
	require.NoError(t, err)

	// New content for the same subject: delivered, prior entry superseded.
	result, err := store.Observe(ctx, issueEvent("ev-2", "ENG-42", "h2"), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusSuperseded, result.Status)

	// The superseded content still dedups against itself.
	again, err := store.Observe(ctx, issueEvent("ev-3", "ENG-42", "h1"), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, again.Status)
}

func TestPerKindTTL(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()
	now := time.Now()

	comment := issueEvent("ev-1", "ENG-42", "hc")
	comment.Kind = models.KindIssueComment

	_, err := store.Observe(ctx, comment, now)
	require.NoError(t, err)

	// Past the comment window but inside the default window.
	mr.FastForward(30 * time.Minute)

	later := issueEvent("ev-2", "ENG-42", "hc")
	later.Kind = models.KindIssueComment
	result, err := store.Observe(ctx, later, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusNew, result.Status)
}

func TestNearDuplicatesSharesBand(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	now := time.Now()

	ev := issueEvent("ev-1", "ENG-42", "h1")
	ev.SimilarityHash = 0xAAAA_BBBB_CCCC_DDDD
	_, err := store.Observe(ctx, ev, now)
	require.NoError(t, err)

	// Differs only in the top band; the lower three bands still match.
	ids, err := store.NearDuplicates(ctx, 0x1111_BBBB_CCCC_DDDD)
	require.NoError(t, err)
	assert.Contains(t, ids, "ev-1")

	// No shared band at all.
	ids, err = store.NearDuplicates(ctx, 0x1111_2222_3333_4444)
	require.NoError(t, err)
	assert.NotContains(t, ids, "ev-1")

	ids, err = store.NearDuplicates(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestPurgeKind(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	now := time.Now()

	issue := issueEvent("ev-1", "ENG-1", "h1")
	comment := issueEvent("ev-2", "ENG-2", "h2")
	comment.Kind = models.KindIssueComment

	_, err := store.Observe(ctx, issue, now)
	require.NoError(t, err)
	_, err = store.Observe(ctx, comment, now)
	require.NoError(t, err)

	deleted, err := store.PurgeKind(ctx, models.KindIssueComment)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	// Purged content is observable again; the other kind still dedups.
	result, err := store.Observe(ctx, comment, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusNew, result.Status)

	result, err = store.Observe(ctx, issue, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, result.Status)
}
