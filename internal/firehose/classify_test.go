package firehose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createOp(pos int, rkey string) Operation {
	return Operation{
		Action:     ActionCreate,
		Position:   pos,
		URI:        postURI(rkey),
		CID:        "bafy" + rkey,
		Collection: PostCollection,
		RKey:       rkey,
		Record:     &PostRecord{Text: "으어어"},
	}
}

func deleteOp(pos int, rkey string) Operation {
	return Operation{
		Action:     ActionDelete,
		Position:   pos,
		URI:        postURI(rkey),
		Collection: PostCollection,
		RKey:       rkey,
	}
}

func TestClassify(t *testing.T) {
	like := Operation{
		Action:     ActionCreate,
		Position:   1,
		URI:        RecordURI(testRepo, "app.bsky.feed.like", "l1"),
		Collection: "app.bsky.feed.like",
		Record:     &OpaqueRecord{Collection: "app.bsky.feed.like"},
	}
	update := createOp(3, "edited")
	update.Action = ActionUpdate
	noRecord := createOp(4, "norecord")
	noRecord.Record = nil

	ev := &RepoEvent{
		Kind: KindCommit,
		Ops: []Operation{
			createOp(0, "a"),
			like,
			deleteOp(2, "b"),
			update,
			noRecord,
			createOp(5, "c"),
		},
	}

	batches := Classify(ev)
	require.Len(t, batches, 2)

	posts := batches[PostCollection]
	require.NotNil(t, posts)
	require.Len(t, posts.Creates, 2)
	assert.Equal(t, postURI("a"), posts.Creates[0].URI)
	assert.Equal(t, postURI("c"), posts.Creates[1].URI)
	require.Len(t, posts.Deletes, 1)
	assert.Equal(t, postURI("b"), posts.Deletes[0].URI)

	likes := batches["app.bsky.feed.like"]
	require.NotNil(t, likes)
	assert.Len(t, likes.Creates, 1)
	assert.Empty(t, likes.Deletes)
}

func TestReconcile(t *testing.T) {
	t.Run("nil batch", func(t *testing.T) {
		assert.Equal(t, Plan{}, Reconcile(nil))
	})

	t.Run("independent ops", func(t *testing.T) {
		plan := Reconcile(&Batch{
			Creates: []Operation{createOp(0, "a")},
			Deletes: []Operation{deleteOp(1, "b")},
		})
		require.Len(t, plan.Creates, 1)
		assert.Equal(t, []string{postURI("b")}, plan.Deletes)
		assert.False(t, plan.Sequential)
	})

	t.Run("create then delete drops the create", func(t *testing.T) {
		plan := Reconcile(&Batch{
			Creates: []Operation{createOp(0, "a")},
			Deletes: []Operation{deleteOp(1, "a")},
		})
		assert.Empty(t, plan.Creates)
		assert.Equal(t, []string{postURI("a")}, plan.Deletes)
		assert.False(t, plan.Sequential)
	})

	t.Run("delete then create is sequential", func(t *testing.T) {
		plan := Reconcile(&Batch{
			Creates: []Operation{createOp(1, "a")},
			Deletes: []Operation{deleteOp(0, "a")},
		})
		require.Len(t, plan.Creates, 1)
		assert.Equal(t, []string{postURI("a")}, plan.Deletes)
		assert.True(t, plan.Sequential)
	})

	t.Run("duplicate deletes collapse", func(t *testing.T) {
		plan := Reconcile(&Batch{
			Deletes: []Operation{deleteOp(0, "a"), deleteOp(1, "a"), deleteOp(2, "b")},
		})
		assert.Equal(t, []string{postURI("a"), postURI("b")}, plan.Deletes)
	})

	t.Run("create delete create keeps the last create", func(t *testing.T) {
		plan := Reconcile(&Batch{
			Creates: []Operation{createOp(0, "a"), createOp(2, "a")},
			Deletes: []Operation{deleteOp(1, "a")},
		})
		require.Len(t, plan.Creates, 1)
		assert.Equal(t, 2, plan.Creates[0].Position)
		assert.True(t, plan.Sequential)
	})
}
