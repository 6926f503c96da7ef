package invindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dbregion/regioncore/kv"
)

func TestInsertAndSearchFindsL1Posting(t *testing.T) {
	store := kv.NewMemStore()
	e := NewEngine(store, 1, 1, 1)

	e.Insert([]string{"hello", "world"}, []byte("pk1"))
	e.Insert([]string{"hello"}, []byte("pk2"))

	got, err := e.Search(context.Background(), "hello")
	require.NoError(t, err)
	require.ElementsMatch(t, []Posting{{PK: []byte("pk1")}, {PK: []byte("pk2")}}, got)

	got, err = e.Search(context.Background(), "world")
	require.NoError(t, err)
	require.Equal(t, []Posting{{PK: []byte("pk1")}}, got)
}

func TestDeleteRemovesL1Posting(t *testing.T) {
	store := kv.NewMemStore()
	e := NewEngine(store, 1, 1, 1)

	e.Insert([]string{"hello"}, []byte("pk1"))
	e.Insert([]string{"hello"}, []byte("pk2"))
	e.Delete([]string{"hello"}, []byte("pk1"))

	got, err := e.Search(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, []Posting{{PK: []byte("pk2")}}, got)
}

func TestDeleteAfterMergeSuppressesL2Posting(t *testing.T) {
	store := kv.NewMemStore()
	e := NewEngine(store, 1, 1, 1)

	e.Insert([]string{"hello"}, []byte("pk1"))
	e.mergeL1ToL2(context.Background())

	e.Delete([]string{"hello"}, []byte("pk1"))

	got, err := e.Search(context.Background(), "hello")
	require.NoError(t, err)
	require.Empty(t, got)

	e.mergeL1ToL2(context.Background())
	l2, err := e.readPostings(context.Background(), e.l2Key("hello"), nil)
	require.NoError(t, err)
	require.Empty(t, l2, "tombstone must clear the already-merged L2 entry")
}

func TestMergeL1ToL2SurvivesAndSearchStillFinds(t *testing.T) {
	store := kv.NewMemStore()
	e := NewEngine(store, 1, 1, 1)

	e.Insert([]string{"term"}, []byte("pk1"))
	e.mergeL1ToL2(context.Background())

	e.mu.RLock()
	require.Empty(t, e.l1["term"])
	e.mu.RUnlock()

	got, err := e.Search(context.Background(), "term")
	require.NoError(t, err)
	require.Equal(t, []Posting{{PK: []byte("pk1")}}, got)
}

func TestMergeL2ToL3ConsolidatesSegments(t *testing.T) {
	store := kv.NewMemStore()
	e := NewEngine(store, 1, 1, 1)

	e.Insert([]string{"term"}, []byte("pk1"))
	e.mergeL1ToL2(context.Background())
	require.NoError(t, e.MergeL2ToL3(context.Background()))

	l2, err := e.readPostings(context.Background(), e.l2Key("term"), nil)
	require.NoError(t, err)
	require.Empty(t, l2)

	l3, err := e.readPostings(context.Background(), e.l3Key("term"), nil)
	require.NoError(t, err)
	require.Equal(t, []Posting{{PK: []byte("pk1")}}, l3)

	got, err := e.Search(context.Background(), "term")
	require.NoError(t, err)
	require.Equal(t, []Posting{{PK: []byte("pk1")}}, got)
}

func TestTokenizeSplitsOnPunctuationAndLowercases(t *testing.T) {
	require.Equal(t, []string{"hello", "world"}, Tokenize("Hello, World!"))
	require.Equal(t, []string{"a", "b2", "c"}, Tokenize("  a_b2-c "))
	require.Empty(t, Tokenize("   "))
}

func TestAndIntersectsPostingLists(t *testing.T) {
	a := []Posting{{PK: []byte("pk1")}, {PK: []byte("pk2")}}
	b := []Posting{{PK: []byte("pk2")}, {PK: []byte("pk3")}}
	require.Equal(t, []Posting{{PK: []byte("pk2")}}, And([][]Posting{a, b}))
}

func TestOrUnionsPostingLists(t *testing.T) {
	a := []Posting{{PK: []byte("pk1")}}
	b := []Posting{{PK: []byte("pk2")}}
	require.Equal(t, []Posting{{PK: []byte("pk1")}, {PK: []byte("pk2")}}, Or([][]Posting{a, b}))
}
