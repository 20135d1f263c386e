package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foremanhq/foreman/internal/github"
)

func TestBuildGraphTranspose(t *testing.T) {
	g := BuildGraph([]github.WorkItem{
		{Number: 1, Title: "root"},
		{Number: 2, Title: "mid", DependsOn: []int{1}},
		{Number: 3, Title: "leaf", DependsOn: []int{1, 2}},
	})

	assert.Equal(t, []int{2, 3}, g.Nodes[1].DependedBy)
	assert.Equal(t, []int{3}, g.Nodes[2].DependedBy)
	assert.Empty(t, g.Nodes[3].DependedBy)
}

func TestDetectCyclesFindsOne(t *testing.T) {
	g := BuildGraph([]github.WorkItem{
		{Number: 1, DependsOn: []int{2}},
		{Number: 2, DependsOn: []int{3}},
		{Number: 3, DependsOn: []int{1}},
	})

	cycles := g.DetectCycles()
	require.Len(t, cycles, 1)
	assert.ElementsMatch(t, []int{1, 2, 3}, cycles[0])
}

func TestDetectCyclesAcyclic(t *testing.T) {
	g := BuildGraph([]github.WorkItem{
		{Number: 1},
		{Number: 2, DependsOn: []int{1}},
		{Number: 3, DependsOn: []int{1, 2}},
	})
	assert.Empty(t, g.DetectCycles())
}

func TestDetectCyclesIgnoresClosedReferences(t *testing.T) {
	// 2 depends on 9 which is not open; no edge, no cycle.
	g := BuildGraph([]github.WorkItem{
		{Number: 2, DependsOn: []int{9}},
	})
	assert.Empty(t, g.DetectCycles())
}

func TestUnblocked(t *testing.T) {
	g := BuildGraph([]github.WorkItem{
		{Number: 5},
		{Number: 6, DependsOn: []int{5}},
		{Number: 7, DependsOn: []int{5, 8}},
		{Number: 8},
	})

	got := g.Unblocked(map[int]bool{5: true})
	// 5 and 8 have no dependencies, 7 is still blocked on open 8.
	assert.Equal(t, []int{6}, got)
}

func TestUnblockedClosedDependencyCountsResolved(t *testing.T) {
	// 6 depends on 4 which is absent from the open set.
	g := BuildGraph([]github.WorkItem{
		{Number: 6, DependsOn: []int{4}},
	})
	assert.Equal(t, []int{6}, g.Unblocked(nil))
}

func TestUnblockedPreservesListingOrder(t *testing.T) {
	items := []github.WorkItem{
		{Number: 9, DependsOn: []int{1}},
		{Number: 3, DependsOn: []int{1}},
		{Number: 7, DependsOn: []int{1}},
	}
	g := BuildGraph(items)
	assert.Equal(t, []int{9, 3, 7}, g.Unblocked(map[int]bool{1: true}))
}

func TestCycleSignatureOrderIndependent(t *testing.T) {
	assert.Equal(t, cycleSignature([]int{3, 1, 2}), cycleSignature([]int{1, 2, 3}))
	assert.NotEqual(t, cycleSignature([]int{1, 2}), cycleSignature([]int{1, 3}))
}
