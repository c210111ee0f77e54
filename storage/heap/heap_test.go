package heap

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateWriteReadFree(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	loc, err := store.Allocate(FamilyRecord)
	require.NoError(t, err)
	assert.Equal(t, 1, loc.Page)
	assert.Equal(t, 1, loc.Slot)

	payload := fmt.Sprintf("%d person alice 30 paris", loc.Slot)
	require.NoError(t, store.WriteSlot(loc, payload))

	got, err := store.ReadSlot(loc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// A second live record keeps the file from being removed when loc is freed.
	keeper, err := store.Allocate(FamilyRecord)
	require.NoError(t, err)
	require.NoError(t, store.WriteSlot(keeper, fmt.Sprintf("%d person bob 25 rome", keeper.Slot)))

	require.NoError(t, store.FreeSlot(loc))

	got, err = store.ReadSlot(loc)
	require.NoError(t, err)
	assert.Equal(t, "", got)
}

func TestAllocateFillsPageThenOverflowsToNewPage(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	var locs []Locator
	for i := 0; i < SlotsPerPage; i++ {
		loc, err := store.Allocate(FamilyRecord)
		require.NoError(t, err)
		require.NoError(t, store.WriteSlot(loc, fmt.Sprintf("%d x", loc.Slot)))
		locs = append(locs, loc)
	}
	for _, loc := range locs {
		assert.Equal(t, 1, loc.Page)
	}

	overflow, err := store.Allocate(FamilyRecord)
	require.NoError(t, err)
	assert.Equal(t, 2, overflow.Page)
	assert.Equal(t, 1, overflow.Slot)
}

func TestAllocateCreatesNewFileWhenAllPagesFull(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	total := PagesPerFile * SlotsPerPage
	var last Locator
	for i := 0; i < total; i++ {
		loc, err := store.Allocate(FamilyRecord)
		require.NoError(t, err)
		require.NoError(t, store.WriteSlot(loc, fmt.Sprintf("%d x", loc.Slot)))
		last = loc
	}
	assert.Equal(t, "records1", last.File)

	overflow, err := store.Allocate(FamilyRecord)
	require.NoError(t, err)
	assert.Equal(t, "records2", overflow.File)
	assert.Equal(t, 1, overflow.Page)
	assert.Equal(t, 1, overflow.Slot)
}

func TestFreeSlotRemovesFullyEmptyFile(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	loc, err := store.Allocate(FamilyRecord)
	require.NoError(t, err)
	require.NoError(t, store.WriteSlot(loc, fmt.Sprintf("%d x", loc.Slot)))

	files, err := store.listFiles(FamilyRecord)
	require.NoError(t, err)
	require.Len(t, files, 1)

	require.NoError(t, store.FreeSlot(loc))

	files, err = store.listFiles(FamilyRecord)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestDenseRenumberingFillsLowestUnusedIndex(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	total := PagesPerFile * SlotsPerPage
	var firstFileLocs []Locator
	for i := 0; i < total; i++ {
		loc, err := store.Allocate(FamilyRecord)
		require.NoError(t, err)
		require.NoError(t, store.WriteSlot(loc, fmt.Sprintf("%d x", loc.Slot)))
		firstFileLocs = append(firstFileLocs, loc)
	}
	for i := 0; i < total; i++ { // records2 created and filled completely
		loc, err := store.Allocate(FamilyRecord)
		require.NoError(t, err)
		require.NoError(t, store.WriteSlot(loc, fmt.Sprintf("%d y", loc.Slot)))
	}

	for _, loc := range firstFileLocs {
		require.NoError(t, store.FreeSlot(loc))
	}
	// records1 is now gone and records2 is full, so the next allocation
	// creates a new file, which must reuse index 1.
	loc, err := store.Allocate(FamilyRecord)
	require.NoError(t, err)
	assert.Equal(t, "records1", loc.File)
}

func TestScanOrdersByFilePageSlot(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	for i := 0; i < 3; i++ {
		loc, err := store.Allocate(FamilyRecord)
		require.NoError(t, err)
		require.NoError(t, store.WriteSlot(loc, fmt.Sprintf("%d rec%d", loc.Slot, i)))
	}

	records, err := store.Scan(FamilyRecord)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, r := range records {
		assert.Equal(t, i+1, r.Locator.Slot)
	}
}

func TestHeaderEncodeDecodeEmptyList(t *testing.T) {
	h := header{PageNum: 1, Empty: nil, Records: 10}
	encoded, err := h.encode()
	require.NoError(t, err)
	assert.Equal(t, HeaderWidth, len(encoded))
	assert.Contains(t, encoded, "Empty:,")

	decoded, err := decodeHeader(encoded)
	require.NoError(t, err)
	assert.Empty(t, decoded.Empty)
	assert.Equal(t, 10, decoded.Records)
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := header{PageNum: 2, Empty: []int{1, 3, 7}, Records: 7}
	encoded, err := h.encode()
	require.NoError(t, err)

	decoded, err := decodeHeader(encoded)
	require.NoError(t, err)
	assert.Equal(t, h.PageNum, decoded.PageNum)
	assert.Equal(t, h.Empty, decoded.Empty)
	assert.Equal(t, h.Records, decoded.Records)
}

func TestLocatorStringRoundTrip(t *testing.T) {
	loc := Locator{File: "records1", Page: 2, Slot: 5}
	parsed, err := ParseLocator(loc.String())
	require.NoError(t, err)
	assert.Equal(t, loc, parsed)
}

func TestParseLocatorRejectsMalformed(t *testing.T) {
	_, err := ParseLocator("not-a-locator")
	assert.Error(t, err)
}
