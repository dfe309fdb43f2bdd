package omnisync

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvidia-omniverse/omnisync/utils"
)

func TestJournalRoundTrip(t *testing.T) {
	log := utils.NewDefaultLogger(-4)
	dir := filepath.Join(t.TempDir(), "journal")

	j, err := OpenJournal(log, dir)
	require.NoError(t, err)
	require.NoError(t, j.Record(KeyColor, Color("#112233")))
	require.NoError(t, j.Record(KeyStyle, StyleClutch))
	require.NoError(t, j.Record(KeyColor, Color("#445566"))) // overwrite
	require.NoError(t, j.Close())

	j, err = OpenJournal(log, dir)
	require.NoError(t, err)
	defer j.Close()

	restored := map[string]StateValue{}
	require.NoError(t, j.Restore(func(key string, v StateValue) error {
		restored[key] = v
		return nil
	}))
	assert.Equal(t, Color("#445566"), restored[KeyColor])
	assert.Equal(t, StyleClutch, restored[KeyStyle])
	assert.Len(t, restored, 2)
}

func TestJournalSkipsBadEntries(t *testing.T) {
	log := utils.NewDefaultLogger(-4)
	dir := filepath.Join(t.TempDir(), "journal")

	j, err := OpenJournal(log, dir)
	require.NoError(t, err)
	defer j.Close()

	// write a variant that no longer decodes for its key
	require.NoError(t, j.db.Set(journalKey(KeyStyle), []byte("backpack"), &JournalWriteOptions))
	require.NoError(t, j.db.Set(journalKey(KeyColor), []byte("#abcdef"), &JournalWriteOptions))

	restored := map[string]StateValue{}
	require.NoError(t, j.Restore(func(key string, v StateValue) error {
		restored[key] = v
		return nil
	}))
	assert.Len(t, restored, 1)
	assert.Equal(t, Color("#abcdef"), restored[KeyColor])
}

func TestJournalSuppressesUnchangedWrites(t *testing.T) {
	log := utils.NewDefaultLogger(-4)
	j, err := OpenJournal(log, filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)
	defer j.Close()

	require.NoError(t, j.Record(KeyColor, Color("#112233")))
	fp := j.written[KeyColor]
	require.NoError(t, j.Record(KeyColor, Color("#112233")))
	assert.Equal(t, fp, j.written[KeyColor])
	require.NoError(t, j.Record(KeyColor, Color("#998877")))
	assert.NotEqual(t, fp, j.written[KeyColor])
}
