package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/roomd/internal/db"
)

func TestLedger_AppendAndRecent(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "roomd.db"))
	require.NoError(t, err)
	defer database.Close()

	l := New(database.DB)
	require.NoError(t, l.Append("lamp", map[string]any{"on": true}, OutcomeAccepted))
	require.NoError(t, l.Append("lamp", map[string]any{"on": false}, OutcomeRejected))
	require.NoError(t, l.Append("fan", map[string]any{"on": true}, OutcomeAccepted))

	entries, err := l.Recent("lamp", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, OutcomeRejected, entries[0].Outcome)
	assert.Equal(t, false, entries[0].Payload["on"])
	assert.Equal(t, "lamp", entries[1].DeviceID)

	n, err := l.DeleteOlderThan(-time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
