package activity

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claimwatch/internal/db"
	"claimwatch/internal/domain"
	"claimwatch/internal/errs"
	"claimwatch/internal/migrate"
	"claimwatch/internal/repo"
)

func TestAppendRejectsDuplicateEvent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "cw.db")})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))

	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	r := repo.Repo{DB: conn}
	issue, err := r.EnsureIssue(ctx, nil, "acme/widgets", 3, now)
	require.NoError(t, err)
	cid, err := r.InsertClaim(ctx, nil, domain.Claim{IssueID: issue.ID, Claimant: "alice", Confidence: 95, DetectedAt: now,
		State: domain.ClaimActive, LastProgressAt: now, TimerStartedAt: now, UpdatedAt: now})
	require.NoError(t, err)

	w := Writer{Now: func() time.Time { return now }}
	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, w.Append(ctx, tx, cid, domain.ActivityDetected, "alice", "evt-1", Payload{"confidence": 95}))
	err = w.Append(ctx, tx, cid, domain.ActivityReinforced, "alice", "evt-1", nil)
	require.ErrorIs(t, err, errs.ErrDuplicateEvent)
	require.NoError(t, w.Append(ctx, tx, cid, domain.ActivityNudged, "", "", nil))
	require.NoError(t, w.Append(ctx, tx, cid, domain.ActivityNudged, "", "", nil))
	require.NoError(t, tx.Commit())

	rows, err := r.ListActivity(ctx, cid, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, domain.ActivityDetected, rows[0].Kind)
	assert.Equal(t, "evt-1", rows[0].EventID)
	assert.Equal(t, now, rows[0].CreatedAt)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(rows[0].Payload), &payload))
	assert.EqualValues(t, 95, payload["confidence"])

	seen, err := r.EventSeen(ctx, nil, "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)
}
