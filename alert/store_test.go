package alert

import (
	"testing"
	"time"

	"github.com/pilab-dev/civic-session/domain"
	serrors "github.com/pilab-dev/civic-session/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

func alertOf(id string, status domain.AlertStatus, sev domain.AlertSeverity) domain.SecurityAlert {
	return domain.SecurityAlert{
		ID:        id,
		Type:      domain.AlertNewDevice,
		Severity:  sev,
		Status:    status,
		CreatedAt: t0,
	}
}

func seeded(t *testing.T, alerts ...domain.SecurityAlert) *Store {
	t.Helper()
	s := NewStore()
	require.NoError(t, s.Merge(s.Generation(), alerts, t0))
	return s
}

func status(t *testing.T, s *Store, id string) domain.AlertStatus {
	t.Helper()
	a, ok := s.Get(id)
	require.True(t, ok)
	return a.Status
}

func TestAlertStatus_Apply(t *testing.T) {
	testCases := []struct {
		from    domain.AlertStatus
		op      domain.AlertOp
		want    domain.AlertStatus
		changed bool
		wantErr bool
	}{
		{domain.AlertUnread, domain.OpMarkRead, domain.AlertRead, true, false},
		{domain.AlertRead, domain.OpMarkRead, domain.AlertRead, false, false},
		{domain.AlertAcknowledged, domain.OpMarkRead, domain.AlertAcknowledged, false, false},
		{domain.AlertResolved, domain.OpMarkRead, domain.AlertResolved, false, false},

		{domain.AlertUnread, domain.OpAcknowledge, domain.AlertAcknowledged, true, false},
		{domain.AlertRead, domain.OpAcknowledge, domain.AlertAcknowledged, true, false},
		{domain.AlertAcknowledged, domain.OpAcknowledge, domain.AlertAcknowledged, false, false},
		{domain.AlertResolved, domain.OpAcknowledge, domain.AlertResolved, false, true},

		{domain.AlertUnread, domain.OpResolve, domain.AlertResolved, true, false},
		{domain.AlertRead, domain.OpResolve, domain.AlertResolved, true, false},
		{domain.AlertAcknowledged, domain.OpResolve, domain.AlertResolved, true, false},
		{domain.AlertResolved, domain.OpResolve, domain.AlertResolved, false, true},
	}

	for _, tc := range testCases {
		t.Run(string(tc.from)+"/"+string(tc.op), func(t *testing.T) {
			next, changed, err := tc.from.Apply("x", tc.op)
			if tc.wantErr {
				var te *serrors.TransitionError
				require.ErrorAs(t, err, &te)
				assert.ErrorIs(t, err, serrors.ErrInvalidTransition)
				assert.Equal(t, "x", te.AlertID)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tc.want, next)
			assert.Equal(t, tc.changed, changed)
		})
	}
}

func TestStore_MergeNeverRegressesStatusOrSeverity(t *testing.T) {
	s := seeded(t, alertOf("x", domain.AlertAcknowledged, domain.SeverityHigh))

	later := alertOf("x", domain.AlertUnread, domain.SeverityLow)
	later.Title = "New sign-in"
	require.NoError(t, s.Merge(s.Generation(), []domain.SecurityAlert{later}, t0.Add(time.Minute)))

	got, _ := s.Get("x")
	assert.Equal(t, domain.AlertAcknowledged, got.Status)
	assert.Equal(t, domain.SeverityHigh, got.Severity)
	assert.Equal(t, "New sign-in", got.Title)
}

func TestStore_MergeKeepsUnlistedAlerts(t *testing.T) {
	s := seeded(t, alertOf("x", domain.AlertUnread, domain.SeverityLow), alertOf("y", domain.AlertUnread, domain.SeverityLow))
	require.NoError(t, s.Merge(s.Generation(), []domain.SecurityAlert{alertOf("z", domain.AlertRead, domain.SeverityLow)}, t0))

	assert.Len(t, s.Alerts(), 3)
	assert.Equal(t, 2, s.UnreadCount())
}

func TestStore_ApplyBatchNotifiesOnce(t *testing.T) {
	s := seeded(t,
		alertOf("a", domain.AlertUnread, domain.SeverityLow),
		alertOf("b", domain.AlertUnread, domain.SeverityMedium),
		alertOf("c", domain.AlertAcknowledged, domain.SeverityHigh),
		alertOf("d", domain.AlertResolved, domain.SeverityCritical),
	)

	var counts []int
	s.Subscribe(func(snap Snapshot) { counts = append(counts, snap.Unread) })

	changed, err := s.ApplyBatch(s.Generation(), nil, domain.OpMarkRead, t0.Add(time.Second))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, changed)
	assert.Equal(t, []int{0}, counts, "badge goes straight from 2 to 0")

	assert.Equal(t, domain.AlertAcknowledged, status(t, s, "c"))
	assert.Equal(t, domain.AlertResolved, status(t, s, "d"))
}

func TestStore_ApplyBatchSkipsInvalidTransitions(t *testing.T) {
	s := seeded(t,
		alertOf("a", domain.AlertUnread, domain.SeverityLow),
		alertOf("d", domain.AlertResolved, domain.SeverityLow),
	)

	changed, err := s.ApplyBatch(s.Generation(), []string{"a", "d", "missing"}, domain.OpAcknowledge, t0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, changed)
	assert.Equal(t, domain.AlertResolved, status(t, s, "d"))
}

func TestStore_Apply(t *testing.T) {
	s := seeded(t, alertOf("x", domain.AlertResolved, domain.SeverityLow))

	_, _, err := s.Apply(s.Generation(), "x", domain.OpAcknowledge, t0)
	assert.ErrorIs(t, err, serrors.ErrInvalidTransition)

	_, changed, err := s.Apply(s.Generation(), "x", domain.OpMarkRead, t0)
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = s.Apply(s.Generation(), "nope", domain.OpMarkRead, t0)
	assert.ErrorIs(t, err, serrors.ErrNotFound)
}

func TestStore_ResetRejectsStaleWrites(t *testing.T) {
	s := seeded(t, alertOf("x", domain.AlertUnread, domain.SeverityLow))
	gen := s.Generation()

	s.Reset()
	assert.Empty(t, s.Alerts())
	assert.ErrorIs(t, s.Merge(gen, []domain.SecurityAlert{alertOf("x", domain.AlertUnread, domain.SeverityLow)}, t0), ErrReset)
	_, err := s.ApplyBatch(gen, nil, domain.OpMarkRead, t0)
	assert.ErrorIs(t, err, ErrReset)
	assert.Empty(t, s.Alerts())
}

func TestStore_AlertsNewestFirst(t *testing.T) {
	older := alertOf("old", domain.AlertUnread, domain.SeverityLow)
	newer := alertOf("new", domain.AlertUnread, domain.SeverityLow)
	newer.CreatedAt = t0.Add(time.Hour)

	s := seeded(t, older, newer)
	got := s.Alerts()
	require.Len(t, got, 2)
	assert.Equal(t, "new", got[0].ID)
}

func TestStore_InvalidateDefersNotification(t *testing.T) {
	s := seeded(t, alertOf("x", domain.AlertUnread, domain.SeverityLow))
	gen := s.Generation()

	var seen []Snapshot
	s.Subscribe(func(snap Snapshot) { seen = append(seen, snap) })

	s.Invalidate()
	assert.Empty(t, seen)
	assert.ErrorIs(t, s.Merge(gen, []domain.SecurityAlert{alertOf("x", domain.AlertUnread, domain.SeverityLow)}, t0), ErrReset)

	s.Notify()
	require.Len(t, seen, 1)
	assert.Empty(t, seen[0].Alerts)
	assert.Zero(t, seen[0].Unread)
}
