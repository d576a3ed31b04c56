package repo

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dracanus/internal/domain"
	"dracanus/internal/events"
)

var fixedNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newMockRepo(t *testing.T) (Repo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return Repo{DB: db, Events: events.Writer{Now: func() time.Time { return fixedNow }}}, mock
}

var policyCols = []string{"id", "owner_id", "project_id", "name", "description", "type", "conditions_json", "action",
	"severity", "active", "expires_at", "triggered_count", "created_at"}

func TestActivePoliciesScopesToProject(t *testing.T) {
	ctx := context.Background()

	t.Run("global only", func(t *testing.T) {
		r, mock := newMockRepo(t)
		mock.ExpectQuery(`FROM policies WHERE owner_id=\? AND active=1 AND \(expires_at IS NULL OR expires_at>=\?\) AND \(project_id IS NULL\) ORDER BY CASE severity`).
			WithArgs("alice", "2025-03-10T12:00:00.000Z").
			WillReturnRows(sqlmock.NewRows(policyCols).
				AddRow("p1", "alice", "", "limit", "", domain.PolicyRateLimit, `{"limit":3,"window":"hour"}`, domain.ActionBlock,
					domain.SeverityHigh, 1, nil, 2, "2025-03-01T00:00:00.000Z"))

		got, err := r.ActivePolicies(ctx, "alice", "", fixedNow)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.True(t, got[0].Active)
		assert.Nil(t, got[0].ExpiresAt)
		assert.Equal(t, float64(3), got[0].Conditions["limit"])
		assert.Equal(t, 2, got[0].TriggeredCount)
	})

	t.Run("global and project", func(t *testing.T) {
		r, mock := newMockRepo(t)
		mock.ExpectQuery(regexp.QuoteMeta(`(project_id IS NULL OR project_id=?)`)).
			WithArgs("alice", "2025-03-10T12:00:00.000Z", "proj-1").
			WillReturnRows(sqlmock.NewRows(policyCols))

		got, err := r.ActivePolicies(ctx, "alice", "proj-1", fixedNow)
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestRecordViolationRollsBackOnEventFailure(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE policies SET triggered_count=triggered_count+1 WHERE id=?`)).
		WithArgs("p1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO events`)).
		WithArgs("2025-03-10T12:00:00.000Z", events.PolicyTriggered, nil, "policy", "p1", "alice", `{"reason":"too many"}`).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := r.RecordViolation(context.Background(), domain.Violation{
		PolicyID: "p1",
		OwnerID:  "alice",
		Reason:   "too many",
		BlockedAction: &domain.BlockedAction{
			ID: "b1", OwnerID: "alice", PolicyID: "p1", AgentID: "agent-x", Status: domain.BlockedPending,
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append policy.triggered event")
}

func TestRecordViolationUnknownPolicy(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE policies SET triggered_count`).
		WithArgs("gone").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := r.RecordViolation(context.Background(), domain.Violation{PolicyID: "gone", OwnerID: "alice"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetPolicyActiveChecksOwner(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(project_id,'') FROM policies WHERE id=? AND owner_id=?`)).
		WithArgs("p1", "mallory").
		WillReturnRows(sqlmock.NewRows([]string{"project_id"}))
	mock.ExpectRollback()

	err := r.SetPolicyActive(context.Background(), "mallory", "p1", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFinishExecutionOnlyOnce(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE executions SET .* WHERE id=\? AND status='RUNNING'`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := r.FinishExecution(context.Background(), domain.Execution{ID: "e1", OwnerID: "alice", Status: domain.ExecCompleted})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestListExecutionsBuildsFilter(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectQuery(`FROM executions WHERE owner_id=\? AND status=\? AND started_at>=\? ORDER BY started_at DESC, id DESC LIMIT \?$`).
		WithArgs("alice", domain.ExecFailed, "2025-03-01T00:00:00.000Z", 10).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	got, err := r.ListExecutions(context.Background(), ExecutionFilter{
		OwnerID: "alice",
		Status:  domain.ExecFailed,
		Since:   "2025-03-01T00:00:00.000Z",
		Limit:   10,
	})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListBlockedActionsWithoutLimit(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectQuery(`FROM blocked_actions WHERE owner_id=\? ORDER BY created_at DESC, id DESC$`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id", "owner_id", "policy_id", "agent_id", "action_json", "reason",
			"environment", "status", "created_at", "resolved_at", "resolved_by"}).
			AddRow("b1", "alice", "p1", "agent-x", `{"task":"send mail"}`, "approval", "production",
				domain.BlockedPending, "2025-03-10T11:00:00.000Z", nil, ""))

	got, err := r.ListBlockedActions(context.Background(), "alice", "", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "send mail", got[0].Action["task"])
	assert.Nil(t, got[0].ResolvedAt)
}

func TestQueryFailureSurfaces(t *testing.T) {
	r, mock := newMockRepo(t)
	mock.ExpectQuery(`FROM policies WHERE owner_id=\?`).
		WithArgs("alice").
		WillReturnError(errors.New("database is locked"))

	_, err := r.ListPolicies(context.Background(), "alice")
	assert.EqualError(t, err, "database is locked")
}
