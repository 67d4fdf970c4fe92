// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSink(t *testing.T) (*PostgresSink, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_events").
		WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewPostgresSink(db, nil)
	require.NoError(t, err)
	return s, mock
}

func sampleEvent() Event {
	return Event{
		ActorID:  "actor-1",
		TenantID: "tenant-a",
		Action:   ActionCrossTenantAttempt,
		Severity: SeverityHigh,
		Details:  map[string]interface{}{"entity_id": "issue-9"},
	}
}

func TestWritePersistsEvent(t *testing.T) {
	s, mock := newTestSink(t)
	mock.ExpectExec("INSERT INTO audit_events").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.Write(context.Background(), sampleEvent()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteFallsBackInsteadOfDropping(t *testing.T) {
	s, mock := newTestSink(t)
	mock.ExpectExec("INSERT INTO audit_events").
		WillReturnError(errors.New("connection refused"))

	var preserved *Event
	s.fallback = func(e Event, cause error) {
		preserved = &e
	}

	err := s.Write(context.Background(), sampleEvent())
	assert.NoError(t, err, "a failed durable write is absorbed after the fallback fires")
	require.NotNil(t, preserved, "the event must reach the fallback, never vanish")
	assert.Equal(t, ActionCrossTenantAttempt, preserved.Action)
	assert.NotEmpty(t, preserved.ID, "fallback records carry the assigned event id")
}

func TestWriteTimesOutAndFallsBack(t *testing.T) {
	s, mock := newTestSink(t)
	s.SetTimeout(20 * time.Millisecond)

	mock.ExpectExec("INSERT INTO audit_events").
		WillDelayFor(200 * time.Millisecond).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var preserved bool
	s.fallback = func(Event, error) { preserved = true }

	start := time.Now()
	err := s.Write(context.Background(), sampleEvent())
	assert.NoError(t, err)
	assert.True(t, preserved, "a hung audit store must not stall the caller")
	assert.Less(t, time.Since(start), 150*time.Millisecond, "the write is bounded by the sink timeout")
}

func TestSearchAppliesFilters(t *testing.T) {
	s, mock := newTestSink(t)

	now := time.Now().UTC()
	mock.ExpectQuery("FROM audit_events").
		WithArgs("tenant-a", string(ActionCrossTenantAttempt)).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "actor_id", "tenant_id", "action", "severity", "details", "created_at",
		}).AddRow("ev-1", "actor-1", "tenant-a", string(ActionCrossTenantAttempt),
			string(SeverityHigh), []byte(`{"entity_id":"issue-9"}`), now))

	events, err := s.Search(context.Background(), SearchFilter{
		TenantID: "tenant-a",
		Action:   ActionCrossTenantAttempt,
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, SeverityHigh, events[0].Severity)
	assert.Equal(t, "issue-9", events[0].Details["entity_id"])
}

func TestSearchEmptyResult(t *testing.T) {
	s, mock := newTestSink(t)
	mock.ExpectQuery("FROM audit_events").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "actor_id", "tenant_id", "action", "severity", "details", "created_at",
		}))

	events, err := s.Search(context.Background(), SearchFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}
