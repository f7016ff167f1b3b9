package repository

import (
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-approval-engine/internal/delegation"
	"github.com/pesio-ai/be-approval-engine/internal/directory"
	"github.com/pesio-ai/be-approval-engine/internal/engine"
)

var (
	_ engine.DefinitionStore = (*DefinitionRepository)(nil)
	_ engine.InstanceStore   = (*InstanceRepository)(nil)
	_ engine.AuditLog        = (*AuditRepository)(nil)
	_ delegation.Store       = (*DelegationRepository)(nil)
	_ directory.OrgDirectory = (*OrgRepository)(nil)
)

func TestIsUniqueViolation(t *testing.T) {
	active := &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: activeRequestIndex}

	require.True(t, isUniqueViolation(active, activeRequestIndex))
	require.True(t, isUniqueViolation(fmt.Errorf("insert: %w", active), ""))
	require.False(t, isUniqueViolation(active, "approval_decisions_record_id_actor_id_key"))
	require.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}, ""))
	require.False(t, isUniqueViolation(nil, ""))
}

func TestNonNil(t *testing.T) {
	require.Equal(t, []string{}, nonNil(nil))
	require.Equal(t, []string{"a"}, nonNil([]string{"a"}))
}
