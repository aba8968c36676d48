package migrate_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"cmdgate/internal/db"
	"cmdgate/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	v, err := migrate.Version(ctx, conn)
	require.NoError(t, err)
	require.Zero(t, v)

	latest, err := migrate.Latest()
	require.NoError(t, err)
	require.Positive(t, latest)

	v, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, latest, v)

	v, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, latest, v)

	v, err = migrate.Version(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, latest, v)
}

func TestAuditTriggersRejectMutation(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, `INSERT INTO audit_logs(ts,actor_id,action_type,resource_type) VALUES ('2024-01-01T00:00:00Z','system','TEST','test')`)
	require.NoError(t, err)

	_, err = conn.ExecContext(ctx, `UPDATE audit_logs SET actor_id='someone'`)
	require.ErrorContains(t, err, "append-only")
	_, err = conn.ExecContext(ctx, `DELETE FROM audit_logs`)
	require.ErrorContains(t, err, "append-only")
}
