package repository

import (
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

var campaignCols = []string{"id", "name", "from_name", "from_email", "subject", "html_body", "custom_headers",
	"test_email", "selected_groups", "send_rate_per_minute", "status", "preparation_started_at",
	"preparation_completed_at", "sending_started_at", "sending_completed_at", "created_at", "updated_at"}

func campaignRow(rows *sqlmock.Rows, id int, status string) *sqlmock.Rows {
	return rows.AddRow(id, "Launch", "Fleet", "news@example.com", "Hi {name}", "<p>Hi</p>",
		[]byte(`{"X-Campaign":"launch"}`), "", []byte(`[1,2]`), 60, status,
		nil, nil, nil, nil, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), nil)
}
