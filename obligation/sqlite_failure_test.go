package obligation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteStore_UnreachableDatabase(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := newSQLStore(db)
	ctx := context.Background()

	mock.ExpectQuery("SELECT .* FROM obligations").WillReturnError(errors.New("read: connection reset by peer"))
	_, err = store.ListDue(ctx, time.Now(), DueFilter{})
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	mock.ExpectBegin().WillReturnError(errors.New("dial tcp: connection refused"))
	_, err = store.Transition(ctx, "ob-1", StatusOpen, StatusReminded, Effect{At: time.Now()})
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_EmptyResultIsNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := newSQLStore(db)
	mock.ExpectQuery("SELECT .* FROM obligations WHERE id = ?").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrStoreUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_TransitionRejectsBadEdgeWithoutTouchingDB(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := newSQLStore(db)
	_, err = store.Transition(context.Background(), "ob-1", StatusCompleted, StatusOpen, Effect{})
	assert.ErrorIs(t, err, ErrTerminal)
	assert.NoError(t, mock.ExpectationsWereMet())
}
