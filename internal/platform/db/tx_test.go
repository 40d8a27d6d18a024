package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

func TestPgErrorClassification(t *testing.T) {
	unique := fmt.Errorf("insert key: %w", &pgconn.PgError{Code: "23505"})
	serialization := fmt.Errorf("update header: %w", &pgconn.PgError{Code: "40001"})

	require.True(t, IsUniqueViolation(unique))
	require.False(t, IsUniqueViolation(serialization))
	require.True(t, IsSerializationFailure(serialization))
	require.False(t, IsSerializationFailure(unique))
	require.False(t, IsUniqueViolation(errors.New("23505")))
	require.False(t, IsSerializationFailure(nil))
}

func TestCommitErrorKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("%w: %w", ErrCommit, cause)
	require.ErrorIs(t, err, ErrCommit)
	require.ErrorIs(t, err, cause)
}
