package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/candlevault/candlevault/internal/models"
)

// mapError classifies a database failure into the engine's error taxonomy.
// Integrity-class violations indicate a validator bug and must be surfaced
// as such; missing relations trigger the schema-ensure path.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return models.WrapKind(models.ErrCancelled, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.WrapKind(models.ErrStorageTransient, err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "42P01": // undefined_table
			return models.WrapKind(models.ErrSchemaMissing, err)
		case pqErr.Code.Class() == "23": // integrity_constraint_violation
			return models.WrapKind(models.ErrStorageIntegrity, err)
		case pqErr.Code.Class() == "08", // connection_exception
			pqErr.Code.Class() == "57", // operator_intervention
			pqErr.Code.Class() == "40": // transaction_rollback (deadlock, serialization)
			return models.WrapKind(models.ErrStorageTransient, err)
		}
		return models.WrapKind(models.ErrStorageTransient, err)
	}

	return models.WrapKind(models.ErrStorageTransient, err)
}
