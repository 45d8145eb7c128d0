package sequence

import (
	"context"

	"gorm.io/gorm"
)

type databaseCounter struct{}

// NewDatabaseCounter returns a counter backed by the invoice_sequences
// table. It runs on the caller's transaction: a rollback returns the number,
// so committed invoices stay gapless.
func NewDatabaseCounter() Counter {
	return databaseCounter{}
}

func (databaseCounter) Backend() string { return BackendDatabase }

func (c databaseCounter) Next(ctx context.Context, tx *gorm.DB, year int) (int64, error) {
	if !validYear(year) {
		return 0, &StorageError{Backend: BackendDatabase, Year: year, Err: ErrInvalidYear}
	}
	if tx == nil {
		return 0, &StorageError{Backend: BackendDatabase, Year: year, Err: ErrNoTransaction}
	}

	var (
		value int64
		err   error
	)
	switch tx.Dialector.Name() {
	case "mysql":
		value, err = c.nextMySQL(ctx, tx, year)
	default:
		value, err = c.nextUpsert(ctx, tx, year)
	}
	if err != nil {
		return 0, &StorageError{Backend: BackendDatabase, Year: year, Err: err}
	}
	if value <= 0 {
		return 0, &StorageError{Backend: BackendDatabase, Year: year, Err: ErrNoValue}
	}
	return value, nil
}

// nextUpsert serves postgres and sqlite, which both support
// ON CONFLICT ... RETURNING.
func (databaseCounter) nextUpsert(ctx context.Context, tx *gorm.DB, year int) (int64, error) {
	var value int64
	err := tx.WithContext(ctx).Raw(
		`INSERT INTO invoice_sequences (year, value, updated_at)
		 VALUES (?, 1, ?)
		 ON CONFLICT (year) DO UPDATE
		 SET value = invoice_sequences.value + 1, updated_at = excluded.updated_at
		 RETURNING value`,
		year,
		tx.NowFunc(),
	).Scan(&value).Error
	return value, err
}

// nextMySQL relies on LAST_INSERT_ID(expr) being scoped to the connection
// held by the transaction.
func (databaseCounter) nextMySQL(ctx context.Context, tx *gorm.DB, year int) (int64, error) {
	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO invoice_sequences (year, value, updated_at)
		 VALUES (?, LAST_INSERT_ID(1), ?)
		 ON DUPLICATE KEY UPDATE value = LAST_INSERT_ID(value + 1), updated_at = VALUES(updated_at)`,
		year,
		tx.NowFunc(),
	).Error; err != nil {
		return 0, err
	}

	var value int64
	err := tx.WithContext(ctx).Raw(`SELECT LAST_INSERT_ID()`).Scan(&value).Error
	return value, err
}
