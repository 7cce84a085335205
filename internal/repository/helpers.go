package repository

import (
	"database/sql"
	"errors"
	"fmt"
)

// HandleNotFound turns sql.ErrNoRows into (nil, nil) for Find* lookups.
func HandleNotFound[T any](result *T, err error) (*T, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// wrap annotates a query error with the operation and table.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
