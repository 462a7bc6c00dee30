// ABOUTME: Customer (tenant) persistence operations.
// ABOUTME: Customers are the assignment targets for approved agents.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateCustomer inserts a new customer. Names are unique.
func (s *SQLiteStore) CreateCustomer(ctx context.Context, c *Customer) error {
	if c.Name == "" {
		return fmt.Errorf("customer name is required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO customers (id, name, created_at) VALUES (?, ?, ?)`,
		c.ID, c.Name, c.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateCustomer
		}
		return fmt.Errorf("inserting customer: %w", err)
	}
	return nil
}

// GetCustomer retrieves a customer by id.
func (s *SQLiteStore) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	var c Customer
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM customers WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting customer: %w", err)
	}
	return &c, nil
}

// ListCustomers returns all customers ordered by name.
func (s *SQLiteStore) ListCustomers(ctx context.Context) ([]*Customer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, created_at FROM customers ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing customers: %w", err)
	}
	defer rows.Close()

	var customers []*Customer
	for rows.Next() {
		var c Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning customer: %w", err)
		}
		customers = append(customers, &c)
	}
	return customers, rows.Err()
}
