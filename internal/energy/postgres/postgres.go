// Package postgres implements the energy gate over the ledger tables the
// store's migration creates.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/fabula/internal/energy"
)

// Gate computes balances from the energy_grants and energy_purchases ledgers
// and the energy already charged on the user's stories.
type Gate struct {
	pool *pgxpool.Pool
}

var (
	_ energy.Gate    = (*Gate)(nil)
	_ energy.Granter = (*Gate)(nil)
)

// NewGate wraps an existing pool, typically the one shared with the store.
func NewGate(pool *pgxpool.Pool) *Gate {
	return &Gate{pool: pool}
}

// Balance implements [energy.Gate].
func (g *Gate) Balance(ctx context.Context, userID string) (int, error) {
	const q = `
		SELECT
		    COALESCE((SELECT SUM(amount) FROM energy_grants    WHERE user_id = $1), 0)
		  + COALESCE((SELECT SUM(amount) FROM energy_purchases WHERE user_id = $1), 0)
		  - COALESCE((
		        SELECT SUM(m.energy_usage)
		        FROM   story_messages m
		        JOIN   stories s ON s.id = m.story_id
		        WHERE  s.owner_id = $1
		    ), 0)`

	var balance int
	if err := g.pool.QueryRow(ctx, q, userID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("energy gate: balance: %w", err)
	}
	return balance, nil
}

// Grant implements [energy.Granter].
func (g *Gate) Grant(ctx context.Context, userID string, amount int) error {
	const q = `INSERT INTO energy_grants (user_id, amount) VALUES ($1, $2)`
	if _, err := g.pool.Exec(ctx, q, userID, amount); err != nil {
		return fmt.Errorf("energy gate: grant: %w", err)
	}
	return nil
}
