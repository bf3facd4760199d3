package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/msfrecon/recond/internal/model"
)

// SaveProfile creates or replaces the profile called p.Name.
func (s *Store) SaveProfile(ctx context.Context, p model.Profile) error {
	requests, err := json.Marshal(p.ToolRequests)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profiles (name, tool_requests, updated_at) VALUES (?,?,?)
		 ON CONFLICT (name) DO UPDATE SET tool_requests = excluded.tool_requests, updated_at = excluded.updated_at;`,
		p.Name, string(requests), s.now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("executing sql upsert failed: %w", err)
	}
	return nil
}

func (s *Store) Profile(ctx context.Context, name string) (model.Profile, error) {
	var requests string
	err := s.db.QueryRowContext(ctx, `SELECT tool_requests FROM profiles WHERE name=?`, name).Scan(&requests)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.Profile{}, fmt.Errorf("%w: %s", model.ErrProfileNotFound, name)
	case err != nil:
		return model.Profile{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	p := model.Profile{Name: name}
	if err := decode(requests, &p.ToolRequests); err != nil {
		return model.Profile{}, fmt.Errorf("decoding profile %s: %w", name, err)
	}
	return p, nil
}

// Profiles returns every stored profile sorted by name.
func (s *Store) Profiles(ctx context.Context) ([]model.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, tool_requests FROM profiles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	ret := make([]model.Profile, 0)
	for rows.Next() {
		var (
			p        model.Profile
			requests string
		)
		if err := rows.Scan(&p.Name, &requests); err != nil {
			return nil, fmt.Errorf("scanning row failed: %w", err)
		}
		if err := decode(requests, &p.ToolRequests); err != nil {
			return nil, fmt.Errorf("decoding profile %s: %w", p.Name, err)
		}
		ret = append(ret, p)
	}
	return ret, rows.Err()
}

func (s *Store) DeleteProfile(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE name=?`, name)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return fmt.Errorf("%w: %s", model.ErrProfileNotFound, name)
	}
	return nil
}
