package node

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SnapshotStore persists the last-known identity and inventory per node so
// the bridge can populate consumers before the first connection completes.
// Implementations must be safe for concurrent use.
type SnapshotStore interface {
	// Identity retrieves the persisted identity record.
	// Returns ErrSnapshotNotFound when the node has never been stored.
	Identity(ctx context.Context, nodeID string) (*Identity, error)

	// SaveIdentity inserts or replaces the identity record.
	SaveIdentity(ctx context.Context, nodeID string, ident *Identity) error

	// Inventory retrieves the persisted entity and service snapshot.
	// A node without stored inventory yields an empty Inventory, not an
	// error, so seeding works uniformly.
	Inventory(ctx context.Context, nodeID string) (*Inventory, error)

	// SaveInventory replaces the entity and service snapshot wholesale.
	// The node's identity row must already exist.
	SaveInventory(ctx context.Context, nodeID string, inv *Inventory) error

	// ListNodes returns the IDs of every node with a stored snapshot.
	// Used to detect nodes that were removed from configuration.
	ListNodes(ctx context.Context) ([]string, error)

	// Delete removes everything stored for a node.
	Delete(ctx context.Context, nodeID string) error
}

// Store implements SnapshotStore on SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a SQLite-backed snapshot store. The db parameter should
// be an open connection with foreign keys enabled.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Identity retrieves the persisted identity record for a node.
func (s *Store) Identity(ctx context.Context, nodeID string) (*Identity, error) {
	query := `
		SELECT mac, name, model, manufacturer, sw_version, has_deep_sleep, updated_at
		FROM nodes
		WHERE node_id = ?`

	var ident Identity
	var hasDeepSleep int
	var updatedAt string
	err := s.db.QueryRowContext(ctx, query, nodeID).Scan(
		&ident.MAC,
		&ident.Name,
		&ident.Model,
		&ident.Manufacturer,
		&ident.SoftwareVersion,
		&hasDeepSleep,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("querying node identity: %w", err)
	}

	ident.HasDeepSleep = hasDeepSleep != 0
	ident.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &ident, nil
}

// SaveIdentity inserts or replaces the identity record for a node.
func (s *Store) SaveIdentity(ctx context.Context, nodeID string, ident *Identity) error {
	now := time.Now().UTC()
	ident.UpdatedAt = now

	query := `
		INSERT INTO nodes (node_id, mac, name, model, manufacturer, sw_version, has_deep_sleep, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			mac = excluded.mac,
			name = excluded.name,
			model = excluded.model,
			manufacturer = excluded.manufacturer,
			sw_version = excluded.sw_version,
			has_deep_sleep = excluded.has_deep_sleep,
			updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		nodeID,
		ident.MAC,
		ident.Name,
		ident.Model,
		ident.Manufacturer,
		ident.SoftwareVersion,
		boolToInt(ident.HasDeepSleep),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving node identity: %w", err)
	}
	return nil
}

// Inventory retrieves the persisted entity and service snapshot for a node.
func (s *Store) Inventory(ctx context.Context, nodeID string) (*Inventory, error) {
	entities, err := s.queryEntities(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	services, err := s.queryServices(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return &Inventory{Entities: entities, Services: services}, nil
}

func (s *Store) queryEntities(ctx context.Context, nodeID string) ([]EntityInfo, error) {
	query := `
		SELECT kind, entity_key, object_id, name, icon, unit, device_class,
			entity_category, disabled_by_default
		FROM entities
		WHERE node_id = ?
		ORDER BY kind, entity_key`

	rows, err := s.db.QueryContext(ctx, query, nodeID)
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	defer rows.Close()

	var entities []EntityInfo
	for rows.Next() {
		var e EntityInfo
		var kind string
		var disabled int
		if err := rows.Scan(&kind, &e.Key, &e.ObjectID, &e.Name, &e.Icon,
			&e.Unit, &e.DeviceClass, &e.EntityCategory, &disabled); err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		e.Kind = EntityKind(kind)
		e.DisabledByDefault = disabled != 0
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entities: %w", err)
	}
	return entities, nil
}

func (s *Store) queryServices(ctx context.Context, nodeID string) ([]ServiceInfo, error) {
	query := `
		SELECT service_key, name, args
		FROM services
		WHERE node_id = ?
		ORDER BY service_key`

	rows, err := s.db.QueryContext(ctx, query, nodeID)
	if err != nil {
		return nil, fmt.Errorf("querying services: %w", err)
	}
	defer rows.Close()

	var services []ServiceInfo
	for rows.Next() {
		var svc ServiceInfo
		var argsJSON string
		if err := rows.Scan(&svc.Key, &svc.Name, &argsJSON); err != nil {
			return nil, fmt.Errorf("scanning service: %w", err)
		}
		if err := json.Unmarshal([]byte(argsJSON), &svc.Args); err != nil {
			return nil, fmt.Errorf("unmarshalling service args: %w", err)
		}
		services = append(services, svc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating services: %w", err)
	}
	return services, nil
}

// SaveInventory replaces the stored entity and service snapshot in one
// transaction. Reconciliation replaces listings wholesale, so the store does
// the same rather than diffing rows.
func (s *Store) SaveInventory(ctx context.Context, nodeID string, inv *Inventory) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning inventory transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	now := time.Now().UTC().Format(time.RFC3339)

	if _, err := tx.ExecContext(ctx, `DELETE FROM entities WHERE node_id = ?`, nodeID); err != nil {
		return fmt.Errorf("clearing entities: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM services WHERE node_id = ?`, nodeID); err != nil {
		return fmt.Errorf("clearing services: %w", err)
	}

	entityInsert := `
		INSERT INTO entities (node_id, kind, entity_key, object_id, name, icon,
			unit, device_class, entity_category, disabled_by_default, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, e := range inv.Entities {
		if _, err := tx.ExecContext(ctx, entityInsert,
			nodeID, string(e.Kind), e.Key, e.ObjectID, e.Name, e.Icon,
			e.Unit, e.DeviceClass, e.EntityCategory, boolToInt(e.DisabledByDefault), now,
		); err != nil {
			return fmt.Errorf("inserting entity %s: %w", e.StateKey(), err)
		}
	}

	serviceInsert := `
		INSERT INTO services (node_id, service_key, name, args, updated_at)
		VALUES (?, ?, ?, ?, ?)`
	for _, svc := range inv.Services {
		argsJSON, err := json.Marshal(svc.Args)
		if err != nil {
			return fmt.Errorf("marshalling args for service %q: %w", svc.Name, err)
		}
		if _, err := tx.ExecContext(ctx, serviceInsert,
			nodeID, svc.Key, svc.Name, string(argsJSON), now,
		); err != nil {
			return fmt.Errorf("inserting service %q: %w", svc.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing inventory: %w", err)
	}
	return nil
}

// ListNodes returns the IDs of all nodes with a stored snapshot, sorted.
func (s *Store) ListNodes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT node_id FROM nodes ORDER BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("listing nodes: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning node id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating nodes: %w", err)
	}
	return ids, nil
}

// Delete removes a node's identity and inventory. Entity and service rows
// cascade from the nodes row.
func (s *Store) Delete(ctx context.Context, nodeID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE node_id = ?`, nodeID); err != nil {
		return fmt.Errorf("deleting node: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
