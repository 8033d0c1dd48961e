package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codernetes/hub/internal/models"
)

// Node repository errors.
var (
	ErrNodeNotFound  = errors.New("node not found")
	ErrDuplicateNode = errors.New("node name already registered")
)

// NodeRepository handles the persistent node inventory.
type NodeRepository struct {
	db *DB
}

// NewNodeRepository creates a new NodeRepository.
func NewNodeRepository(db *DB) *NodeRepository {
	return &NodeRepository{db: db}
}

// Create inserts a new node record.
func (r *NodeRepository) Create(ctx context.Context, node *models.RemoteNodeRecord) error {
	if err := node.Validate(); err != nil {
		return err
	}

	if node.ID == "" {
		node.ID = uuid.New().String()
	}
	if node.Status == "" {
		node.Status = models.NodeRecordStatusOffline
	}

	tagsJSON, err := marshalNullable(node.Tags, len(node.Tags) > 0)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO nodes (id, name, host, port, tags_json, status, last_seen, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		node.ID,
		node.Name,
		node.Host,
		node.Port,
		tagsJSON,
		string(node.Status),
		formatNullableTime(node.LastSeen),
		nullableString(node.Notes),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateNode, node.Name)
		}
		return fmt.Errorf("failed to insert node: %w", err)
	}

	return nil
}

// Get retrieves a node by ID.
func (r *NodeRepository) Get(ctx context.Context, id string) (*models.RemoteNodeRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, host, port, tags_json, status, last_seen, notes
		FROM nodes WHERE id = ?
	`, id)
	return scanNode(row)
}

// GetByName retrieves a node by name.
func (r *NodeRepository) GetByName(ctx context.Context, name string) (*models.RemoteNodeRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, host, port, tags_json, status, last_seen, notes
		FROM nodes WHERE name = ?
	`, name)
	return scanNode(row)
}

// List retrieves all nodes ordered by name.
func (r *NodeRepository) List(ctx context.Context) ([]*models.RemoteNodeRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, host, port, tags_json, status, last_seen, notes
		FROM nodes ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.RemoteNodeRecord
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}

	return nodes, nil
}

// Update rewrites a node record.
func (r *NodeRepository) Update(ctx context.Context, node *models.RemoteNodeRecord) error {
	if err := node.Validate(); err != nil {
		return err
	}

	tagsJSON, err := marshalNullable(node.Tags, len(node.Tags) > 0)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE nodes SET name = ?, host = ?, port = ?, tags_json = ?, status = ?, last_seen = ?, notes = ?
		WHERE id = ?
	`,
		node.Name,
		node.Host,
		node.Port,
		tagsJSON,
		string(node.Status),
		formatNullableTime(node.LastSeen),
		nullableString(node.Notes),
		node.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrDuplicateNode, node.Name)
		}
		return fmt.Errorf("failed to update node: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNodeNotFound
	}

	return nil
}

// UpdateStatus sets a node's status and touches last_seen.
func (r *NodeRepository) UpdateStatus(ctx context.Context, id string, status models.NodeRecordStatus) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE nodes SET status = ?, last_seen = ? WHERE id = ?
	`, string(status), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to update node status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNodeNotFound
	}

	return nil
}

// Delete removes a node record.
func (r *NodeRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNodeNotFound
	}

	return nil
}

func scanNode(row rowScanner) (*models.RemoteNodeRecord, error) {
	var node models.RemoteNodeRecord
	var status string
	var tagsJSON, lastSeen, notes sql.NullString

	err := row.Scan(
		&node.ID,
		&node.Name,
		&node.Host,
		&node.Port,
		&tagsJSON,
		&status,
		&lastSeen,
		&notes,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNodeNotFound
		}
		return nil, fmt.Errorf("failed to scan node: %w", err)
	}

	node.Status = models.NodeRecordStatus(status)
	node.Notes = notes.String

	if tagsJSON.Valid {
		if err := json.Unmarshal([]byte(tagsJSON.String), &node.Tags); err != nil {
			return nil, fmt.Errorf("failed to parse node tags: %w", err)
		}
	}
	if lastSeen.Valid {
		if t, err := time.Parse(time.RFC3339, lastSeen.String); err == nil {
			node.LastSeen = &t
		}
	}

	return &node, nil
}

func formatNullableTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") ||
		strings.Contains(message, "constraint failed")
}
