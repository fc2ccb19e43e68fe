// Package member reads member records from the membership database. The
// member table itself is owned by the membership portal; everything here is
// read-only.
package member

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates no member exists with the given id.
var ErrNotFound = errors.New("member not found")

// Tag status values as stored by the membership portal.
const (
	TagActive   = "ACTIVE"
	TagInactive = "INACTIVE"
)

// Identity is the identity JSONB document of a member. Only the fields the
// effectors need are decoded; the portal owns the full schema.
type Identity struct {
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	Email             string `json:"email,omitempty"`
	DirectoryUsername string `json:"active_directory_username,omitempty"`
}

// FullName returns "First Last" with unknown parts filled in, for logging.
func (i Identity) FullName() string {
	first, last := i.FirstName, i.LastName
	if first == "" {
		first = "Unknown"
	}
	if last == "" {
		last = "Unknown"
	}
	return first + " " + last
}

// Tag is one RFID tag assignment. ConvertedTag is the Wiegand form the door
// controller stores.
type Tag struct {
	Tag          string `json:"tag"`
	ConvertedTag string `json:"converted_tag"`
	Status       string `json:"status"`
}

// Active reports whether the tag is currently assigned.
func (t Tag) Active() bool {
	return t.Status == TagActive
}

// Reader looks up member identity, status and tags.
type Reader struct {
	pool *pgxpool.Pool
}

// NewReader creates a Reader on a shared connection pool.
func NewReader(pool *pgxpool.Pool) *Reader {
	return &Reader{pool: pool}
}

// Identity returns the identity document for a member.
func (r *Reader) Identity(ctx context.Context, memberID int64) (Identity, error) {
	var raw []byte
	err := r.pool.QueryRow(ctx,
		`SELECT identity FROM member WHERE id = $1`, memberID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return Identity{}, fmt.Errorf("member %d: %w", memberID, ErrNotFound)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("failed to fetch identity for member %d: %w", memberID, err)
	}

	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return Identity{}, fmt.Errorf("malformed identity for member %d: %w", memberID, err)
	}
	return id, nil
}

// Status returns the membership_status value from the status document.
func (r *Reader) Status(ctx context.Context, memberID int64) (string, error) {
	var status *string
	err := r.pool.QueryRow(ctx,
		`SELECT status->>'membership_status' FROM member WHERE id = $1`,
		memberID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("member %d: %w", memberID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to fetch status for member %d: %w", memberID, err)
	}
	if status == nil {
		return "", nil
	}
	return strings.TrimSpace(*status), nil
}

// Tags returns all RFID tags recorded for a member, active and inactive.
// The set function lives in the database so the portal and this code agree
// on what counts as a member's tags.
func (r *Reader) Tags(ctx context.Context, memberID int64) ([]Tag, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT tag, wiegand_tag_num::text, status FROM get_all_tags_for_member($1)`,
		memberID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tags for member %d: %w", memberID, err)
	}
	defer rows.Close()

	var tags []Tag
	for rows.Next() {
		var t Tag
		if err := rows.Scan(&t.Tag, &t.ConvertedTag, &t.Status); err != nil {
			return nil, fmt.Errorf("failed to scan tag row: %w", err)
		}
		tags = append(tags, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read tag rows: %w", err)
	}

	return tags, nil
}
