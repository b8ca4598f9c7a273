package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/opencollab/issue-volunteer/internal/models"
)

// DB is the SQLite-backed record store shared by the reconciler and the
// coordinator.
type DB struct {
	db *sql.DB
}

// Open creates or opens the database at the given path and applies the
// schema. Safe to call multiple times.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection keeps
	// every transaction serialized and avoids SQLITE_BUSY.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &DB{db: conn}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	url TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	owner TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	github_username TEXT UNIQUE,
	slack_id TEXT,
	github_token TEXT
);

CREATE TABLE IF NOT EXISTS items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	node_id TEXT NOT NULL UNIQUE,
	repository_id INTEGER NOT NULL REFERENCES repositories(id),
	author_id INTEGER NOT NULL REFERENCES users(id),
	title TEXT NOT NULL,
	body TEXT NOT NULL DEFAULT '',
	number INTEGER NOT NULL,
	state TEXT NOT NULL,
	kind TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS workflows (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id INTEGER NOT NULL UNIQUE REFERENCES items(id),
	status TEXT NOT NULL,
	resolved_at TIMESTAMP,
	total_replies INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS workflow_participants (
	workflow_id INTEGER NOT NULL REFERENCES workflows(id),
	username TEXT NOT NULL,
	PRIMARY KEY (workflow_id, username)
);

CREATE TABLE IF NOT EXISTS workflow_replies (
	comment_id INTEGER PRIMARY KEY,
	workflow_id INTEGER NOT NULL REFERENCES workflows(id)
);

CREATE TABLE IF NOT EXISTS labels (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS item_labels (
	item_id INTEGER NOT NULL REFERENCES items(id),
	label_id INTEGER NOT NULL REFERENCES labels(id),
	PRIMARY KEY (item_id, label_id)
);

CREATE TABLE IF NOT EXISTS volunteer_claims (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES users(id),
	workflow_id INTEGER NOT NULL REFERENCES workflows(id),
	assigned_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_volunteer_claims_user ON volunteer_claims(user_id);
CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status);
`

// Close closes the database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// UpsertRepository creates the repository on first sighting of its URL and
// refreshes name/owner on later sightings.
func (d *DB) UpsertRepository(ctx context.Context, url, name, owner string) (*models.Repository, error) {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO repositories (url, name, owner)
		VALUES (?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			name = excluded.name,
			owner = excluded.owner`,
		url, name, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to save repository: %w", err)
	}
	return d.GetRepositoryByURL(ctx, url)
}

// GetRepositoryByURL gets a repository by its remote URL.
func (d *DB) GetRepositoryByURL(ctx context.Context, url string) (*models.Repository, error) {
	var repo models.Repository
	err := d.db.QueryRowContext(ctx,
		`SELECT id, url, name, owner FROM repositories WHERE url = ?`, url).
		Scan(&repo.ID, &repo.URL, &repo.Name, &repo.Owner)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get repository: %w", err)
	}
	return &repo, nil
}

// EnsureUser returns the user with the given GitHub username, creating a
// bare record (username only) if none exists.
func (d *DB) EnsureUser(ctx context.Context, githubUsername string) (*models.User, error) {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO users (github_username)
		VALUES (?)
		ON CONFLICT(github_username) DO NOTHING`,
		githubUsername)
	if err != nil {
		return nil, fmt.Errorf("failed to save user: %w", err)
	}
	return d.GetUserByUsername(ctx, githubUsername)
}

// GetUserByUsername gets a user by GitHub username.
func (d *DB) GetUserByUsername(ctx context.Context, githubUsername string) (*models.User, error) {
	return d.scanUser(d.db.QueryRowContext(ctx, `
		SELECT id, github_username, slack_id, github_token
		FROM users WHERE github_username = ?`, githubUsername))
}

// GetUserByID gets a user by internal ID.
func (d *DB) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return d.scanUser(d.db.QueryRowContext(ctx, `
		SELECT id, github_username, slack_id, github_token
		FROM users WHERE id = ?`, id))
}

// GetUserBySlackID gets a user by Slack identity.
func (d *DB) GetUserBySlackID(ctx context.Context, slackID string) (*models.User, error) {
	return d.scanUser(d.db.QueryRowContext(ctx, `
		SELECT id, github_username, slack_id, github_token
		FROM users WHERE slack_id = ?`, slackID))
}

// SetUserIdentity records a user's Slack identity and GitHub access token,
// filled in by the out-of-band identity-linking flow.
func (d *DB) SetUserIdentity(ctx context.Context, id int64, slackID, githubToken string) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE users SET slack_id = ?, github_token = ? WHERE id = ?`,
		nullable(slackID), nullable(githubToken), id)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (d *DB) scanUser(row *sql.Row) (*models.User, error) {
	var u models.User
	var username, slackID, token sql.NullString
	err := row.Scan(&u.ID, &username, &slackID, &token)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.GithubUsername = username.String
	u.SlackID = slackID.String
	u.GithubToken = token.String
	return &u, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// UpsertItem merges an item into the store, keyed on its remote node ID, as
// one transaction covering the item row, its workflow record and a wholesale
// replacement of its label set.
//
// On first sight the item is created open together with an open workflow with
// zero replies. On update the title, body and updated timestamp are
// refreshed, the state flips back to open, the workflow status becomes
// closed if the workflow was previously resolved and open otherwise, and the
// participant list is cleared. Labels are treated as a snapshot: the
// association set is deleted and recreated, never diffed.
func (d *DB) UpsertItem(ctx context.Context, item *models.Item, labels []string) (*models.Item, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var itemID, workflowID int64
	err = tx.QueryRowContext(ctx,
		`SELECT i.id, w.id FROM items i JOIN workflows w ON w.item_id = i.id WHERE i.node_id = ?`,
		item.NodeID).Scan(&itemID, &workflowID)
	switch {
	case err == sql.ErrNoRows:
		res, err := tx.ExecContext(ctx, `
			INSERT INTO items (node_id, repository_id, author_id, title, body, number, state, kind, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.NodeID, item.RepositoryID, item.AuthorID, item.Title, item.Body,
			item.Number, models.StateOpen, string(models.KindFromNodeID(item.NodeID)),
			item.CreatedAt, item.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to insert item: %w", err)
		}
		itemID, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read item id: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO workflows (item_id, status, total_replies)
			VALUES (?, ?, 0)`,
			itemID, models.StateOpen); err != nil {
			return nil, fmt.Errorf("failed to insert workflow: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to look up item: %w", err)
	default:
		if _, err := tx.ExecContext(ctx, `
			UPDATE items SET title = ?, body = ?, state = ?, updated_at = ?
			WHERE id = ?`,
			item.Title, item.Body, models.StateOpen, item.UpdatedAt, itemID); err != nil {
			return nil, fmt.Errorf("failed to update item: %w", err)
		}
		// A workflow that was resolved once stays marked closed even when
		// the remote item reopens; downstream owns the re-resolution call.
		if _, err := tx.ExecContext(ctx, `
			UPDATE workflows
			SET status = CASE WHEN resolved_at IS NOT NULL THEN ? ELSE ? END
			WHERE id = ?`,
			models.StateClosed, models.StateOpen, workflowID); err != nil {
			return nil, fmt.Errorf("failed to update workflow: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM workflow_participants WHERE workflow_id = ?`, workflowID); err != nil {
			return nil, fmt.Errorf("failed to clear participants: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM item_labels WHERE item_id = ?`, itemID); err != nil {
		return nil, fmt.Errorf("failed to clear labels: %w", err)
	}
	for _, name := range labels {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO labels (name) VALUES (?)
			ON CONFLICT(name) DO NOTHING`, name); err != nil {
			return nil, fmt.Errorf("failed to save label %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO item_labels (item_id, label_id)
			SELECT ?, id FROM labels WHERE name = ?`, itemID, name); err != nil {
			return nil, fmt.Errorf("failed to save item-label relationship: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit item upsert: %w", err)
	}
	return d.GetItemByNodeID(ctx, item.NodeID)
}

// GetItemByNodeID gets an item, with its repository, labels and workflow, by
// remote node ID.
func (d *DB) GetItemByNodeID(ctx context.Context, nodeID string) (*models.Item, error) {
	return d.getItem(ctx, `i.node_id = ?`, nodeID)
}

// GetItemByID gets an item, with its repository, labels and workflow, by
// internal ID.
func (d *DB) GetItemByID(ctx context.Context, id int64) (*models.Item, error) {
	return d.getItem(ctx, `i.id = ?`, id)
}

// GetItemByWorkflowID gets the item owning the given workflow record.
func (d *DB) GetItemByWorkflowID(ctx context.Context, workflowID int64) (*models.Item, error) {
	return d.getItem(ctx, `w.id = ?`, workflowID)
}

func (d *DB) getItem(ctx context.Context, where string, arg any) (*models.Item, error) {
	var it models.Item
	var repo models.Repository
	var wf models.Workflow
	var resolvedAt sql.NullTime
	err := d.db.QueryRowContext(ctx, `
		SELECT i.id, i.node_id, i.repository_id, i.author_id, i.title, i.body,
		       i.number, i.state, i.kind, i.created_at, i.updated_at,
		       r.id, r.url, r.name, r.owner,
		       w.id, w.item_id, w.status, w.resolved_at, w.total_replies
		FROM items i
		JOIN repositories r ON r.id = i.repository_id
		JOIN workflows w ON w.item_id = i.id
		WHERE `+where, arg).
		Scan(&it.ID, &it.NodeID, &it.RepositoryID, &it.AuthorID, &it.Title, &it.Body,
			&it.Number, &it.State, &it.Kind, &it.CreatedAt, &it.UpdatedAt,
			&repo.ID, &repo.URL, &repo.Name, &repo.Owner,
			&wf.ID, &wf.ItemID, &wf.Status, &resolvedAt, &wf.TotalReplies)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	if resolvedAt.Valid {
		wf.ResolvedAt = &resolvedAt.Time
	}
	it.Repository = &repo
	it.Workflow = &wf

	labels, err := d.itemLabels(ctx, it.ID)
	if err != nil {
		return nil, err
	}
	it.Labels = labels

	participants, err := d.workflowParticipants(ctx, wf.ID)
	if err != nil {
		return nil, err
	}
	it.Workflow.Participants = participants
	return &it, nil
}

func (d *DB) itemLabels(ctx context.Context, itemID int64) ([]models.Label, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT l.id, l.name
		FROM labels l
		JOIN item_labels il ON il.label_id = l.id
		WHERE il.item_id = ?
		ORDER BY l.name`, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}
	defer rows.Close()

	var labels []models.Label
	for rows.Next() {
		var l models.Label
		if err := rows.Scan(&l.ID, &l.Name); err != nil {
			return nil, fmt.Errorf("failed to scan label: %w", err)
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

func (d *DB) workflowParticipants(ctx context.Context, workflowID int64) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT username FROM workflow_participants
		WHERE workflow_id = ? ORDER BY username`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	defer rows.Close()

	var participants []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, username)
	}
	return participants, rows.Err()
}

// ListOpenWorkflowItems returns the items whose workflow is still open,
// oldest first. This is the raw material for candidate lists.
func (d *DB) ListOpenWorkflowItems(ctx context.Context) ([]*models.Item, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT i.id
		FROM items i
		JOIN workflows w ON w.item_id = i.id
		WHERE w.status = ?
		ORDER BY i.created_at, i.id`, models.StateOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to list open workflows: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan item id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	items := make([]*models.Item, 0, len(ids))
	for _, id := range ids {
		item, err := d.GetItemByID(ctx, id)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// MarkWorkflowResolved closes a workflow and its item and stamps the
// resolution time. Closing the item is the implicit release path for any
// claim on it; the first resolution timestamp is never overwritten.
func (d *DB) MarkWorkflowResolved(ctx context.Context, workflowID int64, at time.Time) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE workflows
		SET status = ?, resolved_at = COALESCE(resolved_at, ?)
		WHERE id = ?`,
		models.StateClosed, at, workflowID)
	if err != nil {
		return fmt.Errorf("failed to resolve workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE items SET state = ?
		WHERE id = (SELECT item_id FROM workflows WHERE id = ?)`,
		models.StateClosed, workflowID); err != nil {
		return fmt.Errorf("failed to close item: %w", err)
	}
	return tx.Commit()
}

// RecordWorkflowReply records an external reply: the commenter joins the
// participant list and the reply counter is bumped. Keyed on the comment's
// remote ID, so redelivery of the same comment event is a no-op.
func (d *DB) RecordWorkflowReply(ctx context.Context, workflowID, commentID int64, username string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_replies (comment_id, workflow_id)
		VALUES (?, ?)
		ON CONFLICT(comment_id) DO NOTHING`,
		commentID, workflowID)
	if err != nil {
		return fmt.Errorf("failed to save reply: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already seen this comment.
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_participants (workflow_id, username)
		VALUES (?, ?)
		ON CONFLICT(workflow_id, username) DO NOTHING`,
		workflowID, username); err != nil {
		return fmt.Errorf("failed to save participant: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE workflows SET total_replies = total_replies + 1 WHERE id = ?`,
		workflowID); err != nil {
		return fmt.Errorf("failed to bump reply count: %w", err)
	}
	return tx.Commit()
}

// GetActiveClaimByUser returns the user's active claim, if any. A claim is
// active while its workflow is still open.
func (d *DB) GetActiveClaimByUser(ctx context.Context, userID int64) (*models.VolunteerClaim, error) {
	var c models.VolunteerClaim
	err := d.db.QueryRowContext(ctx, `
		SELECT c.id, c.user_id, c.workflow_id, c.assigned_at
		FROM volunteer_claims c
		JOIN workflows w ON w.id = c.workflow_id
		WHERE c.user_id = ? AND w.status = ?`,
		userID, models.StateOpen).
		Scan(&c.ID, &c.UserID, &c.WorkflowID, &c.AssignedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get claim: %w", err)
	}
	return &c, nil
}

// CreateClaim records a new volunteer claim. The active-claim guard and the
// insert run in one transaction so that two concurrent attempts by the same
// user cannot both succeed; the loser gets ErrAlreadyVolunteering.
func (d *DB) CreateClaim(ctx context.Context, userID, workflowID int64, at time.Time) (*models.VolunteerClaim, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM volunteer_claims c
		JOIN workflows w ON w.id = c.workflow_id
		WHERE c.user_id = ? AND w.status = ?`,
		userID, models.StateOpen).Scan(&existing)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing claims: %w", err)
	}
	if existing > 0 {
		return nil, ErrAlreadyVolunteering
	}

	claim := &models.VolunteerClaim{
		ID:         uuid.NewString(),
		UserID:     userID,
		WorkflowID: workflowID,
		AssignedAt: at,
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO volunteer_claims (id, user_id, workflow_id, assigned_at)
		VALUES (?, ?, ?, ?)`,
		claim.ID, claim.UserID, claim.WorkflowID, claim.AssignedAt); err != nil {
		return nil, fmt.Errorf("failed to insert claim: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return claim, nil
}
