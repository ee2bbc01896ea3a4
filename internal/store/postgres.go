package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// Users
// =============================================================================

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (name, email, password_hash, role, team_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`, user.Name, user.Email, user.PasswordHash, user.Role, user.TeamID).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, role, team_id, created_at, updated_at
		FROM users
		WHERE LOWER(email) = LOWER($1)
	`, email).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Role, &user.TeamID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, role, team_id, created_at, updated_at
		FROM users
		WHERE id = $1
	`, userID).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Role, &user.TeamID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, role, team_id, created_at, updated_at
		FROM users
		ORDER BY name, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Name, &user.Email, &user.Role, &user.TeamID, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListTeamMembers(ctx context.Context, teamID int64) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.name, u.email, u.role, u.team_id, u.created_at, u.updated_at
		FROM users u
		JOIN team_memberships tm ON tm.user_id = u.id
		WHERE tm.team_id = $1
		ORDER BY u.id
	`, teamID)
	if err != nil {
		return nil, fmt.Errorf("list team members: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Name, &user.Email, &user.Role, &user.TeamID, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan team member: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate team members: %w", err)
	}
	return items, nil
}

// =============================================================================
// Projects
// =============================================================================

func (s *PostgresStore) CreateProject(ctx context.Context, project Project) (Project, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO projects (name, description, created_by)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`, project.Name, project.Description, project.CreatedBy).Scan(&project.ID, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	return project, nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID int64) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_by, created_at, updated_at
		FROM projects
		WHERE id = $1
	`, projectID).Scan(&project.ID, &project.Name, &project.Description, &project.CreatedBy, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	return project, nil
}

// ProjectAccessible runs the project-visibility rule in a single query:
// the requester created the project, or the creator belongs to the
// requester's team.
func (s *PostgresStore) ProjectAccessible(ctx context.Context, projectID, userID, teamID int64) (bool, error) {
	var allowed bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM projects p
			WHERE p.id = $1
				AND (p.created_by = $2
					OR p.created_by IN (
						SELECT tm.user_id FROM team_memberships tm WHERE tm.team_id = $3
					))
		)
	`, projectID, userID, teamID).Scan(&allowed)
	if err != nil {
		return false, fmt.Errorf("check project access: %w", err)
	}
	return allowed, nil
}

// AccessibleProjectIDs lists the projects visible to a user under the
// same rule as ProjectAccessible. A nil teamID restricts the set to the
// user's own projects.
func (s *PostgresStore) AccessibleProjectIDs(ctx context.Context, userID int64, teamID *int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id FROM projects p
		WHERE p.created_by = $1
			OR ($2::bigint IS NOT NULL AND p.created_by IN (
				SELECT tm.user_id FROM team_memberships tm WHERE tm.team_id = $2
			))
		ORDER BY p.id
	`, userID, teamID)
	if err != nil {
		return nil, fmt.Errorf("list accessible projects: %w", err)
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project ids: %w", err)
	}
	return ids, nil
}

// =============================================================================
// Issues
// =============================================================================

func (s *PostgresStore) CreateIssue(ctx context.Context, issue Issue) (Issue, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO issues (project_id, title, body, status, assignee_id, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`, issue.ProjectID, issue.Title, issue.Body, issue.Status, issue.AssigneeID, issue.CreatedBy).Scan(&issue.ID, &issue.CreatedAt, &issue.UpdatedAt)
	if err != nil {
		return Issue{}, fmt.Errorf("insert issue: %w", err)
	}
	return issue, nil
}

func (s *PostgresStore) GetIssue(ctx context.Context, issueID int64) (Issue, error) {
	var issue Issue
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, body, status, assignee_id, created_by, created_at, updated_at
		FROM issues
		WHERE id = $1
	`, issueID).Scan(&issue.ID, &issue.ProjectID, &issue.Title, &issue.Body, &issue.Status, &issue.AssigneeID, &issue.CreatedBy, &issue.CreatedAt, &issue.UpdatedAt)
	if err != nil {
		return Issue{}, err
	}
	return issue, nil
}

func (s *PostgresStore) UpdateIssue(ctx context.Context, issue Issue) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE issues
		SET title=$2, body=$3, status=$4, assignee_id=$5, updated_at=NOW()
		WHERE id=$1
	`, issue.ID, issue.Title, issue.Body, issue.Status, issue.AssigneeID)
	if err != nil {
		return fmt.Errorf("update issue: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateComment(ctx context.Context, comment Comment) (Comment, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO comments (issue_id, body, created_by)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, comment.IssueID, comment.Body, comment.CreatedBy).Scan(&comment.ID, &comment.CreatedAt)
	if err != nil {
		return Comment{}, fmt.Errorf("insert comment: %w", err)
	}
	return comment, nil
}

// =============================================================================
// Wiki pages
// =============================================================================

func (s *PostgresStore) CreatePage(ctx context.Context, page WikiPage) (WikiPage, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO wiki_pages (project_id, title, content, created_by, updated_by)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING id, created_at, updated_at
	`, page.ProjectID, page.Title, page.Content, page.CreatedBy).Scan(&page.ID, &page.CreatedAt, &page.UpdatedAt)
	if err != nil {
		return WikiPage{}, fmt.Errorf("insert page: %w", err)
	}
	page.UpdatedBy = page.CreatedBy
	return page, nil
}

func (s *PostgresStore) GetPage(ctx context.Context, pageID int64) (WikiPage, error) {
	var page WikiPage
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, content, created_by, updated_by, created_at, updated_at
		FROM wiki_pages
		WHERE id = $1
	`, pageID).Scan(&page.ID, &page.ProjectID, &page.Title, &page.Content, &page.CreatedBy, &page.UpdatedBy, &page.CreatedAt, &page.UpdatedAt)
	if err != nil {
		return WikiPage{}, err
	}
	return page, nil
}

func (s *PostgresStore) UpdatePage(ctx context.Context, page WikiPage) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE wiki_pages
		SET title=$2, content=$3, updated_by=$4, updated_at=NOW()
		WHERE id=$1
	`, page.ID, page.Title, page.Content, page.UpdatedBy)
	if err != nil {
		return fmt.Errorf("update page: %w", err)
	}
	return nil
}

// =============================================================================
// Notifications
// =============================================================================

func (s *PostgresStore) InsertNotification(ctx context.Context, n Notification) (Notification, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO notifications (user_id, type, entity_type, entity_id, entity_title, actor_name)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, n.UserID, n.Type, n.EntityType, n.EntityID, n.EntityTitle, n.ActorName).Scan(&n.ID, &n.CreatedAt)
	if err != nil {
		return Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) UnreadNotificationCount(ctx context.Context, userID int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM notifications WHERE user_id=$1 AND read_at IS NULL
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, userID int64, limit int) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, entity_type, entity_id, entity_title, actor_name, created_at, read_at
		FROM notifications
		WHERE user_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		var n Notification
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.EntityType, &n.EntityID, &n.EntityTitle, &n.ActorName, &n.CreatedAt, &n.ReadAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

// MarkNotificationRead stamps read_at for a notification owned by
// userID. The read_at IS NULL guard keeps the transition monotonic;
// re-marking a read notification affects zero rows and reports false.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID, userID int64) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET read_at=NOW()
		WHERE id=$1 AND user_id=$2 AND read_at IS NULL
	`, notificationID, userID)
	if err != nil {
		return false, fmt.Errorf("mark notification read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark notification read rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET read_at=NOW() WHERE user_id=$1 AND read_at IS NULL
	`, userID)
	if err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

// =============================================================================
// Seed
// =============================================================================

// EnsureTeam returns the team with the given name, creating it if absent.
func (s *PostgresStore) EnsureTeam(ctx context.Context, name string) (Team, error) {
	var team Team
	err := s.db.QueryRowContext(ctx, `SELECT id, name, created_at FROM teams WHERE name=$1`, name).
		Scan(&team.ID, &team.Name, &team.CreatedAt)
	if err == nil {
		return team, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Team{}, fmt.Errorf("lookup team: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO teams (name) VALUES ($1) RETURNING id, name, created_at
	`, name).Scan(&team.ID, &team.Name, &team.CreatedAt)
	if err != nil {
		return Team{}, fmt.Errorf("insert team: %w", err)
	}
	return team, nil
}

func (s *PostgresStore) AddTeamMember(ctx context.Context, teamID, userID int64, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO team_memberships (team_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (team_id, user_id) DO NOTHING
	`, teamID, userID, role)
	if err != nil {
		return fmt.Errorf("add team member: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE users SET team_id=$2, updated_at=NOW() WHERE id=$1`, userID, teamID); err != nil {
		return fmt.Errorf("set user team: %w", err)
	}
	return nil
}

func (s *PostgresStore) UserCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}
