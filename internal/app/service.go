package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"unicode/utf8"

	"tablero/api/internal/access"
	"tablero/api/internal/authpw"
	"tablero/api/internal/config"
	"tablero/api/internal/notify"
	"tablero/api/internal/rbac"
	"tablero/api/internal/search"
	"tablero/api/internal/session"
	"tablero/api/internal/store"
	"tablero/api/internal/util"
)

// Store is the persistence surface the service works against.
type Store interface {
	CreateUser(ctx context.Context, user store.User) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id int64) (store.User, error)
	ListUsers(ctx context.Context) ([]store.User, error)
	ListTeamMembers(ctx context.Context, teamID int64) ([]store.User, error)

	CreateProject(ctx context.Context, project store.Project) (store.Project, error)
	GetProject(ctx context.Context, projectID int64) (store.Project, error)
	ProjectAccessible(ctx context.Context, projectID, userID, teamID int64) (bool, error)
	AccessibleProjectIDs(ctx context.Context, userID int64, teamID *int64) ([]int64, error)

	CreateIssue(ctx context.Context, issue store.Issue) (store.Issue, error)
	GetIssue(ctx context.Context, issueID int64) (store.Issue, error)
	UpdateIssue(ctx context.Context, issue store.Issue) error
	CreateComment(ctx context.Context, comment store.Comment) (store.Comment, error)

	CreatePage(ctx context.Context, page store.WikiPage) (store.WikiPage, error)
	GetPage(ctx context.Context, pageID int64) (store.WikiPage, error)
	UpdatePage(ctx context.Context, page store.WikiPage) error

	InsertNotification(ctx context.Context, n store.Notification) (store.Notification, error)
	UnreadNotificationCount(ctx context.Context, userID int64) (int, error)
	ListNotifications(ctx context.Context, userID int64, limit int) ([]store.Notification, error)
	MarkNotificationRead(ctx context.Context, notificationID, userID int64) (bool, error)
	MarkAllNotificationsRead(ctx context.Context, userID int64) error

	EnsureTeam(ctx context.Context, name string) (store.Team, error)
	AddTeamMember(ctx context.Context, teamID, userID int64, role string) error
	UserCount(ctx context.Context) (int, error)

	Ping(ctx context.Context) error
}

// SessionStore is the server-side session surface.
type SessionStore interface {
	Create(ctx context.Context, user session.User) (session.Session, error)
	Get(ctx context.Context, sessionID string) (session.Session, error)
	Destroy(ctx context.Context, sessionID string) error
	Ping(ctx context.Context) error
}

// SearchService runs scoped queries and keeps the index current.
type SearchService interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexIssue(rec search.IssueRecord)
	IndexPage(rec search.PageRecord)
}

type Service struct {
	cfg      config.Config
	store    Store
	sessions SessionStore
	auth     *authpw.Service
	guard    *access.Guard
	notify   *notify.Service
	search   SearchService
}

func NewService(cfg config.Config, st Store, sessions SessionStore, mailer notify.Mailer, searchSvc SearchService) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		sessions: sessions,
		auth:     authpw.NewService(st),
		guard:    access.NewGuard(st),
		notify:   notify.NewService(st, mailer, cfg.BaseURL),
		search:   searchSvc,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Can reports whether a role satisfies the required role.
func (s *Service) Can(role string, required rbac.Role) bool {
	return rbac.Normalize(role).AtLeast(required)
}

// =============================================================================
// Authentication and sessions
// =============================================================================

func snapshot(user store.User) session.User {
	return session.User{
		ID:     user.ID,
		Name:   user.Name,
		Email:  user.Email,
		Role:   user.Role,
		TeamID: user.TeamID,
	}
}

func (s *Service) Register(ctx context.Context, req authpw.RegisterRequest) (store.User, error) {
	return s.auth.Register(ctx, req)
}

// Login verifies credentials and establishes a fresh session. Any
// session identifier the browser presented before authenticating is
// destroyed first so a pre-set cookie can never name the new session.
func (s *Service) Login(ctx context.Context, email, password, presentedSessionID string) (session.Session, error) {
	if presentedSessionID != "" {
		if err := s.sessions.Destroy(ctx, presentedSessionID); err != nil {
			log.Printf("login: destroy presented session: %v", err)
		}
	}

	user, err := s.auth.Authenticate(ctx, email, password)
	if err != nil {
		return session.Session{}, err
	}

	sess, err := s.sessions.Create(ctx, snapshot(user))
	if err != nil {
		return session.Session{}, fmt.Errorf("establish session: %w", err)
	}
	return sess, nil
}

func (s *Service) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return s.sessions.Destroy(ctx, sessionID)
}

func (s *Service) Session(ctx context.Context, sessionID string) (session.Session, error) {
	return s.sessions.Get(ctx, sessionID)
}

// =============================================================================
// Projects
// =============================================================================

type ProjectInput struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Service) CreateProject(ctx context.Context, actor session.User, in ProjectInput) (store.Project, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return store.Project{}, domainError(http.StatusUnprocessableEntity, "name is required")
	}
	project, err := s.store.CreateProject(ctx, store.Project{
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		CreatedBy:   actor.ID,
	})
	if err != nil {
		return store.Project{}, fmt.Errorf("create project: %w", err)
	}
	return project, nil
}

func (s *Service) GetProject(ctx context.Context, actor session.User, projectID int64) (store.Project, error) {
	if err := s.guard.Check(ctx, projectID, actor); err != nil {
		return store.Project{}, err
	}
	return s.store.GetProject(ctx, projectID)
}

// =============================================================================
// Issues
// =============================================================================

type IssueInput struct {
	ProjectID  int64  `json:"project_id"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	AssigneeID *int64 `json:"assignee_id"`
}

type IssueUpdateInput struct {
	Title      *string `json:"title"`
	Body       *string `json:"body"`
	Status     *string `json:"status"`
	AssigneeID *int64  `json:"assignee_id"`
}

func validIssueStatus(status string) bool {
	switch status {
	case "open", "in_progress", "closed":
		return true
	}
	return false
}

func (s *Service) CreateIssue(ctx context.Context, actor session.User, in IssueInput) (store.Issue, error) {
	if err := s.guard.Check(ctx, in.ProjectID, actor); err != nil {
		return store.Issue{}, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return store.Issue{}, domainError(http.StatusUnprocessableEntity, "title is required")
	}

	issue, err := s.store.CreateIssue(ctx, store.Issue{
		ProjectID:  in.ProjectID,
		Title:      title,
		Body:       in.Body,
		Status:     "open",
		AssigneeID: in.AssigneeID,
		CreatedBy:  actor.ID,
	})
	if err != nil {
		return store.Issue{}, fmt.Errorf("create issue: %w", err)
	}

	s.notifyIssue(ctx, actor, issue, "issue_created", s.projectCreator(ctx, issue.ProjectID))
	if issue.AssigneeID != nil {
		s.notifyIssue(ctx, actor, issue, "issue_assigned", *issue.AssigneeID)
	}
	s.search.IndexIssue(issueRecord(issue))
	return issue, nil
}

func (s *Service) GetIssue(ctx context.Context, actor session.User, issueID int64) (store.Issue, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return store.Issue{}, err
	}
	if err := s.guard.Check(ctx, issue.ProjectID, actor); err != nil {
		return store.Issue{}, err
	}
	return issue, nil
}

func (s *Service) UpdateIssue(ctx context.Context, actor session.User, issueID int64, in IssueUpdateInput) (store.Issue, error) {
	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return store.Issue{}, err
	}
	if err := s.guard.Check(ctx, issue.ProjectID, actor); err != nil {
		return store.Issue{}, err
	}

	previousAssignee := issue.AssigneeID
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return store.Issue{}, domainError(http.StatusUnprocessableEntity, "title is required")
		}
		issue.Title = title
	}
	if in.Body != nil {
		issue.Body = *in.Body
	}
	if in.Status != nil {
		if !validIssueStatus(*in.Status) {
			return store.Issue{}, domainError(http.StatusUnprocessableEntity, "invalid status")
		}
		issue.Status = *in.Status
	}
	if in.AssigneeID != nil {
		issue.AssigneeID = in.AssigneeID
	}

	if err := s.store.UpdateIssue(ctx, issue); err != nil {
		return store.Issue{}, err
	}

	s.notifyIssue(ctx, actor, issue, "issue_updated", issue.CreatedBy, derefID(previousAssignee))
	if in.AssigneeID != nil && (previousAssignee == nil || *previousAssignee != *in.AssigneeID) {
		s.notifyIssue(ctx, actor, issue, "issue_assigned", *in.AssigneeID)
	}
	s.search.IndexIssue(issueRecord(issue))
	return issue, nil
}

type CommentInput struct {
	Body string `json:"body"`
}

func (s *Service) CommentIssue(ctx context.Context, actor session.User, issueID int64, in CommentInput) (store.Comment, error) {
	body := strings.TrimSpace(in.Body)
	if body == "" {
		return store.Comment{}, domainError(http.StatusUnprocessableEntity, "body is required")
	}

	issue, err := s.store.GetIssue(ctx, issueID)
	if err != nil {
		return store.Comment{}, err
	}
	if err := s.guard.Check(ctx, issue.ProjectID, actor); err != nil {
		return store.Comment{}, err
	}

	comment, err := s.store.CreateComment(ctx, store.Comment{
		IssueID:   issueID,
		Body:      body,
		CreatedBy: actor.ID,
	})
	if err != nil {
		return store.Comment{}, fmt.Errorf("create comment: %w", err)
	}

	s.notifyIssue(ctx, actor, issue, "comment_added", issue.CreatedBy, derefID(issue.AssigneeID))
	return comment, nil
}

// =============================================================================
// Wiki pages
// =============================================================================

type PageInput struct {
	ProjectID int64  `json:"project_id"`
	Title     string `json:"title"`
	Content   string `json:"content"`
}

type PageUpdateInput struct {
	Title   *string `json:"title"`
	Content *string `json:"content"`
}

func (s *Service) CreatePage(ctx context.Context, actor session.User, in PageInput) (store.WikiPage, error) {
	if err := s.guard.Check(ctx, in.ProjectID, actor); err != nil {
		return store.WikiPage{}, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return store.WikiPage{}, domainError(http.StatusUnprocessableEntity, "title is required")
	}

	page, err := s.store.CreatePage(ctx, store.WikiPage{
		ProjectID: in.ProjectID,
		Title:     title,
		Content:   in.Content,
		CreatedBy: actor.ID,
	})
	if err != nil {
		return store.WikiPage{}, fmt.Errorf("create page: %w", err)
	}

	s.notifyPage(ctx, actor, page, "page_created", s.projectCreator(ctx, page.ProjectID))
	s.search.IndexPage(pageRecord(page))
	return page, nil
}

func (s *Service) GetPage(ctx context.Context, actor session.User, pageID int64) (store.WikiPage, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return store.WikiPage{}, err
	}
	if err := s.guard.Check(ctx, page.ProjectID, actor); err != nil {
		return store.WikiPage{}, err
	}
	return page, nil
}

func (s *Service) UpdatePage(ctx context.Context, actor session.User, pageID int64, in PageUpdateInput) (store.WikiPage, error) {
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return store.WikiPage{}, err
	}
	if err := s.guard.Check(ctx, page.ProjectID, actor); err != nil {
		return store.WikiPage{}, err
	}

	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return store.WikiPage{}, domainError(http.StatusUnprocessableEntity, "title is required")
		}
		page.Title = title
	}
	if in.Content != nil {
		page.Content = *in.Content
	}
	page.UpdatedBy = actor.ID

	if err := s.store.UpdatePage(ctx, page); err != nil {
		return store.WikiPage{}, err
	}

	s.notifyPage(ctx, actor, page, "page_updated", page.CreatedBy)
	s.search.IndexPage(pageRecord(page))
	return page, nil
}

// =============================================================================
// Notification fan-out
// =============================================================================

func derefID(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}

func (s *Service) projectCreator(ctx context.Context, projectID int64) int64 {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		log.Printf("notify: lookup project %d creator: %v", projectID, err)
		return 0
	}
	return project.CreatedBy
}

// notifyIssue records one notification per distinct recipient. The
// actor never notifies themselves; zero ids are placeholders for
// absent recipients.
func (s *Service) notifyIssue(ctx context.Context, actor session.User, issue store.Issue, notificationType string, recipients ...int64) {
	seen := map[int64]bool{actor.ID: true, 0: true}
	for _, recipient := range recipients {
		if seen[recipient] {
			continue
		}
		seen[recipient] = true
		s.notify.Record(ctx, store.Notification{
			UserID:      recipient,
			Type:        notificationType,
			EntityType:  "issue",
			EntityID:    issue.ID,
			EntityTitle: issue.Title,
			ActorName:   actor.Name,
		})
	}
}

func (s *Service) notifyPage(ctx context.Context, actor session.User, page store.WikiPage, notificationType string, recipients ...int64) {
	seen := map[int64]bool{actor.ID: true, 0: true}
	for _, recipient := range recipients {
		if seen[recipient] {
			continue
		}
		seen[recipient] = true
		s.notify.Record(ctx, store.Notification{
			UserID:      recipient,
			Type:        notificationType,
			EntityType:  "page",
			EntityID:    page.ID,
			EntityTitle: page.Title,
			ActorName:   actor.Name,
		})
	}
}

func issueRecord(issue store.Issue) search.IssueRecord {
	return search.IssueRecord{
		ID:        issue.ID,
		ProjectID: issue.ProjectID,
		Title:     issue.Title,
		Body:      issue.Body,
		CreatedAt: issue.CreatedAt.Unix(),
	}
}

func pageRecord(page store.WikiPage) search.PageRecord {
	return search.PageRecord{
		ID:        page.ID,
		ProjectID: page.ProjectID,
		Title:     page.Title,
		Content:   page.Content,
		CreatedAt: page.CreatedAt.Unix(),
	}
}

// =============================================================================
// Notifications API
// =============================================================================

func (s *Service) UnreadNotificationCount(ctx context.Context, actor session.User) (int, error) {
	return s.notify.UnreadCount(ctx, actor.ID)
}

func (s *Service) ListNotifications(ctx context.Context, actor session.User) ([]store.Notification, error) {
	return s.notify.List(ctx, actor.ID)
}

func (s *Service) MarkNotificationRead(ctx context.Context, actor session.User, notificationID int64) error {
	return s.notify.MarkRead(ctx, notificationID, actor.ID)
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, actor session.User) error {
	return s.notify.MarkAllRead(ctx, actor.ID)
}

// =============================================================================
// Search
// =============================================================================

// Search resolves the requester's visible projects and queries within
// them. A projectID > 0 narrows the scope to that project; asking for
// an inaccessible one simply yields nothing. Queries below the minimum
// length return an empty set before any storage is consulted.
func (s *Service) Search(ctx context.Context, actor session.User, text string, limit int, projectID int64) (search.Response, error) {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < search.MinQueryRunes {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	ids, err := s.store.AccessibleProjectIDs(ctx, actor.ID, actor.TeamID)
	if err != nil {
		return search.Response{}, fmt.Errorf("resolve search scope: %w", err)
	}
	if projectID > 0 {
		scoped := ids[:0]
		for _, id := range ids {
			if id == projectID {
				scoped = append(scoped, id)
			}
		}
		ids = scoped
	}
	return s.search.Search(ctx, search.Query{Text: text, ProjectIDs: ids, Limit: limit}), nil
}

// =============================================================================
// Directory
// =============================================================================

func (s *Service) ListUsers(ctx context.Context) ([]store.User, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i].PasswordHash = ""
	}
	return users, nil
}

func (s *Service) ListTeamMembers(ctx context.Context, actor session.User) ([]store.User, error) {
	if actor.TeamID == nil {
		return nil, domainError(http.StatusForbidden, "Sin equipo asignado")
	}
	users, err := s.store.ListTeamMembers(ctx, *actor.TeamID)
	if err != nil {
		return nil, err
	}
	for i := range users {
		users[i].PasswordHash = ""
	}
	return users, nil
}

// =============================================================================
// Bootstrap
// =============================================================================

// Bootstrap seeds an initial team and admin account on an empty
// database. The generated password is printed once to the log.
func (s *Service) Bootstrap(ctx context.Context) error {
	count, err := s.store.UserCount(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap user count: %w", err)
	}
	if count > 0 {
		return nil
	}

	team, err := s.store.EnsureTeam(ctx, "General")
	if err != nil {
		return fmt.Errorf("bootstrap team: %w", err)
	}

	password := util.NewToken(12)
	admin, err := s.auth.Register(ctx, authpw.RegisterRequest{
		Name:     "Administrador",
		Email:    "admin@tablero.local",
		Password: password,
		Role:     string(rbac.RoleAdmin),
	})
	if err != nil {
		return fmt.Errorf("bootstrap admin: %w", err)
	}
	if err := s.store.AddTeamMember(ctx, team.ID, admin.ID, string(rbac.RoleAdmin)); err != nil {
		return fmt.Errorf("bootstrap membership: %w", err)
	}

	log.Printf("bootstrap: created admin@tablero.local with password %s", password)
	return nil
}
