package app

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"tablero/api/internal/config"
	"tablero/api/internal/email"
	"tablero/api/internal/search"
	"tablero/api/internal/session"
	"tablero/api/internal/store"

	"github.com/alicebob/miniredis/v2"
	"golang.org/x/crypto/bcrypt"
)

const testPassword = "contrasena segura"

// memStore is an in-memory Store for handler tests.
type memStore struct {
	mu            sync.Mutex
	users         map[int64]store.User
	teams         map[int64]store.Team
	memberships   map[int64][]int64
	projects      map[int64]store.Project
	issues        map[int64]store.Issue
	comments      []store.Comment
	pages         map[int64]store.WikiPage
	notifications []store.Notification
	nextID        int64
}

func newMemStore() *memStore {
	return &memStore{
		users:       make(map[int64]store.User),
		teams:       make(map[int64]store.Team),
		memberships: make(map[int64][]int64),
		projects:    make(map[int64]store.Project),
		issues:      make(map[int64]store.Issue),
		pages:       make(map[int64]store.WikiPage),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) CreateUser(_ context.Context, user store.User) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user.ID = m.id()
	user.CreatedAt = time.Now()
	user.UpdatedAt = user.CreatedAt
	m.users[user.ID] = user
	return user, nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, user := range m.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStore) GetUserByID(_ context.Context, id int64) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) ListUsers(_ context.Context) ([]store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]store.User, 0, len(m.users))
	for _, user := range m.users {
		users = append(users, user)
	}
	return users, nil
}

func (m *memStore) ListTeamMembers(_ context.Context, teamID int64) ([]store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	users := make([]store.User, 0)
	for _, id := range m.memberships[teamID] {
		users = append(users, m.users[id])
	}
	return users, nil
}

func (m *memStore) CreateProject(_ context.Context, project store.Project) (store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	project.ID = m.id()
	project.CreatedAt = time.Now()
	project.UpdatedAt = project.CreatedAt
	m.projects[project.ID] = project
	return project, nil
}

func (m *memStore) GetProject(_ context.Context, projectID int64) (store.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	project, ok := m.projects[projectID]
	if !ok {
		return store.Project{}, sql.ErrNoRows
	}
	return project, nil
}

func (m *memStore) creatorInTeam(createdBy, teamID int64) bool {
	for _, member := range m.memberships[teamID] {
		if member == createdBy {
			return true
		}
	}
	return false
}

func (m *memStore) ProjectAccessible(_ context.Context, projectID, userID, teamID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	project, ok := m.projects[projectID]
	if !ok {
		return false, nil
	}
	return project.CreatedBy == userID || m.creatorInTeam(project.CreatedBy, teamID), nil
}

func (m *memStore) AccessibleProjectIDs(_ context.Context, userID int64, teamID *int64) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0)
	for id, project := range m.projects {
		if project.CreatedBy == userID || (teamID != nil && m.creatorInTeam(project.CreatedBy, *teamID)) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memStore) CreateIssue(_ context.Context, issue store.Issue) (store.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	issue.ID = m.id()
	issue.CreatedAt = time.Now()
	issue.UpdatedAt = issue.CreatedAt
	m.issues[issue.ID] = issue
	return issue, nil
}

func (m *memStore) GetIssue(_ context.Context, issueID int64) (store.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	issue, ok := m.issues[issueID]
	if !ok {
		return store.Issue{}, sql.ErrNoRows
	}
	return issue, nil
}

func (m *memStore) UpdateIssue(_ context.Context, issue store.Issue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.issues[issue.ID]; !ok {
		return sql.ErrNoRows
	}
	issue.UpdatedAt = time.Now()
	m.issues[issue.ID] = issue
	return nil
}

func (m *memStore) CreateComment(_ context.Context, comment store.Comment) (store.Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	comment.ID = m.id()
	comment.CreatedAt = time.Now()
	m.comments = append(m.comments, comment)
	return comment, nil
}

func (m *memStore) CreatePage(_ context.Context, page store.WikiPage) (store.WikiPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page.ID = m.id()
	page.UpdatedBy = page.CreatedBy
	page.CreatedAt = time.Now()
	page.UpdatedAt = page.CreatedAt
	m.pages[page.ID] = page
	return page, nil
}

func (m *memStore) GetPage(_ context.Context, pageID int64) (store.WikiPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	page, ok := m.pages[pageID]
	if !ok {
		return store.WikiPage{}, sql.ErrNoRows
	}
	return page, nil
}

func (m *memStore) UpdatePage(_ context.Context, page store.WikiPage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pages[page.ID]; !ok {
		return sql.ErrNoRows
	}
	page.UpdatedAt = time.Now()
	m.pages[page.ID] = page
	return nil
}

func (m *memStore) InsertNotification(_ context.Context, n store.Notification) (store.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = m.id()
	n.CreatedAt = time.Now()
	m.notifications = append(m.notifications, n)
	return n, nil
}

func (m *memStore) UnreadNotificationCount(_ context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, n := range m.notifications {
		if n.UserID == userID && n.ReadAt == nil {
			count++
		}
	}
	return count, nil
}

func (m *memStore) ListNotifications(_ context.Context, userID int64, limit int) ([]store.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Notification, 0)
	for i := len(m.notifications) - 1; i >= 0 && len(items) < limit; i-- {
		if m.notifications[i].UserID == userID {
			items = append(items, m.notifications[i])
		}
	}
	return items, nil
}

func (m *memStore) MarkNotificationRead(_ context.Context, notificationID, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.notifications {
		n := &m.notifications[i]
		if n.ID == notificationID && n.UserID == userID && n.ReadAt == nil {
			now := time.Now()
			n.ReadAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) MarkAllNotificationsRead(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.notifications {
		n := &m.notifications[i]
		if n.UserID == userID && n.ReadAt == nil {
			now := time.Now()
			n.ReadAt = &now
		}
	}
	return nil
}

func (m *memStore) EnsureTeam(_ context.Context, name string) (store.Team, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, team := range m.teams {
		if team.Name == name {
			return team, nil
		}
	}
	team := store.Team{ID: m.id(), Name: name, CreatedAt: time.Now()}
	m.teams[team.ID] = team
	return team, nil
}

func (m *memStore) AddTeamMember(_ context.Context, teamID, userID int64, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memberships[teamID] = append(m.memberships[teamID], userID)
	user := m.users[userID]
	user.TeamID = &teamID
	m.users[userID] = user
	return nil
}

func (m *memStore) UserCount(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users), nil
}

func (m *memStore) Ping(_ context.Context) error { return nil }

// fakeSearch records indexed entities and answers queries from them.
type fakeSearch struct {
	mu      sync.Mutex
	issues  []search.IssueRecord
	pages   []search.PageRecord
	queries []search.Query
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	allowed := make(map[int64]bool)
	for _, id := range q.ProjectIDs {
		allowed[id] = true
	}
	results := make([]search.Result, 0)
	for _, rec := range f.issues {
		if allowed[rec.ProjectID] {
			results = append(results, search.Result{Type: search.EntityIssue, ID: rec.ID, ProjectID: rec.ProjectID, Title: rec.Title})
		}
	}
	for _, rec := range f.pages {
		if allowed[rec.ProjectID] {
			results = append(results, search.Result{Type: search.EntityPage, ID: rec.ID, ProjectID: rec.ProjectID, Title: rec.Title})
		}
	}
	return search.Response{Results: results, Query: q.Text}
}

func (f *fakeSearch) IndexIssue(rec search.IssueRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issues = append(f.issues, rec)
}

func (f *fakeSearch) IndexPage(rec search.PageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages = append(f.pages, rec)
}

type silentMailer struct{}

func (silentMailer) IsConfigured() bool { return false }
func (silentMailer) SendNotificationEmail(_, _ string, _ email.NotificationData) error {
	return nil
}

type testEnv struct {
	store   *memStore
	search  *fakeSearch
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	sessions, err := session.NewRedisStore("redis://"+mr.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("session store: %v", err)
	}
	t.Cleanup(func() { sessions.Close() })

	ms := newMemStore()
	fs := &fakeSearch{}
	cfg := config.Config{BaseURL: "http://localhost:8080", SessionTTL: time.Hour}
	service := NewService(cfg, ms, sessions, silentMailer{}, fs)
	server := NewHTTPServer(service, "*", false, time.Hour)

	return &testEnv{store: ms, search: fs, handler: server.Handler()}
}

// seedUser creates a user directly in the store with the shared test
// password.
func (e *testEnv) seedUser(t *testing.T, name, emailAddr, role string, teamID *int64) store.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user, err := e.store.CreateUser(context.Background(), store.User{
		Name:         name,
		Email:        emailAddr,
		PasswordHash: string(hash),
		Role:         role,
		TeamID:       teamID,
	})
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if teamID != nil {
		if err := e.store.AddTeamMember(context.Background(), *teamID, user.ID, role); err != nil {
			t.Fatalf("seed membership: %v", err)
		}
	}
	return user
}

func (e *testEnv) seedTeam(t *testing.T, name string) store.Team {
	t.Helper()
	team, err := e.store.EnsureTeam(context.Background(), name)
	if err != nil {
		t.Fatalf("seed team: %v", err)
	}
	return team
}

type client struct {
	cookie *http.Cookie
	csrf   string
}

// login authenticates through the HTTP surface and captures the session
// cookie and CSRF token.
func (e *testEnv) login(t *testing.T, emailAddr string) client {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/auth/login", map[string]any{
		"email":    emailAddr,
		"password": testPassword,
	}, client{})
	if rec.Code != http.StatusOK {
		t.Fatalf("login %s: status %d body %s", emailAddr, rec.Code, rec.Body.String())
	}

	var body struct {
		CSRFToken string `json:"csrf_token"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode login body: %v", err)
	}

	var cookie *http.Cookie
	for _, c := range rec.Result().Cookies() {
		if c.Name == sessionCookieName {
			cookie = c
		}
	}
	if cookie == nil || cookie.Value == "" {
		t.Fatal("login did not set a session cookie")
	}
	return client{cookie: cookie, csrf: body.CSRFToken}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, c client) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}
	if c.csrf != "" {
		req.Header.Set(csrfHeaderName, c.csrf)
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), target); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func errorMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	decodeJSON(t, rec, &body)
	if body.Success {
		t.Fatalf("expected success=false envelope, got %s", rec.Body.String())
	}
	return body.Error
}
