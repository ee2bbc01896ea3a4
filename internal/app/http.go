package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tablero/api/internal/access"
	"tablero/api/internal/authpw"
	"tablero/api/internal/rbac"
	"tablero/api/internal/session"
)

const (
	sessionCookieName = "tablero_session"
	csrfHeaderName    = "X-CSRF-Token"
)

type HTTPServer struct {
	service       *Service
	corsOrigin    string
	secureCookies bool
	cookieMaxAge  int
}

func NewHTTPServer(service *Service, corsOrigin string, secureCookies bool, sessionTTL time.Duration) *HTTPServer {
	return &HTTPServer{
		service:       service,
		corsOrigin:    corsOrigin,
		secureCookies: secureCookies,
		cookieMaxAge:  int(sessionTTL.Seconds()),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/register" {
		s.handleRegister(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		s.handleLogin(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		s.handleLogout(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/session" {
		sess, err := s.sessionFromCookie(r)
		if err != nil {
			writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"authenticated": true,
			"user":          sess.User,
			"csrf_token":    sess.CSRFToken(),
		})
		return
	}

	// Anything outside /api is a page request with its own failure
	// channel: unauthenticated browsers get redirected, not a JSON 401.
	if !strings.HasPrefix(r.URL.Path, "/api/") && r.URL.Path != "/api" {
		s.handlePage(w, r)
		return
	}

	sess, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if isMutating(r.Method) && !s.verifyCSRF(w, r, sess) {
		return
	}

	parts := splitPath(r.URL.Path)[1:] // strip leading "api"

	switch {
	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "search":
		s.handleSearch(w, r, sess)

	case len(parts) == 1 && parts[0] == "notifications":
		s.handleNotifications(w, r, sess)

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "projects":
		if !s.requireRole(w, sess, rbac.RoleManager) {
			return
		}
		var in ProjectInput
		if err := decodeBody(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		project, err := s.service.CreateProject(r.Context(), sess.User, in)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, project)

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "projects":
		project, err := s.service.GetProject(r.Context(), sess.User, parseID(parts[1]))
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, project)

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "issues":
		var in IssueInput
		if err := decodeBody(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		issue, err := s.service.CreateIssue(r.Context(), sess.User, in)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, issue)

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "issues":
		issue, err := s.service.GetIssue(r.Context(), sess.User, parseID(parts[1]))
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, issue)

	case r.Method == http.MethodPut && len(parts) == 2 && parts[0] == "issues":
		var in IssueUpdateInput
		if err := decodeBody(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		issue, err := s.service.UpdateIssue(r.Context(), sess.User, parseID(parts[1]), in)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, issue)

	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "issues" && parts[2] == "comments":
		var in CommentInput
		if err := decodeBody(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		comment, err := s.service.CommentIssue(r.Context(), sess.User, parseID(parts[1]), in)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, comment)

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "pages":
		var in PageInput
		if err := decodeBody(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		page, err := s.service.CreatePage(r.Context(), sess.User, in)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, page)

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "pages":
		page, err := s.service.GetPage(r.Context(), sess.User, parseID(parts[1]))
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)

	case r.Method == http.MethodPut && len(parts) == 2 && parts[0] == "pages":
		var in PageUpdateInput
		if err := decodeBody(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		page, err := s.service.UpdatePage(r.Context(), sess.User, parseID(parts[1]), in)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "team" && parts[1] == "members":
		if !s.requireRole(w, sess, rbac.RoleManager) {
			return
		}
		users, err := s.service.ListTeamMembers(r.Context(), sess.User)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "admin" && parts[1] == "users":
		if !s.requireRole(w, sess, rbac.RoleAdmin) {
			return
		}
		users, err := s.service.ListUsers(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})

	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}

// =============================================================================
// Auth handlers
// =============================================================================

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := s.service.Register(r.Context(), authpw.RegisterRequest{
		Name:     body.Name,
		Email:    body.Email,
		Password: body.Password,
	})
	if err != nil {
		var domainErr *DomainError
		if errors.As(err, &domainErr) {
			s.fail(w, err)
			return
		}
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "user": user})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := s.service.Login(r.Context(), body.Email, body.Password, cookieSessionID(r))
	if err != nil {
		s.clearSessionCookie(w)
		s.fail(w, err)
		return
	}

	s.setSessionCookie(w, sess.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"user":       sess.User,
		"csrf_token": sess.CSRFToken(),
	})
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	if id := cookieSessionID(r); id != "" {
		if err := s.service.Logout(r.Context(), id); err != nil {
			log.Printf("logout: destroy session: %v", err)
		}
	}
	s.clearSessionCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// =============================================================================
// Pages
// =============================================================================

// handlePage serves the browser-facing shell. Unauthenticated requests
// bounce to /login instead of receiving an API-style error body.
func (s *HTTPServer) handlePage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if r.URL.Path == "/login" {
		writeHTML(w, http.StatusOK, loginPage)
		return
	}

	if _, err := s.sessionFromCookie(r); err != nil {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	writeHTML(w, http.StatusOK, appShell)
}

const loginPage = `<!doctype html>
<html lang="es"><head><meta charset="utf-8"><title>Tablero - Iniciar sesión</title></head>
<body><div id="root" data-page="login"></div><script src="/assets/app.js"></script></body></html>
`

const appShell = `<!doctype html>
<html lang="es"><head><meta charset="utf-8"><title>Tablero</title></head>
<body><div id="root"></div><script src="/assets/app.js"></script></body></html>
`

// =============================================================================
// Feature handlers
// =============================================================================

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, sess session.Session) {
	q := r.URL.Query().Get("q")
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "limit must be an integer")
			return
		}
		limit = parsed
	}
	projectID := parseID(r.URL.Query().Get("project_id"))

	resp, err := s.service.Search(r.Context(), sess.User, q, limit, projectID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleNotifications dispatches on a closed action set. Reads go
// through GET, mutations through POST (which already passed the CSRF
// check).
func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request, sess session.Session) {
	action := strings.TrimSpace(r.URL.Query().Get("action"))

	switch action {
	case "unread_count":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		count, err := s.service.UnreadNotificationCount(r.Context(), sess.User)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": count})

	case "list":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		items, err := s.service.ListNotifications(r.Context(), sess.User)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": items})

	case "mark_read":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		var body struct {
			ID int64 `json:"id"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if body.ID == 0 {
			body.ID = parseID(r.URL.Query().Get("id"))
		}
		if body.ID <= 0 {
			writeError(w, http.StatusUnprocessableEntity, "id is required")
			return
		}
		if err := s.service.MarkNotificationRead(r.Context(), sess.User, body.ID); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case "mark_all_read":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		if err := s.service.MarkAllNotificationsRead(r.Context(), sess.User); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	default:
		writeError(w, http.StatusBadRequest, "invalid action")
	}
}

// =============================================================================
// Session plumbing
// =============================================================================

func cookieSessionID(r *http.Request) string {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func (s *HTTPServer) sessionFromCookie(r *http.Request) (session.Session, error) {
	id := cookieSessionID(r)
	if id == "" {
		return session.Session{}, session.ErrNotFound
	}
	return s.service.Session(r.Context(), id)
}

// requireSession resolves the session cookie. API callers get a JSON
// 401; page navigation bounces to /login.
func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (session.Session, bool) {
	sess, err := s.sessionFromCookie(r)
	if err == nil {
		return sess, true
	}
	if !errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "Session lookup failed")
		return session.Session{}, false
	}

	if strings.HasPrefix(r.URL.Path, "/api/") {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
	} else {
		http.Redirect(w, r, "/login", http.StatusFound)
	}
	return session.Session{}, false
}

// requireRole enforces the role hierarchy. Unlike the session check,
// failures are always a JSON 403 regardless of path.
func (s *HTTPServer) requireRole(w http.ResponseWriter, sess session.Session, required rbac.Role) bool {
	if !s.service.Can(sess.User.Role, required) {
		writeError(w, http.StatusForbidden, "Forbidden")
		return false
	}
	return true
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// verifyCSRF compares the submitted token against the session's in
// constant time.
func (s *HTTPServer) verifyCSRF(w http.ResponseWriter, r *http.Request, sess session.Session) bool {
	token := r.Header.Get(csrfHeaderName)
	expected := sess.CSRFToken()
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		writeError(w, http.StatusForbidden, "Invalid CSRF token")
		return false
	}
	return true
}

func (s *HTTPServer) setSessionCookie(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   s.cookieMaxAge,
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *HTTPServer) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// =============================================================================
// Middleware and helpers
// =============================================================================

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Credentials", "true")
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-CSRF-Token")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"success": false,
		"error":   message,
	})
}

func writeHTML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		// An absent body is fine; a present but malformed one is not.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parseID(raw string) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, message := mapError(err)
	if status == http.StatusInternalServerError {
		log.Printf("request failed: %v", err)
	}
	writeError(w, status, message)
}

func mapError(err error) (int, string) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Message
	}
	switch {
	case errors.Is(err, access.ErrInvalidProjectID):
		return http.StatusBadRequest, "project_id requerido"
	case errors.Is(err, access.ErrNoTeam):
		return http.StatusForbidden, "Sin equipo asignado"
	case errors.Is(err, access.ErrDenied):
		return http.StatusForbidden, "Acceso denegado a este proyecto"
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "Invalid email or password"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "Not found"
	}
	return http.StatusInternalServerError, "Server error"
}
