package app

import (
	"fmt"
	"net/http"
	"testing"
)

type notificationList struct {
	Success bool `json:"success"`
	Data    []struct {
		ID          int64   `json:"id"`
		Type        string  `json:"type"`
		EntityTitle string  `json:"entity_title"`
		ActorName   string  `json:"actor_name"`
		ReadAt      *string `json:"read_at"`
	} `json:"data"`
}

func unreadCount(t *testing.T, env *testEnv, c client) int {
	t.Helper()
	rec := env.do(t, http.MethodGet, "/api/notifications?action=unread_count", nil, c)
	if rec.Code != http.StatusOK {
		t.Fatalf("unread_count: status %d body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Count int `json:"count"`
	}
	decodeJSON(t, rec, &body)
	return body.Count
}

func TestIssueActivityNotifiesProjectCreator(t *testing.T) {
	f := newAccessFixture(t)

	if got := unreadCount(t, f.env, f.ana); got != 0 {
		t.Fatalf("expected clean slate, got %d unread", got)
	}

	// Luis opens an issue in Ana's project.
	rec := f.env.do(t, http.MethodPost, "/api/issues", map[string]any{
		"project_id": f.projectID,
		"title":      "Fallo de exportación",
	}, f.luis)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create issue: status %d body %s", rec.Code, rec.Body.String())
	}

	if got := unreadCount(t, f.env, f.ana); got != 1 {
		t.Errorf("creator: expected 1 unread, got %d", got)
	}
	// The actor never notifies themselves.
	if got := unreadCount(t, f.env, f.luis); got != 0 {
		t.Errorf("actor: expected 0 unread, got %d", got)
	}

	rec = f.env.do(t, http.MethodGet, "/api/notifications?action=list", nil, f.ana)
	var list notificationList
	decodeJSON(t, rec, &list)
	if len(list.Data) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(list.Data))
	}
	n := list.Data[0]
	if n.Type != "issue_created" || n.EntityTitle != "Fallo de exportación" || n.ActorName != "Luis" {
		t.Errorf("unexpected notification %+v", n)
	}
	if n.ReadAt != nil {
		t.Error("fresh notification must be unread")
	}
}

func TestCommentNotifiesIssueParticipants(t *testing.T) {
	f := newAccessFixture(t)

	// Ana opens an issue; Luis comments on it.
	rec := f.env.do(t, http.MethodPost, "/api/issues", map[string]any{
		"project_id": f.projectID,
		"title":      "Error de permisos",
	}, f.ana)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create issue: status %d", rec.Code)
	}
	var issue struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, rec, &issue)

	rec = f.env.do(t, http.MethodPost, fmt.Sprintf("/api/issues/%d/comments", issue.ID), map[string]any{
		"body": "Lo estoy mirando",
	}, f.luis)
	if rec.Code != http.StatusCreated {
		t.Fatalf("comment: status %d body %s", rec.Code, rec.Body.String())
	}

	rec = f.env.do(t, http.MethodGet, "/api/notifications?action=list", nil, f.ana)
	var list notificationList
	decodeJSON(t, rec, &list)
	if len(list.Data) == 0 {
		t.Fatal("expected a notification for the issue creator")
	}
	if list.Data[0].Type != "comment_added" {
		t.Errorf("expected comment_added, got %q", list.Data[0].Type)
	}
}

func TestAssignmentNotifiesNewAssignee(t *testing.T) {
	f := newAccessFixture(t)

	luisID := int64(0)
	f.env.store.mu.Lock()
	for id, user := range f.env.store.users {
		if user.Email == "luis@example.com" {
			luisID = id
		}
	}
	f.env.store.mu.Unlock()

	rec := f.env.do(t, http.MethodPost, "/api/issues", map[string]any{
		"project_id":  f.projectID,
		"title":       "Migrar base de datos",
		"assignee_id": luisID,
	}, f.ana)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create issue: status %d", rec.Code)
	}

	rec = f.env.do(t, http.MethodGet, "/api/notifications?action=list", nil, f.luis)
	var list notificationList
	decodeJSON(t, rec, &list)
	if len(list.Data) != 1 || list.Data[0].Type != "issue_assigned" {
		t.Fatalf("expected one issue_assigned notification, got %+v", list.Data)
	}
}

func TestMarkReadIsOwnerScopedAndMonotonic(t *testing.T) {
	f := newAccessFixture(t)

	rec := f.env.do(t, http.MethodPost, "/api/issues", map[string]any{
		"project_id": f.projectID,
		"title":      "Fallo de login",
	}, f.luis)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create issue: status %d", rec.Code)
	}

	rec = f.env.do(t, http.MethodGet, "/api/notifications?action=list", nil, f.ana)
	var list notificationList
	decodeJSON(t, rec, &list)
	if len(list.Data) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(list.Data))
	}
	id := list.Data[0].ID

	// A different user marking it read succeeds without touching it.
	rec = f.env.do(t, http.MethodPost, "/api/notifications?action=mark_read", map[string]any{"id": id}, f.carla)
	if rec.Code != http.StatusOK {
		t.Fatalf("foreign mark_read: status %d", rec.Code)
	}
	if got := unreadCount(t, f.env, f.ana); got != 1 {
		t.Errorf("foreign mark_read must not change the owner's unread count, got %d", got)
	}

	rec = f.env.do(t, http.MethodPost, "/api/notifications?action=mark_read", map[string]any{"id": id}, f.ana)
	if rec.Code != http.StatusOK {
		t.Fatalf("mark_read: status %d", rec.Code)
	}
	if got := unreadCount(t, f.env, f.ana); got != 0 {
		t.Errorf("expected 0 unread after mark_read, got %d", got)
	}

	rec = f.env.do(t, http.MethodGet, "/api/notifications?action=list", nil, f.ana)
	decodeJSON(t, rec, &list)
	first := *list.Data[0].ReadAt

	// Repeating the call keeps the original timestamp.
	rec = f.env.do(t, http.MethodPost, "/api/notifications?action=mark_read", map[string]any{"id": id}, f.ana)
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat mark_read: status %d", rec.Code)
	}
	rec = f.env.do(t, http.MethodGet, "/api/notifications?action=list", nil, f.ana)
	decodeJSON(t, rec, &list)
	if *list.Data[0].ReadAt != first {
		t.Error("read timestamp must not move on repeated mark_read")
	}
}

func TestMarkAllRead(t *testing.T) {
	f := newAccessFixture(t)

	for i := 0; i < 3; i++ {
		rec := f.env.do(t, http.MethodPost, "/api/issues", map[string]any{
			"project_id": f.projectID,
			"title":      fmt.Sprintf("Incidencia %d", i),
		}, f.luis)
		if rec.Code != http.StatusCreated {
			t.Fatalf("create issue %d: status %d", i, rec.Code)
		}
	}
	if got := unreadCount(t, f.env, f.ana); got != 3 {
		t.Fatalf("expected 3 unread, got %d", got)
	}

	rec := f.env.do(t, http.MethodPost, "/api/notifications?action=mark_all_read", nil, f.ana)
	if rec.Code != http.StatusOK {
		t.Fatalf("mark_all_read: status %d", rec.Code)
	}
	if got := unreadCount(t, f.env, f.ana); got != 0 {
		t.Errorf("expected 0 unread after mark_all_read, got %d", got)
	}
}

func TestNotificationActionEnumIsClosed(t *testing.T) {
	f := newAccessFixture(t)

	for _, action := range []string{"", "purge", "drop_table"} {
		rec := f.env.do(t, http.MethodGet, "/api/notifications?action="+action, nil, f.ana)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("action %q: expected 400, got %d", action, rec.Code)
			continue
		}
		if msg := errorMessage(t, rec); msg != "invalid action" {
			t.Errorf("action %q: unexpected error %q", action, msg)
		}
	}

	// Mutating actions reject GET.
	rec := f.env.do(t, http.MethodGet, "/api/notifications?action=mark_all_read", nil, f.ana)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET mark_all_read: expected 405, got %d", rec.Code)
	}

	rec = f.env.do(t, http.MethodPost, "/api/notifications?action=mark_read", nil, f.ana)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("mark_read without id: expected 422, got %d", rec.Code)
	}

	// A body that is not the expected object is rejected, not ignored.
	rec = f.env.do(t, http.MethodPost, "/api/notifications?action=mark_read", "esto no es un objeto", f.ana)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed mark_read body: expected 400, got %d", rec.Code)
	}
	if msg := errorMessage(t, rec); msg != "invalid JSON body" {
		t.Errorf("malformed body: unexpected error %q", msg)
	}
}
