package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/shelf/internal/auth"
	"github.com/MarcoPoloResearchLab/shelf/internal/database"
	"github.com/MarcoPoloResearchLab/shelf/internal/remote"
	"github.com/MarcoPoloResearchLab/shelf/internal/rows"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type routerFixture struct {
	handler http.Handler
	issuer  *auth.TokenIssuer
}

func newRouterFixture(testContext *testing.T) *routerFixture {
	testContext.Helper()
	gin.SetMode(gin.TestMode)
	db, err := database.OpenRemote(filepath.Join(testContext.TempDir(), "remote.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open remote database: %v", err)
	}
	service, err := rows.NewService(rows.ServiceConfig{Database: db, IDProvider: rows.NewUUIDProvider()})
	if err != nil {
		testContext.Fatalf("failed to build rows service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-signing-secret"),
		Issuer:        "shelf-auth",
		Audience:      "shelf-api",
	})
	if err != nil {
		testContext.Fatalf("failed to build issuer: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{Tokens: issuer, Rows: service, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	return &routerFixture{handler: handler, issuer: issuer}
}

func (f *routerFixture) do(testContext *testing.T, userID, method, path, body string) *httptest.ResponseRecorder {
	testContext.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, path, http.NoBody)
	} else {
		request = httptest.NewRequest(method, path, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		token, _, err := f.issuer.IssueToken(context.Background(), userID)
		if err != nil {
			testContext.Fatalf("failed to issue token: %v", err)
		}
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestNewHTTPHandlerRequiresDependencies(testContext *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		testContext.Fatalf("expected missing dependencies to be rejected")
	}
}

func TestHealthzIsPublic(testContext *testing.T) {
	fixture := newRouterFixture(testContext)
	recorder := fixture.do(testContext, "", http.MethodGet, "/healthz", "")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestRowsRequireBearerToken(testContext *testing.T) {
	fixture := newRouterFixture(testContext)
	recorder := fixture.do(testContext, "", http.MethodGet, "/rest/v1/items?user_id=user-1", "")
	if recorder.Code != http.StatusUnauthorized {
		testContext.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestInsertSelectUpdateDeleteItem(testContext *testing.T) {
	fixture := newRouterFixture(testContext)
	updatedAt := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC).Format(time.RFC3339)

	insertBody := `{"user_id":"user-1","local_id":4,"title":"Arrival","type":"movie","status":"planned","tags":["sci-fi"],"list_id":null,"external_id":"329865","source":"tmdb","created_at":"` + updatedAt + `","updated_at":"` + updatedAt + `"}`
	recorder := fixture.do(testContext, "user-1", http.MethodPost, "/rest/v1/items", insertBody)
	if recorder.Code != http.StatusCreated {
		testContext.Fatalf("expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var stored remote.ItemRecord
	if err := json.Unmarshal(recorder.Body.Bytes(), &stored); err != nil {
		testContext.Fatalf("failed to decode insert response: %v", err)
	}
	if stored.ID == "" || stored.UserID != "user-1" || stored.LocalID == nil || *stored.LocalID != 4 {
		testContext.Fatalf("unexpected stored row %+v", stored)
	}

	recorder = fixture.do(testContext, "user-1", http.MethodGet, "/rest/v1/items?user_id=user-1", "")
	if recorder.Code != http.StatusOK {
		testContext.Fatalf("expected 200, got %d", recorder.Code)
	}
	var listed []remote.ItemRecord
	if err := json.Unmarshal(recorder.Body.Bytes(), &listed); err != nil || len(listed) != 1 {
		testContext.Fatalf("expected one listed row, got %d %v", len(listed), err)
	}

	staleBody := strings.Replace(insertBody, `"updated_at":"`+updatedAt+`"`, `"updated_at":"2025-01-01T00:00:00Z"`, 1)
	recorder = fixture.do(testContext, "user-1", http.MethodPatch, "/rest/v1/items/"+stored.ID, staleBody)
	if recorder.Code != http.StatusConflict {
		testContext.Fatalf("expected 409 for a stale update, got %d", recorder.Code)
	}
	var errorBody map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &errorBody); err != nil || errorBody["code"] != "rows.update_item.stale_update" {
		testContext.Fatalf("unexpected error body %s", recorder.Body.String())
	}

	recorder = fixture.do(testContext, "user-1", http.MethodPatch, "/rest/v1/items/"+stored.ID, strings.Replace(insertBody, "Arrival", "Arrival (2016)", 1))
	if recorder.Code != http.StatusNoContent {
		testContext.Fatalf("expected 204, got %d: %s", recorder.Code, recorder.Body.String())
	}

	recorder = fixture.do(testContext, "user-1", http.MethodDelete, "/rest/v1/items/"+stored.ID+"?user_id=user-1", "")
	if recorder.Code != http.StatusNoContent {
		testContext.Fatalf("expected 204, got %d", recorder.Code)
	}
	recorder = fixture.do(testContext, "user-1", http.MethodPatch, "/rest/v1/items/"+stored.ID, insertBody)
	if recorder.Code != http.StatusNotFound {
		testContext.Fatalf("expected 404 after delete, got %d", recorder.Code)
	}
}

func TestCrossUserRequestsAreForbidden(testContext *testing.T) {
	fixture := newRouterFixture(testContext)

	recorder := fixture.do(testContext, "user-1", http.MethodGet, "/rest/v1/lists?user_id=user-2", "")
	if recorder.Code != http.StatusForbidden {
		testContext.Fatalf("expected 403 for select, got %d", recorder.Code)
	}
	recorder = fixture.do(testContext, "user-1", http.MethodPost, "/rest/v1/lists", `{"user_id":"user-2","name":"Stolen","created_at":"2025-01-01T00:00:00Z"}`)
	if recorder.Code != http.StatusForbidden {
		testContext.Fatalf("expected 403 for insert, got %d", recorder.Code)
	}
	recorder = fixture.do(testContext, "user-1", http.MethodDelete, "/rest/v1/lists/any?user_id=user-2", "")
	if recorder.Code != http.StatusForbidden {
		testContext.Fatalf("expected 403 for delete, got %d", recorder.Code)
	}
}

func TestUnknownTableIsNotFound(testContext *testing.T) {
	fixture := newRouterFixture(testContext)
	recorder := fixture.do(testContext, "user-1", http.MethodGet, "/rest/v1/notes", "")
	if recorder.Code != http.StatusNotFound {
		testContext.Fatalf("expected 404, got %d", recorder.Code)
	}
	recorder = fixture.do(testContext, "user-1", http.MethodDelete, "/rest/v1/notes/x", "")
	if recorder.Code != http.StatusNotFound {
		testContext.Fatalf("expected 404 for delete, got %d", recorder.Code)
	}
}

func TestInsertRejectsInvalidBody(testContext *testing.T) {
	fixture := newRouterFixture(testContext)
	recorder := fixture.do(testContext, "user-1", http.MethodPost, "/rest/v1/items", `{"title":""}`)
	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected 400, got %d", recorder.Code)
	}
	recorder = fixture.do(testContext, "user-1", http.MethodPost, "/rest/v1/items", `not json`)
	if recorder.Code != http.StatusBadRequest {
		testContext.Fatalf("expected 400 for malformed json, got %d", recorder.Code)
	}
}
