package rest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AzielCF/az-filter/filter/repository"
	filterUC "github.com/AzielCF/az-filter/filter/usecase"
	"github.com/AzielCF/az-filter/ui/rest/middleware"
	"github.com/gofiber/fiber/v2"
)

// envelope refleja utils.ResponseData para decodificar las respuestas e2e.
type envelope struct {
	Status  int             `json:"status"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Results json.RawMessage `json:"results"`
}

// newTestApp monta el stack completo (engine en memoria + middlewares reales)
// igual que lo hace el comando rest, sin red ni basic auth.
func newTestApp(t *testing.T) *fiber.App {
	t.Helper()

	app := fiber.New()
	app.Use(middleware.Recovery())
	app.Use(middleware.CallerIdentity())

	service := filterUC.NewFilterUsecase(repository.NewMemoryRepository(), filterUC.Config{
		Cache: repository.NewMemoryRuleCache(),
	})
	InitRestFilter(app, service)
	InitRestCheck(app, service)

	return app
}

func doJSON(t *testing.T, app *fiber.App, method, target, caller string, body []byte) (*http.Response, envelope) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if caller != "" {
		req.Header.Set("X-Account-ID", caller)
	}

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("failed to decode response JSON: %v", err)
	}
	return resp, env
}

func TestFilterAdminFlow_E2E(t *testing.T) {
	app := newTestApp(t)

	// Opt-in crea el rule set con política deny_all.
	resp, env := doJSON(t, app, http.MethodPut, "/filter/alice/optin", "alice", []byte(`{"opted_in":true}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("opt-in: unexpected status %d (%s)", resp.StatusCode, env.Message)
	}

	resp, env = doJSON(t, app, http.MethodGet, "/filter/alice", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get rule set: unexpected status %d", resp.StatusCode)
	}
	var rs struct {
		Owner         string `json:"owner"`
		DefaultPolicy string `json:"default_policy"`
		Revision      uint64 `json:"revision"`
		Stored        bool   `json:"stored"`
	}
	if err := json.Unmarshal(env.Results, &rs); err != nil {
		t.Fatalf("failed to decode rule set: %v", err)
	}
	if !rs.Stored || rs.DefaultPolicy != "deny_all" {
		t.Fatalf("expected stored deny_all rule set, got %+v", rs)
	}

	// Cambio de política por el propio dueño.
	resp, _ = doJSON(t, app, http.MethodPut, "/filter/alice/policy", "alice", []byte(`{"default_policy":"allow_all"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set policy: unexpected status %d", resp.StatusCode)
	}

	// Entrada explícita deny para bob.
	resp, env = doJSON(t, app, http.MethodPost, "/filter/alice/entries", "alice", []byte(`{"sender":"bob","allowed":false}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upsert entry: unexpected status %d (%s)", resp.StatusCode, env.Message)
	}

	resp, env = doJSON(t, app, http.MethodGet, "/filter/alice/entries", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list entries: unexpected status %d", resp.StatusCode)
	}
	var entries []struct {
		Sender  string `json:"sender"`
		Allowed bool   `json:"allowed"`
	}
	if err := json.Unmarshal(env.Results, &entries); err != nil {
		t.Fatalf("failed to decode entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Sender != "bob" || entries[0].Allowed {
		t.Fatalf("expected one deny entry for bob, got %+v", entries)
	}

	// Borrado de la entrada y del set completo.
	resp, _ = doJSON(t, app, http.MethodDelete, "/filter/alice/entries/bob", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove entry: unexpected status %d", resp.StatusCode)
	}
	// Repetir el borrado es idempotente.
	resp, env = doJSON(t, app, http.MethodDelete, "/filter/alice/entries/bob", "alice", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("remove missing entry: expected 200, got %d (%s)", resp.StatusCode, env.Message)
	}
}

func TestFilterMutation_WrongCaller_Unauthorized(t *testing.T) {
	app := newTestApp(t)

	resp, env := doJSON(t, app, http.MethodPut, "/filter/alice/policy", "mallory", []byte(`{"default_policy":"allow_all"}`))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d (%s)", resp.StatusCode, env.Message)
	}
	if env.Code != "UNAUTHORIZED_ERROR" {
		t.Fatalf("expected UNAUTHORIZED_ERROR code, got %q", env.Code)
	}

	// El rechazo no debe dejar estado: alice sigue sin rule set almacenado.
	_, env = doJSON(t, app, http.MethodGet, "/filter/alice", "alice", nil)
	var rs struct {
		Stored bool `json:"stored"`
	}
	if err := json.Unmarshal(env.Results, &rs); err != nil {
		t.Fatalf("failed to decode rule set: %v", err)
	}
	if rs.Stored {
		t.Fatal("unauthorized mutation must not create a rule set")
	}
}

func TestFilterSetPolicy_InvalidPolicy(t *testing.T) {
	app := newTestApp(t)

	resp, env := doJSON(t, app, http.MethodPut, "/filter/alice/policy", "alice", []byte(`{"default_policy":"sometimes"}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d (%s)", resp.StatusCode, env.Message)
	}
}

func TestFilterUpsertEntry_SelfTarget(t *testing.T) {
	app := newTestApp(t)

	resp, env := doJSON(t, app, http.MethodPost, "/filter/alice/entries", "alice", []byte(`{"sender":"alice","allowed":true}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for self-targeted entry, got %d (%s)", resp.StatusCode, env.Message)
	}
}

func TestFilterUpsertEntry_CategoriesOnDeny(t *testing.T) {
	app := newTestApp(t)

	body := []byte(`{"sender":"bob","allowed":false,"categories":["text"]}`)
	resp, env := doJSON(t, app, http.MethodPost, "/filter/alice/entries", "alice", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for categories on deny entry, got %d (%s)", resp.StatusCode, env.Message)
	}
}

func TestFilterOptOut_RemovesRuleSet(t *testing.T) {
	app := newTestApp(t)

	doJSON(t, app, http.MethodPut, "/filter/alice/optin", "alice", []byte(`{"opted_in":true}`))
	doJSON(t, app, http.MethodPost, "/filter/alice/entries", "alice", []byte(`{"sender":"bob","allowed":true}`))

	resp, _ := doJSON(t, app, http.MethodPut, "/filter/alice/optin", "alice", []byte(`{"opted_in":false}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("opt-out: unexpected status %d", resp.StatusCode)
	}

	_, env := doJSON(t, app, http.MethodGet, "/filter/alice/optin", "alice", nil)
	var status struct {
		OptedIn bool `json:"opted_in"`
	}
	if err := json.Unmarshal(env.Results, &status); err != nil {
		t.Fatalf("failed to decode opt-in status: %v", err)
	}
	if status.OptedIn {
		t.Fatal("expected opted_in=false after opt-out")
	}
}

func TestStoredStateSurvivesLaterRequests(t *testing.T) {
	app := newTestApp(t)

	doJSON(t, app, http.MethodPut, "/filter/alice/policy", "alice", []byte(`{"default_policy":"allow_all"}`))
	doJSON(t, app, http.MethodPost, "/filter/alice/entries", "alice", []byte(`{"sender":"bob","allowed":false}`))

	// El servidor reutiliza sus buffers de petición; los IDs que el motor
	// guardó no deben aliasarlos.
	for i := 0; i < 8; i++ {
		owner := fmt.Sprintf("tenant-%d-%s", i, strings.Repeat("z", 48))
		doJSON(t, app, http.MethodGet, "/filter/"+owner, "", nil)
		doJSON(t, app, http.MethodGet, "/check/contact?owner="+owner+"&sender=nobody-at-all", "", nil)
	}

	_, env := doJSON(t, app, http.MethodGet, "/filter/alice", "alice", nil)
	var rs struct {
		Stored  bool `json:"stored"`
		Entries []struct {
			Sender string `json:"sender"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(env.Results, &rs); err != nil {
		t.Fatalf("failed to decode rule set: %v", err)
	}
	if !rs.Stored || len(rs.Entries) != 1 || rs.Entries[0].Sender != "bob" {
		t.Fatalf("expected stored rule set with bob entry intact, got %+v", rs)
	}

	_, env = doJSON(t, app, http.MethodGet, "/check/contact?owner=alice&sender=bob", "", nil)
	ev := decodeEvaluation(t, env)
	if ev.Allowed || ev.Reason != "explicit_deny" {
		t.Fatalf("expected deny/explicit_deny after unrelated traffic, got %+v", ev)
	}
}
