package automation_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/smartescrow/internal/api"
	"github.com/mbd888/smartescrow/internal/automation"
	"github.com/mbd888/smartescrow/internal/escrow/escrowtest"
	"github.com/mbd888/smartescrow/internal/ledger"
	"github.com/mbd888/smartescrow/internal/milestone"
)

func call(r http.Handler, method, path string, actor ledger.Actor, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.HeaderActorID, actor.ID)
	req.Header.Set(api.HeaderActorRole, string(actor.Role))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func routes(e *env) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	automation.NewHandler(e.engine).RegisterRoutes(r.Group("/v1", api.Identity(), api.RequireActor()))
	return r
}

const releaseRule = `{
	"name": "release on rating",
	"type": "quality_threshold",
	"conditions": [{"key": "rating", "operator": "greater_than", "value": "4.5"}],
	"actions": [{"type": "release_payment"}]
}`

func TestHandler_RuleLifecycle(t *testing.T) {
	e := setup(t)
	r := routes(e)

	w := call(r, "POST", "/v1/automation/rules", client, releaseRule)
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403 for a client, got %d: %s", w.Code, w.Body.String())
	}

	w = call(r, "POST", "/v1/automation/rules", operator, `{"name":"x","type":"hourly","conditions":[],"actions":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for unknown type, got %d", w.Code)
	}

	w = call(r, "POST", "/v1/automation/rules", operator,
		`{"name":"x","type":"quality_threshold","conditions":[{"key":"rating","operator":"about","value":"1"}],"actions":[{"type":"release_payment"}]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for unknown operator, got %d", w.Code)
	}

	w = call(r, "POST", "/v1/automation/rules", operator, releaseRule)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var created struct {
		Rule ledger.AutomationRule `json:"rule"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if !created.Rule.Active {
		t.Fatal("new rules should start active")
	}

	w = call(r, "POST", "/v1/automation/rules/"+created.Rule.ID+"/deactivate", operator, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = call(r, "GET", "/v1/automation/rules?active=true", client, "")
	var list struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.Count != 0 {
		t.Errorf("Expected no active rules, got %d", list.Count)
	}

	w = call(r, "GET", "/v1/automation/rules/rule_missing", operator, "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestHandler_KillSwitchAndSweep(t *testing.T) {
	e := setup(t)
	r := routes(e)

	w := call(r, "PUT", "/v1/automation/settings", operator, `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 without a value, got %d", w.Code)
	}
	w = call(r, "PUT", "/v1/automation/settings", freelancer, `{"automationEnabled":false}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d", w.Code)
	}
	w = call(r, "PUT", "/v1/automation/settings", operator, `{"automationEnabled":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = call(r, "POST", "/v1/automation/sweep", client, "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403 for a client sweep, got %d", w.Code)
	}
	w = call(r, "POST", "/v1/automation/sweep", operator, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Report automation.Report `json:"report"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Report.Disabled {
		t.Error("Expected a disabled sweep report")
	}
}

func TestHandler_RunAndEvents(t *testing.T) {
	e := setup(t)
	r := routes(e)
	e.rule(t, automation.RuleInput{
		Type:       automation.TypeQualityThreshold,
		Conditions: []ledger.RuleCondition{cond("rating", automation.OpGreaterThan, "4.5")},
		Actions:    []ledger.RuleAction{act(automation.ActionReleasePayment, nil)},
	})
	// Plain service so the rating does not trigger the rule on its own.
	plain := milestone.NewService(e.Runner)
	es, ms := e.Active(t, "500", escrowtest.MilestoneSpec{Amount: "500"})
	ctx := t.Context()
	if _, err := plain.Submit(ctx, freelancer, ms[0].ID, milestone.SubmitRequest{}); err != nil {
		t.Fatal(err)
	}
	if _, err := plain.Rate(ctx, client, ms[0].ID, 5); err != nil {
		t.Fatal(err)
	}

	w := call(r, "POST", "/v1/escrows/"+es.ID+"/automation/run", operator, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Report automation.Report `json:"report"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Report.Succeeded != 1 {
		t.Fatalf("Expected one success, got %+v", resp.Report)
	}

	w = call(r, "GET", "/v1/automation/events?escrowId="+es.ID+"&limit=1", operator, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var events struct {
		Events  []ledger.AutomationEvent `json:"events"`
		HasMore bool                     `json:"hasMore"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &events); err != nil {
		t.Fatal(err)
	}
	if len(events.Events) != 1 || !events.Events[0].Success {
		t.Fatalf("Expected one success event, got %+v", events.Events)
	}

	w = call(r, "GET", "/v1/automation/events?limit=zero", operator, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a bad limit, got %d", w.Code)
	}
}
