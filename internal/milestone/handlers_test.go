package milestone_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/smartescrow/internal/api"
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

func TestHandler_SubmitApproveFlow(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f, svc, _ := setup(t)
	r := gin.New()
	milestone.NewHandler(svc).RegisterRoutes(r.Group("/v1", api.Identity(), api.RequireActor()))

	e, ms := f.Active(t, "1000", escrowtest.Auto("400"), escrowtest.Auto("600"))

	w := call(r, "POST", "/v1/milestones/"+ms[0].ID+"/submit", freelancer, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = call(r, "POST", "/v1/milestones/"+ms[0].ID+"/reject", client, `{"reason":""}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for missing reason, got %d: %s", w.Code, w.Body.String())
	}

	w = call(r, "POST", "/v1/milestones/"+ms[0].ID+"/approve", client, "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Milestone ledger.Milestone `json:"milestone"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Milestone.Status != ledger.MilestoneCompleted {
		t.Errorf("Expected completed, got %s", resp.Milestone.Status)
	}

	w = call(r, "GET", "/v1/escrows/"+e.ID+"/milestones", client, "")
	var list struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &list)
	if list.Count != 2 {
		t.Errorf("Expected 2 milestones, got %d", list.Count)
	}

	w = call(r, "POST", "/v1/escrows/"+e.ID+"/milestones", client, `{"title":"More","amount":"1"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 when the total is exhausted, got %d: %s", w.Code, w.Body.String())
	}

	w = call(r, "POST", "/v1/milestones/"+ms[1].ID+"/rate", client, `{}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 without rating, got %d", w.Code)
	}
}
