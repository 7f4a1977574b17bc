package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dvmesh/backend/internal/httpapi"
	"github.com/dvmesh/backend/internal/jobs"
	"github.com/dvmesh/backend/internal/middleware"
	"github.com/dvmesh/backend/internal/store"
)

type workflowStepResponse struct {
	Index       int    `json:"index"`
	Kind        int    `json:"kind"`
	Description string `json:"description,omitempty"`
	Provider    string `json:"provider,omitempty"`
	Input       string `json:"input,omitempty"`
	Output      string `json:"output,omitempty"`
	JobID       string `json:"job_id,omitempty"`
	Status      string `json:"status"`
}

type workflowResponse struct {
	WorkflowID string                 `json:"workflow_id"`
	Status     string                 `json:"status"`
	Input      string                 `json:"input"`
	BidSats    int64                  `json:"bid_sats"`
	Steps      []workflowStepResponse `json:"steps"`
	CreatedAt  int64                  `json:"created_at"`
}

func toWorkflowResponse(wf *store.Workflow) workflowResponse {
	steps := make([]workflowStepResponse, 0, len(wf.Steps))
	for _, s := range wf.Steps {
		steps = append(steps, workflowStepResponse{
			Index:       s.Index,
			Kind:        s.Kind,
			Description: s.Description,
			Provider:    s.Provider,
			Input:       s.Input,
			Output:      s.Output,
			JobID:       s.JobID,
			Status:      s.Status,
		})
	}
	return workflowResponse{
		WorkflowID: wf.ID,
		Status:     wf.Status,
		Input:      wf.Input,
		BidSats:    wf.BidMsats / 1000,
		Steps:      steps,
		CreatedAt:  wf.CreatedAt.Unix(),
	}
}

// CreateWorkflow posts a multi-step workflow; the first step goes out
// immediately, later steps chain on results.
func CreateWorkflow(engine *jobs.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFrom(r.Context())
		var body struct {
			Input   string `json:"input"`
			BidSats int64  `json:"bid_sats"`
			Steps   []struct {
				Kind        int    `json:"kind"`
				Description string `json:"description"`
				Provider    string `json:"provider"`
			} `json:"steps"`
		}
		if err := httpapi.Decode(r, &body); err != nil {
			httpapi.WriteError(w, err)
			return
		}
		steps := make([]jobs.WorkflowStepInput, 0, len(body.Steps))
		for _, s := range body.Steps {
			steps = append(steps, jobs.WorkflowStepInput{
				Kind:        s.Kind,
				Description: s.Description,
				Provider:    s.Provider,
			})
		}
		wf, err := engine.CreateWorkflow(r.Context(), agent, jobs.CreateWorkflowInput{
			Input:    body.Input,
			Steps:    steps,
			BidMsats: body.BidSats * 1000,
		})
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusCreated, toWorkflowResponse(wf))
	}
}

// GetWorkflow returns one of the caller's workflows with step progress.
func GetWorkflow(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFrom(r.Context())
		wf, err := st.GetWorkflow(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		if wf.UserID != agent.ID {
			httpapi.WriteError(w, httpapi.Forbidden("not your workflow"))
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, toWorkflowResponse(wf))
	}
}
