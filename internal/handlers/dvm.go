package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/dvmesh/backend/internal/httpapi"
	"github.com/dvmesh/backend/internal/jobs"
	"github.com/dvmesh/backend/internal/middleware"
	"github.com/dvmesh/backend/internal/store"
)

type jobResponse struct {
	JobID          string            `json:"job_id"`
	Role           string            `json:"role"`
	Kind           int               `json:"kind"`
	Status         string            `json:"status"`
	Input          string            `json:"input"`
	InputType      string            `json:"input_type,omitempty"`
	Params         map[string]string `json:"params,omitempty"`
	BidSats        int64             `json:"bid_sats"`
	PriceSats      int64             `json:"price_sats,omitempty"`
	CustomerPubkey string            `json:"customer_pubkey"`
	ProviderPubkey string            `json:"provider_pubkey,omitempty"`
	RequestEventID string            `json:"request_event_id"`
	ResultEventID  string            `json:"result_event_id,omitempty"`
	Result         string            `json:"result,omitempty"`
	SwarmID        string            `json:"swarm_id,omitempty"`
	CreatedAt      int64             `json:"created_at"`
}

func toJobResponse(j *store.Job) jobResponse {
	return jobResponse{
		JobID:          j.ID,
		Role:           j.Role,
		Kind:           j.Kind,
		Status:         j.Status,
		Input:          j.Input,
		InputType:      j.InputType,
		Params:         j.Params,
		BidSats:        j.BidMsats / 1000,
		PriceSats:      j.PriceMsats / 1000,
		CustomerPubkey: j.CustomerPubkey,
		ProviderPubkey: j.ProviderPubkey,
		RequestEventID: j.RequestEventID,
		ResultEventID:  j.ResultEventID,
		Result:         j.Result,
		SwarmID:        j.SwarmID,
		CreatedAt:      j.CreatedAt.Unix(),
	}
}

// PostRequest publishes a new DVM request.
func PostRequest(engine *jobs.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFrom(r.Context())
		var body struct {
			Kind      int               `json:"kind"`
			Input     string            `json:"input"`
			InputType string            `json:"input_type"`
			Output    string            `json:"output"`
			BidSats   int64             `json:"bid_sats"`
			Params    map[string]string `json:"params"`
			Provider  string            `json:"provider"`
		}
		if err := httpapi.Decode(r, &body); err != nil {
			httpapi.WriteError(w, err)
			return
		}
		job, err := engine.PostRequest(r.Context(), agent, jobs.PostRequestInput{
			Kind:      body.Kind,
			Input:     body.Input,
			InputType: body.InputType,
			Output:    body.Output,
			BidMsats:  body.BidSats * 1000,
			Params:    body.Params,
			Provider:  body.Provider,
		})
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusCreated, map[string]string{
			"job_id":   job.ID,
			"event_id": job.RequestEventID,
			"status":   job.Status,
		})
	}
}

// Market lists open customer jobs, excluding the caller's own when
// authenticated.
func Market(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		exclude := ""
		if agent, ok := middleware.AgentFrom(r.Context()); ok {
			exclude = agent.ID
		}
		kind, _ := strconv.Atoi(r.URL.Query().Get("kind"))
		limit, offset := pagination(r)
		listed, err := st.ListOpenMarket(r.Context(), kind, exclude, limit, offset)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"jobs": jobResponses(listed),
		})
	}
}

// Inbox lists the caller's provider-projection jobs.
func Inbox(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFrom(r.Context())
		kind, _ := strconv.Atoi(r.URL.Query().Get("kind"))
		limit, offset := pagination(r)
		listed, err := st.ListJobs(r.Context(), agent.ID, jobs.RoleProvider,
			r.URL.Query().Get("status"), kind, limit, offset)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"jobs": jobResponses(listed),
		})
	}
}

// ListMyJobs lists the caller's customer-projection jobs.
func ListMyJobs(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFrom(r.Context())
		kind, _ := strconv.Atoi(r.URL.Query().Get("kind"))
		limit, offset := pagination(r)
		listed, err := st.ListJobs(r.Context(), agent.ID, jobs.RoleCustomer,
			r.URL.Query().Get("status"), kind, limit, offset)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"jobs": jobResponses(listed),
		})
	}
}

// GetJob returns one of the caller's jobs.
func GetJob(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFrom(r.Context())
		job, err := st.GetJob(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		if job.UserID != agent.ID {
			httpapi.WriteError(w, httpapi.Forbidden("not your job"))
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, toJobResponse(job))
	}
}

// Accept claims a market job (or reopens the caller's errored job).
func Accept(engine *jobs.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFrom(r.Context())
		job, err := engine.Accept(r.Context(), agent, mux.Vars(r)["id"])
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"job_id": job.ID,
			"status": "accepted",
			"kind":   job.Kind,
		})
	}
}

// Feedback publishes a provider status update for a job.
func Feedback(engine *jobs.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFrom(r.Context())
		var body struct {
			Status  string `json:"status"`
			Content string `json:"content"`
		}
		if err := httpapi.Decode(r, &body); err != nil {
			httpapi.WriteError(w, err)
			return
		}
		eventID, err := engine.SubmitFeedback(r.Context(), agent,
			mux.Vars(r)["id"], body.Status, body.Content)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"ok": true, "event_id": eventID,
		})
	}
}

// Result publishes the provider's finished result.
func Result(engine *jobs.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFrom(r.Context())
		var body struct {
			Content    string `json:"content"`
			AmountSats int64  `json:"amount_sats"`
			Bolt11     string `json:"bolt11"`
		}
		if err := httpapi.Decode(r, &body); err != nil {
			httpapi.WriteError(w, err)
			return
		}
		eventID, err := engine.SubmitResult(r.Context(), agent, mux.Vars(r)["id"],
			jobs.SubmitResultInput{
				Content:    body.Content,
				PriceMsats: body.AmountSats * 1000,
				Bolt11:     body.Bolt11,
			})
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"ok": true, "event_id": eventID,
		})
	}
}

// Complete confirms a delivered result and settles payment.
func Complete(engine *jobs.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFrom(r.Context())
		outcome, err := engine.Complete(r.Context(), agent, mux.Vars(r)["id"])
		if err != nil {
			// A paid fee with a failed provider leg must reach the caller so
			// they can reconcile before retrying.
			if outcome != nil && outcome.FeePaid {
				httpapi.WriteJSON(w, http.StatusBadGateway, map[string]interface{}{
					"error":    "provider payment failed",
					"detail":   err.Error(),
					"fee_paid": true,
					"fee_sats": outcome.FeeMsats / 1000,
				})
				return
			}
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"ok":        true,
			"paid_sats": outcome.PaidMsats / 1000,
			"fee_sats":  outcome.FeeMsats / 1000,
		})
	}
}

// RejectJob returns a delivered result and re-opens the request.
func RejectJob(engine *jobs.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFrom(r.Context())
		if err := engine.Reject(r.Context(), agent, mux.Vars(r)["id"]); err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"ok": true, "status": jobs.StatusOpen,
		})
	}
}

// CancelJob abandons a request.
func CancelJob(engine *jobs.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFrom(r.Context())
		if err := engine.Cancel(r.Context(), agent, mux.Vars(r)["id"]); err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"ok": true, "status": jobs.StatusCancelled,
		})
	}
}

// RegisterService records the caller's provider registration.
func RegisterService(engine *jobs.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFrom(r.Context())
		var body struct {
			Kinds                []int  `json:"kinds"`
			Description          string `json:"description"`
			PriceMinSats         int64  `json:"price_min_sats"`
			PriceMaxSats         int64  `json:"price_max_sats"`
			DirectRequestEnabled bool   `json:"direct_request_enabled"`
		}
		if err := httpapi.Decode(r, &body); err != nil {
			httpapi.WriteError(w, err)
			return
		}
		svc, err := engine.RegisterService(r.Context(), agent, jobs.RegisterServiceInput{
			Kinds:                body.Kinds,
			Description:          body.Description,
			PriceMinMsats:        body.PriceMinSats * 1000,
			PriceMaxMsats:        body.PriceMaxSats * 1000,
			DirectRequestEnabled: body.DirectRequestEnabled,
		})
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusCreated, map[string]interface{}{
			"service_id": svc.ID,
			"event_id":   svc.LastHandlerEventID,
			"kinds":      svc.Kinds,
		})
	}
}

type serviceResponse struct {
	ServiceID            string  `json:"service_id"`
	Pubkey               string  `json:"pubkey"`
	Kinds                []int64 `json:"kinds"`
	Description          string  `json:"description,omitempty"`
	PriceMinSats         int64   `json:"price_min_sats"`
	PriceMaxSats         int64   `json:"price_max_sats"`
	DirectRequestEnabled bool    `json:"direct_request_enabled"`
	Active               bool    `json:"active"`
	JobsCompleted        int64   `json:"jobs_completed"`
	JobsRejected         int64   `json:"jobs_rejected"`
	TotalEarnedSats      int64   `json:"total_earned_sats"`
	TotalZapSats         int64   `json:"total_zap_sats"`
	AvgResponseMs        int64   `json:"avg_response_ms"`
}

// ListServices lists registered services.
func ListServices(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pagination(r)
		services, err := st.ListServices(r.Context(), limit, offset)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		out := make([]serviceResponse, 0, len(services))
		for _, s := range services {
			out = append(out, serviceResponse{
				ServiceID:            s.ID,
				Pubkey:               s.Pubkey,
				Kinds:                s.Kinds,
				Description:          s.Description,
				PriceMinSats:         s.PriceMinMsats / 1000,
				PriceMaxSats:         s.PriceMaxMsats / 1000,
				DirectRequestEnabled: s.DirectRequestEnabled,
				Active:               s.Active,
				JobsCompleted:        s.JobsCompleted,
				JobsRejected:         s.JobsRejected,
				TotalEarnedSats:      s.TotalEarnedMsats / 1000,
				TotalZapSats:         s.TotalZapReceived / 1000,
				AvgResponseMs:        s.AvgResponseMs,
			})
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"services": out,
		})
	}
}

type externalDVMResponse struct {
	Pubkey    string  `json:"pubkey"`
	DTag      string  `json:"d_tag"`
	Kinds     []int64 `json:"kinds"`
	Content   string  `json:"content,omitempty"`
	UpdatedAt int64   `json:"updated_at"`
}

// ListExternalDVMs lists the handler-info catalog gathered from the wider
// network.
func ListExternalDVMs(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, offset := pagination(r)
		dvms, err := st.ListExternalDVMs(r.Context(), limit, offset)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		out := make([]externalDVMResponse, 0, len(dvms))
		for _, d := range dvms {
			out = append(out, externalDVMResponse{
				Pubkey:    d.Pubkey,
				DTag:      d.DTag,
				Kinds:     d.Kinds,
				Content:   d.Content,
				UpdatedAt: d.UpdatedAt.Unix(),
			})
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"dvms": out,
		})
	}
}

func jobResponses(listed []store.Job) []jobResponse {
	out := make([]jobResponse, 0, len(listed))
	for i := range listed {
		out = append(out, toJobResponse(&listed[i]))
	}
	return out
}

func pagination(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	return limit, (page - 1) * limit
}
