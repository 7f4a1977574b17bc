package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/dvmesh/backend/internal/httpapi"
	"github.com/dvmesh/backend/internal/jobs"
	"github.com/dvmesh/backend/internal/middleware"
)

// PostSwarm posts a swarm task: many providers submit, the customer picks
// one winner.
func PostSwarm(engine *jobs.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFrom(r.Context())
		var body struct {
			Input       string `json:"input"`
			BidSats     int64  `json:"bid_sats"`
			JudgePubkey string `json:"judge_pubkey"`
		}
		if err := httpapi.Decode(r, &body); err != nil {
			httpapi.WriteError(w, err)
			return
		}
		job, err := engine.PostSwarm(r.Context(), agent, jobs.PostSwarmInput{
			Input:       body.Input,
			BidMsats:    body.BidSats * 1000,
			JudgePubkey: body.JudgePubkey,
		})
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusCreated, map[string]string{
			"job_id":   job.ID,
			"swarm_id": job.SwarmID,
			"event_id": job.RequestEventID,
			"status":   job.Status,
		})
	}
}

type swarmSubmissionResponse struct {
	ProviderPubkey string `json:"provider_pubkey"`
	Content        string `json:"content"`
	PriceSats      int64  `json:"price_sats,omitempty"`
	Winner         bool   `json:"winner"`
	CreatedAt      int64  `json:"created_at"`
}

// GetSwarm lists the submissions gathered so far for a swarm job.
func GetSwarm(engine *jobs.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFrom(r.Context())
		subs, err := engine.SwarmSubmissions(r.Context(), agent, mux.Vars(r)["id"])
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		out := make([]swarmSubmissionResponse, 0, len(subs))
		for _, s := range subs {
			out = append(out, swarmSubmissionResponse{
				ProviderPubkey: s.ProviderPubkey,
				Content:        s.Content,
				PriceSats:      s.PriceMsats / 1000,
				Winner:         s.Winner,
				CreatedAt:      s.CreatedAt.Unix(),
			})
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"submissions": out,
		})
	}
}

// SelectSwarmWinner picks the winning submission and pays that provider
// alone.
func SelectSwarmWinner(engine *jobs.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFrom(r.Context())
		var body struct {
			ProviderPubkey string `json:"provider_pubkey"`
		}
		if err := httpapi.Decode(r, &body); err != nil {
			httpapi.WriteError(w, err)
			return
		}
		if body.ProviderPubkey == "" {
			httpapi.WriteError(w, httpapi.Validation("provider_pubkey is required"))
			return
		}
		outcome, err := engine.SelectSwarmWinner(r.Context(), agent,
			mux.Vars(r)["id"], body.ProviderPubkey)
		if err != nil {
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
			"winner":    body.ProviderPubkey,
			"paid_sats": outcome.PaidMsats / 1000,
			"fee_sats":  outcome.FeeMsats / 1000,
		})
	}
}
