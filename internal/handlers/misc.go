package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/dvmesh/backend/internal/httpapi"
	"github.com/dvmesh/backend/internal/middleware"
	"github.com/dvmesh/backend/internal/payments"
	"github.com/dvmesh/backend/internal/queue"
	"github.com/dvmesh/backend/internal/signer"
	"github.com/dvmesh/backend/internal/store"
)

// PostHeartbeat publishes the caller's liveness beacon and refreshes their
// presence row. Served kinds come from the caller's service registration.
func PostHeartbeat(st *store.Store, keys *signer.Keystore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFrom(r.Context())
		var body struct {
			Status   string `json:"status"`
			Capacity int    `json:"capacity"`
		}
		if err := httpapi.Decode(r, &body); err != nil {
			httpapi.WriteError(w, err)
			return
		}
		if body.Status == "" {
			body.Status = "available"
		}

		var kinds []int
		svc, err := st.GetServiceByUserID(r.Context(), agent.ID)
		if err == nil {
			for _, k := range svc.Kinds {
				kinds = append(kinds, int(k))
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			httpapi.WriteError(w, err)
			return
		}

		ev := signer.Heartbeat("agent-status", body.Status, body.Capacity, kinds, "")
		if err := keys.Sign(agent.EncPrivKey, agent.EncPrivKeyIV, ev); err != nil {
			httpapi.WriteError(w, err)
			return
		}

		now := time.Now()
		kinds64 := make([]int64, len(kinds))
		for i, k := range kinds {
			kinds64[i] = int64(k)
		}
		err = st.WithTx(r.Context(), func(tx *store.Store) error {
			if err := tx.UpsertHeartbeat(r.Context(), &store.Heartbeat{
				UserID:   agent.ID,
				Pubkey:   agent.Pubkey,
				Status:   body.Status,
				Capacity: body.Capacity,
				Kinds:    kinds64,
				EventID:  ev.ID,
				LastSeen: now,
			}); err != nil {
				return err
			}
			if err := tx.TouchAgentSeen(r.Context(), agent.ID, now); err != nil {
				return err
			}
			return queue.Enqueue(r.Context(), tx, ev)
		})
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"ok": true, "event_id": ev.ID,
		})
	}
}

// SendZap builds and pays a zap to another agent's lightning address through
// the caller's linked wallet.
func SendZap(st *store.Store, keys *signer.Keystore, relays []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFrom(r.Context())
		var body struct {
			TargetPubkey string `json:"target_pubkey"`
			AmountSats   int64  `json:"amount_sats"`
			EventID      string `json:"event_id"`
			Comment      string `json:"comment"`
		}
		if err := httpapi.Decode(r, &body); err != nil {
			httpapi.WriteError(w, err)
			return
		}
		if body.AmountSats <= 0 {
			httpapi.WriteError(w, httpapi.Validation("amount_sats must be positive"))
			return
		}
		if agent.EncNWCURI == "" {
			httpapi.WriteError(w, httpapi.Validation("no wallet linked"))
			return
		}

		target, err := st.GetAgentByPubkey(r.Context(), body.TargetPubkey)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		if target.LightningAddress == "" {
			httpapi.WriteError(w, httpapi.Validation("target has no lightning address"))
			return
		}

		amountMsats := body.AmountSats * 1000
		ev := signer.ZapRequest(target.Pubkey, amountMsats, relays,
			body.EventID, "", body.Comment)
		if err := keys.Sign(agent.EncPrivKey, agent.EncPrivKeyIV, ev); err != nil {
			httpapi.WriteError(w, err)
			return
		}
		if err := queue.Enqueue(r.Context(), st, ev); err != nil {
			httpapi.WriteError(w, err)
			return
		}

		bolt11, err := payments.ResolveAddress(r.Context(), target.LightningAddress, amountMsats)
		if err != nil {
			httpapi.WriteError(w, httpapi.Gateway("lightning address resolution failed", err.Error()))
			return
		}
		uri, err := keys.DecryptSecret(agent.EncNWCURI, agent.EncNWCURIIV)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		wallet, err := payments.ParseWalletURI(uri)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		preimage, err := wallet.PayInvoice(r.Context(), bolt11)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"ok": true, "preimage": preimage, "zap_request": ev.ID,
		})
	}
}

// ReportAgent publishes an abuse report against a pubkey and records it for
// the local flag threshold.
func ReportAgent(st *store.Store, keys *signer.Keystore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFrom(r.Context())
		var body struct {
			TargetPubkey string `json:"target_pubkey"`
			Type         string `json:"type"`
			EventID      string `json:"event_id"`
			Content      string `json:"content"`
		}
		if err := httpapi.Decode(r, &body); err != nil {
			httpapi.WriteError(w, err)
			return
		}
		if len(body.TargetPubkey) != 64 {
			httpapi.WriteError(w, httpapi.Validation("target_pubkey must be 64 hex chars"))
			return
		}
		if body.TargetPubkey == agent.Pubkey {
			httpapi.WriteError(w, httpapi.Validation("cannot report yourself"))
			return
		}
		if body.Type == "" {
			body.Type = "other"
		}

		ev := signer.Report(body.TargetPubkey, body.Type, body.EventID, body.Content)
		if err := keys.Sign(agent.EncPrivKey, agent.EncPrivKeyIV, ev); err != nil {
			httpapi.WriteError(w, err)
			return
		}

		err := st.WithTx(r.Context(), func(tx *store.Store) error {
			if err := tx.InsertReportOnce(r.Context(), &store.Report{
				EventID:        ev.ID,
				ReporterPubkey: agent.Pubkey,
				TargetPubkey:   body.TargetPubkey,
				ReportType:     body.Type,
				TargetEventID:  body.EventID,
				CreatedAt:      time.Unix(ev.CreatedAt, 0),
			}); err != nil {
				return err
			}
			return queue.Enqueue(r.Context(), tx, ev)
		})
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusCreated, map[string]string{"event_id": ev.ID})
	}
}

// WellKnownNostr serves the NIP-05 identifier document for local usernames.
func WellKnownNostr(st *store.Store, relays []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			httpapi.WriteError(w, httpapi.Validation("name query parameter is required"))
			return
		}
		agent, err := st.GetAgentByUsername(r.Context(), name)
		if errors.Is(err, store.ErrNotFound) {
			httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
				"names": map[string]string{},
			})
			return
		}
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", "*")
		httpapi.WriteJSON(w, http.StatusOK, map[string]interface{}{
			"names":  map[string]string{name: agent.Pubkey},
			"relays": map[string][]string{agent.Pubkey: relays},
		})
	}
}
