package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/dvmesh/backend/internal/httpapi"
	"github.com/dvmesh/backend/internal/middleware"
	"github.com/dvmesh/backend/internal/nostr"
	"github.com/dvmesh/backend/internal/queue"
	"github.com/dvmesh/backend/internal/reputation"
	"github.com/dvmesh/backend/internal/signer"
	"github.com/dvmesh/backend/internal/store"
)

// resolveTargetPubkey turns any of the accepted target notations into a hex
// pubkey: raw hex, npub, or a local username.
func resolveTargetPubkey(r *http.Request, st *store.Store, body struct {
	TargetPubkey   string `json:"target_pubkey"`
	TargetNpub     string `json:"target_npub"`
	TargetUsername string `json:"target_username"`
}) (string, error) {
	switch {
	case body.TargetPubkey != "":
		if len(body.TargetPubkey) != 64 {
			return "", httpapi.Validation("target_pubkey must be 64 hex chars")
		}
		return strings.ToLower(body.TargetPubkey), nil
	case body.TargetNpub != "":
		hex, err := nostr.DecodeNpub(body.TargetNpub)
		if err != nil {
			return "", httpapi.Validation("invalid npub")
		}
		return hex, nil
	case body.TargetUsername != "":
		agent, err := st.GetAgentByUsername(r.Context(), body.TargetUsername)
		if err != nil {
			return "", err
		}
		return agent.Pubkey, nil
	}
	return "", httpapi.Validation("one of target_pubkey, target_npub or target_username is required")
}

// DeclareTrust publishes a trust assertion for a target pubkey and records it
// locally so reputation reads do not wait on the relay round trip.
func DeclareTrust(st *store.Store, keys *signer.Keystore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFrom(r.Context())
		var body struct {
			TargetPubkey   string `json:"target_pubkey"`
			TargetNpub     string `json:"target_npub"`
			TargetUsername string `json:"target_username"`
		}
		if err := httpapi.Decode(r, &body); err != nil {
			httpapi.WriteError(w, err)
			return
		}
		target, err := resolveTargetPubkey(r, st, body)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		if target == agent.Pubkey {
			httpapi.WriteError(w, httpapi.Validation("cannot trust yourself"))
			return
		}

		ev := signer.TrustAssertion(target, "trusted")
		if err := keys.Sign(agent.EncPrivKey, agent.EncPrivKeyIV, ev); err != nil {
			httpapi.WriteError(w, err)
			return
		}

		err = st.WithTx(r.Context(), func(tx *store.Store) error {
			if err := tx.UpsertTrust(r.Context(), &store.TrustDeclaration{
				TrusterUserID: agent.ID,
				TargetPubkey:  target,
				EventID:       ev.ID,
				CreatedAt:     time.Unix(ev.CreatedAt, 0),
			}); err != nil {
				return err
			}
			return queue.Enqueue(r.Context(), tx, ev)
		})
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusCreated, map[string]string{
			"event_id": ev.ID,
			"target":   target,
		})
	}
}

// RevokeTrust withdraws a prior trust assertion. The replaceable event is
// superseded on relays by an empty assertion under the same d-tag.
func RevokeTrust(st *store.Store, keys *signer.Keystore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFrom(r.Context())
		target := strings.ToLower(mux.Vars(r)["pubkey"])
		if len(target) != 64 {
			httpapi.WriteError(w, httpapi.Validation("pubkey must be 64 hex chars"))
			return
		}

		ev := signer.TrustAssertion(target, "")
		if err := keys.Sign(agent.EncPrivKey, agent.EncPrivKeyIV, ev); err != nil {
			httpapi.WriteError(w, err)
			return
		}

		err := st.WithTx(r.Context(), func(tx *store.Store) error {
			if err := tx.DeleteTrust(r.Context(), agent.ID, target); err != nil {
				return err
			}
			return queue.Enqueue(r.Context(), tx, ev)
		})
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// GetReputation serves the aggregated reputation for a pubkey. With a valid
// token the web-of-trust section is viewer relative.
func GetReputation(agg *reputation.Aggregator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pubkey := strings.ToLower(mux.Vars(r)["pubkey"])
		if strings.HasPrefix(pubkey, "npub1") {
			hex, err := nostr.DecodeNpub(pubkey)
			if err != nil {
				httpapi.WriteError(w, httpapi.Validation("invalid npub"))
				return
			}
			pubkey = hex
		}
		if len(pubkey) != 64 {
			httpapi.WriteError(w, httpapi.Validation("pubkey must be 64 hex chars or an npub"))
			return
		}
		viewerID := ""
		if agent, ok := middleware.AgentFrom(r.Context()); ok {
			viewerID = agent.ID
		}
		rep, err := agg.Get(r.Context(), pubkey, viewerID)
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, rep)
	}
}
