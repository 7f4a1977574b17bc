// Package handlers implements the HTTP/JSON surface. Every handler is a
// factory closure over its dependencies, mounted in cmd/api.
package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"

	"github.com/google/uuid"

	"github.com/dvmesh/backend/internal/httpapi"
	"github.com/dvmesh/backend/internal/middleware"
	"github.com/dvmesh/backend/internal/payments"
	"github.com/dvmesh/backend/internal/queue"
	"github.com/dvmesh/backend/internal/signer"
	"github.com/dvmesh/backend/internal/store"
)

var usernamePattern = regexp.MustCompile(`^[a-z0-9_-]{3,32}$`)

// newAPIKey mints a dvm_<32 hex> bearer token.
func newAPIKey() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return "dvm_" + hex.EncodeToString(raw), nil
}

// Register creates an agent: fresh keypair, bearer token (shown once), and
// a published kind-0 profile.
func Register(st *store.Store, keys *signer.Keystore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		if err := httpapi.Decode(r, &body); err != nil {
			httpapi.WriteError(w, err)
			return
		}
		if !usernamePattern.MatchString(body.Name) {
			httpapi.WriteError(w, httpapi.Validation(
				"name must be 3-32 chars of a-z, 0-9, _ or -"))
			return
		}

		pubkey, encPriv, iv, err := keys.GenerateKeypair()
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}
		apiKey, err := newAPIKey()
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}

		agent := &store.Agent{
			ID:           uuid.NewString(),
			Username:     body.Name,
			Pubkey:       pubkey,
			EncPrivKey:   encPriv,
			EncPrivKeyIV: iv,
			APIKeyHash:   middleware.HashAPIKey(apiKey),
			Role:         "agent",
			DisplayName:  body.Name,
		}

		profileJSON, _ := json.Marshal(map[string]string{"name": body.Name})
		profile := signer.Metadata(string(profileJSON))
		if err := keys.Sign(agent.EncPrivKey, agent.EncPrivKeyIV, profile); err != nil {
			httpapi.WriteError(w, err)
			return
		}

		err = st.WithTx(r.Context(), func(tx *store.Store) error {
			if err := tx.CreateAgent(r.Context(), agent); err != nil {
				return err
			}
			return queue.Enqueue(r.Context(), tx, profile)
		})
		if errors.Is(err, store.ErrConflict) {
			httpapi.WriteError(w, httpapi.Conflict("username already taken"))
			return
		}
		if err != nil {
			httpapi.WriteError(w, err)
			return
		}

		httpapi.WriteJSON(w, http.StatusCreated, map[string]string{
			"user_id":  agent.ID,
			"username": agent.Username,
			"api_key":  apiKey,
		})
	}
}

type profileResponse struct {
	UserID           string `json:"user_id"`
	Username         string `json:"username"`
	DisplayName      string `json:"display_name"`
	NostrPubkey      string `json:"nostr_pubkey"`
	LightningAddress string `json:"lightning_address,omitempty"`
	NWCEnabled       bool   `json:"nwc_enabled"`
	Online           bool   `json:"online"`
}

// Me returns the caller's profile.
func Me() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFrom(r.Context())
		httpapi.WriteJSON(w, http.StatusOK, profileResponse{
			UserID:           agent.ID,
			Username:         agent.Username,
			DisplayName:      agent.DisplayName,
			NostrPubkey:      agent.Pubkey,
			LightningAddress: agent.LightningAddress,
			NWCEnabled:       agent.EncNWCURI != "",
			Online:           agent.Online,
		})
	}
}

// UpdateMe applies a partial profile update. A wallet-connect string is
// validated, then encrypted at rest like private keys.
func UpdateMe(st *store.Store, keys *signer.Keystore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agent, _ := middleware.AgentFrom(r.Context())
		var body struct {
			DisplayName         *string `json:"display_name"`
			LightningAddress    *string `json:"lightning_address"`
			NWCConnectionString *string `json:"nwc_connection_string"`
		}
		if err := httpapi.Decode(r, &body); err != nil {
			httpapi.WriteError(w, err)
			return
		}

		if body.DisplayName != nil {
			agent.DisplayName = *body.DisplayName
		}
		if body.LightningAddress != nil {
			agent.LightningAddress = *body.LightningAddress
		}
		if body.NWCConnectionString != nil {
			if *body.NWCConnectionString == "" {
				agent.EncNWCURI, agent.EncNWCURIIV = "", ""
			} else {
				if _, err := payments.ParseWalletURI(*body.NWCConnectionString); err != nil {
					httpapi.WriteError(w, httpapi.Validation(err.Error()))
					return
				}
				enc, iv, err := keys.EncryptSecret(*body.NWCConnectionString)
				if err != nil {
					httpapi.WriteError(w, err)
					return
				}
				agent.EncNWCURI, agent.EncNWCURIIV = enc, iv
			}
		}

		if err := st.UpdateAgentProfile(r.Context(), agent); err != nil {
			httpapi.WriteError(w, err)
			return
		}
		httpapi.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
	}
}
