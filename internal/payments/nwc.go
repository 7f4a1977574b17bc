// Package payments drives job settlement: wallet-connect RPC to the
// customer's Lightning wallet plus LNURL-pay resolution of payment
// addresses.
package payments

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/gorilla/websocket"

	"github.com/dvmesh/backend/internal/metrics"
	"github.com/dvmesh/backend/internal/nostr"
)

const walletTimeout = 15 * time.Second

// ErrAmbiguous marks a wallet exchange whose outcome is unknown: the
// request went out but no response arrived in time. The payment may or
// may not have executed; the operator reconciles manually.
var ErrAmbiguous = fmt.Errorf("wallet response timeout, payment outcome unknown")

// WalletConn is a parsed wallet-connect URI:
// <scheme>://<wallet_pubkey>?relay=<url>&secret=<hex>.
type WalletConn struct {
	WalletPubkey string
	RelayURL     string
	secret       *btcec.PrivateKey
}

// ParseWalletURI validates and decomposes a wallet-connect URI.
func ParseWalletURI(uri string) (*WalletConn, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet uri: %w", err)
	}
	walletPubkey := u.Host
	if walletPubkey == "" {
		// nostr+walletconnect://<pubkey> parses the pubkey as opaque.
		walletPubkey = strings.TrimPrefix(u.Opaque, "//")
	}
	if len(walletPubkey) != 64 {
		return nil, fmt.Errorf("invalid wallet uri: bad wallet pubkey")
	}
	if _, err := hex.DecodeString(walletPubkey); err != nil {
		return nil, fmt.Errorf("invalid wallet uri: bad wallet pubkey")
	}
	q := u.Query()
	relay := q.Get("relay")
	if relay == "" {
		return nil, fmt.Errorf("invalid wallet uri: missing relay")
	}
	secretHex := q.Get("secret")
	secretBytes, err := hex.DecodeString(secretHex)
	if err != nil || len(secretBytes) != 32 {
		return nil, fmt.Errorf("invalid wallet uri: bad secret")
	}
	priv, _ := btcec.PrivKeyFromBytes(secretBytes)
	return &WalletConn{WalletPubkey: walletPubkey, RelayURL: relay, secret: priv}, nil
}

// sharedSecret derives the ECDH key between the client secret and the
// wallet's pubkey.
func (w *WalletConn) sharedSecret() ([]byte, error) {
	return nostr.SharedSecret(w.secret.Serialize(), w.WalletPubkey)
}

type walletRequest struct {
	Method string                 `json:"method"`
	Params map[string]interface{} `json:"params"`
}

type walletResponse struct {
	ResultType string `json:"result_type"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Result *struct {
		Preimage string `json:"preimage"`
	} `json:"result"`
}

// PayInvoice executes one pay_invoice exchange against the wallet relay and
// returns the preimage.
func (w *WalletConn) PayInvoice(ctx context.Context, bolt11 string) (string, error) {
	key, err := w.sharedSecret()
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(walletRequest{
		Method: "pay_invoice",
		Params: map[string]interface{}{"invoice": bolt11},
	})
	if err != nil {
		return "", err
	}
	content, err := nostr.EncryptDM(key, payload)
	if err != nil {
		return "", err
	}

	req := &nostr.Event{
		Kind:      nostr.KindWalletRequest,
		CreatedAt: time.Now().Unix(),
		Content:   content,
		Tags:      nostr.Tags{{"p", w.WalletPubkey}},
	}
	if err := req.Sign(w.secret); err != nil {
		return "", fmt.Errorf("sign wallet request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, walletTimeout)
	defer cancel()

	respEvent, err := w.exchange(ctx, req)
	if err != nil {
		return "", err
	}

	plain, err := nostr.DecryptDM(key, respEvent.Content)
	if err != nil {
		return "", fmt.Errorf("decrypt wallet response: %w", err)
	}
	var resp walletResponse
	if err := json.Unmarshal(plain, &resp); err != nil {
		return "", fmt.Errorf("decode wallet response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("wallet error %s: %s", resp.Error.Code, resp.Error.Message)
	}
	if resp.Result == nil || resp.Result.Preimage == "" {
		return "", fmt.Errorf("wallet response missing preimage")
	}
	return resp.Result.Preimage, nil
}

// exchange opens the wallet relay, subscribes for the response before
// publishing the request, and waits for the first kind-23195 event
// referencing the request id.
func (w *WalletConn) exchange(ctx context.Context, req *nostr.Event) (*nostr.Event, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.RelayURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial wallet relay %s: %w", w.RelayURL, err)
	}
	defer conn.Close()

	subID := "nwc-" + req.ID[:16]
	subFrame, err := json.Marshal([]interface{}{"REQ", subID, nostr.Filter{
		Kinds: []int{nostr.KindWalletResponse},
		Tags:  map[string][]string{"e": {req.ID}},
	}})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, subFrame); err != nil {
		return nil, fmt.Errorf("subscribe wallet relay: %w", err)
	}
	eventFrame, err := json.Marshal([]interface{}{"EVENT", req})
	if err != nil {
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, eventFrame); err != nil {
		return nil, fmt.Errorf("send wallet request: %w", err)
	}

	deadline, _ := ctx.Deadline()
	conn.SetReadDeadline(deadline)
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			metrics.PaymentsAmbiguous.Inc()
			return nil, ErrAmbiguous
		}
		var frame []json.RawMessage
		if err := json.Unmarshal(msg, &frame); err != nil || len(frame) < 2 {
			continue
		}
		var frameType string
		json.Unmarshal(frame[0], &frameType)
		if frameType != "EVENT" || len(frame) < 3 {
			continue
		}
		var ev nostr.Event
		if err := json.Unmarshal(frame[2], &ev); err != nil {
			continue
		}
		if ev.Kind == nostr.KindWalletResponse && ev.Tags.First("e") == req.ID {
			return &ev, nil
		}
	}
}
