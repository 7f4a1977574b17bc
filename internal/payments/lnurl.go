package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

type payParams struct {
	Callback    string `json:"callback"`
	MinSendable int64  `json:"minSendable"`
	MaxSendable int64  `json:"maxSendable"`
	Tag         string `json:"tag"`
}

type payInvoiceResponse struct {
	PR     string `json:"pr"`
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// ResolveAddress turns a name@domain payment address into a bolt11 invoice
// for the given amount: GET the well-known descriptor, check the sendable
// range, then request an invoice at the callback.
func ResolveAddress(ctx context.Context, address string, amountMsats int64) (string, error) {
	name, domain, ok := splitAddress(address)
	if !ok {
		return "", fmt.Errorf("invalid payment address %q", address)
	}

	params, err := fetchPayParams(ctx, fmt.Sprintf("https://%s/.well-known/lnurlp/%s", domain, name))
	if err != nil {
		return "", err
	}
	if params.Tag != "payRequest" {
		return "", fmt.Errorf("address %s is not payable", address)
	}
	if amountMsats < params.MinSendable || amountMsats > params.MaxSendable {
		return "", fmt.Errorf("amount %d msats outside sendable range [%d,%d]",
			amountMsats, params.MinSendable, params.MaxSendable)
	}

	callback, err := url.Parse(params.Callback)
	if err != nil {
		return "", fmt.Errorf("bad invoice callback: %w", err)
	}
	q := callback.Query()
	q.Set("amount", strconv.FormatInt(amountMsats, 10))
	callback.RawQuery = q.Encode()

	invoice, err := fetchInvoice(ctx, callback.String())
	if err != nil {
		return "", err
	}
	return invoice, nil
}

func splitAddress(address string) (name, domain string, ok bool) {
	parts := strings.Split(address, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func fetchPayParams(ctx context.Context, u string) (*payParams, error) {
	body, err := getJSON(ctx, u)
	if err != nil {
		return nil, err
	}
	var params payParams
	if err := json.Unmarshal(body, &params); err != nil {
		return nil, fmt.Errorf("decode pay descriptor: %w", err)
	}
	return &params, nil
}

func fetchInvoice(ctx context.Context, u string) (string, error) {
	body, err := getJSON(ctx, u)
	if err != nil {
		return "", err
	}
	var resp payInvoiceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode invoice response: %w", err)
	}
	if strings.EqualFold(resp.Status, "ERROR") {
		return "", fmt.Errorf("invoice request refused: %s", resp.Reason)
	}
	if resp.PR == "" {
		return "", fmt.Errorf("invoice response missing pr")
	}
	return resp.PR, nil
}

func getJSON(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", u, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}
