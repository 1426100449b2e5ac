package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"taskflow/fault"
)

// CaptureRequest is the outbound "initiate capture" call to the gateway.
type CaptureRequest struct {
	WorkItemID  string `json:"work_item_id"`
	PayerID     string `json:"payer_id"`
	AmountCents int64  `json:"amount_cents"`
}

// CaptureIntent is the gateway's answer: where to send the payer, and the
// reference the asynchronous confirmation callback will carry.
type CaptureIntent struct {
	RedirectURL string `json:"redirect_url"`
	Reference   string `json:"reference"`
}

// Gateway is the payment gateway collaborator. The core never holds a row
// lock across a Gateway call.
type Gateway interface {
	InitiateCapture(ctx context.Context, req CaptureRequest) (CaptureIntent, error)
}

type httpGateway struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGateway builds a Gateway speaking JSON over HTTP.
func NewHTTPGateway(baseURL string) Gateway {
	return &httpGateway{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (g *httpGateway) InitiateCapture(ctx context.Context, capture CaptureRequest) (CaptureIntent, error) {
	body, err := json.Marshal(capture)
	if err != nil {
		return CaptureIntent{}, fmt.Errorf("escrow: marshal capture request: %w", err)
	}

	url := fmt.Sprintf("%s/capture-intents", g.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return CaptureIntent{}, fault.Gateway("build capture request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return CaptureIntent{}, fault.Gateway("initiate capture", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return CaptureIntent{}, fault.Gateway(fmt.Sprintf("capture intent rejected: %s", resp.Status), nil)
	}

	var intent CaptureIntent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return CaptureIntent{}, fault.Gateway("decode capture intent", err)
	}
	if intent.Reference == "" {
		return CaptureIntent{}, fault.Gateway("capture intent missing reference", nil)
	}
	return intent, nil
}
