package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/microflow/internal/crypto"
	"github.com/alanyoungcy/microflow/internal/domain"
)

const gatewayOrderPath = "/v1/orders"

// gatewayOrder is the request body accepted by the order gateway.
type gatewayOrder struct {
	ClientOrderID string  `json:"client_order_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	ReduceOnly    bool    `json:"reduce_only"`
	Quantity      float64 `json:"quantity"`
	Leverage      float64 `json:"leverage,omitempty"`
	LimitPrice    float64 `json:"limit_price,omitempty"`
	Style         string  `json:"style,omitempty"`
	ExpiresAt     int64   `json:"expires_at_ms,omitempty"`
}

// gatewayResult is the gateway's synchronous answer.
type gatewayResult struct {
	Status     string  `json:"status"`
	FillPrice  float64 `json:"fill_price"`
	FilledSize float64 `json:"filled_size"`
	Reason     string  `json:"reason"`
	Timestamp  int64   `json:"ts_ms"`
}

// GatewayBroker submits intents to an HMAC-authenticated HTTP order gateway
// in front of the exchange.
type GatewayBroker struct {
	baseURL    string
	httpClient *http.Client
	auth       *crypto.HMACAuth
	logger     *slog.Logger
}

// NewGatewayBroker creates a GatewayBroker. baseURL is the gateway root,
// e.g. "https://gateway.internal:8443".
func NewGatewayBroker(baseURL string, auth *crypto.HMACAuth, timeout time.Duration, logger *slog.Logger) *GatewayBroker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GatewayBroker{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		auth:       auth,
		logger:     logger.With(slog.String("component", "gateway_broker")),
	}
}

// Submit posts the order and maps the gateway answer to a report.
func (b *GatewayBroker) Submit(ctx context.Context, intent domain.OrderIntent) (domain.ExecutionReport, error) {
	order := gatewayOrder{
		ClientOrderID: intent.ID,
		Symbol:        intent.Symbol,
		Side:          orderSide(intent),
		ReduceOnly:    intent.Action == domain.ActionExit,
		Quantity:      intent.Size,
		Leverage:      intent.Leverage,
		Style:         string(intent.Style),
	}
	if intent.Style == domain.StyleConservative {
		order.LimitPrice = intent.ReferencePrice
	}
	if !intent.ExpiresAt.IsZero() {
		order.ExpiresAt = intent.ExpiresAt.UnixMilli()
	}

	respBody, err := b.do(ctx, http.MethodPost, gatewayOrderPath, order)
	if err != nil {
		return domain.ExecutionReport{}, fmt.Errorf("gateway_broker: submit %s: %w", intent.ID, err)
	}

	var res gatewayResult
	if err := json.Unmarshal(respBody, &res); err != nil {
		return domain.ExecutionReport{}, fmt.Errorf("gateway_broker: decode result: %w", err)
	}

	rep := domain.ExecutionReport{
		IntentID:    intent.ID,
		InstanceKey: intent.InstanceKey,
		PositionID:  intent.PositionID,
		Action:      intent.Action,
		Status:      domain.ReportStatus(strings.ToUpper(res.Status)),
		FillPrice:   res.FillPrice,
		FilledSize:  res.FilledSize,
		Reason:      res.Reason,
		Timestamp:   time.UnixMilli(res.Timestamp).UTC(),
	}
	if res.Timestamp == 0 {
		rep.Timestamp = time.Now().UTC()
	}
	switch rep.Status {
	case domain.ReportFilled, domain.ReportRejected, domain.ReportCancelled, domain.ReportExpired:
	default:
		return domain.ExecutionReport{}, fmt.Errorf("gateway_broker: unknown status %q", res.Status)
	}

	b.logger.InfoContext(ctx, "gateway answered",
		slog.String("intent_id", intent.ID),
		slog.String("status", string(rep.Status)),
	)
	return rep, nil
}

func orderSide(intent domain.OrderIntent) string {
	buy := (intent.Action == domain.ActionEnter) == (intent.Direction == domain.DirectionLong)
	if buy {
		return "BUY"
	}
	return "SELL"
}

func (b *GatewayBroker) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.auth != nil {
		for k, v := range b.auth.Headers(method, path, bodyStr) {
			req.Header.Set(k, v)
		}
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	bodyStr := strings.TrimSpace(string(body))
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, bodyStr)
	default:
		return fmt.Errorf("unexpected status %d: %s", statusCode, bodyStr)
	}
}
