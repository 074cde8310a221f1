package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alanyoungcy/microflow/internal/crypto"
	"github.com/alanyoungcy/microflow/internal/domain"
)

func TestPaperFillPrice(t *testing.T) {
	tests := []struct {
		action    domain.IntentAction
		direction domain.Direction
		want      float64
	}{
		{domain.ActionEnter, domain.DirectionLong, 100.1},
		{domain.ActionExit, domain.DirectionLong, 99.9},
		{domain.ActionEnter, domain.DirectionShort, 99.9},
		{domain.ActionExit, domain.DirectionShort, 100.1},
	}
	for _, tt := range tests {
		t.Run(string(tt.action)+"_"+string(tt.direction), func(t *testing.T) {
			in := entryIntent()
			in.Action, in.Direction = tt.action, tt.direction
			if got := PaperFillPrice(in, 10); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("fill = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPaperBrokerSubmit(t *testing.T) {
	b := NewPaperBroker(PaperConfig{MaxSize: 1}, quietLogger())
	b.SetClock(func() time.Time { return t0 })
	ctx := context.Background()

	rep, err := b.Submit(ctx, entryIntent())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Status != domain.ReportFilled || rep.FillPrice != 100 || rep.FilledSize != 0.5 || !rep.Timestamp.Equal(t0) {
		t.Errorf("report = %+v", rep)
	}

	big := entryIntent()
	big.Size = 2
	if rep, _ := b.Submit(ctx, big); rep.Status != domain.ReportRejected {
		t.Errorf("oversize status = %s", rep.Status)
	}
	noPrice := entryIntent()
	noPrice.ReferencePrice = 0
	if rep, _ := b.Submit(ctx, noPrice); rep.Status != domain.ReportRejected {
		t.Errorf("no price status = %s", rep.Status)
	}
	if len(b.Fills()) != 1 {
		t.Errorf("fills = %d", len(b.Fills()))
	}
}

func TestGatewayBrokerSubmit(t *testing.T) {
	auth := &crypto.HMACAuth{Key: "k", Secret: "secret", Passphrase: "p"}
	var got gatewayOrder
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.URL.Path != gatewayOrderPath {
			http.NotFound(w, r)
			return
		}
		if !auth.Verify(r.Header.Get(crypto.HeaderSignature), r.Header.Get(crypto.HeaderTimestamp), r.Method, r.URL.Path, string(body)) {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
		_ = json.Unmarshal(body, &got)
		_ = json.NewEncoder(w).Encode(gatewayResult{Status: "filled", FillPrice: 100.02, FilledSize: got.Quantity, Timestamp: t0.UnixMilli()})
	}))
	defer srv.Close()

	b := NewGatewayBroker(srv.URL+"/", auth, time.Second, quietLogger())
	in := entryIntent()
	in.Direction = domain.DirectionShort
	rep, err := b.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rep.Status != domain.ReportFilled || rep.FillPrice != 100.02 || rep.FilledSize != 0.5 {
		t.Errorf("report = %+v", rep)
	}
	if !rep.Timestamp.Equal(t0) {
		t.Errorf("ts = %v", rep.Timestamp)
	}
	if got.Side != "SELL" || got.ReduceOnly || got.ClientOrderID != in.ID {
		t.Errorf("order = %+v", got)
	}
}

func TestGatewayBrokerErrors(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, domain.ErrRateLimited},
		{http.StatusUnauthorized, domain.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			b := NewGatewayBroker(srv.URL, nil, time.Second, quietLogger())
			if _, err := b.Submit(context.Background(), entryIntent()); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestGatewayBrokerUnknownStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"partially_filled"}`))
	}))
	defer srv.Close()

	b := NewGatewayBroker(srv.URL, nil, time.Second, quietLogger())
	if _, err := b.Submit(context.Background(), entryIntent()); err == nil {
		t.Error("unknown status accepted")
	}
}
