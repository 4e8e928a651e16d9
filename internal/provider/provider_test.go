package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"calplan/internal/model"
)

type fakeRefresher struct {
	out   Credentials
	err   error
	calls int
}

func (f *fakeRefresher) Refresh(_ context.Context, _ model.Provider, c Credentials) (Credentials, error) {
	f.calls++
	if f.err != nil {
		return Credentials{}, f.err
	}
	if f.out.AccessToken == "" {
		return c, nil
	}
	return f.out, nil
}

func TestAccessTokenRotation(t *testing.T) {
	var rotated []string
	req := Request{
		Calendar: model.Calendar{ID: "cal-1", Provider: model.ProviderGoogle, Credentials: `{"access_token":"old","refresh_token":"r1"}`},
		Rotate: func(_ context.Context, c string) error {
			rotated = append(rotated, c)
			return nil
		},
	}

	tok, err := AccessToken(context.Background(), &fakeRefresher{}, req)
	if err != nil || tok != "old" {
		t.Fatalf("unchanged credentials: tok=%q err=%v", tok, err)
	}
	if len(rotated) != 0 {
		t.Fatalf("rotate called without a change: %v", rotated)
	}

	tok, err = AccessToken(context.Background(), &fakeRefresher{out: Credentials{AccessToken: "new"}}, req)
	if err != nil || tok != "new" {
		t.Fatalf("rotated credentials: tok=%q err=%v", tok, err)
	}
	if len(rotated) != 1 {
		t.Fatalf("rotate calls = %d, want 1", len(rotated))
	}
	got, err := DecodeCredentials(rotated[0])
	if err != nil {
		t.Fatalf("decode rotated: %v", err)
	}
	if got.AccessToken != "new" || got.RefreshToken != "r1" {
		t.Fatalf("refresh token should carry over: %+v", got)
	}
}

func TestAccessTokenErrors(t *testing.T) {
	ctx := context.Background()
	noToken := Request{Calendar: model.Calendar{ID: "c", Credentials: `{"refresh_token":"r"}`}}
	if _, err := AccessToken(ctx, nil, noToken); !errors.Is(err, ErrAuth) {
		t.Fatalf("missing access token: err = %v, want ErrAuth", err)
	}
	garbage := Request{Calendar: model.Calendar{ID: "c", Credentials: `{`}}
	if _, err := AccessToken(ctx, nil, garbage); !errors.Is(err, ErrAuth) {
		t.Fatalf("malformed credentials: err = %v, want ErrAuth", err)
	}
	ok := Request{Calendar: model.Calendar{ID: "c", Credentials: `{"access_token":"a"}`}}
	if _, err := AccessToken(ctx, &fakeRefresher{err: ErrAuth}, ok); !errors.Is(err, ErrAuth) {
		t.Fatalf("refresh rejection: err = %v, want ErrAuth", err)
	}
	failRotate := ok
	failRotate.Rotate = func(context.Context, string) error { return errors.New("disk full") }
	if _, err := AccessToken(ctx, &fakeRefresher{out: Credentials{AccessToken: "b"}}, failRotate); err == nil {
		t.Fatal("expected error when rotation cannot be persisted")
	}
}

func TestGetJSONClassifiesStatus(t *testing.T) {
	tests := []struct {
		status    int
		wantAuth  bool
		wantGone  bool
		transient bool
	}{
		{status: http.StatusUnauthorized, wantAuth: true},
		{status: http.StatusForbidden, wantAuth: true},
		{status: http.StatusGone, wantGone: true},
		{status: http.StatusNotFound},
		{status: http.StatusTooManyRequests, transient: true},
		{status: http.StatusBadGateway, transient: true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tt.status)
		}))
		c := NewHTTPClient(time.Second, 100)
		var out map[string]any
		err := c.GetJSON(context.Background(), model.ProviderGoogle, srv.URL, "tok", nil, &out)
		srv.Close()

		var pe *Error
		if !errors.As(err, &pe) || pe.StatusCode != tt.status {
			t.Fatalf("status %d: err = %v", tt.status, err)
		}
		if errors.Is(err, ErrAuth) != tt.wantAuth {
			t.Fatalf("status %d: ErrAuth = %v", tt.status, !tt.wantAuth)
		}
		if errors.Is(err, ErrCursorInvalid) != tt.wantGone {
			t.Fatalf("status %d: ErrCursorInvalid = %v", tt.status, !tt.wantGone)
		}
		if IsTransient(err) != tt.transient {
			t.Fatalf("status %d: transient = %v", tt.status, !tt.transient)
		}
	}
}

func TestGetJSONDecodesAndSendsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" || r.Header.Get("X-Test") != "1" {
			http.Error(w, "bad headers", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"value":42}`))
	}))
	defer srv.Close()

	var out struct {
		Value int `json:"value"`
	}
	c := NewHTTPClient(0, 0)
	if err := c.GetJSON(context.Background(), model.ProviderMicrosoft, srv.URL, "tok", http.Header{"X-Test": {"1"}}, &out); err != nil {
		t.Fatalf("GetJSON: %v", err)
	}
	if out.Value != 42 {
		t.Fatalf("value = %d", out.Value)
	}
}

func TestTransportErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	var out any
	err := NewHTTPClient(time.Second, 10).GetJSON(context.Background(), model.ProviderGoogle, url, "", nil, &out)
	if !IsTransient(err) {
		t.Fatalf("closed server: err = %v, want transient", err)
	}
}

func TestWindowRange(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	from, to := Window{}.Range(now)
	if now.Sub(from) != 30*24*time.Hour || to.Sub(now) != 90*24*time.Hour {
		t.Fatalf("default window = %s .. %s", from, to)
	}
	from, to = Window{PastDays: 1, FutureDays: 2}.Range(now)
	if now.Sub(from) != 24*time.Hour || to.Sub(now) != 48*time.Hour {
		t.Fatalf("custom window = %s .. %s", from, to)
	}
}
