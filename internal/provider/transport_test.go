package provider

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felipepmaragno/storyforge/internal/circuitbreaker"
	"github.com/felipepmaragno/storyforge/internal/domain"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantErr    string
		wantCause  error
		wantBody   bool
	}{
		{
			name:       "success",
			status:     200,
			body:       `{"choices":[]}`,
			wantStatus: 200,
			wantBody:   true,
		},
		{
			name:       "null error field is not an error",
			status:     201,
			body:       `{"output":"https://x/y.png","error":null}`,
			wantStatus: 201,
			wantBody:   true,
		},
		{
			name:       "non-2xx copies status and body",
			status:     429,
			body:       `{"error":{"message":"slow down"}}`,
			wantStatus: 429,
			wantErr:    `{"error":{"message":"slow down"}}`,
			wantCause:  domain.ErrHTTPStatus,
		},
		{
			name:       "non-2xx with empty body",
			status:     502,
			body:       "",
			wantStatus: 502,
			wantErr:    NoResponse,
			wantCause:  domain.ErrHTTPStatus,
		},
		{
			name:       "embedded error object forces 500",
			status:     200,
			body:       `{"error":{"message":"model overloaded","type":"server_error"}}`,
			wantStatus: 500,
			wantErr:    "model overloaded",
			wantCause:  domain.ErrProviderApplication,
		},
		{
			name:       "embedded error string forces 500",
			status:     200,
			body:       `{"status":"failed","error":"NSFW content detected"}`,
			wantStatus: 500,
			wantErr:    "NSFW content detected",
			wantCause:  domain.ErrProviderApplication,
		},
		{
			name:       "empty 2xx body",
			status:     200,
			body:       "  ",
			wantStatus: 500,
			wantErr:    NoResponse,
			wantCause:  domain.ErrProviderApplication,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Normalize([]byte(`{}`), tt.status, []byte(tt.body), 1.5)

			if res.StatusCode != tt.wantStatus {
				t.Errorf("StatusCode = %d, want %d", res.StatusCode, tt.wantStatus)
			}
			if res.Error != tt.wantErr {
				t.Errorf("Error = %q, want %q", res.Error, tt.wantErr)
			}
			if res.Cause != tt.wantCause {
				t.Errorf("Cause = %v, want %v", res.Cause, tt.wantCause)
			}
			if tt.wantBody && res.Response == nil {
				t.Error("expected response body to be kept")
			}
			if !tt.wantBody && res.Response != nil {
				t.Errorf("expected nil response, got %s", res.Response)
			}
			if res.Elapsed != 1.5 {
				t.Errorf("Elapsed = %v, want 1.5", res.Elapsed)
			}
		})
	}
}

func TestFailure(t *testing.T) {
	res := Failure([]byte(`{"model":"x"}`), errors.New("dial tcp: connection refused"), 0.25)

	if res.StatusCode != 500 {
		t.Errorf("StatusCode = %d, want 500", res.StatusCode)
	}
	if res.Error != "Request failed: dial tcp: connection refused" {
		t.Errorf("Error = %q", res.Error)
	}
	if res.Response != nil {
		t.Error("expected nil response")
	}
	if !errors.Is(res.Err(), domain.ErrTransport) {
		t.Errorf("Err() = %v, want ErrTransport", res.Err())
	}
}

func TestTransport_Do(t *testing.T) {
	var gotAuth, gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	tr := NewTransport("test", "", Options{BaseURL: srv.URL + "/"}, func(r *http.Request) {
		r.Header.Set("Authorization", "Bearer secret")
	})

	res := tr.Do(context.Background(), Call{
		Path:    "/v1/things",
		Model:   "m",
		Payload: map[string]string{"a": "b"},
	})

	if !res.OK() {
		t.Fatalf("expected success, got %+v", res)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/v1/things" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody != `{"a":"b"}` || string(res.Request) != gotBody {
		t.Errorf("body = %q, recorded = %q", gotBody, res.Request)
	}
	if res.Elapsed <= 0 {
		t.Errorf("Elapsed = %v, want > 0", res.Elapsed)
	}
}

func TestTransport_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	tr := NewTransport("test", srv.URL, Options{Timeout: 20 * time.Millisecond}, nil)
	res := tr.Do(context.Background(), Call{Path: "/", Payload: struct{}{}})

	if res.StatusCode != 500 {
		t.Errorf("StatusCode = %d, want 500", res.StatusCode)
	}
	if !strings.HasPrefix(res.Error, "Request failed: ") {
		t.Errorf("Error = %q, want Request failed prefix", res.Error)
	}
	if res.Response != nil {
		t.Error("expected nil response on timeout")
	}
}

func TestTransport_BreakerOpen(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	breaker := circuitbreaker.NewLocal("test", circuitbreaker.Config{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Cooldown:         time.Minute,
	})
	tr := NewTransport("test", srv.URL, Options{Breaker: breaker}, nil)

	for i := 0; i < 2; i++ {
		res := tr.Do(context.Background(), Call{Path: "/", Payload: struct{}{}})
		if res.StatusCode != 503 || res.Error != NoResponse {
			t.Fatalf("call %d: got status %d error %q", i, res.StatusCode, res.Error)
		}
	}

	res := tr.Do(context.Background(), Call{Path: "/", Payload: struct{}{}})
	if calls.Load() != 2 {
		t.Errorf("server calls = %d, want 2", calls.Load())
	}
	if !errors.Is(res.Err(), domain.ErrCircuitBreakerOpen) {
		t.Errorf("Err() = %v, want ErrCircuitBreakerOpen", res.Err())
	}
	if res.StatusCode != 500 {
		t.Errorf("StatusCode = %d, want 500", res.StatusCode)
	}
}

func TestExtractError(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"choices":[]}`, ""},
		{`{"error":null}`, ""},
		{`{"error":""}`, ""},
		{`{"error":"boom"}`, "boom"},
		{`{"error":{"message":"bad key"}}`, "bad key"},
		{`{"error":{"code":42}}`, `{"code":42}`},
		{`not json`, ""},
		{`[1,2]`, ""},
	}
	for _, tt := range tests {
		if got := ExtractError([]byte(tt.body)); got != tt.want {
			t.Errorf("ExtractError(%s) = %q, want %q", tt.body, got, tt.want)
		}
	}
}
