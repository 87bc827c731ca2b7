package remotestore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/takewright/internal/persist"
	"github.com/MrWong99/takewright/internal/review"
)

const testToken = "s3cret"

func newTestServer(t *testing.T, store persist.Store, opts ...Option) *httptest.Server {
	t.Helper()
	s, err := New(store, testToken, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string, hdr map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func authJSON() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testToken, "Content-Type": "application/json"}
}

func TestServer_GetEmptyDefault(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, persist.NewMemory())

	resp := do(t, http.MethodGet, srv.URL+"/v1/productions/ep01/picks", "", authJSON())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var c persist.Collection
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		t.Fatal(err)
	}
	if c.Production != "ep01" || c.States == nil || len(c.States) != 0 {
		t.Errorf("collection = %+v, want empty states", c)
	}
}

func TestServer_PutThenGet(t *testing.T) {
	t.Parallel()
	store := persist.NewMemory()
	srv := newTestServer(t, store)
	url := srv.URL + "/v1/productions/ep01/picks"

	body := `{"production":"ep01","states":[{"segment":2,"phase":"decided","winner":"v03","remaining":[],"rejected":["v00"]}]}`
	resp := do(t, http.MethodPut, url, body, authJSON())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d", resp.StatusCode)
	}
	// A second device saves another segment; the first is kept.
	body = `{"states":[{"segment":0,"phase":"comparing","champion":"v01","challenger":"v02","remaining":["v01","v02"],"rejected":[]}]}`
	if resp := do(t, http.MethodPut, url, body, authJSON()); resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d", resp.StatusCode)
	}

	resp = do(t, http.MethodGet, url, "", authJSON())
	var c persist.Collection
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		t.Fatal(err)
	}
	if len(c.States) != 2 || c.States[0].Segment != 0 || c.States[1].Winner != "v03" {
		t.Errorf("states = %+v", c.States)
	}
}

func TestServer_PutValidation(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, persist.NewMemory(), WithMaxBodyBytes(512))
	url := srv.URL + "/v1/productions/ep01/picks"

	tests := []struct {
		name   string
		body   string
		hdr    map[string]string
		status int
	}{
		{name: "not json", body: `{"states":`, hdr: authJSON(), status: http.StatusBadRequest},
		{name: "unknown field", body: `{"states":[],"extra":1}`, hdr: authJSON(), status: http.StatusBadRequest},
		{name: "missing states", body: `{}`, hdr: authJSON(), status: http.StatusBadRequest},
		{name: "trailing data", body: `{"states":[]} {"states":[]}`, hdr: authJSON(), status: http.StatusBadRequest},
		{name: "invalid state", body: `{"states":[{"segment":0,"phase":"decided","winner":"v00","rejected":["v00"]}]}`, hdr: authJSON(), status: http.StatusBadRequest},
		{name: "production mismatch", body: `{"production":"ep02","states":[]}`, hdr: authJSON(), status: http.StatusBadRequest},
		{name: "too large", body: `{"states":[],"production":"` + strings.Repeat("x", 1024) + `"}`, hdr: authJSON(), status: http.StatusRequestEntityTooLarge},
		{name: "wrong content type", body: `{"states":[]}`, hdr: map[string]string{"Authorization": "Bearer " + testToken, "Content-Type": "text/plain"}, status: http.StatusUnsupportedMediaType},
		{name: "charset allowed", body: `{"states":[]}`, hdr: map[string]string{"Authorization": "Bearer " + testToken, "Content-Type": "application/json; charset=utf-8"}, status: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			resp := do(t, http.MethodPut, url, tt.body, tt.hdr)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.status)
			}
		})
	}
}

func TestServer_Auth(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, persist.NewMemory())
	url := srv.URL + "/v1/productions/ep01/picks"

	for _, hdr := range []map[string]string{
		nil,
		{"Authorization": "Bearer wrong"},
		{"Authorization": testToken},
	} {
		resp := do(t, http.MethodGet, url, "", hdr)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("headers %v: status = %d, want 401", hdr, resp.StatusCode)
		}
	}

	if _, err := New(persist.NewMemory(), ""); err == nil {
		t.Error("empty token: expected error")
	}
}

func TestServer_InvalidProductionID(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, persist.NewMemory())
	resp := do(t, http.MethodGet, srv.URL+"/v1/productions/..bad/picks", "", authJSON())
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestServer_CORS(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, persist.NewMemory(), WithAllowedOrigins("https://review.example.com"))
	url := srv.URL + "/v1/productions/ep01/picks"

	t.Run("preflight allowed without token", func(t *testing.T) {
		t.Parallel()
		resp := do(t, http.MethodOptions, url, "", map[string]string{
			"Origin":                        "https://review.example.com",
			"Access-Control-Request-Method": "PUT",
		})
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://review.example.com" {
			t.Errorf("Allow-Origin = %q", got)
		}
		if got := resp.Header.Get("Access-Control-Allow-Headers"); !strings.Contains(got, "Authorization") {
			t.Errorf("Allow-Headers = %q", got)
		}
	})

	t.Run("foreign origin refused", func(t *testing.T) {
		t.Parallel()
		hdr := authJSON()
		hdr["Origin"] = "https://evil.example.com"
		resp := do(t, http.MethodGet, url, "", hdr)
		if resp.StatusCode != http.StatusForbidden {
			t.Errorf("status = %d, want 403", resp.StatusCode)
		}
		if resp.Header.Get("Access-Control-Allow-Origin") != "" {
			t.Error("foreign origin must not be echoed")
		}
	})

	t.Run("allowed origin on GET", func(t *testing.T) {
		t.Parallel()
		hdr := authJSON()
		hdr["Origin"] = "https://review.example.com"
		resp := do(t, http.MethodGet, url, "", hdr)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d", resp.StatusCode)
		}
		if resp.Header.Get("Access-Control-Allow-Origin") != "https://review.example.com" {
			t.Error("missing Allow-Origin")
		}
	})
}

type failingStore struct{ persist.Store }

func (failingStore) Save(context.Context, string, ...review.PickState) error {
	return errors.New("db down")
}

func (failingStore) Load(context.Context, string) ([]review.PickState, error) {
	return nil, errors.New("db down")
}

func TestServer_StoreErrors(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, failingStore{})
	url := srv.URL + "/v1/productions/ep01/picks"
	if resp := do(t, http.MethodGet, url, "", authJSON()); resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("GET status = %d", resp.StatusCode)
	}
	body := `{"states":[{"segment":0,"phase":"unstarted"}]}`
	if resp := do(t, http.MethodPut, url, body, authJSON()); resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("PUT status = %d", resp.StatusCode)
	}
}

// The persist client and this server agree on the wire format.
func TestServer_WithRemoteClient(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	srv := newTestServer(t, persist.NewMemory())
	c, err := persist.NewRemoteClient(srv.URL, testToken)
	if err != nil {
		t.Fatal(err)
	}
	st := review.PickState{Segment: 1, Phase: review.PhaseDecided, Winner: "v02", Rejected: []string{"v01"}}
	if err := c.Save(ctx, "ep01", st); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := c.Load(ctx, "ep01")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 || got[0].Winner != "v02" {
		t.Errorf("Load() = %+v", got)
	}
}
