package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/chainhook-labs/chainhookd/internal/metrics"
	"github.com/chainhook-labs/chainhookd/internal/registry"
	"github.com/chainhook-labs/chainhookd/internal/storage"
	"github.com/chainhook-labs/chainhookd/pkg/types"
)

const (
	testToken = "s3cr3t-token"
	testUUID  = "7ec0dd22-6a2f-4eeb-b0d9-6e8a6c2b3e58"
)

type fakeChains struct {
	tips     map[types.Chain]uint64
	notified []types.Chain
}

func (f *fakeChains) TipHeight(chain types.Chain) uint64 { return f.tips[chain] }
func (f *fakeChains) Notify(chain types.Chain)           { f.notified = append(f.notified, chain) }

func testServer(t *testing.T) (*httptest.Server, *registry.Registry, *fakeChains) {
	t.Helper()
	reg := registry.New(storage.NewMemory(), zerolog.Nop())
	chains := &fakeChains{tips: map[types.Chain]uint64{
		types.ChainBitcoin: 1000,
		types.ChainStacks:  500,
	}}
	s := New(Config{
		Addr:      "127.0.0.1:0",
		AuthToken: testToken,
		Networks: map[types.Chain]types.Network{
			types.ChainBitcoin: types.NetworkRegtest,
			types.ChainStacks:  types.NetworkDevnet,
		},
	}, reg, chains, metrics.New(), zerolog.Nop())

	srv := httptest.NewServer(s.server.Handler)
	t.Cleanup(srv.Close)
	return srv, reg, chains
}

func specBody(uuid string) []byte {
	return []byte(`{
	  "chain": "bitcoin",
	  "uuid": "` + uuid + `",
	  "name": "watch",
	  "version": 1,
	  "networks": {
	    "regtest": {
	      "if_this": {"scope": "outputs", "p2pkh": {"equals": "1Target"}},
	      "then_that": "noop",
	      "start_block": 100
	    }
	  }
	}`)
}

func doRequest(t *testing.T, method, url string, body []byte, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestPing(t *testing.T) {
	srv, _, _ := testServer(t)
	resp := doRequest(t, http.MethodGet, srv.URL+"/ping", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ping status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("ping body: %v", err)
	}
	if len(body) != 0 {
		t.Fatalf("ping body = %v, want {}", body)
	}
}

func TestRegisterRequiresAuth(t *testing.T) {
	srv, _, _ := testServer(t)

	cases := []struct {
		name  string
		token string
	}{
		{"absent", ""},
		{"wrong", "wrong-token"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp := doRequest(t, http.MethodPost, srv.URL+"/v1/chainhooks", specBody(testUUID), c.token)
			if resp.StatusCode != http.StatusForbidden {
				t.Fatalf("status = %d, want 403", resp.StatusCode)
			}
		})
	}
}

func TestRegisterGetDeleteFlow(t *testing.T) {
	srv, _, chains := testServer(t)

	// Register.
	resp := doRequest(t, http.MethodPost, srv.URL+"/v1/chainhooks", specBody(testUUID), testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d, want 200", resp.StatusCode)
	}
	if len(chains.notified) != 1 || chains.notified[0] != types.ChainBitcoin {
		t.Fatalf("coordinator not notified: %v", chains.notified)
	}

	// Get returns the registered record.
	resp = doRequest(t, http.MethodGet, srv.URL+"/v1/chainhooks/"+testUUID, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	var rec registry.Record
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		t.Fatalf("get body: %v", err)
	}
	if rec.Predicate.UUID != testUUID || rec.Predicate.Chain != types.ChainBitcoin {
		t.Fatalf("record = %+v", rec.Predicate)
	}

	// List includes it.
	resp = doRequest(t, http.MethodGet, srv.URL+"/v1/chainhooks", nil, "")
	var list []registry.Record
	json.NewDecoder(resp.Body).Decode(&list)
	if len(list) != 1 {
		t.Fatalf("list = %d records, want 1", len(list))
	}

	// Delete, then 404.
	resp = doRequest(t, http.MethodDelete, srv.URL+"/v1/chainhooks/bitcoin/"+testUUID, nil, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}
	resp = doRequest(t, http.MethodGet, srv.URL+"/v1/chainhooks/"+testUUID, nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", resp.StatusCode)
	}
}

func TestRegisterConflictOnDuplicate(t *testing.T) {
	srv, _, _ := testServer(t)

	resp := doRequest(t, http.MethodPost, srv.URL+"/v1/chainhooks", specBody(testUUID), testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first register = %d", resp.StatusCode)
	}
	resp = doRequest(t, http.MethodPost, srv.URL+"/v1/chainhooks", specBody(testUUID), testToken)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register = %d, want 409", resp.StatusCode)
	}
}

func TestRegisterSchemaErrors(t *testing.T) {
	srv, _, _ := testServer(t)

	cases := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"bad uuid", string(specBody("nope"))},
		{"unknown chain", `{"chain": "dogecoin", "uuid": "` + testUUID + `", "name": "x", "version": 1, "networks": {}}`},
		{"inverted bounds", `{
		  "chain": "bitcoin", "uuid": "` + testUUID + `", "name": "x", "version": 1,
		  "networks": {"regtest": {"if_this": {"scope": "block"}, "then_that": "noop",
		    "start_block": 200, "end_block": 100}}}`},
		{"unknown trigger", `{
		  "chain": "bitcoin", "uuid": "` + testUUID + `", "name": "x", "version": 1,
		  "networks": {"regtest": {"if_this": {"scope": "nonsense"}, "then_that": "noop"}}}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp := doRequest(t, http.MethodPost, srv.URL+"/v1/chainhooks", []byte(c.body), testToken)
			if resp.StatusCode != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d, want 422", resp.StatusCode)
			}
			var body map[string][]string
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("error body: %v", err)
			}
			if len(body["errors"]) == 0 {
				t.Fatal("422 response has no error list")
			}
		})
	}
}

func TestDeleteUnknown(t *testing.T) {
	srv, _, _ := testServer(t)

	resp := doRequest(t, http.MethodDelete, srv.URL+"/v1/chainhooks/bitcoin/"+testUUID, nil, testToken)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("delete unknown = %d, want 404", resp.StatusCode)
	}
	resp = doRequest(t, http.MethodDelete, srv.URL+"/v1/chainhooks/dogecoin/"+testUUID, nil, testToken)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("delete unknown chain = %d, want 404", resp.StatusCode)
	}
}

func TestMetricsExposed(t *testing.T) {
	srv, _, _ := testServer(t)
	resp := doRequest(t, http.MethodGet, srv.URL+"/metrics", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", resp.StatusCode)
	}
}
