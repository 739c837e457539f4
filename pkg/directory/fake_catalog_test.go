package directory

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

const testServiceToken = "service-token"

// fakeCatalog mimics the catalog's user and team endpoints.
type fakeCatalog struct {
	*httptest.Server

	mu          sync.Mutex
	users       map[string]bool
	teams       map[string]bool
	calls       map[string]int
	lookupFail  map[string]int
	createFail  map[string]int
	userStatus  int
	lastUserReq map[string]interface{}
	authHeaders []string
}

func newFakeCatalog(t *testing.T) *fakeCatalog {
	t.Helper()
	fc := &fakeCatalog{
		users:      map[string]bool{},
		teams:      map[string]bool{},
		calls:      map[string]int{},
		lookupFail: map[string]int{},
		createFail: map[string]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/users", fc.handleUsers)
	mux.HandleFunc("/api/v1/teams", fc.handleTeams)
	fc.Server = httptest.NewServer(mux)
	t.Cleanup(fc.Close)
	return fc
}

func (fc *fakeCatalog) apiURL() string {
	return fc.URL + "/api/v1"
}

func (fc *fakeCatalog) count(op string) int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.calls[op]
}

func (fc *fakeCatalog) handleUsers(w http.ResponseWriter, r *http.Request) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.calls["create_user"]++
	fc.authHeaders = append(fc.authHeaders, r.Header.Get("Authorization"))

	var body map[string]interface{}
	json.NewDecoder(r.Body).Decode(&body)
	fc.lastUserReq = body

	if fc.userStatus != 0 {
		w.WriteHeader(fc.userStatus)
		w.Write([]byte(`{"code":500,"message":"secret internal detail"}`))
		return
	}

	email, _ := body["email"].(string)
	if fc.users[email] {
		w.WriteHeader(http.StatusConflict)
		return
	}
	fc.users[email] = true
	w.WriteHeader(http.StatusCreated)
}

func (fc *fakeCatalog) handleTeams(w http.ResponseWriter, r *http.Request) {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	switch r.Method {
	case http.MethodGet:
		fc.calls["get_team"]++
		name := r.URL.Query().Get("name")
		if status := fc.lookupFail[name]; status != 0 {
			w.WriteHeader(status)
			return
		}
		if !fc.teams[name] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"name": name})

	case http.MethodPost:
		fc.calls["create_team"]++
		var body struct {
			Name string `json:"name"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if status := fc.createFail[body.Name]; status != 0 {
			w.WriteHeader(status)
			return
		}
		if fc.teams[body.Name] {
			w.WriteHeader(http.StatusConflict)
			return
		}
		fc.teams[body.Name] = true
		w.WriteHeader(http.StatusCreated)
	}
}
