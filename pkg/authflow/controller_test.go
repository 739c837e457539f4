package authflow

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/omgate/pkg/config"
	"github.com/platinummonkey/omgate/pkg/directory"
	"github.com/platinummonkey/omgate/pkg/jwks"
	"github.com/platinummonkey/omgate/pkg/token"
)

const (
	testClientID     = "omgate"
	testClientSecret = "client-secret"
	testRedirectURL  = "http://localhost:8005/callback"
	testDashboardURL = "http://localhost:8585/"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// fakeIdP serves the token, certs and discovery endpoints of a realm.
type fakeIdP struct {
	*httptest.Server
	t    *testing.T
	priv *rsa.PrivateKey

	mu            sync.Mutex
	tokenStatus   int
	tokenBody     string
	accessToken   string
	lastForm      url.Values
	tokenRequests int
}

func newFakeIdP(t *testing.T) *fakeIdP {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	idp := &fakeIdP{t: t, priv: priv, tokenStatus: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/realms/test/protocol/openid-connect/token", idp.handleToken)
	mux.HandleFunc("/realms/test/protocol/openid-connect/certs", idp.handleCerts)
	mux.HandleFunc("/realms/test/.well-known/openid-configuration", idp.handleDiscovery)
	idp.Server = httptest.NewServer(mux)
	t.Cleanup(idp.Close)
	return idp
}

func (idp *fakeIdP) realm() string {
	return idp.URL + "/realms/test"
}

func (idp *fakeIdP) endpoints() Endpoints {
	return Endpoints{
		AuthURL:  idp.realm() + "/protocol/openid-connect/auth",
		TokenURL: idp.realm() + "/protocol/openid-connect/token",
		JWKSURL:  idp.realm() + "/protocol/openid-connect/certs",
	}
}

func (idp *fakeIdP) sign(email string, groups []string, audience string) string {
	idp.t.Helper()
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: jose.JSONWebKey{Key: idp.priv, KeyID: "k1"}},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(idp.t, err)

	now := time.Now()
	raw, err := jwt.Signed(signer).
		Claims(jwt.Claims{
			Issuer:   idp.realm(),
			Audience: jwt.Audience{audience},
			Expiry:   jwt.NewNumericDate(now.Add(5 * time.Minute)),
			IssuedAt: jwt.NewNumericDate(now),
		}).
		Claims(map[string]interface{}{"email": email, "groups": groups}).
		Serialize()
	require.NoError(idp.t, err)
	return raw
}

func (idp *fakeIdP) handleToken(w http.ResponseWriter, r *http.Request) {
	idp.mu.Lock()
	defer idp.mu.Unlock()
	idp.tokenRequests++
	r.ParseForm()
	idp.lastForm = r.PostForm

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(idp.tokenStatus)
	if idp.tokenBody != "" {
		w.Write([]byte(idp.tokenBody))
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"access_token": idp.accessToken, "token_type": "Bearer"})
}

func (idp *fakeIdP) handleCerts(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{
		{Key: &idp.priv.PublicKey, KeyID: "k1", Algorithm: string(jose.RS256), Use: "sig"},
	}})
}

func (idp *fakeIdP) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	e := idp.endpoints()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"issuer":                                idp.realm(),
		"authorization_endpoint":                e.AuthURL,
		"token_endpoint":                        e.TokenURL,
		"jwks_uri":                              e.JWKSURL,
		"id_token_signing_alg_values_supported": []string{"RS256"},
	})
}

// fakeCatalog records user and team writes.
type fakeCatalog struct {
	*httptest.Server
	mu         sync.Mutex
	users      map[string]bool
	teams      map[string]bool
	userStatus int
}

func newFakeCatalog(t *testing.T) *fakeCatalog {
	t.Helper()
	fc := &fakeCatalog{users: map[string]bool{}, teams: map[string]bool{}}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/users", func(w http.ResponseWriter, r *http.Request) {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		var body struct {
			Email string `json:"email"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		switch {
		case fc.userStatus != 0:
			w.WriteHeader(fc.userStatus)
		case fc.users[body.Email]:
			w.WriteHeader(http.StatusConflict)
		default:
			fc.users[body.Email] = true
			w.WriteHeader(http.StatusCreated)
		}
	})
	mux.HandleFunc("/api/v1/teams", func(w http.ResponseWriter, r *http.Request) {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		if r.Method == http.MethodGet {
			if fc.teams[r.URL.Query().Get("name")] {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var body struct {
			Name string `json:"name"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		fc.teams[body.Name] = true
		w.WriteHeader(http.StatusCreated)
	})
	fc.Server = httptest.NewServer(mux)
	t.Cleanup(fc.Close)
	return fc
}

type stack struct {
	idp        *fakeIdP
	catalog    *fakeCatalog
	controller *Controller
}

func newStack(t *testing.T) *stack {
	t.Helper()
	idp := newFakeIdP(t)
	catalog := newFakeCatalog(t)
	client := &http.Client{Timeout: 5 * time.Second}

	cache, err := jwks.New(jwks.Options{
		URL:             idp.endpoints().JWKSURL,
		Client:          client,
		RefreshInterval: time.Minute,
		MaxStaleness:    time.Hour,
		Logger:          quietLogger(),
	})
	require.NoError(t, err)

	verifier, err := token.NewVerifier(cache, token.Config{
		ClientID:  testClientID,
		Issuer:    idp.realm(),
		Algorithm: jose.RS256,
		ClockSkew: 30 * time.Second,
	}, quietLogger(), nil)
	require.NoError(t, err)

	dir := directory.NewClient(catalog.URL+"/api/v1", "svc-token", client, quietLogger(), nil)
	reconciler := directory.NewReconciler(dir, directory.ReconcilerOptions{}, quietLogger(), nil)

	controller := NewController(Options{
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		RedirectURL:  testRedirectURL,
		Endpoints:    idp.endpoints(),
		DashboardURL: testDashboardURL,
		HTTPClient:   client,
	}, verifier, reconciler, quietLogger(), nil)

	return &stack{idp: idp, catalog: catalog, controller: controller}
}

func TestAuthorizationURL(t *testing.T) {
	s := newStack(t)

	raw, err := s.controller.AuthorizationURL("xyz")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, s.idp.endpoints().AuthURL, u.Scheme+"://"+u.Host+u.Path)

	q := u.Query()
	assert.Equal(t, testClientID, q.Get("client_id"))
	assert.Equal(t, testRedirectURL, q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "openid email profile", q.Get("scope"))
	assert.Equal(t, "xyz", q.Get("state"))
	assert.Zero(t, s.idp.tokenRequests, "building the URL makes no network call")
}

func TestAuthorizationURL_MissingConfiguration(t *testing.T) {
	controller := NewController(Options{RedirectURL: testRedirectURL, Endpoints: Endpoints{AuthURL: "http://idp/auth"}}, nil, nil, quietLogger(), nil)

	_, err := controller.AuthorizationURL("")
	var cfgErr *config.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "OIDC_CLIENT_ID", cfgErr.Setting)
}

// Exchange succeeds, the token verifies and the flow redirects with the token.
func TestCallback_Success(t *testing.T) {
	s := newStack(t)
	s.idp.accessToken = s.idp.sign("a@x.com", []string{"teamA"}, testClientID)

	result, err := s.controller.Callback(context.Background(), "auth-code")
	require.NoError(t, err)

	assert.Equal(t, StateRedirecting, result.State)
	u, err := url.Parse(result.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, s.idp.accessToken, u.Query().Get("token"))
	assert.Equal(t, "localhost:8585", u.Host)

	assert.Equal(t, "a@x.com", result.Identity.Email())
	assert.True(t, result.Reconcile.UserCreated)
	assert.Equal(t, []string{"teamA"}, result.Reconcile.GroupsCreated)

	form := s.idp.lastForm
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "auth-code", form.Get("code"))
	assert.Equal(t, testClientID, form.Get("client_id"))
	assert.Equal(t, testClientSecret, form.Get("client_secret"))
	assert.Equal(t, testRedirectURL, form.Get("redirect_uri"))
}

// An existing user (409) still completes the flow.
func TestCallback_ExistingUser(t *testing.T) {
	s := newStack(t)
	s.catalog.users["a@x.com"] = true
	s.idp.accessToken = s.idp.sign("a@x.com", []string{"teamA"}, testClientID)

	result, err := s.controller.Callback(context.Background(), "auth-code")
	require.NoError(t, err)
	assert.False(t, result.Reconcile.UserCreated)
	assert.Equal(t, []string{"teamA"}, result.Reconcile.GroupsCreated)
	assert.Equal(t, StateRedirecting, result.State)
}

type countingVerifier struct{ calls int }

func (v *countingVerifier) Verify(ctx context.Context, raw string) (*token.Identity, error) {
	v.calls++
	return nil, errors.New("unexpected call")
}

type countingReconciler struct{ calls int }

func (r *countingReconciler) Reconcile(ctx context.Context, identity directory.Identity) (*directory.Result, error) {
	r.calls++
	return &directory.Result{}, nil
}

// A rejected exchange stops the flow before verification.
func TestCallback_ExchangeRejected(t *testing.T) {
	idp := newFakeIdP(t)
	idp.tokenStatus = http.StatusBadRequest
	idp.tokenBody = `{"error":"invalid_grant","error_description":"Code not valid"}`

	verifier := &countingVerifier{}
	reconciler := &countingReconciler{}
	controller := NewController(Options{
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		RedirectURL:  testRedirectURL,
		Endpoints:    idp.endpoints(),
		DashboardURL: testDashboardURL,
	}, verifier, reconciler, quietLogger(), nil)

	result, err := controller.Callback(context.Background(), "stale-code")
	assert.Nil(t, result)

	var exchangeErr *TokenExchangeError
	require.True(t, errors.As(err, &exchangeErr))
	assert.Equal(t, http.StatusBadRequest, exchangeErr.Status)
	assert.Contains(t, exchangeErr.Body, "invalid_grant")
	assert.NotContains(t, err.Error(), "Code not valid")

	assert.Zero(t, verifier.calls)
	assert.Zero(t, reconciler.calls)
}

func TestCallback_ExchangeRequiresOK(t *testing.T) {
	idp := newFakeIdP(t)
	idp.tokenStatus = http.StatusCreated
	idp.accessToken = idp.sign("ada@example.com", nil, testClientID)

	verifier := &countingVerifier{}
	reconciler := &countingReconciler{}
	controller := NewController(Options{
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		RedirectURL:  testRedirectURL,
		Endpoints:    idp.endpoints(),
		DashboardURL: testDashboardURL,
	}, verifier, reconciler, quietLogger(), nil)

	result, err := controller.Callback(context.Background(), "code")
	assert.Nil(t, result)

	var exchangeErr *TokenExchangeError
	require.True(t, errors.As(err, &exchangeErr))
	assert.Equal(t, http.StatusCreated, exchangeErr.Status)
	assert.Empty(t, exchangeErr.Body)
	assert.NotContains(t, err.Error(), idp.accessToken)

	assert.Equal(t, 1, idp.tokenRequests)
	assert.Zero(t, verifier.calls)
	assert.Zero(t, reconciler.calls)
}

func TestCallback_MissingAccessToken(t *testing.T) {
	idp := newFakeIdP(t)
	idp.tokenBody = `{"token_type":"Bearer"}`

	verifier := &countingVerifier{}
	controller := NewController(Options{
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		RedirectURL:  testRedirectURL,
		Endpoints:    idp.endpoints(),
		DashboardURL: testDashboardURL,
	}, verifier, &countingReconciler{}, quietLogger(), nil)

	_, err := controller.Callback(context.Background(), "code")
	var exchangeErr *TokenExchangeError
	require.True(t, errors.As(err, &exchangeErr))
	assert.Equal(t, "missing access_token", exchangeErr.Reason)
	assert.Zero(t, verifier.calls)
}

func TestCallback_InvalidTokenNeverReconciles(t *testing.T) {
	s := newStack(t)
	s.idp.accessToken = s.idp.sign("a@x.com", []string{"teamA"}, "another-client")

	result, err := s.controller.Callback(context.Background(), "auth-code")
	assert.Nil(t, result)
	assert.ErrorIs(t, err, token.ErrInvalidToken)
	assert.Empty(t, s.catalog.users)
}

func TestCallback_UserWriteFailureAborts(t *testing.T) {
	s := newStack(t)
	s.catalog.userStatus = http.StatusInternalServerError
	s.idp.accessToken = s.idp.sign("a@x.com", nil, testClientID)

	result, err := s.controller.Callback(context.Background(), "auth-code")
	assert.Nil(t, result)
	assert.True(t, directory.IsWriteError(err))
}

func TestCallback_MissingCodeAndConfiguration(t *testing.T) {
	s := newStack(t)

	_, err := s.controller.Callback(context.Background(), "")
	assert.Error(t, err)
	assert.Zero(t, s.idp.tokenRequests)

	controller := NewController(Options{ClientID: testClientID}, nil, nil, quietLogger(), nil)
	_, err = controller.Callback(context.Background(), "code")
	var cfgErr *config.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "OIDC_CLIENT_SECRET", cfgErr.Setting)
}

func TestRegister(t *testing.T) {
	s := newStack(t)
	raw := s.idp.sign("b@x.com", []string{"teamA", "teamB"}, testClientID)

	result, err := s.controller.Register(context.Background(), raw)
	require.NoError(t, err)
	assert.Empty(t, result.RedirectURL)
	assert.True(t, result.Reconcile.UserCreated)
	assert.Equal(t, []string{"teamA", "teamB"}, result.Reconcile.GroupsCreated)

	again, err := s.controller.Register(context.Background(), raw)
	require.NoError(t, err)
	assert.False(t, again.Reconcile.UserCreated)
	assert.Empty(t, again.Reconcile.GroupsCreated)
}

func TestDashboardRedirect_KeepsExistingQuery(t *testing.T) {
	redirect, err := dashboardRedirect("http://om:8585/signin?tab=home", "a.b.c")
	require.NoError(t, err)

	u, err := url.Parse(redirect)
	require.NoError(t, err)
	assert.Equal(t, "home", u.Query().Get("tab"))
	assert.Equal(t, "a.b.c", u.Query().Get("token"))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "exchanging_token", StateExchangingToken.String())
	assert.True(t, StateRedirecting.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateVerifying.Terminal())
}
