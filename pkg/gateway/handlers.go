package gateway

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/omgate/pkg/authflow"
	"github.com/platinummonkey/omgate/pkg/httputil"
	"github.com/platinummonkey/omgate/pkg/observability"
)

const (
	stateCookie = "omgate_state"

	registeredMessage = "User registered and assigned to groups successfully."
	uploadedMessage   = "CSV processed successfully."

	defaultMaxUploadBytes = 10 << 20
)

// Flow is the login flow the handlers drive
type Flow interface {
	AuthorizationURL(state string) (string, error)
	Callback(ctx context.Context, code string) (*authflow.Result, error)
	Register(ctx context.Context, raw string) (*authflow.Result, error)
}

// Options configures the handlers
type Options struct {
	// StateCheck round-trips an OAuth2 state value through a cookie.
	StateCheck bool
	// SecureCookies marks the state cookie Secure.
	SecureCookies  bool
	MaxUploadBytes int64
}

// Handlers serves the gateway's browser and API endpoints
type Handlers struct {
	flow   Flow
	opts   Options
	logger logrus.FieldLogger
}

// NewHandlers creates the gateway handlers
func NewHandlers(flow Flow, opts Options, logger logrus.FieldLogger) *Handlers {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handlers{flow: flow, opts: opts, logger: logger}
}

// RegisterRoutes registers the gateway routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/", h.login).Methods("GET")
	router.HandleFunc("/callback", h.callback).Methods("GET")
	router.HandleFunc("/register", h.register).Methods("POST")
	router.Handle("/upload", httputil.MaxBytesMiddleware(h.opts.MaxUploadBytes)(http.HandlerFunc(h.upload))).Methods("POST")
}

// login redirects the browser to the identity provider
func (h *Handlers) login(w http.ResponseWriter, r *http.Request) {
	var state string
	if h.opts.StateCheck {
		stateBytes := make([]byte, 32)
		if _, err := rand.Read(stateBytes); err != nil {
			h.writeError(w, r, err)
			return
		}
		state = base64.RawURLEncoding.EncodeToString(stateBytes)
	}

	target, err := h.flow.AuthorizationURL(state)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if state != "" {
		http.SetCookie(w, &http.Cookie{
			Name:     stateCookie,
			Value:    state,
			Path:     "/",
			MaxAge:   600,
			HttpOnly: true,
			Secure:   h.opts.SecureCookies,
			SameSite: http.SameSiteLaxMode,
		})
	}

	http.Redirect(w, r, target, http.StatusFound)
}

// callback finishes the login and redirects to the dashboard
func (h *Handlers) callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if errParam := query.Get("error"); errParam != "" {
		observability.FromContext(r.Context(), h.logger).WithField("error", errParam).Warn("Identity provider returned an error")
		httputil.WriteBadRequest(w, r, "authorization was not granted")
		return
	}

	code := query.Get("code")
	if code == "" {
		httputil.WriteBadRequest(w, r, "missing authorization code")
		return
	}

	if h.opts.StateCheck {
		cookie, err := r.Cookie(stateCookie)
		if err != nil {
			httputil.WriteBadRequest(w, r, "missing state cookie")
			return
		}
		if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(query.Get("state"))) != 1 {
			httputil.WriteBadRequest(w, r, "invalid state parameter")
			return
		}
		http.SetCookie(w, &http.Cookie{Name: stateCookie, Path: "/", MaxAge: -1})
	}

	result, err := h.flow.Callback(r.Context(), code)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
}

type groupWarning struct {
	Group  string `json:"group"`
	Action string `json:"action"`
}

type registerResponse struct {
	Message       string         `json:"message"`
	UserCreated   bool           `json:"user_created"`
	GroupsCreated []string       `json:"groups_created"`
	Warnings      []groupWarning `json:"warnings,omitempty"`
}

// register verifies a token and provisions its user without a redirect
func (h *Handlers) register(w http.ResponseWriter, r *http.Request) {
	raw, err := httputil.BearerToken(r)
	if err != nil {
		httputil.WriteBadRequest(w, r, "token is required")
		return
	}

	result, err := h.flow.Register(r.Context(), raw)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := registerResponse{
		Message:       registeredMessage,
		UserCreated:   result.Reconcile.UserCreated,
		GroupsCreated: result.Reconcile.GroupsCreated,
	}
	for _, warning := range result.Reconcile.Warnings() {
		resp.Warnings = append(resp.Warnings, groupWarning{Group: warning.Name, Action: string(warning.Action)})
	}

	httputil.WriteJSON(w, http.StatusOK, resp)
}

// upload accepts a CSV file. The content is read and discarded.
func (h *Handlers) upload(w http.ResponseWriter, r *http.Request) {
	file, _, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			httputil.WriteErrorMessage(w, r, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		httputil.WriteBadRequest(w, r, "file is required")
		return
	}
	defer file.Close()

	if _, err := io.Copy(io.Discard, file); err != nil {
		httputil.WriteBadRequest(w, r, "failed to read file")
		return
	}

	httputil.WriteJSON(w, http.StatusOK, map[string]string{"message": uploadedMessage})
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message := statusFor(err)

	log := observability.FromContext(r.Context(), h.logger).WithError(err).WithField("status", status)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed")
	} else {
		log.Info("Request rejected")
	}

	httputil.WriteErrorMessage(w, r, status, message)
}
