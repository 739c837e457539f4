package authflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"

	"github.com/platinummonkey/omgate/pkg/config"
	"github.com/platinummonkey/omgate/pkg/directory"
	"github.com/platinummonkey/omgate/pkg/observability"
	"github.com/platinummonkey/omgate/pkg/token"
)

const tracerName = "github.com/platinummonkey/omgate/pkg/authflow"

// maxExchangeBody bounds how much of a failed exchange response is kept.
const maxExchangeBody = 4 << 10

// Verifier verifies raw bearer tokens
type Verifier interface {
	Verify(ctx context.Context, raw string) (*token.Identity, error)
}

// Reconciler provisions a verified identity in the directory
type Reconciler interface {
	Reconcile(ctx context.Context, identity directory.Identity) (*directory.Result, error)
}

// Options configures a Controller
type Options struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
	Endpoints    Endpoints
	DashboardURL string

	// HTTPClient is used for the token exchange. It should carry a timeout.
	HTTPClient *http.Client
}

// Result is the outcome of a successful flow
type Result struct {
	State       State
	RedirectURL string
	Identity    *token.Identity
	Reconcile   *directory.Result
}

// Controller drives the redirect login flow: authorization redirect, code
// exchange, verification, reconciliation and the final dashboard redirect.
type Controller struct {
	opts       Options
	oauth      *oauth2.Config
	verifier   Verifier
	reconciler Reconciler
	logger     logrus.FieldLogger
	metrics    *observability.Metrics
	tracer     trace.Tracer
}

// NewController creates a flow controller. Missing settings are reported by
// the operation that needs them as a *config.ConfigurationError.
func NewController(opts Options, verifier Verifier, reconciler Reconciler, logger logrus.FieldLogger, metrics *observability.Metrics) *Controller {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if len(opts.Scopes) == 0 {
		opts.Scopes = []string{"openid", "email", "profile"}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Controller{
		opts: opts,
		oauth: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			RedirectURL:  opts.RedirectURL,
			Scopes:       opts.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   opts.Endpoints.AuthURL,
				TokenURL:  opts.Endpoints.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		verifier:   verifier,
		reconciler: reconciler,
		logger:     logger.WithField("component", "authflow"),
		metrics:    metrics,
		tracer:     otel.Tracer(tracerName),
	}
}

// AuthorizationURL builds the provider authorization URL. It makes no network call.
func (c *Controller) AuthorizationURL(state string) (string, error) {
	if err := requireSettings(
		setting{"OIDC_CLIENT_ID", c.opts.ClientID},
		setting{"OIDC_AUTH_URL", c.opts.Endpoints.AuthURL},
		setting{"OIDC_REDIRECT_URL", c.opts.RedirectURL},
	); err != nil {
		return "", err
	}
	return c.oauth.AuthCodeURL(state), nil
}

// Callback exchanges an authorization code, verifies the token, reconciles the
// identity and returns the dashboard redirect. Steps run strictly in order and
// the first failure ends the flow.
func (c *Controller) Callback(ctx context.Context, code string) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "authflow.Callback")
	defer span.End()

	if err := requireSettings(
		setting{"OIDC_CLIENT_ID", c.opts.ClientID},
		setting{"OIDC_CLIENT_SECRET", c.opts.ClientSecret},
		setting{"OIDC_TOKEN_URL", c.opts.Endpoints.TokenURL},
		setting{"OPENMETADATA_DASHBOARD_URL", c.opts.DashboardURL},
	); err != nil {
		return nil, c.fail(ctx, span, StateStart, err)
	}
	if code == "" {
		return nil, c.fail(ctx, span, StateAwaitingCallback, fmt.Errorf("authorization code is required"))
	}

	c.enter(ctx, StateExchangingToken)
	raw, err := c.exchange(ctx, code)
	if err != nil {
		return nil, c.fail(ctx, span, StateExchangingToken, err)
	}

	result, err := c.verifyAndReconcile(ctx, raw)
	if err != nil {
		return nil, c.fail(ctx, span, c.failedStep(err), err)
	}

	c.enter(ctx, StateRedirecting)
	redirect, err := dashboardRedirect(c.opts.DashboardURL, raw)
	if err != nil {
		return nil, c.fail(ctx, span, StateRedirecting, err)
	}

	result.State = StateRedirecting
	result.RedirectURL = redirect
	c.metrics.ObserveAuthFlow(StateRedirecting.String(), "")
	span.SetAttributes(attribute.Bool("omgate.user_created", result.Reconcile.UserCreated))
	return result, nil
}

// Register verifies a raw token and reconciles its identity without any redirect.
func (c *Controller) Register(ctx context.Context, raw string) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "authflow.Register")
	defer span.End()

	result, err := c.verifyAndReconcile(ctx, raw)
	if err != nil {
		return nil, c.fail(ctx, span, c.failedStep(err), err)
	}
	c.metrics.ObserveAuthFlow("registered", "")
	return result, nil
}

// stepError remembers which step produced an error without changing it.
type stepError struct {
	step State
	err  error
}

func (e *stepError) Error() string { return e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func (c *Controller) failedStep(err error) State {
	var se *stepError
	if errors.As(err, &se) {
		return se.step
	}
	return StateFailed
}

func (c *Controller) verifyAndReconcile(ctx context.Context, raw string) (*Result, error) {
	c.enter(ctx, StateVerifying)
	verifyCtx, span := c.tracer.Start(ctx, "authflow.verify")
	identity, err := c.verifier.Verify(verifyCtx, raw)
	endSpan(span, err)
	if err != nil {
		return nil, &stepError{step: StateVerifying, err: err}
	}

	c.enter(ctx, StateReconciling)
	reconcileCtx, span := c.tracer.Start(ctx, "authflow.reconcile")
	reconciled, err := c.reconciler.Reconcile(reconcileCtx, identity)
	endSpan(span, err)
	if err != nil {
		return nil, &stepError{step: StateReconciling, err: err}
	}

	return &Result{
		State:     StateReconciling,
		Identity:  identity,
		Reconcile: reconciled,
	}, nil
}

func (c *Controller) exchange(ctx context.Context, code string) (string, error) {
	ctx, span := c.tracer.Start(ctx, "authflow.exchange")
	defer span.End()

	// oauth2 accepts any 2xx token response; the provider answers 200.
	recorder := &statusRecorder{base: c.opts.HTTPClient.Transport}
	client := *c.opts.HTTPClient
	client.Transport = recorder

	ctx = context.WithValue(ctx, oauth2.HTTPClient, &client)
	tok, err := c.oauth.Exchange(ctx, code)
	if err != nil {
		err = exchangeError(ctx, err)
	} else if recorder.status != http.StatusOK {
		err = &TokenExchangeError{Status: recorder.status, Reason: "unexpected status"}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "token exchange failed")
		return "", err
	}
	if tok.AccessToken == "" {
		return "", &TokenExchangeError{Reason: "missing access_token"}
	}
	return tok.AccessToken, nil
}

// statusRecorder keeps the status code of the last response it carried.
type statusRecorder struct {
	base   http.RoundTripper
	status int
}

func (t *statusRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if resp != nil {
		t.status = resp.StatusCode
	}
	return resp, err
}

// exchangeError converts an oauth2 error into a *TokenExchangeError.
func exchangeError(ctx context.Context, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		body := retrieveErr.Body
		if len(body) > maxExchangeBody {
			body = body[:maxExchangeBody]
		}
		return &TokenExchangeError{Status: status, Body: string(body), Err: err}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// oauth2 reports a 200 without an access token as a plain error.
	if strings.Contains(err.Error(), "missing access_token") {
		return &TokenExchangeError{Reason: "missing access_token", Err: err}
	}
	return &TokenExchangeError{Reason: "request failed", Err: err}
}

func (c *Controller) enter(ctx context.Context, state State) {
	trace.SpanFromContext(ctx).AddEvent("state", trace.WithAttributes(attribute.String("omgate.state", state.String())))
	observability.FromContext(ctx, c.logger).WithField("state", state.String()).Debug("Flow state")
}

func (c *Controller) fail(ctx context.Context, span trace.Span, step State, err error) error {
	var se *stepError
	if errors.As(err, &se) {
		err = se.err
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, step.String())
	c.metrics.ObserveAuthFlow(StateFailed.String(), step.String())

	log := observability.FromContext(ctx, c.logger).WithField("step", step.String()).WithError(err)
	var exchangeErr *TokenExchangeError
	if errors.As(err, &exchangeErr) && exchangeErr.Body != "" {
		log = log.WithField("status", exchangeErr.Status)
		log.WithField("body", exchangeErr.Body).Debug("Token endpoint response")
	}
	log.Warn("Flow failed")

	return err
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// dashboardRedirect appends the raw token to the dashboard URL.
func dashboardRedirect(dashboard, raw string) (string, error) {
	u, err := url.Parse(dashboard)
	if err != nil {
		return "", fmt.Errorf("invalid dashboard URL: %w", err)
	}
	q := u.Query()
	q.Set("token", raw)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type setting struct {
	name  string
	value string
}

func requireSettings(settings ...setting) error {
	for _, s := range settings {
		if s.value == "" {
			return &config.ConfigurationError{Setting: s.name}
		}
	}
	return nil
}
