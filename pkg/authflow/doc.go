// Package authflow orchestrates the browser login against the identity provider.
//
// The flow moves through fixed states:
//
//	start -> awaiting_callback -> exchanging_token -> verifying -> reconciling -> redirecting
//
// Any failing step ends the flow in the failed state and its error is returned
// unchanged, so callers can map it with errors.As. The dashboard redirect is
// only produced once the exchange, verification and user write all succeeded.
//
//	controller := authflow.NewController(authflow.Options{...}, verifier, reconciler, logger, metrics)
//	target, err := controller.AuthorizationURL(state)
//	result, err := controller.Callback(ctx, code)
//	http.Redirect(w, r, result.RedirectURL, http.StatusFound)
package authflow
