package directory

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/omgate/pkg/observability"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestClient(fc *fakeCatalog, metrics *observability.Metrics) *Client {
	return NewClient(fc.apiURL(), testServiceToken, nil, quietLogger(), metrics)
}

func TestClient_CreateUser(t *testing.T) {
	fc := newFakeCatalog(t)
	client := newTestClient(fc, nil)

	status, err := client.CreateUser(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, Created, status)
	assert.Equal(t, "Bearer "+testServiceToken, fc.authHeaders[0])
	assert.Equal(t, map[string]interface{}{
		"name":  "a@x.com",
		"email": "a@x.com",
		"teams": []interface{}{},
	}, fc.lastUserReq)

	status, err = client.CreateUser(context.Background(), "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, status)
}

func TestClient_CreateUser_Failure(t *testing.T) {
	fc := newFakeCatalog(t)
	fc.userStatus = http.StatusInternalServerError
	client := newTestClient(fc, nil)

	_, err := client.CreateUser(context.Background(), "a@x.com")
	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "create_user", writeErr.Operation)
	assert.Equal(t, http.StatusInternalServerError, writeErr.Status)
	assert.Contains(t, writeErr.Body, "secret internal detail")
	assert.NotContains(t, err.Error(), "secret internal detail")
	assert.True(t, IsWriteError(err))
}

func TestClient_CreateUser_TransportError(t *testing.T) {
	fc := newFakeCatalog(t)
	client := newTestClient(fc, nil)
	fc.Close()

	_, err := client.CreateUser(context.Background(), "a@x.com")
	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Zero(t, writeErr.Status)
	assert.NotNil(t, writeErr.Unwrap())
}

func TestClient_TeamExists(t *testing.T) {
	fc := newFakeCatalog(t)
	fc.teams["data eng"] = true
	fc.lookupFail["flaky"] = http.StatusServiceUnavailable
	client := newTestClient(fc, nil)

	exists, err := client.TeamExists(context.Background(), "data eng")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = client.TeamExists(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = client.TeamExists(context.Background(), "flaky")
	var lookupErr *LookupError
	require.True(t, errors.As(err, &lookupErr))
	assert.Equal(t, http.StatusServiceUnavailable, lookupErr.Status)
}

func TestClient_CreateTeam(t *testing.T) {
	fc := newFakeCatalog(t)
	fc.createFail["bad"] = http.StatusBadRequest
	client := newTestClient(fc, nil)

	status, err := client.CreateTeam(context.Background(), "teamA")
	require.NoError(t, err)
	assert.Equal(t, Created, status)

	status, err = client.CreateTeam(context.Background(), "teamA")
	require.NoError(t, err)
	assert.Equal(t, AlreadyExists, status)

	_, err = client.CreateTeam(context.Background(), "bad")
	assert.True(t, IsWriteError(err))
}

func TestClient_Metrics(t *testing.T) {
	fc := newFakeCatalog(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	client := newTestClient(fc, metrics)

	_, err := client.CreateUser(context.Background(), "a@x.com")
	require.NoError(t, err)
	_, err = client.CreateUser(context.Background(), "a@x.com")
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DirectoryRequestsTotal.WithLabelValues("create_user", "201")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DirectoryRequestsTotal.WithLabelValues("create_user", "409")))
}
