package priceclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	log := zerolog.New(nil).Level(zerolog.Disabled)
	return New(Config{BaseURL: srv.URL, UserAgent: "fetcherd-test", ProviderID: "test-provider"}, log)
}

func TestFetchRange_ParsesValidRecords(t *testing.T) {
	now := time.Now().UTC()
	ts := now.Add(-24 * time.Hour).Unix()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"symbol":"AAPL","timestamps":[%d],"open":[10],"high":[12],"low":[9],"close":[11],"volume":[1000]}`, ts)
	})

	points, dropped, err := client.FetchRange(context.Background(), "AAPL", now.AddDate(0, 0, -2), now)
	require.NoError(t, err)
	assert.Equal(t, 0, dropped)
	require.Len(t, points, 1)
	assert.Equal(t, 11.0, points[0].Close)
	assert.Equal(t, "test-provider", points[0].Source)
}

func TestFetchRange_DropsInvalidOHLC(t *testing.T) {
	now := time.Now().UTC()
	ts := now.Add(-24 * time.Hour).Unix()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		// low > high is invalid
		fmt.Fprintf(w, `{"symbol":"AAPL","timestamps":[%d],"open":[10],"high":[5],"low":[9],"close":[11],"volume":[1000]}`, ts)
	})

	points, dropped, err := client.FetchRange(context.Background(), "AAPL", now.AddDate(0, 0, -2), now)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)
	assert.Empty(t, points)
}

func TestFetchRange_EmptyTimestampsIsBadData(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"symbol":"AAPL","timestamps":[]}`)
	})

	_, _, err := client.FetchRange(context.Background(), "AAPL", time.Now().AddDate(0, 0, -1), time.Now())
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindBadData, fe.Kind)
	assert.True(t, fe.Retriable())
}

func TestFetchRange_ThrottledOn429(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, _, err := client.FetchRange(context.Background(), "AAPL", time.Now().AddDate(0, 0, -1), time.Now())
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindThrottled, fe.Kind)
	assert.True(t, fe.Retriable())
}

func TestFetchRange_NotFoundOn404(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, _, err := client.FetchRange(context.Background(), "NOPE", time.Now().AddDate(0, 0, -1), time.Now())
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindNotFound, fe.Kind)
	assert.False(t, fe.Retriable())
}

func TestFetchRange_TransientOn5xx(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, _, err := client.FetchRange(context.Background(), "AAPL", time.Now().AddDate(0, 0, -1), time.Now())
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindTransient, fe.Kind)
}

func TestFetchCurrent_ReturnsLatestPoint(t *testing.T) {
	now := time.Now().UTC()
	older := now.Add(-48 * time.Hour).Unix()
	newer := now.Add(-1 * time.Hour).Unix()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"symbol":"AAPL","timestamps":[%d,%d],"close":[10,20]}`, older, newer)
	})

	point, err := client.FetchCurrent(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 20.0, point.Close)
}
