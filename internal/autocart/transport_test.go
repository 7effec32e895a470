package autocart

import (
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportServesThroughWorker(t *testing.T) {
	f := newFixture(t, "")
	f.installed(t, "v1")
	f.mock.Reset()
	f.mock.RegisterResponder(http.MethodGet, "https://cdn.example.com/font.woff2", httpmock.NewStringResponder(http.StatusOK, "font"))

	client := &http.Client{Transport: &Transport{Worker: f.worker, Base: f.mock}}

	resp, err := client.Get(testOrigin + "/manifest.json")
	require.NoError(t, err)
	assert.Equal(t, "shell /manifest.json", readBody(t, resp))
	assert.Zero(t, f.mock.GetTotalCallCount())

	resp, err = client.Get("https://cdn.example.com/font.woff2")
	require.NoError(t, err)
	assert.Equal(t, "font", readBody(t, resp))
	assert.Equal(t, 1, f.mock.GetTotalCallCount())
}

func TestTransportSurfacesNetworkErrors(t *testing.T) {
	f := newFixture(t, "")
	f.installed(t, "v1")
	f.mock.Reset()

	client := &http.Client{Transport: &Transport{Worker: f.worker, Base: f.mock}}
	_, err := client.Get(testOrigin + "/images/unknown.png")
	require.Error(t, err)
}
