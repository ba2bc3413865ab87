package gateway

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/krapmatt/krapbott-gateway/internal/identity"
	"github.com/krapmatt/krapbott-gateway/internal/platform"
)

func TestHandleHealthAlwaysOK(t *testing.T) {
	rec := httptest.NewRecorder()
	handleHealth(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestHandleReadyRequiresAtLeastOneAdapter(t *testing.T) {
	bot := &Bot{adapters: map[identity.Platform]platform.Adapter{}}

	rec := httptest.NewRecorder()
	bot.handleReady(rec, httptest.NewRequest("GET", "/health/ready", nil))
	assert.Equal(t, 503, rec.Code)
}

func TestHandleReadyOKWithAnAdapterConfigured(t *testing.T) {
	bot := &Bot{adapters: map[identity.Platform]platform.Adapter{
		identity.PlatformTwitch: nil,
	}}

	rec := httptest.NewRecorder()
	bot.handleReady(rec, httptest.NewRequest("GET", "/health/ready", nil))
	assert.Equal(t, 200, rec.Code)
}
