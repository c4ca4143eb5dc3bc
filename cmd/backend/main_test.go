package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mir00r/guardian-lb/internal/service"
	"github.com/stretchr/testify/assert"
)

func TestBackendRoutes(t *testing.T) {
	h := newMux("backend-test", nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/items?max-age=30", nil))
	assert.Equal(t, "max-age=30", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "backend-test", rec.Header().Get("X-Backend-ID"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/error?code=418", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestBackendVerifiesSignature(t *testing.T) {
	secret := []byte("secret")
	h := newMux("backend-test", secret)

	req := httptest.NewRequest("PUT", "/x", nil)
	req.Header.Set(service.SecretHeader, service.SignMethod(secret, "PUT"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), `"signature_valid":true`)

	req.Header.Set(service.SecretHeader, "forged")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Contains(t, rec.Body.String(), `"signature_valid":false`)
}
