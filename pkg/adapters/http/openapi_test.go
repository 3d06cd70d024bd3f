package http_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	relay "github.com/aretw0/tandem/pkg/adapters/http"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers/legacy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAPI_Conformance(t *testing.T) {
	ctx := context.Background()
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(relay.OpenAPI)
	require.NoError(t, err)
	require.NoError(t, doc.Validate(ctx))

	router, err := legacy.NewRouter(doc)
	require.NoError(t, err)

	srv := relay.NewServer(relay.WithSecret(secret), relay.WithMaxConnections(3))
	paths := []string{
		"/health",
		"/info",
		"/messages/connection-expired",
		"/messages/not-a-code",
		"/openapi.yaml",
	}
	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "http://localhost:8080"+path, nil)
			route, params, err := router.FindRoute(req)
			require.NoError(t, err)

			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			require.Equal(t, http.StatusOK, rec.Code)

			input := &openapi3filter.ResponseValidationInput{
				RequestValidationInput: &openapi3filter.RequestValidationInput{
					Request:    req,
					PathParams: params,
					Route:      route,
				},
				Status: rec.Code,
				Header: rec.Header(),
			}
			input.SetBodyBytes(rec.Body.Bytes())
			assert.NoError(t, openapi3filter.ValidateResponse(ctx, input))
		})
	}
}
