package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	latest     *registeredSchema
	status     int
	registered atomic.Int32
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = w.Write([]byte(`{"error_code":50001,"message":"boom"}`))
		return
	}
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/subjects/carbon_activity_events-value/versions/latest":
		if f.latest == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(f.latest)
	case r.Method == http.MethodPost && r.URL.Path == "/subjects/carbon_activity_events-value/versions":
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body["schemaType"] != "JSON" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		f.registered.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]int{"id": 11})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestEnsureSchemaReusesMatchingLatest(t *testing.T) {
	fake := &fakeRegistry{latest: &registeredSchema{ID: 5, Schema: `{"type": "object"}`}}
	server := httptest.NewServer(fake)
	defer server.Close()

	id, err := NewSchemaRegistryClient(server.URL+"/").EnsureSchema(context.Background(), "carbon_activity_events-value", `{"type":"object"}`)
	require.NoError(t, err)
	require.Equal(t, 5, id)
	require.Zero(t, fake.registered.Load())
}

func TestEnsureSchemaRegistersMissingOrChangedSubject(t *testing.T) {
	for name, latest := range map[string]*registeredSchema{
		"missing": nil,
		"changed": {ID: 5, Schema: `{"type":"string"}`},
	} {
		t.Run(name, func(t *testing.T) {
			fake := &fakeRegistry{latest: latest}
			server := httptest.NewServer(fake)
			defer server.Close()

			id, err := NewSchemaRegistryClient(server.URL).EnsureSchema(context.Background(), "carbon_activity_events-value", `{"type":"object"}`)
			require.NoError(t, err)
			require.Equal(t, 11, id)
			require.Equal(t, int32(1), fake.registered.Load())
		})
	}
}

func TestEnsureSchemaSurfacesRegistryErrors(t *testing.T) {
	fake := &fakeRegistry{status: http.StatusInternalServerError}
	server := httptest.NewServer(fake)
	defer server.Close()

	_, err := NewSchemaRegistryClient(server.URL).EnsureSchema(context.Background(), "carbon_activity_events-value", `{}`)
	var rerr *RegistryError
	require.True(t, errors.As(err, &rerr))
	require.Equal(t, http.StatusInternalServerError, rerr.StatusCode)
	require.Contains(t, rerr.Body, "boom")
	require.Zero(t, fake.registered.Load())
}
