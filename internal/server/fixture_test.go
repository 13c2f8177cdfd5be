package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/FabianTorres/confesiones/internal/auth"
	"github.com/FabianTorres/confesiones/internal/chat"
	"github.com/FabianTorres/confesiones/internal/confessions"
	"github.com/FabianTorres/confesiones/internal/database"
	"github.com/FabianTorres/confesiones/internal/metrics"
	"github.com/FabianTorres/confesiones/internal/realtime"
	"github.com/FabianTorres/confesiones/internal/store"
	"github.com/FabianTorres/confesiones/internal/users"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type testServer struct {
	server     *httptest.Server
	dispatcher *realtime.Dispatcher
	chat       *chat.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := database.OpenSQLite("file::memory:", nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	registry := prometheus.NewRegistry()
	recorder, err := metrics.New(registry)
	if err != nil {
		t.Fatalf("failed to build metrics: %v", err)
	}

	transactor, err := store.NewTransactor(store.TransactorConfig{
		Database:        db,
		InitialInterval: time.Millisecond,
		Metrics:         recorder,
	})
	if err != nil {
		t.Fatalf("failed to build transactor: %v", err)
	}

	dispatcher := realtime.NewDispatcher()
	userService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		Transactor: transactor,
		Publisher:  dispatcher,
		Subscriber: dispatcher,
	})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}

	confessionService, err := confessions.NewService(confessions.ServiceConfig{
		Database:   db,
		Transactor: transactor,
		Publisher:  dispatcher,
		Subscriber: dispatcher,
		Profiles:   userService,
		Metrics:    recorder,
	})
	if err != nil {
		t.Fatalf("failed to build confessions service: %v", err)
	}
	if err := confessionService.SeedCommunities(context.Background(), []confessions.Community{{ID: "general", Name: "General"}}); err != nil {
		t.Fatalf("failed to seed communities: %v", err)
	}

	denormalizer, err := chat.NewDenormalizer(chat.DenormalizerConfig{
		Transactor: transactor,
		Publisher:  dispatcher,
		Metrics:    recorder,
	})
	if err != nil {
		t.Fatalf("failed to build denormalizer: %v", err)
	}
	chatService, err := chat.NewService(chat.ServiceConfig{
		Database:   db,
		Transactor: transactor,
		Publisher:  dispatcher,
		Subscriber: dispatcher,
		Directory:  userService,
		Hooks:      []chat.MessageHook{denormalizer},
		Metrics:    recorder,
	})
	if err != nil {
		t.Fatalf("failed to build chat service: %v", err)
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "confesiones-auth",
		Audience:      "confesiones-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: issuer,
		Users:        userService,
		Confessions:  confessionService,
		Chat:         chatService,
		Subscriber:   dispatcher,
		Metrics:      recorder,
		Gatherer:     registry,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build http handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testServer{server: server, dispatcher: dispatcher, chat: chatService}
}

type session struct {
	Token  string
	UserID string
}

func (s *testServer) signIn(t *testing.T, installID string) session {
	t.Helper()
	var response authResponsePayload
	status := s.do(t, http.MethodPost, "/auth/anonymous", "", map[string]string{"install_id": installID}, &response)
	if status != http.StatusOK {
		t.Fatalf("anonymous sign-in failed with status %d", status)
	}
	if response.AccessToken == "" || response.UserID == "" {
		t.Fatalf("incomplete auth response: %+v", response)
	}
	return session{Token: response.AccessToken, UserID: response.UserID}
}

// do sends a JSON request and decodes the response into out when out is non-nil.
func (s *testServer) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, s.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := s.server.Client().Do(request)
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if out != nil {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return response.StatusCode
}

type errorPayload struct {
	Error string `json:"error"`
}
