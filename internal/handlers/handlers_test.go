package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairsync/internal/config"
	"pairsync/internal/events"
	"pairsync/internal/hashing"
	"pairsync/internal/localstore"
	"pairsync/internal/middleware"
	"pairsync/internal/models"
	"pairsync/internal/pairing"
	"pairsync/internal/remote"
	"pairsync/internal/syncer"
	"pairsync/internal/syncerr"
)

type testAPI struct {
	router *chi.Mux
	local  *localstore.Store
	docs   *remote.MemoryDocuments
	blobs  *remote.MemoryBlobs
	tokens *middleware.Tokens
	dir    string
}

// setupAPI assembles the companion API against in-memory remote stores, the
// same wiring cmd.Run performs in production.
func setupAPI(t *testing.T) *testAPI {
	t.Helper()
	ctx := context.Background()

	local, err := localstore.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	docs := remote.NewMemoryDocuments()
	blobs := remote.NewMemoryBlobs()
	bus := events.NewBus()
	tokens := middleware.NewTokens("test-secret")
	dir := t.TempDir()

	pairingService := pairing.NewService(docs, local, bus)
	manager := syncer.NewManager(func(room *models.Room) (*syncer.Coordinator, error) {
		cfg := config.SyncConfig{Parallelism: 2, MaxAttempts: 2, BackoffBase: time.Millisecond, BackoffCap: 5 * time.Millisecond}
		return syncer.New(room.ID, local, docs, blobs, hashing.New(), bus, cfg, dir, nil), nil
	})
	t.Cleanup(manager.StopAll)

	appCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)

	identityHandler := NewIdentityHandler(local, tokens, pairingService, docs)
	roomHandler := NewRoomHandler(appCtx, pairingService, local, manager)
	recordHandler := NewRecordHandler(local, manager, bus)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/identities", identityHandler.CreateIdentity)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(tokens))
			r.Patch("/identities/push-token", identityHandler.UpdatePushToken)
			r.Post("/rooms", roomHandler.CreateRoom)
			r.Post("/rooms/claim", roomHandler.ClaimRoom)
			r.Post("/records", recordHandler.Capture)
			r.Get("/records", recordHandler.List)
			r.Get("/records/{id}/state", recordHandler.State)
			r.Patch("/records/{id}", recordHandler.UpdateMeta)
			r.Post("/records/{id}/retry", recordHandler.Retry)
			r.Post("/sync/trigger", recordHandler.TriggerSync)
		})
	})

	return &testAPI{router: r, local: local, docs: docs, blobs: blobs, tokens: tokens, dir: dir}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

// bootstrap creates an identity over the API and returns it with its token.
func (a *testAPI) bootstrap(t *testing.T, name string, role models.Role) (*models.Identity, string) {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/identities", "", map[string]any{
		"display_name": name,
		"role":         role,
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp CreateIdentityResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(t, resp.Token)
	return resp.Identity, resp.Token
}

func TestCreateIdentity(t *testing.T) {
	api := setupAPI(t)

	ident, token := api.bootstrap(t, "Recorder", models.RolePrimary)
	assert.Equal(t, models.RolePrimary, ident.Role)
	assert.True(t, ident.IsGuest)

	// the issued token authenticates protected routes
	rec := api.do(t, http.MethodGet, "/api/v1/records", token, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/records", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateIdentity_BadRole(t *testing.T) {
	api := setupAPI(t)
	rec := api.do(t, http.MethodPost, "/api/v1/identities", "", map[string]any{
		"display_name": "x",
		"role":         "admin",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoomFlow(t *testing.T) {
	api := setupAPI(t)
	_, ownerToken := api.bootstrap(t, "Owner", models.RolePrimary)
	partner, partnerToken := api.bootstrap(t, "Partner", models.RoleLinked)

	rec := api.do(t, http.MethodPost, "/api/v1/rooms", ownerToken, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var room models.Room
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&room))
	assert.Len(t, room.Code, 6)

	// unknown code
	rec = api.do(t, http.MethodPost, "/api/v1/rooms/claim", partnerToken, map[string]string{"code": "ZZZZZZ"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// real claim
	rec = api.do(t, http.MethodPost, "/api/v1/rooms/claim", partnerToken, map[string]string{"code": room.Code})
	require.Equal(t, http.StatusOK, rec.Code)
	var claimed models.Room
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&claimed))
	require.NotNil(t, claimed.LinkedUserID)
	assert.Equal(t, partner.ID, *claimed.LinkedUserID)

	// a third identity is turned away
	_, intruderToken := api.bootstrap(t, "Intruder", models.RoleLinked)
	rec = api.do(t, http.MethodPost, "/api/v1/rooms/claim", intruderToken, map[string]string{"code": room.Code})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCaptureAndState(t *testing.T) {
	api := setupAPI(t)
	_, token := api.bootstrap(t, "Owner", models.RolePrimary)

	path := filepath.Join(api.dir, "clip.m4a")
	require.NoError(t, os.WriteFile(path, []byte("heartbeat"), 0o644))

	rec := api.do(t, http.MethodPost, "/api/v1/records", token, map[string]any{
		"kind":       "audio",
		"local_path": path,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.MediaRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

	// unpaired: the record waits locally
	assert.Equal(t, models.StateLocalOnly, created.SyncState)

	rec = api.do(t, http.MethodGet, "/api/v1/records/"+created.ID+"/state", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state StateResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&state))
	assert.Equal(t, models.StateLocalOnly, state.SyncState)
	assert.False(t, state.InFlight)

	rec = api.do(t, http.MethodGet, "/api/v1/records/nope/state", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCapture_Validation(t *testing.T) {
	api := setupAPI(t)
	_, token := api.bootstrap(t, "Owner", models.RolePrimary)

	rec := api.do(t, http.MethodPost, "/api/v1/records", token, map[string]any{"kind": "audio"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "local_path is required")

	rec = api.do(t, http.MethodPost, "/api/v1/records", token, map[string]any{
		"kind":       "video",
		"local_path": "/tmp/x",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "unknown kind")
}

func TestUpdateMeta(t *testing.T) {
	api := setupAPI(t)
	_, token := api.bootstrap(t, "Owner", models.RolePrimary)

	path := filepath.Join(api.dir, "clip.m4a")
	require.NoError(t, os.WriteFile(path, []byte("heartbeat"), 0o644))
	rec := api.do(t, http.MethodPost, "/api/v1/records", token, map[string]any{
		"kind":       "audio",
		"local_path": path,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created models.MediaRecord
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&created))

	rec = api.do(t, http.MethodPatch, "/api/v1/records/"+created.ID, token, map[string]any{
		"visibility":       "private",
		"gestational_week": 24,
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	got, err := api.local.RecordByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.VisibilityPrivate, got.Visibility)
	assert.True(t, got.MetaDirty)

	rec = api.do(t, http.MethodPatch, "/api/v1/records/"+created.ID, token, map[string]any{
		"visibility": "everyone",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, http.MethodPatch, "/api/v1/records/nope", token, map[string]any{
		"visibility": "private",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTriggerSync_RequiresRoom(t *testing.T) {
	api := setupAPI(t)
	_, token := api.bootstrap(t, "Owner", models.RolePrimary)

	rec := api.do(t, http.MethodPost, "/api/v1/sync/trigger", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	roomRec := api.do(t, http.MethodPost, "/api/v1/rooms", token, nil)
	require.Equal(t, http.StatusCreated, roomRec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/sync/trigger", token, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestRetryRecord(t *testing.T) {
	api := setupAPI(t)
	_, token := api.bootstrap(t, "Owner", models.RolePrimary)

	// no room yet: nothing to retry against
	rec := api.do(t, http.MethodPost, "/api/v1/records/nope/retry", token, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	roomRec := api.do(t, http.MethodPost, "/api/v1/rooms", token, nil)
	require.Equal(t, http.StatusCreated, roomRec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/records/nope/retry", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	path := filepath.Join(api.dir, "clip.m4a")
	require.NoError(t, os.WriteFile(path, []byte("heartbeat"), 0o644))
	capRec := api.do(t, http.MethodPost, "/api/v1/records", token, map[string]any{
		"kind":       "audio",
		"local_path": path,
	})
	require.Equal(t, http.StatusCreated, capRec.Code)
	var created models.MediaRecord
	require.NoError(t, json.NewDecoder(capRec.Body).Decode(&created))

	// a paused failure gets back in rotation on user acknowledgment
	require.NoError(t, api.local.MarkFailed(context.Background(), created.ID, syncerr.KindQuotaOrStorage, "bucket over quota"))

	rec = api.do(t, http.MethodPost, "/api/v1/records/"+created.ID+"/retry", token, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestUpdatePushToken(t *testing.T) {
	api := setupAPI(t)
	ident, token := api.bootstrap(t, "Owner", models.RolePrimary)

	rec := api.do(t, http.MethodPatch, "/api/v1/identities/push-token", token, map[string]string{
		"push_token": "device-token-1",
	})
	require.Equal(t, http.StatusNoContent, rec.Code)

	got, err := api.local.IdentityByID(context.Background(), ident.ID)
	require.NoError(t, err)
	require.NotNil(t, got.PushToken)
	assert.Equal(t, "device-token-1", *got.PushToken)

	rec = api.do(t, http.MethodPatch, "/api/v1/identities/push-token", token, map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
