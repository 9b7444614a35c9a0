package client

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditscore/internal/auth"
	"github.com/mbd888/creditscore/internal/profile"
)

const (
	ownerHex = "0x0000000000000000000000000000000000000a11"
	aliceHex = "0xaaaa000000000000000000000000000000000001"
	ownerKey = "sk_owner_0123456789abcdef0123456789abcdef"
)

// newTestServer runs the real profile routes behind real API-key auth.
func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	owner := common.HexToAddress(ownerHex)
	mgr := auth.NewManager(auth.NewMemoryStore())
	_, err := mgr.ImportKey(context.Background(), owner, ownerKey, "owner")
	require.NoError(t, err)
	aliceKey, _, err := mgr.GenerateKey(context.Background(), common.HexToAddress(aliceHex), "alice")
	require.NoError(t, err)

	h := profile.NewHandler(profile.NewService(profile.NewMemoryStore(), owner))
	r := gin.New()
	r.Use(auth.Middleware(mgr))
	h.RegisterCompatRoutes(r)
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	protected := v1.Group("", auth.RequireAuth())
	h.RegisterProtectedRoutes(protected)
	h.RegisterAdminRoutes(v1.Group("", auth.RequireAccount(owner)))

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts, aliceKey
}

// ---------------------------------------------------------------------------
// Reads
// ---------------------------------------------------------------------------

func TestClient_Reads(t *testing.T) {
	ts, _ := newTestServer(t)
	c := New(Config{APIURL: ts.URL})
	ctx := context.Background()

	score, err := c.GetCreditScore(ctx, aliceHex)
	require.NoError(t, err)
	assert.Equal(t, 300, score)

	p, err := c.GetProfile(ctx, aliceHex)
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.Profile.Version)
	assert.Equal(t, 300, p.Breakdown.Score)

	owner, err := c.GetOwner(ctx)
	require.NoError(t, err)
	assert.Equal(t, ownerHex, owner)
}

func TestClient_InvalidAddress(t *testing.T) {
	ts, _ := newTestServer(t)
	_, err := New(Config{APIURL: ts.URL}).GetCreditScore(context.Background(), "not-an-address")
	require.Error(t, err)
	assert.True(t, IsStatus(err, http.StatusBadRequest))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "invalid_address", apiErr.Code)
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

func TestClient_UpdateField(t *testing.T) {
	ts, aliceKey := newTestServer(t)
	ctx := context.Background()

	resp, err := New(Config{APIURL: ts.URL, APIKey: aliceKey}).
		UpdateField(ctx, aliceHex, profile.FieldTransactionVolume, 100)
	require.NoError(t, err)
	assert.Equal(t, 319, resp.Profile.CreditScore)

	_, err = New(Config{APIURL: ts.URL}).UpdateField(ctx, aliceHex, profile.FieldTransactionVolume, 100)
	assert.True(t, IsStatus(err, http.StatusUnauthorized))
}

func TestClient_Integrate(t *testing.T) {
	ts, aliceKey := newTestServer(t)
	ctx := context.Background()
	data := profile.ExternalData{Volume: 1000, Balance: 2000, Frequency: 500, Mix: 250, NewTx: 100}

	resp, err := New(Config{APIURL: ts.URL, APIKey: ownerKey}).Integrate(ctx, aliceHex, data)
	require.NoError(t, err)
	assert.Equal(t, 850, resp.Profile.CreditScore)

	_, err = New(Config{APIURL: ts.URL, APIKey: aliceKey}).Integrate(ctx, aliceHex, data)
	assert.True(t, IsStatus(err, http.StatusForbidden))

	page, err := New(Config{APIURL: ts.URL}).GetHistory(ctx, aliceHex, 10, "")
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	assert.Equal(t, profile.KindIntegration, page.Events[0].Kind)
	assert.False(t, page.HasMore)
}

func TestClient_IntegrateFullRange(t *testing.T) {
	ts, _ := newTestServer(t)
	full := profile.ExternalData{
		Volume: math.MaxUint64, Balance: math.MaxUint64, Frequency: math.MaxUint64,
		Mix: math.MaxUint64, NewTx: math.MaxUint64,
	}
	resp, err := New(Config{APIURL: ts.URL, APIKey: ownerKey}).Integrate(context.Background(), aliceHex, full)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), resp.Profile.WalletBalance)
	assert.Equal(t, 850, resp.Profile.CreditScore)
}

func TestClient_NonJSONError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer ts.Close()

	_, err := New(Config{APIURL: ts.URL}).GetOwner(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream down")
	assert.True(t, IsStatus(err, http.StatusBadGateway))
}

func TestClient_SendsBearerKey(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode(map[string]string{"owner": ownerHex})
	}))
	defer ts.Close()

	_, err := New(Config{APIURL: ts.URL, APIKey: "sk_secret"}).GetOwner(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk_secret", gotAuth)
}
