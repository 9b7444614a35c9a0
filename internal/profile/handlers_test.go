package profile

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/creditscore/internal/auth"
)

// ---------------------------------------------------------------------------
// Test router setup
// ---------------------------------------------------------------------------

func setupHandlerTestRouter(store Store) (*gin.Engine, *Service) {
	gin.SetMode(gin.TestMode)

	svc := newTestService(store)
	handler := NewHandler(svc)

	// Simulate auth middleware
	simulateAuth := func(c *gin.Context) {
		if addr := c.GetHeader("X-Account"); addr != "" {
			c.Set(auth.ContextKeyAccount, common.HexToAddress(addr))
		}
		c.Next()
	}

	r := gin.New()
	compat := r.Group("")
	compat.Use(simulateAuth)
	handler.RegisterCompatRoutes(compat)

	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	authGroup := v1.Group("")
	authGroup.Use(simulateAuth)
	handler.RegisterProtectedRoutes(authGroup)
	handler.RegisterAdminRoutes(authGroup)

	return r, svc
}

func doJSON(r http.Handler, method, path, account string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			_ = json.NewEncoder(&buf).Encode(b)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if account != "" {
		req.Header.Set("X-Account", account)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

// ---------------------------------------------------------------------------
// GET /credit-score/:address
// ---------------------------------------------------------------------------

func TestHandler_GetCreditScore_Default(t *testing.T) {
	router, _ := setupHandlerTestRouter(NewMemoryStore())

	addr := "0xAAAA000000000000000000000000000000000001"
	w := doJSON(router, "GET", "/credit-score/"+addr, "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode(t, w)
	assert.Equal(t, addr, resp["address"])
	assert.Equal(t, "300", resp["creditScore"])
}

func TestHandler_GetCreditScore_AfterIntegration(t *testing.T) {
	router, svc := setupHandlerTestRouter(NewMemoryStore())
	_, err := svc.IntegrateExternalData(context.Background(), owner, bob, ExternalData{
		Volume: 1000, Balance: 2000, Frequency: 500, Mix: 250, NewTx: 100,
	})
	require.NoError(t, err)

	w := doJSON(router, "GET", "/credit-score/"+bob.Hex(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "850", decode(t, w)["creditScore"])
}

func TestHandler_GetCreditScore_InvalidAddress(t *testing.T) {
	router, _ := setupHandlerTestRouter(NewMemoryStore())

	w := doJSON(router, "GET", "/credit-score/not-an-address", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_address", decode(t, w)["error"])
}

func TestHandler_AccountRoutes_InvalidAddress(t *testing.T) {
	router, _ := setupHandlerTestRouter(NewMemoryStore())

	for _, tc := range []struct {
		method, path, account string
		body                  any
	}{
		{"GET", "/v1/accounts/0x1234", "", nil},
		{"GET", "/v1/accounts/zzzz000000000000000000000000000000000001/history", "", nil},
		// Malformed addresses are rejected before the ownership check.
		{"PUT", "/v1/accounts/not-an-address/transaction-volume", alice.Hex(), map[string]any{"value": 1}},
	} {
		w := doJSON(router, tc.method, tc.path, tc.account, tc.body)
		assert.Equal(t, http.StatusBadRequest, w.Code, tc.path)
		assert.Equal(t, "invalid_address", decode(t, w)["error"], tc.path)
	}
}

// ---------------------------------------------------------------------------
// POST /integrate-external-data
// ---------------------------------------------------------------------------

func TestHandler_IntegrateCompat_Owner(t *testing.T) {
	router, svc := setupHandlerTestRouter(NewMemoryStore())

	user := "0x71252e5fDd7aE56FA390DfFe7B242D5651E061b0"
	w := doJSON(router, "POST", "/integrate-external-data", owner.Hex(), map[string]any{
		"user": user, "volume": 100, "balance": 200, "frequency": 50, "mix": 25, "newTx": 10,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "Credit score updated for user "+user, decode(t, w)["message"])

	p, err := svc.ReadProfile(context.Background(), common.HexToAddress(user))
	require.NoError(t, err)
	assert.Equal(t, uint64(200), p.WalletBalance)
	assert.Equal(t, int64(1), p.Version)
}

func TestHandler_IntegrateCompat_MissingField(t *testing.T) {
	router, _ := setupHandlerTestRouter(NewMemoryStore())

	w := doJSON(router, "POST", "/integrate-external-data", owner.Hex(), map[string]any{
		"user": bob.Hex(), "volume": 100, "balance": 200, "frequency": 50, "mix": 25,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "invalid_request", resp["error"])
	assert.Equal(t, "Invalid input data", resp["message"])
}

func TestHandler_IntegrateCompat_NonOwnerForbidden(t *testing.T) {
	router, svc := setupHandlerTestRouter(NewMemoryStore())

	w := doJSON(router, "POST", "/integrate-external-data", alice.Hex(), map[string]any{
		"user": bob.Hex(), "volume": 100, "balance": 200, "frequency": 50, "mix": 25, "newTx": 10,
	})
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", decode(t, w)["error"])

	p, err := svc.ReadProfile(context.Background(), bob)
	require.NoError(t, err)
	assert.False(t, p.Exists())
}

func TestHandler_IntegrateCompat_Unauthenticated(t *testing.T) {
	router, _ := setupHandlerTestRouter(NewMemoryStore())

	w := doJSON(router, "POST", "/integrate-external-data", "", map[string]any{"user": bob.Hex()})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// ---------------------------------------------------------------------------
// POST /v1/admin/integrate
// ---------------------------------------------------------------------------

func TestHandler_Integrate_AcceptsStringsAboveFloatPrecision(t *testing.T) {
	router, _ := setupHandlerTestRouter(NewMemoryStore())

	w := doJSON(router, "POST", "/v1/admin/integrate", owner.Hex(),
		`{"user":"`+bob.Hex()+`","volume":"18446744073709551615","balance":0,"frequency":0,"mix":0,"newTx":0}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Profile struct {
			TransactionVolume uint64 `json:"transactionVolume"`
			CreditScore       int    `json:"creditScore"`
		} `json:"profile"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, uint64(18446744073709551615), resp.Profile.TransactionVolume)
	assert.Equal(t, 850, resp.Profile.CreditScore)
}

func TestHandler_Integrate_NegativeValueRejected(t *testing.T) {
	router, _ := setupHandlerTestRouter(NewMemoryStore())

	w := doJSON(router, "POST", "/v1/admin/integrate", owner.Hex(), map[string]any{
		"user": bob.Hex(), "volume": -1, "balance": 0, "frequency": 0, "mix": 0, "newTx": 0,
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decode(t, w)
	assert.Equal(t, "invalid_request", resp["error"])
	assert.NotEmpty(t, resp["details"])
}

// ---------------------------------------------------------------------------
// PUT /v1/accounts/:address/:field
// ---------------------------------------------------------------------------

func TestHandler_UpdateField_Self(t *testing.T) {
	router, _ := setupHandlerTestRouter(NewMemoryStore())

	w := doJSON(router, "PUT", "/v1/accounts/"+alice.Hex()+"/volume", alice.Hex(), map[string]any{"value": 100})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Profile struct {
			CreditScore int `json:"creditScore"`
		} `json:"profile"`
		Breakdown struct {
			WeightedSum uint64 `json:"weightedSumHundredths"`
		} `json:"breakdown"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 319, resp.Profile.CreditScore)
	assert.Equal(t, uint64(350), resp.Breakdown.WeightedSum)
}

func TestHandler_UpdateField_OtherAccountForbidden(t *testing.T) {
	router, _ := setupHandlerTestRouter(NewMemoryStore())

	w := doJSON(router, "PUT", "/v1/accounts/"+bob.Hex()+"/volume", alice.Hex(), map[string]any{"value": 100})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHandler_UpdateField_UnknownField(t *testing.T) {
	router, _ := setupHandlerTestRouter(NewMemoryStore())

	w := doJSON(router, "PUT", "/v1/accounts/"+alice.Hex()+"/creditScore", alice.Hex(), map[string]any{"value": 850})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", decode(t, w)["error"])
}

func TestHandler_UpdateField_MissingValue(t *testing.T) {
	router, _ := setupHandlerTestRouter(NewMemoryStore())

	w := doJSON(router, "PUT", "/v1/accounts/"+alice.Hex()+"/mix", alice.Hex(), map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_UpdateField_StoreUnavailable(t *testing.T) {
	router, _ := setupHandlerTestRouter(newFlakyStore(errors.New("connection refused")))

	w := doJSON(router, "PUT", "/v1/accounts/"+alice.Hex()+"/mix", alice.Hex(), map[string]any{"value": 1})
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Equal(t, "store_unavailable", decode(t, w)["error"])
}

// ---------------------------------------------------------------------------
// Read-only routes
// ---------------------------------------------------------------------------

func TestHandler_GetProfileAndHistory(t *testing.T) {
	router, svc := setupHandlerTestRouter(NewMemoryStore())
	ctx := context.Background()
	for _, v := range []uint64{10, 20, 30} {
		_, err := svc.UpdateWalletBalance(ctx, alice, v)
		require.NoError(t, err)
	}

	w := doJSON(router, "GET", "/v1/accounts/"+alice.Hex(), "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode(t, w)
	assert.Contains(t, resp, "profile")
	assert.Contains(t, resp, "breakdown")

	w = doJSON(router, "GET", "/v1/accounts/"+alice.Hex()+"/history?limit=2", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page HistoryPage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Len(t, page.Events, 2)
	assert.True(t, page.HasMore)

	w = doJSON(router, "GET", "/v1/accounts/"+alice.Hex()+"/history?cursor="+page.NextCursor, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Events, 1)
	assert.Equal(t, int64(1), page.Events[0].Version)
}

func TestHandler_ListProfilesAndOwner(t *testing.T) {
	router, svc := setupHandlerTestRouter(NewMemoryStore())

	w := doJSON(router, "GET", "/v1/accounts", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["count"])

	_, err := svc.UpdateTransactionMix(context.Background(), alice, 1)
	require.NoError(t, err)
	w = doJSON(router, "GET", "/v1/accounts", "", nil)
	assert.Equal(t, float64(1), decode(t, w)["count"])

	w = doJSON(router, "GET", "/v1/owner", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, Key(owner), decode(t, w)["owner"])
}
