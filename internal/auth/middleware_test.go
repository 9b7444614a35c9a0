package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupMiddlewareTest() (*Manager, string, *APIKey) {
	mgr := NewManager(NewMemoryStore())
	rawKey, key, _ := mgr.GenerateKey(context.Background(), testAccount, "test-key")
	return mgr, rawKey, key
}

func newTestContext(method, path string) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request, _ = http.NewRequest(method, path, nil)
	return c, w
}

func authenticate(c *gin.Context, account common.Address) {
	c.Set(ContextKeyAPIKey, &APIKey{ID: "ak_test", Account: accountKey(account)})
	c.Set(ContextKeyAccount, account)
}

// --- Middleware() ---

func TestMiddleware_ValidKey_SetsContext(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	c, _ := newTestContext("GET", "/test")
	c.Request.Header.Set("Authorization", "Bearer "+rawKey)

	Middleware(mgr)(c)

	addr, ok := GetAuthenticatedAccount(c)
	if !ok {
		t.Fatal("Expected account to be set in context")
	}
	if addr != testAccount {
		t.Errorf("Expected %s, got %s", testAccount.Hex(), addr.Hex())
	}

	key, ok := GetAPIKey(c)
	if !ok {
		t.Fatal("Expected API key to be set in context")
	}
	if key.Name != "test-key" {
		t.Errorf("Expected key name 'test-key', got %s", key.Name)
	}
}

func TestMiddleware_ValidKeyViaXAPIKey(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	c, _ := newTestContext("GET", "/test")
	c.Request.Header.Set("X-API-Key", rawKey)

	Middleware(mgr)(c)

	if _, ok := GetAuthenticatedAccount(c); !ok {
		t.Error("Expected account set via X-API-Key header")
	}
}

func TestMiddleware_InvalidKey_DoesNotAbort(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest()

	c, w := newTestContext("GET", "/test")
	c.Request.Header.Set("Authorization", "sk_invalidkey000000000000000000000000000000000000000000000000000000")

	Middleware(mgr)(c)

	if IsAuthenticated(c) {
		t.Error("Expected API key NOT to be set for invalid key")
	}
	if c.IsAborted() {
		t.Error("Middleware should not abort on invalid key")
	}
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 (pass-through), got %d", w.Code)
	}
}

func TestMiddleware_MissingHeader_PassesThrough(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest()

	c, _ := newTestContext("GET", "/test")
	Middleware(mgr)(c)

	if IsAuthenticated(c) {
		t.Error("Expected no API key in context when header missing")
	}
	if c.IsAborted() {
		t.Error("Middleware should not abort when header missing")
	}
}

func TestMiddleware_RevokedKey_DoesNotSetContext(t *testing.T) {
	mgr, rawKey, key := setupMiddlewareTest()
	_ = mgr.RevokeKey(context.Background(), key.ID, testAccount)

	c, _ := newTestContext("GET", "/test")
	c.Request.Header.Set("Authorization", rawKey)

	Middleware(mgr)(c)

	if IsAuthenticated(c) {
		t.Error("Expected revoked key NOT to set context")
	}
}

// --- RequireAuth() ---

func TestRequireAuth_NoAuth_Returns401(t *testing.T) {
	c, w := newTestContext("GET", "/test")

	RequireAuth()(c)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
	if !c.IsAborted() {
		t.Error("Expected request to be aborted")
	}
}

func TestRequireAuth_WithAuth_Passes(t *testing.T) {
	c, w := newTestContext("GET", "/test")
	authenticate(c, testAccount)

	RequireAuth()(c)

	if c.IsAborted() {
		t.Error("Expected request to pass through when authenticated")
	}
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

// --- RequireOwnership() ---

func TestRequireOwnership_NoAuth_Returns401(t *testing.T) {
	c, w := newTestContext("PUT", "/v1/accounts/x/mix")
	c.Params = gin.Params{{Key: "address", Value: testAccount.Hex()}}

	RequireOwnership("address")(c)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", w.Code)
	}
}

func TestRequireOwnership_WrongAccount_Returns403(t *testing.T) {
	c, w := newTestContext("PUT", "/v1/accounts/x/mix")
	c.Params = gin.Params{{Key: "address", Value: otherAccount.Hex()}}
	authenticate(c, testAccount)

	RequireOwnership("address")(c)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}
}

func TestRequireOwnership_InvalidAddress_Returns400(t *testing.T) {
	c, w := newTestContext("PUT", "/v1/accounts/x/mix")
	c.Params = gin.Params{{Key: "address", Value: "0xnothex"}}
	authenticate(c, testAccount)

	RequireOwnership("address")(c)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestRequireOwnership_CaseInsensitive(t *testing.T) {
	c, _ := newTestContext("PUT", "/v1/accounts/x/mix")
	c.Params = gin.Params{{Key: "address", Value: "0x1234567890123456789012345678901234567890"}}
	authenticate(c, testAccount)

	RequireOwnership("address")(c)

	if c.IsAborted() {
		t.Error("Expected lowercase address to match the key's account")
	}
}

// --- RequireAccount() ---

func TestRequireAccount(t *testing.T) {
	owner := testAccount

	c, w := newTestContext("POST", "/v1/admin/integrate")
	RequireAccount(owner)(c)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without auth, got %d", w.Code)
	}

	c, w = newTestContext("POST", "/v1/admin/integrate")
	authenticate(c, otherAccount)
	RequireAccount(owner)(c)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for non-owner, got %d", w.Code)
	}

	c, _ = newTestContext("POST", "/v1/admin/integrate")
	authenticate(c, owner)
	RequireAccount(owner)(c)
	if c.IsAborted() {
		t.Error("Expected owner to pass")
	}
}

func TestRequireAccount_ZeroOwnerRejectsEveryone(t *testing.T) {
	c, w := newTestContext("POST", "/v1/admin/integrate")
	authenticate(c, common.Address{})

	RequireAccount(common.Address{})(c)

	if w.Code != http.StatusForbidden {
		t.Errorf("Expected 403, got %d", w.Code)
	}
}

// --- Helper functions ---

func TestGetAPIKey_Missing(t *testing.T) {
	c, _ := newTestContext("GET", "/")
	if _, ok := GetAPIKey(c); ok {
		t.Error("Expected GetAPIKey to return false when no key in context")
	}
}

func TestGetAuthenticatedAccount_Missing(t *testing.T) {
	c, _ := newTestContext("GET", "/")
	addr, ok := GetAuthenticatedAccount(c)
	if ok || addr != (common.Address{}) {
		t.Errorf("Expected zero address and false, got %s %v", addr.Hex(), ok)
	}
}
