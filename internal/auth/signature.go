package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// LoginWindow is how far a signed login timestamp may drift from server time.
const LoginWindow = 5 * time.Minute

var (
	ErrSignatureExpired  = errors.New("login timestamp outside the allowed window")
	ErrSignatureMismatch = errors.New("signature was not produced by the claimed address")
	ErrSignatureReplayed = errors.New("login timestamp already used; sign a newer one")
)

// loginGuardMinPrune is the entry count below which LoginGuard skips pruning.
const loginGuardMinPrune = 1024

// LoginMessage is the text a wallet signs to obtain an API key.
// Format: "creditscore:login:{address}:{unix timestamp}"
func LoginMessage(account common.Address, timestamp int64) string {
	return fmt.Sprintf("creditscore:login:%s:%d", accountKey(account), timestamp)
}

// HashMessage creates an Ethereum signed message hash
// This prefixes the message with "\x19Ethereum Signed Message:\n{len}" as per EIP-191
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// RecoverAddress recovers the signer's address from a message and a
// hex-encoded 65-byte signature (r[32] + s[32] + v[1]).
func RecoverAddress(message string, signatureHex string) (common.Address, error) {
	signature, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	// Wallets produce v = 27 or 28, Ecrecover expects 0 or 1
	if signature[64] >= 27 {
		signature[64] -= 27
	}

	pubKeyBytes, err := crypto.Ecrecover(HashMessage(message), signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to unmarshal public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// VerifyLogin checks that signatureHex is account's signature over
// LoginMessage(account, timestamp) and that timestamp is within LoginWindow
// of now.
func VerifyLogin(account common.Address, timestamp int64, signatureHex string, now time.Time) error {
	drift := now.Sub(time.Unix(timestamp, 0))
	if drift > LoginWindow || drift < -LoginWindow {
		return ErrSignatureExpired
	}

	recovered, err := RecoverAddress(LoginMessage(account, timestamp), signatureHex)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if recovered != account {
		return ErrSignatureMismatch
	}
	return nil
}

// LoginGuard remembers the newest accepted login timestamp per address so a
// signed login message mints at most one key. Entries are dropped once they
// fall outside LoginWindow, since any replay of them is already expired.
type LoginGuard struct {
	mu        sync.Mutex
	last      map[string]int64
	nextPrune int
}

// NewLoginGuard creates an empty guard.
func NewLoginGuard() *LoginGuard {
	return &LoginGuard{last: make(map[string]int64), nextPrune: loginGuardMinPrune}
}

// Accept records timestamp for account and reports true if it is newer than
// the last timestamp accepted for that account.
func (g *LoginGuard) Accept(account common.Address, timestamp int64, now time.Time) bool {
	key := accountKey(account)

	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.last[key]; ok && timestamp <= last {
		return false
	}
	g.last[key] = timestamp

	if len(g.last) >= g.nextPrune {
		cutoff := now.Add(-LoginWindow).Unix()
		for k, ts := range g.last {
			if ts < cutoff {
				delete(g.last, k)
			}
		}
		g.nextPrune = max(2*len(g.last), loginGuardMinPrune)
	}
	return true
}

// Len returns the number of tracked addresses.
func (g *LoginGuard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.last)
}
