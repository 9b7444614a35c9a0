// Package validation provides input validation middleware for the credit score API.
package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxNameLength is the maximum length for free-text names such as API key labels
const MaxNameLength = 100

// ethAddressRegex validates Ethereum addresses
var ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidEthAddress checks if a string is a valid Ethereum address
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// SanitizeAddress normalizes an Ethereum address
func SanitizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.ToLower(addr)

	// Ensure 0x prefix
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}

	return addr
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidAddress checks if a field is a valid Ethereum address
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidEthAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

const addressParamKey = "validation.address"

// AddressParamMiddleware parses the :address URL parameter and stores the
// result for AddressParam. Malformed addresses are rejected with 400.
func AddressParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		account, verr := ParseAddress("address", c.Param("address"))
		if verr != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_address",
				"message": verr.Field + " " + verr.Message,
			})
			return
		}
		c.Set(addressParamKey, account)
		c.Next()
	}
}

// AddressParam returns the address parsed by AddressParamMiddleware, or the
// zero address on routes that do not mount it.
func AddressParam(c *gin.Context) common.Address {
	v, _ := c.Get(addressParamKey)
	account, _ := v.(common.Address)
	return account
}

// ParseUint parses a decimal non-negative integer.
func ParseUint(field, value string) (uint64, *ValidationError) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, &ValidationError{Field: field, Message: "is required"}
	}
	for _, c := range value {
		if c < '0' || c > '9' {
			return 0, &ValidationError{Field: field, Message: "must be a non-negative integer"}
		}
	}
	v, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0, &ValidationError{Field: field, Message: fmt.Sprintf("exceeds maximum of %d", uint64(math.MaxUint64))}
	}
	return v, nil
}

// ParseJSONUint parses a JSON value that must hold a non-negative integer,
// either as a bare number or a decimal string. A missing or null value is
// reported as required.
func ParseJSONUint(field string, raw json.RawMessage) (uint64, *ValidationError) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, &ValidationError{Field: field, Message: "is required"}
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return 0, &ValidationError{Field: field, Message: "must be a non-negative integer"}
		}
		return ParseUint(field, str)
	}
	return ParseUint(field, s)
}

// ParseAddress normalizes and parses an Ethereum address. The 0x prefix is
// optional and case is ignored.
func ParseAddress(field, value string) (common.Address, *ValidationError) {
	addr := SanitizeAddress(value)
	if !IsValidEthAddress(addr) {
		return common.Address{}, &ValidationError{Field: field, Message: "must be a valid Ethereum address (0x...)"}
	}
	return common.HexToAddress(addr), nil
}
