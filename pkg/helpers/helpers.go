package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	uuid "github.com/satori/go.uuid"
)

func ExtractDomain(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) == 2 {
		return parts[1]
	}
	return ""
}

func GenerateCorrelationID() string {
	return uuid.NewV4().String()
}

func ValidSender(sender string) bool {
	parts := strings.Split(sender, "@")
	if len(parts) != 2 {
		return false
	}
	return parts[0] != "" && parts[1] != ""
}

// TrimAngle strips the angle brackets of an SMTP path such as "<a@b>".
func TrimAngle(addr string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(addr), "<"), ">")
}

// HashHeaders returns the hex SHA-256 of a header block and body, used as the
// result cache key. The two parts are separated so that moving text between
// them changes the hash.
func HashHeaders(headers, body string) string {
	h := sha256.New()
	h.Write([]byte(headers))
	h.Write([]byte{0})
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}
