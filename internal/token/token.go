package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultThumbnail is the avatar path carried by service tokens.
const DefaultThumbnail = "/static/user/pfp/"

// ErrInvalidKey is returned when the signing key cannot be parsed.
var ErrInvalidKey = errors.New("invalid RSA private key")

// Claims is the payload of a service token. Fields without a value are still
// emitted so consumers see the full user shape.
type Claims struct {
	User          string  `json:"user"`
	UserName      string  `json:"user_name"`
	Email         string  `json:"email"`
	Phone         string  `json:"phone"`
	IP            string  `json:"ip"`
	Thumbnail     string  `json:"thumbnail"`
	UserStatus    int     `json:"user_status"`
	Name          *string `json:"name"`
	ColorPalette  *string `json:"color_palette"`
	RenderInFront *bool   `json:"render_in_front"`
	jwt.RegisteredClaims
}

// Generate signs claims with the PEM encoded RSA key using RS256. The token expires at expiresAt.
func Generate(keyPEM []byte, claims Claims, expiresAt time.Time) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyPEM)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKey, err)
	}

	if claims.Thumbnail == "" {
		claims.Thumbnail = DefaultThumbnail
	}

	claims.ExpiresAt = jwt.NewNumericDate(expiresAt)

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, nil
}

// ExpiresAt returns now moved forward by the given days, hours and minutes.
// Days are added on the calendar so validity periods far beyond time.Duration's range work.
func ExpiresAt(now time.Time, days, hours, minutes int) time.Time {
	return now.AddDate(0, 0, days).
		Add(time.Duration(hours) * time.Hour).
		Add(time.Duration(minutes) * time.Minute)
}
