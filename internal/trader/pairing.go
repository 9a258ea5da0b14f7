package trader

import (
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	domainerrors "teller/pkg/domain-errors"
)

// Credential is the pairing outcome: the bearer token handed out when an
// operator paired this machine, and the device id baked into its claims.
type Credential struct {
	Token    string
	DeviceID string
}

// ErrUnpaired reports that no pairing credential exists yet. The machine
// boots into the virgin screen in that case instead of failing.
var ErrUnpaired = domainerrors.New(domainerrors.CodeUnpaired, "no pairing credential on disk")

type pairingClaims struct {
	DeviceID string `json:"deviceId"`
	jwt.RegisteredClaims
}

// LoadCredential reads and verifies the pairing token at path. A missing
// file means the machine was never paired; a token that does not verify
// against the pairing secret is a configuration error and must not be
// sent to the backend.
func LoadCredential(path string, secret []byte) (Credential, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Credential{}, ErrUnpaired
	}
	if err != nil {
		return Credential{}, fmt.Errorf("read pairing credential: %w", err)
	}

	token := strings.TrimSpace(string(raw))
	claims := &pairingClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return Credential{}, domainerrors.Wrap(err, domainerrors.CodeConfig, "pairing credential does not verify")
	}
	if !parsed.Valid || claims.DeviceID == "" {
		return Credential{}, domainerrors.New(domainerrors.CodeConfig, "pairing credential missing device id")
	}

	return Credential{Token: token, DeviceID: claims.DeviceID}, nil
}
