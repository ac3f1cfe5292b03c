package identity

import (
	"time"

	"github.com/google/uuid"
)

// TrustLevel is the derived device trust tier.
type TrustLevel string

const (
	TrustBasic      TrustLevel = "basic"
	TrustVerified   TrustLevel = "verified"
	TrustHigh       TrustLevel = "high_trust"
	TrustEnterprise TrustLevel = "enterprise"
)

// DeviceInfo identifies the device being attested.
type DeviceInfo struct {
	DeviceID    string `json:"device_id"`
	Platform    string `json:"platform"`
	OSVersion   string `json:"os_version"`
	Fingerprint string `json:"fingerprint"`
}

// AttestationClaims are the hardware/software posture claims supplied by the
// client. The engine scores claims; it never talks to attestation hardware.
type AttestationClaims struct {
	SecureBoot       bool `json:"secure_boot"`
	TPM              bool `json:"tpm"`
	Biometric        bool `json:"biometric"`
	HardwareKeystore bool `json:"hardware_keystore"`

	Jailbroken        bool `json:"jailbroken"`
	Rooted            bool `json:"rooted"`
	DeveloperMode     bool `json:"developer_mode"`
	AntivirusDisabled bool `json:"antivirus_disabled"`
}

// DeviceAttestation is the scored result. TrustLevel is always recomputed
// from the claims, never cached stale.
type DeviceAttestation struct {
	ID         string            `json:"id"`
	DeviceID   string            `json:"device_id"`
	UserID     string            `json:"user_id"`
	Claims     AttestationClaims `json:"claims"`
	TrustLevel TrustLevel        `json:"trust_level"`
	AttestedAt time.Time         `json:"attested_at"`
}

// ComputeTrustLevel is the pure, order-independent rule table:
// any risk flag caps trust at basic regardless of positive features;
// otherwise trust rises with the count of positive features, reaching
// enterprise only when all four are present.
func ComputeTrustLevel(c AttestationClaims) TrustLevel {
	if c.Jailbroken || c.Rooted || c.DeveloperMode || c.AntivirusDisabled {
		return TrustBasic
	}

	positives := 0
	for _, present := range []bool{c.SecureBoot, c.TPM, c.Biometric, c.HardwareKeystore} {
		if present {
			positives++
		}
	}

	switch {
	case positives == 4:
		return TrustEnterprise
	case positives >= 2:
		return TrustHigh
	case positives == 1:
		return TrustVerified
	default:
		return TrustBasic
	}
}

// AttestDevice scores a device's posture claims into a trust level.
func (m *Manager) AttestDevice(userID string, device DeviceInfo, claims AttestationClaims) *DeviceAttestation {
	return &DeviceAttestation{
		ID:         uuid.NewString(),
		DeviceID:   device.DeviceID,
		UserID:     userID,
		Claims:     claims,
		TrustLevel: ComputeTrustLevel(claims),
		AttestedAt: time.Now().UTC(),
	}
}
