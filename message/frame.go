package message

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// RuuviCompanyID is the Bluetooth SIG company identifier of Ruuvi Innovations.
const RuuviCompanyID uint16 = 0x0499

var macRegex = regexp.MustCompile(`^([0-9A-F]{2}:){5}[0-9A-F]{2}$`)

// Frame is one captured advertisement attributed to a device.
type Frame struct {
	MAC            string    `json:"mac"`
	RSSI           *int      `json:"rssi,omitempty"`
	ManufacturerID uint16    `json:"mfid"`
	Payload        []byte    `json:"data"`
	Received       time.Time `json:"received"`
}

// FormatMAC renders address bytes as canonical upper-case colon hex.
func FormatMAC(b []byte) string {
	var sb strings.Builder
	sb.Grow(17)
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%02X", v)
	}
	return sb.String()
}

// NormalizeMAC accepts colon, dash or bare hex notation in any case and returns the
// canonical 17 character form.
func NormalizeMAC(s string) (string, error) {
	clean := strings.ToUpper(strings.NewReplacer(":", "", "-", "", " ", "").Replace(s))
	if len(clean) != 12 {
		return "", fmt.Errorf("invalid mac %q", s)
	}

	var sb strings.Builder
	sb.Grow(17)
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(clean[i : i+2])
	}

	mac := sb.String()
	if !macRegex.MatchString(mac) {
		return "", fmt.Errorf("invalid mac %q", s)
	}
	return mac, nil
}

// IsMAC reports whether s is already in canonical form.
func IsMAC(s string) bool {
	return macRegex.MatchString(s)
}

// FrameHandler receives every frame captured by a source. It must not retain f.Payload
// beyond the call unless the source documents otherwise.
type FrameHandler func(ctx context.Context, f Frame)
