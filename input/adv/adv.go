// Package adv extracts Ruuvi manufacturer data from BLE advertisements and parses the
// frame encodings shared by the network sources.
package adv

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/message"
)

// AD types
const (
	TypeFlags            = 0x01
	TypeCompleteName     = 0x09
	TypeManufacturerData = 0xFF
)

// Parse errors
var (
	ErrMalformed          = stderrors.New("malformed advertisement")
	ErrNoManufacturerData = stderrors.New("no manufacturer data")
	ErrInvalidFrame       = stderrors.New("invalid frame")
)

// FramesDropped reasons for data the sources cannot turn into a frame
const (
	DropInvalidFrame = "invalid_frame"
	DropNotRuuvi     = "not_ruuvi"
)

// DropReason maps a parse error to its FramesDropped reason.
func DropReason(err error) string {
	if stderrors.Is(err, ErrNoManufacturerData) {
		return DropNotRuuvi
	}
	return DropInvalidFrame
}

// company id plus at least one payload byte
const minManufacturerDataLen = 3

// signature is the manufacturer data AD type followed by the little endian Ruuvi company id.
var signature = []byte{TypeManufacturerData, 0x99, 0x04}

// bareLengths are the payload lengths, by data format byte, accepted without any framing.
var bareLengths = map[byte]int{0x03: 14, 0x05: 24, 0x08: 24}

// Structure is one length-type-value element of an advertisement.
type Structure struct {
	Type byte
	Data []byte
}

// Parse splits an advertisement into its AD structures. A zero length byte ends the list,
// and so does a structure that overruns b: trailing bytes such as the RSSI byte appended by
// HCI capture backends are ignored. It fails only when no structure is complete.
func Parse(b []byte) ([]Structure, error) {
	var out []Structure
	for i := 0; i < len(b); {
		l := int(b[i])
		if l == 0 || i+1+l > len(b) {
			break
		}
		out = append(out, Structure{Type: b[i+1], Data: b[i+2 : i+1+l]})
		i += 1 + l
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no complete AD structure in %d bytes", ErrMalformed, len(b))
	}
	return out, nil
}

// ManufacturerData returns the manufacturer specific data for companyID, without the
// company id bytes.
func ManufacturerData(b []byte, companyID uint16) ([]byte, error) {
	structs, err := Parse(b)
	if err != nil {
		return nil, err
	}
	for _, s := range structs {
		if s.Type != TypeManufacturerData || len(s.Data) < minManufacturerDataLen {
			continue
		}
		if binary.LittleEndian.Uint16(s.Data[:2]) == companyID {
			return s.Data[2:], nil
		}
	}
	return nil, ErrNoManufacturerData
}

// Payload returns the Ruuvi payload starting at the data format byte. b may be a full
// advertisement, manufacturer data starting with the company id, or a bare payload of a
// known format and length. Anything else fails with ErrNoManufacturerData, naming the
// company id when b carries another vendor's manufacturer data.
func Payload(b []byte) ([]byte, error) {
	if data, err := ManufacturerData(b, message.RuuviCompanyID); err == nil {
		return data, nil
	}
	if len(b) > 2 && binary.LittleEndian.Uint16(b[:2]) == message.RuuviCompanyID {
		return b[2:], nil
	}
	if i := bytes.Index(b, signature); i >= 0 && i+len(signature) < len(b) {
		return b[i+len(signature):], nil
	}

	foreign, hasForeign := foreignCompany(b)
	if !hasForeign && len(b) > 0 && bareLengths[b[0]] == len(b) {
		return b, nil
	}
	if hasForeign {
		return nil, fmt.Errorf("%w: company id 0x%04X", ErrNoManufacturerData, foreign)
	}
	return nil, ErrNoManufacturerData
}

// foreignCompany reports the company id of the first manufacturer data structure in b.
func foreignCompany(b []byte) (uint16, bool) {
	structs, err := Parse(b)
	if err != nil {
		return 0, false
	}
	for _, s := range structs {
		if s.Type == TypeManufacturerData && len(s.Data) >= 2 {
			return binary.LittleEndian.Uint16(s.Data[:2]), true
		}
	}
	return 0, false
}

// NewFrame builds a frame from a raw advertisement or payload. Data without a Ruuvi payload
// is rejected.
func NewFrame(mac string, rssi *int, raw []byte, received time.Time) (message.Frame, error) {
	canonical, err := message.NormalizeMAC(mac)
	if err != nil {
		return message.Frame{}, errors.WrapInvalid(fmt.Errorf("%w: %v", ErrInvalidFrame, err), "adv", "NewFrame", "parse mac")
	}
	if len(raw) == 0 {
		return message.Frame{}, errors.WrapInvalid(fmt.Errorf("%w: empty data", ErrInvalidFrame), "adv", "NewFrame", "read data")
	}
	payload, err := Payload(raw)
	if err != nil {
		return message.Frame{}, errors.WrapInvalid(err, "adv", "NewFrame", "extract payload")
	}
	return message.Frame{
		MAC:            canonical,
		RSSI:           rssi,
		ManufacturerID: message.RuuviCompanyID,
		Payload:        payload,
		Received:       received,
	}, nil
}

// Packet is the JSON frame encoding used by the udp, mqtt, nats and replay sources. It
// matches the Ruuvi Gateway MQTT payload, whose extra fields are ignored.
type Packet struct {
	MAC  string `json:"mac,omitempty"`
	RSSI *int   `json:"rssi,omitempty"`
	Data string `json:"data"`
	// Received is optional; replay files carry it.
	Received *time.Time `json:"received,omitempty"`
}

// ParseJSON decodes a Packet. fallbackMAC is used when the packet has no mac, as in the
// Ruuvi Gateway format where the mac is the last topic level.
func ParseJSON(data []byte, fallbackMAC string, now time.Time) (message.Frame, error) {
	var p Packet
	if err := json.Unmarshal(data, &p); err != nil {
		return message.Frame{}, errors.WrapInvalid(fmt.Errorf("%w: %v", ErrInvalidFrame, err), "adv", "ParseJSON", "decode packet")
	}
	mac := p.MAC
	if mac == "" {
		mac = fallbackMAC
	}
	raw, err := hex.DecodeString(strings.TrimSpace(p.Data))
	if err != nil {
		return message.Frame{}, errors.WrapInvalid(fmt.Errorf("%w: %v", ErrInvalidFrame, err), "adv", "ParseJSON", "decode data")
	}
	received := now
	if p.Received != nil {
		received = *p.Received
	}
	return NewFrame(mac, p.RSSI, raw, received)
}

// ParseLine decodes "MAC,RSSI,HEX". RSSI may be empty.
func ParseLine(line string, now time.Time) (message.Frame, error) {
	parts := strings.Split(strings.TrimSpace(line), ",")
	if len(parts) != 3 {
		return message.Frame{}, errors.WrapInvalid(fmt.Errorf("%w: want 3 fields, got %d", ErrInvalidFrame, len(parts)),
			"adv", "ParseLine", "split line")
	}

	var rssi *int
	if s := strings.TrimSpace(parts[1]); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return message.Frame{}, errors.WrapInvalid(fmt.Errorf("%w: rssi %q", ErrInvalidFrame, s), "adv", "ParseLine", "parse rssi")
		}
		rssi = &v
	}

	raw, err := hex.DecodeString(strings.TrimSpace(parts[2]))
	if err != nil {
		return message.Frame{}, errors.WrapInvalid(fmt.Errorf("%w: %v", ErrInvalidFrame, err), "adv", "ParseLine", "decode data")
	}
	return NewFrame(parts[0], rssi, raw, now)
}

// ParseDatagram decodes one datagram or line: JSON when it starts with '{', CSV otherwise.
func ParseDatagram(b []byte, now time.Time) (message.Frame, error) {
	s := strings.TrimSpace(string(b))
	if strings.HasPrefix(s, "{") {
		return ParseJSON([]byte(s), "", now)
	}
	return ParseLine(s, now)
}

// Marshal encodes f as a Packet with its receive time, the replay file format.
func Marshal(f message.Frame) ([]byte, error) {
	received := f.Received.UTC()
	p := Packet{
		MAC:      f.MAC,
		RSSI:     f.RSSI,
		Data:     strings.ToUpper(hex.EncodeToString(f.Payload)),
		Received: &received,
	}
	return json.Marshal(p)
}
