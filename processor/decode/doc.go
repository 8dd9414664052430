// Package decode turns Ruuvi manufacturer payloads into readings.
//
// Two wire layouts are decoded: RAWv1 (data format 3) and RAWv2 (data format 5). Data
// format 8 is recognised and rejected with ErrUnsupportedFormat so callers can count it
// separately from garbage.
//
// Values missing on the wire (sentinels such as 0x7FFF or 0xFFFF) are left out of the
// reading instead of being stored as zero; downstream change detection relies on that.
//
//	reading, err := decode.Decode(payload, decode.HintFirstByte)
//	if err != nil {
//	    // errors.Is(err, decode.ErrTruncated) ...
//	}
package decode
