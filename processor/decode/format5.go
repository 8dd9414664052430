package decode

import (
	"encoding/binary"
	"math"

	"github.com/c360/ruuvigw/message"
)

// format5 is RAWv2. Every sensor value has an "invalid" sentinel.
type format5 struct{}

const (
	invalidInt16  = 0x7FFF
	invalidUint16 = 0xFFFF
	// 0x8000 is listed as invalid for temperature by the protocol as well.
	invalidTemperatureMin = -0x8000

	invalidBattery = 0x7FF
	invalidTxPower = 0x1F
)

func (format5) Format() int    { return DataFormat5 }
func (format5) MinLength() int { return 24 }

func (format5) Decode(b []byte, r *message.Reading) {
	if raw := int16(binary.BigEndian.Uint16(b[1:3])); raw != invalidInt16 && raw != invalidTemperatureMin {
		r.Set(message.FieldTemperature, message.Round(float64(raw)/200, 3))
	}

	if raw := binary.BigEndian.Uint16(b[3:5]); raw != invalidUint16 {
		r.Set(message.FieldHumidity, message.Round(float64(raw)/400, 4))
	}

	if raw := binary.BigEndian.Uint16(b[5:7]); raw != invalidUint16 {
		r.Set(message.FieldPressure, message.Round((float64(raw)+50000)/100, 2))
	}

	rx := binary.BigEndian.Uint16(b[7:9])
	ry := binary.BigEndian.Uint16(b[9:11])
	rz := binary.BigEndian.Uint16(b[11:13])
	// one invalid axis invalidates the vector
	if rx != invalidInt16 && ry != invalidInt16 && rz != invalidInt16 {
		x := float64(int16(rx))
		y := float64(int16(ry))
		z := float64(int16(rz))
		r.Set(message.FieldAccelerationX, x)
		r.Set(message.FieldAccelerationY, y)
		r.Set(message.FieldAccelerationZ, z)
		r.Set(message.FieldAcceleration, message.Round(math.Sqrt(x*x+y*y+z*z), 3))
	}

	power := binary.BigEndian.Uint16(b[13:15])
	if battery := power >> 5; battery != invalidBattery {
		r.Set(message.FieldBattery, float64(battery)+1600)
	}
	if tx := power & 0x1F; tx != invalidTxPower {
		r.Set(message.FieldTxPower, float64(tx)*2-40)
	}

	r.Set(message.FieldMovementCounter, float64(b[15]))
	r.Set(message.FieldSequenceNumber, float64(binary.BigEndian.Uint16(b[16:18])))
	r.MAC = message.FormatMAC(b[18:24])
}
