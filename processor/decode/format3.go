package decode

import (
	"encoding/binary"
	"math"

	"github.com/c360/ruuvigw/message"
)

// format3 is RAWv1: humidity, temperature, pressure, acceleration and battery voltage.
type format3 struct{}

func (format3) Format() int    { return DataFormat3 }
func (format3) MinLength() int { return 14 }

func (format3) Decode(b []byte, r *message.Reading) {
	r.Set(message.FieldHumidity, message.Round(float64(b[1])*0.5, 1))

	temp := float64(b[2]&0x7F) + float64(b[3])/100
	if b[2]&0x80 != 0 {
		temp = -temp
	}
	r.Set(message.FieldTemperature, message.Round(temp, 2))

	pressure := float64(binary.BigEndian.Uint16(b[4:6])) + 50000
	r.Set(message.FieldPressure, message.Round(pressure/100, 2))

	x := float64(int16(binary.BigEndian.Uint16(b[6:8])))
	y := float64(int16(binary.BigEndian.Uint16(b[8:10])))
	z := float64(int16(binary.BigEndian.Uint16(b[10:12])))
	r.Set(message.FieldAccelerationX, x)
	r.Set(message.FieldAccelerationY, y)
	r.Set(message.FieldAccelerationZ, z)
	r.Set(message.FieldAcceleration, message.Round(math.Sqrt(x*x+y*y+z*z), 3))

	r.Set(message.FieldBattery, float64(binary.BigEndian.Uint16(b[12:14])))
}
