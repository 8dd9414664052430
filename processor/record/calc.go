package record

import (
	"math"

	"github.com/c360/ruuvigw/message"
)

// Derived field names
const (
	FieldEquilibriumVaporPressure = "equilibriumVaporPressure"
	FieldAbsoluteHumidity         = "absoluteHumidity"
	FieldDewPoint                 = "dewPoint"
	FieldAirDensity               = "airDensity"
)

const calcPrecision = 3

// equilibriumVaporPressure returns the saturation vapour pressure in Pa (Magnus formula).
func equilibriumVaporPressure(temp float64) float64 {
	return 611.2 * math.Exp(17.67*temp/(243.5+temp))
}

// Calcs derives humidity related values from r. A value is omitted when one of its inputs
// is missing or the result is not finite.
func Calcs(r *message.Reading) map[string]float64 {
	out := make(map[string]float64, 4)

	temp, ok := r.Get(message.FieldTemperature)
	if !ok {
		return out
	}
	evp := equilibriumVaporPressure(temp)
	set(out, FieldEquilibriumVaporPressure, evp)

	hum, ok := r.Get(message.FieldHumidity)
	if !ok {
		return out
	}

	// g/m3
	set(out, FieldAbsoluteHumidity, evp*hum*0.021674/(273.15+temp))

	if hum > 0 {
		v := math.Log(hum / 100 * evp / 611.2)
		set(out, FieldDewPoint, -243.5*v/(v-17.67))
	}

	if pres, ok := r.Get(message.FieldPressure); ok {
		// kg/m3, pressure converted from hPa to Pa
		set(out, FieldAirDensity, 1.2929*273.15/(temp+273.15)*(pres*100-0.3783*hum/100*evp)/101300)
	}

	return out
}

func set(out map[string]float64, field string, v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return
	}
	out[field] = message.Round(v, calcPrecision)
}
