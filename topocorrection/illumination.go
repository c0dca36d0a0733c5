package topocorrection

import (
	"context"
	"fmt"
	"math"

	"github.com/akhenakh/topocorrect/rastercalc"
)

// IlluminationNoData is the NoData value of illumination rasters.
const IlluminationNoData = 0

// Illumination writes the cosine of the local solar incidence angle,
//
//	cos(sza) cos(slope) + sin(sza) sin(slope) cos(aspect - azimuth)
//
// computed from slope and aspect rasters in degrees and the sun position in
// degrees. It returns output.
func Illumination(ctx context.Context, calc *rastercalc.Calculator, slope, aspect string, sza, azimuth float64, output string) (string, error) {
	szaRad, azRad := deg2rad(sza), deg2rad(azimuth)
	cosSZA, sinSZA := math.Cos(szaRad), math.Sin(szaRad)

	f := rastercalc.Formula{
		Expr: fmt.Sprintf("%g * cos(deg2rad(slope)) + %g * sin(deg2rad(slope)) * cos(deg2rad(aspect) - %g)",
			cosSZA, sinSZA, azRad),
		Compute: func(px []float64) float64 {
			s, a := deg2rad(px[0]), deg2rad(px[1])
			return cosSZA*math.Cos(s) + sinSZA*math.Sin(s)*math.Cos(a-azRad)
		},
	}
	inputs := []rastercalc.Input{
		{Name: "slope", Source: slope, Band: 1},
		{Name: "aspect", Source: aspect, Band: 1},
	}
	return calc.Evaluate(ctx, f, inputs, output, IlluminationNoData)
}
