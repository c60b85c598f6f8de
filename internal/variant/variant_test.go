package variant

import (
	"testing"

	"xburst-cloner/internal/xburst"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		magic string
		want  xburst.Variant
	}{
		{"T20", xburst.VariantT20},
		{"T21", xburst.VariantT21},
		{"T23", xburst.VariantT23},
		{"T30", xburst.VariantT30},
		{"T31", xburst.VariantT31},
		{"T40", xburst.VariantT40},
		{"T41", xburst.VariantT41},
		{"X2580", xburst.VariantT41},
		{"A1", xburst.VariantA1},
		{"X1000", xburst.VariantX1000},
		{"X1600", xburst.VariantX1600},
		{"X1700", xburst.VariantX1700},
		{"X2000", xburst.VariantX2000},
		{"X2100", xburst.VariantX2100},
		{"X2600", xburst.VariantX2600},
		{"T31ZX", xburst.VariantT31ZX},
		{"T31V", xburst.VariantT31ZX},
		{"BOOT4731", xburst.VariantT31},
		{"BOOT4720", xburst.VariantT20},
		{"BOOT4741", xburst.VariantT41},
		{"garbage!!", xburst.VariantT31X},
	}
	for _, c := range cases {
		t.Run(c.magic, func(t *testing.T) {
			if got := Classify(c.magic); got != c.want {
				t.Errorf("Classify(%q) = %v, want %v", c.magic, got, c.want)
			}
		})
	}
}

func TestForFallsBackToDefault(t *testing.T) {
	c := For(xburst.Variant(999))
	if c != defaultConstants {
		t.Errorf("For(unknown variant) = %+v, want default constants", c)
	}
}

func TestForKnownVariantsPopulated(t *testing.T) {
	for _, v := range []xburst.Variant{
		xburst.VariantT20, xburst.VariantT31, xburst.VariantT31X,
		xburst.VariantT41, xburst.VariantA1,
	} {
		c := For(v)
		if c.WriteChunkSize == 0 {
			t.Errorf("For(%v).WriteChunkSize is zero", v)
		}
	}
}
