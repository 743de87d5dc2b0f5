package util

import "testing"

func TestParseQty(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		want     float64
		wantUnit string
	}{
		{name: "thousand dot", input: "Parafuso sextavado 1.000 un", want: 1000, wantUnit: "un"},
		{name: "decimal comma", input: "Cabo flexível 2,5 m", want: 2.5, wantUnit: "m"},
		{name: "decimal dot", input: "Fio 1.5 m", want: 1.5, wantUnit: "m"},
		{name: "brazilian thousands with decimals", input: "Mangueira 1.250,5 m", want: 1250.5, wantUnit: "m"},
		{name: "code with digits before qty", input: "Parafuso M10 100 pç", want: 100, wantUnit: "pc"},
		{name: "box unit", input: "Luva nitrílica 3 caixas", want: 3, wantUnit: "cx"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parsed := ParseQty(tc.input)
			if parsed.Qty == nil {
				t.Fatalf("qty is nil")
			}
			if *parsed.Qty != tc.want {
				t.Fatalf("got %v want %v", *parsed.Qty, tc.want)
			}
			if parsed.Unit == nil || *parsed.Unit != tc.wantUnit {
				t.Fatalf("unit=%v want %s", parsed.Unit, tc.wantUnit)
			}
		})
	}
}

func TestParseQtyWithoutNumber(t *testing.T) {
	parsed := ParseQty("Parafuso sextavado")
	if parsed.Qty != nil {
		t.Fatalf("unexpected qty %v", *parsed.Qty)
	}
}
