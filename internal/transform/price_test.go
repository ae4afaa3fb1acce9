package transform

import "testing"

func TestExtractPriceCents(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int64
		ok   bool
	}{
		{"comma decimal", "Fone bluetooth por R$ 99,90 hoje", 9990, true},
		{"dot decimal", "Smart TV R$1299.00 frete grátis", 129900, true},
		{"reais suffix", "tudo por 49,90 reais", 4990, true},
		{"no space after symbol", "R$159,99", 15999, true},
		{"no price", "corre que acaba rápido", 0, false},
		{"integer only is ignored", "R$ 99 à vista", 0, false},
		{"below minimum", "R$ 0,05 de taxa", 0, false},
		{"percentage is not a price", "50% off em tudo", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractPriceCents(tt.text)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("cents = %d, want %d", got, tt.want)
			}
		})
	}
}
