package pagination

import "testing"

func TestClampPageSize(t *testing.T) {
	cfg := PageSizeConfig{Default: 1000, Max: 5000}
	tests := []struct {
		value int
		want  int
	}{
		{value: 0, want: 1000},
		{value: -3, want: 1000},
		{value: 42, want: 42},
		{value: 9000, want: 5000},
	}
	for _, tt := range tests {
		if got := ClampPageSize(tt.value, cfg); got != tt.want {
			t.Fatalf("ClampPageSize(%d) = %d, want %d", tt.value, got, tt.want)
		}
	}
	if got := ClampPageSize(0, PageSizeConfig{}); got != 1 {
		t.Fatalf("ClampPageSize(0, zero) = %d, want 1", got)
	}
}
