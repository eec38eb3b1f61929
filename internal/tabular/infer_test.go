package tabular

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInferType(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		want   string
	}{
		{"empty", nil, TypeString},
		{"only blanks", []string{"", "  "}, TypeString},
		{"integers", []string{"1", "20", "-3"}, TypeInteger},
		{"integers with separators", []string{"1,200", "3,400,000"}, TypeInteger},
		{"blanks ignored", []string{"", "5", " ", "6"}, TypeInteger},
		{"floats", []string{"1.5", "2", "3.25"}, TypeFloat},
		{"iso dates", []string{"2024-01-01", "2024-02-29"}, TypeDate},
		{"us dates", []string{"01/31/2024", "12/01/2023"}, TypeDate},
		{"dashed dates", []string{"31-01-2024", "01-12-2023"}, TypeDate},
		{"datetimes", []string{"2024-01-01T10:00:00", "2024-01-02 11:30"}, TypeDatetime},
		{"mixed dates", []string{"2024-01-01", "01/31/2024"}, TypeString},
		{"strings", []string{"EU", "US"}, TypeString},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InferType(tt.values))
		})
	}
}

func TestInferTypeOnlyChecksNumericPrefix(t *testing.T) {
	values := make([]string, 0, 25)
	for i := 0; i < 20; i++ {
		values = append(values, "7")
	}
	values = append(values, "not-a-number")

	assert.Equal(t, TypeInteger, InferType(values))
}
