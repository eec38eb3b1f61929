package tabular

import (
	"regexp"
	"strconv"
	"strings"
)

// Primitive column types reported by InferType.
const (
	TypeInteger  = "integer"
	TypeFloat    = "float"
	TypeDate     = "date"
	TypeDatetime = "datetime"
	TypeString   = "string"
)

var (
	datetimePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}`),
	}
	datePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`), // YYYY-MM-DD
		regexp.MustCompile(`^\d{2}/\d{2}/\d{4}$`), // MM/DD/YYYY
		regexp.MustCompile(`^\d{2}-\d{2}-\d{4}$`), // DD-MM-YYYY
	}
)

// InferType guesses the primitive type of a column from sample values.
// Numeric checks look at the first 20 non-empty values, date checks at the
// first 10. Thousands separators are ignored for numbers.
func InferType(values []string) string {
	nonEmpty := make([]string, 0, len(values))
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			nonEmpty = append(nonEmpty, v)
		}
	}
	if len(nonEmpty) == 0 {
		return TypeString
	}

	numeric := head(nonEmpty, 20)
	if all(numeric, isInteger) {
		return TypeInteger
	}
	if all(numeric, isFloat) {
		return TypeFloat
	}

	sample := head(nonEmpty, 10)
	for _, p := range datetimePatterns {
		if all(sample, p.MatchString) {
			return TypeDatetime
		}
	}
	for _, p := range datePatterns {
		if all(sample, p.MatchString) {
			return TypeDate
		}
	}
	return TypeString
}

func isInteger(v string) bool {
	_, err := strconv.ParseInt(strings.TrimSpace(strings.ReplaceAll(v, ",", "")), 10, 64)
	return err == nil
}

func isFloat(v string) bool {
	_, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(v, ",", "")), 64)
	return err == nil
}

func head(values []string, n int) []string {
	if len(values) > n {
		return values[:n]
	}
	return values
}

func all(values []string, pred func(string) bool) bool {
	for _, v := range values {
		if !pred(v) {
			return false
		}
	}
	return true
}
