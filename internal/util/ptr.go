package util

func StringPtr(v string) *string { return &v }
func FloatPtr(v float64) *float64 { return &v }

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

func Deref[T any](v *T) T {
	if v == nil {
		var zero T
		return zero
	}
	return *v
}

// NilIfEmpty returns nil for blank strings.
func NilIfEmpty(v string) *string {
	for _, r := range v {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return &v
		}
	}
	return nil
}
