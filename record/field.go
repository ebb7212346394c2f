package record

// Constraints are the optional properties of a Field.
type Constraints struct {
	// Min and Max are the numeric bounds of int, ts and ip fields, the unix
	// time bounds of dt fields, and the length bounds (in characters) of
	// string-family fields. Nil means unbounded.
	Min *int64
	Max *int64

	// MinExpr and MaxExpr give the bounds of ts and dt fields as date
	// expressions such as "now", "-18 years" or "2000-01-01". They are resolved
	// to unix times once, when the schema is defined, and take precedence over
	// Min and Max.
	MinExpr string
	MaxExpr string

	// Default is the value applied when a Record is created with defaults.
	Default any

	// Strict causes out-of-bounds or mistyped values to be rejected instead of
	// clamped or coerced.
	Strict bool

	// Guard marks a field as system-managed, such as ids and audit timestamps.
	Guard bool

	// Required marks a column as NOT NULL without a usable server-side
	// default. Upserts refuse to run if a required field has no value.
	Required bool

	// Values lists the allowed values of an enum field.
	Values []string

	// DDL overrides the derived column definition.
	DDL string
}

// Field describes one column of a Schema.
type Field struct {
	Name string
	Kind Kind
	Constraints

	// bounds after date expressions have been resolved.
	min *int64
	max *int64
}

// Bound returns a pointer to n, for use in Constraints.Min and
// Constraints.Max.
func Bound(n int64) *int64 {
	return &n
}

// Bounds returns the resolved minimum and maximum of the field. Either may be
// nil.
func (f Field) Bounds() (min, max *int64) {
	return f.min, f.max
}

// Unsigned returns whether the field's minimum is non-negative.
func (f Field) Unsigned() bool {
	return f.min != nil && *f.min >= 0
}

// DefaultValue returns the default of the field in its in-memory form, or nil
// if the field has no default. Date expressions are resolved against the
// current time.
func (f Field) DefaultValue() (any, error) {
	if f.Default == nil {
		return nil, nil
	}
	return normalize(f, f.Default, false, false)
}
