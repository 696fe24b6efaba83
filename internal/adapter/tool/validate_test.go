package tool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surfacebroker/internal/domain"
)

func TestValidateSource(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		missing string
	}{
		{"function declarations", "function getState() {}\nfunction setState(s) {}", ""},
		{"arrow functions", "const getState = () => s; const setState = (v) => { s = v }", ""},
		{"window properties", "window.getState = f; window.setState = g", ""},
		{"tsx component", "export function getState(): State { return s }\nexport function setState(n: State) {}", ""},
		{"no setState", "function getState() {}", "missing setState"},
		{"no getState", "function setState() {}", "missing getState"},
		{"markup only", "<div/>", "missing getState, setState"},
		{"partial words", "function getStateX() {} function xsetState() {}", "missing getState, setState"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSource(tt.source)
			if tt.missing == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, domain.ErrValidation)
			assert.Equal(t, domain.CodeValidation, domain.ErrorCodeOf(err))
			assert.Contains(t, err.Error(), "source must define getState() and setState()")
			assert.Regexp(t, tt.missing+"$", err.Error())
		})
	}
}

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{`{"value":3}`, ""},
		{`[1,2]`, ""},
		{`"text"`, ""},
		{`null`, ""},
		{`42`, ""},
		{"", "'payload' is required"},
		{"  \n", "'payload' is required"},
		{`{"value":`, "'payload' is not valid JSON"},
		{`{}{}`, "'payload' is not valid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			err := ValidatePayload(tt.payload)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, domain.ErrValidation)
			assert.EqualError(t, err, domain.ErrValidation.Error()+": "+tt.want)
		})
	}
}
