package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildDocumentWrapsScript(t *testing.T) {
	doc := BuildDocument("gauge<1>", "function getState(){ return '</script>' }", "")
	assert.Contains(t, doc, "<title>gauge&lt;1&gt;</title>")
	assert.Contains(t, doc, `<script type="text/javascript">`)
	assert.Contains(t, doc, `<\/script>`)
	assert.Equal(t, 1, strings.Count(doc, "</script>"))
}

func TestBuildDocumentBabelPreamble(t *testing.T) {
	pre := `<script src="https://unpkg.com/@babel/standalone/babel.min.js"></script>`
	doc := BuildDocument("gauge", "const x = <div/>", pre)
	assert.Contains(t, doc, pre)
	assert.Contains(t, doc, `<script type="text/babel">`)
}

func TestBuildDocumentTSXPreamble(t *testing.T) {
	doc := BuildDocument("gauge", "import React from 'react'\nconst x = <div/>", TSXPreamble)
	assert.Contains(t, doc, `<script type="text/babel" data-presets="surface-tsx">`)
	assert.Contains(t, doc, `Babel.registerPreset("surface-tsx"`)
}

func TestPreambleFor(t *testing.T) {
	tests := []struct {
		name, configured, ext, want string
	}{
		{"tsx default", "", ".tsx", TSXPreamble},
		{"jsx default", "", "jsx", TSXPreamble},
		{"plain js", "", ".js", ""},
		{"explicit wins", "<script src=x></script>", ".tsx", "<script src=x></script>"},
		{"disabled", "none", ".tsx", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PreambleFor(tt.configured, tt.ext))
		})
	}
}

func TestBuildDocumentPassesHTMLThrough(t *testing.T) {
	src := "<!DOCTYPE html><html><body></body></html>"
	assert.Equal(t, src, BuildDocument("x", src, ""))
}

func TestWrapForJSON(t *testing.T) {
	w := wrapForJSON("getState()")
	assert.True(t, strings.HasPrefix(w, "(async () =>"))
	assert.Contains(t, w, "await (getState())")
}
