// Package render provides Surface implementations: real browser tabs driven
// over the Chrome DevTools Protocol, and an in-process mock.
package render

import (
	"html"
	"strings"
)

// BuildDocument turns definition source into the HTML document loaded into a
// surface. Sources that already are HTML documents are used verbatim;
// anything else is treated as script and mounted under #root. preamble is
// inserted into <head> (e.g. a transpiler or UI library script tag).
func BuildDocument(name, source, preamble string) string {
	trimmed := strings.TrimSpace(source)
	lower := strings.ToLower(trimmed)
	if strings.HasPrefix(lower, "<!doctype") || strings.HasPrefix(lower, "<html") {
		return source
	}

	attrs := `type="text/javascript"`
	if strings.Contains(preamble, "babel") {
		attrs = `type="text/babel"`
		if strings.Contains(preamble, tsxPreset) {
			attrs += ` data-presets="` + tsxPreset + `"`
		}
	}

	var b strings.Builder
	b.WriteString("<!doctype html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>")
	b.WriteString(html.EscapeString(name))
	b.WriteString("</title>\n")
	if preamble != "" {
		b.WriteString(preamble)
		b.WriteString("\n")
	}
	b.WriteString("</head>\n<body>\n<div id=\"root\"></div>\n<script ")
	b.WriteString(attrs)
	b.WriteString(">\n")
	// A literal </script> inside the source would end the element early.
	b.WriteString(strings.ReplaceAll(source, "</script", `<\/script`))
	b.WriteString("\n</script>\n</body>\n</html>\n")
	return b.String()
}

// wrapForJSON makes script always resolve to a JSON string, or the string
// "undefined" when it yields nothing serialisable. Promises are awaited.
func wrapForJSON(script string) string {
	return "(async () => { const __v = await (" + script + "); " +
		"if (__v === undefined) return \"undefined\"; " +
		"const __s = JSON.stringify(__v); " +
		"return __s === undefined ? \"undefined\" : __s; })()"
}
