package render

import "strings"

const tsxPreset = "surface-tsx"

// TSXPreamble lets unbundled .tsx and .jsx definitions run in a surface.
// It loads React, ReactDOM and Babel, registers a TSX preset, and resolves
// imports of react and react-dom to the UMD globals.
const TSXPreamble = `<script crossorigin src="https://unpkg.com/react@18/umd/react.production.min.js"></script>
<script crossorigin src="https://unpkg.com/react-dom@18/umd/react-dom.production.min.js"></script>
<script src="https://unpkg.com/@babel/standalone@7/babel.min.js"></script>
<script>
window.exports = window.exports || {};
window.module = window.module || { exports: window.exports };
window.require = function (id) {
  var mods = { "react": window.React, "react-dom": window.ReactDOM, "react-dom/client": window.ReactDOM };
  if (id in mods) { return mods[id]; }
  throw new Error("module not available in surface: " + id);
};
Babel.registerPreset("` + tsxPreset + `", {
  presets: [
    [Babel.availablePresets["typescript"], { isTSX: true, allExtensions: true }],
    Babel.availablePresets["react"]
  ],
  plugins: [Babel.availablePlugins["transform-modules-commonjs"]]
});
</script>`

// PreambleFor resolves the preamble for a store whose definitions use ext.
// An explicit preamble wins; "none" disables it. Otherwise .tsx and .jsx
// stores get TSXPreamble and everything else runs as plain script.
func PreambleFor(configured, ext string) string {
	switch strings.TrimSpace(configured) {
	case "none":
		return ""
	case "":
	default:
		return configured
	}
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "tsx", "jsx":
		return TSXPreamble
	}
	return ""
}
