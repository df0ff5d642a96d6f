package webapi

import (
	"fmt"
	"path"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
)

// ModuleGlobal is where a transformed module leaves its exports.
const ModuleGlobal = "__jsi_module__"

// TransformModule turns an ES module (or TypeScript, by file extension)
// into a script that assigns its exports object to globalThis[ModuleGlobal].
// esbuild places a default export under .default; it is left there so
// named and default exports stay distinguishable.
func TransformModule(name, source string) (string, error) {
	loader := api.LoaderJS
	switch strings.ToLower(path.Ext(name)) {
	case ".ts", ".mts", ".cts":
		loader = api.LoaderTS
	case ".tsx":
		loader = api.LoaderTSX
	case ".jsx":
		loader = api.LoaderJSX
	}

	result := api.Transform(source, api.TransformOptions{
		Loader:     loader,
		Format:     api.FormatIIFE,
		GlobalName: "globalThis." + ModuleGlobal,
		Target:     api.ES2020,
		Sourcefile: name,
	})
	if len(result.Errors) > 0 {
		msg := result.Errors[0]
		if msg.Location != nil {
			return "", fmt.Errorf("%s:%d:%d: %s", name, msg.Location.Line, msg.Location.Column, msg.Text)
		}
		return "", fmt.Errorf("%s: %s", name, msg.Text)
	}
	return string(result.Code), nil
}
