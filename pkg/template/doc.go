// Package template renders yam templates and resolves per-environment values.
//
// Placeholders take the form ~{ name } or ~{ name, default }. In YAML files a
// value consisting of a single placeholder is replaced by the raw value, keeping
// its type; a placeholder embedded in a longer string is interpolated as text.
// A whole-value placeholder with neither value nor default removes the key.
//
// A YAML string value of the form include('path/to/file.yaml') is replaced by
// the referenced document. Each file may be included once per render.
package template
