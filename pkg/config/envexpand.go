package config

import (
	"bytes"
	"os"
	"text/template"
)

// ExpandEnv expands environment variables in YAML overlay content using Go
// templates with {{.VAR_NAME}} syntax. Template syntax is used instead of $
// expansion so literal $ characters in regex patterns and shell snippets
// survive untouched.
//
// Missing variables expand to the empty string; registry validation catches
// required fields left empty. Malformed templates pass the data through
// unchanged so YAML without any template syntax always loads.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	envMap := make(map[string]string)
	for _, env := range os.Environ() {
		if idx := bytes.IndexByte([]byte(env), '='); idx > 0 {
			envMap[env[:idx]] = env[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, envMap); err != nil {
		return data
	}
	return buf.Bytes()
}
