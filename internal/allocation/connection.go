package allocation

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"text/template"
)

// Property keys and environment variables an allocation publishes to its node.
const (
	PropertyURL      = "hibernate.connection.url"
	PropertyUsername = "hibernate.connection.username"
	PropertyPassword = "hibernate.connection.password"

	EnvDSN = "DBMATRIX_DSN"
	EnvURL = "DBMATRIX_JDBC_URL"
)

// Connection describes how a node reaches its database.
type Connection struct {
	URL      string            `yaml:"url"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	DSN      string            `yaml:"dsn"`
	Extra    map[string]string `yaml:"properties"`
}

// Apply injects the connection into rc. Empty fields are skipped.
func (c Connection) Apply(rc *RunContext) {
	if rc == nil {
		return
	}
	set := func(key, value string) {
		if value != "" {
			rc.SetProperty(key, value)
		}
	}
	set(PropertyURL, c.URL)
	set(PropertyUsername, c.Username)
	set(PropertyPassword, c.Password)
	for _, key := range slices.Sorted(maps.Keys(c.Extra)) {
		set(key, c.Extra[key])
	}
	if c.DSN != "" {
		rc.SetEnv(EnvDSN, c.DSN)
	}
	if c.URL != "" {
		rc.SetEnv(EnvURL, c.URL)
	}
}

// Endpoint is what a connection template can refer to.
type Endpoint struct {
	Host    string
	Port    int
	Profile string
}

// Render expands every field of c as a text/template over endpoint, e.g.
// "jdbc:postgresql://{{.Host}}:{{.Port}}/test".
func (c Connection) Render(endpoint Endpoint) (Connection, error) {
	out := Connection{Extra: make(map[string]string, len(c.Extra))}
	fields := []struct {
		name string
		src  string
		dst  *string
	}{
		{"url", c.URL, &out.URL},
		{"username", c.Username, &out.Username},
		{"password", c.Password, &out.Password},
		{"dsn", c.DSN, &out.DSN},
	}
	for _, f := range fields {
		value, err := renderField(f.name, f.src, endpoint)
		if err != nil {
			return Connection{}, err
		}
		*f.dst = value
	}
	for key, src := range c.Extra {
		value, err := renderField(key, src, endpoint)
		if err != nil {
			return Connection{}, err
		}
		out.Extra[key] = value
	}
	return out, nil
}

func renderField(name, src string, endpoint Endpoint) (string, error) {
	if src == "" {
		return "", nil
	}
	tmpl, err := template.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", name, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, endpoint); err != nil {
		return "", fmt.Errorf("render %s template: %w", name, err)
	}
	return buf.String(), nil
}
