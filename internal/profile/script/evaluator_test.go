package script

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/dbmatrix/internal/logging"
	"github.com/cochaviz/dbmatrix/internal/profile"
)

func writeScript(t *testing.T, dir, body string) profile.ScriptFile {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, profile.ScriptFileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return profile.ScriptFile{Path: path, ProfileName: filepath.Base(dir), Directory: dir}
}

func TestEvaluateDeclarations(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "h2")
	file := writeScript(t, dir, `
property("hibernate.dialect", "H2Dialect")
properties({
  "hibernate.connection.url": "jdbc:h2:mem:" + profile.name,
  "hibernate.connection.pool_size": 5,
  "hibernate.show_sql": false,
})
property("ratio", 1.5)
property("user", env("DB_USER") || "sa")
jdbcDependency("com.h2database:h2:2.2.224")
dependencyFile("jdbc/extra.jar")
`)

	eval := New(WithLookupEnv(func(key string) (string, bool) {
		if key == "DB_USER" {
			return "tester", true
		}
		return "", false
	}))
	result, err := eval.Evaluate(file)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"hibernate.dialect",
		"hibernate.connection.url",
		"hibernate.connection.pool_size",
		"hibernate.show_sql",
		"ratio",
		"user",
	}, result.Properties.Keys())
	assert.Equal(t, map[string]string{
		"hibernate.dialect":              "H2Dialect",
		"hibernate.connection.url":       "jdbc:h2:mem:h2",
		"hibernate.connection.pool_size": "5",
		"hibernate.show_sql":             "false",
		"ratio":                          "1.5",
		"user":                           "tester",
	}, result.Properties.Map())

	require.NotNil(t, result.Dependency)
	assert.Equal(t, []string{"com.h2database:h2:2.2.224"}, result.Dependency.Coordinates)
	assert.Equal(t, []string{filepath.Join(dir, "jdbc", "extra.jar")}, result.Dependency.Files)
}

func TestEvaluateEmptyScript(t *testing.T) {
	file := writeScript(t, filepath.Join(t.TempDir(), "empty"), "")

	result, err := New().Evaluate(file)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Properties.Len())
	assert.Nil(t, result.Dependency)
}

func TestEvaluateRejectsNonScalarValues(t *testing.T) {
	for name, body := range map[string]string{
		"object":    `property("k", {a: 1})`,
		"array":     `properties({k: [1, 2]})`,
		"undefined": `property("k")`,
		"null":      `property("k", null)`,
	} {
		t.Run(name, func(t *testing.T) {
			file := writeScript(t, filepath.Join(t.TempDir(), "bad"), body)
			_, err := New().Evaluate(file)
			assert.Error(t, err)
		})
	}
}

func TestEvaluateSyntaxError(t *testing.T) {
	file := writeScript(t, filepath.Join(t.TempDir(), "broken"), `property("k", `)
	_, err := New().Evaluate(file)
	assert.ErrorContains(t, err, "compile profile script")
}

func TestEvaluateTimeout(t *testing.T) {
	file := writeScript(t, filepath.Join(t.TempDir(), "spin"), `for (;;) {}`)
	_, err := New(WithTimeout(50 * time.Millisecond)).Evaluate(file)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestScopeUsesEvaluator(t *testing.T) {
	root := t.TempDir()
	writeScript(t, filepath.Join(root, "pg"), `property("hibernate.dialect", "PostgreSQLDialect")`)

	logger := logging.Discard()
	scope := profile.NewScope("root",
		profile.WithLogger(logger),
		profile.WithSearchDirectories(root),
		profile.WithSources(profile.DefaultSources(New(), logger)...),
	)

	set, err := scope.Resolve()
	require.NoError(t, err)
	pg, ok := set.Get("pg")
	require.True(t, ok)
	dialect, _ := pg.Properties.Get("hibernate.dialect")
	assert.Equal(t, "PostgreSQLDialect", dialect)
}
