package config

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codearchive/internal/core"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load([]string{"-mode", "print", "-archive", "a.csa", "-env-file", noEnvFile(t)}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, ModePrint, cfg.Mode)
	assert.Equal(t, "first", cfg.Policy)
	assert.Equal(t, Percent(100), cfg.SaveProbability)
	assert.Equal(t, 4, cfg.MaxVersions)
	assert.True(t, cfg.DirectoryCheck)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	cfgFile := writeFile(t, dir, "codearchive.yaml", `
mode: merge
archive: out.csa
inputs: [a.csa, b.csa]
max_versions: 2
max_merge_size: 64M
min_coverage: 0.5
policy: random
`)
	envFile := writeFile(t, dir, ".env", "CODEARCHIVE_MAX_VERSIONS=3\nCODEARCHIVE_POLICY=appoint=1\n")
	t.Setenv("CODEARCHIVE_POLICY", "first")

	cfg, err := Load([]string{"-config", cfgFile, "-env-file", envFile, "-min-coverage", "0.75", "c.csa"}, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, ModeMerge, cfg.Mode)
	assert.Equal(t, 3, cfg.MaxVersions, ".env beats the file")
	assert.Equal(t, "first", cfg.Policy, "process environment beats .env")
	assert.Equal(t, 0.75, cfg.MinCoverage, "flags beat everything")
	assert.Equal(t, Size(64*1024*1024), cfg.MaxMergeSize)
	assert.Equal(t, List{"a.csa", "b.csa", "c.csa"}, cfg.Inputs)
}

func TestSaveProbabilityRejectedAtParse(t *testing.T) {
	for _, v := range []string{"0", "101", "often"} {
		t.Run(v, func(t *testing.T) {
			_, err := Load([]string{"-mode", "print", "-archive", "a", "-save-probability", v, "-env-file", noEnvFile(t)}, io.Discard)
			require.Error(t, err)
			assert.True(t, core.IsType(err, core.ErrorTypeConfiguration))
		})
	}

	dir := t.TempDir()
	file := writeFile(t, dir, "c.yaml", "save_probability: 0\n")
	_, err := Load([]string{"-config", file, "-env-file", noEnvFile(t)}, io.Discard)
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrorTypeConfiguration))

	t.Setenv("CODEARCHIVE_SAVE_PROBABILITY", "250")
	_, err = Load([]string{"-mode", "print", "-archive", "a", "-env-file", noEnvFile(t)}, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CODEARCHIVE_SAVE_PROBABILITY")
}

func TestUnknownConfigKey(t *testing.T) {
	file := writeFile(t, t.TempDir(), "c.yaml", "mode: print\narchve: typo.csa\n")
	_, err := Load([]string{"-config", file, "-env-file", noEnvFile(t)}, io.Discard)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archve")
}

func TestValidateAggregates(t *testing.T) {
	c := Default()
	c.Mode = "merge"
	c.Log = "restore,bogus"
	c.Policy = "appoint=x"
	c.Compression = "zip"
	c.MinCoverage = 1.5
	c.MaxVersions = 0

	err := c.Validate()
	require.Error(t, err)
	assert.True(t, core.IsType(err, core.ErrorTypeConfiguration))
	for _, want := range []string{"needs -archive", "needs inputs", "log:", "policy:", "compression:", "min_coverage", "max_versions"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestValidateModes(t *testing.T) {
	c := Default()
	assert.ErrorContains(t, c.Validate(), "no mode selected")
	c.Mode = "compile"
	assert.ErrorContains(t, c.Validate(), `unknown mode "compile"`)
	c.Mode = ModeRestore
	c.Archive = "a.csa"
	assert.ErrorContains(t, c.Validate(), "needs -world")
	c.World = "w.yaml"
	assert.NoError(t, c.Validate())
}

func TestSizeParsing(t *testing.T) {
	var s Size
	require.NoError(t, s.Set("1.5G"))
	assert.Equal(t, Size(1536*1024*1024), s)
	assert.Equal(t, "1.5GiB", s.Human())
	require.NoError(t, s.Set(s.String()))
	assert.Equal(t, Size(1536*1024*1024), s)
	assert.Error(t, s.Set("lots"))
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "CODEARCHIVE_MAX_ARCHIVE_SIZE", EnvName("max-archive-size"))
}

func TestFlagUsageDescribesBehaviour(t *testing.T) {
	set := flag.NewFlagSet("codearchive", flag.ContinueOnError)
	c := Default()
	Bind(set, &c)
	for name, want := range map[string]string{
		"disable-constant-opt": "drop constant-folding records",
		"max-archive-size":     "leave out later versions",
		"wildcard-override":    "wildcard directory",
	} {
		f := set.Lookup(name)
		require.NotNil(t, f, name)
		assert.Contains(t, f.Usage, want, name)
	}
}
