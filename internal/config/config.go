// Package config resolves the tool's options. Sources, lowest to highest
// precedence: defaults, a YAML file, a .env file, the process environment
// (CODEARCHIVE_ prefix) and command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	units "github.com/docker/go-units"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"codearchive/internal/archive"
	"codearchive/internal/core"
	"codearchive/internal/logging"
	"codearchive/internal/selector"
)

// EnvPrefix namespaces environment overrides: -max-versions is read from
// CODEARCHIVE_MAX_VERSIONS.
const EnvPrefix = "CODEARCHIVE_"

// Modes accepted by -mode.
const (
	ModeSave    = "save"
	ModeRestore = "restore"
	ModeMerge   = "merge"
	ModePrint   = "print"
)

// Config holds every option. Zero values are not meaningful; start from
// Default.
type Config struct {
	Mode    string `yaml:"mode"`
	Archive string `yaml:"archive"`
	Inputs  List   `yaml:"inputs"`
	World   string `yaml:"world"`
	Method  string `yaml:"method"`
	Against string `yaml:"against"`

	InputDir  string `yaml:"input_dir"`
	Recursive bool   `yaml:"recursive"`
	InputList string `yaml:"input_list"`

	Classpath        string `yaml:"classpath"`
	WildcardOverride string `yaml:"wildcard_override"`
	DirectoryCheck   bool   `yaml:"directory_check"`

	Log     string `yaml:"log"`
	NoColor bool   `yaml:"no_color"`
	Stats   bool   `yaml:"stats"`

	Policy             string  `yaml:"policy"`
	MaxArchiveSize     Size    `yaml:"max_archive_size"`
	MaxMergeSize       Size    `yaml:"max_merge_size"`
	SaveProbability    Percent `yaml:"save_probability"`
	MinCoverage        float64 `yaml:"min_coverage"`
	MaxVersions        int     `yaml:"max_versions"`
	DisableConstantOpt bool    `yaml:"disable_constant_opt"`
	FailHard           bool    `yaml:"fail_hard"`
	SkipValidation     bool    `yaml:"skip_validation"`
	Preserve           bool    `yaml:"preserve"`
	Compression        string  `yaml:"compression"`

	ConfigFile string `yaml:"-"`
	EnvFile    string `yaml:"-"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		DirectoryCheck:  true,
		Policy:          "first",
		SaveProbability: 100,
		MaxVersions:     4,
		Compression:     "none",
		EnvFile:         ".env",
	}
}

// Bind registers one flag per option on fs, writing into c.
func Bind(fs *flag.FlagSet, c *Config) {
	fs.StringVar(&c.Mode, "mode", c.Mode, "save, restore, merge or print")
	fs.StringVar(&c.Archive, "archive", c.Archive, "archive file to write (save, merge) or read (restore, print)")
	fs.Var(&c.Inputs, "inputs", "comma-separated merge input archives")
	fs.StringVar(&c.World, "world", c.World, "world file describing the process (save, restore)")
	fs.StringVar(&c.Method, "method", c.Method, "restore or print only this method (Holder.name(desc))")
	fs.StringVar(&c.Against, "against", c.Against, "print: second archive to compare with")

	fs.StringVar(&c.InputDir, "input-dir", c.InputDir, "merge: directory to collect *.csa inputs from")
	fs.BoolVar(&c.Recursive, "recursive", c.Recursive, "merge: descend into subdirectories of -input-dir")
	fs.StringVar(&c.InputList, "input-list", c.InputList, "merge: file listing one input per line")

	fs.StringVar(&c.Classpath, "classpath", c.Classpath, "process classpath; overrides the world file")
	fs.StringVar(&c.WildcardOverride, "wildcard-override", c.WildcardOverride, "wildcard directory whose entries compare by jar name and content only")
	fs.BoolVar(&c.DirectoryCheck, "directory-check", c.DirectoryCheck, "merge: reject inputs with directory classpath entries")

	fs.StringVar(&c.Log, "log", c.Log, "log selector: all, or cat[=level],... over "+strings.Join(logging.Categories(), ","))
	fs.BoolVar(&c.NoColor, "no-color", c.NoColor, "disable colored log output")
	fs.BoolVar(&c.Stats, "stats", c.Stats, "print counters on exit")

	fs.StringVar(&c.Policy, "policy", c.Policy, "version selection: first, random or appoint=N")
	fs.Var(&c.MaxArchiveSize, "max-archive-size", "save: leave out later versions once the archive would exceed this (e.g. 64M)")
	fs.Var(&c.MaxMergeSize, "max-merge-size", "merge: stop admitting containers past this size")
	fs.Var(&c.SaveProbability, "save-probability", "save: percent chance of writing the archive (1..100)")
	fs.Float64Var(&c.MinCoverage, "min-coverage", c.MinCoverage, "merge: fraction of inputs a method must appear in (0..1)")
	fs.IntVar(&c.MaxVersions, "max-versions", c.MaxVersions, "merge: versions kept per method")
	fs.BoolVar(&c.DisableConstantOpt, "disable-constant-opt", c.DisableConstantOpt, "save: drop constant-folding records so restores ignore constant values")
	fs.BoolVar(&c.FailHard, "fail-hard", c.FailHard, "turn per-method and archive failures into a non-zero exit")
	fs.BoolVar(&c.SkipValidation, "skip-validation", c.SkipValidation, "restore: skip opt record validation")
	fs.BoolVar(&c.Preserve, "preserve", c.Preserve, "keep the previous archive as <archive>.old")
	fs.StringVar(&c.Compression, "compression", c.Compression, "container codec: none, lz4 or xz")

	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "YAML config file")
	fs.StringVar(&c.EnvFile, "env-file", c.EnvFile, "dotenv file with "+EnvPrefix+"* overrides")
}

// EnvName is the environment variable that overrides flag name.
func EnvName(name string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// Load resolves the configuration for args (without the program name).
// Positional arguments are appended to Inputs.
func Load(args []string, stderr io.Writer) (*Config, error) {
	cli := Default()
	set := flag.NewFlagSet("codearchive", flag.ContinueOnError)
	set.SetOutput(stderr)
	Bind(set, &cli)
	if err := set.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, err
		}
		return nil, core.NewConfigurationError("bad command line", err)
	}

	cfg := Default()
	if cli.ConfigFile != "" {
		if err := readFile(cli.ConfigFile, &cfg); err != nil {
			return nil, err
		}
	}
	env, err := environ(cli.EnvFile)
	if err != nil {
		return nil, err
	}

	final := flag.NewFlagSet("codearchive", flag.ContinueOnError)
	final.SetOutput(io.Discard)
	Bind(final, &cfg)
	var problems []string
	final.VisitAll(func(f *flag.Flag) {
		if f.Name == "config" || f.Name == "env-file" {
			return
		}
		if v, ok := env[EnvName(f.Name)]; ok {
			if err := final.Set(f.Name, v); err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", EnvName(f.Name), err))
			}
		}
	})
	set.Visit(func(f *flag.Flag) {
		if err := final.Set(f.Name, f.Value.String()); err != nil {
			problems = append(problems, fmt.Sprintf("-%s: %v", f.Name, err))
		}
	})
	if len(problems) > 0 {
		return nil, core.NewConfigurationError(strings.Join(problems, "; "), nil)
	}
	cfg.Inputs = append(cfg.Inputs, set.Args()...)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readFile(path string, c *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return core.NewConfigurationError("cannot open config file", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return core.NewConfigurationError("bad config file "+path, err)
	}
	return nil
}

// environ merges the dotenv file under the process environment; variables
// already set in the process win, as with godotenv.Load.
func environ(envFile string) (map[string]string, error) {
	vars := map[string]string{}
	if envFile != "" {
		file, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			vars = file
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, core.NewConfigurationError("bad env file "+envFile, err)
		}
	}
	for _, kv := range os.Environ() {
		k, v, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(k, EnvPrefix) {
			vars[k] = v
		}
	}
	return vars, nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch c.Mode {
	case ModeSave, ModeRestore:
		if c.World == "" {
			add("mode %s needs -world", c.Mode)
		}
		if c.Archive == "" {
			add("mode %s needs -archive", c.Mode)
		}
	case ModeMerge:
		if c.Archive == "" {
			add("mode merge needs -archive for the output")
		}
		if len(c.Inputs) == 0 && c.InputDir == "" && c.InputList == "" {
			add("mode merge needs inputs, -input-dir or -input-list")
		}
	case ModePrint:
		if c.Archive == "" {
			add("mode print needs -archive")
		}
	case "":
		add("no mode selected")
	default:
		add("unknown mode %q", c.Mode)
	}

	if _, err := logging.ParseSelector(c.Log); err != nil {
		add("log: %v", err)
	}
	if _, err := selector.Parse(c.Policy); err != nil {
		add("policy: %v", err)
	}
	if _, err := archive.ParseCodec(c.Compression); err != nil {
		add("compression: %v", err)
	}
	if c.SaveProbability < 1 || c.SaveProbability > 100 {
		add("save_probability %d is outside 1..100", int(c.SaveProbability))
	}
	if c.MinCoverage < 0 || c.MinCoverage > 1 {
		add("min_coverage %g is outside 0..1", c.MinCoverage)
	}
	if c.MaxVersions < 1 {
		add("max_versions must be at least 1, got %d", c.MaxVersions)
	}
	if c.MaxArchiveSize < 0 || c.MaxMergeSize < 0 {
		add("size caps cannot be negative")
	}

	if len(problems) > 0 {
		return core.NewConfigurationError(strings.Join(problems, "; "), nil)
	}
	return nil
}

// Size is a byte count written the human way ("64M", "1.5GiB").
type Size int64

func (s Size) String() string { return strconv.FormatInt(int64(s), 10) }

// Human renders s for log output.
func (s Size) Human() string { return units.BytesSize(float64(s)) }

func (s *Size) Set(v string) error {
	n, err := units.RAMInBytes(strings.TrimSpace(v))
	if err != nil {
		return err
	}
	*s = Size(n)
	return nil
}

func (s *Size) UnmarshalYAML(n *yaml.Node) error {
	return s.Set(n.Value)
}

// Percent is an integer percentage; anything outside 1..100 is rejected
// when parsed.
type Percent int

func (p Percent) String() string { return strconv.Itoa(int(p)) }

func (p *Percent) Set(v string) error {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("%q is not a number", v)
	}
	if n < 1 || n > 100 {
		return fmt.Errorf("%d is outside 1..100", n)
	}
	*p = Percent(n)
	return nil
}

func (p *Percent) UnmarshalYAML(n *yaml.Node) error {
	return p.Set(n.Value)
}

// List is a comma-separated string list. Set replaces the whole list.
type List []string

func (l List) String() string { return strings.Join(l, ",") }

func (l *List) Set(v string) error {
	*l = nil
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			*l = append(*l, item)
		}
	}
	return nil
}
