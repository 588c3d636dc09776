package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"

	"github.com/Opentrons/opentrons-python-packages/internal/domain-adapters/gateways"
	"github.com/Opentrons/opentrons-python-packages/internal/domain/entities"
)

// DefaultConfigFile is read from the working directory when --config is not given
const DefaultConfigFile = "pybuilder.toml"

// Config holds the settings shared by all subcommands
type Config struct {
	PackagesDir string
	WorkDir     string
	DistDir     string
	SDKPath     string
	PlatformTag string
	Python      string
	Jobs        int
	Verbose     bool
	LogLevel    string
	Discovery   string
	GitHubHost  string
}

// pybuilder.toml key mapping to Config
type fileConfig struct {
	PackagesDir string `toml:"packages_dir"`
	WorkDir     string `toml:"work_dir"`
	DistDir     string `toml:"dist_dir"`
	SDKPath     string `toml:"sdk_path"`
	PlatformTag string `toml:"platform_tag"`
	Python      string `toml:"python"`
	Jobs        int    `toml:"jobs"`
	Verbose     bool   `toml:"verbose"`
	LogLevel    string `toml:"log_level"`
	Discovery   string `toml:"discovery"`
	GitHubHost  string `toml:"github_host"`
}

// DefaultConfig returns the settings used when neither file nor flags say otherwise
func DefaultConfig() Config {
	return Config{
		PackagesDir: "packages",
		WorkDir:     "work",
		DistDir:     "dist",
		SDKPath:     "/sdk",
		Python:      entities.DefaultPython,
		Jobs:        1,
		LogLevel:    "info",
		Discovery:   gateways.DefaultDiscovery,
		GitHubHost:  entities.DefaultSourceHost,
	}
}

// loadConfig overlays the TOML file at path on the defaults. A missing
// file is only an error when required is set.
func loadConfig(path string, required bool) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config %s: unknown key %s", path, undecoded[0])
	}

	if meta.IsDefined("packages_dir") {
		cfg.PackagesDir = strings.TrimSpace(raw.PackagesDir)
	}
	if meta.IsDefined("work_dir") {
		cfg.WorkDir = strings.TrimSpace(raw.WorkDir)
	}
	if meta.IsDefined("dist_dir") {
		cfg.DistDir = strings.TrimSpace(raw.DistDir)
	}
	if meta.IsDefined("sdk_path") {
		cfg.SDKPath = strings.TrimSpace(raw.SDKPath)
	}
	if meta.IsDefined("platform_tag") {
		cfg.PlatformTag = strings.TrimSpace(raw.PlatformTag)
	}
	if meta.IsDefined("python") {
		cfg.Python = strings.TrimSpace(raw.Python)
	}
	if meta.IsDefined("jobs") {
		cfg.Jobs = raw.Jobs
	}
	if meta.IsDefined("verbose") {
		cfg.Verbose = raw.Verbose
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("discovery") {
		cfg.Discovery = strings.TrimSpace(raw.Discovery)
	}
	if meta.IsDefined("github_host") {
		cfg.GitHubHost = strings.TrimSpace(raw.GitHubHost)
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Jobs < 1 {
		return fmt.Errorf("jobs must be at least 1, got %d", c.Jobs)
	}
	if c.PackagesDir == "" {
		return errors.New("packages_dir must not be empty")
	}
	return nil
}

// configFlags registers the flags that can override Config
type configFlags struct {
	configPath  *string
	packagesDir *string
	workDir     *string
	distDir     *string
	sdkPath     *string
	platformTag *string
	python      *string
	jobs        *int
	verbose     *bool
	logLevel    *string
	discovery   *string
}

func registerConfigFlags(fs *pflag.FlagSet, build bool) *configFlags {
	defaults := DefaultConfig()
	f := &configFlags{
		configPath:  fs.String("config", DefaultConfigFile, "Path to the TOML configuration file"),
		packagesDir: fs.String("packages-dir", defaults.PackagesDir, "Directory holding <name>/<version>/build.yml recipes"),
		logLevel:    fs.String("log-level", defaults.LogLevel, "Log level (debug, info, warn, error)"),
	}
	if build {
		f.workDir = fs.String("work-dir", defaults.WorkDir, "Directory for per-package download, unpack and build trees")
		f.distDir = fs.String("dist-dir", defaults.DistDir, "Directory built distributions are written to")
		f.sdkPath = fs.String("sdk-path", defaults.SDKPath, "Root of the cross-compilation SDK")
		f.platformTag = fs.String("platform-tag", defaults.PlatformTag, "Wheel platform tag, e.g. linux_aarch64")
		f.python = fs.String("python", defaults.Python, "Interpreter command inside the SDK shell")
		f.jobs = fs.IntP("jobs", "j", defaults.Jobs, "Number of packages to build in parallel")
		f.verbose = fs.BoolP("verbose", "v", defaults.Verbose, "Show the output of every build command")
		f.discovery = fs.String("discovery", defaults.Discovery, "Artifact discovery strategy (output, dist, auto)")
	}
	return f
}

// resolve loads the config file and applies every flag the user set
func (f *configFlags) resolve(fs *pflag.FlagSet) (Config, error) {
	cfg, err := loadConfig(*f.configPath, fs.Changed("config"))
	if err != nil {
		return Config{}, err
	}

	overrideString := func(name string, dst *string, val *string) {
		if val != nil && fs.Changed(name) {
			*dst = *val
		}
	}
	overrideString("packages-dir", &cfg.PackagesDir, f.packagesDir)
	overrideString("log-level", &cfg.LogLevel, f.logLevel)
	overrideString("work-dir", &cfg.WorkDir, f.workDir)
	overrideString("dist-dir", &cfg.DistDir, f.distDir)
	overrideString("sdk-path", &cfg.SDKPath, f.sdkPath)
	overrideString("platform-tag", &cfg.PlatformTag, f.platformTag)
	overrideString("python", &cfg.Python, f.python)
	overrideString("discovery", &cfg.Discovery, f.discovery)
	if f.jobs != nil && fs.Changed("jobs") {
		cfg.Jobs = *f.jobs
	}
	if f.verbose != nil && fs.Changed("verbose") {
		cfg.Verbose = *f.verbose
	}

	return cfg, cfg.validate()
}
