// Package config loads kindle-mtp settings from defaults, an optional HCL
// file and KINDLE_MTP_* environment variables. Flags are applied on top by
// the command layer.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/kindlemtp/kindle-mtp/internal/device"
)

const envPrefix = "KINDLE_MTP_"

// Config holds all settings.
type Config struct {
	// Device
	VendorID string
	Device   string // USB location selector, "BUS:DEVNUM"
	LockFile string

	// Logging
	LogLevel  string
	LogFormat string

	// Metrics textfile output, empty to disable
	MetricsFile string

	// Pull
	Checksum bool

	// S3 pull destination
	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3PathStyle bool

	// Path of the file that was loaded, if any
	Source string
}

type hclFile struct {
	VendorID    *string `hcl:"vendor_id,optional"`
	Device      *string `hcl:"device,optional"`
	LockFile    *string `hcl:"lock_file,optional"`
	LogLevel    *string `hcl:"log_level,optional"`
	LogFormat   *string `hcl:"log_format,optional"`
	MetricsFile *string `hcl:"metrics_file,optional"`
	Checksum    *bool   `hcl:"checksum,optional"`
	S3          *hclS3  `hcl:"s3,block"`
}

type hclS3 struct {
	Endpoint  *string `hcl:"endpoint,optional"`
	Region    *string `hcl:"region,optional"`
	AccessKey *string `hcl:"access_key,optional"`
	SecretKey *string `hcl:"secret_key,optional"`
	PathStyle *bool   `hcl:"path_style,optional"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		VendorID:  fmt.Sprintf("0x%04x", device.AmazonVendorID),
		LogLevel:  "warn",
		LogFormat: "console",
		S3Region:  "us-east-1",
	}
}

// DefaultPath returns the config file location: $KINDLE_MTP_CONFIG, else
// $XDG_CONFIG_HOME/kindle-mtp/config.hcl, else ~/.config/kindle-mtp/config.hcl.
func DefaultPath() string {
	if p := os.Getenv(envPrefix + "CONFIG"); p != "" {
		return p
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "kindle-mtp", "config.hcl")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "kindle-mtp", "config.hcl")
}

// Load builds the configuration. path names the HCL file; when empty the
// default location is used and a missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		err := cfg.loadFile(path)
		switch {
		case err == nil:
			cfg.Source = path
		case errors.Is(err, fs.ErrNotExist) && !explicit:
		default:
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envContext exposes the process environment as env.NAME inside the file.
func envContext() *hcl.EvalContext {
	vars := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !hclsyntax.ValidIdentifier(k) {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	env := cty.EmptyObjectVal
	if len(vars) > 0 {
		env = cty.ObjectVal(vars)
	}
	return &hcl.EvalContext{Variables: map[string]cty.Value{"env": env}}
}

func (c *Config) loadFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse config %s: %w", path, diags)
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, envContext(), &parsed); diags.HasErrors() {
		return fmt.Errorf("failed to decode config %s: %w", path, diags)
	}

	setStr(&c.VendorID, parsed.VendorID)
	setStr(&c.Device, parsed.Device)
	setStr(&c.LockFile, parsed.LockFile)
	setStr(&c.LogLevel, parsed.LogLevel)
	setStr(&c.LogFormat, parsed.LogFormat)
	setStr(&c.MetricsFile, parsed.MetricsFile)
	if parsed.Checksum != nil {
		c.Checksum = *parsed.Checksum
	}
	if s3 := parsed.S3; s3 != nil {
		setStr(&c.S3Endpoint, s3.Endpoint)
		setStr(&c.S3Region, s3.Region)
		setStr(&c.S3AccessKey, s3.AccessKey)
		setStr(&c.S3SecretKey, s3.SecretKey)
		if s3.PathStyle != nil {
			c.S3PathStyle = *s3.PathStyle
		}
	}
	return nil
}

func setStr(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func (c *Config) applyEnv() {
	c.VendorID = envOr("VENDOR_ID", c.VendorID)
	c.Device = envOr("DEVICE", c.Device)
	c.LockFile = envOr("LOCK_FILE", c.LockFile)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)
	c.MetricsFile = envOr("METRICS_FILE", c.MetricsFile)
	c.Checksum = envBool("CHECKSUM", c.Checksum)
	c.S3Endpoint = envOr("S3_ENDPOINT", c.S3Endpoint)
	c.S3Region = envOr("S3_REGION", c.S3Region)
	c.S3AccessKey = envOr("S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = envOr("S3_SECRET_KEY", c.S3SecretKey)
	c.S3PathStyle = envBool("S3_PATH_STYLE", c.S3PathStyle)
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if _, err := device.ParseAllowList(c.VendorID); err != nil {
		return fmt.Errorf("vendor_id: %w", err)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log_format must be console or json, got %q", c.LogFormat)
	}
	if c.Device != "" {
		sel, err := normalizeSelector(c.Device)
		if err != nil {
			return err
		}
		c.Device = sel
	}
	return nil
}

// normalizeSelector rewrites "BUS:DEVNUM" in the form RawDevice.Location
// produces, so "001:004" selects "1:4".
func normalizeSelector(s string) (string, error) {
	bus, dev, ok := strings.Cut(s, ":")
	if !ok {
		return "", fmt.Errorf("device selector must be BUS:DEVNUM, got %q", s)
	}
	b, err := strconv.ParseUint(bus, 10, 32)
	if err != nil {
		return "", fmt.Errorf("device selector must be BUS:DEVNUM, got %q", s)
	}
	d, err := strconv.ParseUint(dev, 10, 8)
	if err != nil {
		return "", fmt.Errorf("device selector must be BUS:DEVNUM with DEVNUM at most 255, got %q", s)
	}
	return fmt.Sprintf("%d:%d", b, d), nil
}

// AllowList returns the parsed vendor policy. Call after Validate.
func (c *Config) AllowList() device.AllowList {
	a, err := device.ParseAllowList(c.VendorID)
	if err != nil {
		return device.DefaultAllowList()
	}
	return a
}

func envOr(key, fallback string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
