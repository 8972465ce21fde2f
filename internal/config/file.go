package config

import (
	"errors"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/m-mizutani/goerr/v2"
	"github.com/pelletier/go-toml/v2"
)

// Environment variables consulted for flag defaults.
const (
	EnvDest      = "DROPBOXDL_DEST"
	EnvUserAgent = "DROPBOXDL_USER_AGENT"
	EnvLogLevel  = "DROPBOXDL_LOG_LEVEL"
	EnvLimitRate = "DROPBOXDL_LIMIT_RATE"
)

// File is the TOML configuration file layout. Unset fields leave the
// corresponding flag untouched.
//
//	dest = "/srv/backups"
//	unzip = true
//	retain_zip = false
//	user_agent = "Wget/1.19.4 (linux-gnu)"
//	retries = 5
//	timeout = "2m"
//	limit_rate = 1048576
//	allow_any_host = false
//	links = ["https://www.dropbox.com/sh/abc/def?dl=0"]
type File struct {
	Dest         *string  `toml:"dest"`
	Unzip        *bool    `toml:"unzip"`
	RetainZip    *bool    `toml:"retain_zip"`
	UserAgent    *string  `toml:"user_agent"`
	Retries      *int     `toml:"retries"`
	Timeout      *string  `toml:"timeout"`
	LimitRate    *int64   `toml:"limit_rate"`
	AllowAnyHost *bool    `toml:"allow_any_host"`
	Links        []string `toml:"links"`
}

// LoadFile reads and decodes a TOML configuration file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read config file", goerr.V("path", path))
	}

	var f File
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, goerr.Wrap(err, "failed to parse config file", goerr.V("path", path))
	}

	if f.Timeout != nil {
		if _, err := time.ParseDuration(*f.Timeout); err != nil {
			return nil, goerr.Wrap(err, "invalid timeout", goerr.V("path", path), goerr.V("timeout", *f.Timeout))
		}
	}

	return &f, nil
}

// TimeoutDuration returns the parsed timeout, if one is set.
func (f *File) TimeoutDuration() (time.Duration, bool) {
	if f.Timeout == nil {
		return 0, false
	}
	d, err := time.ParseDuration(*f.Timeout)
	if err != nil {
		return 0, false
	}
	return d, true
}

// LoadEnv loads variables from a dotenv file into the process environment.
// Variables already set are not overridden. A missing file is not an error.
func LoadEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return goerr.Wrap(err, "failed to load env file", goerr.V("path", path))
	}
	return nil
}

// Getenv returns the value of key, or fallback when it is unset or empty.
func Getenv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}
