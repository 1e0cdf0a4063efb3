package credentials

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/genomic-medicine-sweden/gms-uploader/internal/fileutils"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// document is the on disk layout of a profile, shared by every supported format.
type document struct {
	Protocol    string `toml:"protocol" yaml:"protocol" json:"protocol" ini:"protocol"`
	TargetLabel string `toml:"target_label" yaml:"target_label" json:"target_label" ini:"target_label"`

	Endpoint        string `toml:"endpoint" yaml:"endpoint" json:"endpoint" ini:"endpoint"`
	AccessKeyID     string `toml:"aws_access_key_id" yaml:"aws_access_key_id" json:"aws_access_key_id" ini:"aws_access_key_id"`
	SecretAccessKey string `toml:"aws_secret_access_key" yaml:"aws_secret_access_key" json:"aws_secret_access_key" ini:"aws_secret_access_key"`
	Bucket          string `toml:"bucket" yaml:"bucket" json:"bucket" ini:"bucket"`
	Region          string `toml:"region" yaml:"region" json:"region" ini:"region"`

	TargetHost string `toml:"target_host" yaml:"target_host" json:"target_host" ini:"target_host"`
	BasePath   string `toml:"base_path" yaml:"base_path" json:"base_path" ini:"base_path"`
	User       string `toml:"usr" yaml:"usr" json:"usr" ini:"usr"`
	Password   string `toml:"psw" yaml:"psw" json:"psw" ini:"psw"`
	Port       int    `toml:"port" yaml:"port" json:"port" ini:"port"`
	KnownHosts string `toml:"known_hosts" yaml:"known_hosts" json:"known_hosts" ini:"known_hosts"`
}

// isProfileDocument reports whether name has the extension of a supported document format.
func isProfileDocument(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".toml", ".yaml", ".yml", ".json", ".ini":
		return true
	default:
		return false
	}
}

// readProfile decodes the document at path according to its extension and validates it.
func readProfile(path string) (Profile, error) {
	d, err := readDocument(path)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: %v", ErrInvalidProfile, err)
	}
	return d.toProfile()
}

func readDocument(path string) (d document, err error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err = toml.DecodeFile(path, &d)
		return d, err
	case ".ini":
		cfg, err := ini.Load(path)
		if err != nil {
			return d, err
		}
		return d, cfg.Section(ini.DefaultSection).MapTo(&d)
	}

	f, err := os.Open(path)
	if err != nil {
		return d, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.NewDecoder(f).Decode(&d)
		if errors.Is(err, io.EOF) {
			err = errors.New("empty document")
		}
	case ".json":
		err = fileutils.ParseJSON(f, &d)
	default:
		err = fmt.Errorf("unsupported document format %q", filepath.Ext(path))
	}
	return d, err
}
