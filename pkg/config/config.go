// Package config implements the persistent configuration for memscope.
// The configuration lives in a YAML file under the user's home
// directory and supplies defaults for the session layer; nothing in
// this package is consulted implicitly by the engine itself.
package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".memscope"
	configFile string = "config.yml"
)

// Config defines all configuration options available to be set
// through the config file.
type Config struct {
	// Connector is the default connector used when none is given on
	// the command line.
	Connector string `yaml:"connector"`
	// ConnectorOptions are default backend specific options
	// (e.g. path of a snapshot image).
	ConnectorOptions map[string]string `yaml:"connector-options,omitempty"`
	// Backend is the default OS abstraction ("image", "linux").
	Backend string `yaml:"backend"`

	// ScanChunkSize is the size in bytes of the read window used when
	// streaming over memory regions.
	ScanChunkSize int `yaml:"scan-chunk-size,omitempty"`
	// ScanAlignment is the default alignment of scan candidates.
	ScanAlignment int `yaml:"scan-alignment,omitempty"`
	// MaxMatches limits the number of matches returned by a scan.
	// Zero means no limit.
	MaxMatches int `yaml:"max-matches,omitempty"`

	// Aliases of REPL commands.
	Aliases map[string][]string `yaml:"aliases,omitempty"`
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.\n", err)
		return defaultConfig()
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.\n", err)
		return defaultConfig()
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v\n", err)
			return defaultConfig()
		}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		fmt.Printf("Unable to read config data: %v.\n", err)
		return defaultConfig()
	}

	c := defaultConfig()
	err = yaml.Unmarshal(data, c)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.\n", err)
		return defaultConfig()
	}
	return c
}

// SaveConfig will marshal and save the config struct to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func defaultConfig() *Config {
	return &Config{
		Connector:     "file",
		Backend:       "image",
		ScanChunkSize: 1 << 20,
		ScanAlignment: 1,
	}
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	f.Seek(0, os.SEEK_SET)
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	out, err := yaml.Marshal(*defaultConfig())
	if err != nil {
		return err
	}
	_, err = f.Write(out)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	usr, err := user.Current()
	if err != nil {
		return "", err
	}
	return path.Join(usr.HomeDir, configDir, file), nil
}
