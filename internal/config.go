package minstrel

import (
	"fmt"
	"os"

	"github.com/lostriver/minstrel/discord"
	"gopkg.in/yaml.v3"
)

// Configuration is the root of the minstrel config file.
type Configuration struct {
	Logging struct {
		Level              string `json:"level" yaml:"level"`
		FileLoggingEnabled bool   `json:"file_logging_enabled" yaml:"file_logging_enabled"`

		EncodeAsJSON bool `json:"encode_as_json" yaml:"encode_as_json"`

		Directory  string `json:"directory" yaml:"directory"`
		Filename   string `json:"filename" yaml:"filename"`
		MaxSize    int    `json:"max_size" yaml:"max_size"`
		MaxBackups int    `json:"max_backups" yaml:"max_backups"`
		MaxAge     int    `json:"max_age" yaml:"max_age"`
		Compress   bool   `json:"compress" yaml:"compress"`
	} `json:"logging" yaml:"logging"`

	Discord struct {
		Token         string `json:"token" yaml:"token"`
		ApplicationID string `json:"application_id" yaml:"application_id"`
		Intents       int64  `json:"intents" yaml:"intents"`
	} `json:"discord" yaml:"discord"`

	Node NodeConfiguration `json:"node" yaml:"node"`

	Prometheus struct {
		Host string `json:"host" yaml:"host"`
	} `json:"prometheus" yaml:"prometheus"`
}

// NodeConfiguration locates and authenticates the audio node.
type NodeConfiguration struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Password string `json:"password" yaml:"password"`

	ResumeKey     string `json:"resume_key" yaml:"resume_key"`
	ResumeTimeout int    `json:"resume_timeout" yaml:"resume_timeout"`
}

// LoadConfiguration reads a yaml configuration from path. The discord token
// and node password may also come from the environment, which takes
// precedence over the file.
func LoadConfiguration(path string) (*Configuration, error) {
	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReadConfigurationFailure, err)
	}

	configuration := &Configuration{}

	if err = yaml.Unmarshal(file, configuration); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadConfigurationFailure, err)
	}

	if token := os.Getenv("DISCORD_TOKEN"); token != "" {
		configuration.Discord.Token = token
	}

	if password := os.Getenv("NODE_PASSWORD"); password != "" {
		configuration.Node.Password = password
	}

	if configuration.Discord.Token == "" {
		return nil, fmt.Errorf("%w: missing discord token", ErrLoadConfigurationFailure)
	}

	if configuration.Discord.Intents == 0 {
		configuration.Discord.Intents = int64(discord.IntentGuilds | discord.IntentGuildVoiceStates)
	}

	if configuration.Node.Host == "" {
		configuration.Node.Host = "127.0.0.1"
	}

	if configuration.Node.Port == 0 {
		configuration.Node.Port = 2333
	}

	if configuration.Node.ResumeKey == "" {
		configuration.Node.ResumeKey = "minstrel"
	}

	if configuration.Node.ResumeTimeout == 0 {
		configuration.Node.ResumeTimeout = 60
	}

	return configuration, nil
}
