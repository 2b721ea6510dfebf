package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Name       string     `yaml:"name" json:"name" env:"APP_NAME" env-default:"autopilot"` // used for OTEL as an application identifier
	Server     Server     `yaml:"server" json:"server"`                                    // configuration of the public REST server
	Tracing    Tracing    `yaml:"tracing" json:"tracing"`
	Automation Automation `yaml:"automation" json:"automation"`
}

type Server struct {
	Addr string `yaml:"addr" json:"addr" env:"REST_API_ADDR" env-default:":8080"`
}

type Tracing struct {
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"TRACING_ENABLED"`
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"TRACING_ENDPOINT"`
}

type Automation struct {
	// ScanInterval is how often the due-step scanner runs, e.g. "3m"
	ScanInterval string `yaml:"scanInterval" json:"scanInterval" env:"AUTOMATION_SCAN_INTERVAL" env-default:"3m"`
	// ScanWorkers bounds the due-step fan-out
	ScanWorkers     int    `yaml:"scanWorkers" json:"scanWorkers" env:"AUTOMATION_SCAN_WORKERS" env-default:"4"`
	DefinitionsFile string `yaml:"definitionsFile" json:"definitionsFile" env:"AUTOMATION_DEFINITIONS_FILE" env-default:"processes.yaml"`
	RulesFile       string `yaml:"rulesFile" json:"rulesFile" env:"AUTOMATION_RULES_FILE" env-default:"rules.yaml"`
}

func InitConfig() Config {
	c := Config{}
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c
}
