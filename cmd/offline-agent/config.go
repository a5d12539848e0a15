package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Origin       string       `yaml:"origin"`
	Port         int          `yaml:"port"`
	Stores       ConfigStores `yaml:"stores"`
	StaticFiles  []string     `yaml:"staticFiles"`
	NoCachePaths []string     `yaml:"noCachePaths"`
}

type ConfigStores struct {
	Generic string `yaml:"generic"`
	Static  string `yaml:"static"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
