package config

import (
	"fmt"
)

func LoadConfigFromFile(filePath string, appConfig any) error {
	configSource, err := newFile(filePath)
	if err != nil {
		return fmt.Errorf("Failed to create File config source: %v", err)
	}

	err = Load(configSource, appConfig)
	if err != nil {
		return fmt.Errorf("Error loading config: %v", err)
	}

	return nil
}
