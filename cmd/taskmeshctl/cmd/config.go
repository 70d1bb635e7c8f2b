package cmd

import "github.com/kandev/taskmesh/internal/common/config"

func loadConfig() (*config.Config, error) {
	return config.LoadWithPath(configPath)
}
