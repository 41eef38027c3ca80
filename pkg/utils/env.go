package utils

import (
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// LoadConfig loads a .env file from the given path into the process
// environment. Missing files are fine; env vars and flags still apply.
func LoadConfig(path string) {
	envPath := filepath.Join(path, ".env")
	if err := godotenv.Load(envPath); err != nil {
		logrus.Debugf("[CONFIG] No .env file loaded from %s: %v", envPath, err)
		return
	}
	logrus.Debugf("[CONFIG] Environment loaded from %s", envPath)
}
