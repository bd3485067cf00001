// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// driftlake is the operations CLI for driftlake tables: inspect state,
// list history, and run maintenance against any supported storage URL.
package main

import (
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the optional driftlake.yaml next to the working directory.
type Config struct {
	// Table is the default storage URL when --table is not passed.
	Table string `yaml:"table"`

	// LogDir enables file logging for CLI runs.
	LogDir string `yaml:"log_dir"`
}

var config Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}

// loadConfig reads driftlake.yaml when present; absence is fine.
func loadConfig() {
	data, err := os.ReadFile("driftlake.yaml")
	if err != nil {
		return
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		log.Fatalf("Error parsing driftlake.yaml: %v", err)
	}
}
