// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command skald runs the multiplayer narrative session server.
//
// # Usage
//
//	# Build
//	go build -o skald ./cmd/skald
//
//	# Serve against a local Ollama
//	LLM_BACKEND_TYPE=ollama LLM_MODEL=llama3 ./skald serve
//
//	# Print the effective prompt configuration
//	./skald prompts --prompts-file prompts.yaml
//
// Every serve flag defaults from an environment variable; see envUsage.
package main

import (
	"os"
)

func main() {
	// Execute the root command. Cobra handles parsing the arguments.
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
