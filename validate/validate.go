// Command validate checks bot configuration files before they are handed to
// the gateway through CONFIG_FILE. For each file it checks:
//   - The document parses as YAML or JSON
//   - The top level is a mapping, since it becomes the init envelope's config
//   - No top-level value is null
//
// Files are taken from the command line, or from ./configs when none are given.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/wricardo/polaris-gateway/gateway/config"
)

// ValidationResult captures the outcome of validating a single file.
// If Valid is true, Errors contains informational messages; otherwise it
// accumulates the validation errors that were found.
type ValidationResult struct {
	File   string
	Valid  bool
	Errors []string
}

// validateBotConfig loads and validates a single bot configuration file.
func validateBotConfig(filePath string) ValidationResult {
	result := ValidationResult{
		File:   filepath.Base(filePath),
		Valid:  true,
		Errors: []string{},
	}

	raw, err := config.ReadBotConfigFile(filePath)
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, err.Error())
		return result
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, "Top level must be a mapping of configuration keys")
		return result
	}

	keys := make([]string, 0, len(doc))
	for k, v := range doc {
		if v == nil {
			result.Valid = false
			result.Errors = append(result.Errors, fmt.Sprintf("Key %q has no value", k))
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	if result.Valid {
		result.Errors = append(result.Errors,
			fmt.Sprintf("✓ %d top-level keys: %s", len(keys), strings.Join(keys, ", ")),
			fmt.Sprintf("✓ %d bytes as JSON", len(raw)))
	}
	return result
}

// findConfigFiles lists the YAML and JSON files in dir.
func findConfigFiles(dir string) ([]string, error) {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml", "*.json"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}

// main validates each file, printing a concise report and exiting with
// non-zero status if any are invalid.
func main() {
	files := os.Args[1:]
	if len(files) == 0 {
		var err error
		files, err = findConfigFiles("configs")
		if err != nil {
			fmt.Printf("Error finding config files: %v\n", err)
			os.Exit(1)
		}
	}
	if len(files) == 0 {
		fmt.Println("No configuration files found")
		os.Exit(1)
	}

	allValid := true
	for _, file := range files {
		result := validateBotConfig(file)

		fmt.Printf("\n%s %s\n", strings.Repeat("=", 20), result.File)

		if result.Valid {
			fmt.Println("✅ VALID")
			for _, info := range result.Errors {
				fmt.Println("  " + info)
			}
		} else {
			fmt.Println("❌ INVALID")
			allValid = false
			for _, err := range result.Errors {
				fmt.Println("  ❌ " + err)
			}
		}
	}

	fmt.Printf("\n%s\n", strings.Repeat("=", 40))
	if allValid {
		fmt.Println("✅ All configurations are valid!")
	} else {
		fmt.Println("❌ Some configurations have errors")
		os.Exit(1)
	}
}
