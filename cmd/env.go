package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/joho/godotenv"

	"github.com/salesagent/internal/config"
)

// ConfigCheckResult holds the result of configuration validation
type ConfigCheckResult struct {
	Missing  []string          // Required settings that are empty
	Present  map[string]string // Settings that are set (secrets masked)
	Warnings []string          // Non-fatal warnings
}

// CheckRequiredConfig reports which required settings are present, masking secrets
func CheckRequiredConfig(cfg *config.Config) *ConfigCheckResult {
	result := &ConfigCheckResult{
		Missing:  []string{},
		Present:  make(map[string]string),
		Warnings: []string{},
	}

	required := []struct {
		key    string
		value  string
		secret bool
	}{
		{"database.url", cfg.Database.URL, true},
		{"ai.api_key", cfg.AI.APIKey, true},
		{"channel.base_url", cfg.Channel.BaseURL, false},
		{"channel.api_key", cfg.Channel.APIKey, true},
		{"redis.addr", cfg.Redis.Addr, false},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			result.Missing = append(result.Missing, r.key)
			continue
		}
		if r.secret {
			result.Present[r.key] = maskSecret(r.value)
		} else {
			result.Present[r.key] = r.value
		}
	}

	if cfg.Redis.Password != "" {
		result.Present["redis.password"] = maskSecret(cfg.Redis.Password)
	}
	if cfg.Storage.Driver == "s3" && cfg.Storage.Region == "" {
		result.Warnings = append(result.Warnings, "storage.region is empty; the AWS default region chain will be used")
	}
	if cfg.Pipeline.DebounceWindow <= 0 {
		result.Warnings = append(result.Warnings, "pipeline.debounce_window is zero; bursts of messages will each get a reply")
	}

	return result
}

// PrintConfigCheck prints the configuration check results
func PrintConfigCheck(result *ConfigCheckResult) {
	fmt.Println("=== Configuration Check ===")
	fmt.Println("")

	if len(result.Missing) > 0 {
		fmt.Println("❌ Missing required settings:")
		for _, v := range result.Missing {
			fmt.Printf("   - %s\n", v)
		}
		fmt.Println("")
	}

	if len(result.Present) > 0 {
		keys := make([]string, 0, len(result.Present))
		for k := range result.Present {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Println("✓ Configured settings:")
		for _, k := range keys {
			fmt.Printf("   - %s = %s\n", k, result.Present[k])
		}
		fmt.Println("")
	}

	for _, w := range result.Warnings {
		fmt.Printf("⚠ Warning: %s\n", w)
	}

	if len(result.Missing) == 0 {
		fmt.Println("✓ All required configuration is present")
	}

	fmt.Println("============================")
}

// maskSecret masks a secret value for display, showing only first and last 2 chars
func maskSecret(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:2] + "****" + value[len(value)-2:]
}

// LoadEnvFile loads environment variables from a file, overwriting existing ones.
func LoadEnvFile(filename string) error {
	if err := godotenv.Overload(filename); err != nil {
		return fmt.Errorf("failed to load %s: %w", filename, err)
	}
	return nil
}
