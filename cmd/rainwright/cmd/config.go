package cmd

import (
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/yidakra/rainwright/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing rainwright configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the default configuration",
	Long: `Dump the default configuration values in YAML format.

This shows all available configuration options with their default values.
You can redirect this output to a file to create a configuration template:

  rainwright config dump > config.yaml

Configuration can be set via:
  - Config file (config.yaml under ., ./configs, /etc/rainwright, $HOME/.rainwright)
  - Environment variables (RAINWRIGHT_PIPELINE_SEGMENT_DURATION, RAINWRIGHT_SERVER_PORT, etc.)
  - Command-line flags (for the serve subcommand)

Environment variables use the RAINWRIGHT_ prefix and underscores for nesting.
Example: pipeline.segment_duration -> RAINWRIGHT_PIPELINE_SEGMENT_DURATION`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a struct to a map, formatting durations for human readability.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch v := field.Interface().(type) {
		case time.Duration:
			result[key] = v.String()
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, args []string) error {
	v := viper.New()
	config.SetDefaults(v)
	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	cfgMap := toMap(&cfg)

	yamlData, err := yaml.Marshal(cfgMap)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Println("# rainwright Configuration File")
	fmt.Println("# =============================")
	fmt.Println("#")
	fmt.Println("# All values shown below are defaults.")
	fmt.Println("# Duration format: 10s, 500ms, 1m")
	fmt.Println("#")
	fmt.Println("# Environment variable overrides:")
	fmt.Println("#   RAINWRIGHT_SERVER_HOST, RAINWRIGHT_SERVER_PORT")
	fmt.Println("#   RAINWRIGHT_STORAGE_OUTPUT_DIR")
	fmt.Println("#   RAINWRIGHT_PIPELINE_SEGMENT_DURATION, RAINWRIGHT_PIPELINE_LANGUAGES")
	fmt.Println("#   RAINWRIGHT_PROVIDER_ENDPOINT, RAINWRIGHT_PROVIDER_API_KEY")
	fmt.Println("#   RAINWRIGHT_LOGGING_LEVEL, RAINWRIGHT_LOGGING_FORMAT")
	fmt.Println("#   etc.")
	fmt.Println("#")
	fmt.Println("")
	fmt.Print(string(yamlData))

	return nil
}
