package cmd

import (
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/slbailey/Retrovue-sub002/internal/config"
	"github.com/slbailey/Retrovue-sub002/pkg/bytesize"
	"github.com/slbailey/Retrovue-sub002/pkg/duration"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing retrovue configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration values in YAML format.

With no config file and no RETROVUE_ variables set this prints the
defaults. Redirect the output to create a configuration template:

  retrovue config dump > config.yaml

Configuration can be set via:
  - Config file (./config.yaml, $HOME/.retrovue/config.yaml, /etc/retrovue/config.yaml)
  - Environment variables (RETROVUE_SERVER_PORT, RETROVUE_SCHEDULE_DIR, etc.)
  - A .env file in the working directory
  - Command-line flags (for some options)

Environment variables use the RETROVUE_ prefix and underscores for nesting.
Example: server.port -> RETROVUE_SERVER_PORT`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

var byteSizeType = reflect.TypeOf(config.ByteSize(0))

// toMap converts a struct to a map, formatting durations and sizes for human readability.
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

		switch {
		case field.Type() == reflect.TypeOf(time.Duration(0)):
			result[key] = duration.Format(time.Duration(field.Int()))
		case field.Type() == byteSizeType:
			result[key] = bytesize.Format(bytesize.Size(field.Int()))
		case field.Kind() == reflect.Struct:
			result[key] = toMap(field.Interface())
		default:
			result[key] = field.Interface()
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return dumpConfig(cmd.OutOrStdout(), cfg)
}

func dumpConfig(w io.Writer, cfg *config.Config) error {
	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Fprintln(w, "# retrovue Configuration File")
	fmt.Fprintln(w, "# ============================")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Duration format: 30s, 5m, 1h, 1d")
	fmt.Fprintln(w, "# Size format: 512KB, 8MB")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Environment variable overrides:")
	fmt.Fprintln(w, "#   RETROVUE_SERVER_HOST, RETROVUE_SERVER_PORT")
	fmt.Fprintln(w, "#   RETROVUE_SCHEDULE_DIR, RETROVUE_PLAYOUT_BACKEND")
	fmt.Fprintln(w, "#   RETROVUE_LOGGING_LEVEL, RETROVUE_LOGGING_FORMAT")
	fmt.Fprintln(w, "#   etc.")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w)
	_, err = w.Write(yamlData)
	return err
}
