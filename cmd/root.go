package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/leafwatch/leafwatch/cmd/catalog"
	"github.com/leafwatch/leafwatch/cmd/feedback"
	"github.com/leafwatch/leafwatch/cmd/predict"
	"github.com/leafwatch/leafwatch/cmd/serve"
	"github.com/leafwatch/leafwatch/internal/buildinfo"
	"github.com/leafwatch/leafwatch/internal/conf"
)

// RootCommand creates and returns the root command
func RootCommand(settings *conf.Settings, info *buildinfo.Context) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "leafwatch",
		Short:   "LeafWatch plant disease prediction service",
		Version: info.String(),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if settings.Debug {
				settings.Logging.DefaultLevel = "debug"
				if settings.Logging.Console != nil {
					settings.Logging.Console.Level = "debug"
				}
			}
			// flags were applied after Load validated the file
			return conf.ValidateSettings(settings)
		},
		SilenceUsage: true,
	}

	if err := setupFlags(rootCmd, settings); err != nil {
		fmt.Printf("error setting up flags: %v\n", err)
	}

	rootCmd.AddCommand(
		serve.Command(settings, info),
		predict.Command(settings, info),
		feedback.Command(settings, info),
		catalog.Command(settings, info),
	)

	return rootCmd
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command, settings *conf.Settings) error {
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&settings.Debug, "debug", "d", viper.GetBool("debug"), "Enable debug output")
	flags.Float64VarP(&settings.Prediction.Threshold, "threshold", "t", viper.GetFloat64("prediction.threshold"), "Minimum top-1 confidence for a trusted prediction, 0.0 to 1.0")
	flags.StringVar(&settings.Inference.BaseURL, "inference-url", viper.GetString("inference.baseurl"), "Base URL of the classification service")
	flags.StringVar(&settings.Datastore.SQLite.Path, "db", viper.GetString("datastore.sqlite.path"), "Path to the SQLite database")

	if err := viper.BindPFlag("prediction.threshold", flags.Lookup("threshold")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	if err := viper.BindPFlag("inference.baseurl", flags.Lookup("inference-url")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
