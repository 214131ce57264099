// Package predict provides the command that classifies a single image file
package predict

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/leafwatch/leafwatch/internal/app"
	"github.com/leafwatch/leafwatch/internal/buildinfo"
	"github.com/leafwatch/leafwatch/internal/conf"
	"github.com/leafwatch/leafwatch/internal/inference"
	"github.com/leafwatch/leafwatch/internal/prediction"
)

type options struct {
	userID   uint
	plantID  uint
	imageURL string
	note     string
}

// Command creates the predict command
func Command(settings *conf.Settings, info *buildinfo.Context) *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "predict [image]",
		Short: "Classify one leaf image and store the result",
		Long:  "Send an image file to the classification service, persist the observation and print it as JSON.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, settings, info, args[0], opts)
		},
	}

	cmd.Flags().UintVarP(&opts.userID, "user", "u", 1, "ID of the user the observation belongs to")
	cmd.Flags().UintVarP(&opts.plantID, "plant", "p", 0, "Plant ID hint; classifies the image as a plant observation")
	cmd.Flags().StringVar(&opts.imageURL, "image-url", "", "URL stored with the observation instead of the image hash")
	cmd.Flags().StringVar(&opts.note, "description", "", "Free text passed to the classifier")

	return cmd
}

func run(cmd *cobra.Command, settings *conf.Settings, info *buildinfo.Context, path string, opts options) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	a, err := app.New(cmd.Context(), settings, info)
	if err != nil {
		return err
	}
	defer a.Close()

	req := &prediction.Request{
		UserID:      opts.userID,
		Image:       inference.EncodeImage(data, http.DetectContentType(data)),
		Description: opts.note,
		ImageURL:    opts.imageURL,
	}
	if opts.plantID != 0 {
		req.PlantID = &opts.plantID
	}

	result, err := a.Orchestrator.Predict(cmd.Context(), req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
