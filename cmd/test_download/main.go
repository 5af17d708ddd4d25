// Command test_download requests the imagery of one tile for one date and
// prints what was decoded. It is a smoke test for the Copernicus credentials
// and the GDAL install.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/forest-guardian/cropmap/internal/aoi"
	"github.com/forest-guardian/cropmap/internal/cache"
	"github.com/forest-guardian/cropmap/internal/config"
	"github.com/forest-guardian/cropmap/internal/properties"
	"github.com/forest-guardian/cropmap/internal/raster/gtiff"
	"github.com/forest-guardian/cropmap/internal/sentinel"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	var (
		labelsPath string
		tileID     string
		date       string
	)
	cmd := &cobra.Command{
		Use:          "test_download",
		Short:        "Download one tile for one date",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load("../../.env"); err != nil {
				color.Yellow("Warning: error loading .env file: %v", err)
				color.Yellow("Make sure COPERNICUS_CLIENT_ID, COPERNICUS_CLIENT_SECRET, COPERNICUS_TOKEN_URL and ROOT_PATH are set")
			}
			day, err := time.Parse(time.DateOnly, date)
			if err != nil {
				return err
			}
			cfg, err := config.Load("")
			if err != nil {
				return err
			}

			fmt.Println("=== CropMap Test Image Download ===")
			fmt.Printf("Labels: %s\nDate: %s\n\n", labelsPath, date)

			labels, err := aoi.LoadLabels(labelsPath, cfg.AOI.LabelField, cfg.AOI.FieldIDField)
			if err != nil {
				return err
			}
			tiles := aoi.SplitTiles(labels.Hull(cfg.AOI.BufferM), cfg.AOI.TileSizeM)
			if len(tiles) == 0 {
				return fmt.Errorf("no tile covers %s", labelsPath)
			}
			tile := tiles[0]
			for _, t := range tiles {
				if t.ID == tileID {
					tile = t
				}
			}
			fmt.Printf("Tile %s of %d, bound %v\n", tile.ID, len(tiles), tile.Bound)

			credentials, err := sentinel.CredentialsFromEnv()
			if err != nil {
				return err
			}
			client, err := sentinel.NewClient(sentinel.ClientConfig{
				ProcessURL:        properties.CopernicusProcessURL(),
				TokenURL:          properties.CopernicusTokenURL(),
				Credentials:       credentials,
				Retries:           cfg.Imagery.Retries,
				RetryWait:         cfg.Imagery.RetryWait,
				RequestsPerMinute: cfg.Imagery.RequestsPerMinute,
				ResolutionM:       cfg.Imagery.ResolutionM,
				MaxImagePx:        cfg.Imagery.MaxImagePx,
			})
			if err != nil {
				return err
			}
			imageDir := properties.DataPath("images")
			acquirer := sentinel.NewAcquirer(client, gtiff.Codec{}, imageDir, cache.NewFileCache[[]string]("cache"))

			scenes, err := acquirer.Acquire(cmd.Context(), tile, []time.Time{day})
			if err != nil {
				return err
			}

			fmt.Printf("\n=== Results ===\nScenes decoded: %d\n", len(scenes))
			if len(scenes) == 0 {
				fmt.Println("No scene was decoded. This could mean:")
				fmt.Println("- No satellite data available for this date")
				fmt.Println("- The date is already known to have no image")
				fmt.Println("- Every pixel was outside the data mask")
			}
			for _, s := range scenes {
				fmt.Printf("- %s (size: %dx%d) (bands: %d)\n", s.Date.Format(time.DateOnly), s.Width, s.Height, len(s.Bands))
			}
			fmt.Printf("\nImage files saved to: %s/%s\n", imageDir, tile.ID)
			color.Green("\nTest completed successfully!")
			return nil
		},
	}
	cmd.Flags().StringVar(&labelsPath, "labels", properties.DataPath("labels", "train.zip"), "label file")
	cmd.Flags().StringVar(&tileID, "tile", "", "tile id, the first tile by default")
	cmd.Flags().StringVar(&date, "date", "2017-04-01", "acquisition date (YYYY-MM-DD)")

	if err := cmd.Execute(); err != nil {
		color.Red("Error: %s", err.Error())
		os.Exit(1)
	}
}
