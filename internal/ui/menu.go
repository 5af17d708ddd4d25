package ui

import (
	"context"
	"fmt"

	"github.com/common-nighthawk/go-figure"
	"github.com/fatih/color"
	"github.com/forest-guardian/cropmap/internal/delivery"
)

type menuOption struct {
	title   string
	handler func(ctx context.Context, p *delivery.Pipeline)
}

func PrintBanner() {
	color.Cyan(figure.NewFigure("CropMap", "isometric1", true).String())
	fmt.Println()
}

// ShowMenu displays the main menu and runs the chosen action until the user
// exits or ctx is cancelled.
func ShowMenu(ctx context.Context, p *delivery.Pipeline) {
	menuOptions := []menuOption{
		{"Run the whole pipeline for a label file", RunPipeline},
		{"Prepare the area of interest tiles", PrepareAOI},
		{"Download imagery and build patches", DownloadPatches},
		{"Create a new dataset from the patches", CreateDataset},
		{"Train a model on the dataset", TrainModel},
		{"Evaluate a training run", EvaluateRun},
		{"View the list of training runs", ListRuns},
		{"View the list of available label files", ListLabels},
	}

	for ctx.Err() == nil {
		infoColor.Println("===================")
		for i, opt := range menuOptions {
			infoColor.Printf("%d. %s\n", i+1, opt.title)
		}
		infoColor.Printf("%d. Exit the application\n", len(menuOptions)+1)

		choice, err := ReadInt("Please enter your choice: ", 1, len(menuOptions)+1)
		if err != nil {
			PrintError(err.Error())
			continue
		}
		if choice == len(menuOptions)+1 {
			fmt.Println("Exiting...")
			return
		}
		menuOptions[choice-1].handler(ctx, p)
	}
}
