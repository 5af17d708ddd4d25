package ui

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/forest-guardian/cropmap/internal/delivery"
	"github.com/forest-guardian/cropmap/internal/notification"
)

var (
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
	successColor = color.New(color.FgGreen)
	infoColor    = color.New(color.FgBlue)
)

var stdin = bufio.NewReader(os.Stdin)

// labelExtensions are the label formats aoi.LoadLabels reads.
var labelExtensions = []string{".zip", ".geojson", ".json"}

// maxDiscordMessageLen keeps a notification below the embed description limit.
const maxDiscordMessageLen = 1800

func PrintWarning(message string) {
	warnColor.Println("\nWarning:")
	warnColor.Println(message)
}

func PrintError(message string) {
	errorColor.Printf("\nError: %s\n", message)
}

func PrintSuccess(message string) {
	successColor.Printf("\n%s\n", message)
}

func PrintInfo(message string) {
	infoColor.Print(message)
}

// ReadString reads one trimmed line from stdin.
func ReadString(prompt string) string {
	PrintInfo(prompt)
	input, _ := stdin.ReadString('\n')
	return strings.TrimSpace(input)
}

// ReadInt reads an integer within [min, max] from stdin.
func ReadInt(prompt string, min, max int) (int, error) {
	input := ReadString(prompt)
	value, err := strconv.Atoi(input)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %s", input)
	}
	if value < min || value > max {
		return 0, fmt.Errorf("value must be between %d and %d", min, max)
	}
	return value, nil
}

// LabelFiles returns the label files in dir, sorted.
func LabelFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading labels folder: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !slices.Contains(labelExtensions, strings.ToLower(filepath.Ext(entry.Name()))) {
			continue
		}
		files = append(files, entry.Name())
	}
	return files, nil
}

// SelectLabels lists the label files of the layout and returns the path of
// the chosen one.
func SelectLabels(layout delivery.Layout) (string, error) {
	files, err := LabelFiles(layout.LabelsDir())
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", fmt.Errorf("no label file found in %s", layout.LabelsDir())
	}

	successColor.Println("\nAvailable label files:")
	for i, name := range files {
		successColor.Printf("%d. %s\n", i+1, name)
	}
	choice, err := ReadInt("Enter the number of the label file you want to use: ", 1, len(files))
	if err != nil {
		return "", err
	}
	return filepath.Join(layout.LabelsDir(), files[choice-1]), nil
}

// SelectRun lists the registered runs and returns the id of the chosen one.
func SelectRun(ctx context.Context, runs delivery.RunStore) (string, error) {
	list, err := runs.ListRuns(ctx)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "", fmt.Errorf("no training run registered")
	}

	successColor.Println("\nAvailable runs:")
	for i, run := range list {
		successColor.Printf("%d. %s %s (%s)\n", i+1, run.ID, run.CreatedAt.Format("2006-01-02 15:04"), run.Status)
	}
	choice, err := ReadInt("Enter the number of the run you want to use: ", 1, len(list))
	if err != nil {
		return "", err
	}
	return list[choice-1].ID, nil
}

func notifySuccess(p *delivery.Pipeline, title, message string) {
	if p.Notifier == nil {
		return
	}
	for _, part := range notification.SplitMessage(message, maxDiscordMessageLen) {
		if err := p.Notifier.Success(fmt.Sprintf("CropMap CLI\n\n%s\n%s", title, part)); err != nil {
			PrintError(fmt.Sprintf("failed to send notification: %s", err.Error()))
			return
		}
	}
}

func notifyError(p *delivery.Pipeline, title string, err error) {
	if p.Notifier == nil {
		return
	}
	if nerr := p.Notifier.Error(fmt.Sprintf("CropMap CLI\n\n%s: %s", title, err.Error())); nerr != nil {
		PrintError(fmt.Sprintf("failed to send notification: %s", nerr.Error()))
	}
}
