package properties

import (
	"os"
	"path/filepath"
)

func RootPath() string {
	return os.Getenv("ROOT_PATH")
}

// DataPath joins elems under $ROOT_PATH/data.
func DataPath(elems ...string) string {
	return filepath.Join(append([]string{RootPath(), "data"}, elems...)...)
}

func CopernicusClientIDs() string {
	return os.Getenv("COPERNICUS_CLIENT_ID")
}

func CopernicusClientSecrets() string {
	return os.Getenv("COPERNICUS_CLIENT_SECRET")
}

func CopernicusTokenURL() string {
	return os.Getenv("COPERNICUS_TOKEN_URL")
}

func CopernicusProcessURL() string {
	if url := os.Getenv("COPERNICUS_PROCESS_URL"); url != "" {
		return url
	}
	return "https://sh.dataspace.copernicus.eu/api/v1/process"
}

func TrainerAddress() string {
	if addr := os.Getenv("TRAINER_ADDRESS"); addr != "" {
		return addr
	}
	return "localhost:50051"
}

type Color struct {
	R, G, B uint8
}

// CropClass names one label id of the crop-type dataset.
type CropClass struct {
	ID    int
	Name  string
	Color Color
}

// CropClasses is ordered by id. Id 0 is reserved for pixels without a label.
var CropClasses = []CropClass{
	{0, "no data", Color{0, 0, 0}},
	{1, "lucerne/medics", Color{255, 187, 34}},
	{2, "planted pastures", Color{187, 221, 102}},
	{3, "fallow", Color{183, 131, 82}},
	{4, "wine grapes", Color{145, 30, 180}},
	{5, "weeds", Color{240, 50, 230}},
	{6, "small grain grazing", Color{70, 240, 240}},
	{7, "wheat", Color{255, 225, 25}},
	{8, "canola", Color{0, 130, 200}},
	{9, "rooibos", Color{230, 25, 75}},
}

var ColorMap = buildColorMap()

func buildColorMap() map[string]Color {
	colors := map[string]Color{
		"unknown": {255, 0, 0},
	}
	for _, class := range CropClasses {
		colors[class.Name] = class.Color
	}
	return colors
}

// ClassName returns the crop name for id, or "unknown".
func ClassName(id int) string {
	if id >= 0 && id < len(CropClasses) {
		return CropClasses[id].Name
	}
	return "unknown"
}

func ClassColor(id int) Color {
	return ColorMap[ClassName(id)]
}

func DiscordErrorNotificationUrl() string {
	return os.Getenv("DISCORD_ERROR_NOTIFICATION_URL")
}

func DiscordSuccessNotificationUrl() string {
	return os.Getenv("DISCORD_SUCCESS_NOTIFICATION_URL")
}

func DiscordWarnNotificationUrl() string {
	if url := os.Getenv("DISCORD_WARN_NOTIFICATION_URL"); url != "" {
		return url
	}
	return DiscordErrorNotificationUrl()
}
