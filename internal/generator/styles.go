package generator

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Styles are the icons used by generated port layers.
type Styles struct {
	// On is shown when the status field is true.
	On string `yaml:"on"`
	// Off is shown when it is false. Empty falls back to Transparent, so
	// off ports show nothing.
	Off         string `yaml:"off"`
	Transparent string `yaml:"transparent"`
	// Background, when set, is placed behind each module row.
	Background string `yaml:"background"`
}

// DefaultStyles returns the stock icon set.
func DefaultStyles() Styles {
	return Styles{
		On:          "http://192.168.0.101:9000/qiuqiu/green.gif",
		Transparent: "http://192.168.0.101:9000/qiuqiu/null.png",
	}
}

// OffIcon is the icon for a false status.
func (s Styles) OffIcon() string {
	if s.Off != "" {
		return s.Off
	}
	return s.Transparent
}

// LoadStyles reads a styles.yaml file. Fields it leaves out keep their
// defaults.
func LoadStyles(path string) (Styles, error) {
	file, err := os.Open(path)
	if err != nil {
		return Styles{}, err
	}
	defer file.Close()
	return LoadStylesFromReader(file)
}

// LoadStylesFromReader parses styles from an io.Reader.
func LoadStylesFromReader(r io.Reader) (Styles, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Styles{}, err
	}
	styles := DefaultStyles()
	if err := yaml.Unmarshal(data, &styles); err != nil {
		return Styles{}, fmt.Errorf("parsing styles: %w", err)
	}
	return styles, nil
}
