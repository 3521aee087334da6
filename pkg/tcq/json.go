package tcq

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/config"
)

var json = jsoniter.ConfigFastest

// ConvertJSONFileToConfig opens a file.json and converts to ClusterSeasoning.
func ConvertJSONFileToConfig(fileNamePath string) (*ClusterSeasoning, error) {

	byteValue, err := os.ReadFile(fileNamePath)
	if err != nil {
		return nil, err
	}

	seasoning := &ClusterSeasoning{}
	if err = json.Unmarshal(byteValue, seasoning); err != nil {
		return nil, fmt.Errorf("parse %s: %w", fileNamePath, err)
	}

	return seasoning, nil
}

// ConvertYAMLFilesToConfig merges the given YAML files in order, later files
// overriding earlier ones, and converts the result to ClusterSeasoning.
// Files that do not exist are skipped.
func ConvertYAMLFilesToConfig(fileNamePaths ...string) (*ClusterSeasoning, error) {

	opts := make([]config.YAMLOption, 0, len(fileNamePaths))
	for _, p := range fileNamePaths {
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		opts = append(opts, config.File(p))
	}
	if len(opts) == 0 {
		return nil, fmt.Errorf("none of %v exist", fileNamePaths)
	}

	provider, err := config.NewYAML(opts...)
	if err != nil {
		return nil, err
	}

	seasoning := &ClusterSeasoning{}
	if err := provider.Get(config.Root).Populate(seasoning); err != nil {
		return nil, err
	}

	return seasoning, nil
}
