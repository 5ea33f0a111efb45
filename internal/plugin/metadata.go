package plugin

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// metadataFiles are tried in order. JSON is read by the YAML decoder.
var metadataFiles = []string{"plugin.yaml", "plugin.yml", "plugin.json"}

// Metadata 描述一个插件包，来自插件目录下的 plugin.yaml 或 plugin.json。
type Metadata struct {
	// Name 为插件在 PluginManager 中的唯一标识，同时作为安装目录名。
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Author      string `yaml:"author,omitempty" json:"author,omitempty"`
	// Main 为入口：以 .so 结尾时按共享库加载（导出 New），否则作为内置工厂的键。
	Main string `yaml:"main" json:"main"`
	// Dependencies 为依赖插件名到版本约束的映射，加载时要求依赖已处于激活状态。
	Dependencies map[string]string `yaml:"dependencies,omitempty" json:"dependencies,omitempty"`
	// CoreVersion 为对核心版本的约束，例如 ">=1.0.0" 或 "^1.2"。
	CoreVersion string `yaml:"coreVersion" json:"coreVersion"`

	// Dir 为插件包所在目录，不来自文件内容。
	Dir string `yaml:"-" json:"dir,omitempty"`
}

// ReadMetadata reads the metadata file of the plugin package in dir.
func ReadMetadata(dir string) (*Metadata, error) {
	for _, name := range metadataFiles {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read plugin metadata: %w", err)
		}
		m, err := ParseMetadata(data)
		if err != nil {
			return nil, err
		}
		m.Dir = dir
		return m, nil
	}
	return nil, invalid("", ErrInvalidPackage, "", fmt.Sprintf("no %s in %s", strings.Join(metadataFiles, "/"), dir))
}

func ParseMetadata(data []byte) (*Metadata, error) {
	var m Metadata
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, invalid("", ErrInvalidPackage, "", fmt.Sprintf("decode metadata: %v", err))
	}
	m.Name = strings.TrimSpace(m.Name)
	return &m, nil
}

// Validate checks required fields and the core version requirement.
// Missing fields are reported before version problems.
func (m *Metadata) Validate(coreVersion string) error {
	for _, f := range []struct{ field, value string }{
		{"name", m.Name},
		{"version", m.Version},
		{"main", m.Main},
		{"coreVersion", m.CoreVersion},
	} {
		if strings.TrimSpace(f.value) == "" {
			return invalid(m.Name, ErrMissingField, f.field, "")
		}
	}
	if strings.ContainsAny(m.Name, `/\`) || m.Name == "." || m.Name == ".." || strings.HasPrefix(m.Name, ".") {
		return invalid(m.Name, ErrInvalidField, "name", "must be a plain directory name")
	}
	if !ValidVersion(m.Version) {
		return invalid(m.Name, ErrInvalidField, "version", fmt.Sprintf("%q is not a semantic version", m.Version))
	}
	ok, err := Satisfies(coreVersion, m.CoreVersion)
	if err != nil {
		return invalid(m.Name, ErrInvalidField, "coreVersion", err.Error())
	}
	if !ok {
		return invalid(m.Name, ErrVersionIncompatible, "", fmt.Sprintf("requires core %s, running %s", m.CoreVersion, coreVersion))
	}
	for dep, c := range m.Dependencies {
		if _, err := Satisfies("0.0.0", c); err != nil {
			return invalid(m.Name, ErrInvalidField, "dependencies."+dep, err.Error())
		}
	}
	return nil
}
