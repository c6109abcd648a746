package profile

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/cochaviz/dbmatrix/internal/logging"

	"github.com/magiconair/properties"
)

const (
	// ScriptFileName marks a directory as a scripted profile root.
	ScriptFileName = "matrix.gradle"
	// DriverDirName marks a directory as a driver-directory profile root.
	DriverDirName = "jdbc"
	// PropertiesResource is read, relative to the profile root, by the driver-directory source.
	PropertiesResource = "resources/hibernate.properties"
)

// Source recognises a profile root. Discover reports ok=false when dir is
// not a profile root; an error means the directory could not be probed.
type Source interface {
	Discover(dir string) (p Profile, ok bool, err error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(dir string) (Profile, bool, error)

func (f SourceFunc) Discover(dir string) (Profile, bool, error) {
	return f(dir)
}

// DefaultSources returns the standard source chain. The script source
// always takes priority over the driver-directory source.
func DefaultSources(evaluator ScriptEvaluator, logger *slog.Logger) []Source {
	return []Source{
		&ScriptSource{Evaluator: evaluator},
		&DriverDirectorySource{Logger: logger},
	}
}

// ScriptFile is handed to a ScriptEvaluator.
type ScriptFile struct {
	Path        string
	ProfileName string
	Directory   string
}

// ScriptResult is what evaluating a profile script yields.
type ScriptResult struct {
	Properties Properties
	Dependency *Dependency
}

// ScriptEvaluator turns a profile script into configuration.
type ScriptEvaluator interface {
	Evaluate(script ScriptFile) (ScriptResult, error)
}

// ScriptSource recognises directories holding a profile script. Without an
// Evaluator the script only marks the directory.
type ScriptSource struct {
	FileName  string
	Evaluator ScriptEvaluator
}

func (s *ScriptSource) Discover(dir string) (Profile, bool, error) {
	name := s.FileName
	if name == "" {
		name = ScriptFileName
	}

	path := filepath.Join(dir, name)
	info, err := statPath(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Profile{}, false, nil
		}
		return Profile{}, false, fmt.Errorf("stat profile script %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return Profile{}, false, nil
	}

	p := Profile{
		Name:      filepath.Base(dir),
		Directory: dir,
		Origin:    OriginScript,
	}
	if s.Evaluator == nil {
		return p, true, nil
	}

	result, err := s.Evaluator.Evaluate(ScriptFile{Path: path, ProfileName: p.Name, Directory: dir})
	if err != nil {
		return Profile{}, false, fmt.Errorf("evaluate profile script %s: %w", path, err)
	}
	p.Properties = result.Properties
	p.Dependency = result.Dependency
	return p, true, nil
}

// DriverDirectorySource recognises directories holding a driver
// subdirectory. Every regular file in that subdirectory becomes part of the
// profile's dependency.
type DriverDirectorySource struct {
	DirName        string
	PropertiesPath string
	Logger         *slog.Logger
}

func (s *DriverDirectorySource) Discover(dir string) (Profile, bool, error) {
	dirName := s.DirName
	if dirName == "" {
		dirName = DriverDirName
	}

	driverDir := filepath.Join(dir, dirName)
	info, err := statPath(driverDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Profile{}, false, nil
		}
		return Profile{}, false, fmt.Errorf("stat driver directory %s: %w", driverDir, err)
	}
	if !info.IsDir() {
		return Profile{}, false, nil
	}

	files, err := listDriverFiles(driverDir)
	if err != nil {
		return Profile{}, false, err
	}

	p := Profile{
		Name:       filepath.Base(dir),
		Directory:  dir,
		Properties: s.loadProperties(dir),
		Dependency: &Dependency{Files: files},
		Origin:     OriginDrivers,
	}
	return p, true, nil
}

func (s *DriverDirectorySource) loadProperties(dir string) Properties {
	resource := s.PropertiesPath
	if resource == "" {
		resource = PropertiesResource
	}
	path := filepath.Join(dir, filepath.FromSlash(resource))

	if _, err := statPath(path); err != nil {
		return Properties{}
	}

	loader := &properties.Loader{Encoding: properties.UTF8, DisableExpansion: true}
	loaded, err := loader.LoadFile(path)
	if err != nil {
		logging.Ensure(s.Logger).Warn("unable to read profile properties",
			"component", "profile", "profile", filepath.Base(dir), "path", path, "error", err)
		return Properties{}
	}

	var props Properties
	for _, key := range loaded.Keys() {
		value, _ := loaded.Get(key)
		props.set(key, value)
	}
	return props
}

func listDriverFiles(driverDir string) ([]string, error) {
	entries, err := readDir(driverDir)
	if err != nil {
		return nil, fmt.Errorf("list driver directory %s: %w", driverDir, err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		path := filepath.Join(driverDir, entry.Name())
		info, err := statPath(path)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, path)
	}
	slices.Sort(files)
	return files, nil
}

// Filesystem seams, swapped in tests.
var (
	statPath = os.Stat
	readDir  = os.ReadDir
)
