// Package script evaluates matrix.gradle profile scripts.
//
// Scripts are plain JavaScript run in a fresh goja runtime per profile.
// They declare configuration through a handful of globals:
//
//	property("hibernate.dialect", "org.hibernate.dialect.H2Dialect")
//	properties({"hibernate.connection.username": "sa", "hibernate.connection.pool_size": 5})
//	jdbcDependency("com.h2database:h2:2.2.224")
//	dependencyFile("jdbc/h2.jar")
//
// profile.name, profile.directory and env(name) are available for reading.
package script

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dop251/goja"

	"github.com/cochaviz/dbmatrix/internal/profile"
)

const defaultTimeout = 5 * time.Second

// ErrTimeout is returned when a script runs longer than the configured limit.
var ErrTimeout = errors.New("profile script timed out")

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLookupEnv sets the function backing env(name). Defaults to os.LookupEnv.
func WithLookupEnv(lookup func(string) (string, bool)) Option {
	return func(e *Evaluator) {
		if lookup != nil {
			e.lookupEnv = lookup
		}
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(e *Evaluator) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// Evaluator implements profile.ScriptEvaluator on top of goja.
type Evaluator struct {
	lookupEnv func(string) (string, bool)
	timeout   time.Duration
	readFile  func(string) ([]byte, error)
}

var _ profile.ScriptEvaluator = (*Evaluator)(nil)

func New(opts ...Option) *Evaluator {
	e := &Evaluator{
		lookupEnv: os.LookupEnv,
		timeout:   defaultTimeout,
		readFile:  os.ReadFile,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

func (e *Evaluator) Evaluate(file profile.ScriptFile) (profile.ScriptResult, error) {
	source, err := e.readFile(file.Path)
	if err != nil {
		return profile.ScriptResult{}, fmt.Errorf("read profile script: %w", err)
	}

	program, err := goja.Compile(file.Path, string(source), false)
	if err != nil {
		return profile.ScriptResult{}, fmt.Errorf("compile profile script: %w", err)
	}

	vm := goja.New()
	state := &scriptState{vm: vm, dir: file.Directory}
	if err := e.install(vm, state, file); err != nil {
		return profile.ScriptResult{}, err
	}

	timer := time.AfterFunc(e.timeout, func() {
		vm.Interrupt(ErrTimeout)
	})
	defer timer.Stop()

	if _, err := vm.RunProgram(program); err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return profile.ScriptResult{}, fmt.Errorf("run profile script %s: %w", file.Path, ErrTimeout)
		}
		return profile.ScriptResult{}, fmt.Errorf("run profile script %s: %w", file.Path, err)
	}

	return state.result(), nil
}

func (e *Evaluator) install(vm *goja.Runtime, state *scriptState, file profile.ScriptFile) error {
	info := vm.NewObject()
	if err := info.Set("name", file.ProfileName); err != nil {
		return fmt.Errorf("install profile global: %w", err)
	}
	if err := info.Set("directory", file.Directory); err != nil {
		return fmt.Errorf("install profile global: %w", err)
	}

	globals := map[string]any{
		"profile":        info,
		"property":       state.property,
		"properties":     state.properties,
		"jdbcDependency": state.jdbcDependency,
		"dependencyFile": state.dependencyFile,
		"env": func(name string) goja.Value {
			if value, ok := e.lookupEnv(name); ok {
				return vm.ToValue(value)
			}
			return goja.Undefined()
		},
	}
	for name, value := range globals {
		if err := vm.Set(name, value); err != nil {
			return fmt.Errorf("install %s global: %w", name, err)
		}
	}
	return nil
}

type scriptState struct {
	vm          *goja.Runtime
	dir         string
	props       profile.Properties
	files       []string
	coordinates []string
}

func (s *scriptState) property(name string, value goja.Value) {
	if name == "" {
		panic(s.vm.NewTypeError("property name must not be empty"))
	}
	s.props = s.props.With(name, s.scalar(name, value))
}

func (s *scriptState) properties(values *goja.Object) {
	if values == nil {
		panic(s.vm.NewTypeError("properties expects an object"))
	}
	for _, key := range values.Keys() {
		s.props = s.props.With(key, s.scalar(key, values.Get(key)))
	}
}

func (s *scriptState) jdbcDependency(coordinate string) {
	if coordinate == "" {
		panic(s.vm.NewTypeError("jdbcDependency expects a coordinate"))
	}
	s.coordinates = append(s.coordinates, coordinate)
}

func (s *scriptState) dependencyFile(path string) {
	if path == "" {
		panic(s.vm.NewTypeError("dependencyFile expects a path"))
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.dir, filepath.FromSlash(path))
	}
	s.files = append(s.files, filepath.Clean(path))
}

// scalar renders a script value as a property string. Objects, arrays,
// functions, null and undefined are rejected.
func (s *scriptState) scalar(name string, value goja.Value) string {
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		panic(s.vm.NewTypeError("property %q has no value", name))
	}
	switch v := value.Export().(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		panic(s.vm.NewTypeError("property %q must be a string, number or boolean", name))
	}
}

func (s *scriptState) result() profile.ScriptResult {
	result := profile.ScriptResult{Properties: s.props}
	if len(s.files) > 0 || len(s.coordinates) > 0 {
		result.Dependency = &profile.Dependency{Files: s.files, Coordinates: s.coordinates}
	}
	return result
}
