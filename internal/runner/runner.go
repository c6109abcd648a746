// Package runner executes a command once per matrix node and fires the
// node's hooks around it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/magiconair/properties"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/dbmatrix/internal/logging"
	"github.com/cochaviz/dbmatrix/internal/matrix"
	"github.com/cochaviz/dbmatrix/pkg/matrixtest"
)

const (
	OutputFileName     = "output.log"
	PropertiesFileName = "hibernate.properties"
	SummaryFileName    = "summary.yaml"
)

type Options struct {
	// Command is the argv executed for every node.
	Command []string
	// Parallel bounds how many nodes run at once. Zero or less means one.
	Parallel int
	// Echo, when set, also receives the output of every node.
	Echo   io.Writer
	Logger *slog.Logger
}

// Result is the outcome of one node.
type Result struct {
	Node     string        `yaml:"node"`
	Profile  string        `yaml:"profile"`
	ExitCode int           `yaml:"exitCode"`
	Resets   int           `yaml:"resets"`
	Duration time.Duration `yaml:"duration"`
	Output   string        `yaml:"output"`
	Error    string        `yaml:"error,omitempty"`
	// ResetFailures lists the resets that failed while the command kept
	// running. They do not fail the node on their own.
	ResetFailures []string `yaml:"resetFailures,omitempty"`

	Err error `yaml:"-"`
}

func (r Result) Failed() bool {
	return r.Err != nil
}

type Runner struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) (*Runner, error) {
	if len(opts.Command) == 0 || strings.TrimSpace(opts.Command[0]) == "" {
		return nil, errors.New("runner: command is required")
	}
	if opts.Parallel <= 0 {
		opts.Parallel = 1
	}
	if opts.Echo != nil {
		opts.Echo = &lockedWriter{w: opts.Echo}
	}
	return &Runner{
		opts:   opts,
		logger: logging.Ensure(opts.Logger).With("component", "runner"),
	}, nil
}

// Run executes every node and returns one result per node, in node order.
// Node failures are reported in the results, never as the returned error;
// that is reserved for ctx cancellation.
func (r *Runner) Run(ctx context.Context, nodes []*matrix.Node) ([]Result, error) {
	results := make([]Result, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Parallel)

	for i, node := range nodes {
		g.Go(func() error {
			results[i] = r.runNode(gctx, node)
			return nil
		})
	}
	_ = g.Wait()
	return results, ctx.Err()
}

// Failures joins the errors of every failed result.
func Failures(results []Result) error {
	var errs []error
	for _, res := range results {
		if res.Failed() {
			errs = append(errs, fmt.Errorf("%s: %w", res.Node, res.Err))
		}
	}
	return errors.Join(errs...)
}

func (r *Runner) runNode(ctx context.Context, node *matrix.Node) (res Result) {
	logger := r.logger.With("node", node.Target, "profile", node.Profile.Name)
	hooks := node.Hooks()
	start := time.Now()
	res = Result{
		Node:     node.Target,
		Profile:  node.Profile.Name,
		ExitCode: -1,
		Output:   filepath.Join(node.ResultsDir, OutputFileName),
	}

	defer func() {
		if err := hooks.Finish(context.WithoutCancel(ctx)); err != nil {
			logger.Error("release failed", "error", err)
			res.Err = errors.Join(res.Err, err)
		}
		res.Duration = time.Since(start).Round(time.Millisecond)
		res.Resets = node.Lifecycle().Resets()
		for _, err := range node.Lifecycle().ResetErrors() {
			res.ResetFailures = append(res.ResetFailures, err.Error())
		}
		if res.Err != nil {
			res.Error = res.Err.Error()
		}
		if err := writeSummary(node, res); err != nil {
			logger.Warn("write node summary", "error", err)
		}
	}()

	logger.Info("preparing node")
	if err := hooks.PreRun(ctx); err != nil {
		res.Err = fmt.Errorf("prepare: %w", err)
		logger.Error("node preparation failed", "error", err)
		return res
	}

	socketDir, err := os.MkdirTemp("", "dbmatrix-")
	if err != nil {
		res.Err = fmt.Errorf("create socket directory: %w", err)
		return res
	}
	defer os.RemoveAll(socketDir)

	server := NewHookServer(filepath.Join(socketDir, "hooks.sock"), hooks.BeforeTest, logger)
	if err := server.Start(ctx); err != nil {
		res.Err = err
		return res
	}
	defer server.Close()

	propsPath := filepath.Join(node.WorkingDir, PropertiesFileName)
	if err := writeProperties(propsPath, node); err != nil {
		res.Err = err
		return res
	}

	res.ExitCode, res.Err = r.execute(ctx, node, server.Path(), propsPath, res.Output)
	if res.Err != nil {
		logger.Error("node failed", "exit_code", res.ExitCode, "error", res.Err)
	} else {
		logger.Info("node finished", "resets", node.Lifecycle().Resets())
	}
	return res
}

func (r *Runner) execute(ctx context.Context, node *matrix.Node, socket, propsPath, outputPath string) (int, error) {
	out, err := os.Create(outputPath)
	if err != nil {
		return -1, fmt.Errorf("create output file: %w", err)
	}
	defer out.Close()

	var w io.Writer = out
	if r.opts.Echo != nil {
		w = io.MultiWriter(out, prefixWriter(r.opts.Echo, "["+node.Profile.Name+"] "))
	}

	cmd := exec.CommandContext(ctx, r.opts.Command[0], r.opts.Command[1:]...)
	cmd.Dir = node.WorkingDir
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.Env = nodeEnvironment(os.Environ(), node, socket, propsPath)

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), fmt.Errorf("command exited with status %d", exitErr.ExitCode())
		}
		return -1, fmt.Errorf("run command: %w", err)
	}
	return 0, nil
}

// nodeEnvironment layers the node's variables over base.
func nodeEnvironment(base []string, node *matrix.Node, socket, propsPath string) []string {
	env := map[string]string{}
	var order []string
	set := func(k, v string) {
		if _, ok := env[k]; !ok {
			order = append(order, k)
		}
		env[k] = v
	}
	for _, kv := range base {
		k, v, _ := strings.Cut(kv, "=")
		set(k, v)
	}
	for k, v := range node.Environment() {
		set(k, v)
	}
	set(matrixtest.EnvSocket, socket)
	set(matrixtest.EnvWorkDir, node.WorkingDir)
	set(matrixtest.EnvProperties, propsPath)
	set(matrixtest.EnvProfile, node.Profile.Name)
	set(matrixtest.EnvNode, node.Target)
	set(matrixtest.EnvClasspath, strings.Join(node.Classpath(), string(os.PathListSeparator)))

	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+env[k])
	}
	return out
}

func writeProperties(path string, node *matrix.Node) error {
	props := properties.NewProperties()
	props.DisableExpansion = true
	var setErr error
	node.Properties().Each(func(key, value string) {
		if _, _, err := props.Set(key, value); err != nil && setErr == nil {
			setErr = err
		}
	})
	if setErr != nil {
		return fmt.Errorf("build node properties: %w", setErr)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create properties file: %w", err)
	}
	defer f.Close()
	if _, err := props.WriteComment(f, "# ", properties.UTF8); err != nil {
		return fmt.Errorf("write properties file: %w", err)
	}
	return nil
}

func writeSummary(node *matrix.Node, res Result) error {
	doc := struct {
		matrix.Summary `yaml:",inline"`
		Result         Result `yaml:"result"`
	}{node.Summary(), res}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(node.ResultsDir, SummaryFileName), data, 0o644)
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(b []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(b)
}

type linePrefixer struct {
	w      io.Writer
	prefix string
	fresh  bool
}

func prefixWriter(w io.Writer, prefix string) io.Writer {
	return &linePrefixer{w: w, prefix: prefix, fresh: true}
}

func (p *linePrefixer) Write(b []byte) (int, error) {
	var buf []byte
	for _, c := range b {
		if p.fresh {
			buf = append(buf, p.prefix...)
			p.fresh = false
		}
		buf = append(buf, c)
		if c == '\n' {
			p.fresh = true
		}
	}
	if _, err := p.w.Write(buf); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Sorted returns results ordered by node name.
func Sorted(results []Result) []Result {
	out := slices.Clone(results)
	slices.SortFunc(out, func(a, b Result) int { return strings.Compare(a.Node, b.Node) })
	return out
}
