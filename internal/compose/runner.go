package compose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Compose file names in lookup order. New stacks are written as the first.
var composeFileNames = []string{"compose.yaml", "docker-compose.yml", "docker-compose.yaml", "compose.yml"}

const envFileName = ".env"

// Result describes a finished compose invocation.
type Result struct {
	Stack    string
	Args     []string
	Duration time.Duration
}

// Runner executes "<bin> compose ..." inside a stack's directory and owns the
// on-disk layout: one sub-directory per stack holding the compose file and
// an optional .env.
type Runner struct {
	dir     string
	bin     string
	timeout time.Duration
	logger  *slog.Logger
}

// NewRunner creates a Runner rooted at stacksDir.
func NewRunner(stacksDir, bin string, timeout time.Duration, logger *slog.Logger) *Runner {
	if bin == "" {
		bin = "docker"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		dir:     stacksDir,
		bin:     bin,
		timeout: timeout,
		logger:  logger.With("module", "compose"),
	}
}

// Root returns the stacks directory.
func (r *Runner) Root() string { return r.dir }

// StackDir returns the directory of a stack.
func (r *Runner) StackDir(name string) string {
	return filepath.Join(r.dir, name)
}

// composePath returns the existing compose file of a stack, or "".
func (r *Runner) composePath(name string) string {
	dir := r.StackDir(name)
	for _, fn := range composeFileNames {
		p := filepath.Join(dir, fn)
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return p
		}
	}
	return ""
}

// Exists reports whether a stack directory with a compose file exists.
func (r *Runner) Exists(name string) bool {
	if !ValidName(name) {
		return false
	}
	return r.composePath(name) != ""
}

// Discover lists every stack found under the stacks directory, sorted by name.
func (r *Runner) Discover() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read stacks dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() || !ValidName(e.Name()) {
			continue
		}
		if r.composePath(e.Name()) != "" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// ReadFiles returns the compose and env file contents of a stack.
// A missing .env reads as "".
func (r *Runner) ReadFiles(name string) (string, string, error) {
	if !ValidName(name) {
		return "", "", ErrInvalidName
	}
	path := r.composePath(name)
	if path == "" {
		return "", "", ErrStackNotFound
	}
	composeYAML, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read compose file: %w", err)
	}
	env, err := os.ReadFile(filepath.Join(r.StackDir(name), envFileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", "", fmt.Errorf("read env file: %w", err)
	}
	return string(composeYAML), string(env), nil
}

// WriteFiles validates composeYAML and writes both files. Either both files
// change or neither does. An empty env removes the .env file.
func (r *Runner) WriteFiles(name, composeYAML, env string) error {
	if !ValidName(name) {
		return ErrInvalidName
	}
	if err := ValidateYAML(composeYAML); err != nil {
		return err
	}

	dir := r.StackDir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create stack dir: %w", err)
	}

	path := r.composePath(name)
	if path == "" {
		path = filepath.Join(dir, composeFileNames[0])
	}
	envPath := filepath.Join(dir, envFileName)

	prev, err := os.ReadFile(path)
	hadCompose := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read compose file: %w", err)
	}

	composeTmp, err := stageFile(path, []byte(composeYAML), 0644)
	if err != nil {
		return fmt.Errorf("write compose file: %w", err)
	}
	var envTmp string
	if env != "" {
		if envTmp, err = stageFile(envPath, []byte(env), 0600); err != nil {
			os.Remove(composeTmp)
			return fmt.Errorf("write env file: %w", err)
		}
	}

	if err := os.Rename(composeTmp, path); err != nil {
		os.Remove(composeTmp)
		if envTmp != "" {
			os.Remove(envTmp)
		}
		return fmt.Errorf("write compose file: %w", err)
	}
	if err := commitEnv(envTmp, envPath); err != nil {
		if hadCompose {
			err = errors.Join(err, writeFileAtomic(path, prev, 0644))
		} else {
			err = errors.Join(err, os.Remove(path))
		}
		return fmt.Errorf("write env file: %w", err)
	}
	return nil
}

// commitEnv moves a staged env file into place, or removes the env file
// when nothing was staged.
func commitEnv(staged, envPath string) error {
	if staged == "" {
		if err := os.Remove(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := os.Rename(staged, envPath); err != nil {
		os.Remove(staged)
		return err
	}
	return nil
}

// Start brings the stack up in the background (compose up -d).
func (r *Runner) Start(ctx context.Context, name string, out io.Writer) (Result, error) {
	return r.run(ctx, name, out, "up", "-d", "--remove-orphans")
}

// Stop stops the stack's containers without removing them.
func (r *Runner) Stop(ctx context.Context, name string, out io.Writer) (Result, error) {
	return r.run(ctx, name, out, "stop")
}

// Restart restarts the stack's containers.
func (r *Runner) Restart(ctx context.Context, name string, out io.Writer) (Result, error) {
	return r.run(ctx, name, out, "restart")
}

// Update pulls newer images and recreates changed containers. A failed pull
// returns before anything is recreated.
func (r *Runner) Update(ctx context.Context, name string, out io.Writer) (Result, error) {
	start := time.Now()
	if _, err := r.run(ctx, name, out, "pull"); err != nil {
		return Result{Stack: name}, err
	}
	res, err := r.run(ctx, name, out, "up", "-d", "--remove-orphans")
	res.Duration = time.Since(start)
	return res, err
}

// Delete removes the stack's containers (when teardown is set) and then its
// directory. Files are left in place if the teardown fails.
func (r *Runner) Delete(ctx context.Context, name string, teardown bool, out io.Writer) (Result, error) {
	if !r.Exists(name) {
		return Result{Stack: name}, ErrStackNotFound
	}
	res := Result{Stack: name}
	if teardown {
		var err error
		res, err = r.run(ctx, name, out, "down", "--remove-orphans")
		if err != nil {
			return res, err
		}
	}
	if err := os.RemoveAll(r.StackDir(name)); err != nil {
		return res, fmt.Errorf("remove stack dir: %w", err)
	}
	return res, nil
}

// run executes one compose sub-command, bounded by the runner timeout.
func (r *Runner) run(ctx context.Context, name string, out io.Writer, args ...string) (Result, error) {
	res := Result{Stack: name, Args: args}
	if !r.Exists(name) {
		return res, ErrStackNotFound
	}
	if out == nil {
		out = io.Discard
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	dir := r.StackDir(name)
	capture := NewLogWriter(20)
	w := io.MultiWriter(out, capture)

	fullArgs := append([]string{"compose"}, args...)
	cmd := exec.CommandContext(ctx, r.bin, fullArgs...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "COMPOSE_PROJECT_NAME="+name)
	cmd.Stdout = w
	cmd.Stderr = w
	cmd.WaitDelay = 5 * time.Second

	start := time.Now()
	err := cmd.Run()
	res.Duration = time.Since(start)
	capture.Close()
	if err == nil {
		r.logger.Debug("docker compose finished", "stack", name, "args", strings.Join(args, " "), "took", res.Duration)
		return res, nil
	}

	opErr := &OperationError{Stack: name, Verb: args[0], ExitCode: -1, Err: err}
	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		opErr.Message = "timeout"
	case errors.Is(ctx.Err(), context.Canceled):
		opErr.Message = "canceled"
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, os.ErrNotExist):
		opErr.Message = fmt.Sprintf("%s not found", r.bin)
	case errors.As(err, &exitErr):
		opErr.ExitCode = exitErr.ExitCode()
		opErr.Message = capture.TailString()
		if opErr.Message == "" {
			opErr.Message = fmt.Sprintf("exit status %d", opErr.ExitCode)
		}
	default:
		opErr.Message = err.Error()
	}

	r.logger.Error("docker compose failed",
		"dir", dir,
		"args", strings.Join(args, " "),
		"output", capture.TailString(),
		"err", err,
	)
	return res, opErr
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmpName, err := stageFile(path, data, perm)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// stageFile writes data to a temp file next to path and returns its name.
func stageFile(path string, data []byte, perm os.FileMode) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	return tmpName, nil
}
