package delta

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultExecArgs is used when ExecApplier.Args is empty.
var DefaultExecArgs = []string{"{base}", "{delta}", "{out}"}

// ExecApplier applies deltas by running an external tool on temporary
// files. In Args the placeholders {base}, {delta} and {out} are replaced by
// the file paths; an argument that is exactly {base} is dropped when there
// is no base.
type ExecApplier struct {
	Path string
	Args []string
	// Dir holds the temporary files. Empty means os.TempDir.
	Dir string
}

func (e *ExecApplier) Apply(ctx context.Context, base, delta []byte) ([]byte, error) {
	loc, err := exec.LookPath(e.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrApplyUnavailable, err)
	}
	tmp, err := os.MkdirTemp(e.Dir, "msupatch-")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	basePath := filepath.Join(tmp, "base")
	deltaPath := filepath.Join(tmp, "delta")
	outPath := filepath.Join(tmp, "out")
	if base != nil {
		if err := os.WriteFile(basePath, base, 0600); err != nil {
			return nil, err
		}
	}
	if err := os.WriteFile(deltaPath, delta, 0600); err != nil {
		return nil, err
	}

	tmpl := e.Args
	if len(tmpl) == 0 {
		tmpl = DefaultExecArgs
	}
	var args []string
	for _, a := range tmpl {
		if a == "{base}" && base == nil {
			continue
		}
		a = strings.ReplaceAll(a, "{base}", basePath)
		a = strings.ReplaceAll(a, "{delta}", deltaPath)
		a = strings.ReplaceAll(a, "{out}", outPath)
		args = append(args, a)
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, loc, args...)
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", filepath.Base(loc), err, msg)
		}
		return nil, fmt.Errorf("%s: %w", filepath.Base(loc), err)
	}
	return os.ReadFile(outPath)
}
